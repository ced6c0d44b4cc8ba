// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package muep

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"sigs.k8s.io/yaml"
)

// userConfigTemplateName is the file the per-user config template is
// read from within the endpoint's conf dir (spec §4.6 step 15). The
// real schema validation this spec calls an "external collaborator"
// lives outside this module's scope; RenderUserConfig stands in for it
// by confirming the rendered document is at least well-formed YAML,
// which is what cmd_start_endpoint needs before it is willing to hand
// the bytes to a child it cannot supervise further.
const userConfigTemplateName = "user_config_template.yaml.tmpl"

// RenderUserConfig renders the endpoint's config template with the
// caller-supplied user_opts and confirms the result parses as YAML.
// It never returns a templating error silently: a bad template or a
// user_opts value that produces invalid YAML both fail the launch.
func RenderUserConfig(confDir string, userOpts map[string]any) (string, error) {
	path := filepath.Join(confDir, userConfigTemplateName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading user config template %q: %w", path, err)
	}

	tmpl, err := template.New(userConfigTemplateName).Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parsing user config template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"UserOpts": userOpts}); err != nil {
		return "", fmt.Errorf("rendering user config template: %w", err)
	}
	// missingkey=zero still prints "<no value>" for an absent key of a
	// map[string]any; render such keys as the empty string instead.
	rendered := strings.ReplaceAll(buf.String(), "<no value>", "")

	var doc any
	if err := yaml.Unmarshal([]byte(rendered), &doc); err != nil {
		return "", fmt.Errorf("rendered user config is not valid YAML: %w", err)
	}
	return rendered, nil
}
