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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderUserConfigSubstitutesUserOpts(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, userConfigTemplateName)
	require.NoError(t, os.WriteFile(tmplPath, []byte("worker_init: {{.UserOpts.worker_init}}\n"), 0o600))

	out, err := RenderUserConfig(dir, map[string]any{"worker_init": "module load gcc"})
	require.NoError(t, err)
	assert.Contains(t, out, "module load gcc")
}

func TestRenderUserConfigRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, userConfigTemplateName)
	require.NoError(t, os.WriteFile(tmplPath, []byte("worker_init: [unterminated\n"), 0o600))

	_, err := RenderUserConfig(dir, nil)
	assert.Error(t, err)
}

func TestRenderUserConfigMissingTemplate(t *testing.T) {
	_, err := RenderUserConfig(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestRenderUserConfigMissingKeyDefaultsToZeroValue(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, userConfigTemplateName)
	require.NoError(t, os.WriteFile(tmplPath, []byte("worker_init: \"{{.UserOpts.absent}}\"\n"), 0o600))

	out, err := RenderUserConfig(dir, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, `worker_init: ""`)
}
