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
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/yaml"
)

// IdentityMapper is the pluggable policy capability described by the
// spec: map a caller's identity set to a local username, and stop any
// background file watch cleanly. The default implementation
// (PosixIdentityMapper) watches a policy file on disk.
type IdentityMapper interface {
	MapIdentity(ids IdentitySet) (string, error)
	StopWatching()
}

// mappingRule matches identities whose identity_provider and sub both
// match the configured patterns (either may be "*" for any), producing
// a local username from a template that may reference {{.Username}}
// and {{.Email}}.
type mappingRule struct {
	IdentityProvider string `json:"identity_provider"`
	SubPattern       string `json:"sub_pattern"`
	Username         string `json:"username"`
}

type policyFile struct {
	Rules []mappingRule `json:"rules"`
}

// PosixIdentityMapper is the default IdentityMapper: it parses a policy
// file of ordered rules and re-parses it whenever the file changes on
// disk, in the style of auth.Provider's file-backed implementations.
type PosixIdentityMapper struct {
	path         string
	endpointUUID string
	logger       *log.Logger

	mu      sync.RWMutex
	rules   []compiledRule

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type compiledRule struct {
	provider string
	sub      *regexp.Regexp
	username string
}

// NewPosixIdentityMapper constructs a mapper from a policy file path.
// It fails with a wrapped os error if the file cannot be read
// (callers should map os.IsPermission to ExNoPerm, os.IsNotExist to
// ExOSFile, and any other read failure, or a parse failure, to
// ExConfig per the spec).
func NewPosixIdentityMapper(path, endpointUUID string, logger *log.Logger) (*PosixIdentityMapper, error) {
	m := &PosixIdentityMapper{
		path:         path,
		endpointUUID: endpointUUID,
		logger:       logger,
		done:         make(chan struct{}),
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Non-fatal: we still have a usable (static) mapping; just
		// never learn about subsequent edits.
		m.logf("warning: unable to watch %s for changes: %s", path, err)
		return m, nil
	}
	if err := w.Add(path); err != nil {
		m.logf("warning: unable to watch %s for changes: %s", path, err)
		w.Close()
		return m, nil
	}
	m.watcher = w
	go m.watch()
	return m, nil
}

func (m *PosixIdentityMapper) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

func (m *PosixIdentityMapper) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing identity mapping policy %q: %w", m.path, err)
	}
	rules := make([]compiledRule, 0, len(pf.Rules))
	for _, r := range pf.Rules {
		sub := r.SubPattern
		if sub == "" || sub == "*" {
			sub = ".*"
		}
		re, err := regexp.Compile("^" + sub + "$")
		if err != nil {
			return fmt.Errorf("invalid sub_pattern %q: %w", r.SubPattern, err)
		}
		rules = append(rules, compiledRule{
			provider: r.IdentityProvider,
			sub:      re,
			username: r.Username,
		})
	}
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	return nil
}

func (m *PosixIdentityMapper) watch() {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.reload(); err != nil {
				m.logf("identity mapping policy %q: reload failed, keeping prior policy: %s (endpoint %s)", m.path, err, m.endpointUUID)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logf("identity mapping policy watch error: %s", err)
		case <-m.done:
			return
		}
	}
}

// MapIdentity returns the first local username whose rule matches any
// identity in ids, or ErrLookupFailed if none match.
func (m *PosixIdentityMapper) MapIdentity(ids IdentitySet) (string, error) {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	for _, id := range ids {
		for _, r := range rules {
			if r.provider != "" && r.provider != "*" && r.provider != id.IdentityProvider {
				continue
			}
			if !r.sub.MatchString(id.Sub) {
				continue
			}
			return expandUsername(r.username, id), nil
		}
	}
	return "", fmt.Errorf("%w: no rule in %s matched any of %d identities", ErrLookupFailed, m.path, len(ids))
}

func expandUsername(tmpl string, id Identity) string {
	r := strings.NewReplacer(
		"{{.Username}}", id.Username,
		"{{.Email}}", id.Email,
		"{{.Sub}}", id.Sub,
	)
	return r.Replace(tmpl)
}

// StopWatching stops the background file watch. Idempotent.
func (m *PosixIdentityMapper) StopWatching() {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return
	}
	done := m.done
	m.done = nil
	m.mu.Unlock()

	close(done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}
