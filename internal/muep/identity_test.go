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

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestPosixIdentityMapperMatchesFirstRule(t *testing.T) {
	path := writePolicy(t, `
rules:
  - identity_provider: globus
    sub_pattern: "^abc.*"
    username: "{{.Username}}"
  - identity_provider: "*"
    sub_pattern: "*"
    username: fallback
`)
	m, err := NewPosixIdentityMapper(path, "ep-uuid", nil)
	require.NoError(t, err)
	defer m.StopWatching()

	username, err := m.MapIdentity(IdentitySet{{Sub: "abc123", Username: "alice", IdentityProvider: "globus"}})
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestPosixIdentityMapperFallsThroughToWildcard(t *testing.T) {
	path := writePolicy(t, `
rules:
  - identity_provider: globus
    sub_pattern: "^abc.*"
    username: "{{.Username}}"
  - identity_provider: "*"
    sub_pattern: "*"
    username: fallback
`)
	m, err := NewPosixIdentityMapper(path, "ep-uuid", nil)
	require.NoError(t, err)
	defer m.StopWatching()

	username, err := m.MapIdentity(IdentitySet{{Sub: "xyz999", Username: "bob", IdentityProvider: "orcid"}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", username)
}

func TestPosixIdentityMapperNoMatch(t *testing.T) {
	path := writePolicy(t, `
rules:
  - identity_provider: globus
    sub_pattern: "^abc.*"
    username: "{{.Username}}"
`)
	m, err := NewPosixIdentityMapper(path, "ep-uuid", nil)
	require.NoError(t, err)
	defer m.StopWatching()

	_, err = m.MapIdentity(IdentitySet{{Sub: "zzz", IdentityProvider: "globus"}})
	assert.ErrorIs(t, err, ErrLookupFailed)
}

func TestPosixIdentityMapperReload(t *testing.T) {
	path := writePolicy(t, `
rules:
  - identity_provider: "*"
    sub_pattern: "*"
    username: original
`)
	m, err := NewPosixIdentityMapper(path, "ep-uuid", nil)
	require.NoError(t, err)
	defer m.StopWatching()

	username, err := m.MapIdentity(IdentitySet{{Sub: "any"}})
	require.NoError(t, err)
	assert.Equal(t, "original", username)

	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - identity_provider: "*"
    sub_pattern: "*"
    username: updated
`), 0o600))
	require.NoError(t, m.reload())

	username, err = m.MapIdentity(IdentitySet{{Sub: "any"}})
	require.NoError(t, err)
	assert.Equal(t, "updated", username)
}

func TestPosixIdentityMapperStopWatchingIsIdempotent(t *testing.T) {
	path := writePolicy(t, "rules: []\n")
	m, err := NewPosixIdentityMapper(path, "ep-uuid", nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.StopWatching()
		m.StopWatching()
	})
}

func TestExpandUsernameTemplateVars(t *testing.T) {
	id := Identity{Sub: "sub-1", Username: "carol", Email: "carol@example.test"}
	assert.Equal(t, "carol", expandUsername("{{.Username}}", id))
	assert.Equal(t, "carol@example.test", expandUsername("{{.Email}}", id))
	assert.Equal(t, "sub-1", expandUsername("{{.Sub}}", id))
}

func TestIdentitySetSubs(t *testing.T) {
	set := IdentitySet{{Sub: "a"}, {Sub: "b"}, {Sub: "a"}}
	subs := set.Subs()
	assert.Len(t, subs, 2)
	_, ok := subs["a"]
	assert.True(t, ok)
	_, ok = subs["b"]
	assert.True(t, ok)
}
