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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("funcx_service_address: http://example.test/register\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultChildBinary, cfg.ChildBinary)
	assert.Equal(t, 30.0, cfg.MUChildEPGracePeriodS)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod())
}

func TestHeartbeatPeriodEffectiveIsFloored(t *testing.T) {
	cfg := &Config{HeartbeatPeriodS: 1}
	assert.Equal(t, minHeartbeatPeriod, cfg.HeartbeatPeriod())

	cfg.HeartbeatPeriodS = 45
	assert.Equal(t, 45*time.Second, cfg.HeartbeatPeriod())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNormalizeRejectsNonPositiveGracePeriod(t *testing.T) {
	cfg := &Config{MUChildEPGracePeriodS: -5}
	cfg.normalize()
	assert.Equal(t, 30.0, cfg.MUChildEPGracePeriodS)
}
