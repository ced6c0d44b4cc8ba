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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartArgsCacheInsertAndPop(t *testing.T) {
	c := newStartArgsCache(time.Minute)
	defer c.Stop()

	c.Insert("ep1", StartArgs{Args: []string{"--foo"}})

	got, ok := c.Pop("ep1")
	assert.True(t, ok)
	assert.Equal(t, []string{"--foo"}, got.Args)

	// Popped once, a second pop finds nothing.
	_, ok = c.Pop("ep1")
	assert.False(t, ok)
}

func TestStartArgsCacheExpiresByTTL(t *testing.T) {
	c := newStartArgsCache(10 * time.Millisecond)
	defer c.Stop()

	c.Insert("ep1", StartArgs{})
	time.Sleep(50 * time.Millisecond)

	_, ok := c.Pop("ep1")
	assert.False(t, ok, "expired entry must not be returned")
}

func TestStartArgsCacheMissingKey(t *testing.T) {
	c := newStartArgsCache(time.Minute)
	defer c.Stop()

	_, ok := c.Pop("never-inserted")
	assert.False(t, ok)
}

func TestStartArgsCacheStopIsIdempotent(t *testing.T) {
	c := newStartArgsCache(time.Minute)
	assert.NotPanics(t, func() {
		c.Stop()
		c.Stop()
	})
}
