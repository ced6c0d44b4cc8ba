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
	"sync"
	"time"
)

// maxCachedStartArgs bounds the cached-start-args table so that
// pathological child flapping cannot grow it without limit.
const maxCachedStartArgs = 32768

type ttlEntry struct {
	val     StartArgs
	expires time.Time
}

// startArgsCache is the TTL-bounded cache of CachedStartArgs (spec §3,
// §4.4). The spec describes the cache as keyed by exited pid, but a
// pid is useless to the one thing that ever needs to look an entry
// up again: a later start command, which only knows the endpoint
// *name*. Since the invariant that at most one live child exists per
// ep_name already holds (Child Registry, §4.4), keying by name instead
// of pid is functionally equivalent and is what this implementation
// does; see DESIGN.md. Entries expire lazily on Pop and are
// additionally swept on a ticker, mirroring the locked-map
// ticker-sweep shape of the teacher's Manager.gc background
// goroutine, generalized from "kill idle processes" to "expire stale
// cache entries".
type startArgsCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]ttlEntry

	done chan struct{}
	once sync.Once
}

func newStartArgsCache(ttl time.Duration) *startArgsCache {
	c := &startArgsCache{
		ttl:     ttl,
		entries: make(map[string]ttlEntry),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Insert caches start args for epName, evicting the oldest entry first
// if the cache is at capacity.
func (c *startArgsCache) Insert(epName string, args StartArgs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[epName]; !exists && len(c.entries) >= maxCachedStartArgs {
		c.evictOldestLocked()
	}
	c.entries[epName] = ttlEntry{val: args, expires: time.Now().Add(c.ttl)}
}

func (c *startArgsCache) evictOldestLocked() {
	var oldestName string
	var oldest time.Time
	first := true
	for name, e := range c.entries {
		if first || e.expires.Before(oldest) {
			oldest, oldestName, first = e.expires, name, false
		}
	}
	if !first {
		delete(c.entries, oldestName)
	}
}

// Pop removes and returns the cached start args for epName, if present
// and not expired.
func (c *startArgsCache) Pop(epName string) (StartArgs, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[epName]
	delete(c.entries, epName)
	if !ok || time.Now().After(e.expires) {
		return StartArgs{}, false
	}
	return e.val, true
}

func (c *startArgsCache) sweep() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			c.mu.Lock()
			for name, e := range c.entries {
				if now.After(e.expires) {
					delete(c.entries, name)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

func (c *startArgsCache) Stop() {
	c.once.Do(func() { close(c.done) })
}
