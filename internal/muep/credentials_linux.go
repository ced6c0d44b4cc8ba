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

//go:build linux

package muep

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// credMu serializes every temporary assumption of a child's uid/gid.
// The manager's effective credentials are process-global state (spec
// §9), so two goroutines racing to assume different identities would
// corrupt each other; in practice only the shutdown sequence does
// this, one child at a time, but the mutex makes that an invariant
// rather than an accident of the current call graph.
var credMu sync.Mutex

// withEffectiveCreds assumes target's uid/gid/groups for the duration
// of fn, then restores the manager's own credentials, regardless of
// whether fn succeeds. It exists so the shutdown sequence can deliver
// a process-group signal to a child running under a uid the manager
// does not itself hold (spec §4.7 "signal children under their own
// uid via a temporary credential switch").
func withEffectiveCreds(target PasswdEntry, fn func() error) error {
	credMu.Lock()
	defer credMu.Unlock()

	// setresuid/setresgid are per-OS-thread; without pinning, the
	// goroutine could be rescheduled onto a thread that never switched
	// credentials (or off the one that did) between here and
	// restoreCreds below.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ownUID, ownGID := unix.Getuid(), unix.Getgid()
	ownGroups, err := unix.Getgroups()
	if err != nil {
		return fmt.Errorf("getgroups: %w", err)
	}

	groups, err := supplementaryGroupIDs(target.Username)
	if err != nil {
		return fmt.Errorf("resolving groups for %s: %w", target.Username, err)
	}
	groups = append(groups, target.GID)
	if err := unix.Setgroups(groups); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresgid(-1, target.GID, -1); err != nil {
		restoreCreds(ownUID, ownGID, ownGroups)
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(-1, target.UID, -1); err != nil {
		restoreCreds(ownUID, ownGID, ownGroups)
		return fmt.Errorf("setresuid: %w", err)
	}

	fnErr := fn()

	restoreCreds(ownUID, ownGID, ownGroups)
	return fnErr
}

func restoreCreds(uid, gid int, groups []int) {
	unix.Setresuid(-1, uid, -1)
	unix.Setresgid(-1, gid, -1)
	unix.Setgroups(groups)
}
