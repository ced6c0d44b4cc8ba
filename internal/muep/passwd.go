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
	"os/user"
	"strconv"
)

// LookupPasswd resolves a local username to a PasswdEntry via the
// standard library's nss-aware os/user lookup. Supplementary group
// membership for initgroups (spec §4.6 step 6) is resolved separately
// by the launcher, since os/user does not expose it.
func LookupPasswd(username string) (PasswdEntry, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("looking up local user %q: %w", username, err)
	}
	return entryFromUser(u)
}

// CurrentPasswd resolves the passwd entry the manager process itself
// is running under, used when the manager is unprivileged and every
// start command runs as the manager's own uid.
func CurrentPasswd() (PasswdEntry, error) {
	u, err := user.Current()
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("resolving current user: %w", err)
	}
	return entryFromUser(u)
}

func entryFromUser(u *user.User) (PasswdEntry, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("parsing uid %q for %q: %w", u.Uid, u.Username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("parsing gid %q for %q: %w", u.Gid, u.Username, err)
	}
	return PasswdEntry{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}
