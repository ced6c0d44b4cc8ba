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

import "errors"

// Exit codes for startup-fatal conditions (sysexits.h numbering, as
// named by the spec).
const (
	ExUnavailable = 69 // registration permanently rejected
	ExDataErr     = 65 // malformed config or registration payload
	ExTempFail    = 75 // network failure during registration
	ExSoftware    = 70 // server/client disagreement (endpoint id mismatch)
	ExOSFile      = 72 // identity-mapping config required but missing
	ExNoPerm      = 77 // identity-mapping config unreadable
	ExConfig      = 78 // identity-mapping config parse failure
)

// Error taxonomy used throughout the dispatch loop. These are
// sentinel/wrapped errors rather than a bespoke error package, matching
// the plain errors.New/fmt.Errorf style used throughout the teacher
// codebase.
var (
	// ErrInvalidCommand is returned for an unknown or malformed method
	// name, or for a well-formed command missing required fields.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidUser is returned when a start command targets the
	// manager's own uid and force_mu_allow_same_user is not set.
	ErrInvalidUser = errors.New("invalid user")

	// ErrUntrustedIdentity is returned when an unprivileged manager
	// receives a command from an identity set that does not intersect
	// its own parent identity set.
	ErrUntrustedIdentity = errors.New("untrusted identity")

	// ErrStaleCommand is returned when a command's timestamp falls
	// outside the freshness window.
	ErrStaleCommand = errors.New("stale command")

	// ErrNoLocalUser is returned when an identity maps to a local
	// username that does not exist on this host.
	ErrNoLocalUser = errors.New("identity mapped to absent local user")

	// ErrLookupFailed is returned by an IdentityMapper when no policy
	// rule matches the supplied identity set.
	ErrLookupFailed = errors.New("identity lookup failed")

	// ErrOverloaded names the condition of too many requests for the
	// same child pending revival. No function in this package returns
	// it: the revival cache holds one entry per endpoint name, and a
	// later duplicate start replaces the earlier entry.
	ErrOverloaded = errors.New("child overloaded")
)
