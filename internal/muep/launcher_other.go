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

//go:build !linux

package muep

import (
	"fmt"
	"os"
)

// RunBootstrapChild and RunFailureNoticeHelper require setresuid(2),
// capability-drop, and /proc, all Linux-only. The manager can still be
// built elsewhere for its non-privilege-drop pieces (identity mapping,
// the dispatch loop, the AMQP transport); only the fork+exec pipeline
// is unavailable.
func RunBootstrapChild() {
	fmt.Fprintln(os.Stderr, "muep: privilege-drop child launcher is only implemented on linux")
	os.Exit(breadcrumbBase)
}

func RunFailureNoticeHelper() {
	os.Exit(0)
}
