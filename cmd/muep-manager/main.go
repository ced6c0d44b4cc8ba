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

package main

import (
	"fmt"
	"os"

	"github.com/globus-compute/mu-endpoint-manager/internal/muep"
)

var version = "development"

// main dispatches to the hidden self-reexec subcommands
// (muep.BootstrapSubcommand, muep.FailureNoticeSubcommand) before doing
// anything else: those invocations are the freshly exec'd privilege-drop
// children described in launcher_linux.go, and must never run the
// ordinary daemon startup path.
func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case muep.BootstrapSubcommand:
			muep.RunBootstrapChild()
			return
		case muep.FailureNoticeSubcommand:
			muep.RunFailureNoticeHelper()
			return
		}
	}

	if len(args) > 0 && args[0] == "daemon" {
		args = args[1:]
	}
	if err := runDaemon(args); err != nil {
		fmt.Fprintf(os.Stderr, "muep-manager: %s\n", err)
		os.Exit(exitCodeOf(err))
	}
}
