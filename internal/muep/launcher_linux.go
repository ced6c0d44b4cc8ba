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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
	"sigs.k8s.io/yaml"
)

// controlFD is the file descriptor a bootstrap/failure-notice child
// inherits its control payload on: ExtraFiles[0] in the parent becomes
// fd 3 in the child (fds 0-2 are always stdin/stdout/stderr).
const controlFD = 3

func dieWithBreadcrumb(b *breadcrumb, stage string, err error) {
	code := b.step()
	fmt.Fprintf(os.Stderr, "muep bootstrap: %s: %s (exit %d)\n", stage, err, code)
	os.Exit(code)
}

// RunBootstrapChild is the entry point main() dispatches to when
// argv[1] == BootstrapSubcommand. It never returns: every path either
// execve()s into the target endpoint binary or os.Exit()s with a
// breadcrumb exit code identifying the pipeline step that failed
// (spec §4.6, §6).
//
// Go's runtime spins up additional OS threads very early, and
// syscalls like setresuid/setresgid are only guaranteed to affect the
// calling thread unless issued before other threads exist; this is
// exactly why the pipeline runs in a process that was *just*
// exec'd (see Launcher.fork's doc comment) rather than in a
// goroutine forked off the long-lived, heavily multi-threaded
// supervisor process.
func RunBootstrapChild() {
	b := newBreadcrumb()

	data, err := io.ReadAll(os.NewFile(controlFD, "control"))
	if err != nil {
		dieWithBreadcrumb(b, "reading control payload", err)
	}
	req, err := unmarshalBootstrapRequest(data)
	if err != nil {
		dieWithBreadcrumb(b, "decoding control payload", err)
	}

	// Step 1: rename process in logs.
	setProcTitle(fmt.Sprintf("muep: PreExec %s", req.EPName))
	b.step()

	// Step 2: rebuild PATH.
	interpDir := filepath.Dir(os.Args[0])
	path := rebuildPath(interpDir)
	os.Setenv("PATH", path)
	b.step()

	// Step 3: optional per-user environment file; failures are warnings.
	if env, err := parseUserEnvironmentFile(filepath.Join(req.ConfDir, "user_environment.yaml")); err != nil {
		fmt.Fprintf(os.Stderr, "muep bootstrap: warning: user_environment.yaml: %s\n", err)
	} else {
		for k, v := range env {
			os.Setenv(k, v)
		}
	}
	b.step()

	// Step 4: ensure HOME/USER, fall back to / if home is missing on disk.
	home := req.HomeDir
	if _, err := os.Stat(home); err != nil {
		home = "/"
	}
	os.Setenv("HOME", home)
	os.Setenv("USER", req.Username)
	b.step()

	// Step 5: chdir to a known-safe location before any privilege change.
	if err := os.Chdir("/"); err != nil {
		dieWithBreadcrumb(b, "chdir /", err)
	}
	b.step()

	// Step 6: initgroups + setresgid + setresuid.
	if req.UID != os.Getuid() || req.GID != os.Getgid() {
		if err := initgroups(req.Username, req.GID); err != nil {
			fmt.Fprintf(os.Stderr, "muep bootstrap: warning: initgroups: %s\n", err)
		}
		if err := unix.Setresgid(req.GID, req.GID, req.GID); err != nil {
			dieWithBreadcrumb(b, "setresgid", err)
		}
		if err := unix.Setresuid(req.UID, req.UID, req.UID); err != nil {
			dieWithBreadcrumb(b, "setresuid", err)
		}
	}
	b.step()

	// Step 7: drop all capabilities.
	if err := dropAllCapabilities(); err != nil {
		dieWithBreadcrumb(b, "dropping capabilities", err)
	}
	b.step()

	// Step 8: no-new-privs.
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		dieWithBreadcrumb(b, "PR_SET_NO_NEW_PRIVS", err)
	}
	b.step()

	// Step 9: verify the endpoint binary resolves via the rebuilt PATH;
	// not fatal, exec below will fail informatively if it doesn't.
	childBinary := req.ChildBinary
	if childBinary == "" {
		childBinary = DefaultChildBinary
	}
	if _, err := exec.LookPath(childBinary); err != nil {
		fmt.Fprintf(os.Stderr, "muep bootstrap: warning: %s not found on PATH=%s\n", childBinary, path)
	}
	b.step()

	// Step 10: detach from controlling terminal.
	if _, err := unix.Setsid(); err != nil {
		// EPERM is expected when we are already a session leader
		// (e.g. inherited from a forked grandchild in tests).
		if err != syscall.EPERM {
			fmt.Fprintf(os.Stderr, "muep bootstrap: warning: setsid: %s\n", err)
		}
	}
	b.step()

	// Step 11: umask.
	unix.Umask(0o077)
	b.step()

	// Step 12: chdir to working_dir = $PWD or home or /.
	workDir := os.Getenv("PWD")
	if workDir == "" {
		workDir = home
	}
	if workDir == "" {
		workDir = "/"
	}
	if err := os.Chdir(workDir); err != nil {
		workDir = "/"
		os.Chdir(workDir)
	}
	b.step()

	// Step 13: setproctitle startup banner.
	setProcTitle(fmt.Sprintf("muep-endpoint(%s:%s)", req.Username, req.EPName))
	b.step()

	// Step 14: ensure ~/.globus_compute/<ep_name>/ exists, mode 0700.
	epDir := filepath.Join(home, ".globus_compute", req.EPName)
	if err := os.MkdirAll(epDir, 0o700); err != nil {
		dieWithBreadcrumb(b, "creating endpoint directory", err)
	}
	b.step()

	// Step 15: render user config template, serialize stdin payload.
	rendered, err := RenderUserConfig(req.ConfDir, req.UserOpts)
	if err != nil {
		dieWithBreadcrumb(b, "rendering user config", err)
	}
	stdinPayload, err := json.Marshal(map[string]any{
		"amqp_creds": req.AMQPCreds,
		"config":     rendered,
	})
	if err != nil {
		dieWithBreadcrumb(b, "encoding stdin payload", err)
	}
	b.step()

	// Step 16: open /dev/null write-only, at an fd >= 3.
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		dieWithBreadcrumb(b, "opening /dev/null", err)
	}
	b.step()

	// Step 17: create stdin pipe; validate payload fits pipe capacity.
	pr, pw, err := os.Pipe()
	if err != nil {
		dieWithBreadcrumb(b, "creating stdin pipe", err)
	}
	capacity, err := unix.FcntlInt(pr.Fd(), unix.F_GETPIPE_SZ, 0)
	if err != nil {
		dieWithBreadcrumb(b, "querying pipe capacity", err)
	}
	if len(stdinPayload) > capacity-256 {
		dieWithBreadcrumb(b, "stdin payload too large", fmt.Errorf("%d bytes exceeds pipe capacity %d-256", len(stdinPayload), capacity))
	}
	b.step()

	// Step 18: dup2(r, 0); close r.
	if err := unix.Dup2(int(pr.Fd()), 0); err != nil {
		dieWithBreadcrumb(b, "dup2 stdin", err)
	}
	pr.Close()
	b.step()

	// Step 19: dup2(/dev/null, 1) and dup2(/dev/null, 2).
	if err := unix.Dup2(int(devnull.Fd()), 1); err != nil {
		dieWithBreadcrumb(b, "dup2 stdout", err)
	}
	if err := unix.Dup2(int(devnull.Fd()), 2); err != nil {
		dieWithBreadcrumb(b, "dup2 stderr", err)
	}
	devnull.Close()
	b.step()

	// Step 20: write stdin payload; close write end.
	if _, err := pw.Write(stdinPayload); err != nil {
		dieWithBreadcrumb(b, "writing stdin payload", err)
	}
	pw.Close()
	b.step()

	// Step 21: close every other inherited fd.
	var rlim unix.Rlimit
	hardLimit := uint64(4096)
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
		hardLimit = rlim.Max
	}
	closeRange(3, hardLimit)
	b.step()

	// Step 22: execvpe into the target endpoint binary.
	argv := append([]string{childBinary, "start", req.EPName, "--die-with-parent"}, req.Args...)
	binPath, err := exec.LookPath(childBinary)
	if err != nil {
		binPath = childBinary
	}
	err = unix.Exec(binPath, argv, os.Environ())
	// unix.Exec only returns on failure.
	dieWithBreadcrumb(b, "execve", err)
}

// RunFailureNoticeHelper is the entry point main() dispatches to when
// argv[1] == FailureNoticeSubcommand. It reads its request from fd 3,
// publishes a single failure message over a transient connection, and
// exits 0 regardless of publish outcome (spec §7: the helper is
// recorded in the registry and reaped uniformly, so its own exit code
// carries no meaning back to the dispatch loop).
func RunFailureNoticeHelper() {
	data, err := io.ReadAll(os.NewFile(controlFD, "control"))
	if err != nil {
		os.Exit(0)
	}
	req, err := unmarshalFailureNoticeRequest(data)
	if err != nil {
		os.Exit(0)
	}
	if err := SendFailureNoticeSync(req.QueueInfo, req.Message); err != nil {
		fmt.Fprintf(os.Stderr, "muep failure-notice: %s\n", err)
	}
	os.Exit(0)
}

func rebuildPath(interpreterDir string) string {
	return strings.Join([]string{"/usr/local/bin", "/usr/bin", "/bin", interpreterDir}, ":")
}

func parseUserEnvironmentFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var env map[string]string
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env, nil
}

func initgroups(username string, gid int) error {
	gids, err := supplementaryGroupIDs(username)
	if err != nil {
		return err
	}
	has := false
	for _, g := range gids {
		if g == gid {
			has = true
			break
		}
	}
	if !has {
		gids = append(gids, gid)
	}
	return unix.Setgroups(gids)
}

// supplementaryGroupIDs scans /etc/group for every group username
// belongs to. os/user does not expose supplementary groups without
// cgo, so this mirrors the lookup glibc's initgroups(3) performs.
func supplementaryGroupIDs(username string) ([]int, error) {
	f, err := os.Open("/etc/group")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var gids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 {
			continue
		}
		members := strings.Split(fields[3], ",")
		for _, m := range members {
			if m == username {
				if gid, err := strconv.Atoi(fields[2]); err == nil {
					gids = append(gids, gid)
				}
				break
			}
		}
	}
	return gids, scanner.Err()
}

func dropAllCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capability.NewPid2: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("loading current capabilities: %w", err)
	}
	caps.Clear(capability.CAPS | capability.BOUNDS | capability.AMBS)
	if err := caps.Apply(capability.CAPS | capability.BOUNDS | capability.AMBS); err != nil {
		return fmt.Errorf("applying cleared capabilities: %w", err)
	}
	return nil
}

// setProcTitle is a best-effort process-title setter. Rewriting argv
// in place (the usual setproctitle(3) trick) needs either cgo or
// direct manipulation of the original argv/environ memory that the Go
// runtime does not expose; none of the example repos carry a
// setproctitle dependency, so this writes /proc/self/comm instead,
// which covers what ps/top show by default at the cost of the longer
// TASK_COMM_LEN truncation.
func setProcTitle(title string) {
	if len(title) > 15 {
		title = title[:15]
	}
	os.WriteFile("/proc/self/comm", []byte(title), 0)
}

// closeRange closes every fd in [from, to) except stdio, used to shed
// whatever the self-reexec inherited beyond what steps 16-20 set up
// deliberately.
func closeRange(from int, to uint64) {
	for fd := from; fd < int(to); fd++ {
		syscall.Close(fd)
	}
}
