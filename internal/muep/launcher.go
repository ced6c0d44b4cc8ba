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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

// BootstrapSubcommand is the hidden argv[0]-adjacent subcommand the
// manager binary re-execs itself with in order to run the
// privilege-drop pipeline (spec §4.6) as a freshly exec'd, single-image
// process rather than attempting to fork a multi-threaded Go runtime
// directly. This mirrors the self-reexec "init process" pattern used
// by container runtimes (e.g. runc's libcontainer, whose initProcess
// sets cmd.Path to /proc/self/exe and a marker argv[0] of "init"): the
// "fork" the spec calls for becomes exec.Cmd.Start of our own binary,
// and everything between fork and exec in the spec's pipeline becomes
// plain Go code in the re-exec'd process, ending in a real execve(2)
// into the target endpoint binary.
const BootstrapSubcommand = "__muep_bootstrap_child__"

// bootstrapRequest is the control message passed to the bootstrap
// child over ExtraFiles[0], carrying everything cmd_start_endpoint
// knows about the target user and the command that triggered the
// launch.
type bootstrapRequest struct {
	ConfDir     string         `json:"conf_dir"`
	ChildBinary string         `json:"child_binary"`
	EPName      string         `json:"ep_name"`
	UID         int            `json:"uid"`
	GID         int            `json:"gid"`
	Username    string         `json:"username"`
	HomeDir     string         `json:"home_dir"`
	SameUser    bool           `json:"same_user"`
	Args        []string       `json:"args"`
	AMQPCreds   any            `json:"amqp_creds"`
	UserOpts    map[string]any `json:"user_opts"`
}

func (r bootstrapRequest) marshal() ([]byte, error) { return json.Marshal(r) }

func unmarshalBootstrapRequest(data []byte) (bootstrapRequest, error) {
	var r bootstrapRequest
	err := json.Unmarshal(data, &r)
	return r, err
}

// breadcrumbBase is the starting exit code for the privilege-drop
// pipeline; each completed step increments it by one (spec §4.6, §6).
const breadcrumbBase = 70

// breadcrumb tracks "how far did we get" through the pipeline: each
// completed step advances the code by one, and a child that dies
// mid-pipeline exits with the code of the step it failed in
// (breadcrumbBase plus that step's number), so exit codes strictly
// increase with progress.
type breadcrumb struct {
	code int
}

func newBreadcrumb() *breadcrumb { return &breadcrumb{code: breadcrumbBase} }

func (b *breadcrumb) step() int {
	b.code++
	return b.code
}

// FailureNoticeSubcommand is the hidden subcommand a short-lived
// helper re-execs itself with to publish a single user-visible failure
// message and exit, mirroring BootstrapSubcommand's self-reexec shape
// (spec §7 "Failure-notice path": the publisher's Future is not valid
// across fork, so the helper builds its own synchronous connection).
const FailureNoticeSubcommand = "__muep_failure_notice__"

type failureNoticeRequest struct {
	QueueInfo QueueInfo `json:"queue_info"`
	Message   string    `json:"message"`
}

func (r failureNoticeRequest) marshal() ([]byte, error) { return json.Marshal(r) }

func unmarshalFailureNoticeRequest(data []byte) (failureNoticeRequest, error) {
	var r failureNoticeRequest
	err := json.Unmarshal(data, &r)
	return r, err
}

// Launcher implements cmd_start_endpoint (spec §4.6): the parent-side
// half decides whether to fork, cache, or refuse, and the forked
// bootstrap child (launcher_linux.go) runs the privilege-drop
// pipeline. Forking a multi-threaded Go process directly and running
// arbitrary code before exec is unsafe, so the "fork" the spec
// describes is implemented as a self-reexec of our own binary (the
// same trick BootstrapSubcommand's doc comment describes, and the one
// real container-init implementations such as runc's initProcess
// use): exec.Cmd.Start() on os.Executable() with a hidden argv[1]
// marker, handing the child everything it needs over an inherited
// pipe fd instead of Go heap state, since nothing allocated by this
// process is valid to touch once the child has forked away from it.
type Launcher struct {
	conf     *Config
	registry *childRegistry
	logger   *log.Logger
	selfExe  string
	amqpInfo QueueInfo // result queue, for the failure-notice helper
}

// NewLauncher builds a Launcher bound to conf and registry. amqpInfo
// is the result-queue connection info the failure-notice helper uses
// for its own synchronous publish.
func NewLauncher(conf *Config, registry *childRegistry, amqpInfo QueueInfo, logger *log.Logger) (*Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable path: %w", err)
	}
	return &Launcher{conf: conf, registry: registry, logger: logger, selfExe: exe, amqpInfo: amqpInfo}, nil
}

func (l *Launcher) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf("launcher: "+format, args...)
	}
}

// StartEndpoint implements cmd_start_endpoint's parent-side decision
// tree (spec §4.6 "Inputs & preconditions" and "Fork outcome").
func (l *Launcher) StartEndpoint(passwd PasswdEntry, privileged bool, args []string, kwargs map[string]any) error {
	name, _ := kwargs["name"].(string)
	if name == "" {
		return fmt.Errorf("%w: kwargs.name is required", ErrInvalidCommand)
	}

	if pid, ok := l.registry.FindByName(name); ok {
		l.registry.cached.Insert(name, StartArgs{PasswdEntry: passwd, Args: args, Kwargs: kwargs})
		l.logf("endpoint %q already running as pid %d; cached start args for possible revival", name, pid)
		return nil
	}

	if privileged && !l.conf.ForceMUAllowSameUser {
		me, err := CurrentPasswd()
		if err == nil && (passwd.UID == me.UID || passwd.Username == me.Username) {
			return fmt.Errorf("%w: refusing to start endpoint %q under the manager's own identity", ErrInvalidUser, name)
		}
	}

	amqpCreds := kwargs["amqp_creds"]
	userOpts, _ := kwargs["user_opts"].(map[string]any)

	me, _ := CurrentPasswd()
	req := bootstrapRequest{
		ConfDir:     l.conf.ConfDir,
		ChildBinary: l.conf.ChildBinary,
		EPName:      name,
		UID:         passwd.UID,
		GID:         passwd.GID,
		Username:    passwd.Username,
		HomeDir:     passwd.HomeDir,
		SameUser:    passwd.UID == me.UID,
		Args:        args,
		AMQPCreds:   amqpCreds,
		UserOpts:    userOpts,
	}

	pid, err := l.fork(BootstrapSubcommand, req)
	if err != nil {
		return fmt.Errorf("forking endpoint %q: %w", name, err)
	}
	localUserInfo := passwd
	l.registry.Insert(pid, &ChildRecord{
		EPName:        name,
		LocalUserInfo: &localUserInfo,
		Arguments:     strings.Join(args, " "),
	})
	l.logf("started endpoint %q as pid %d (uid %d)", name, pid, passwd.UID)
	return nil
}

// Revive re-invokes StartEndpoint from a cached-start-args entry after
// a clean child exit within the grace period (spec §4.7, testable
// property "revival is attempted exactly once per cached-args
// insert"). It refreshes the passwd entry first; if the target user
// was removed mid-run, the refresh fails and revival is skipped: the
// failure is logged and no error is returned, matching the spec's
// "cancels revival" language.
func (l *Launcher) Revive(cached StartArgs, privileged bool) error {
	var passwd PasswdEntry
	var err error
	if privileged {
		passwd, err = LookupPasswd(cached.PasswdEntry.Username)
	} else {
		passwd, err = CurrentPasswd()
	}
	if err != nil {
		l.logf("revival skipped: %s", err)
		return nil
	}
	return l.StartEndpoint(passwd, privileged, cached.Args, cached.Kwargs)
}

// SpawnFailureNotice forks a short-lived helper that publishes msg to a
// result queue and exits. amqpCreds is the failing command's own
// kwargs.amqp_creds blob, if one was available when the failure was
// detected (spec §7: the helper "opens a transient connection with the
// supplied amqp_creds" so the notice reaches the requester, not the
// manager's own result queue). amqpCreds may be nil (no command was
// parsed yet) or shaped unlike a QueueInfo; either way this falls back
// to the manager's own result-queue connection. The helper is recorded
// in the registry with no LocalUserInfo so the reaper handles it
// exactly like any other child.
func (l *Launcher) SpawnFailureNotice(msg string, amqpCreds any) {
	info := l.amqpInfo
	if amqpCreds != nil {
		if decoded, err := decodeQueueInfo(amqpCreds); err == nil {
			info = decoded
		} else {
			l.logf("failure notice: amqp_creds unusable (%s); falling back to the manager's own result queue", err)
		}
	}
	req := failureNoticeRequest{QueueInfo: info, Message: msg}
	pid, err := l.fork(FailureNoticeSubcommand, req)
	if err != nil {
		l.logf("failed to spawn failure-notice helper: %s", err)
		return
	}
	l.registry.Insert(pid, &ChildRecord{EPName: "__failure_notice__", Arguments: msg})
}

// decodeQueueInfo re-decodes an opaque amqp_creds blob as a QueueInfo.
// kwargs.amqp_creds arrives as a JSON-decoded map[string]any, so this
// round-trips it through JSON rather than type-asserting field by
// field.
func decodeQueueInfo(amqpCreds any) (QueueInfo, error) {
	raw, err := json.Marshal(amqpCreds)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("re-encoding amqp_creds: %w", err)
	}
	var info QueueInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return QueueInfo{}, fmt.Errorf("decoding amqp_creds as queue info: %w", err)
	}
	if info.ConnectionURL == "" || info.Queue == "" {
		return QueueInfo{}, fmt.Errorf("amqp_creds missing connection_url/queue")
	}
	return info, nil
}

type marshaler interface {
	marshal() ([]byte, error)
}

// fork execs l.selfExe with subcommand as argv[1] and hands req to the
// child over an inherited pipe (ExtraFiles[0], which lands on fd 3 in
// the child). The child reads and decodes it itself; see
// launcher_linux.go's RunBootstrapChild and RunFailureNoticeHelper.
func (l *Launcher) fork(subcommand string, req marshaler) (int, error) {
	payload, err := req.marshal()
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating control pipe: %w", err)
	}

	cmd := exec.Command(l.selfExe, subcommand)
	cmd.ExtraFiles = []*os.File{r}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return 0, fmt.Errorf("starting child: %w", err)
	}
	r.Close()

	if _, err := w.Write(payload); err != nil {
		w.Close()
		return 0, fmt.Errorf("writing control payload: %w", err)
	}
	w.Close()

	return cmd.Process.Pid, nil
}
