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
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Supervisor owns the single dispatch-loop thread the spec describes
// (§5 "Scheduling"): it runs the command dispatch loop (C5, see
// dispatch.go) and the signal/reap/shutdown machinery (C7, this
// file). Both live on one struct because the spec is explicit that
// they share one thread; splitting them into independently-running
// types would reintroduce the concurrency the spec deliberately
// avoids.
type Supervisor struct {
	cfg          *Config
	queue        CommandQueueSubscriber
	publisher    ResultPublisher
	registry     *childRegistry
	launcher     *Launcher
	identity     IdentityMapper
	privileged   bool
	parentSubs   map[string]struct{}
	ownPasswd    PasswdEntry
	endpointUUID string
	logger       *log.Logger
	handlers     map[string]commandHandler

	lastHeartbeat    time.Time
	stopRequested    int32
	childDiedPending int32

	shutdownOnce sync.Once

	// signalOwnProcessGroupFn is a test seam: it defaults to an actual
	// killpg(getpgid(getpid()), SIGTERM) and is overridden in tests so
	// that exercising Shutdown doesn't signal the test binary's own
	// process group.
	signalOwnProcessGroupFn func()
}

// SupervisorConfig bundles the dependencies Supervisor is built from;
// every field is a collaborator the spec names as external (§1) except
// ParentIdentitySet, which is computed once at startup from those
// collaborators (§4.5 step 6).
type SupervisorConfig struct {
	Config            *Config
	Queue             CommandQueueSubscriber
	Publisher         ResultPublisher
	Identity          IdentityMapper // nil when unprivileged or unconfigured
	Privileged        bool
	ParentIdentitySet IdentitySet
	OwnPasswd         PasswdEntry
	EndpointUUID      string
	Logger            *log.Logger
}

// NewSupervisor wires C1-C7 together. A privileged manager with no
// IdentityMapper is a configuration error the caller must check before
// calling this (spec §3 invariant; see LoadConfig callers in
// cmd/muep-manager).
func NewSupervisor(sc SupervisorConfig) (*Supervisor, error) {
	registry := newChildRegistry(sc.Config.GracePeriod())
	launcher, err := NewLauncher(sc.Config, registry, QueueInfo{}, sc.Logger)
	if err != nil {
		return nil, err
	}

	parentSubs := make(map[string]struct{}, len(sc.ParentIdentitySet))
	for _, id := range sc.ParentIdentitySet {
		parentSubs[id.Sub] = struct{}{}
	}

	s := &Supervisor{
		cfg:          sc.Config,
		queue:        sc.Queue,
		publisher:    sc.Publisher,
		registry:     registry,
		launcher:     launcher,
		identity:     sc.Identity,
		privileged:   sc.Privileged,
		parentSubs:   parentSubs,
		ownPasswd:    sc.OwnPasswd,
		endpointUUID: sc.EndpointUUID,
		logger:       sc.Logger,
	}
	s.handlers = map[string]commandHandler{
		"cmd_start_endpoint": cmdStartEndpoint,
	}
	return s, nil
}

// SetResultQueueInfo lets the composition root attach the result
// queue's connection info to the launcher after registration, since
// the failure-notice helper needs it but the launcher is constructed
// before the registration round-trip completes in some call orders.
func (s *Supervisor) SetResultQueueInfo(info QueueInfo) {
	s.launcher.amqpInfo = info
}

func (s *Supervisor) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// WatchSignals installs the manager's signal handling (spec §4.7,
// §5): SIGTERM/SIGINT/SIGQUIT request a stop, SIGCHLD marks children
// as needing a reap pass. Go's os/signal delivers signals to a channel
// read by an ordinary goroutine rather than running handler code in an
// actual signal context, so the async-signal-safety constraint the
// spec calls out is satisfied by construction: nothing here does more
// than a channel receive and a flag store.
func (s *Supervisor) WatchSignals() {
	sigc := make(chan os.Signal, 8)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGCHLD)
	go func() {
		for sig := range sigc {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
				atomic.StoreInt32(&s.stopRequested, 1)
			case syscall.SIGCHLD:
				atomic.StoreInt32(&s.childDiedPending, 1)
			}
		}
	}()
}

// reapChildren drains every exited child via a non-blocking wait loop
// (spec §4.7 "Reaping"). For a clean exit whose endpoint name has a
// pending cached-args entry (seeded by a duplicate start command that
// arrived while the child was still alive, §4.6), it immediately
// attempts exactly one revival.
func (s *Supervisor) reapChildren() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		rec, ok := s.registry.Pop(pid)
		if !ok {
			continue
		}

		switch {
		case ws.Exited() && ws.ExitStatus() == 0:
			s.logf("child %d (%s) exited cleanly", pid, rec.EPName)
			if atomic.LoadInt32(&s.stopRequested) == 0 {
				if cached, ok := s.registry.cached.Pop(rec.EPName); ok {
					s.logf("reviving endpoint %q after clean exit", rec.EPName)
					if err := s.launcher.Revive(cached, s.privileged); err != nil {
						s.logf("revival of %q failed: %s", rec.EPName, err)
					}
				}
			}
		case ws.Exited():
			s.logf("child %d (%s) exited with code %d (breadcrumb)", pid, rec.EPName, ws.ExitStatus())
		case ws.Signaled():
			s.logf("child %d (%s) terminated by signal %s", pid, rec.EPName, ws.Signal())
		default:
			s.logf("child %d (%s) exited with unrecognized wait status", pid, rec.EPName)
		}
	}
}

// Shutdown runs the graceful termination sequence (spec §4.7
// "Shutdown sequence"). It is idempotent: concurrent or repeated calls
// (e.g. from both a caught signal and an explicit caller) only run the
// sequence once.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		atomic.StoreInt32(&s.stopRequested, 1)

		if s.identity != nil {
			s.identity.StopWatching()
		}
		s.registry.Stop()

		s.sendTerminalHeartbeat()
		s.publisher.Stop(false)

		if s.signalOwnProcessGroupFn != nil {
			s.signalOwnProcessGroupFn()
		} else {
			s.signalOwnProcessGroup()
		}

		s.terminateChildren()

		s.queue.Join(5 * time.Second)
		s.publisher.Join(5 * time.Second)
	})
}

func (s *Supervisor) sendTerminalHeartbeat() {
	report := EPStatusReport{
		EndpointID:   s.endpointUUID,
		GlobalState:  map[string]any{"heartbeat_period": 0},
		TaskStatuses: map[string]any{},
	}
	body, err := PackHeartbeat(report)
	if err != nil {
		s.logf("shutdown: encoding terminal heartbeat failed: %s", err)
		return
	}
	future := s.publisher.Publish(body)
	if err := future.Wait(10 * time.Second); err != nil {
		s.logf("shutdown: terminal heartbeat publish failed: %s", err)
	}
}

// signalOwnProcessGroup sends SIGTERM to the manager's own process
// group (spec §4.7 "Shutdown sequence"), right after the publisher
// stops and before the per-child signaling passes. This catches any
// helper process that escaped the child registry's bookkeeping (e.g. a
// fork that exited before its registry insert); the manager's own
// SIGTERM handler only sets stopRequested, which this method is always
// called after, so it is a no-op against the manager's own goroutines.
func (s *Supervisor) signalOwnProcessGroup() {
	pgid, err := syscall.Getpgid(os.Getpid())
	if err != nil {
		s.logf("shutdown: resolving own process group: %s", err)
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		s.logf("shutdown: signaling own process group: %s", err)
	}
}

func (s *Supervisor) terminateChildren() {
	s.signalChildren(syscall.SIGTERM)
	s.waitForChildren(10 * time.Second)
	if s.registry.Len() > 0 {
		s.signalChildren(syscall.SIGKILL)
		s.waitForChildren(10 * time.Second)
	}
}

func (s *Supervisor) signalChildren(sig syscall.Signal) {
	for pid, rec := range s.registry.All() {
		s.signalChildGroup(pid, rec, sig)
	}
}

// signalChildGroup delivers sig to pid's process group. If the child
// runs as a different uid/gid than the manager, it briefly assumes
// those credentials first (spec §9 "Global mutable state"): the
// manager's uid/gid are process-global, so every such transition is
// serialized behind credMu (credentials_linux.go) and restored before
// this function returns, never left mutated across a reap or a signal
// handler observation.
func (s *Supervisor) signalChildGroup(pid int, rec *ChildRecord, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return
	}
	if rec.LocalUserInfo != nil && rec.LocalUserInfo.UID != os.Getuid() {
		err := withEffectiveCreds(*rec.LocalUserInfo, func() error {
			return syscall.Kill(-pgid, sig)
		})
		if err != nil {
			s.logf("signaling child %d (%s) as uid %d: %s", pid, rec.EPName, rec.LocalUserInfo.UID, err)
		}
		return
	}
	if err := syscall.Kill(-pgid, sig); err != nil {
		s.logf("signaling child %d (%s): %s", pid, rec.EPName, err)
	}
}

func (s *Supervisor) waitForChildren(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && s.registry.Len() > 0 {
		time.Sleep(100 * time.Millisecond)
		s.reapChildren()
	}
}
