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
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/globus-compute/mu-endpoint-manager/internal/muep"
)

// exitCoder is implemented by errors that already know which
// sysexits.h-style code the process should terminate with (registration
// failures, identity-mapper misconfiguration).
type exitCoder interface {
	ExitCode() int
}

func exitCodeOf(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}

// runDaemon is the composition root: load config, register with the
// control plane, wire the command queue/result publisher/identity
// mapper, and run the supervisor loop until a termination signal
// arrives. Its flag/signal/logger shape follows the teacher's daemon
// entry point, generalized from an HTTP listener lifecycle to this
// process's own long-running dispatch loop.
func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	confPath := fs.String("c", "/etc/globus-compute/config.yaml", "path to the manager configuration file")
	confDir := fs.String("d", "", "endpoint configuration directory name (defaults to its basename)")
	userinfoURL := fs.String("userinfo-url", "", "userinfo endpoint used to resolve the manager's own parent identity set when unprivileged")
	authToken := fs.String("token", os.Getenv("GLOBUS_COMPUTE_TOKEN"), "bearer token used for registration and userinfo calls")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

	cfg, err := muep.LoadConfig(*confPath)
	if err != nil {
		return &exitErr{code: muep.ExDataErr, err: err}
	}
	cfg.ConfDir = *confDir
	if cfg.ConfDir == "" {
		cfg.ConfDir = filepath.Base(filepath.Dir(*confPath))
	}

	endpointUUID := uuid.New().String()
	privileged := os.Geteuid() == 0

	if privileged && cfg.IdentityMappingConfigPath == "" {
		return &exitErr{code: muep.ExOSFile, err: fmt.Errorf("privileged manager requires identity_mapping_config_path to be set")}
	}

	var identity muep.IdentityMapper
	var parentSubs muep.IdentitySet
	if privileged {
		m, err := muep.NewPosixIdentityMapper(cfg.IdentityMappingConfigPath, endpointUUID, logger)
		if err != nil {
			if os.IsPermission(err) {
				return &exitErr{code: muep.ExNoPerm, err: err}
			}
			if os.IsNotExist(err) {
				return &exitErr{code: muep.ExOSFile, err: err}
			}
			return &exitErr{code: muep.ExConfig, err: err}
		}
		identity = m
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		parentSubs, err = muep.FetchParentIdentitySet(ctx, *userinfoURL, *authToken)
		cancel()
		if err != nil {
			return &exitErr{code: muep.ExTempFail, err: fmt.Errorf("resolving parent identity set: %w", err)}
		}
	}

	ownPasswd, err := muep.CurrentPasswd()
	if err != nil {
		return &exitErr{code: muep.ExOSFile, err: err}
	}

	regCtx, regCancel := context.WithTimeout(context.Background(), 30*time.Second)
	reg, err := muep.Register(regCtx, cfg.FuncxServiceAddress, cfg.Environment, cfg.ConfDir, endpointUUID)
	regCancel()
	if err != nil {
		return err
	}

	cmdURL, err := muep.UpdateURLPort(reg.CommandQueue.ConnectionURL, cfg.AMQPPort)
	if err != nil {
		return &exitErr{code: muep.ExDataErr, err: err}
	}
	reg.CommandQueue.ConnectionURL = cmdURL
	resURL, err := muep.UpdateURLPort(reg.ResultQueue.ConnectionURL, cfg.AMQPPort)
	if err != nil {
		return &exitErr{code: muep.ExDataErr, err: err}
	}
	reg.ResultQueue.ConnectionURL = resURL

	queue, err := cfg.NewCommandQueueSubscriber(reg.CommandQueue, 64, logger)
	if err != nil {
		return &exitErr{code: muep.ExSoftware, err: err}
	}
	publisher, err := cfg.NewResultPublisher(reg.ResultQueue, logger)
	if err != nil {
		return &exitErr{code: muep.ExSoftware, err: err}
	}
	queue.Start()
	publisher.Start()

	sup, err := muep.NewSupervisor(muep.SupervisorConfig{
		Config:            cfg,
		Queue:             queue,
		Publisher:         publisher,
		Identity:          identity,
		Privileged:        privileged,
		ParentIdentitySet: parentSubs,
		OwnPasswd:         ownPasswd,
		EndpointUUID:      endpointUUID,
		Logger:            logger,
	})
	if err != nil {
		return &exitErr{code: muep.ExSoftware, err: err}
	}
	sup.SetResultQueueInfo(reg.ResultQueue)

	if err := writeEndpointState(cfg.ConfDir, *confPath, endpointUUID); err != nil {
		logger.Printf("warning: unable to persist endpoint state: %s", err)
	}

	sup.WatchSignals()
	logger.Printf("muep-manager %s registered endpoint %s (privileged=%v)", version, endpointUUID, privileged)

	// Run blocks on this goroutine until WatchSignals' handler observes
	// a termination signal and flips stopRequested, or the command
	// queue's own stop event fires. Shutdown then runs on the same
	// goroutine, so the two never touch the child registry concurrently.
	sup.Run()

	logger.Printf("shutting down endpoint %s", endpointUUID)
	sup.Shutdown()
	return nil
}

type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }
func (e *exitErr) ExitCode() int { return e.code }

// writeEndpointState persists the registered endpoint id alongside the
// configuration directory, the way the control plane's own CLI expects
// to find it on a subsequent `list`/`stop` invocation.
func writeEndpointState(confDir, confPath, endpointUUID string) error {
	dir := filepath.Dir(confPath)
	path := filepath.Join(dir, "endpoint.json")
	data := fmt.Sprintf("{\"endpoint_id\": %q, \"name\": %q}\n", endpointUUID, confDir)
	return os.WriteFile(path, []byte(data), 0o600)
}
