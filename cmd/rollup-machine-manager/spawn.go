// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// workerProcess tracks a spawned worker's process group so it can be
// force-terminated. A zero pgid means the worker runs in-process
// (test fakes) and there is nothing to kill.
type workerProcess struct {
	pgid int
}

// terminate kills the whole process group with SIGKILL. Workers fork
// on every snapshot and rollback, so killing only the original pid
// would leave the current incarnation running; the group catches them
// all. Errors are logged, not returned — the group may already be
// gone.
func (w *workerProcess) terminate(logger *slog.Logger) {
	if w == nil || w.pgid <= 0 {
		return
	}
	if err := unix.Kill(-w.pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		logger.Warn("killing worker process group failed",
			"pgid", w.pgid,
			"error", err,
		)
	}
}

// newWorkerSpawner builds the production spawnFunc: it starts the
// worker binary detached in a fresh process group, telling it which
// session it serves, where to check in, and where to bind.
func newWorkerSpawner(logger *slog.Logger, workerBinary string) spawnFunc {
	return func(sessionID, checkinAddress, workerAddress string) (*workerProcess, error) {
		cmd := exec.Command(workerBinary,
			"--session-id="+sessionID,
			"--checkin-address="+checkinAddress,
			"--server-address="+workerAddress,
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// A fresh process group: the worker forks on snapshot and
		// rollback, and all its incarnations must be killable
		// together when the session ends tainted.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		logger.Info("spawning worker",
			"binary", workerBinary,
			"session", sessionID,
			"checkin_address", checkinAddress,
			"server_address", workerAddress,
		)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", workerBinary, err)
		}
		pid := cmd.Process.Pid

		// Detach: workers outlive the Process handle (they re-exec
		// themselves on snapshot/rollback) and are reaped by the
		// SIGCHLD loop, not by Wait.
		cmd.Process.Release()
		return &workerProcess{pgid: pid}, nil
	}
}

// reapChildren runs the SIGCHLD loop: workers are detached at spawn
// and their descendants re-parent to the manager when they fork, so
// exited ones must be reaped here or they accumulate as zombies.
// Returns when the channel is closed.
func reapChildren(logger *slog.Logger, signals <-chan os.Signal) {
	for range signals {
		for {
			pid, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
			logger.Debug("reaped worker process", "pid", pid)
		}
	}
}

// notifyChildSignals registers the SIGCHLD channel for reapChildren.
func notifyChildSignals() chan os.Signal {
	signals := make(chan os.Signal, 16)
	signal.Notify(signals, unix.SIGCHLD)
	return signals
}
