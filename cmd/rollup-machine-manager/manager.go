// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/clock"
	"github.com/bureau-foundation/rollup/lib/epocharchive"
	"github.com/bureau-foundation/rollup/lib/machine"
	"github.com/bureau-foundation/rollup/lib/rpc"
	"github.com/bureau-foundation/rollup/lib/status"
)

// spawnFunc starts a worker process for a session and returns a
// handle to its process group. The worker is expected to bind its own
// listening socket and announce it through the manager's check-in
// endpoint. Injected so tests can substitute in-process fake workers.
type spawnFunc func(sessionID, checkinAddress, workerAddress string) (*workerProcess, error)

// Manager owns the session store and the check-in rendezvous. All
// bookkeeping state is guarded by mu; mu is never held across a
// worker call or any other blocking operation, so handlers observe a
// consistent view between suspension points.
type Manager struct {
	logger *slog.Logger
	clock  clock.Clock

	// managerAddress is the resolved address of the manager's own
	// server; every spawned worker is told to check in there.
	managerAddress string

	// workerAddress is the bind address passed to spawned workers
	// (typically host:0 so each picks a free port).
	workerAddress string

	spawn              spawnFunc
	archiveCompression epocharchive.Compression

	mu       sync.Mutex
	sessions map[string]*session

	// waitingCheckIn holds one-shot rendezvous slots: the handler
	// that triggers a worker (re)spawn parks a channel here and
	// blocks on it; the check_in handler resolves it with the
	// worker's address. At most one slot per session exists at any
	// time because the session lock is held across every operation
	// that triggers a respawn.
	waitingCheckIn map[string]chan string
}

// NewManager creates a manager. The manager address is set later,
// once the server socket is bound (SetManagerAddress), because
// workers must be told the resolved address, not the configured one.
func NewManager(logger *slog.Logger, clk clock.Clock, workerAddress string, spawn spawnFunc, compression epocharchive.Compression) *Manager {
	return &Manager{
		logger:             logger,
		clock:              clk,
		workerAddress:      workerAddress,
		spawn:              spawn,
		archiveCompression: compression,
		sessions:           make(map[string]*session),
		waitingCheckIn:     make(map[string]chan string),
	}
}

// SetManagerAddress records the resolved listen address given to
// spawned workers as their check-in target.
func (m *Manager) SetManagerAddress(address string) {
	m.managerAddress = address
}

// RegisterActions wires the manager's RPC surface into a server.
func (m *Manager) RegisterActions(server *rpc.Server) {
	server.Handle(api.ActionGetVersion, m.handleGetVersion)
	server.Handle(api.ActionGetStatus, m.handleGetStatus)
	server.Handle(api.ActionStartSession, m.handleStartSession)
	server.Handle(api.ActionEndSession, m.handleEndSession)
	server.Handle(api.ActionGetSessionStatus, m.handleGetSessionStatus)
	server.Handle(api.ActionGetEpochStatus, m.handleGetEpochStatus)
	server.Handle(api.ActionAdvanceState, m.handleAdvanceState)
	server.Handle(api.ActionFinishEpoch, m.handleFinishEpoch)
	server.Handle(api.ActionCheckIn, m.handleCheckIn)
}

// Shutdown terminates the process group of every remaining worker.
// Called once the server has stopped accepting requests.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.workerProcess != nil {
			m.logger.Info("terminating worker process group", "session", id)
			s.workerProcess.terminate(m.logger)
		}
	}
}

// callContext builds the deadline context for one worker call from a
// millisecond budget. Rooted in context.Background rather than the
// inbound request context: the drain loop outlives the RPC that
// started it, and a client disconnect must not abort worker calls
// midway through an input.
func (m *Manager) callContext(milliseconds uint64) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), api.Duration(milliseconds))
}

// lockSession locates a session and acquires its lock, applying the
// shared head-of-handler checks. With checkOverflow set, an active
// epoch index at the saturation point is rejected before the lock is
// taken (the order client errors are reported in is part of the
// protocol).
func (m *Manager) lockSession(id string, checkOverflow bool) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[id]
	if !exists {
		return nil, status.Errorf(status.InvalidArgument, "session id not found")
	}
	if checkOverflow && s.activeEpochIndex == maxEpochIndex {
		return nil, status.Errorf(status.OutOfRange, "active epoch index will overflow")
	}
	if s.sessionLock {
		return nil, status.Errorf(status.Aborted, "concurrent call in session")
	}
	s.sessionLock = true
	return s, nil
}

// unlockSession releases a session lock taken by lockSession (or by
// session creation).
func (m *Manager) unlockSession(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.sessionLock = false
}

// taintSession latches the session into the tainted state with the
// originating status. The first failure wins; later ones are logged
// but do not overwrite it.
func (m *Manager) taintSession(s *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.tainted {
		m.logger.Error("failure on already-tainted session",
			"session", s.id,
			"error", err,
		)
		return
	}
	s.tainted = true
	s.taintStatus = &status.Error{Code: status.CodeOf(err), Message: status.MessageOf(err)}
	m.logger.Error("session tainted",
		"session", s.id,
		"code", s.taintStatus.Code,
		"error", s.taintStatus.Message,
	)
}

// withCheckIn runs an operation that causes a worker (re)spawn and
// waits for the resulting check-in: it parks a rendezvous slot, runs
// the trigger, and blocks until the check_in handler resolves the
// slot with the worker's address, then rebuilds the session's worker
// client for that address. The wait is bounded by the session's
// check-in deadline.
func (m *Manager) withCheckIn(s *session, trigger func() error) error {
	slot := make(chan string, 1)
	m.mu.Lock()
	m.waitingCheckIn[s.id] = slot
	m.mu.Unlock()

	removeSlot := func() {
		m.mu.Lock()
		delete(m.waitingCheckIn, s.id)
		m.mu.Unlock()
	}

	if err := trigger(); err != nil {
		removeSlot()
		return err
	}

	select {
	case address := <-slot:
		worker, err := machine.Dial(address)
		if err != nil {
			return status.Errorf(status.InvalidArgument,
				"worker checked in with bad address %q: %v", address, err)
		}
		m.mu.Lock()
		s.workerAddress = address
		s.worker = worker
		m.mu.Unlock()
		m.logger.Debug("worker checked in", "session", s.id, "address", address)
		return nil
	case <-m.clock.After(api.Duration(s.deadline.CheckIn)):
		removeSlot()
		return status.Errorf(status.DeadlineExceeded,
			"no check-in received for session within %v", api.Duration(s.deadline.CheckIn))
	}
}

// handleCheckIn resolves a parked rendezvous slot with the worker's
// listening address. A check-in for a session that is not waiting for
// one (or does not exist) is a protocol violation by the worker.
func (m *Manager) handleCheckIn(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[api.CheckInRequest](raw)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("received check-in", "session", request.SessionID, "address", request.Address)

	m.mu.Lock()
	slot, waiting := m.waitingCheckIn[request.SessionID]
	if !waiting {
		m.mu.Unlock()
		return nil, status.Errorf(status.InvalidArgument,
			"check-in with wrong session id %s", request.SessionID)
	}
	if _, exists := m.sessions[request.SessionID]; !exists {
		m.mu.Unlock()
		return nil, status.Errorf(status.InvalidArgument,
			"could not find an actual session with id %s", request.SessionID)
	}
	delete(m.waitingCheckIn, request.SessionID)
	m.mu.Unlock()

	// The slot is buffered, so the waiter resumes whether or not it
	// is already blocked on the channel.
	slot <- request.Address
	return nil, nil
}

// sessionByID fetches a session record without locking it. For
// internal inspection only (tests, logging); handlers go through
// lockSession.
func (m *Manager) sessionByID(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// maxEpochIndex is the saturation point of the epoch counter.
const maxEpochIndex = ^uint64(0)

// shutdownWorker asks the worker to exit, bounded by the fast
// deadline.
func (m *Manager) shutdownWorker(s *session) error {
	ctx, cancel := m.callContext(s.deadline.Fast)
	defer cancel()
	return s.worker.Shutdown(ctx)
}
