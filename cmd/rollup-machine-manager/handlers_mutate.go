// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/epocharchive"
	"github.com/bureau-foundation/rollup/lib/status"
)

// handleStartSession creates a session record, spawns its worker,
// performs the check-in handshake, and validates the machine before
// reporting success. Any failure removes the record; failures after
// the worker came up also attempt a best-effort shutdown of it.
func (m *Manager) handleStartSession(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[api.StartSessionRequest](raw)
	if err != nil {
		return nil, err
	}
	m.logger.Info("received start_session", "session", request.SessionID)

	if request.SessionID == "" {
		return nil, status.Errorf(status.InvalidArgument, "session id is empty")
	}

	m.mu.Lock()
	if _, exists := m.sessions[request.SessionID]; exists {
		m.mu.Unlock()
		return nil, status.Errorf(status.AlreadyExists, "session id is taken")
	}
	s := newSession(request)
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := m.startSession(s, request); err != nil {
		m.mu.Lock()
		delete(m.sessions, s.id)
		delete(m.waitingCheckIn, s.id)
		m.mu.Unlock()
		return nil, err
	}

	m.unlockSession(s)
	m.logger.Info("session started",
		"session", s.id,
		"epoch", s.activeEpochIndex,
		"worker", s.workerAddress,
	)
	return nil, nil
}

// startSession runs the start sequence against the freshly inserted
// (and still locked) session record.
func (m *Manager) startSession(s *session, request *api.StartSessionRequest) error {
	if err := validateStartSessionRequest(request); err != nil {
		return err
	}

	// Spawn the worker and wait for it to check in with its address.
	err := m.withCheckIn(s, func() error {
		process, err := m.spawn(s.id, m.managerAddress, m.workerAddress)
		if err != nil {
			return status.Errorf(status.Internal, "failed spawning worker for session %q: %v", s.id, err)
		}
		s.workerProcess = process
		return nil
	})
	if err != nil {
		return err
	}

	// From here on the worker is up; if anything fails we try to
	// shut it down before reporting the original error.
	if err := m.checkWorker(s, request); err != nil {
		if shutdownErr := m.shutdownWorker(s); shutdownErr != nil {
			m.logger.Warn("shutdown of rejected worker failed",
				"session", s.id,
				"error", shutdownErr,
			)
		}
		return err
	}
	return nil
}

// checkWorker validates the freshly checked-in worker: version
// handshake, machine instantiation, effective config checks, and the
// initial Merkle tree refresh.
func (m *Manager) checkWorker(s *session, request *api.StartSessionRequest) error {
	ctx, cancel := m.callContext(s.deadline.Fast)
	version, err := s.worker.GetVersion(ctx)
	cancel()
	if err != nil {
		return err
	}
	if version.Major != expectedWorkerVersionMajor || version.Minor != expectedWorkerVersionMinor {
		return status.Errorf(status.FailedPrecondition, "manager is incompatible with machine server")
	}

	ctx, cancel = m.callContext(s.deadline.Machine)
	err = s.worker.Machine(ctx, request.Machine)
	cancel()
	if err != nil {
		return err
	}

	ctx, cancel = m.callContext(s.deadline.Fast)
	config, err := s.worker.GetInitialConfig(ctx)
	cancel()
	if err != nil {
		return err
	}

	if err := checkHTIFConfig(config.HTIF); err != nil {
		return err
	}
	// The machine may have started at mcycle != 0; the cycle budget
	// for each input is measured from here.
	s.currentMcycle = config.Processor.Mcycle

	if config.Rollup == nil {
		return status.Errorf(status.InvalidArgument, "missing server rollup config")
	}
	rollup := config.Rollup
	if s.memoryRange.txBuffer, err = checkMemoryRange("tx buffer", rollup.TxBuffer); err != nil {
		return err
	}
	if s.memoryRange.rxBuffer, err = checkMemoryRange("rx buffer", rollup.RxBuffer); err != nil {
		return err
	}
	if s.memoryRange.inputMetadata, err = checkMemoryRange("input metadata", rollup.InputMetadata); err != nil {
		return err
	}
	if s.memoryRange.voucherHashes, err = checkMemoryRange("voucher hashes", rollup.VoucherHashes); err != nil {
		return err
	}
	if s.memoryRange.noticeHashes, err = checkMemoryRange("notice hashes", rollup.NoticeHashes); err != nil {
		return err
	}

	ctx, cancel = m.callContext(s.deadline.UpdateMerkleTree)
	err = s.worker.UpdateMerkleTree(ctx)
	cancel()
	return err
}

// handleEndSession stops the worker and removes the session. A
// healthy session must have a pristine active epoch; a tainted one is
// removed unconditionally and its worker process group is killed.
func (m *Manager) handleEndSession(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[api.EndSessionRequest](raw)
	if err != nil {
		return nil, err
	}
	m.logger.Info("received end_session", "session", request.SessionID)

	s, err := m.lockSession(request.SessionID, false)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	tainted := s.tainted
	if !tainted {
		e := s.epochs[s.activeEpochIndex]
		if len(e.pendingInputs) != 0 {
			m.mu.Unlock()
			m.unlockSession(s)
			return nil, status.Errorf(status.InvalidArgument, "active epoch has pending inputs")
		}
		if len(e.processedInputs) != 0 {
			m.mu.Unlock()
			m.unlockSession(s)
			return nil, status.Errorf(status.InvalidArgument, "active epoch has processed inputs")
		}
	}
	// Internal consistency only: the drain loop cannot be running
	// when the epoch is pristine or the session is tainted.
	if s.processingLock {
		m.mu.Unlock()
		m.unlockSession(s)
		return nil, status.Errorf(status.Internal, "session is processing inputs")
	}
	m.mu.Unlock()

	if err := m.shutdownWorker(s); err != nil {
		if !tainted {
			m.unlockSession(s)
			return nil, err
		}
		// A tainted session's worker may be unresponsive; the process
		// group kill below is the actual cleanup.
		m.logger.Warn("shutdown of tainted session's worker failed",
			"session", s.id,
			"error", err,
		)
	}

	m.mu.Lock()
	if tainted && s.workerProcess != nil {
		m.logger.Info("terminating tainted session's worker process group", "session", s.id)
		s.workerProcess.terminate(m.logger)
	}
	delete(m.sessions, s.id)
	m.mu.Unlock()
	return nil, nil
}

// handleAdvanceState validates and enqueues one input. The handler
// never talks to the worker, so the whole operation is a single
// critical section; the session lock is only checked (a held lock
// means a start/end/finish call is in flight). If the enqueue took
// the pending queue from empty to one element, this handler starts
// the drain loop in a new goroutine and returns without waiting for it.
func (m *Manager) handleAdvanceState(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[api.AdvanceStateRequest](raw)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("received advance_state",
		"session", request.SessionID,
		"epoch", request.ActiveEpochIndex,
		"input", request.CurrentInputIndex,
	)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[request.SessionID]
	if !exists {
		return nil, status.Errorf(status.InvalidArgument, "session id not found")
	}
	if s.activeEpochIndex == maxEpochIndex {
		return nil, status.Errorf(status.OutOfRange, "active epoch index will overflow")
	}
	if s.sessionLock {
		return nil, status.Errorf(status.Aborted, "concurrent call in session")
	}
	if s.tainted {
		return nil, status.Errorf(status.DataLoss, "session is tainted")
	}
	if s.activeEpochIndex != request.ActiveEpochIndex {
		return nil, status.Errorf(status.InvalidArgument,
			"incorrect active epoch index (expected %d, got %d)",
			s.activeEpochIndex, request.ActiveEpochIndex)
	}
	e, exists := s.epochs[s.activeEpochIndex]
	if !exists {
		return nil, status.Errorf(status.Internal, "active epoch not found")
	}
	if e.state != api.EpochStateActive {
		return nil, status.Errorf(status.InvalidArgument, "epoch is finished")
	}
	currentInputIndex := uint64(len(e.pendingInputs)) + uint64(len(e.processedInputs))
	if currentInputIndex != request.CurrentInputIndex {
		return nil, status.Errorf(status.InvalidArgument,
			"incorrect current input index (expected %d, got %d)",
			currentInputIndex, request.CurrentInputIndex)
	}
	if len(request.InputMetadata) != api.InputMetadataLength {
		return nil, status.Errorf(status.InvalidArgument,
			"input metadata wrong size (expected %d bytes, got %d bytes)",
			api.InputMetadataLength, len(request.InputMetadata))
	}
	if uint64(len(request.InputPayload)) >= s.memoryRange.rxBuffer.length {
		return nil, status.Errorf(status.InvalidArgument,
			"input payload too long for rx buffer length (expected %d bytes max, got %d bytes)",
			s.memoryRange.rxBuffer.length, len(request.InputPayload))
	}

	e.pendingInputs = append(e.pendingInputs, &input{
		metadata: request.InputMetadata,
		payload:  request.InputPayload,
	})

	// The enqueuer that takes the queue from empty to one element is
	// the drainer: later enqueuers observe a longer queue and only
	// append, and the drainer removes an input only after fully
	// processing it, so it picks up everything enqueued meanwhile.
	// At most one drain loop per session runs at any time.
	if len(e.pendingInputs) == 1 {
		go m.processPendingInputs(s, e)
	}
	return nil, nil
}

// handleFinishEpoch finalizes the named epoch: optionally stores the
// machine and writes the epoch archive (both before any mutation),
// back-fills the in-epoch proofs from the complete trees, and opens
// the next epoch.
func (m *Manager) handleFinishEpoch(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[api.FinishEpochRequest](raw)
	if err != nil {
		return nil, err
	}
	m.logger.Info("received finish_epoch",
		"session", request.SessionID,
		"epoch", request.ActiveEpochIndex,
	)

	s, err := m.lockSession(request.SessionID, true)
	if err != nil {
		return nil, err
	}
	defer m.unlockSession(s)

	m.mu.Lock()
	if s.tainted {
		m.mu.Unlock()
		return nil, status.Errorf(status.DataLoss, "session is tainted")
	}
	e, exists := s.epochs[request.ActiveEpochIndex]
	if !exists {
		m.mu.Unlock()
		return nil, status.Errorf(status.InvalidArgument, "unknown epoch index")
	}
	if e.state != api.EpochStateActive {
		m.mu.Unlock()
		return nil, status.Errorf(status.InvalidArgument, "epoch already finished")
	}
	if len(e.pendingInputs) != 0 {
		m.mu.Unlock()
		return nil, status.Errorf(status.InvalidArgument, "epoch still has pending inputs")
	}
	if uint64(len(e.processedInputs)) != request.ProcessedInputCount {
		m.mu.Unlock()
		return nil, status.Errorf(status.InvalidArgument,
			"incorrect processed input count (expected %d, got %d)",
			len(e.processedInputs), request.ProcessedInputCount)
	}
	m.mu.Unlock()

	// Store the machine and write the archive before mutating
	// anything, so a storage failure leaves the epoch reusable. The
	// session lock is held, so nothing else can touch the epoch
	// between the checks above and the finalization below.
	if request.StorageDirectory != "" {
		m.logger.Info("storing machine",
			"session", s.id,
			"directory", request.StorageDirectory,
		)
		storeCtx, cancel := m.callContext(s.deadline.Store)
		err := s.worker.Store(storeCtx, request.StorageDirectory)
		cancel()
		if err != nil {
			return nil, err
		}

		record, err := e.archiveRecord(s.id)
		if err != nil {
			return nil, status.Errorf(status.Internal, "building epoch archive: %v", err)
		}
		path, err := epocharchive.Write(request.StorageDirectory, record, m.archiveCompression)
		if err != nil {
			return nil, status.Errorf(status.Internal, "writing epoch archive: %v", err)
		}
		m.logger.Info("epoch archive written", "session", s.id, "path", path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := e.finish(); err != nil {
		return nil, status.Errorf(status.Internal, "finishing epoch: %v", err)
	}
	s.activeEpochIndex++
	s.epochs[s.activeEpochIndex] = newEpoch(s.activeEpochIndex)
	m.logger.Info("epoch finished",
		"session", s.id,
		"epoch", e.epochIndex,
		"processed_inputs", len(e.processedInputs),
		"next_epoch", s.activeEpochIndex,
	)
	return nil, nil
}
