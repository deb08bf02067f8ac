// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"time"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/machine"
	"github.com/bureau-foundation/rollup/lib/merkle"
	"github.com/bureau-foundation/rollup/lib/status"
)

// processPendingInputs is the per-session drain loop. It runs in a
// goroutine started by the AdvanceState handler that took the pending
// queue from empty to one element, and keeps going until the queue is empty
// — including inputs enqueued while it was working, since an input is
// removed only after it has been fully processed.
//
// Any failure below this point is a worker failure or an invariant
// violation; it taints the session and stops the loop. The remaining
// pending inputs stay where they are — a tainted session rejects all
// further state-changing RPCs, so they are never looked at again.
func (m *Manager) processPendingInputs(s *session, e *epoch) {
	m.mu.Lock()
	if s.processingLock {
		m.mu.Unlock()
		m.taintSession(s, status.Errorf(status.Internal,
			"concurrent input processing detected in session"))
		return
	}
	s.processingLock = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		s.processingLock = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if len(e.pendingInputs) == 0 {
			m.mu.Unlock()
			return
		}
		pending := e.pendingInputs[0]
		inputIndex := uint64(len(e.processedInputs))
		m.mu.Unlock()

		if err := m.processInput(s, e, pending, inputIndex); err != nil {
			m.taintSession(s, err)
			return
		}

		m.mu.Lock()
		e.pendingInputs = e.pendingInputs[1:]
		m.mu.Unlock()
	}
}

// processInput runs one input to completion or to a skip verdict and
// records the result. Returns an error only for taint conditions; a
// skipped input is a successfully recorded outcome.
func (m *Manager) processInput(s *session, e *epoch, pending *input, inputIndex uint64) error {
	m.logger.Info("processing input",
		"session", s.id,
		"epoch", e.epochIndex,
		"input", inputIndex,
	)

	// Snapshot forks the worker so a skip can roll back; the fork
	// respawns the worker, so wait for its check-in.
	err := m.withCheckIn(s, func() error {
		ctx, cancel := m.callContext(s.deadline.Fast)
		defer cancel()
		return s.worker.Snapshot(ctx)
	})
	if err != nil {
		return err
	}

	if err := m.clearBuffers(s); err != nil {
		return err
	}
	if err := m.writeMemoryFast(s, s.memoryRange.rxBuffer.start, pending.payload); err != nil {
		return err
	}
	if err := m.writeMemoryFast(s, s.memoryRange.inputMetadata.start, pending.metadata); err != nil {
		return err
	}

	ctx, cancel := m.callContext(s.deadline.Fast)
	err = s.worker.ResetIflagsY(ctx)
	cancel()
	if err != nil {
		return err
	}

	// Run until the machine accepts, rejects, halts, or exceeds a
	// budget, harvesting tx-buffer side-effects along the way. An
	// empty skipReason at loop exit means the input was accepted.
	maxMcycle := s.currentMcycle + s.cycles.MaxAdvanceState
	start := m.clock.Now()
	currentMcycle := s.currentMcycle

	var (
		vouchers   []api.Voucher
		notices    []api.Notice
		reports    []api.Report
		skipReason api.SkipReason
	)

runLoop:
	for {
		response, timedOut, err := m.runIncrements(s, currentMcycle, maxMcycle, start)
		if err != nil {
			return err
		}
		if timedOut {
			skipReason = api.SkipTimeLimitExceeded
			break runLoop
		}
		if response.Mcycle >= maxMcycle {
			skipReason = api.SkipCycleLimitExceeded
			break runLoop
		}
		if response.IflagsH {
			skipReason = api.SkipMachineHalted
			break runLoop
		}

		reason := machine.YieldReason(response.Tohost)
		if response.IflagsY {
			switch reason {
			case machine.YieldReasonRxRejected:
				skipReason = api.SkipRequestedByMachine
				break runLoop
			case machine.YieldReasonRxAccepted:
				break runLoop
			default:
				return status.Errorf(status.OutOfRange, "unknown machine yield reason")
			}
		}
		if !response.IflagsX {
			return status.Errorf(status.Internal,
				"machine returned without hitting mcycle limit or yielding")
		}

		switch reason {
		case machine.YieldReasonTxVoucher:
			voucher, err := m.readVoucher(s)
			if err != nil {
				return err
			}
			vouchers = append(vouchers, voucher)
		case machine.YieldReasonTxNotice:
			notice, err := m.readNotice(s)
			if err != nil {
				return err
			}
			notices = append(notices, notice)
		case machine.YieldReasonTxReport:
			report, err := m.readReport(s)
			if err != nil {
				return err
			}
			reports = append(reports, report)
		default:
			// Unknown automatic yields carry nothing to harvest;
			// the machine continues on the next run.
		}
		currentMcycle = response.Mcycle
	}

	if e.vouchersTree.Size() != inputIndex {
		return status.Errorf(status.Internal,
			"inconsistent number of entries in epoch's session vouchers Merkle tree")
	}
	if e.noticesTree.Size() != inputIndex {
		return status.Errorf(status.Internal,
			"inconsistent number of entries in epoch's session notices Merkle tree")
	}

	if skipReason == "" {
		return m.recordCompletedInput(s, e, inputIndex, currentMcycle, vouchers, notices, reports)
	}
	return m.recordSkippedInput(s, e, inputIndex, skipReason, reports)
}

// recordCompletedInput harvests the commitment data of an accepted
// input and appends the processed record. The session's mcycle
// advances.
func (m *Manager) recordCompletedInput(s *session, e *epoch, inputIndex, currentMcycle uint64,
	vouchers []api.Voucher, notices []api.Notice, reports []api.Report) error {

	if err := m.updateWorkerMerkleTree(s); err != nil {
		return err
	}

	voucherMachine, voucherEpoch, voucherEntries, err := m.harvestRange(
		s, &s.memoryRange.voucherHashes, e.vouchersTree, inputIndex, len(vouchers), "voucher")
	if err != nil {
		return err
	}
	for i := range voucherEntries {
		vouchers[i].Hash = &voucherEntries[i]
	}

	noticeMachine, noticeEpoch, noticeEntries, err := m.harvestRange(
		s, &s.memoryRange.noticeHashes, e.noticesTree, inputIndex, len(notices), "notice")
	if err != nil {
		return err
	}
	for i := range noticeEntries {
		notices[i].Hash = &noticeEntries[i]
	}

	ctx, cancel := m.callContext(s.deadline.Fast)
	machineHash, err := s.worker.GetRootHash(ctx)
	cancel()
	if err != nil {
		return err
	}

	m.mu.Lock()
	e.processedInputs = append(e.processedInputs, api.ProcessedInput{
		InputIndex:            inputIndex,
		MostRecentMachineHash: machineHash,
		VoucherHashesInEpoch:  voucherEpoch,
		NoticeHashesInEpoch:   noticeEpoch,
		Reports:               reports,
		Result: &api.InputResult{
			VoucherHashesInMachine: voucherMachine,
			Vouchers:               vouchers,
			NoticeHashesInMachine:  noticeMachine,
			Notices:                notices,
		},
	})
	s.currentMcycle = currentMcycle
	m.mu.Unlock()

	m.logger.Info("input processed",
		"session", s.id,
		"input", inputIndex,
		"vouchers", len(vouchers),
		"notices", len(notices),
		"reports", len(reports),
	)
	return nil
}

// recordSkippedInput rolls the machine back, appends the zero leaf to
// both epoch trees, and records the skip. The session's mcycle does
// not advance.
func (m *Manager) recordSkippedInput(s *session, e *epoch, inputIndex uint64,
	skipReason api.SkipReason, reports []api.Report) error {

	m.logger.Info("input skipped",
		"session", s.id,
		"input", inputIndex,
		"reason", skipReason,
	)

	// Rollback respawns the worker, same as snapshot.
	err := m.withCheckIn(s, func() error {
		ctx, cancel := m.callContext(s.deadline.Fast)
		defer cancel()
		return s.worker.Rollback(ctx)
	})
	if err != nil {
		return err
	}
	if err := m.updateWorkerMerkleTree(s); err != nil {
		return err
	}

	if err := e.vouchersTree.Push(merkle.Hash{}); err != nil {
		return status.Errorf(status.Internal, "appending to vouchers tree: %v", err)
	}
	if err := e.noticesTree.Push(merkle.Hash{}); err != nil {
		return status.Errorf(status.Internal, "appending to notices tree: %v", err)
	}
	voucherEpoch, noticeEpoch, err := e.leafProofs(inputIndex)
	if err != nil {
		return status.Errorf(status.Internal, "%v", err)
	}

	ctx, cancel := m.callContext(s.deadline.Fast)
	machineHash, err := s.worker.GetRootHash(ctx)
	cancel()
	if err != nil {
		return err
	}

	m.mu.Lock()
	e.processedInputs = append(e.processedInputs, api.ProcessedInput{
		InputIndex:            inputIndex,
		MostRecentMachineHash: machineHash,
		VoucherHashesInEpoch:  voucherEpoch,
		NoticeHashesInEpoch:   noticeEpoch,
		Reports:               reports,
		SkipReason:            skipReason,
	})
	m.mu.Unlock()
	return nil
}

// runIncrements advances the machine toward maxMcycle in increments
// of the session's advance_state_increment cycle budget. The
// assumption is that the emulator finishes each increment faster than
// the advance_state_increment deadline; a single run call missing
// that deadline means the worker is unresponsive, and the error
// taints the session. The overall advance_state wall-clock budget is
// checked between increments; exceeding it returns timedOut, which is
// a skip, not a taint.
func (m *Manager) runIncrements(s *session, currentMcycle, maxMcycle uint64, start time.Time) (machine.RunResponse, bool, error) {
	increment := s.cycles.AdvanceStateIncrement
	limit := min(currentMcycle+increment, maxMcycle)
	for i := 0; ; i++ {
		m.logger.Debug("running advance state increment",
			"session", s.id,
			"increment", i,
			"limit", limit,
		)
		ctx, cancel := m.callContext(s.deadline.AdvanceStateIncrement)
		response, err := s.worker.Run(ctx, limit)
		cancel()
		if err != nil {
			return machine.RunResponse{}, false, err
		}
		if response.IflagsY || response.IflagsX || response.IflagsH || response.Mcycle >= maxMcycle {
			return response, false, nil
		}
		if m.clock.Now().Sub(start) > api.Duration(s.deadline.AdvanceState) {
			return machine.RunResponse{}, true, nil
		}
		limit = min(limit+increment, maxMcycle)
	}
}

// clearBuffers zeroes the rx buffer, input metadata, and both hashes
// ranges by replaying their configs (image filenames cleared) through
// replace_memory_range. The tx buffer is left alone — the machine
// overwrites it before each automatic yield.
func (m *Manager) clearBuffers(s *session) error {
	ranges := []*memoryRangeDescription{
		&s.memoryRange.rxBuffer,
		&s.memoryRange.inputMetadata,
		&s.memoryRange.voucherHashes,
		&s.memoryRange.noticeHashes,
	}
	for _, desc := range ranges {
		ctx, cancel := m.callContext(s.deadline.Fast)
		err := s.worker.ReplaceMemoryRange(ctx, desc.config)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// writeMemoryFast writes data into worker memory under the fast
// deadline.
func (m *Manager) writeMemoryFast(s *session, address uint64, data []byte) error {
	ctx, cancel := m.callContext(s.deadline.Fast)
	defer cancel()
	return s.worker.WriteMemory(ctx, address, data)
}

// readMemoryFast reads worker memory under the fast deadline.
func (m *Manager) readMemoryFast(s *session, address, length uint64) ([]byte, error) {
	ctx, cancel := m.callContext(s.deadline.Fast)
	defer cancel()
	return s.worker.ReadMemory(ctx, address, length)
}

// updateWorkerMerkleTree refreshes the worker's state tree under its
// dedicated deadline.
func (m *Manager) updateWorkerMerkleTree(s *session) error {
	ctx, cancel := m.callContext(s.deadline.UpdateMerkleTree)
	defer cancel()
	return s.worker.UpdateMerkleTree(ctx)
}

// getProofFast fetches a machine state proof under the fast deadline.
func (m *Manager) getProofFast(s *session, address uint64, log2Size int) (merkle.Proof, error) {
	ctx, cancel := m.callContext(s.deadline.Fast)
	defer cancel()
	return s.worker.GetProof(ctx, address, log2Size)
}

// harvestRange commits one hashes memory range into its epoch tree
// and produces all proofs for it: the machine proof of the range
// root, the epoch proof of the new leaf, and one sliced proof per
// non-zero 32-byte entry. The entry count must agree with the number
// of side-effects the machine yielded.
func (m *Manager) harvestRange(s *session, desc *memoryRangeDescription, tree *merkle.Tree,
	inputIndex uint64, yielded int, kind string) (machineProof, epochProof merkle.Proof, entries []api.KeccakProof, err error) {

	machineProof, err = m.getProofFast(s, desc.start, desc.log2Size)
	if err != nil {
		return merkle.Proof{}, merkle.Proof{}, nil, err
	}

	if err := tree.Push(machineProof.TargetHash); err != nil {
		return merkle.Proof{}, merkle.Proof{}, nil,
			status.Errorf(status.Internal, "appending to %s hashes tree: %v", kind, err)
	}
	epochProof, err = tree.Proof(inputIndex<<api.Log2KeccakSize, api.Log2KeccakSize)
	if err != nil {
		return merkle.Proof{}, merkle.Proof{}, nil,
			status.Errorf(status.Internal, "%s hashes epoch proof: %v", kind, err)
	}

	data, err := m.readMemoryFast(s, desc.start, desc.length)
	if err != nil {
		return merkle.Proof{}, merkle.Proof{}, nil, err
	}
	count := countNullTerminatedEntries(data, api.KeccakSize)
	if count != uint64(yielded) {
		return merkle.Proof{}, merkle.Proof{}, nil, status.Errorf(status.InvalidArgument,
			"number of %ss yielded and non-zero %s hashes disagree", kind, kind)
	}

	for i := uint64(0); i < count; i++ {
		keccak := merkle.HashFromBytes(data[i*api.KeccakSize : (i+1)*api.KeccakSize])
		entryProof, err := m.getProofFast(s, desc.start+i*api.KeccakSize, api.Log2KeccakSize)
		if err != nil {
			return merkle.Proof{}, merkle.Proof{}, nil, err
		}
		// Slice the machine-rooted proof down to the range, so it
		// proves the entry inside the hashes range rather than
		// inside the whole machine.
		sliced, err := entryProof.Slice(desc.log2Size)
		if err != nil {
			return merkle.Proof{}, merkle.Proof{}, nil,
				status.Errorf(status.Internal, "slicing %s hash proof: %v", kind, err)
		}
		entries = append(entries, api.KeccakProof{Keccak: keccak, KeccakInHashes: sliced})
	}
	return machineProof, epochProof, entries, nil
}

// readVoucher decodes one voucher from the head of the tx buffer:
// a 96-byte header (address, offset, length) followed by the payload.
func (m *Manager) readVoucher(s *session) (api.Voucher, error) {
	tx := &s.memoryRange.txBuffer
	header, err := m.readMemoryFast(s, tx.start, api.VoucherHeaderLength)
	if err != nil {
		return api.Voucher{}, err
	}
	address := merkle.HashFromBytes(header[:merkle.HashSize])
	// The offset word (bytes 32..64) is ignored.
	length, err := decodePayloadLength(header[2*merkle.HashSize : api.VoucherHeaderLength])
	if err != nil {
		return api.Voucher{}, err
	}
	if length > tx.length-api.VoucherHeaderLength {
		return api.Voucher{}, status.Errorf(status.OutOfRange, "voucher payload length is out of bounds")
	}
	payload, err := m.readMemoryFast(s, tx.start+api.VoucherHeaderLength, length)
	if err != nil {
		return api.Voucher{}, err
	}
	return api.Voucher{Address: address, Payload: payload}, nil
}

// readTxPayload decodes the common notice/report layout: a 64-byte
// header (offset, length) followed by the payload.
func (m *Manager) readTxPayload(s *session, kind string) ([]byte, error) {
	tx := &s.memoryRange.txBuffer
	header, err := m.readMemoryFast(s, tx.start, api.NoticeHeaderLength)
	if err != nil {
		return nil, err
	}
	length, err := decodePayloadLength(header[merkle.HashSize:api.NoticeHeaderLength])
	if err != nil {
		return nil, err
	}
	if length > tx.length-api.NoticeHeaderLength {
		return nil, status.Errorf(status.OutOfRange, "%s payload length is out of bounds", kind)
	}
	return m.readMemoryFast(s, tx.start+api.NoticeHeaderLength, length)
}

func (m *Manager) readNotice(s *session) (api.Notice, error) {
	payload, err := m.readTxPayload(s, "notice")
	if err != nil {
		return api.Notice{}, err
	}
	return api.Notice{Payload: payload}, nil
}

func (m *Manager) readReport(s *session) (api.Report, error) {
	payload, err := m.readTxPayload(s, "report")
	if err != nil {
		return api.Report{}, err
	}
	return api.Report{Payload: payload}, nil
}

// decodePayloadLength converts a 32-byte big-endian length word into
// a native integer. Only the low 8 bytes may be non-zero; anything
// larger cannot fit a memory range and means the machine wrote
// garbage.
func decodePayloadLength(word []byte) (uint64, error) {
	for _, b := range word[:len(word)-8] {
		if b != 0 {
			return 0, status.Errorf(status.OutOfRange, "payload length too large")
		}
	}
	return binary.BigEndian.Uint64(word[len(word)-8:]), nil
}

// countNullTerminatedEntries counts fixed-size entries up to the
// first all-zero entry.
func countNullTerminatedEntries(data []byte, entryLength int) uint64 {
	var count uint64
	for offset := 0; offset+entryLength <= len(data); offset += entryLength {
		allZero := true
		for _, b := range data[offset : offset+entryLength] {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return count
		}
		count++
	}
	return count
}
