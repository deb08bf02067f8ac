// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"slices"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/codec"
	"github.com/bureau-foundation/rollup/lib/status"
)

// decodeRequest decodes the raw CBOR request into a typed request
// value. Malformed requests are the client's fault.
func decodeRequest[T any](raw []byte) (*T, error) {
	var request T
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, status.Errorf(status.InvalidArgument, "invalid request: %v", err)
	}
	return &request, nil
}

func (m *Manager) handleGetVersion(ctx context.Context, raw []byte) (any, error) {
	return api.GetVersionResponse{Version: managerVersion}, nil
}

func (m *Manager) handleGetStatus(ctx context.Context, raw []byte) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	response := api.GetStatusResponse{}
	for id := range m.sessions {
		response.SessionIDs = append(response.SessionIDs, id)
	}
	slices.Sort(response.SessionIDs)
	return response, nil
}

// taintStatusOf projects the session's taint latch into the response
// form. Caller holds m.mu.
func taintStatusOf(s *session) *api.TaintStatus {
	if !s.tainted {
		return nil
	}
	return &api.TaintStatus{
		Code:    s.taintStatus.Code,
		Message: s.taintStatus.Message,
	}
}

// handleGetSessionStatus projects one session. The whole read happens
// in a single critical section, so two consecutive calls with no
// intervening RPC observe identical state. Status queries work on
// tainted sessions (they are how taint is observed).
func (m *Manager) handleGetSessionStatus(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[api.SessionRef](raw)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("received get_session_status", "session", request.SessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[request.SessionID]
	if !exists {
		return nil, status.Errorf(status.InvalidArgument, "session id not found")
	}
	if s.sessionLock {
		return nil, status.Errorf(status.Aborted, "concurrent call in session")
	}

	response := api.GetSessionStatusResponse{
		SessionID:        s.id,
		ActiveEpochIndex: s.activeEpochIndex,
		TaintStatus:      taintStatusOf(s),
	}
	for index := range s.epochs {
		response.EpochIndexes = append(response.EpochIndexes, index)
	}
	slices.Sort(response.EpochIndexes)
	return response, nil
}

// handleGetEpochStatus projects one epoch, including its processed
// inputs with all proofs gathered so far.
func (m *Manager) handleGetEpochStatus(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeRequest[api.GetEpochStatusRequest](raw)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("received get_epoch_status",
		"session", request.SessionID,
		"epoch", request.EpochIndex,
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[request.SessionID]
	if !exists {
		return nil, status.Errorf(status.InvalidArgument, "session id not found")
	}
	if s.sessionLock {
		return nil, status.Errorf(status.Aborted, "concurrent call in session")
	}
	e, exists := s.epochs[request.EpochIndex]
	if !exists {
		return nil, status.Errorf(status.InvalidArgument, "unknown epoch index")
	}

	// Copy the processed-input records: the response is marshaled
	// after the critical section ends, and the drain loop may append
	// (or FinishEpoch back-fill) concurrently. The records' nested
	// slices are never mutated in place, so a shallow per-record copy
	// is a consistent snapshot.
	response := api.GetEpochStatusResponse{
		SessionID:         s.id,
		EpochIndex:        e.epochIndex,
		State:             e.state,
		ProcessedInputs:   slices.Clone(e.processedInputs),
		PendingInputCount: uint64(len(e.pendingInputs)),
		TaintStatus:       taintStatusOf(s),
	}
	return response, nil
}
