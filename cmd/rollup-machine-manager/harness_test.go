// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/clock"
	"github.com/bureau-foundation/rollup/lib/epocharchive"
	"github.com/bureau-foundation/rollup/lib/machine"
	"github.com/bureau-foundation/rollup/lib/rpc"
	"github.com/bureau-foundation/rollup/lib/status"
	"github.com/bureau-foundation/rollup/lib/testutil"
)

// testClockEpoch is the fixed time the fake clock starts at.
var testClockEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// harness runs a manager over a unix socket with a fake worker wired
// in as the spawn target. The engine's wall clock is the fake clock;
// worker RPC deadlines run on real time and are kept generous.
type harness struct {
	t       *testing.T
	manager *Manager
	client  *rpc.Client
	clock   *clock.FakeClock
	worker  *fakeWorker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	worker := newFakeWorker(t, logger)
	fakeClock := clock.Fake(testClockEpoch)

	manager := NewManager(logger, fakeClock, "localhost:0",
		worker.spawner(), epocharchive.CompressionZstd)

	server := rpc.NewServer("unix:"+filepath.Join(testutil.SocketDir(t), "manager.sock"), logger)
	manager.RegisterActions(server)
	address, err := server.Listen()
	if err != nil {
		t.Fatalf("manager Listen: %v", err)
	}
	manager.SetManagerAddress(address)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := rpc.NewClient(address)
	if err != nil {
		t.Fatalf("manager client: %v", err)
	}
	return &harness{
		t:       t,
		manager: manager,
		client:  client,
		clock:   fakeClock,
		worker:  worker,
	}
}

// call invokes a manager action and decodes the response.
func (h *harness) call(action string, request, result any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.client.Call(ctx, action, request, result)
}

// defaultDeadlines returns deadlines generous enough that only the
// budgets a test explicitly tightens can expire.
func defaultDeadlines() *api.DeadlineConfig {
	return &api.DeadlineConfig{
		CheckIn:               10000,
		UpdateMerkleTree:      10000,
		AdvanceState:          60000,
		AdvanceStateIncrement: 10000,
		InspectState:          60000,
		InspectStateIncrement: 10000,
		Machine:               10000,
		Store:                 10000,
		Fast:                  10000,
	}
}

// defaultCycles returns a large per-input cycle budget.
func defaultCycles() *api.CyclesConfig {
	return &api.CyclesConfig{
		MaxAdvanceState:       1 << 30,
		AdvanceStateIncrement: 1 << 20,
		MaxInspectState:       1 << 30,
		InspectStateIncrement: 1 << 20,
	}
}

// startSessionRequest builds a valid start request for the given id.
func startSessionRequest(id string) *api.StartSessionRequest {
	return &api.StartSessionRequest{
		SessionID:        id,
		Machine:          testMachineRequest(),
		ActiveEpochIndex: 0,
		ServerDeadline:   defaultDeadlines(),
		ServerCycles:     defaultCycles(),
	}
}

// testMachineRequest selects a stored-machine directory; the fake
// worker does not interpret it.
func testMachineRequest() *machine.Request {
	return &machine.Request{Directory: "/srv/machines/template"}
}

// startSession starts a session and fails the test on error.
func (h *harness) startSession(request *api.StartSessionRequest) {
	h.t.Helper()
	if err := h.call(api.ActionStartSession, request, nil); err != nil {
		h.t.Fatalf("start_session: %v", err)
	}
}

// advanceState enqueues an input with correct indices.
func (h *harness) advanceState(sessionID string, epochIndex, inputIndex uint64, metadata, payload []byte) error {
	return h.call(api.ActionAdvanceState, api.AdvanceStateRequest{
		SessionID:         sessionID,
		ActiveEpochIndex:  epochIndex,
		CurrentInputIndex: inputIndex,
		InputMetadata:     metadata,
		InputPayload:      payload,
	}, nil)
}

// epochStatus fetches one epoch's status.
func (h *harness) epochStatus(sessionID string, epochIndex uint64) api.GetEpochStatusResponse {
	h.t.Helper()
	var response api.GetEpochStatusResponse
	err := h.call(api.ActionGetEpochStatus, api.GetEpochStatusRequest{
		SessionID:  sessionID,
		EpochIndex: epochIndex,
	}, &response)
	if err != nil {
		h.t.Fatalf("get_epoch_status: %v", err)
	}
	return response
}

// sessionStatus fetches one session's status.
func (h *harness) sessionStatus(sessionID string) api.GetSessionStatusResponse {
	h.t.Helper()
	var response api.GetSessionStatusResponse
	err := h.call(api.ActionGetSessionStatus, api.SessionRef{SessionID: sessionID}, &response)
	if err != nil {
		h.t.Fatalf("get_session_status: %v", err)
	}
	return response
}

// waitTimeout bounds every real-time wait in the harness.
const waitTimeout = 10 * time.Second

// waitProcessed waits until the epoch has the given processed input
// count and the drain loop has gone idle. The drain loop runs
// asynchronously after AdvanceState returns; waiting for idleness
// (empty queue, processing lock released) keeps follow-up RPCs in the
// test deterministic.
func (h *harness) waitProcessed(sessionID string, epochIndex, count uint64) api.GetEpochStatusResponse {
	h.t.Helper()
	testutil.RequireEventually(h.t, waitTimeout, func() bool {
		s := h.manager.sessionByID(sessionID)
		if s == nil {
			return false
		}
		h.manager.mu.Lock()
		defer h.manager.mu.Unlock()
		e := s.epochs[epochIndex]
		return e != nil &&
			uint64(len(e.processedInputs)) >= count &&
			len(e.pendingInputs) == 0 &&
			!s.processingLock
	}, "waiting for %d processed inputs in epoch %d", count, epochIndex)
	return h.epochStatus(sessionID, epochIndex)
}

// waitTainted waits until the session is tainted and the drain loop
// has gone idle, then returns the taint status as a client sees it.
func (h *harness) waitTainted(sessionID string) api.TaintStatus {
	h.t.Helper()
	testutil.RequireEventually(h.t, waitTimeout, func() bool {
		s := h.manager.sessionByID(sessionID)
		if s == nil {
			return false
		}
		h.manager.mu.Lock()
		defer h.manager.mu.Unlock()
		return s.tainted && !s.processingLock
	}, "waiting for session %s to taint", sessionID)

	response := h.sessionStatus(sessionID)
	if response.TaintStatus == nil {
		h.t.Fatal("tainted session reports no taint status")
	}
	return *response.TaintStatus
}

// zeroMetadata is a valid all-zero input metadata block.
func zeroMetadata() []byte {
	return make([]byte, api.InputMetadataLength)
}

// requireStatusCode asserts that err is a *status.Error with the
// given code.
func requireStatusCode(t *testing.T, err error, code status.Code) *status.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got success", code)
	}
	var statusError *status.Error
	if !errors.As(err, &statusError) {
		t.Fatalf("error is %T (%v), want *status.Error", err, err)
	}
	if statusError.Code != code {
		t.Fatalf("status code = %q (%s), want %q", statusError.Code, statusError.Message, code)
	}
	return statusError
}
