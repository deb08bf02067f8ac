// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"math/bits"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/machine"
	"github.com/bureau-foundation/rollup/lib/status"
)

// managerVersion is reported by the get_version action.
var managerVersion = machine.Version{Major: 0, Minor: 1, Patch: 0}

// Worker protocol version the manager was built against. A worker
// whose major/minor pair differs is refused at session start.
const (
	expectedWorkerVersionMajor = 0
	expectedWorkerVersionMinor = 5
)

// memoryRangeDescription is a validated memory range of the worker:
// the numeric bounds the engine computes with, plus the original
// config (image filename cleared) reused verbatim to zero the range
// via replace_memory_range.
type memoryRangeDescription struct {
	start    uint64
	length   uint64
	log2Size int
	config   machine.MemoryRangeConfig
}

// memoryRanges are the five ranges a rollup machine exposes.
type memoryRanges struct {
	rxBuffer      memoryRangeDescription
	txBuffer      memoryRangeDescription
	inputMetadata memoryRangeDescription
	voucherHashes memoryRangeDescription
	noticeHashes  memoryRangeDescription
}

// session is the per-session state machine. Fields are mutated only
// under the manager mutex; worker calls never happen while it is
// held.
//
// sessionLock serializes client RPCs against the session (a held lock
// surfaces as an aborted "concurrent call in session" response).
// processingLock is internal-only: it guards the invariant that at
// most one drain loop runs per session, and a violation taints the
// session rather than being reported to a client.
type session struct {
	id string

	sessionLock    bool
	processingLock bool

	tainted     bool
	taintStatus *status.Error

	// worker is the typed client for the current worker incarnation;
	// rebuilt after every check-in. workerProcess tracks the process
	// group for forced termination.
	worker        *machine.Client
	workerAddress string
	workerProcess *workerProcess

	// currentMcycle is the mcycle the worker reported at the last
	// automatic yield of the last accepted input (or the initial
	// mcycle of a pristine machine). The cycles run between that
	// yield and the accepting manual yield are not added, and an
	// accepted input without automatic yields leaves it unchanged.
	// Skipped inputs do not advance it.
	currentMcycle uint64

	activeEpochIndex uint64
	epochs           map[uint64]*epoch

	memoryRange memoryRanges
	deadline    api.DeadlineConfig
	cycles      api.CyclesConfig
}

// newSession builds a locked session from a start request, with its
// starting epoch active. Request validation happens separately in
// validateStartSessionRequest.
func newSession(request *api.StartSessionRequest) *session {
	s := &session{
		id:               request.SessionID,
		sessionLock:      true,
		activeEpochIndex: request.ActiveEpochIndex,
		epochs:           make(map[uint64]*epoch),
	}
	if request.ServerDeadline != nil {
		s.deadline = *request.ServerDeadline
	}
	if request.ServerCycles != nil {
		s.cycles = *request.ServerCycles
	}
	s.epochs[s.activeEpochIndex] = newEpoch(s.activeEpochIndex)
	return s
}

// validateStartSessionRequest applies the start-time checks that need
// no worker interaction. The checks and their order match what clients
// of the protocol rely on.
func validateStartSessionRequest(request *api.StartSessionRequest) error {
	if !request.Machine.IsPresent() {
		return status.Errorf(status.InvalidArgument, "missing initial machine config")
	}
	if request.ActiveEpochIndex == math.MaxUint64 {
		return status.Errorf(status.OutOfRange, "active epoch index will overflow")
	}
	if request.ServerDeadline == nil {
		return status.Errorf(status.InvalidArgument, "missing server deadline config")
	}
	deadline := request.ServerDeadline
	if deadline.AdvanceState < deadline.AdvanceStateIncrement {
		return status.Errorf(status.InvalidArgument,
			"advance state deadline is less than advance state increment deadline")
	}
	if deadline.InspectState < deadline.InspectStateIncrement {
		return status.Errorf(status.InvalidArgument,
			"inspect state deadline is less than inspect state increment deadline")
	}
	if request.ServerCycles == nil {
		return status.Errorf(status.InvalidArgument, "missing server cycles config")
	}
	cycles := request.ServerCycles
	if cycles.MaxAdvanceState == 0 || cycles.AdvanceStateIncrement == 0 {
		return status.Errorf(status.InvalidArgument,
			"max cycles per advance state or cycles per advance state increment is zero")
	}
	if cycles.MaxAdvanceState < cycles.AdvanceStateIncrement {
		return status.Errorf(status.InvalidArgument,
			"max cycles per advance state is less than cycles per advance state increment")
	}
	if cycles.MaxInspectState == 0 || cycles.InspectStateIncrement == 0 {
		return status.Errorf(status.InvalidArgument,
			"max cycles per inspect state or cycles per inspect state increment is zero")
	}
	if cycles.MaxInspectState < cycles.InspectStateIncrement {
		return status.Errorf(status.InvalidArgument,
			"max cycles per inspect state is less than cycles per inspect state increment")
	}
	return nil
}

// checkMemoryRange validates one memory range reported by the worker
// and produces its description. The config's image filename is
// cleared so that replaying it through replace_memory_range zeroes
// the range.
func checkMemoryRange(name string, config machine.MemoryRangeConfig) (memoryRangeDescription, error) {
	if config.Shared {
		return memoryRangeDescription{}, status.Errorf(status.InvalidArgument,
			"%s buffer cannot be shared", name)
	}
	config.ImageFilename = ""
	if config.Length == 0 || config.Length&(config.Length-1) != 0 {
		return memoryRangeDescription{}, status.Errorf(status.OutOfRange,
			"%s memory range length not a power of two (%d)", name, config.Length)
	}
	log2Size := bits.Len64(config.Length) - 1
	if config.Start>>log2Size<<log2Size != config.Start {
		return memoryRangeDescription{}, status.Errorf(status.OutOfRange,
			"%s memory range start not aligned to its power of two size", name)
	}
	return memoryRangeDescription{
		start:    config.Start,
		length:   config.Length,
		log2Size: log2Size,
		config:   config,
	}, nil
}

// checkHTIFConfig verifies the host-target interface is configured
// for rollups.
func checkHTIFConfig(htif machine.HTIFConfig) error {
	if !htif.YieldManual {
		return status.Errorf(status.InvalidArgument, "yield manual must be enabled")
	}
	if !htif.YieldAutomatic {
		return status.Errorf(status.InvalidArgument, "yield automatic must be enabled")
	}
	if htif.ConsoleGetchar {
		return status.Errorf(status.InvalidArgument, "console getchar must be disabled")
	}
	return nil
}
