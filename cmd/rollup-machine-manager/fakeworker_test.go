// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bureau-foundation/rollup/lib/api"
	"github.com/bureau-foundation/rollup/lib/codec"
	"github.com/bureau-foundation/rollup/lib/machine"
	"github.com/bureau-foundation/rollup/lib/merkle"
	"github.com/bureau-foundation/rollup/lib/rpc"
	"github.com/bureau-foundation/rollup/lib/status"
	"github.com/bureau-foundation/rollup/lib/testutil"
)

// machineLog2RootSize is the fake machine's state tree size. Matches
// the real emulator's 2^64 address space.
const machineLog2RootSize = 64

// Default rollup memory layout of the fake machine. Every range start
// is aligned to its power-of-two length.
var defaultRollup = machine.RollupConfig{
	RxBuffer:      machine.MemoryRangeConfig{Start: 0x100000, Length: 1 << 12},
	TxBuffer:      machine.MemoryRangeConfig{Start: 0x200000, Length: 1 << 12},
	InputMetadata: machine.MemoryRangeConfig{Start: 0x300000, Length: 1 << 7},
	VoucherHashes: machine.MemoryRangeConfig{Start: 0x400000, Length: 1 << 12},
	NoticeHashes:  machine.MemoryRangeConfig{Start: 0x500000, Length: 1 << 12},
}

// runStep produces the response for one run call. Steps run with the
// worker lock held and may mutate worker memory first (to simulate
// the machine writing the tx buffer before yielding).
type runStep func(w *fakeWorker, limit uint64) machine.RunResponse

// fakeSnapshot is the machine state captured by snapshot.
type fakeSnapshot struct {
	mcycle uint64
	memory map[uint64]byte
}

// fakeWorker is an in-process machine-emulator worker: it serves the
// worker RPC surface on a unix socket and performs check-ins against
// the manager, driven by a scripted sequence of run responses.
type fakeWorker struct {
	t       *testing.T
	logger  *slog.Logger
	address string

	// managerAddress and sessionID are set by the test spawner.
	mu             sync.Mutex
	managerAddress string
	sessionID      string

	version machine.Version
	config  machine.Config

	mcycle      uint64
	memory      map[uint64]byte
	saved       *fakeSnapshot
	updateCount uint64

	script []runStep

	machineRequests   []*machine.Request
	storedDirectories []string
	shutdownCount     int
	snapshotCount     int
	rollbackCount     int

	// blockRun, when non-nil, makes the next run call block until
	// the channel closes (simulates an unresponsive machine).
	blockRun chan struct{}

	// blockStore, when non-nil, makes store block until the channel
	// closes (used to observe the session lock from outside).
	blockStore chan struct{}

	// updateMerkleTreeFails makes update_merkle_tree report failure.
	updateMerkleTreeFails bool
}

// newFakeWorker builds a worker with the default machine config and
// starts its server. The worker does not check in until spawned.
func newFakeWorker(t *testing.T, logger *slog.Logger) *fakeWorker {
	// Per-worker copy: tests mutate the config to provoke validation
	// failures.
	rollup := defaultRollup
	w := &fakeWorker{
		t:      t,
		logger: logger,
		version: machine.Version{
			Major: expectedWorkerVersionMajor,
			Minor: expectedWorkerVersionMinor,
		},
		config: machine.Config{
			Processor: machine.ProcessorConfig{Mcycle: 0},
			HTIF: machine.HTIFConfig{
				YieldManual:    true,
				YieldAutomatic: true,
				ConsoleGetchar: false,
			},
			Rollup: &rollup,
		},
		memory: make(map[uint64]byte),
	}

	server := rpc.NewServer("unix:"+filepath.Join(testutil.SocketDir(t), "worker.sock"), logger)
	w.register(server)
	address, err := server.Listen()
	if err != nil {
		t.Fatalf("fake worker Listen: %v", err)
	}
	w.address = address

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
	return w
}

// spawner returns a spawnFunc that "spawns" this worker: it records
// the session and check-in target and performs the initial check-in.
func (w *fakeWorker) spawner() spawnFunc {
	return func(sessionID, checkinAddress, workerAddress string) (*workerProcess, error) {
		w.mu.Lock()
		w.sessionID = sessionID
		w.managerAddress = checkinAddress
		w.mu.Unlock()
		go w.checkIn()
		return &workerProcess{}, nil
	}
}

// checkIn announces the worker's address to the manager.
func (w *fakeWorker) checkIn() {
	w.mu.Lock()
	managerAddress, sessionID := w.managerAddress, w.sessionID
	w.mu.Unlock()

	client, err := rpc.NewClient(managerAddress)
	if err != nil {
		w.t.Errorf("fake worker check-in client: %v", err)
		return
	}
	err = client.Call(context.Background(), api.ActionCheckIn, api.CheckInRequest{
		SessionID: sessionID,
		Address:   w.address,
	}, nil)
	if err != nil {
		w.logger.Warn("fake worker check-in rejected", "error", err)
	}
}

// pushScript appends run steps to the script queue.
func (w *fakeWorker) pushScript(steps ...runStep) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.script = append(w.script, steps...)
}

// writeBytes writes data into the sparse memory image.
func (w *fakeWorker) writeBytes(address uint64, data []byte) {
	for i, b := range data {
		w.memory[address+uint64(i)] = b
	}
}

// readBytes assembles length bytes from the sparse memory image.
func (w *fakeWorker) readBytes(address, length uint64) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = w.memory[address+uint64(i)]
	}
	return data
}

// zeroRange clears a memory range.
func (w *fakeWorker) zeroRange(start, length uint64) {
	for i := uint64(0); i < length; i++ {
		delete(w.memory, start+i)
	}
}

// appendHashEntry writes hash into the first all-zero 32-byte slot of
// a hashes range, the way the machine appends keccaks.
func (w *fakeWorker) appendHashEntry(rangeConfig machine.MemoryRangeConfig, hash merkle.Hash) {
	for offset := uint64(0); offset+api.KeccakSize <= rangeConfig.Length; offset += api.KeccakSize {
		slot := w.readBytes(rangeConfig.Start+offset, api.KeccakSize)
		if countNullTerminatedEntries(slot, api.KeccakSize) == 0 {
			w.writeBytes(rangeConfig.Start+offset, hash[:])
			return
		}
	}
	w.t.Errorf("hashes range at %#x is full", rangeConfig.Start)
}

// rangeContaining locates the rollup memory range covering an address.
func (w *fakeWorker) rangeContaining(address uint64) (machine.MemoryRangeConfig, bool) {
	rollup := w.config.Rollup
	for _, r := range []machine.MemoryRangeConfig{
		rollup.RxBuffer, rollup.TxBuffer, rollup.InputMetadata,
		rollup.VoucherHashes, rollup.NoticeHashes,
	} {
		if address >= r.Start && address < r.Start+r.Length {
			return r, true
		}
	}
	return machine.MemoryRangeConfig{}, false
}

// proofFor builds a machine state proof for a node inside one of the
// rollup ranges: real in-range siblings from a tree over the range's
// current content, zero siblings above the range, root folded so the
// whole proof is internally consistent.
func (w *fakeWorker) proofFor(address uint64, log2Size int) (merkle.Proof, error) {
	r, ok := w.rangeContaining(address)
	if !ok {
		return merkle.Proof{}, status.Errorf(status.InvalidArgument,
			"no memory range contains address %#x", address)
	}
	rangeLog2 := log2Of(r.Length)

	tree, err := merkle.NewTree(rangeLog2, api.Log2KeccakSize)
	if err != nil {
		return merkle.Proof{}, err
	}
	for offset := uint64(0); offset < r.Length; offset += api.KeccakSize {
		word := w.readBytes(r.Start+offset, api.KeccakSize)
		if err := tree.Push(merkle.HashData(word)); err != nil {
			return merkle.Proof{}, err
		}
	}

	inRange, err := tree.Proof(address-r.Start, log2Size)
	if err != nil {
		return merkle.Proof{}, err
	}

	proof := merkle.Proof{
		TargetAddress:  address,
		Log2TargetSize: log2Size,
		TargetHash:     inRange.TargetHash,
		Log2RootSize:   machineLog2RootSize,
		SiblingHashes:  make([]merkle.Hash, machineLog2RootSize-log2Size),
	}
	for level := log2Size; level < rangeLog2; level++ {
		proof.SiblingHashes[machineLog2RootSize-1-level] = inRange.SiblingHashes[rangeLog2-1-level]
	}
	current := inRange.RootHash
	for level := rangeLog2; level < machineLog2RootSize; level++ {
		var sibling merkle.Hash
		proof.SiblingHashes[machineLog2RootSize-1-level] = sibling
		if address&(uint64(1)<<level) != 0 {
			current = merkle.HashPair(sibling, current)
		} else {
			current = merkle.HashPair(current, sibling)
		}
	}
	proof.RootHash = current
	return proof, nil
}

// log2Of returns log2 of a power-of-two length.
func log2Of(length uint64) int {
	log2 := 0
	for length > 1 {
		length >>= 1
		log2++
	}
	return log2
}

// register wires the worker protocol into a server.
func (w *fakeWorker) register(server *rpc.Server) {
	server.Handle(machine.ActionGetVersion, func(ctx context.Context, raw []byte) (any, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.version, nil
	})

	server.Handle(machine.ActionMachine, func(ctx context.Context, raw []byte) (any, error) {
		var request machine.Request
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		w.machineRequests = append(w.machineRequests, &request)
		return nil, nil
	})

	server.Handle(machine.ActionGetInitialConfig, func(ctx context.Context, raw []byte) (any, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.config, nil
	})

	server.Handle(machine.ActionRun, func(ctx context.Context, raw []byte) (any, error) {
		var request machine.RunRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		w.mu.Lock()
		block := w.blockRun
		w.mu.Unlock()
		if block != nil {
			<-block
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if len(w.script) == 0 {
			return nil, status.Errorf(status.Internal, "fake worker has no scripted run step")
		}
		step := w.script[0]
		w.script = w.script[1:]
		response := step(w, request.Limit)
		w.mcycle = response.Mcycle
		return response, nil
	})

	server.Handle(machine.ActionReadMemory, func(ctx context.Context, raw []byte) (any, error) {
		var request machine.ReadMemoryRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		return machine.ReadMemoryResponse{
			Data: w.readBytes(request.Address, request.Length),
		}, nil
	})

	server.Handle(machine.ActionWriteMemory, func(ctx context.Context, raw []byte) (any, error) {
		var request machine.WriteMemoryRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		w.writeBytes(request.Address, request.Data)
		return nil, nil
	})

	server.Handle(machine.ActionReplaceMemoryRange, func(ctx context.Context, raw []byte) (any, error) {
		var request machine.ReplaceMemoryRangeRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		w.zeroRange(request.Config.Start, request.Config.Length)
		return nil, nil
	})

	server.Handle(machine.ActionGetProof, func(ctx context.Context, raw []byte) (any, error) {
		var request machine.GetProofRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		proof, err := w.proofFor(request.Address, request.Log2Size)
		if err != nil {
			return nil, err
		}
		return machine.GetProofResponse{Proof: proof}, nil
	})

	server.Handle(machine.ActionGetRootHash, func(ctx context.Context, raw []byte) (any, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return machine.GetRootHashResponse{
			Hash: merkle.HashData([]byte{
				byte(w.mcycle), byte(w.mcycle >> 8), byte(w.updateCount),
			}),
		}, nil
	})

	server.Handle(machine.ActionUpdateMerkleTree, func(ctx context.Context, raw []byte) (any, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.updateCount++
		return machine.UpdateMerkleTreeResponse{Success: !w.updateMerkleTreeFails}, nil
	})

	server.Handle(machine.ActionSnapshot, func(ctx context.Context, raw []byte) (any, error) {
		w.mu.Lock()
		saved := &fakeSnapshot{mcycle: w.mcycle, memory: make(map[uint64]byte, len(w.memory))}
		for address, b := range w.memory {
			saved.memory[address] = b
		}
		w.saved = saved
		w.snapshotCount++
		w.mu.Unlock()
		// The real worker forks and the child checks in from a fresh
		// address; here the same server carries on.
		go w.checkIn()
		return nil, nil
	})

	server.Handle(machine.ActionRollback, func(ctx context.Context, raw []byte) (any, error) {
		w.mu.Lock()
		if w.saved == nil {
			w.mu.Unlock()
			return nil, status.Errorf(status.FailedPrecondition, "no snapshot to roll back to")
		}
		w.mcycle = w.saved.mcycle
		w.memory = make(map[uint64]byte, len(w.saved.memory))
		for address, b := range w.saved.memory {
			w.memory[address] = b
		}
		w.rollbackCount++
		w.mu.Unlock()
		go w.checkIn()
		return nil, nil
	})

	server.Handle(machine.ActionResetIflagsY, func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})

	server.Handle(machine.ActionStore, func(ctx context.Context, raw []byte) (any, error) {
		var request machine.StoreRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		w.mu.Lock()
		block := w.blockStore
		w.mu.Unlock()
		if block != nil {
			<-block
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		w.storedDirectories = append(w.storedDirectories, request.Directory)
		marker := filepath.Join(request.Directory, "machine")
		if err := os.WriteFile(marker, []byte("stored\n"), 0600); err != nil {
			return nil, status.Errorf(status.Internal, "storing machine: %v", err)
		}
		return nil, nil
	})

	server.Handle(machine.ActionShutdown, func(ctx context.Context, raw []byte) (any, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.shutdownCount++
		return nil, nil
	})
}

// stepAccept yields RX_ACCEPTED at the given mcycle.
func stepAccept(mcycle uint64) runStep {
	return func(w *fakeWorker, limit uint64) machine.RunResponse {
		return machine.RunResponse{
			Mcycle:  mcycle,
			Tohost:  machine.YieldReasonRxAccepted << 32,
			IflagsY: true,
		}
	}
}

// stepReject yields RX_REJECTED at the given mcycle.
func stepReject(mcycle uint64) runStep {
	return func(w *fakeWorker, limit uint64) machine.RunResponse {
		return machine.RunResponse{
			Mcycle:  mcycle,
			Tohost:  machine.YieldReasonRxRejected << 32,
			IflagsY: true,
		}
	}
}

// stepHalt reports a halted machine.
func stepHalt(mcycle uint64) runStep {
	return func(w *fakeWorker, limit uint64) machine.RunResponse {
		return machine.RunResponse{Mcycle: mcycle, IflagsH: true}
	}
}

// stepRunToLimit consumes the whole increment without yielding.
func stepRunToLimit() runStep {
	return func(w *fakeWorker, limit uint64) machine.RunResponse {
		return machine.RunResponse{Mcycle: limit}
	}
}

// stepYieldVoucher writes a voucher (header + payload) into the tx
// buffer, appends its keccak to the voucher hashes range, and yields
// TX_VOUCHER.
func stepYieldVoucher(mcycle uint64, address merkle.Hash, payload []byte) runStep {
	return func(w *fakeWorker, limit uint64) machine.RunResponse {
		tx := w.config.Rollup.TxBuffer
		w.writeBytes(tx.Start, address[:])
		w.writeBytes(tx.Start+2*merkle.HashSize, lengthWord(uint64(len(payload))))
		w.writeBytes(tx.Start+api.VoucherHeaderLength, payload)
		w.appendHashEntry(w.config.Rollup.VoucherHashes, merkle.HashData(payload))
		return machine.RunResponse{
			Mcycle:  mcycle,
			Tohost:  machine.YieldReasonTxVoucher << 32,
			IflagsX: true,
		}
	}
}

// stepYieldNotice writes a notice into the tx buffer, appends its
// keccak to the notice hashes range, and yields TX_NOTICE.
func stepYieldNotice(mcycle uint64, payload []byte) runStep {
	return func(w *fakeWorker, limit uint64) machine.RunResponse {
		tx := w.config.Rollup.TxBuffer
		w.writeBytes(tx.Start+merkle.HashSize, lengthWord(uint64(len(payload))))
		w.writeBytes(tx.Start+api.NoticeHeaderLength, payload)
		w.appendHashEntry(w.config.Rollup.NoticeHashes, merkle.HashData(payload))
		return machine.RunResponse{
			Mcycle:  mcycle,
			Tohost:  machine.YieldReasonTxNotice << 32,
			IflagsX: true,
		}
	}
}

// stepYieldReport writes a report into the tx buffer and yields
// TX_REPORT. Reports leave no hash entry.
func stepYieldReport(mcycle uint64, payload []byte) runStep {
	return func(w *fakeWorker, limit uint64) machine.RunResponse {
		tx := w.config.Rollup.TxBuffer
		w.writeBytes(tx.Start+merkle.HashSize, lengthWord(uint64(len(payload))))
		w.writeBytes(tx.Start+api.NoticeHeaderLength, payload)
		return machine.RunResponse{
			Mcycle:  mcycle,
			Tohost:  machine.YieldReasonTxReport << 32,
			IflagsX: true,
		}
	}
}

// lengthWord encodes a payload length as its 32-byte big-endian word.
func lengthWord(length uint64) []byte {
	word := make([]byte, merkle.HashSize)
	for i := 0; i < 8; i++ {
		word[merkle.HashSize-1-i] = byte(length >> (8 * i))
	}
	return word
}
