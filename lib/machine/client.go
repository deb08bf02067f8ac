// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package machine

import (
	"context"

	"github.com/bureau-foundation/rollup/lib/merkle"
	"github.com/bureau-foundation/rollup/lib/rpc"
	"github.com/bureau-foundation/rollup/lib/status"
)

// Client is a typed client for one worker process. A new Client is
// built after every check-in, since snapshot and rollback respawn the
// worker at a fresh address.
type Client struct {
	rpc *rpc.Client
}

// Dial creates a client for the worker listening at address. No
// connection is made until the first call.
func Dial(address string) (*Client, error) {
	rpcClient, err := rpc.NewClient(address)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: rpcClient}, nil
}

// Address returns the worker address the client was built for.
func (c *Client) Address() string {
	return c.rpc.Address()
}

// GetVersion reports the worker's protocol version.
func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	var version Version
	if err := c.rpc.Call(ctx, ActionGetVersion, nil, &version); err != nil {
		return Version{}, err
	}
	return version, nil
}

// Machine instantiates the emulator from the given request.
func (c *Client) Machine(ctx context.Context, request *Request) error {
	return c.rpc.Call(ctx, ActionMachine, request, nil)
}

// GetInitialConfig retrieves the effective machine configuration.
func (c *Client) GetInitialConfig(ctx context.Context) (Config, error) {
	var config Config
	if err := c.rpc.Call(ctx, ActionGetInitialConfig, nil, &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Run advances the machine until it halts, yields, or reaches the
// given mcycle limit.
func (c *Client) Run(ctx context.Context, limit uint64) (RunResponse, error) {
	var response RunResponse
	if err := c.rpc.Call(ctx, ActionRun, RunRequest{Limit: limit}, &response); err != nil {
		return RunResponse{}, err
	}
	return response, nil
}

// ReadMemory reads length bytes at a physical address. A short or long
// read is an internal protocol violation.
func (c *Client) ReadMemory(ctx context.Context, address, length uint64) ([]byte, error) {
	var response ReadMemoryResponse
	if err := c.rpc.Call(ctx, ActionReadMemory, ReadMemoryRequest{
		Address: address,
		Length:  length,
	}, &response); err != nil {
		return nil, err
	}
	if uint64(len(response.Data)) != length {
		return nil, status.Errorf(status.Internal,
			"read memory returned %d bytes, want %d", len(response.Data), length)
	}
	return response.Data, nil
}

// WriteMemory writes data at a physical address.
func (c *Client) WriteMemory(ctx context.Context, address uint64, data []byte) error {
	return c.rpc.Call(ctx, ActionWriteMemory, WriteMemoryRequest{
		Address: address,
		Data:    data,
	}, nil)
}

// ReplaceMemoryRange replaces a memory range with the described one
// (zeroing it when the config names no image file).
func (c *Client) ReplaceMemoryRange(ctx context.Context, config MemoryRangeConfig) error {
	return c.rpc.Call(ctx, ActionReplaceMemoryRange, ReplaceMemoryRangeRequest{
		Config: config,
	}, nil)
}

// GetProof fetches the Merkle proof of the 2^log2Size node at address
// in the machine state tree.
func (c *Client) GetProof(ctx context.Context, address uint64, log2Size int) (merkle.Proof, error) {
	var response GetProofResponse
	if err := c.rpc.Call(ctx, ActionGetProof, GetProofRequest{
		Address:  address,
		Log2Size: log2Size,
	}, &response); err != nil {
		return merkle.Proof{}, err
	}
	return response.Proof, nil
}

// GetRootHash returns the machine state root hash. Only meaningful
// after UpdateMerkleTree.
func (c *Client) GetRootHash(ctx context.Context) (merkle.Hash, error) {
	var response GetRootHashResponse
	if err := c.rpc.Call(ctx, ActionGetRootHash, nil, &response); err != nil {
		return merkle.Hash{}, err
	}
	return response.Hash, nil
}

// UpdateMerkleTree brings the machine state tree up to date. A worker
// that answers but reports failure is as broken as one that does not
// answer, so that case is surfaced as an internal error.
func (c *Client) UpdateMerkleTree(ctx context.Context) error {
	var response UpdateMerkleTreeResponse
	if err := c.rpc.Call(ctx, ActionUpdateMerkleTree, nil, &response); err != nil {
		return err
	}
	if !response.Success {
		return status.Errorf(status.Internal, "failed updating merkle tree")
	}
	return nil
}

// Snapshot makes the worker fork a checkpoint of itself. The worker
// respawns at a fresh address and checks in again before it is usable.
func (c *Client) Snapshot(ctx context.Context) error {
	return c.rpc.Call(ctx, ActionSnapshot, nil, nil)
}

// Rollback discards machine state back to the last snapshot. Like
// Snapshot, the worker respawns and checks in again.
func (c *Client) Rollback(ctx context.Context) error {
	return c.rpc.Call(ctx, ActionRollback, nil, nil)
}

// ResetIflagsY clears the manual-yield flag so the machine can run
// again.
func (c *Client) ResetIflagsY(ctx context.Context) error {
	return c.rpc.Call(ctx, ActionResetIflagsY, nil, nil)
}

// Store persists the machine into a directory.
func (c *Client) Store(ctx context.Context, directory string) error {
	return c.rpc.Call(ctx, ActionStore, StoreRequest{Directory: directory}, nil)
}

// Shutdown asks the worker process to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.rpc.Call(ctx, ActionShutdown, nil, nil)
}
