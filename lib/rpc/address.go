// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"strings"
)

// unixPrefix marks an address as a Unix domain socket path.
const unixPrefix = "unix:"

// SplitAddress maps an address string to a (network, target) pair for
// net.Listen and net.Dial. "unix:<path>" selects a Unix socket;
// anything else is treated as a tcp host:port.
func SplitAddress(address string) (network, target string, err error) {
	if path, ok := strings.CutPrefix(address, unixPrefix); ok {
		if path == "" {
			return "", "", fmt.Errorf("rpc: empty unix socket path in address %q", address)
		}
		return "unix", path, nil
	}
	if !strings.Contains(address, ":") {
		return "", "", fmt.Errorf("rpc: address %q has no port (want host:port or unix:<path>)", address)
	}
	return "tcp", address, nil
}

// JoinAddress is the inverse of SplitAddress: it rebuilds the address
// string for a resolved network and target (used to publish the actual
// listening address after binding to port 0).
func JoinAddress(network, target string) string {
	if network == "unix" {
		return unixPrefix + target
	}
	return target
}
