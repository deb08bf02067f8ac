// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"errors"
	"fmt"
)

// Code classifies an RPC failure. Codes are protocol constants: they
// cross the wire in response envelopes and in session taint status, so
// their string values must not change.
type Code string

const (
	// InvalidArgument means the client sent a malformed or
	// inconsistent request (bad id, wrong index, wrong sizes).
	InvalidArgument Code = "invalid_argument"

	// AlreadyExists means the resource the client tried to create is
	// already present (duplicate session id).
	AlreadyExists Code = "already_exists"

	// OutOfRange means a value exceeded its permitted range (epoch
	// index overflow, payload length field overflow, misaligned or
	// non-power-of-two memory range).
	OutOfRange Code = "out_of_range"

	// FailedPrecondition means the system is not in the state the
	// operation requires (worker version mismatch).
	FailedPrecondition Code = "failed_precondition"

	// Aborted means the operation lost a race with a concurrent call
	// and may be retried (session lock held).
	Aborted Code = "aborted"

	// DataLoss means the session is tainted and its state can no
	// longer be trusted.
	DataLoss Code = "data_loss"

	// DeadlineExceeded means an operation did not complete within its
	// configured deadline.
	DeadlineExceeded Code = "deadline_exceeded"

	// Unavailable means the remote side could not be reached.
	Unavailable Code = "unavailable"

	// Internal means an invariant the implementation relies on was
	// violated. Internal failures against a session taint it.
	Internal Code = "internal"
)

// Error is a failure with a protocol status code. It is the only error
// type that crosses the manager's RPC boundary; everything else is
// wrapped into one before the response is written.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the status code from err. Errors that are not (and do
// not wrap) an *Error report Internal: by the time an error reaches a
// response envelope or a taint latch, an unclassified failure is an
// implementation defect, not a client mistake.
func CodeOf(err error) Code {
	var statusError *Error
	if errors.As(err, &statusError) {
		return statusError.Code
	}
	return Internal
}

// MessageOf extracts the status message from err, falling back to the
// plain error text for unclassified errors.
func MessageOf(err error) string {
	var statusError *Error
	if errors.As(err, &statusError) {
		return statusError.Message
	}
	return err.Error()
}
