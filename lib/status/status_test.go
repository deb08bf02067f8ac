// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "direct status error",
			err:  Errorf(InvalidArgument, "bad id"),
			want: InvalidArgument,
		},
		{
			name: "wrapped status error",
			err:  fmt.Errorf("calling worker: %w", Errorf(DeadlineExceeded, "run timed out")),
			want: DeadlineExceeded,
		},
		{
			name: "plain error defaults to internal",
			err:  errors.New("boom"),
			want: Internal,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := CodeOf(test.err); got != test.want {
				t.Errorf("CodeOf(%v) = %q, want %q", test.err, got, test.want)
			}
		})
	}
}

func TestMessageOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Errorf(Aborted, "concurrent call in session"))
	if got := MessageOf(wrapped); got != "concurrent call in session" {
		t.Errorf("MessageOf(wrapped) = %q, want inner message", got)
	}
	plain := errors.New("boom")
	if got := MessageOf(plain); got != "boom" {
		t.Errorf("MessageOf(plain) = %q, want %q", got, "boom")
	}
}

func TestErrorString(t *testing.T) {
	err := Errorf(OutOfRange, "payload length %d too large", 42)
	want := "out_of_range: payload length 42 too large"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
