// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package epocharchive

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/bureau-foundation/rollup/lib/merkle"
)

// testRecord builds a record with enough repetitive hash material to
// be compressible.
func testRecord() *Record {
	record := &Record{
		SessionID:    "session-archive",
		EpochIndex:   3,
		VouchersRoot: merkle.HashData([]byte("vouchers")),
		NoticesRoot:  merkle.HashData([]byte("notices")),
	}
	siblings := make([]merkle.Hash, 32)
	for i := range siblings {
		siblings[i] = merkle.HashData([]byte{byte(i)})
	}
	for i := uint64(0); i < 8; i++ {
		record.Inputs = append(record.Inputs, Input{
			InputIndex:  i,
			MachineHash: merkle.HashData([]byte{byte(i), 0xaa}),
			VoucherHashesInEpoch: merkle.Proof{
				TargetAddress:  i << 5,
				Log2TargetSize: 5,
				Log2RootSize:   37,
				SiblingHashes:  siblings,
			},
			NoticeHashesInEpoch: merkle.Proof{
				TargetAddress:  i << 5,
				Log2TargetSize: 5,
				Log2RootSize:   37,
				SiblingHashes:  siblings,
			},
			NoticeKeccaks: []merkle.Hash{merkle.HashData([]byte{byte(i), 0xbb})},
		})
	}
	return record
}

func TestWriteReadRoundtrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			directory := t.TempDir()
			record := testRecord()

			path, err := Write(directory, record, compression)
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if filepath.Base(path) != "epoch-3.rollup" {
				t.Errorf("archive path = %q, want epoch-3.rollup", path)
			}

			loaded, err := Read(path)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !reflect.DeepEqual(loaded, record) {
				t.Error("archive roundtrip mismatch")
			}
		})
	}
}

func TestReadDetectsCorruption(t *testing.T) {
	directory := t.TempDir()
	path, err := Write(directory, testRecord(), CompressionZstd)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Flip a byte near the end (inside the compressed payload).
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Read(path); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Errorf("Read of corrupted archive = %v, want checksum error", err)
	}
}

func TestReadDetectsTruncation(t *testing.T) {
	directory := t.TempDir()
	path, err := Write(directory, testRecord(), CompressionLZ4)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-10], 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Read(path); err == nil {
		t.Error("Read of truncated archive succeeded")
	}
}

func TestWriteLeavesNoTemporaryFile(t *testing.T) {
	directory := t.TempDir()
	if _, err := Write(directory, testRecord(), CompressionZstd); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("temporary file %q left behind", entry.Name())
		}
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		tag, err := ParseCompression(name)
		if err != nil {
			t.Errorf("ParseCompression(%q): %v", name, err)
		}
		if tag.String() != name {
			t.Errorf("ParseCompression(%q).String() = %q", name, tag.String())
		}
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("ParseCompression(gzip) succeeded")
	}
}
