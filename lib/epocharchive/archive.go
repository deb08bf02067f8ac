// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package epocharchive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/rollup/lib/codec"
)

// formatVersion is bumped on incompatible archive layout changes.
const formatVersion = 1

// checksumKey is the 32-byte BLAKE3 key for archive checksums. Domain
// separation keeps archive checksums from colliding with any other
// keyed-BLAKE3 use. The byte values are the ASCII encoding of the
// domain name, zero-padded to 32 bytes, so the key is inspectable in
// hex dumps without sacrificing any cryptographic property.
var checksumKey = [32]byte{
	'r', 'o', 'l', 'l', 'u', 'p', '.', 'e', 'p', 'o', 'c', 'h', '.',
	'a', 'r', 'c', 'h', 'i', 'v', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// header precedes the compressed record in the archive file.
type header struct {
	Format           uint32      `cbor:"format"`
	Compression      Compression `cbor:"compression"`
	UncompressedSize uint64      `cbor:"uncompressed_size"`

	// Checksum is the keyed BLAKE3 digest of the compressed payload.
	Checksum [32]byte `cbor:"checksum"`
}

// Filename returns the archive file name for an epoch index.
func Filename(epochIndex uint64) string {
	return fmt.Sprintf("epoch-%d.rollup", epochIndex)
}

// checksum computes the keyed BLAKE3 digest of data.
func checksum(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(checksumKey[:])
	if err != nil {
		// NewKeyed only fails on wrong key length, which the fixed
		// array rules out.
		panic("epocharchive: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// Write stores the record as directory/epoch-<index>.rollup using the
// requested compression. The file is written to a temporary name and
// renamed into place, so a reader never sees a partial archive.
func Write(directory string, record *Record, compression Compression) (string, error) {
	encoded, err := codec.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding epoch record: %w", err)
	}

	payload, effective, err := compress(encoded, compression)
	if err != nil {
		return "", fmt.Errorf("compressing epoch record: %w", err)
	}

	headerBytes, err := codec.Marshal(header{
		Format:           formatVersion,
		Compression:      effective,
		UncompressedSize: uint64(len(encoded)),
		Checksum:         checksum(payload),
	})
	if err != nil {
		return "", fmt.Errorf("encoding archive header: %w", err)
	}

	path := filepath.Join(directory, Filename(record.EpochIndex))
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("creating temporary archive file: %w", err)
	}

	// Write, sync, close — in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(headerBytes); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return "", fmt.Errorf("writing archive header: %w", err)
	}
	if _, err := file.Write(payload); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return "", fmt.Errorf("writing archive payload: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return "", fmt.Errorf("syncing archive file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return "", fmt.Errorf("closing archive file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return "", fmt.Errorf("renaming archive into place: %w", err)
	}

	return path, nil
}

// Read loads and verifies an archive file. The manager itself never
// reads archives; this is for audit tooling and tests.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	var fileHeader header
	payload, err := codec.UnmarshalFirst(data, &fileHeader)
	if err != nil {
		return nil, fmt.Errorf("decoding archive header: %w", err)
	}
	if fileHeader.Format != formatVersion {
		return nil, fmt.Errorf("unsupported archive format %d (want %d)", fileHeader.Format, formatVersion)
	}

	if checksum(payload) != fileHeader.Checksum {
		return nil, fmt.Errorf("archive checksum mismatch (corrupted or truncated file)")
	}

	encoded, err := decompress(payload, fileHeader.Compression, int(fileHeader.UncompressedSize))
	if err != nil {
		return nil, err
	}

	var record Record
	if err := codec.Unmarshal(encoded, &record); err != nil {
		return nil, fmt.Errorf("decoding epoch record: %w", err)
	}
	return &record, nil
}
