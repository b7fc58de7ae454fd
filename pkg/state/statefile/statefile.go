// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statefile defines the state file data stream.
//
// This package does not include any details regarding the state encoding
// itself, only details regarding state metadata and data layout.
//
// The file format is defined as follows.
//
// /------------------------------------------------------\
// |                   header (8-bytes)                   |
// +------------------------------------------------------+
// |              metadata length (8-bytes)               |
// +------------------------------------------------------+
// |                       metadata                       |
// +------------------------------------------------------+
// |                metadata HMAC (32-bytes)              |
// +------------------------------------------------------+
// |                  compressed data                     |
// +------------------------------------------------------+
// |                  data HMAC (32-bytes)                |
// \------------------------------------------------------/
//
// First, it includes a 8-byte magic header which is the following
// sequence of bytes [0x50, 0x47, 0x4d, 0x53, 0x74, 0x61, 0x74, 0x65]
//
// This header is followed by an 8-byte length N (big endian), and an
// ASCII-encoded JSON map that is exactly N bytes long.
//
// This map includes only strings for keys and strings for values. Keys in the
// map that begin with "_" are for internal use only. They may be read, but may
// not be provided by the user.
//
// The metadata HMAC covers everything before it. The data is compressed with
// DEFLATE and followed by an HMAC-SHA256 over the compressed bytes.
package statefile

import (
	"bytes"
	"compress/flate"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"
)

// maxMetadataSize is the size limit of metadata section.
const maxMetadataSize = 16 * 1024 * 1024

// maxDataSize is the size limit of the compressed data section, which is
// held in memory while its HMAC is verified.
const maxDataSize = 1 << 32

// magicHeader is the byte sequence beginning each file.
var magicHeader = []byte("PGMState")

// ErrBadMagic is returned if the header does not match.
var ErrBadMagic = errors.New("bad magic header")

// ErrInvalidMetadataLength is returned if the metadata length is too large.
var ErrInvalidMetadataLength = fmt.Errorf("metadata length invalid, maximum size is %d", maxMetadataSize)

// ErrMetadataInvalid is returned if passed metadata is invalid.
var ErrMetadataInvalid = errors.New("metadata invalid, can't start with _")

// ErrHashMismatch is returned if the file fails HMAC verification.
var ErrHashMismatch = errors.New("hash mismatch")

func writeMetadataLen(w io.Writer, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	_, err := w.Write(buf[:])
	return err
}

// writer compresses data and appends the data HMAC on Close.
type writer struct {
	w  io.Writer
	h  hash.Hash
	fw *flate.Writer
}

// Write implements io.Writer.Write.
func (w *writer) Write(p []byte) (int, error) {
	return w.fw.Write(p)
}

// Close flushes the compressor and writes the trailer. It does not close
// the underlying writer.
func (w *writer) Close() error {
	if err := w.fw.Close(); err != nil {
		return err
	}
	_, err := w.w.Write(w.h.Sum(nil))
	return err
}

// NewWriter returns a state data writer for a statefile.
//
// Note that the returned WriteCloser must be closed.
func NewWriter(w io.Writer, key []byte, metadata map[string]string) (io.WriteCloser, error) {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	for k := range metadata {
		if strings.HasPrefix(k, "_") {
			return nil, ErrMetadataInvalid
		}
	}

	// Create our HMAC function.
	h := hmac.New(sha256.New, key)
	mw := io.MultiWriter(w, h)

	// First, write the header.
	if _, err := mw.Write(magicHeader); err != nil {
		return nil, err
	}

	// Generate a timestamp, for convenience only.
	metadata["_timestamp"] = time.Now().UTC().String()
	defer delete(metadata, "_timestamp")

	// Write the metadata.
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	if len(b) > maxMetadataSize {
		return nil, ErrInvalidMetadataLength
	}

	// Metadata length.
	if err := writeMetadataLen(mw, uint64(len(b))); err != nil {
		return nil, err
	}
	// Metadata bytes; io.MultiWriter will return a short write error if
	// any of the writers returns < n.
	if _, err := mw.Write(b); err != nil {
		return nil, err
	}
	// Write the current hash.
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return nil, err
	}

	// The data HMAC covers only the compressed data.
	dh := hmac.New(sha256.New, key)

	// We always use "best speed" mode here. When using "best compression"
	// mode, there is usually only a little gain in file size reduction,
	// which translate to even smaller gain in restore latency reduction,
	// while inccuring much more CPU usage at save time.
	fw, err := flate.NewWriter(io.MultiWriter(w, dh), flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	return &writer{w: w, h: dh, fw: fw}, nil
}

// MetadataUnsafe reads out the metadata from a state file without verifying any
// HMAC. This function shouldn't be called for untrusted input files.
func MetadataUnsafe(r io.Reader) (map[string]string, error) {
	return metadata(r, nil)
}

func readMetadataLen(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// metadata validates the magic header and reads out the metadata from a state
// data stream.
func metadata(r io.Reader, h hash.Hash) (map[string]string, error) {
	if h != nil {
		r = io.TeeReader(r, h)
	}

	// Read and validate magic header.
	b := make([]byte, len(magicHeader))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	if !bytes.Equal(b, magicHeader) {
		return nil, ErrBadMagic
	}

	// Read and validate metadata.
	metadataLen, err := readMetadataLen(r)
	if err != nil {
		return nil, err
	}
	if metadataLen > maxMetadataSize {
		return nil, ErrInvalidMetadataLength
	}
	b = make([]byte, int(metadataLen))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	if h != nil {
		// Check the hash prior to decoding.
		cur := h.Sum(nil)
		buf := make([]byte, len(cur))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if !hmac.Equal(cur, buf) {
			return nil, ErrHashMismatch
		}
	}

	// Decode the metadata.
	metadata := make(map[string]string)
	if err := json.Unmarshal(b, &metadata); err != nil {
		return nil, err
	}

	return metadata, nil
}

// NewReader returns a reader for a statefile.
//
// The compressed data is read and verified against its HMAC before any of
// it is returned, so a tampered or truncated file is rejected up front with
// ErrHashMismatch.
func NewReader(r io.Reader, key []byte) (io.Reader, map[string]string, error) {
	// Read the metadata with the hash.
	h := hmac.New(sha256.New, key)
	metadata, err := metadata(r, h)
	if err != nil {
		return nil, nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, maxDataSize+sha256.Size+1))
	if err != nil {
		return nil, nil, err
	}
	if len(data) < sha256.Size {
		return nil, nil, fmt.Errorf("data section truncated: %w", ErrHashMismatch)
	}
	if len(data) > maxDataSize+sha256.Size {
		return nil, nil, fmt.Errorf("data section exceeds %d bytes", maxDataSize)
	}
	body, sum := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	dh := hmac.New(sha256.New, key)
	dh.Write(body)
	if !hmac.Equal(dh.Sum(nil), sum) {
		return nil, nil, ErrHashMismatch
	}
	return flate.NewReader(bytes.NewReader(body)), metadata, nil
}
