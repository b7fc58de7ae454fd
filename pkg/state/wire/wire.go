// Copyright 2020 The gVisor Authors.
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

// Package wire contains a flat, versioned record encoding.
//
// A stream is a header followed by a sequence of records. The header is
//
//	magic (4 bytes) | schema version (varint)
//
// and each record is
//
//	kind (varint) | length (varint) | body (length bytes)
//
// The body is a sequence of protobuf wire format fields. Every field is
// declared with the schema version that introduced it, and a writer at
// version V only emits fields introduced at or before V. Readers treat a
// missing field as its zero value and skip fields they do not know, so
// streams from older and newer writers both decode. Records of a kind the
// reader does not know are returned to the caller, which ignores them.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// magic begins every stream.
var magic = []byte("PGMw")

// maxRecordSize bounds a single record body.
const maxRecordSize = 64 << 20

var (
	// ErrBadMagic is returned if the stream header does not match.
	ErrBadMagic = errors.New("bad record stream magic")

	// ErrMalformed is returned for bodies that are not valid wire format.
	ErrMalformed = errors.New("malformed record")

	// ErrTooLarge is returned for records above the size limit.
	ErrTooLarge = errors.New("record too large")
)

// Field identifies one field of a record.
type Field struct {
	// Num is the field number. It must never be reused for a different
	// meaning.
	Num protowire.Number

	// Since is the schema version that introduced the field.
	Since uint32
}

// RecordWriter accumulates the body of one record.
type RecordWriter struct {
	version uint32
	buf     []byte
}

// NewRecordWriter returns a writer emitting fields of the given schema
// version.
func NewRecordWriter(version uint32) *RecordWriter {
	return &RecordWriter{version: version}
}

func (w *RecordWriter) skip(f Field) bool {
	return f.Since > w.version
}

// Uint64 writes an unsigned integer field.
func (w *RecordWriter) Uint64(f Field, v uint64) {
	if w.skip(f) {
		return
	}
	w.buf = protowire.AppendTag(w.buf, f.Num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

// Bool writes a boolean field.
func (w *RecordWriter) Bool(f Field, v bool) {
	w.Uint64(f, protowire.EncodeBool(v))
}

// Bytes writes a byte string field.
func (w *RecordWriter) Bytes(f Field, v []byte) {
	if w.skip(f) {
		return
	}
	w.buf = protowire.AppendTag(w.buf, f.Num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, v)
}

// String writes a string field.
func (w *RecordWriter) String(f Field, v string) {
	if w.skip(f) {
		return
	}
	w.buf = protowire.AppendTag(w.buf, f.Num, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, v)
}

// Uint64s writes a packed repeated unsigned integer field.
func (w *RecordWriter) Uint64s(f Field, vs []uint64) {
	if w.skip(f) {
		return
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, v)
	}
	w.Bytes(f, packed)
}

// Record writes a nested record field.
func (w *RecordWriter) Record(f Field, fn func(*RecordWriter)) {
	if w.skip(f) {
		return
	}
	nested := RecordWriter{version: w.version}
	fn(&nested)
	w.Bytes(f, nested.buf)
}

// Body returns the encoded fields.
func (w *RecordWriter) Body() []byte {
	return w.buf
}

// value is one decoded field.
type value struct {
	typ protowire.Type
	num uint64
	raw []byte
}

// RecordReader gives access to the fields of one decoded record. Repeated
// occurrences of a scalar field keep the last value.
type RecordReader struct {
	fields map[protowire.Number]value
}

// ParseRecord decodes a record body.
func ParseRecord(b []byte) (*RecordReader, error) {
	r := &RecordReader{fields: make(map[protowire.Number]value)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var v value
		v.typ = typ
		switch typ {
		case protowire.VarintType:
			v.num, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.raw, n = protowire.ConsumeBytes(b)
		default:
			// Fixed-width and group fields are never written, but a newer
			// writer may; skip them.
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		r.fields[num] = v
	}
	return r, nil
}

// Has reports whether f is present with a supported type.
func (r *RecordReader) Has(f Field) bool {
	v, ok := r.fields[f.Num]
	return ok && (v.typ == protowire.VarintType || v.typ == protowire.BytesType)
}

// Uint64 returns f, or 0 if absent.
func (r *RecordReader) Uint64(f Field) uint64 {
	if v, ok := r.fields[f.Num]; ok && v.typ == protowire.VarintType {
		return v.num
	}
	return 0
}

// Bool returns f, or false if absent.
func (r *RecordReader) Bool(f Field) bool {
	return protowire.DecodeBool(r.Uint64(f))
}

// Bytes returns f, or nil if absent. The result aliases the record body.
func (r *RecordReader) Bytes(f Field) []byte {
	if v, ok := r.fields[f.Num]; ok && v.typ == protowire.BytesType {
		return v.raw
	}
	return nil
}

// String returns f, or "" if absent.
func (r *RecordReader) String(f Field) string {
	return string(r.Bytes(f))
}

// Uint64s returns the packed repeated field f.
func (r *RecordReader) Uint64s(f Field) ([]uint64, error) {
	b := r.Bytes(f)
	var vs []uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.Num, protowire.ParseError(n))
		}
		vs = append(vs, v)
		b = b[n:]
	}
	return vs, nil
}

// Record returns the nested record f. An absent field yields an empty
// record.
func (r *RecordReader) Record(f Field) (*RecordReader, error) {
	return ParseRecord(r.Bytes(f))
}

// Encoder writes a record stream.
type Encoder struct {
	w       *bufio.Writer
	version uint32
}

// NewEncoder writes the stream header and returns an encoder for records of
// the given schema version.
func NewEncoder(w io.Writer, version uint32) (*Encoder, error) {
	e := &Encoder{w: bufio.NewWriter(w), version: version}
	hdr := append([]byte(nil), magic...)
	hdr = protowire.AppendVarint(hdr, uint64(version))
	if _, err := e.w.Write(hdr); err != nil {
		return nil, err
	}
	return e, nil
}

// Version returns the schema version being written.
func (e *Encoder) Version() uint32 {
	return e.version
}

// Encode writes one record of the given kind.
func (e *Encoder) Encode(kind uint32, fn func(*RecordWriter)) error {
	rw := RecordWriter{version: e.version}
	fn(&rw)
	if len(rw.buf) > maxRecordSize {
		return fmt.Errorf("kind %d: %d bytes: %w", kind, len(rw.buf), ErrTooLarge)
	}
	var hdr []byte
	hdr = protowire.AppendVarint(hdr, uint64(kind))
	hdr = protowire.AppendVarint(hdr, uint64(len(rw.buf)))
	if _, err := e.w.Write(hdr); err != nil {
		return err
	}
	_, err := e.w.Write(rw.buf)
	return err
}

// Flush flushes buffered records to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

// Decoder reads a record stream.
type Decoder struct {
	r       *bufio.Reader
	version uint32
}

// NewDecoder reads and validates the stream header.
func NewDecoder(r io.Reader) (*Decoder, error) {
	br := bufio.NewReader(r)
	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(hdr, magic) {
		return nil, ErrBadMagic
	}
	v, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	return &Decoder{r: br, version: uint32(v)}, nil
}

// Version returns the schema version the stream was written with.
func (d *Decoder) Version() uint32 {
	return d.version
}

// Next returns the next record. It returns io.EOF at the clean end of the
// stream.
func (d *Decoder) Next() (uint32, *RecordReader, error) {
	kind, err := binary.ReadUvarint(d.r)
	if err == io.EOF {
		return 0, nil, io.EOF
	}
	if err != nil {
		return 0, nil, fmt.Errorf("reading record kind: %w", err)
	}
	size, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, nil, fmt.Errorf("reading record length: %w", unexpected(err))
	}
	if size > maxRecordSize {
		return 0, nil, fmt.Errorf("kind %d: %d bytes: %w", kind, size, ErrTooLarge)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return 0, nil, fmt.Errorf("reading record body: %w", unexpected(err))
	}
	rec, err := ParseRecord(body)
	if err != nil {
		return 0, nil, fmt.Errorf("kind %d: %w", kind, err)
	}
	return uint32(kind), rec, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
