// Copyright 2023 The gVisor Authors.
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

package handler

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gvisor.dev/pgm/pkg/pgm/page"
	"gvisor.dev/pgm/pkg/state/wire"
)

const (
	kindTypeRecord    = 1
	kindHandlerRecord = 2
)

// saveRegistry encodes the types and registrations of f at version.
func saveRegistry(t *testing.T, f *fixture, version uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := wire.NewEncoder(&buf, version)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	if err := f.types.Save(enc, kindTypeRecord); err != nil {
		t.Fatalf("TypeTable.Save failed: %v", err)
	}
	if err := f.reg.Save(enc, kindHandlerRecord); err != nil {
		t.Fatalf("Registry.Save failed: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return buf.Bytes()
}

// loadRegistry replays records into f.
func loadRegistry(t *testing.T, f *fixture, data []byte) error {
	t.Helper()
	dec, err := wire.NewDecoder(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	for {
		kind, rec, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		switch kind {
		case kindTypeRecord:
			err = f.types.VerifyRecord(rec)
		case kindHandlerRecord:
			_, err = f.reg.Load(rec)
		}
		if err != nil {
			return err
		}
	}
}

var regOpts = cmp.Options{
	cmpopts.IgnoreUnexported(Registration{}),
	cmp.AllowUnexported(UserContext{}),
}

func populate(t *testing.T, f *fixture) {
	t.Helper()
	w := mustRegisterType(t, f.types, KindWrite, 0, nopCallback)
	m := mustRegisterType(t, f.types, KindMMIO, FlagDevInstanceIndex, nopCallback)
	f.register(t, ramStart, ramStart+0x3fff, w, Opaque(0xabc))
	f.register(t, mmioStart, mmioStart+0x1fff, m, DeviceInstance(2))
	if err := f.reg.TemporarilyDisablePage(ramStart, ramStart+0x2000); err != nil {
		t.Fatalf("TemporarilyDisablePage failed: %v", err)
	}
	if err := f.reg.AliasPage(mmioStart, mmioStart+0x1000, 0x5000, 3, true); err != nil {
		t.Fatalf("AliasPage failed: %v", err)
	}
}

// handlerRecords verifies the type records of data against f and returns
// its registration records.
func handlerRecords(t *testing.T, f *fixture, data []byte) []*wire.RecordReader {
	t.Helper()
	dec, err := wire.NewDecoder(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	var recs []*wire.RecordReader
	for {
		kind, rec, err := dec.Next()
		if err == io.EOF {
			return recs
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		switch kind {
		case kindTypeRecord:
			if err := f.types.VerifyRecord(rec); err != nil {
				t.Fatalf("VerifyRecord failed: %v", err)
			}
		case kindHandlerRecord:
			recs = append(recs, rec)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	for _, version := range []uint32{1, 2} {
		src := newFixture(t, 16)
		populate(t, src)
		want := src.reg.Registrations()
		data := saveRegistry(t, src, version)

		// The destination has the same page state and types but no
		// registrations.
		f := newFixture(t, 16)
		mustRegisterType(t, f.types, KindWrite, 0, nopCallback)
		mustRegisterType(t, f.types, KindMMIO, FlagDevInstanceIndex, nopCallback)
		f.ram = src.ram
		staged, err := f.reg.Restore(&f.ram, handlerRecords(t, f, data))
		if err != nil {
			t.Fatalf("version %d: Restore failed: %v", version, err)
		}
		if n := f.reg.Len(); n != 0 {
			t.Errorf("version %d: Restore changed the registry: Len = %d", version, n)
		}
		f.mu.Lock()
		f.reg.Adopt(staged)
		f.mu.Unlock()
		if diff := cmp.Diff(want, f.reg.Registrations(), regOpts); diff != "" {
			t.Errorf("version %d: registrations mismatch (-want +got):\n%s", version, diff)
		}
		f.checkConsistency(t)

		// Loading the same records again overlaps.
		if err := loadRegistry(t, f, data); !errors.Is(err, ErrOverlap) {
			t.Errorf("version %d: second load = %v, want ErrOverlap", version, err)
		}
	}
}

func TestRestoreFailureLeavesRegistry(t *testing.T) {
	f := newFixture(t, 16)
	populate(t, f)
	want := f.reg.Registrations()
	recs := handlerRecords(t, f, saveRegistry(t, f, 2))

	for _, tc := range []struct {
		name string
		recs []*wire.RecordReader
		want error
	}{
		{"duplicate records", append(recs, recs[0]), ErrOverlap},
		{"page state without handlers", recs[:1], nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.reg.Restore(&f.ram, tc.recs)
			if err == nil || (tc.want != nil && !errors.Is(err, tc.want)) {
				t.Errorf("Restore = %v, want %v", err, tc.want)
			}
			if diff := cmp.Diff(want, f.reg.Registrations(), regOpts); diff != "" {
				t.Errorf("failed Restore changed registrations (-want +got):\n%s", diff)
			}
			f.checkConsistency(t)
		})
	}
}

func TestLoadTypeMismatch(t *testing.T) {
	src := newFixture(t, 16)
	populate(t, src)
	data := saveRegistry(t, src, 2)

	for _, tc := range []struct {
		name  string
		setup func(t *testing.T, tt *TypeTable)
		want  error
	}{
		{
			name: "missing type",
			setup: func(t *testing.T, tt *TypeTable) {
				mustRegisterType(t, tt, KindWrite, 0, nopCallback)
			},
			want: ErrInvalidHandle,
		},
		{
			name: "different kind",
			setup: func(t *testing.T, tt *TypeTable) {
				mustRegisterType(t, tt, KindAll, 0, nopCallback)
				mustRegisterType(t, tt, KindMMIO, FlagDevInstanceIndex, nopCallback)
			},
			want: ErrTypeMismatch,
		},
		{
			name: "different flags",
			setup: func(t *testing.T, tt *TypeTable) {
				mustRegisterType(t, tt, KindWrite, 0, nopCallback)
				mustRegisterType(t, tt, KindMMIO, 0, nopCallback)
			},
			want: ErrTypeMismatch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 16)
			tc.setup(t, f.types)
			if err := loadRegistry(t, f, data); !errors.Is(err, tc.want) {
				t.Errorf("load = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLoadInvalidRecord(t *testing.T) {
	f := newFixture(t, 16)
	mustRegisterType(t, f.types, KindWrite, 0, nopCallback)
	for _, tc := range []struct {
		name string
		fill func(w *wire.RecordWriter)
		want error
	}{
		{
			name: "unaligned",
			fill: func(w *wire.RecordWriter) {
				w.Uint64(fieldStart, ramStart+1)
				w.Uint64(fieldLast, ramStart+0xfff)
			},
			want: ErrInvalidParameter,
		},
		{
			name: "unknown type",
			fill: func(w *wire.RecordWriter) {
				w.Uint64(fieldStart, ramStart)
				w.Uint64(fieldLast, ramStart+0xfff)
				w.Uint64(fieldType, 7)
			},
			want: ErrInvalidHandle,
		},
		{
			name: "outside RAM",
			fill: func(w *wire.RecordWriter) {
				w.Uint64(fieldStart, 0x40000000)
				w.Uint64(fieldLast, 0x40000fff)
			},
			want: ErrOutOfRange,
		},
		{
			name: "device user for opaque type",
			fill: func(w *wire.RecordWriter) {
				w.Uint64(fieldStart, ramStart)
				w.Uint64(fieldLast, ramStart+0xfff)
				w.Bool(fieldUserIsDev, true)
			},
			want: ErrInvalidParameter,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := wire.NewRecordWriter(2)
			tc.fill(w)
			rec, err := wire.ParseRecord(w.Body())
			if err != nil {
				t.Fatalf("ParseRecord failed: %v", err)
			}
			if _, err := f.reg.Load(rec); !errors.Is(err, tc.want) {
				t.Errorf("Load = %v, want %v", err, tc.want)
			}
		})
	}
	if n := f.reg.Len(); n != 0 {
		t.Errorf("Len = %d after failed loads, want 0", n)
	}
	if p := f.page(ramStart); p.HandlerState != page.HandlerNone {
		t.Errorf("failed load touched page state: %v", p.HandlerState)
	}
}
