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

package page

import (
	"fmt"

	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/state/wire"
)

// Range record fields. Per-page values are stored as parallel packed
// arrays. Host addresses and page IDs are not saved; backing is rebuilt on
// load.
var (
	fieldStart       = wire.Field{Num: 1, Since: 1}
	fieldSize        = wire.Field{Num: 2, Since: 1}
	fieldDescription = wire.Field{Num: 3, Since: 1}
	fieldTypes       = wire.Field{Num: 4, Since: 1}
	fieldStates      = wire.Field{Num: 5, Since: 1}
	fieldHandlers    = wire.Field{Num: 6, Since: 1}
	fieldNotInHM     = wire.Field{Num: 7, Since: 1}
	fieldPDETypes    = wire.Field{Num: 8, Since: 2}
)

// Save writes r as a record.
func (r *RamRange) Save(w *wire.RecordWriter) {
	n := len(r.Pages)
	types := make([]uint64, n)
	states := make([]uint64, n)
	handlers := make([]uint64, n)
	notInHM := make([]uint64, n)
	pdeTypes := make([]uint64, n)
	for i := range r.Pages {
		p := &r.Pages[i]
		types[i] = uint64(p.Type)
		states[i] = uint64(p.State)
		handlers[i] = uint64(p.HandlerState)
		if p.NotInHM {
			notInHM[i] = 1
		}
		pdeTypes[i] = uint64(p.PDEType)
	}
	w.Uint64(fieldStart, r.Start)
	w.Uint64(fieldSize, r.Size())
	w.String(fieldDescription, r.Description)
	w.Uint64s(fieldTypes, types)
	w.Uint64s(fieldStates, states)
	w.Uint64s(fieldHandlers, handlers)
	w.Uint64s(fieldNotInHM, notInHM)
	w.Uint64s(fieldPDETypes, pdeTypes)
}

// LoadRange reads a range written by Save. Fields missing from older
// streams take their zero values.
func LoadRange(rec *wire.RecordReader) (*RamRange, error) {
	start, size := rec.Uint64(fieldStart), rec.Uint64(fieldSize)
	if size == 0 || !hostarch.IsPageAligned(start) || !hostarch.IsPageAligned(size) || start+size-1 < start {
		return nil, fmt.Errorf("%w: start %#x size %#x", ErrInvalidRange, start, size)
	}
	n := size >> hostarch.PageShift

	columns := make([][]uint64, 0, 5)
	for _, f := range []wire.Field{fieldTypes, fieldStates, fieldHandlers, fieldNotInHM, fieldPDETypes} {
		vs, err := rec.Uint64s(f)
		if err != nil {
			return nil, err
		}
		if vs != nil && uint64(len(vs)) != n {
			return nil, fmt.Errorf("%w: field %d has %d pages, want %d", ErrInvalidRange, f.Num, len(vs), n)
		}
		columns = append(columns, vs)
	}
	get := func(col, i int) uint64 {
		if columns[col] == nil {
			return 0
		}
		return columns[col][i]
	}

	r := &RamRange{
		Start:       start,
		Last:        start + size - 1,
		Description: rec.String(fieldDescription),
		Pages:       make([]Page, n),
	}
	for i := range r.Pages {
		p := &r.Pages[i]
		p.Type = Type(get(0, i))
		p.State = State(get(1, i))
		p.HandlerState = HandlerState(get(2, i))
		p.NotInHM = get(3, i) != 0
		p.PDEType = PDEType(get(4, i))
		if p.Type == TypeInvalid || p.Type >= numTypes || p.HandlerState > HandlerAll || p.State > StateBallooned {
			return nil, fmt.Errorf("%w: page %#x has invalid state %v", ErrInvalidRange, r.PageAddr(i), *p)
		}
	}
	return r, nil
}
