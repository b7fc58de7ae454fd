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
	"fmt"

	"gvisor.dev/pgm/pkg/pgm/page"
	"gvisor.dev/pgm/pkg/state/wire"
	"gvisor.dev/pgm/pkg/sync"
)

// Handler type record fields. Callbacks are not saved; the restoring VM
// registers its types again and the records verify they match.
var (
	fieldTypeIndex       = wire.Field{Num: 1, Since: 1}
	fieldTypeKind        = wire.Field{Num: 2, Since: 1}
	fieldTypeFlags       = wire.Field{Num: 3, Since: 1}
	fieldTypeDescription = wire.Field{Num: 4, Since: 1}
)

// Registration record fields.
var (
	fieldStart       = wire.Field{Num: 1, Since: 1}
	fieldLast        = wire.Field{Num: 2, Since: 1}
	fieldType        = wire.Field{Num: 3, Since: 1}
	fieldUser        = wire.Field{Num: 4, Since: 1}
	fieldUserIsDev   = wire.Field{Num: 5, Since: 1}
	fieldDescription = wire.Field{Num: 6, Since: 1}
	fieldAliased     = wire.Field{Num: 7, Since: 2}
	fieldTmpOff      = wire.Field{Num: 8, Since: 2}
)

// Save writes one record of the given kind per registered type.
func (t *TypeTable) Save(enc *wire.Encoder, kind uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.unpriv {
		d := &t.unpriv[i]
		err := enc.Encode(kind, func(w *wire.RecordWriter) {
			w.Uint64(fieldTypeIndex, uint64(i))
			w.Uint64(fieldTypeKind, uint64(d.Kind))
			w.Uint64(fieldTypeFlags, uint64(d.Flags))
			w.String(fieldTypeDescription, d.Description)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SavedType is a handler type as recorded by TypeTable.Save.
type SavedType struct {
	Index       int
	Kind        Kind
	Flags       Flags
	Description string
}

// DecodeType decodes a type record.
func DecodeType(rec *wire.RecordReader) SavedType {
	return SavedType{
		Index:       int(min(rec.Uint64(fieldTypeIndex), MaxTypes)),
		Kind:        Kind(rec.Uint64(fieldTypeKind)),
		Flags:       Flags(rec.Uint64(fieldTypeFlags)),
		Description: rec.String(fieldTypeDescription),
	}
}

// VerifyRecord checks that a type record written by Save describes the
// type registered in the same slot of t.
func (t *TypeTable) VerifyRecord(rec *wire.RecordReader) error {
	st := DecodeType(rec)
	t.mu.Lock()
	defer t.mu.Unlock()
	if st.Index >= len(t.unpriv) {
		return fmt.Errorf("%w: saved type %d (%q) is not registered", ErrInvalidHandle, st.Index, st.Description)
	}
	d := &t.unpriv[st.Index]
	if d.Kind != st.Kind || d.Flags&policyFlags != st.Flags&policyFlags {
		return fmt.Errorf("%w: saved type %d (%q) is %v/%v, registered %q is %v/%v", ErrTypeMismatch, st.Index, st.Description, st.Kind, st.Flags, d.Description, d.Kind, d.Flags)
	}
	return nil
}

// SavedRegistration is a registration as recorded by Registry.Save.
type SavedRegistration struct {
	Start       uint64
	Last        uint64
	TypeIndex   int
	User        UserContext
	Description string

	// HasCounters is false for records from streams that predate the
	// counters.
	HasCounters  bool
	AliasedPages uint32
	TmpOffPages  uint32
}

// DecodeRegistration decodes a registration record.
func DecodeRegistration(rec *wire.RecordReader) SavedRegistration {
	sr := SavedRegistration{
		Start:        rec.Uint64(fieldStart),
		Last:         rec.Uint64(fieldLast),
		TypeIndex:    int(min(rec.Uint64(fieldType), MaxTypes)),
		User:         Opaque(rec.Uint64(fieldUser)),
		Description:  rec.String(fieldDescription),
		HasCounters:  rec.Has(fieldAliased) || rec.Has(fieldTmpOff),
		AliasedPages: uint32(rec.Uint64(fieldAliased)),
		TmpOffPages:  uint32(rec.Uint64(fieldTmpOff)),
	}
	if rec.Bool(fieldUserIsDev) {
		sr.User = DeviceInstance(uint32(sr.User.Value()))
	}
	return sr
}

// Save writes one record of the given kind per registration, in address
// order.
func (r *Registry) Save(enc *wire.Encoder, kind uint32) error {
	for _, reg := range r.Registrations() {
		idx, err := r.types.Index(reg.Type)
		if err != nil {
			return err
		}
		err = enc.Encode(kind, func(w *wire.RecordWriter) {
			w.Uint64(fieldStart, reg.Start)
			w.Uint64(fieldLast, reg.Last)
			w.Uint64(fieldType, uint64(idx))
			w.Uint64(fieldUser, reg.User.Value())
			w.Bool(fieldUserIsDev, reg.User.IsDeviceInstance())
			w.String(fieldDescription, reg.Description)
			w.Uint64(fieldAliased, uint64(reg.AliasedPages))
			w.Uint64(fieldTmpOff, uint64(reg.TmpOffPages))
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Load adds a registration from a record written by Save. Page state is
// restored separately and is not touched. Counters missing from older
// streams are recomputed from page state.
func (r *Registry) Load(rec *wire.RecordReader) (*Registration, error) {
	sr := DecodeRegistration(rec)
	if err := checkBounds(sr.Start, sr.Last); err != nil {
		return nil, err
	}
	h, err := r.types.HandleAt(sr.TypeIndex)
	if err != nil {
		return nil, err
	}
	d, err := r.descriptor(h)
	if err != nil {
		return nil, err
	}
	if err := checkUser(&d, sr.User); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Kind != KindMMIO && !r.ram.Covered(sr.Start, sr.Last) {
		return nil, fmt.Errorf("%w: [%#x-%#x]", ErrOutOfRange, sr.Start, sr.Last)
	}
	if other := r.overlapping(sr.Start, sr.Last); other != nil {
		return nil, fmt.Errorf("%w: [%#x-%#x] and %v", ErrOverlap, sr.Start, sr.Last, other)
	}
	reg, err := r.insert(Registration{
		Start:       sr.Start,
		Last:        sr.Last,
		Type:        h,
		User:        sr.User,
		Description: sr.Description,
	})
	if err != nil {
		return nil, err
	}
	r.recount(reg)
	if sr.HasCounters {
		reg.AliasedPages = sr.AliasedPages
		reg.TmpOffPages = sr.TmpOffPages
	}
	return reg, nil
}

// Restore loads recs into a new registry over ram, which carries the
// restored page state, and checks the result against it. r is not
// modified; Adopt installs the returned registry.
func (r *Registry) Restore(ram *page.Table, recs []*wire.RecordReader) (*Registry, error) {
	staged, err := NewRegistry(new(sync.Mutex), ram, r.types, len(r.slots))
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if _, err := staged.Load(rec); err != nil {
			return nil, err
		}
	}
	if err := staged.CheckConsistency(); err != nil {
		return nil, err
	}
	return staged, nil
}

// Adopt replaces the registrations of r with those of staged, which was
// returned by r.Restore. staged must not be used afterwards. Page state is
// not touched: the caller installs the page table staged was built over
// under the same lock hold.
//
// +checklocks:r.mu
func (r *Registry) Adopt(staged *Registry) {
	r.mu.AssertHeld()
	r.slots, r.free, r.tree = staged.slots, staged.free, staged.tree
	r.last = nil
	staged.slots, staged.tree = nil, nil
}
