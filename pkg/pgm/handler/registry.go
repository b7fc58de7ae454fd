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
	"errors"
	"fmt"
	"math"

	"github.com/google/btree"
	"gvisor.dev/pgm/pkg/bitmap"
	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/pgm/page"
	"gvisor.dev/pgm/pkg/sync"
)

// MaxRegistrations is the largest supported registry capacity.
const MaxRegistrations = 1 << 16

// btreeDegree is the degree of the registry's interval index.
const btreeDegree = 8

// Registration is a handled guest-physical range. Start and Last are page
// aligned inclusive bounds.
type Registration struct {
	Start uint64
	Last  uint64

	Type        TypeHandle
	User        UserContext
	Description string

	// Pages is the number of RAM pages the range covers.
	Pages uint32

	// AliasedPages counts pages of an MMIO range currently aliased to RAM.
	AliasedPages uint32

	// TmpOffPages counts pages whose handler is temporarily disabled.
	TmpOffPages uint32

	slot int
}

// Size returns the size of the range in bytes.
func (reg *Registration) Size() uint64 {
	return reg.Last - reg.Start + 1
}

// Contains reports whether addr lies in reg.
func (reg *Registration) Contains(addr uint64) bool {
	return addr >= reg.Start && addr <= reg.Last
}

func (reg *Registration) String() string {
	return fmt.Sprintf("[%#x-%#x] %s", reg.Start, reg.Last, reg.Description)
}

func lessByStart(a, b *Registration) bool {
	return a.Start < b.Start
}

// Registry indexes the access handlers of a VM. Registrations live in a
// fixed slab allocated up front, so registering never allocates.
//
// Editing operations take the PGM lock. Lookup and Dispatch require the
// caller to hold it.
type Registry struct {
	mu    *sync.Mutex
	ram   *page.Table
	types *TypeTable

	// +checklocks:mu
	slots []Registration
	// +checklocks:mu
	free bitmap.Bitmap
	// +checklocks:mu
	tree *btree.BTreeG[*Registration]

	// last caches the most recent Lookup hit.
	// +checklocks:mu
	last *Registration

	// key is the search key used by Lookup.
	// +checklocks:mu
	key Registration
}

// NewRegistry returns an empty registry of the given capacity. mu is the
// PGM lock; it also guards the pages of ram.
func NewRegistry(mu *sync.Mutex, ram *page.Table, types *TypeTable, capacity int) (*Registry, error) {
	if capacity <= 0 || capacity > MaxRegistrations {
		return nil, fmt.Errorf("%w: registry capacity %d, must be in [1, %d]", ErrInvalidParameter, capacity, MaxRegistrations)
	}
	return &Registry{
		mu:    mu,
		ram:   ram,
		types: types,
		slots: make([]Registration, capacity),
		free:  bitmap.New(uint32(capacity)),
		tree:  btree.NewG(btreeDegree, lessByStart),
	}, nil
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

func checkBounds(start, last uint64) error {
	if !hostarch.IsPageAligned(start) || last&hostarch.PageOffsetMask != hostarch.PageOffsetMask || start > last {
		return fmt.Errorf("%w: range [%#x-%#x] is not page granular", ErrInvalidParameter, start, last)
	}
	return nil
}

func checkUser(d *Descriptor, user UserContext) error {
	if (d.Flags&FlagDevInstanceIndex != 0) != user.IsDeviceInstance() {
		return fmt.Errorf("%w: user context %v for type flags %v", ErrInvalidParameter, user, d.Flags)
	}
	return nil
}

// descriptor returns the unprivileged half of h, which carries the kind
// and policy flags of the type.
func (r *Registry) descriptor(h TypeHandle) (Descriptor, error) {
	return r.types.Descriptor(ContextUnprivileged, h)
}

// overlapping returns a registration intersecting [start, last], or nil.
//
// +checklocks:r.mu
func (r *Registry) overlapping(start, last uint64) *Registration {
	var found *Registration
	r.key.Start = last
	r.tree.DescendLessOrEqual(&r.key, func(reg *Registration) bool {
		if reg.Last >= start {
			found = reg
		}
		return false
	})
	return found
}

// get returns the registration starting exactly at start.
//
// +checklocks:r.mu
func (r *Registry) get(start uint64) (*Registration, error) {
	r.key.Start = start
	reg, ok := r.tree.Get(&r.key)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNotFound, start)
	}
	return reg, nil
}

// insert copies reg into a free slot and indexes it.
//
// +checklocks:r.mu
func (r *Registry) insert(reg Registration) (*Registration, error) {
	slot, err := r.free.FirstZero(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %d registrations", ErrOutOfCapacity, len(r.slots))
	}
	r.free.Add(slot)
	reg.slot = int(slot)
	r.slots[slot] = reg
	p := &r.slots[slot]
	r.tree.ReplaceOrInsert(p)
	return p, nil
}

// remove unindexes reg and frees its slot.
//
// +checklocks:r.mu
func (r *Registry) remove(reg *Registration) {
	r.tree.Delete(reg)
	if r.last == reg {
		r.last = nil
	}
	r.free.Remove(uint32(reg.slot))
	r.slots[reg.slot] = Registration{}
}

// recount recomputes the page counters of reg from page state.
//
// +checklocks:r.mu
func (r *Registry) recount(reg *Registration) {
	reg.Pages, reg.AliasedPages, reg.TmpOffPages = 0, 0, 0
	r.ram.ForEachPage(reg.Start, reg.Last, func(_ uint64, p *page.Page) {
		reg.Pages++
		switch {
		case p.Type == page.TypeMMIO2AliasMMIO || p.Type == page.TypeSpecialAliasMMIO:
			reg.AliasedPages++
		case p.HandlerState == page.HandlerDisabled:
			reg.TmpOffPages++
		}
	})
}

// Register registers a handler of type h for [start, last].
func (r *Registry) Register(start, last uint64, h TypeHandle, user UserContext, description string) (*Registration, error) {
	if err := checkBounds(start, last); err != nil {
		return nil, err
	}
	d, err := r.descriptor(h)
	if err != nil {
		return nil, err
	}
	if err := checkUser(&d, user); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Kind != KindMMIO && !r.ram.Covered(start, last) {
		return nil, fmt.Errorf("%w: [%#x-%#x]", ErrOutOfRange, start, last)
	}
	if other := r.overlapping(start, last); other != nil {
		return nil, fmt.Errorf("%w: [%#x-%#x] and %v", ErrOverlap, start, last, other)
	}
	reg, err := r.insert(Registration{
		Start:       start,
		Last:        last,
		Type:        h,
		User:        user,
		Description: description,
	})
	if err != nil {
		return nil, err
	}
	notInHM := d.Flags&FlagNotInHM != 0
	r.ram.ForEachPage(start, last, func(_ uint64, p *page.Page) {
		reg.Pages++
		if p.HandlerState < d.State {
			p.HandlerState = d.State
		}
		p.NotInHM = notInHM
	})
	return reg, nil
}

// Deregister removes the registration starting at start and clears the
// handler state of its pages. Aliased pages revert to MMIO.
func (r *Registry) Deregister(start uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.get(start)
	if err != nil {
		return err
	}
	r.ram.ForEachPage(reg.Start, reg.Last, func(_ uint64, p *page.Page) {
		if p.Type == page.TypeMMIO2AliasMMIO || p.Type == page.TypeSpecialAliasMMIO {
			p.Type = page.TypeMMIO
			p.ClearBacking()
		}
		p.HandlerState = page.HandlerNone
		p.NotInHM = false
	})
	r.remove(reg)
	return nil
}

// Split splits the registration starting at start so that [newStart,
// newLast] becomes a registration of its own with the same type and user
// context. newLast must be the current last address.
func (r *Registry) Split(start, newStart, newLast uint64) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.get(start)
	if err != nil {
		return nil, err
	}
	if !hostarch.IsPageAligned(newStart) || newStart <= reg.Start || newStart > reg.Last || newLast != reg.Last {
		return nil, fmt.Errorf("%w: cannot split %v at [%#x-%#x]", ErrInvalidParameter, reg, newStart, newLast)
	}
	tail, err := r.insert(Registration{
		Start:       newStart,
		Last:        newLast,
		Type:        reg.Type,
		User:        reg.User,
		Description: reg.Description,
	})
	if err != nil {
		return nil, err
	}
	reg.Last = newStart - 1
	r.recount(reg)
	r.recount(tail)
	return tail, nil
}

// Join merges the registration starting at start2 into the one starting at
// start1. The two must be adjacent and of the same type.
func (r *Registry) Join(start1, start2 uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, err := r.get(start1)
	if err != nil {
		return err
	}
	b, err := r.get(start2)
	if err != nil {
		return err
	}
	if a.Last == math.MaxUint64 || a.Last+1 != b.Start {
		return fmt.Errorf("%w: %v and %v", ErrNotAdjacent, a, b)
	}
	if a.Type != b.Type {
		return fmt.Errorf("%w: %v and %v", ErrTypeMismatch, a, b)
	}
	a.Last = b.Last
	a.Pages += b.Pages
	a.AliasedPages += b.AliasedPages
	a.TmpOffPages += b.TmpOffPages
	r.remove(b)
	return nil
}

// handledPage returns the registration starting at start with its
// descriptor, and the page at pageAddr, which must lie in it.
//
// +checklocks:r.mu
func (r *Registry) handledPage(start, pageAddr uint64) (*Registration, Descriptor, *page.Page, error) {
	reg, err := r.get(start)
	if err != nil {
		return nil, Descriptor{}, nil, err
	}
	d, err := r.descriptor(reg.Type)
	if err != nil {
		return nil, Descriptor{}, nil, err
	}
	if !reg.Contains(pageAddr) {
		return nil, Descriptor{}, nil, fmt.Errorf("%w: %#x outside %v", ErrInvalidParameter, pageAddr, reg)
	}
	p := r.ram.LookupPage(pageAddr)
	if p == nil {
		return nil, Descriptor{}, nil, fmt.Errorf("%w: %#x", ErrOutOfRange, pageAddr)
	}
	return reg, d, p, nil
}

// TemporarilyDisablePage turns the handler off for one page until the next
// Reset. Only write and all handlers support this.
func (r *Registry) TemporarilyDisablePage(start, pageAddr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, d, p, err := r.handledPage(start, pageAddr)
	if err != nil {
		return err
	}
	if d.Kind != KindWrite && d.Kind != KindAll {
		return fmt.Errorf("%w: %v handler %v", ErrAccessDenied, d.Kind, reg)
	}
	if p.HandlerState != page.HandlerDisabled {
		p.HandlerState = page.HandlerDisabled
		reg.TmpOffPages++
	}
	return nil
}

// unalias returns an aliased page to the MMIO state of an armed handler.
func unalias(p *page.Page, state page.HandlerState) {
	p.Type = page.TypeMMIO
	p.ClearBacking()
	p.HandlerState = state
}

// AliasPage maps the host page at hostAddr over one page of an MMIO
// handler's range, so guest accesses to it bypass the handler until the
// next Reset. mmio2 selects an MMIO2 alias over a special page alias.
func (r *Registry) AliasPage(start, pageAddr uint64, hostAddr uintptr, pageID uint32, mmio2 bool) error {
	if hostAddr == 0 {
		return fmt.Errorf("%w: nil host address", ErrInvalidParameter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, d, p, err := r.handledPage(start, pageAddr)
	if err != nil {
		return err
	}
	if d.Kind != KindMMIO {
		return fmt.Errorf("%w: %v handler %v", ErrAccessDenied, d.Kind, reg)
	}
	if !p.Type.IsMMIOOrAlias() {
		return fmt.Errorf("%w: page %#x is %v", ErrInvalidParameter, pageAddr, p.Type)
	}
	if p.Type != page.TypeMMIO {
		if p.HostAddr == hostAddr {
			return nil
		}
		unalias(p, d.State)
		reg.AliasedPages--
	}
	p.Type = page.TypeSpecialAliasMMIO
	if mmio2 {
		p.Type = page.TypeMMIO2AliasMMIO
	}
	p.State = page.StateAllocated
	p.HostAddr = hostAddr
	p.PageID = pageID
	p.HandlerState = page.HandlerDisabled
	reg.AliasedPages++
	return nil
}

// Reset re-arms every page of the registration starting at start, undoing
// TemporarilyDisablePage and AliasPage.
func (r *Registry) Reset(start uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.get(start)
	if err != nil {
		return err
	}
	d, err := r.descriptor(reg.Type)
	if err != nil {
		return err
	}
	switch {
	case d.Kind == KindMMIO:
		r.ram.ForEachPage(reg.Start, reg.Last, func(_ uint64, p *page.Page) {
			if p.Type == page.TypeMMIO2AliasMMIO || p.Type == page.TypeSpecialAliasMMIO {
				unalias(p, d.State)
			}
		})
	case reg.TmpOffPages > 0:
		r.ram.ForEachPage(reg.Start, reg.Last, func(_ uint64, p *page.Page) {
			if p.HandlerState == page.HandlerDisabled {
				p.HandlerState = d.State
			}
		})
	}
	reg.AliasedPages, reg.TmpOffPages = 0, 0
	return nil
}

// ResetWithBitmap is Reset for write handlers used for dirty tracking. The
// bit offset+i of dirty is set for every page i of the range that had been
// disabled.
func (r *Registry) ResetWithBitmap(start uint64, dirty *bitmap.Bitmap, offset uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.get(start)
	if err != nil {
		return err
	}
	d, err := r.descriptor(reg.Type)
	if err != nil {
		return err
	}
	if d.Kind != KindWrite {
		return fmt.Errorf("%w: %v handler %v", ErrTypeMismatch, d.Kind, reg)
	}
	n := reg.Size() >> hostarch.PageShift
	if uint64(offset)+n > uint64(dirty.Size()) {
		return fmt.Errorf("%w: bitmap of %d bits cannot hold pages [%d, %d)", ErrInvalidParameter, dirty.Size(), offset, uint64(offset)+n)
	}
	r.ram.ForEachPage(reg.Start, reg.Last, func(addr uint64, p *page.Page) {
		if p.HandlerState == page.HandlerDisabled {
			p.HandlerState = d.State
			dirty.Add(offset + uint32((addr-reg.Start)>>hostarch.PageShift))
		}
	})
	reg.TmpOffPages = 0
	return nil
}

// ChangeUserContext replaces the user context of the registration starting
// at start.
func (r *Registry) ChangeUserContext(start uint64, user UserContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.get(start)
	if err != nil {
		return err
	}
	d, err := r.descriptor(reg.Type)
	if err != nil {
		return err
	}
	if err := checkUser(&d, user); err != nil {
		return err
	}
	reg.User = user
	return nil
}

// Lookup returns the registration containing addr, or nil. The result is
// valid until the PGM lock is released.
//
// +checklocks:r.mu
func (r *Registry) Lookup(addr uint64) *Registration {
	r.mu.AssertHeld()
	if reg := r.last; reg != nil && reg.Contains(addr) {
		return reg
	}
	var found *Registration
	r.key.Start = addr
	r.tree.DescendLessOrEqual(&r.key, func(reg *Registration) bool {
		if reg.Last >= addr {
			found = reg
		}
		return false
	})
	if found != nil {
		r.last = found
	}
	return found
}

// IsRegistered reports whether any handler covers addr.
func (r *Registry) IsRegistered(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Lookup(addr) != nil
}

// IsAll reports whether the handler covering addr intercepts all accesses.
// It is false when no handler covers addr.
func (r *Registry) IsAll(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.Lookup(addr)
	if reg == nil {
		return false
	}
	d, err := r.descriptor(reg.Type)
	return err == nil && d.State == page.HandlerAll
}

// Registrations returns a copy of every registration in address order.
func (r *Registry) Registrations() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := make([]Registration, 0, r.tree.Len())
	r.tree.Ascend(func(reg *Registration) bool {
		regs = append(regs, *reg)
		return true
	})
	return regs
}

// CheckConsistency verifies that registrations are disjoint and that page
// handler state mirrors them.
func (r *Registry) CheckConsistency() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	var prev *Registration
	r.tree.Ascend(func(reg *Registration) bool {
		if reg.Start > reg.Last {
			errs = append(errs, fmt.Errorf("%w: inverted registration %v", ErrInvalidParameter, reg))
			return true
		}
		if prev != nil && prev.Last >= reg.Start {
			errs = append(errs, fmt.Errorf("%w: %v and %v", ErrOverlap, prev, reg))
		}
		prev = reg
		d, err := r.descriptor(reg.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", reg, err))
			return true
		}
		notInHM := d.Flags&FlagNotInHM != 0
		r.ram.ForEachPage(reg.Start, reg.Last, func(addr uint64, p *page.Page) {
			if p.HandlerState != d.State && p.HandlerState != page.HandlerDisabled {
				errs = append(errs, fmt.Errorf("page %#x of %v: handler state %v, want %v", addr, reg, p.HandlerState, d.State))
			}
			if p.NotInHM != notInHM {
				errs = append(errs, fmt.Errorf("page %#x of %v: not-in-hm %t, want %t", addr, reg, p.NotInHM, notInHM))
			}
		})
		return true
	})
	for _, rr := range r.ram.Ranges() {
		for i := range rr.Pages {
			if rr.Pages[i].HasHandlers() && r.Lookup(rr.PageAddr(i)) == nil {
				errs = append(errs, fmt.Errorf("page %#x: handler state %v without a handler", rr.PageAddr(i), rr.Pages[i].HandlerState))
			}
		}
	}
	return errors.Join(errs...)
}
