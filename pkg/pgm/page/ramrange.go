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
	"errors"
	"fmt"
	"sort"

	"gvisor.dev/pgm/pkg/hostarch"
)

var (
	// ErrInvalidRange is returned for empty, unaligned or wrapping ranges.
	ErrInvalidRange = errors.New("invalid guest-physical range")

	// ErrOverlap is returned when adding a range that overlaps another.
	ErrOverlap = errors.New("range overlaps an existing range")
)

// RamRange is a contiguous guest-physical range and the state of its pages.
type RamRange struct {
	// Start and Last are the inclusive bounds of the range.
	Start uint64
	Last  uint64

	Description string

	// Pages holds one entry per page, indexed by page number within the
	// range.
	Pages []Page
}

// NewRange returns a range of size bytes at start whose pages are all of
// type typ and in the zero state.
func NewRange(start, size uint64, typ Type, description string) (*RamRange, error) {
	if size == 0 || !hostarch.IsPageAligned(start) || !hostarch.IsPageAligned(size) {
		return nil, fmt.Errorf("%w: start %#x size %#x", ErrInvalidRange, start, size)
	}
	last := start + size - 1
	if last < start {
		return nil, fmt.Errorf("%w: start %#x size %#x wraps", ErrInvalidRange, start, size)
	}
	if typ == TypeInvalid || typ >= numTypes {
		return nil, fmt.Errorf("%w: type %v", ErrInvalidRange, typ)
	}
	r := &RamRange{
		Start:       start,
		Last:        last,
		Description: description,
		Pages:       make([]Page, size>>hostarch.PageShift),
	}
	for i := range r.Pages {
		r.Pages[i].Type = typ
	}
	return r, nil
}

// Size returns the size of the range in bytes.
func (r *RamRange) Size() uint64 {
	return r.Last - r.Start + 1
}

// Contains reports whether addr lies in r.
func (r *RamRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr <= r.Last
}

// Page returns the page containing addr, which must lie in r.
func (r *RamRange) Page(addr uint64) *Page {
	return &r.Pages[(addr-r.Start)>>hostarch.PageShift]
}

// PageAddr returns the guest-physical address of page i.
func (r *RamRange) PageAddr(i int) uint64 {
	return r.Start + uint64(i)<<hostarch.PageShift
}

func (r *RamRange) String() string {
	return fmt.Sprintf("[%#x-%#x] %s", r.Start, r.Last, r.Description)
}

// Table is the set of RAM ranges of a VM, sorted by address.
type Table struct {
	ranges []*RamRange
}

// Add inserts r.
func (t *Table) Add(r *RamRange) error {
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].Last >= r.Start })
	if i < len(t.ranges) && t.ranges[i].Start <= r.Last {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, r, t.ranges[i])
	}
	t.ranges = append(t.ranges, nil)
	copy(t.ranges[i+1:], t.ranges[i:])
	t.ranges[i] = r
	return nil
}

// Ranges returns the ranges in address order. The slice must not be
// modified.
func (t *Table) Ranges() []*RamRange {
	return t.ranges
}

// Lookup returns the range containing addr, or nil.
func (t *Table) Lookup(addr uint64) *RamRange {
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].Last >= addr })
	if i < len(t.ranges) && t.ranges[i].Start <= addr {
		return t.ranges[i]
	}
	return nil
}

// LookupPage returns the page containing addr, or nil.
func (t *Table) LookupPage(addr uint64) *Page {
	if r := t.Lookup(addr); r != nil {
		return r.Page(addr)
	}
	return nil
}

// Covered reports whether every page of [start, last] lies in some range.
func (t *Table) Covered(start, last uint64) bool {
	for addr := start; ; {
		r := t.Lookup(addr)
		if r == nil {
			return false
		}
		if r.Last >= last {
			return true
		}
		addr = r.Last + 1
	}
}

// ForEachPage calls fn for every page of [start, last] that lies in some
// range, in address order.
func (t *Table) ForEachPage(start, last uint64, fn func(addr uint64, p *Page)) {
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].Last >= start })
	for ; i < len(t.ranges) && t.ranges[i].Start <= last; i++ {
		r := t.ranges[i]
		from, to := max(start, r.Start), min(last, r.Last)
		for addr := hostarch.PageRoundDown(from); addr <= to; addr += hostarch.PageSize {
			fn(addr, r.Page(addr))
			if addr+hostarch.PageSize < addr {
				break
			}
		}
	}
}

// Reset drops all ranges.
func (t *Table) Reset() {
	t.ranges = nil
}
