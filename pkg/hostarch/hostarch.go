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

// Package hostarch describes the x86 guest page geometry: page sizes used by
// the paging structures and helpers for rounding addresses to them.
package hostarch

import (
	"golang.org/x/exp/constraints"
)

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// PageOffsetMask masks the offset within a base page.
	PageOffsetMask = PageSize - 1

	// BigPageShift is the binary log of a PAE/long mode 2MB large page.
	BigPageShift = 21

	// BigPageSize is the size of a 2MB large page.
	BigPageSize = 1 << BigPageShift

	// BigPage32Shift is the binary log of a 4MB page in 32-bit paging with
	// PSE enabled.
	BigPage32Shift = 22

	// BigPage32Size is the size of a 4MB 32-bit paging large page.
	BigPage32Size = 1 << BigPage32Shift

	// GiantPageShift is the binary log of a 1GB page.
	GiantPageShift = 30

	// GiantPageSize is the size of a 1GB page.
	GiantPageSize = 1 << GiantPageShift
)

// RoundDown rounds v down to a multiple of size, which must be a power of
// two.
func RoundDown[T constraints.Unsigned](v, size T) T {
	return v &^ (size - 1)
}

// RoundUp rounds v up to a multiple of size, which must be a power of two.
// ok is false if the result overflows.
func RoundUp[T constraints.Unsigned](v, size T) (r T, ok bool) {
	r = RoundDown(v+size-1, size)
	ok = r >= v
	return
}

// IsAligned reports whether v is a multiple of size, which must be a power
// of two.
func IsAligned[T constraints.Unsigned](v, size T) bool {
	return v&(size-1) == 0
}

// Addr is the set of unsigned types wide enough to hold a page size.
type Addr interface {
	~uint32 | ~uint64 | ~uintptr
}

// PageRoundDown rounds v down to the base page size.
func PageRoundDown[T Addr](v T) T {
	return RoundDown(v, T(PageSize))
}

// PageRoundUp rounds v up to the base page size.
func PageRoundUp[T Addr](v T) (T, bool) {
	return RoundUp(v, T(PageSize))
}

// IsPageAligned reports whether v is aligned to the base page size.
func IsPageAligned[T Addr](v T) bool {
	return IsAligned(v, T(PageSize))
}

// PageOffset returns the offset of v within its base page.
func PageOffset[T Addr](v T) T {
	return v & PageOffsetMask
}

// PageIndex returns the base page number containing v.
func PageIndex[T Addr](v T) T {
	return v >> PageShift
}

// PhysAddrMask returns the mask of valid physical address bits for the given
// physical address width.
func PhysAddrMask(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}
