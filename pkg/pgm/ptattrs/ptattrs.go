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

// Package ptattrs defines the unified page attribute value.
//
// An Attrs holds the attributes of ordinary x86 paging entries and of EPT
// entries in one 64-bit value:
//
//	bit  0      R (always set for ordinary tables)
//	bit  1      W
//	bit  2      US
//	bit  3      PWT
//	bit  4      PCD
//	bit  5      A
//	bit  6      D
//	bit  7      PAT
//	bit  8      G
//	bits 9-12   reserved
//	bits 13-23  EPT entry bits 0-10 (R, W, X, memory type, ignore PAT,
//	            leaf, A, D, user X)
//	bits 24-29  reserved
//	bits 30-36  EPT entry bits 57-63 (verify guest paging, paging write,
//	            reserved, supervisor shadow stack, sub-page write, reserved,
//	            suppress #VE)
//	bits 37-62  reserved
//	bit  63     NX
//
// Reserved bits are always zero.
package ptattrs

import (
	"fmt"
	"strings"

	"gvisor.dev/pgm/pkg/hostarch"
)

// Attrs is a unified set of page attributes.
type Attrs uint64

// Ordinary paging attribute bits.
const (
	R   Attrs = 1 << 0
	W   Attrs = 1 << 1
	US  Attrs = 1 << 2
	PWT Attrs = 1 << 3
	PCD Attrs = 1 << 4
	A   Attrs = 1 << 5
	D   Attrs = 1 << 6
	PAT Attrs = 1 << 7
	G   Attrs = 1 << 8
	NX  Attrs = 1 << 63
)

const (
	// eptLowShift is the offset of EPT entry bits 0-10.
	eptLowShift = 13

	// eptHighShift is the offset subtracted from EPT entry bits 57-63.
	eptHighShift = 27

	eptLowEntryMask  = 0x7ff
	eptHighEntryMask = 0x7f << 57
)

// EPT attribute bits, at their unified positions.
const (
	EPTR          Attrs = 1 << 13
	EPTW          Attrs = 1 << 14
	EPTXSuper     Attrs = 1 << 15
	EPTMemType    Attrs = 7 << 16
	EPTIgnorePAT  Attrs = 1 << 19
	EPTLeaf       Attrs = 1 << 20
	EPTA          Attrs = 1 << 21
	EPTD          Attrs = 1 << 22
	EPTXUser      Attrs = 1 << 23
	EPTVGP        Attrs = 1 << 30
	EPTPW         Attrs = 1 << 31
	EPTSSS        Attrs = 1 << 33
	EPTSPP        Attrs = 1 << 34
	EPTSuppressVE Attrs = 1 << 36

	eptMemTypeShift = 16
)

// Raw entry bits used by the conversions.
const (
	pteP      = 1 << 0
	pteBigPAT = 1 << 12
	pteNX     = 1 << 63

	eptEntryR = 1 << 0
	eptEntryW = 1 << 1
	eptEntryX = 1 << 2
)

// Masks of the meaningful bits.
const (
	// PTRelevantMask covers the ordinary entry bits that are carried into an
	// Attrs unchanged.
	PTRelevantMask = uint64(W | US | PWT | PCD | A | D | PAT | G | NX)

	// EPTEntryRelevantMask covers the EPT entry bits carried into an Attrs.
	EPTEntryRelevantMask = uint64(eptLowEntryMask | 1<<57 | 1<<58 | 1<<60 | 1<<61 | 1<<63)

	// EPTRelevantMask covers the EPT block of an Attrs.
	EPTRelevantMask = EPTR | EPTW | EPTXSuper | EPTMemType | EPTIgnorePAT | EPTLeaf |
		EPTA | EPTD | EPTXUser | EPTVGP | EPTPW | EPTSSS | EPTSPP | EPTSuppressVE

	// ValidMask covers every bit an Attrs may have set.
	ValidMask = R | Attrs(PTRelevantMask) | EPTRelevantMask
)

// FromOrdinaryPTE converts a 32-bit, PAE or long mode paging entry. Ordinary
// entries have no read permission bit; presence implies it, so R is set.
func FromOrdinaryPTE(pte uint64) Attrs {
	return R | Attrs(pte&PTRelevantMask)
}

// FromBigPDE converts a PDE or PDPTE that maps a page directly. Such entries
// keep PAT in bit 12 rather than bit 7, where bit 7 is the page size flag.
func FromBigPDE(pde uint64) Attrs {
	a := FromOrdinaryPTE(pde) &^ PAT
	if pde&pteBigPAT != 0 {
		a |= PAT
	}
	return a
}

// FromEPTEntry converts an EPT paging-structure entry. The EPT read and
// write permissions are mirrored into R and W, and NX is set when the entry
// denies supervisor execution, so that callers may check permissions
// without knowing which kind of table produced the value.
func FromEPTEntry(e uint64) Attrs {
	a := Attrs((e&eptLowEntryMask)<<eptLowShift) | Attrs((e&eptHighEntryMask)>>eptHighShift)
	a &= EPTRelevantMask
	if e&eptEntryR != 0 {
		a |= R
	}
	if e&eptEntryW != 0 {
		a |= W
	}
	if e&eptEntryX == 0 {
		a |= NX
	}
	return a
}

// ToEPTEntry returns the EPT entry bits represented by a.
func (a Attrs) ToEPTEntry() uint64 {
	e := uint64(a & EPTRelevantMask)
	return (e>>eptLowShift)&eptLowEntryMask | (e<<eptHighShift)&eptHighEntryMask
}

// Combine merges two attribute values. The result may mix the ordinary and
// EPT spaces; see Space.
func Combine(a, b Attrs) Attrs {
	return a | b
}

// Read reports whether reads are allowed.
func (a Attrs) Read() bool { return a&R != 0 }

// Write reports whether writes are allowed.
func (a Attrs) Write() bool { return a&W != 0 }

// User reports whether user-mode access is allowed.
func (a Attrs) User() bool { return a&US != 0 }

// NoExecute reports whether instruction fetches are denied.
func (a Attrs) NoExecute() bool { return a&NX != 0 }

// Accessed reports whether the accessed bit is set.
func (a Attrs) Accessed() bool { return a&A != 0 }

// Dirty reports whether the dirty bit is set.
func (a Attrs) Dirty() bool { return a&D != 0 }

// Global reports whether the global bit is set.
func (a Attrs) Global() bool { return a&G != 0 }

// EPTExecute reports whether the EPT supervisor execute permission is set.
func (a Attrs) EPTExecute() bool { return a&EPTXSuper != 0 }

// EPTMemType returns the EPT memory type field.
func (a Attrs) EPTMemType() hostarch.MemoryType {
	return hostarch.MemoryType((a & EPTMemType) >> eptMemTypeShift)
}

// SuppressVE reports whether the EPT suppress-#VE bit is set.
func (a Attrs) SuppressVE() bool { return a&EPTSuppressVE != 0 }

// Reserved returns the reserved bits set in a, which is zero for every value
// produced by this package.
func (a Attrs) Reserved() Attrs {
	return a &^ ValidMask
}

var names = []struct {
	bit  Attrs
	name string
}{
	{R, "R"}, {W, "W"}, {US, "US"}, {PWT, "PWT"}, {PCD, "PCD"}, {A, "A"},
	{D, "D"}, {PAT, "PAT"}, {G, "G"}, {NX, "NX"},
	{EPTR, "EPT.R"}, {EPTW, "EPT.W"}, {EPTXSuper, "EPT.X"}, {EPTIgnorePAT, "EPT.IPAT"},
	{EPTLeaf, "EPT.LEAF"}, {EPTA, "EPT.A"}, {EPTD, "EPT.D"}, {EPTXUser, "EPT.UX"},
	{EPTVGP, "EPT.VGP"}, {EPTPW, "EPT.PW"}, {EPTSSS, "EPT.SSS"}, {EPTSPP, "EPT.SPP"},
	{EPTSuppressVE, "EPT.SVE"},
}

func (a Attrs) String() string {
	var parts []string
	for _, n := range names {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if a&EPTRelevantMask != 0 {
		parts = append(parts, "EPT.MT="+a.EPTMemType().ShortString())
	}
	if r := a.Reserved(); r != 0 {
		parts = append(parts, fmt.Sprintf("reserved=%#x", uint64(r)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Space identifies which attribute space a value was produced in.
type Space uint8

const (
	// SpaceNone marks a value no walk has filled in.
	SpaceNone Space = iota

	// SpaceOrdinary values come from 32-bit, PAE, long mode or nested
	// paging tables; only the ordinary bits are meaningful.
	SpaceOrdinary

	// SpaceEPT values come from EPT tables. Both the EPT block and the
	// mirrored R, W and NX bits are meaningful.
	SpaceEPT

	// SpaceMixed values are the Combine of an ordinary walk and a second
	// level walk. Only bits that mean the same in both spaces may be
	// interpreted precisely.
	SpaceMixed
)

// Merge returns the space of Combine of values in s and o.
func (s Space) Merge(o Space) Space {
	switch {
	case s == SpaceNone:
		return o
	case o == SpaceNone, s == o:
		return s
	default:
		return SpaceMixed
	}
}

func (s Space) String() string {
	switch s {
	case SpaceNone:
		return "none"
	case SpaceOrdinary:
		return "ordinary"
	case SpaceEPT:
		return "ept"
	case SpaceMixed:
		return "mixed"
	default:
		return fmt.Sprintf("Space(%d)", uint8(s))
	}
}
