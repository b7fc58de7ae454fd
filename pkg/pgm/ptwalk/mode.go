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

package ptwalk

import (
	"fmt"
	"strings"
)

// Mode is a paging mode.
type Mode uint8

const (
	// ModeNone disables translation entirely.
	ModeNone Mode = iota

	// ModeReal is real mode; addresses map directly.
	ModeReal

	// ModeProtected is protected mode without paging.
	ModeProtected

	// Mode32Bit is 32-bit paging, with PSE and PSE-36 4MB pages.
	Mode32Bit

	// ModePAE is PAE paging.
	ModePAE

	// ModeAMD64 is 4-level long mode paging.
	ModeAMD64

	// ModeEPT is 4-level Intel extended page tables.
	ModeEPT

	// ModeNested32Bit is AMD nested paging with 32-bit tables.
	ModeNested32Bit

	// ModeNestedPAE is AMD nested paging with PAE tables.
	ModeNestedPAE

	// ModeNestedAMD64 is AMD nested paging with long mode tables.
	ModeNestedAMD64

	numModes
)

var modeNames = [...]string{
	ModeNone:        "none",
	ModeReal:        "real",
	ModeProtected:   "protected",
	Mode32Bit:       "32bit",
	ModePAE:         "pae",
	ModeAMD64:       "amd64",
	ModeEPT:         "ept",
	ModeNested32Bit: "nested-32bit",
	ModeNestedPAE:   "nested-pae",
	ModeNestedAMD64: "nested-amd64",
}

func (m Mode) String() string {
	if m < numModes {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode parses a mode name as returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(m), nil
		}
	}
	return ModeNone, fmt.Errorf("unknown paging mode %q", s)
}

// IsPaging reports whether m walks guest paging structures.
func (m Mode) IsPaging() bool {
	return m == Mode32Bit || m == ModePAE || m == ModeAMD64
}

// IsSLAT reports whether m is a second level translation mode.
func (m Mode) IsSLAT() bool {
	return m == ModeEPT || m == ModeNested32Bit || m == ModeNestedPAE || m == ModeNestedAMD64
}

// Control register bits consulted by the walker.
const (
	CR0PE = 1 << 0
	CR0WP = 1 << 16
	CR0PG = 1 << 31

	CR4PSE = 1 << 4
	CR4PAE = 1 << 5

	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11
)

// ModeOf derives the guest paging mode from control register values.
func ModeOf(cr0, cr4, efer uint64) Mode {
	switch {
	case cr0&CR0PE == 0:
		return ModeReal
	case cr0&CR0PG == 0:
		return ModeProtected
	case cr4&CR4PAE == 0:
		return Mode32Bit
	case efer&EFERLMA != 0:
		return ModeAMD64
	default:
		return ModePAE
	}
}

// Registers is a snapshot of the register state a walk depends on.
type Registers struct {
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64

	// SLATMode is the second level translation in effect, or ModeNone.
	SLATMode Mode

	// SLATRoot is the EPT pointer for ModeEPT, or the nested CR3 for the
	// nested modes.
	SLATRoot uint64
}

// Mode returns the guest paging mode of r.
func (r *Registers) Mode() Mode {
	return ModeOf(r.CR0, r.CR4, r.EFER)
}

// Access describes the access being translated. The zero value is a
// supervisor data read.
type Access struct {
	Write   bool
	User    bool
	Execute bool
}

func (a Access) String() string {
	var b strings.Builder
	if a.User {
		b.WriteString("user ")
	} else {
		b.WriteString("supervisor ")
	}
	switch {
	case a.Execute:
		b.WriteString("execute")
	case a.Write:
		b.WriteString("write")
	default:
		b.WriteString("read")
	}
	return b.String()
}
