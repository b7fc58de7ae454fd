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

	"gvisor.dev/pgm/pkg/pgm/ptattrs"
)

// Walk levels. A failed walk reports the level of the entry that stopped it.
const (
	LevelPTE  = 1
	LevelPDE  = 2
	LevelPDPE = 3
	LevelPML4 = 4

	// LevelRoot is the CR3 equivalent: the root pointer itself or the
	// input address was unusable.
	LevelRoot = 8
)

// FailFlags classifies a failed walk.
type FailFlags uint8

const (
	// FailPageFault is an ordinary guest page fault.
	FailPageFault FailFlags = 1 << iota

	// FailNestedPageFault is a fault in AMD nested page tables.
	FailNestedPageFault

	// FailEPTViolation is an EPT violation.
	FailEPTViolation

	// FailEPTViolationConvertible marks an EPT violation that may be
	// delivered to the guest as a virtualization exception.
	FailEPTViolationConvertible

	// FailEPTMisconfig is an EPT misconfiguration.
	FailEPTMisconfig
)

func (f FailFlags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range []struct {
		f    FailFlags
		name string
	}{
		{FailPageFault, "PF"},
		{FailNestedPageFault, "NPF"},
		{FailEPTViolation, "EPT_VIOLATION"},
		{FailEPTViolationConvertible, "EPT_VIOLATION_CONVERTIBLE"},
		{FailEPTMisconfig, "EPT_MISCONFIG"},
	} {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Walk is the outcome of one translation.
type Walk struct {
	// LinearAddr is the guest linear address being translated, for
	// ordinary paging modes.
	LinearAddr uint64

	// NestedPhysAddr is the guest-physical address given to the second
	// level translation that produced this result.
	NestedPhysAddr uint64

	// PhysAddr is the translated address. Valid only if Succeeded.
	PhysAddr uint64

	Succeeded bool

	// IsSlat is set when the result comes from a second level walk.
	IsSlat bool

	// IsLinearAddrValid is set when a second level walk failed while
	// translating the final guest-physical address of LinearAddr, rather
	// than the address of a paging structure.
	IsLinearAddrValid bool

	// Level is the failing level, or 0.
	Level uint8

	NotPresent  bool
	BadPhysAddr bool
	RsvdError   bool

	// BigPage is set for 2MB and 4MB leaves, GigantPage for 1GB leaves.
	BigPage    bool
	GigantPage bool

	Failed FailFlags

	// Effective holds the attributes accumulated along the walk. On
	// failure it covers the levels walked so far.
	Effective ptattrs.Attrs

	// Space identifies the attribute space of Effective.
	Space ptattrs.Space
}

// Page fault error code bits.
const (
	PFErrP    = 1 << 0
	PFErrW    = 1 << 1
	PFErrUS   = 1 << 2
	PFErrRSVD = 1 << 3
	PFErrID   = 1 << 4
)

// PFErrorCode returns the #PF error code to inject into the guest for a
// failed ordinary walk. nxe reports whether EFER.NXE is set, without which
// instruction fetches are not reported.
func (w *Walk) PFErrorCode(access Access, nxe bool) uint32 {
	var code uint32
	if access.Write {
		code |= PFErrW
	}
	if access.User {
		code |= PFErrUS
	}
	if access.Execute && nxe {
		code |= PFErrID
	}
	if w.RsvdError || w.BadPhysAddr {
		code |= PFErrRSVD | PFErrP
	} else if !w.NotPresent {
		code |= PFErrP
	}
	return code
}

func (w Walk) String() string {
	if w.Succeeded {
		return fmt.Sprintf("ok %#x big=%t giant=%t attrs=%v (%v)", w.PhysAddr, w.BigPage, w.GigantPage, w.Effective, w.Space)
	}
	var why []string
	if w.NotPresent {
		why = append(why, "not-present")
	}
	if w.RsvdError {
		why = append(why, "reserved")
	}
	if w.BadPhysAddr {
		why = append(why, "bad-phys")
	}
	s := fmt.Sprintf("failed level=%d %v [%s] attrs=%v (%v)", w.Level, w.Failed, strings.Join(why, ","), w.Effective, w.Space)
	if w.IsSlat {
		s += fmt.Sprintf(" slat gpa=%#x linear-valid=%t", w.NestedPhysAddr, w.IsLinearAddrValid)
	}
	return s
}
