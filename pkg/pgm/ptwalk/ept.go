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
	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/pgm/ptattrs"
)

// EPT entry and pointer bits.
const (
	eptR        = 1 << 0
	eptW        = 1 << 1
	eptX        = 1 << 2
	eptRWX      = eptR | eptW | eptX
	eptLeaf     = 1 << 7
	eptSVE      = 1 << 63
	eptAddrMask = 0x000ffffffffff000

	eptNonLeafReserved = 0xf8
	ept2MReserved      = 0x1ff000
	ept1GReserved      = 0x3ffff000

	eptpMemTypeMask   = 0x7
	eptpWalkLenShift  = 3
	eptpWalkLenMask   = 0x7 << eptpWalkLenShift
	eptpReservedLow   = 0xf80
	eptpWalkLen4Level = 3

	// eptMaxInput is the first guest-physical address a 4-level EPT
	// hierarchy cannot map.
	eptMaxInput = 1 << 48
)

// eptPerms are the permission attributes ANDed across EPT levels.
const eptPerms = ptattrs.R | ptattrs.W | ptattrs.EPTR | ptattrs.EPTW | ptattrs.EPTXSuper | ptattrs.EPTXUser

// validEPTP reports whether the EPT pointer is usable: a write-back or
// uncacheable memory type, a 4-level walk and clear reserved bits.
func (w *Walker) validEPTP(eptp uint64) bool {
	switch hostarch.MemoryType(eptp & eptpMemTypeMask) {
	case hostarch.MemoryTypeUncached, hostarch.MemoryTypeWriteBack:
	default:
		return false
	}
	if (eptp&eptpWalkLenMask)>>eptpWalkLenShift != eptpWalkLen4Level {
		return false
	}
	return eptp&eptpReservedLow == 0
}

// convertible returns the flag to add to an EPT violation caused by e.
func (w *Walker) convertible(e uint64) FailFlags {
	if w.EPTConvertibleVE && e&eptSVE == 0 {
		return FailEPTViolationConvertible
	}
	return 0
}

// eptMisconfigured reports whether a present entry at level num is an EPT
// misconfiguration, other than through its address.
func (w *Walker) eptMisconfigured(e uint64, num uint8, leaf bool) bool {
	rwx := e & eptRWX
	if rwx&eptW != 0 && rwx&eptR == 0 {
		return true
	}
	if rwx == eptX && !w.EPTExecuteOnly {
		return true
	}
	if !leaf {
		return e&eptNonLeafReserved != 0
	}
	if !hostarch.MemoryType(e >> 3 & 7).Valid() {
		return true
	}
	switch num {
	case LevelPDE:
		return e&ept2MReserved != 0
	case LevelPDPE:
		return e&ept1GReserved != 0
	}
	return false
}

// walkEPT walks the EPT hierarchy rooted at eptp for a guest-physical
// address.
func (w *Walker) walkEPT(eptp, gpa uint64, access Access) Walk {
	walk := Walk{IsSlat: true, NestedPhysAddr: gpa, Space: ptattrs.SpaceEPT}

	table := eptp & eptAddrMask
	if valid, bad := w.validEPTP(eptp), w.badPhys(table); !valid || bad {
		walk.RsvdError = !valid
		walk.BadPhysAddr = bad
		walk.failAt(LevelRoot, FailEPTMisconfig)
		return walk
	}
	if gpa >= eptMaxInput || w.badPhys(gpa) {
		walk.BadPhysAddr = true
		walk.failAt(LevelRoot, FailEPTViolation)
		return walk
	}

	perms := eptPerms
	for _, lvl := range formatAMD64.levels {
		e, err := w.Mem.ReadEntry(table+lvl.index(gpa)*8, 8)
		if err != nil {
			walk.BadPhysAddr = true
			walk.failAt(lvl.num, FailEPTViolation)
			return walk
		}
		if e&eptRWX == 0 {
			walk.NotPresent = true
			walk.failAt(lvl.num, FailEPTViolation|w.convertible(e))
			return walk
		}

		leaf := lvl.num == LevelPTE || (lvl.num != LevelPML4 && e&eptLeaf != 0)
		if w.eptMisconfigured(e, lvl.num, leaf) {
			walk.RsvdError = true
			walk.failAt(lvl.num, FailEPTMisconfig)
			return walk
		}

		a := ptattrs.FromEPTEntry(e)
		perms &= a
		walk.Effective = perms
		if perms&ptattrs.EPTXSuper == 0 {
			walk.Effective |= ptattrs.NX
		}

		if !leaf {
			table = e & eptAddrMask
			if w.badPhys(table) {
				walk.BadPhysAddr = true
				walk.RsvdError = true
				walk.failAt(lvl.num, FailEPTMisconfig)
				return walk
			}
			continue
		}

		walk.Effective |= a &^ (eptPerms | ptattrs.NX)
		var phys uint64
		switch lvl.num {
		case LevelPDPE:
			walk.GigantPage = true
			phys = e&(eptAddrMask&^(hostarch.GiantPageSize-1)) | gpa&(hostarch.GiantPageSize-1)
		case LevelPDE:
			walk.BigPage = true
			phys = e&(eptAddrMask&^(hostarch.BigPageSize-1)) | gpa&(hostarch.BigPageSize-1)
		default:
			phys = e&eptAddrMask | gpa&hostarch.PageOffsetMask
		}
		if w.badPhys(phys) {
			walk.BadPhysAddr = true
			walk.RsvdError = true
			walk.failAt(lvl.num, FailEPTMisconfig)
			return walk
		}

		if (access.Write && perms&ptattrs.EPTW == 0) ||
			(access.Execute && perms&ptattrs.EPTXSuper == 0) ||
			(!access.Write && !access.Execute && perms&ptattrs.EPTR == 0) {
			walk.failAt(lvl.num, FailEPTViolation|w.convertible(e))
			return walk
		}
		walk.PhysAddr = phys
		walk.Succeeded = true
		return walk
	}
	panic("unreachable")
}
