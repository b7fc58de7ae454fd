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

// Package ptwalk resolves guest addresses through x86 paging structures.
//
// A walk reads guest paging structures through PhysMemory and never writes
// them; accessed and dirty bits are left alone. Malformed guest tables are
// reported in the returned Walk and never cause a panic or an error.
package ptwalk

import (
	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/pgm/ptattrs"
)

// PhysMemory reads paging structure entries.
type PhysMemory interface {
	// ReadEntry reads a little-endian entry of size bytes (4 or 8) at the
	// given physical address.
	ReadEntry(addr uint64, size int) (uint64, error)
}

// maxPhysAddrWidth is the architectural limit on physical address width.
const maxPhysAddrWidth = 52

// Walker walks paging structures. A Walker holds no per-walk state and may
// be used from multiple goroutines concurrently as long as Mem may.
type Walker struct {
	// Mem gives access to paging structures.
	Mem PhysMemory

	// MaxPhysAddrWidth is the host-reported physical address width.
	// Addresses above it are reported as BadPhysAddr. Zero means 52.
	MaxPhysAddrWidth uint

	// EPTExecuteOnly is set if execute-only EPT entries are supported.
	EPTExecuteOnly bool

	// EPTConvertibleVE is set if EPT violations may be converted to
	// virtualization exceptions.
	EPTConvertibleVE bool
}

func (w *Walker) physWidth() uint {
	if w.MaxPhysAddrWidth == 0 || w.MaxPhysAddrWidth > maxPhysAddrWidth {
		return maxPhysAddrWidth
	}
	return w.MaxPhysAddrWidth
}

// badPhys reports whether addr exceeds the physical address width.
func (w *Walker) badPhys(addr uint64) bool {
	return addr&^hostarch.PhysAddrMask(w.physWidth()) != 0
}

// Walk translates addr under the given mode.
//
// For the ordinary paging modes, addr is a linear address walked from
// regs.CR3. If regs.SLATMode is a second level mode, every paging structure
// address and the final guest-physical address are translated through it.
// For the second level modes, addr is a guest-physical address walked from
// regs.SLATRoot.
func (w *Walker) Walk(regs Registers, mode Mode, addr uint64, access Access) Walk {
	switch mode {
	case ModeNone:
		return Walk{LinearAddr: addr, PhysAddr: addr, Succeeded: true}
	case ModeReal, ModeProtected:
		return w.walkDirect(&regs, addr, access)
	case Mode32Bit, ModePAE, ModeAMD64:
		return w.walkGuest(&regs, mode, addr, access)
	case ModeEPT:
		return w.walkEPT(regs.SLATRoot, addr, access)
	case ModeNested32Bit, ModeNestedPAE, ModeNestedAMD64:
		return w.walkNested(mode, regs.SLATRoot, addr, access)
	default:
		return Walk{LinearAddr: addr, Level: LevelRoot, Failed: FailPageFault}
	}
}

// walkDirect handles the modes without guest paging. The address is still
// subject to second level translation.
func (w *Walker) walkDirect(regs *Registers, addr uint64, access Access) Walk {
	gpa := addr & 0xffffffff
	if !regs.SLATMode.IsSLAT() {
		return Walk{LinearAddr: addr, PhysAddr: gpa, Succeeded: true}
	}
	sw := w.translate(regs, gpa, access)
	sw.LinearAddr = addr
	if !sw.Succeeded {
		sw.IsLinearAddrValid = true
	}
	return sw
}

// translate runs the second level translation configured in regs.
func (w *Walker) translate(regs *Registers, gpa uint64, access Access) Walk {
	if regs.SLATMode == ModeEPT {
		return w.walkEPT(regs.SLATRoot, gpa, access)
	}
	return w.walkNested(regs.SLATMode, regs.SLATRoot, gpa, access)
}

// level describes one level of a radix tree.
type level struct {
	num   uint8
	shift uint
	bits  uint
}

func (l level) index(addr uint64) uint64 {
	return (addr >> l.shift) & (1<<l.bits - 1)
}

type formatKind uint8

const (
	kind32 formatKind = iota
	kindPAE
	kindAMD64
)

// format describes one of the ordinary paging structure formats.
type format struct {
	kind      formatKind
	levels    []level
	entrySize int

	// rootMask selects the table address from CR3.
	rootMask uint64

	// tableMask selects a table or 4K page address from an entry.
	tableMask uint64

	// inputMask covers the input address bits translated.
	inputMask uint64
}

var (
	format32 = format{
		kind:      kind32,
		levels:    []level{{LevelPDE, 22, 10}, {LevelPTE, 12, 10}},
		entrySize: 4,
		rootMask:  0xfffff000,
		tableMask: 0xfffff000,
		inputMask: 0xffffffff,
	}
	formatPAE = format{
		kind:      kindPAE,
		levels:    []level{{LevelPDPE, 30, 2}, {LevelPDE, 21, 9}, {LevelPTE, 12, 9}},
		entrySize: 8,
		rootMask:  0xffffffe0,
		tableMask: 0x000ffffffffff000,
		inputMask: 0xffffffff,
	}
	formatAMD64 = format{
		kind:      kindAMD64,
		levels:    []level{{LevelPML4, 39, 9}, {LevelPDPE, 30, 9}, {LevelPDE, 21, 9}, {LevelPTE, 12, 9}},
		entrySize: 8,
		rootMask:  0x000ffffffffff000,
		tableMask: 0x000ffffffffff000,
		inputMask: 1<<48 - 1,
	}
)

// Ordinary entry bits.
const (
	pteP  = 1 << 0
	ptePS = 1 << 7
	pteNX = 1 << 63

	pde32PSEReserved = 1 << 21
	pdpePAEReserved  = 0x1e6 | pteNX
	pde2MReserved    = 0x1fe000
	pdpe1GReserved   = 0x3fffe000
)

// bigAllowed reports whether an entry at level num may map a page.
func (f *format) bigAllowed(num uint8, pse bool) bool {
	switch f.kind {
	case kind32:
		return num == LevelPDE && pse
	case kindPAE:
		return num == LevelPDE
	default:
		return num == LevelPDE || num == LevelPDPE
	}
}

// reserved reports whether a present entry sets reserved bits. Address
// bits above the physical address width are checked separately.
func (f *format) reserved(e uint64, num uint8, big, nxe bool) bool {
	switch f.kind {
	case kind32:
		return big && e&pde32PSEReserved != 0
	case kindPAE:
		if num == LevelPDPE {
			return e&pdpePAEReserved != 0
		}
	case kindAMD64:
		if num == LevelPML4 && e&ptePS != 0 {
			return true
		}
	}
	if !nxe && e&pteNX != 0 {
		return true
	}
	if big {
		switch num {
		case LevelPDE:
			return e&pde2MReserved != 0
		case LevelPDPE:
			return e&pdpe1GReserved != 0
		}
	}
	return false
}

// pageAddr returns the physical address addr maps to through the leaf e.
func (f *format) pageAddr(e uint64, num uint8, big bool, addr uint64) uint64 {
	switch {
	case !big:
		return e&f.tableMask | addr&0xfff
	case f.kind == kind32:
		// PSE-36: bits 20:13 of the entry provide address bits 39:32.
		return e&0xffc00000 | (e>>13&0xff)<<32 | addr&0x3fffff
	case num == LevelPDE:
		return e&0x000fffffffe00000 | addr&0x1fffff
	default:
		return e&0x000fffffc0000000 | addr&0x3fffffff
	}
}

// pagingParams are the knobs of one ordinary format walk.
type pagingParams struct {
	format    *format
	canonical bool
	pse       bool
	nxe       bool
	wp        bool
	access    Access
	fail      FailFlags

	// slat, if set, translates guest-physical addresses. final is set for
	// the translated page itself. A failed translation returns the second
	// level walk.
	slat func(gpa uint64, final bool) (uint64, *Walk)
}

// permitted checks access against the effective attributes of a leaf.
func (p *pagingParams) permitted(eff ptattrs.Attrs) bool {
	if p.access.Write && !eff.Write() && (p.access.User || p.wp) {
		return false
	}
	if p.access.User && !eff.User() {
		return false
	}
	if p.access.Execute && p.nxe && eff.NoExecute() {
		return false
	}
	return true
}

func isCanonical(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 1<<17-1
}

// failAt marks walk as failed at the given level.
func (walk *Walk) failAt(num uint8, flags FailFlags) {
	walk.Succeeded = false
	walk.Level = num
	walk.Failed |= flags
}

// walkOrdinary walks 32-bit, PAE or long mode paging structures from root.
func (w *Walker) walkOrdinary(p *pagingParams, root, addr uint64) Walk {
	walk := Walk{Space: ptattrs.SpaceOrdinary}
	f := p.format
	if p.canonical && !isCanonical(addr) {
		walk.NotPresent = true
		walk.failAt(LevelRoot, p.fail)
		return walk
	}
	addr &= f.inputMask

	table := root & f.rootMask
	if w.badPhys(table) {
		walk.BadPhysAddr = true
		walk.failAt(LevelRoot, p.fail)
		return walk
	}

	allowed := ptattrs.W | ptattrs.US | ptattrs.A
	var nx ptattrs.Attrs
	for _, lvl := range f.levels {
		entryAddr := table + lvl.index(addr)*uint64(f.entrySize)
		if p.slat != nil {
			hpa, failed := p.slat(entryAddr, false)
			if failed != nil {
				return *failed
			}
			entryAddr = hpa
		}
		e, err := w.Mem.ReadEntry(entryAddr, f.entrySize)
		if err != nil {
			walk.BadPhysAddr = true
			walk.failAt(lvl.num, p.fail)
			return walk
		}
		if e&pteP == 0 {
			walk.NotPresent = true
			walk.failAt(lvl.num, p.fail)
			return walk
		}

		big := lvl.num != LevelPTE && e&ptePS != 0 && f.bigAllowed(lvl.num, p.pse)
		if f.reserved(e, lvl.num, big, p.nxe) {
			walk.RsvdError = true
			walk.failAt(lvl.num, p.fail)
			return walk
		}

		var a ptattrs.Attrs
		if big {
			a = ptattrs.FromBigPDE(e)
		} else {
			a = ptattrs.FromOrdinaryPTE(e)
		}
		if f.kind == kindPAE && lvl.num == LevelPDPE {
			// PAE PDPTEs carry no access rights.
			a |= ptattrs.W | ptattrs.US | ptattrs.A
		}
		allowed &= a
		nx |= a & ptattrs.NX
		walk.Effective = ptattrs.R | allowed | nx

		if lvl.num != LevelPTE && !big {
			table = e & f.tableMask
			if w.badPhys(table) {
				walk.BadPhysAddr = true
				walk.failAt(lvl.num, p.fail)
				return walk
			}
			continue
		}

		// Leaf.
		walk.Effective |= a & (ptattrs.PWT | ptattrs.PCD | ptattrs.D | ptattrs.G | ptattrs.PAT)
		walk.BigPage = big && lvl.num == LevelPDE
		walk.GigantPage = big && lvl.num == LevelPDPE
		phys := f.pageAddr(e, lvl.num, big, addr)
		if w.badPhys(phys) {
			walk.BadPhysAddr = true
			walk.failAt(lvl.num, p.fail)
			return walk
		}
		if !p.permitted(walk.Effective) {
			walk.failAt(lvl.num, p.fail)
			return walk
		}
		walk.PhysAddr = phys
		walk.Succeeded = true
		return walk
	}
	panic("unreachable")
}

// walkGuest walks the guest paging structures for a linear address.
func (w *Walker) walkGuest(regs *Registers, mode Mode, addr uint64, access Access) Walk {
	p := pagingParams{
		pse:    regs.CR4&CR4PSE != 0,
		nxe:    regs.EFER&EFERNXE != 0,
		wp:     regs.CR0&CR0WP != 0,
		access: access,
		fail:   FailPageFault,
	}
	switch mode {
	case Mode32Bit:
		p.format = &format32
		p.nxe = false
	case ModePAE:
		p.format = &formatPAE
	default:
		p.format = &formatAMD64
		p.canonical = true
	}

	var final Walk
	if regs.SLATMode.IsSLAT() {
		p.slat = func(gpa uint64, isFinal bool) (uint64, *Walk) {
			acc := Access{}
			if isFinal {
				acc = access
			}
			sw := w.translate(regs, gpa, acc)
			sw.LinearAddr = addr
			if !sw.Succeeded {
				sw.IsLinearAddrValid = isFinal
				return 0, &sw
			}
			final = sw
			return sw.PhysAddr, nil
		}
	}

	walk := w.walkOrdinary(&p, regs.CR3, addr)
	walk.LinearAddr = addr
	if !walk.Succeeded || p.slat == nil {
		return walk
	}

	hpa, failed := p.slat(walk.PhysAddr, true)
	if failed != nil {
		failed.Effective = ptattrs.Combine(walk.Effective, failed.Effective)
		failed.Space = ptattrs.SpaceMixed
		return *failed
	}
	walk.NestedPhysAddr = walk.PhysAddr
	walk.PhysAddr = hpa
	walk.Effective = ptattrs.Combine(walk.Effective, final.Effective)
	walk.Space = ptattrs.SpaceMixed
	return walk
}

// walkNested walks AMD nested page tables for a guest-physical address.
// Nested table walks are user accesses with PSE and NX always enabled.
func (w *Walker) walkNested(mode Mode, ncr3, gpa uint64, access Access) Walk {
	p := pagingParams{
		pse:    true,
		nxe:    true,
		wp:     true,
		access: Access{Write: access.Write, User: true, Execute: access.Execute},
		fail:   FailNestedPageFault,
	}
	switch mode {
	case ModeNested32Bit:
		p.format = &format32
		p.nxe = false
	case ModeNestedPAE:
		p.format = &formatPAE
	default:
		p.format = &formatAMD64
	}

	var walk Walk
	if gpa&^p.format.inputMask != 0 || w.badPhys(gpa) {
		walk = Walk{Space: ptattrs.SpaceOrdinary, BadPhysAddr: true}
		walk.failAt(LevelRoot, p.fail)
	} else {
		walk = w.walkOrdinary(&p, ncr3, gpa)
	}
	walk.IsSlat = true
	walk.NestedPhysAddr = gpa
	return walk
}
