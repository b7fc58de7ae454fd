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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pgm/pkg/pgm/ptattrs"
)

// fakeMem is sparse physical memory. Unset entries read as zero; reads at
// or above limit fail.
type fakeMem struct {
	entries map[uint64]uint64
	limit   uint64
}

func newFakeMem() *fakeMem {
	return &fakeMem{entries: make(map[uint64]uint64), limit: 1 << 44}
}

func (m *fakeMem) set(addr, v uint64) *fakeMem {
	m.entries[addr] = v
	return m
}

// withLimit makes reads at or above limit fail.
func (m *fakeMem) withLimit(limit uint64) *fakeMem {
	m.limit = limit
	return m
}

func (m *fakeMem) ReadEntry(addr uint64, size int) (uint64, error) {
	if addr >= m.limit || addr%uint64(size) != 0 {
		return 0, fmt.Errorf("bad read of %d bytes at %#x", size, addr)
	}
	v := m.entries[addr]
	if size == 4 {
		v &= 0xffffffff
	}
	return v, nil
}

const (
	pP  = 1 << 0
	pW  = 1 << 1
	pUS = 1 << 2
	pA  = 1 << 5
	pD  = 1 << 6
	pPS = 1 << 7

	pRWU = pP | pW | pUS
)

var (
	regs32     = Registers{CR0: CR0PE | CR0PG, CR3: 0x1000}
	regs32PSE  = Registers{CR0: CR0PE | CR0PG, CR3: 0x1000, CR4: CR4PSE}
	regsPAE    = Registers{CR0: CR0PE | CR0PG, CR3: 0x1000, CR4: CR4PAE}
	regsPAENX  = Registers{CR0: CR0PE | CR0PG, CR3: 0x1000, CR4: CR4PAE, EFER: EFERNXE}
	regsAMD64  = Registers{CR0: CR0PE | CR0PG, CR3: 0x1000, CR4: CR4PAE, EFER: EFERLME | EFERLMA | EFERNXE}
	amd64Addr  = uint64(1<<39 | 1<<30 | 1<<21 | 1<<12 | 0x123)
	supervisor = Access{}
)

// amd64Tables maps amd64Addr to 0x9123 through 4K tables at 0x1000-0x4000.
func amd64Tables() *fakeMem {
	return newFakeMem().
		set(0x1008, 0x2000|pRWU).
		set(0x2008, 0x3000|pRWU).
		set(0x3008, 0x4000|pRWU).
		set(0x4008, 0x9000|pRWU|pA)
}

func TestModeOf(t *testing.T) {
	for _, tc := range []struct {
		regs Registers
		want Mode
	}{
		{Registers{}, ModeReal},
		{Registers{CR0: CR0PE}, ModeProtected},
		{regs32, Mode32Bit},
		{regsPAE, ModePAE},
		{regsAMD64, ModeAMD64},
	} {
		if got := tc.regs.Mode(); got != tc.want {
			t.Errorf("Mode(%+v) = %v, want %v", tc.regs, got, tc.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	for m := ModeNone; m < numModes; m++ {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", m.String(), got, err, m)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Errorf("ParseMode(bogus) succeeded")
	}
}

func TestDirectModes(t *testing.T) {
	w := &Walker{Mem: newFakeMem()}
	for _, mode := range []Mode{ModeNone, ModeReal, ModeProtected} {
		got := w.Walk(Registers{}, mode, 0xb8000, supervisor)
		if !got.Succeeded || got.PhysAddr != 0xb8000 {
			t.Errorf("Walk(%v) = %v, want identity", mode, got)
		}
	}
}

func TestWalk32NotPresent(t *testing.T) {
	w := &Walker{Mem: newFakeMem()}
	got := w.Walk(regs32, Mode32Bit, 0x00401000, supervisor)
	want := Walk{
		LinearAddr: 0x00401000,
		Level:      LevelPDE,
		NotPresent: true,
		Failed:     FailPageFault,
		Space:      ptattrs.SpaceOrdinary,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk mismatch (-want +got):\n%s", diff)
	}
	if code := got.PFErrorCode(supervisor, false); code != 0 {
		t.Errorf("PFErrorCode = %#x, want 0", code)
	}
}

func TestWalk32(t *testing.T) {
	mem := newFakeMem().
		set(0x1004, 0x2000|pRWU).
		set(0x2004, 0x5000|pRWU|pA|pD)
	w := &Walker{Mem: mem}
	got := w.Walk(regs32, Mode32Bit, 0x00401abc, Access{Write: true, User: true})
	want := Walk{
		LinearAddr: 0x00401abc,
		PhysAddr:   0x5abc,
		Succeeded:  true,
		Effective:  ptattrs.R | ptattrs.W | ptattrs.US | ptattrs.D,
		Space:      ptattrs.SpaceOrdinary,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk mismatch (-want +got):\n%s", diff)
	}
}

func TestWalk32BigPage(t *testing.T) {
	// 4MB page at 0x1_0040_0000 via PSE-36.
	mem := newFakeMem().set(0x1004, 0x00400000|1<<13|pPS|pRWU)
	w := &Walker{Mem: mem}

	got := w.Walk(regs32PSE, Mode32Bit, 0x00412345, supervisor)
	if !got.Succeeded || got.PhysAddr != 0x1_0041_2345 || !got.BigPage || got.GigantPage {
		t.Errorf("PSE walk = %v, want 4MB page at 0x100412345", got)
	}

	// Without PSE the entry is a table pointer.
	got = w.Walk(regs32, Mode32Bit, 0x00412345, supervisor)
	if got.Succeeded || !got.NotPresent || got.Level != LevelPTE {
		t.Errorf("non-PSE walk = %v, want PTE not present", got)
	}

	// Bit 21 is reserved in 4MB entries.
	mem.set(0x1004, 0x00400000|1<<21|pPS|pRWU)
	got = w.Walk(regs32PSE, Mode32Bit, 0x00412345, supervisor)
	if got.Succeeded || !got.RsvdError || got.Level != LevelPDE {
		t.Errorf("reserved walk = %v, want reserved at PDE", got)
	}
	if code := got.PFErrorCode(supervisor, false); code != PFErrRSVD|PFErrP {
		t.Errorf("PFErrorCode = %#x, want %#x", code, PFErrRSVD|PFErrP)
	}
}

func TestWalkPAE(t *testing.T) {
	const addr = 0x40201000
	mem := newFakeMem().
		set(0x1008, 0x2000|pP).
		set(0x2008, 0x3000|pP|pW).
		set(0x3008, 0x7000|pP|1<<63)
	w := &Walker{Mem: mem}
	exec := Access{Execute: true}

	got := w.Walk(regsPAENX, ModePAE, addr, supervisor)
	if !got.Succeeded || got.PhysAddr != 0x7000 {
		t.Errorf("read = %v, want 0x7000", got)
	}
	if !got.Effective.NoExecute() || got.Effective.Write() {
		t.Errorf("read attrs = %v, want NX without W", got.Effective)
	}

	got = w.Walk(regsPAENX, ModePAE, addr, exec)
	if got.Succeeded || got.NotPresent || got.Level != LevelPTE || got.Failed != FailPageFault {
		t.Errorf("exec = %v, want protection fault at PTE", got)
	}
	if code := got.PFErrorCode(exec, true); code != PFErrID|PFErrP {
		t.Errorf("exec PFErrorCode = %#x, want %#x", code, PFErrID|PFErrP)
	}

	// NX is reserved without EFER.NXE.
	got = w.Walk(regsPAE, ModePAE, addr, supervisor)
	if got.Succeeded || !got.RsvdError || got.Level != LevelPTE {
		t.Errorf("no NXE = %v, want reserved at PTE", got)
	}

	// PDPTEs may not set the writable bit.
	mem.set(0x1008, 0x2000|pP|pW)
	got = w.Walk(regsPAENX, ModePAE, addr, supervisor)
	if got.Succeeded || !got.RsvdError || got.Level != LevelPDPE {
		t.Errorf("reserved PDPTE = %v, want reserved at PDPE", got)
	}
}

func TestWalkAMD64(t *testing.T) {
	w := &Walker{Mem: amd64Tables()}
	got := w.Walk(regsAMD64, ModeAMD64, amd64Addr, Access{User: true, Write: true})
	want := Walk{
		LinearAddr: amd64Addr,
		PhysAddr:   0x9123,
		Succeeded:  true,
		Effective:  ptattrs.R | ptattrs.W | ptattrs.US,
		Space:      ptattrs.SpaceOrdinary,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkAMD64LargePages(t *testing.T) {
	for _, tc := range []struct {
		name       string
		addr, val  uint64
		wantPhys   uint64
		big, giant bool
	}{
		{"1G", 0x2008, 0x40000000 | pPS | pRWU, 0x40201123, false, true},
		{"2M", 0x3008, 0x00600000 | pPS | pRWU, 0x00601123, true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := &Walker{Mem: amd64Tables().set(tc.addr, tc.val)}
			got := w.Walk(regsAMD64, ModeAMD64, amd64Addr, supervisor)
			if !got.Succeeded || got.PhysAddr != tc.wantPhys || got.BigPage != tc.big || got.GigantPage != tc.giant {
				t.Errorf("Walk = %v, want %#x big=%t giant=%t", got, tc.wantPhys, tc.big, tc.giant)
			}
		})
	}
}

func TestWalkAMD64Failures(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mem     *fakeMem
		regs    Registers
		width   uint
		addr    uint64
		access  Access
		level   uint8
		notPres bool
		rsvd    bool
		badPhys bool
	}{
		{
			name:    "non-canonical",
			mem:     amd64Tables(),
			regs:    regsAMD64,
			addr:    1 << 47,
			level:   LevelRoot,
			notPres: true,
		},
		{
			name:  "PML4 page size",
			mem:   amd64Tables().set(0x1008, 0x2000|pPS|pRWU),
			regs:  regsAMD64,
			addr:  amd64Addr,
			level: LevelPML4,
			rsvd:  true,
		},
		{
			name:  "2M reserved",
			mem:   amd64Tables().set(0x3008, 0x00600000|1<<13|pPS|pRWU),
			regs:  regsAMD64,
			addr:  amd64Addr,
			level: LevelPDE,
			rsvd:  true,
		},
		{
			name:  "1G reserved",
			mem:   amd64Tables().set(0x2008, 0x40000000|1<<20|pPS|pRWU),
			regs:  regsAMD64,
			addr:  amd64Addr,
			level: LevelPDPE,
			rsvd:  true,
		},
		{
			name:    "page above width",
			mem:     amd64Tables().set(0x4008, 1<<40|pRWU),
			regs:    regsAMD64,
			width:   36,
			addr:    amd64Addr,
			level:   LevelPTE,
			badPhys: true,
		},
		{
			name:    "table above width",
			mem:     amd64Tables().set(0x2008, 1<<40|pRWU),
			regs:    regsAMD64,
			width:   36,
			addr:    amd64Addr,
			level:   LevelPDPE,
			badPhys: true,
		},
		{
			name:    "root above width",
			mem:     amd64Tables(),
			regs:    Registers{CR0: regsAMD64.CR0, CR3: 1 << 40, CR4: regsAMD64.CR4, EFER: regsAMD64.EFER},
			width:   36,
			addr:    amd64Addr,
			level:   LevelRoot,
			badPhys: true,
		},
		{
			name:    "unreadable table",
			mem:     &fakeMem{entries: amd64Tables().set(0x3008, 0x7ff000|pRWU).entries, limit: 0x10000},
			regs:    regsAMD64,
			addr:    amd64Addr,
			level:   LevelPTE,
			badPhys: true,
		},
		{
			name:   "user access to supervisor page",
			mem:    amd64Tables().set(0x4008, 0x9000|pP|pW),
			regs:   regsAMD64,
			addr:   amd64Addr,
			access: Access{User: true},
			level:  LevelPTE,
		},
		{
			name:   "write with WP",
			mem:    amd64Tables().set(0x3008, 0x4000|pP|pUS),
			regs:   Registers{CR0: regsAMD64.CR0 | CR0WP, CR3: 0x1000, CR4: regsAMD64.CR4, EFER: regsAMD64.EFER},
			addr:   amd64Addr,
			access: Access{Write: true},
			level:  LevelPTE,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := &Walker{Mem: tc.mem, MaxPhysAddrWidth: tc.width}
			got := w.Walk(tc.regs, ModeAMD64, tc.addr, tc.access)
			if got.Succeeded || got.Failed != FailPageFault || got.Level != tc.level ||
				got.NotPresent != tc.notPres || got.RsvdError != tc.rsvd || got.BadPhysAddr != tc.badPhys {
				t.Errorf("Walk = %v, want failure at level %d notPresent=%t rsvd=%t badPhys=%t",
					got, tc.level, tc.notPres, tc.rsvd, tc.badPhys)
			}
		})
	}
}

func TestWriteWithoutWP(t *testing.T) {
	w := &Walker{Mem: amd64Tables().set(0x3008, 0x4000|pP|pUS)}
	if got := w.Walk(regsAMD64, ModeAMD64, amd64Addr, Access{Write: true}); !got.Succeeded {
		t.Errorf("supervisor write without CR0.WP = %v, want success", got)
	}
	if got := w.Walk(regsAMD64, ModeAMD64, amd64Addr, Access{Write: true, User: true}); got.Succeeded {
		t.Errorf("user write to read-only page = %v, want failure", got)
	}
}

// TestRestrictionMonotonic checks that clearing W or US at any level never
// turns a failing access into a succeeding one, and that it denies the
// access it controls.
func TestRestrictionMonotonic(t *testing.T) {
	entries := []uint64{0x1008, 0x2008, 0x3008, 0x4008}
	userWrite := Access{User: true, Write: true}
	for _, bit := range []uint64{pW, pUS} {
		for _, addr := range entries {
			mem := amd64Tables()
			mem.set(addr, mem.entries[addr]&^bit)
			w := &Walker{Mem: mem}
			got := w.Walk(regsAMD64, ModeAMD64, amd64Addr, userWrite)
			if got.Succeeded {
				t.Errorf("clearing %#x at %#x: user write = %v, want failure", bit, addr, got)
			}
			if got.Level != LevelPTE {
				t.Errorf("clearing %#x at %#x: level = %d, want permission fault at leaf", bit, addr, got.Level)
			}
		}
	}
}

// TestFailureLevelMonotonic checks that once a walk fails at some level,
// breaking an entry below it does not change the outcome.
func TestFailureLevelMonotonic(t *testing.T) {
	for _, tc := range []struct {
		name       string
		mode       Mode
		regs       Registers
		addr       uint64
		access     Access
		tables     func() *fakeMem
		entries    []uint64
		notPresent uint64
	}{
		{
			name:   "32-bit",
			mode:   Mode32Bit,
			regs:   regs32,
			addr:   0x00401abc,
			access: supervisor,
			tables: func() *fakeMem {
				return newFakeMem().
					set(0x1004, 0x2000|pRWU).
					set(0x2004, 0x5000|pRWU|pA|pD)
			},
			entries:    []uint64{0x1004, 0x2004},
			notPresent: pP,
		},
		{
			name:   "PAE",
			mode:   ModePAE,
			regs:   regsPAENX,
			addr:   0x40201000,
			access: supervisor,
			tables: func() *fakeMem {
				return newFakeMem().
					set(0x1008, 0x2000|pP).
					set(0x2008, 0x3000|pP|pW).
					set(0x3008, 0x7000|pP)
			},
			entries:    []uint64{0x1008, 0x2008, 0x3008},
			notPresent: pP,
		},
		{
			name:       "AMD64",
			mode:       ModeAMD64,
			regs:       regsAMD64,
			addr:       amd64Addr,
			access:     Access{User: true},
			tables:     amd64Tables,
			entries:    []uint64{0x1008, 0x2008, 0x3008, 0x4008},
			notPresent: pP,
		},
		{
			name:   "EPT",
			mode:   ModeEPT,
			regs:   eptRegs,
			addr:   amd64Addr,
			access: supervisor,
			tables: func() *fakeMem {
				return eptTables().set(0x4008, 0x9000|eRWX|eWB)
			},
			entries:    []uint64{0x1008, 0x2008, 0x3008, 0x4008},
			notPresent: eRWX,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := &Walker{Mem: tc.tables()}
			if ok := w.Walk(tc.regs, tc.mode, tc.addr, tc.access); !ok.Succeeded {
				t.Fatalf("intact walk = %v, want success", ok)
			}
			for i, failAt := range tc.entries {
				mem := tc.tables()
				mem.set(failAt, mem.entries[failAt]&^tc.notPresent)
				w := &Walker{Mem: mem}
				base := w.Walk(tc.regs, tc.mode, tc.addr, tc.access)
				if base.Succeeded {
					t.Fatalf("walk with %#x not present = %v, want failure", failAt, base)
				}
				for _, deeper := range tc.entries[i+1:] {
					for _, bad := range []uint64{0, ^uint64(0)} {
						saved := mem.entries[deeper]
						mem.set(deeper, bad)
						got := w.Walk(tc.regs, tc.mode, tc.addr, tc.access)
						mem.set(deeper, saved)
						if got.Succeeded || got.Level > base.Level {
							t.Errorf("%#x not present, %#x = %#x: walk = %v, want failure at level <= %d", failAt, deeper, bad, got, base.Level)
						}
						if diff := cmp.Diff(base, got); diff != "" {
							t.Errorf("%#x not present, %#x = %#x: walk changed (-before +after):\n%s", failAt, deeper, bad, diff)
						}
					}
				}
			}
		})
	}
}

func TestWalkNested(t *testing.T) {
	regs := Registers{SLATMode: ModeNestedAMD64, SLATRoot: 0x1000}
	w := &Walker{Mem: amd64Tables()}
	got := w.Walk(regs, ModeNestedAMD64, amd64Addr, Access{Write: true})
	if !got.Succeeded || got.PhysAddr != 0x9123 || !got.IsSlat || got.NestedPhysAddr != amd64Addr {
		t.Errorf("nested walk = %v, want 0x9123", got)
	}

	// Nested walks are user accesses.
	w.Mem = amd64Tables().set(0x4008, 0x9000|pP|pW)
	got = w.Walk(regs, ModeNestedAMD64, amd64Addr, supervisor)
	if got.Succeeded || got.Failed != FailNestedPageFault || got.Level != LevelPTE {
		t.Errorf("nested supervisor page = %v, want NPF at PTE", got)
	}

	got = w.Walk(regs, ModeNested32Bit, 1<<33, supervisor)
	if got.Succeeded || !got.BadPhysAddr || got.Level != LevelRoot {
		t.Errorf("nested 32-bit above 4G = %v, want bad address at root", got)
	}
}
