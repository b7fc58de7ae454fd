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

package handy

import (
	"bytes"
	"errors"
	"testing"

	"gvisor.dev/pgm/pkg/hostarch"
)

func newTestAllocator(t *testing.T, limit int) *HostAllocator {
	a := NewHostAllocator(limit)
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return a
}

func ids(descs []PageDescriptor) []uint32 {
	var out []uint32
	for _, d := range descs {
		out = append(out, d.PageID)
	}
	return out
}

func TestHandyPagesRecycled(t *testing.T) {
	a := newTestAllocator(t, 0)
	descs, err := a.AllocateHandyPages(4)
	if err != nil {
		t.Fatalf("AllocateHandyPages failed: %v", err)
	}
	if len(descs) != 4 {
		t.Fatalf("got %d pages, want 4", len(descs))
	}
	seen := make(map[uint32]bool)
	for _, d := range descs {
		if !d.Zeroed || d.PageID == 0 || seen[d.PageID] || !hostarch.IsPageAligned(d.HostPhys) {
			t.Errorf("bad fresh page %v", d)
		}
		seen[d.PageID] = true
	}

	mem, err := a.Mapping(descs[0].PageID)
	if err != nil {
		t.Fatalf("Mapping failed: %v", err)
	}
	if len(mem) != hostarch.PageSize {
		t.Fatalf("Mapping has %d bytes, want %d", len(mem), hostarch.PageSize)
	}
	mem[0] = 0xaa

	if err := a.FreePages([]uint32{descs[0].PageID}); err != nil {
		t.Fatalf("FreePages failed: %v", err)
	}
	again, err := a.AllocateHandyPages(1)
	if err != nil {
		t.Fatalf("AllocateHandyPages failed: %v", err)
	}
	if again[0].PageID != descs[0].PageID || again[0].Zeroed {
		t.Errorf("recycled page = %v, want page %d not zeroed", again[0], descs[0].PageID)
	}
	if mem[0] != 0xaa {
		t.Errorf("recycled page was cleared")
	}

	if err := a.ZeroPages(ids(again)); err != nil {
		t.Fatalf("ZeroPages failed: %v", err)
	}
	if mem[0] != 0 {
		t.Errorf("ZeroPages left %#x", mem[0])
	}
	if total, free := a.Mapped(); total != 4 || free != 0 {
		t.Errorf("Mapped = %d, %d, want 4, 0", total, free)
	}
}

func TestFreePagesInvalid(t *testing.T) {
	a := newTestAllocator(t, 0)
	descs, err := a.AllocateHandyPages(2)
	if err != nil {
		t.Fatalf("AllocateHandyPages failed: %v", err)
	}
	for _, bad := range [][]uint32{{0}, {99}, {descs[0].PageID, 99}} {
		if err := a.FreePages(bad); !errors.Is(err, ErrInvalidPage) {
			t.Errorf("FreePages(%v) = %v, want ErrInvalidPage", bad, err)
		}
	}
	if _, free := a.Mapped(); free != 0 {
		t.Errorf("failed FreePages freed %d pages", free)
	}
	if err := a.FreePages(ids(descs)); err != nil {
		t.Fatalf("FreePages failed: %v", err)
	}
	if err := a.FreePages(ids(descs[:1])); !errors.Is(err, ErrInvalidPage) {
		t.Errorf("double FreePages = %v, want ErrInvalidPage", err)
	}
	if _, err := a.Mapping(0); !errors.Is(err, ErrInvalidPage) {
		t.Errorf("Mapping(0) = %v, want ErrInvalidPage", err)
	}
}

func TestHandyPagesLimit(t *testing.T) {
	a := newTestAllocator(t, 4)
	descs, err := a.AllocateHandyPages(3)
	if err != nil {
		t.Fatalf("AllocateHandyPages failed: %v", err)
	}
	if err := a.FreePages(ids(descs[:1])); err != nil {
		t.Fatalf("FreePages failed: %v", err)
	}
	// One recycled page and two new ones would exceed the limit.
	if _, err := a.AllocateHandyPages(3); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("AllocateHandyPages over limit = %v, want ErrNoMemory", err)
	}
	if _, free := a.Mapped(); free != 1 {
		t.Errorf("failed allocation kept recycled page, free = %d", free)
	}
	if _, err := a.AllocateHandyPages(2); err != nil {
		t.Errorf("AllocateHandyPages within limit failed: %v", err)
	}
}

func TestAllocateLargePage(t *testing.T) {
	a := newTestAllocator(t, 0)
	descs, err := a.AllocateLargePage(0x200000)
	if err != nil {
		t.Fatalf("AllocateLargePage failed: %v", err)
	}
	if len(descs) != LargePagePages {
		t.Fatalf("got %d pages, want %d", len(descs), LargePagePages)
	}
	if !hostarch.IsAligned(descs[0].HostPhys, hostarch.BigPageSize) {
		t.Errorf("large page at %#x is not 2MB aligned", descs[0].HostPhys)
	}
	for i, d := range descs {
		if d.HostPhys != descs[0].HostPhys+uint64(i)*hostarch.PageSize {
			t.Fatalf("page %d at %#x is not contiguous", i, d.HostPhys)
		}
	}
	last, err := a.Mapping(descs[LargePagePages-1].PageID)
	if err != nil {
		t.Fatalf("Mapping failed: %v", err)
	}
	if !bytes.Equal(last, make([]byte, hostarch.PageSize)) {
		t.Errorf("fresh large page is not zero")
	}
}
