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
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/sync"
)

// hostPage is a guest-page-sized piece of a mapped chunk.
type hostPage struct {
	mem    []byte
	zeroed bool
	inUse  bool
}

// HostAllocator is an Allocator backed by anonymous host mappings. Freed
// pages are kept mapped and handed out again without being zeroed.
type HostAllocator struct {
	// limit is the maximum number of pages, or 0 for no limit.
	limit int

	mu sync.Mutex

	// +checklocks:mu
	chunks [][]byte

	// pages is indexed by page ID - 1.
	// +checklocks:mu
	pages []hostPage

	// free holds recycled page IDs.
	// +checklocks:mu
	free []uint32
}

// NewHostAllocator returns an allocator that maps at most limit pages, or
// any number if limit is 0.
func NewHostAllocator(limit int) *HostAllocator {
	return &HostAllocator{limit: limit}
}

// mapChunk maps n guest pages, aligned to align bytes.
//
// +checklocks:a.mu
func (a *HostAllocator) mapChunk(n int, align uint64) ([]byte, error) {
	if a.limit > 0 && len(a.pages)+n > a.limit {
		return nil, fmt.Errorf("%w: %d of %d pages mapped", ErrNoMemory, len(a.pages), a.limit)
	}
	size := uint64(n) << hostarch.PageShift
	hostPageSize := uint64(unix.Getpagesize())
	mapLen, _ := hostarch.RoundUp(size, hostPageSize)
	if align > hostPageSize {
		mapLen += align
	}
	m, err := unix.Mmap(-1, 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap of %d bytes: %v", ErrNoMemory, mapLen, err)
	}
	a.chunks = append(a.chunks, m)
	var off uint64
	if align > hostPageSize {
		base := uint64(uintptr(unsafe.Pointer(&m[0])))
		aligned, _ := hostarch.RoundUp(base, align)
		off = aligned - base
	}
	return m[off : off+size : off+size], nil
}

// addPages registers the pages of chunk.
//
// +checklocks:a.mu
func (a *HostAllocator) addPages(chunk []byte) []PageDescriptor {
	descs := make([]PageDescriptor, 0, len(chunk)>>hostarch.PageShift)
	for off := 0; off < len(chunk); off += hostarch.PageSize {
		a.pages = append(a.pages, hostPage{
			mem:    chunk[off : off+hostarch.PageSize : off+hostarch.PageSize],
			zeroed: true,
			inUse:  true,
		})
		descs = append(descs, a.descriptor(uint32(len(a.pages))))
	}
	return descs
}

// +checklocks:a.mu
func (a *HostAllocator) descriptor(id uint32) PageDescriptor {
	p := &a.pages[id-1]
	return PageDescriptor{
		PageID:   id,
		HostPhys: uint64(uintptr(unsafe.Pointer(&p.mem[0]))),
		Zeroed:   p.zeroed,
	}
}

// +checklocks:a.mu
func (a *HostAllocator) page(id uint32) (*hostPage, error) {
	if id == 0 || int(id) > len(a.pages) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPage, id)
	}
	return &a.pages[id-1], nil
}

// AllocateHandyPages implements Allocator.AllocateHandyPages.
func (a *HostAllocator) AllocateHandyPages(count int) ([]PageDescriptor, error) {
	if count <= 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	descs := make([]PageDescriptor, 0, count)
	for len(descs) < count && len(a.free) > 0 {
		id := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.pages[id-1].inUse = true
		descs = append(descs, a.descriptor(id))
	}
	if n := count - len(descs); n > 0 {
		chunk, err := a.mapChunk(n, hostarch.PageSize)
		if err != nil {
			for _, d := range descs {
				a.pages[d.PageID-1].inUse = false
				a.free = append(a.free, d.PageID)
			}
			return nil, err
		}
		descs = append(descs, a.addPages(chunk)...)
	}
	return descs, nil
}

// AllocateLargePage implements Allocator.AllocateLargePage. Large pages are
// always freshly mapped and aligned, and the host is advised to back them
// with a transparent huge page.
func (a *HostAllocator) AllocateLargePage(gpa uint64) ([]PageDescriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	chunk, err := a.mapChunk(LargePagePages, hostarch.BigPageSize)
	if err != nil {
		return nil, err
	}
	// Huge page support is optional.
	_ = unix.Madvise(chunk, unix.MADV_HUGEPAGE)
	return a.addPages(chunk), nil
}

// FreePages implements Allocator.FreePages. It fails without freeing
// anything if any ID is unknown or not allocated.
func (a *HostAllocator) FreePages(ids []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		p, err := a.page(id)
		if err != nil {
			return err
		}
		if !p.inUse {
			return fmt.Errorf("%w: %d is not allocated", ErrInvalidPage, id)
		}
	}
	for _, id := range ids {
		p := &a.pages[id-1]
		p.inUse = false
		p.zeroed = false
		a.free = append(a.free, id)
	}
	return nil
}

// Mapping implements Allocator.Mapping.
func (a *HostAllocator) Mapping(id uint32) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, err := a.page(id)
	if err != nil {
		return nil, err
	}
	return p.mem, nil
}

// ZeroPages zeroes the given pages, spreading the work over the available
// CPUs.
func (a *HostAllocator) ZeroPages(ids []uint32) error {
	a.mu.Lock()
	mems := make([][]byte, 0, len(ids))
	for _, id := range ids {
		p, err := a.page(id)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		mems = append(mems, p.mem)
	}
	a.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, mem := range mems {
		g.Go(func() error {
			clear(mem)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.pages[id-1].zeroed = true
	}
	return nil
}

// Mapped returns the number of pages mapped and the number of those that
// are free.
func (a *HostAllocator) Mapped() (total, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages), len(a.free)
}

// Close unmaps all memory. Mappings returned earlier must not be used
// afterwards.
func (a *HostAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, m := range a.chunks {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.chunks = nil
	a.pages = nil
	a.free = nil
	return firstErr
}
