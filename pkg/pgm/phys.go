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

package pgm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/pgm/handler"
	"gvisor.dev/pgm/pkg/pgm/page"
)

// ErrNotRAM is returned when a paging structure is read from an address
// that is not guest RAM.
var ErrNotRAM = errors.New("address is not guest RAM")

// maxRetries bounds how often a handler may ask for an access to be
// restarted before the access fails.
const maxRetries = 8

// lockedMemory reads paging structures for the VM's walker. Its methods
// require the PGM lock.
type lockedMemory VM

// ReadEntry implements ptwalk.PhysMemory.ReadEntry.
func (m *lockedMemory) ReadEntry(addr uint64, size int) (uint64, error) {
	return (*VM)(m).readEntryLocked(addr, size)
}

// ReadEntry reads a little-endian paging structure entry of 4 or 8 bytes
// from guest RAM. Access handlers are not consulted.
func (vm *VM) ReadEntry(addr uint64, size int) (uint64, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.readEntryLocked(addr, size)
}

// +checklocks:vm.mu
func (vm *VM) readEntryLocked(addr uint64, size int) (uint64, error) {
	if (size != 4 && size != 8) || hostarch.PageOffset(addr)+uint64(size) > hostarch.PageSize {
		return 0, fmt.Errorf("%w: %d byte entry at %#x", ErrInvalidAccess, size, addr)
	}
	p := vm.ram.LookupPage(addr)
	if p == nil || p.Type == page.TypeMMIO {
		return 0, fmt.Errorf("%w: %#x", ErrNotRAM, addr)
	}
	if !p.IsBacked() {
		return 0, nil
	}
	mem, err := vm.mappingLocked(p)
	if err != nil {
		return 0, err
	}
	off := hostarch.PageOffset(addr)
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(mem[off:])), nil
	}
	return binary.LittleEndian.Uint64(mem[off:]), nil
}

// mappingLocked returns the host mapping of a backed page.
//
// +checklocks:vm.mu
func (vm *VM) mappingLocked(p *page.Page) ([]byte, error) {
	mem, err := vm.alloc.Mapping(p.PageID)
	if err != nil || len(mem) < hostarch.PageSize {
		vm.anomalies.Warningf("Backing page %d of %v is unusable: %v", p.PageID, p, err)
		return nil, fmt.Errorf("%w: page %d: %v", ErrHostAnomaly, p.PageID, err)
	}
	return mem[:hostarch.PageSize], nil
}

// ReadPhys reads len(buf) bytes of guest-physical memory at addr, going
// through access handlers.
func (vm *VM) ReadPhys(addr uint64, buf []byte, origin handler.Origin) error {
	return vm.accessPhys(addr, buf, handler.AccessRead, origin)
}

// WritePhys writes buf to guest-physical memory at addr, going through
// access handlers. Writes to zero pages take pages from the handy pool and
// fail with ErrNeedMemory once it is empty; the part of buf before the
// failing page has been written by then.
func (vm *VM) WritePhys(addr uint64, buf []byte, origin handler.Origin) error {
	return vm.accessPhys(addr, buf, handler.AccessWrite, origin)
}

func (vm *VM) accessPhys(addr uint64, buf []byte, access handler.AccessKind, origin handler.Origin) error {
	if len(buf) == 0 {
		return nil
	}
	if addr+uint64(len(buf))-1 < addr {
		return fmt.Errorf("%w: %d bytes at %#x wrap", ErrInvalidAccess, len(buf), addr)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for len(buf) > 0 {
		n := min(uint64(len(buf)), hostarch.PageSize-hostarch.PageOffset(addr))
		if _, err := vm.accessPageLocked(handler.ContextUnprivileged, addr, buf[:n], access, origin); err != nil {
			return err
		}
		addr += n
		buf = buf[n:]
	}
	return nil
}

// interceptsLocked reports whether an access to addr must be offered to
// access handlers first.
//
// +checklocks:vm.mu
func (vm *VM) interceptsLocked(p *page.Page, addr uint64, access handler.AccessKind) bool {
	switch {
	case p == nil:
		return vm.handlers.Lookup(addr) != nil
	case p.HasActiveAllHandlers():
		return true
	default:
		return p.HandlerState == page.HandlerWrite && access == handler.AccessWrite
	}
}

// dispatchLocked offers an access to the handler covering addr. A
// privileged handler that forwards is retried in the unprivileged context.
//
// +checklocks:vm.mu
func (vm *VM) dispatchLocked(ctx handler.Context, addr uint64, host, buf []byte, access handler.AccessKind, origin handler.Origin) (handler.Status, error) {
	vm.m.dispatches.Increment(ctx.String())
	st, err := vm.handlers.Dispatch(ctx, addr, host, buf, access, origin)
	if err == nil && st == handler.StatusForward && ctx == handler.ContextPrivileged {
		vm.m.dispatches.Increment(handler.ContextUnprivileged.String())
		st, err = vm.handlers.Dispatch(handler.ContextUnprivileged, addr, host, buf, access, origin)
	}
	return st, err
}

// accessPageLocked performs an access that does not cross a page. It
// returns StatusSuccess if a handler performed the access, StatusDoDefault
// if a handler deferred to the default access and StatusNotFound if no
// handler was involved.
//
// +checklocks:vm.mu
func (vm *VM) accessPageLocked(ctx handler.Context, addr uint64, buf []byte, access handler.AccessKind, origin handler.Origin) (handler.Status, error) {
	result := handler.StatusNotFound
	for retries := 0; ; retries++ {
		p := vm.ram.LookupPage(addr)
		if !vm.interceptsLocked(p, addr, access) {
			break
		}
		var host []byte
		if p != nil && p.IsBacked() {
			mem, err := vm.mappingLocked(p)
			if err != nil {
				return handler.StatusNotFound, err
			}
			host = mem
		}
		st, err := vm.dispatchLocked(ctx, addr, host, buf, access, origin)
		if err != nil {
			return st, fmt.Errorf("%v of %d bytes at %#x: %w", access, len(buf), addr, err)
		}
		if st == handler.StatusSuccess {
			return st, nil
		}
		if st != handler.StatusRetry {
			if st != handler.StatusNotFound {
				result = handler.StatusDoDefault
			}
			break
		}
		if retries == maxRetries {
			vm.anomalies.Warningf("Handler at %#x asked to retry %v %d times", addr, access, retries+1)
			return st, fmt.Errorf("%w: handler at %#x keeps retrying", ErrHostAnomaly, addr)
		}
	}

	if access == handler.AccessWrite {
		return result, vm.defaultWriteLocked(addr, buf)
	}
	return result, vm.defaultReadLocked(addr, buf)
}

// +checklocks:vm.mu
func (vm *VM) defaultReadLocked(addr uint64, buf []byte) error {
	p := vm.ram.LookupPage(addr)
	switch {
	case p == nil || (p.Type == page.TypeMMIO && !p.IsBacked()):
		for i := range buf {
			buf[i] = 0xff
		}
	case !p.IsBacked():
		clear(buf)
	default:
		mem, err := vm.mappingLocked(p)
		if err != nil {
			return err
		}
		copy(buf, mem[hostarch.PageOffset(addr):])
	}
	return nil
}

// +checklocks:vm.mu
func (vm *VM) defaultWriteLocked(addr uint64, buf []byte) error {
	p := vm.ram.LookupPage(addr)
	switch {
	case p == nil || p.Type == page.TypeMMIO || p.Type == page.TypeROM:
		vm.m.droppedWrites.Increment()
		return nil
	case p.Type.IsMMIOOrAlias():
		// An alias page that lost its backing behaves as plain MMIO.
		if !p.IsBacked() {
			vm.m.droppedWrites.Increment()
			return nil
		}
	case p.State == page.StateZero || p.State == page.StateBallooned || p.State == page.StateShared || !p.IsBacked():
		if err := vm.backPageLocked(p); err != nil {
			return err
		}
	case p.State == page.StateWriteMonitored:
		p.State = page.StateAllocated
	}
	mem, err := vm.mappingLocked(p)
	if err != nil {
		return err
	}
	copy(mem[hostarch.PageOffset(addr):], buf)
	return nil
}

// backPageLocked gives p a private page from the handy pool. Shared pages
// keep their contents; the shared copy stays with its owner.
//
// +checklocks:vm.mu
func (vm *VM) backPageLocked(p *page.Page) error {
	d, err := vm.takeHandyPage()
	if err != nil {
		return err
	}
	mem, err := vm.alloc.Mapping(d.PageID)
	if err != nil || len(mem) < hostarch.PageSize {
		vm.handy = append(vm.handy, d)
		vm.anomalies.Warningf("Handy %v is unusable: %v", d, err)
		return fmt.Errorf("%w: handy %v: %v", ErrHostAnomaly, d, err)
	}
	if p.State == page.StateShared && p.IsBacked() {
		old, err := vm.mappingLocked(p)
		if err != nil {
			vm.handy = append(vm.handy, d)
			return err
		}
		copy(mem, old)
	}
	p.State = page.StateAllocated
	p.HostAddr = uintptr(d.HostPhys)
	p.PageID = d.PageID
	vm.m.pagesBacked.Increment()
	return nil
}
