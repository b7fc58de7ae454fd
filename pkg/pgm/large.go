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
	"fmt"

	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/pgm/handy"
	"gvisor.dev/pgm/pkg/pgm/page"
)

// AllocateLargePage backs the 2MB block at gpa with one large host page.
// Every page of the block must be RAM in the zero state without access
// handlers; otherwise the block is marked ineligible and ErrNotEligible is
// returned. The large page policy may refuse with handy.ErrTryAgain or
// handy.ErrLargePagesDisabled.
func (vm *VM) AllocateLargePage(gpa uint64) error {
	if !hostarch.IsAligned(gpa, hostarch.BigPageSize) {
		return fmt.Errorf("%w: %#x is not 2MB aligned", ErrNotEligible, gpa)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()

	last := gpa + hostarch.BigPageSize - 1
	r := vm.ram.Lookup(gpa)
	if r == nil || last < gpa || !r.Contains(last) {
		return fmt.Errorf("%w: [%#x-%#x] is not in one RAM range", ErrNotEligible, gpa, last)
	}
	first := r.Page(gpa)
	switch first.PDEType {
	case page.PDELarge:
		return nil
	case page.PDELargeDisabled:
		return fmt.Errorf("%w: %#x was marked ineligible", ErrNotEligible, gpa)
	}
	for i := 0; i < handy.LargePagePages; i++ {
		addr := gpa + uint64(i)*hostarch.PageSize
		p := r.Page(addr)
		if p.Type != page.TypeRAM || p.State != page.StateZero || p.IsBacked() || p.PDEType != page.PDEDontCare || p.HasHandlers() {
			first.PDEType = page.PDELargeDisabled
			vm.logger.Debugf("Large page at %#x disabled by %v at %#x", gpa, p, addr)
			return fmt.Errorf("%w: page %#x is %v", ErrNotEligible, addr, p)
		}
	}

	var descs []handy.PageDescriptor
	err := vm.largePages.Do(func() error {
		var err error
		descs, err = vm.alloc.AllocateLargePage(gpa)
		return err
	})
	if err != nil {
		return err
	}
	if len(descs) != handy.LargePagePages {
		vm.freeDescriptors(descs)
		return fmt.Errorf("%w: large page at %#x has %d pages", ErrHostAnomaly, gpa, len(descs))
	}
	for _, d := range descs {
		if mem, err := vm.alloc.Mapping(d.PageID); err != nil || len(mem) < hostarch.PageSize {
			vm.freeDescriptors(descs)
			return fmt.Errorf("%w: large page at %#x: %v is unusable: %v", ErrHostAnomaly, gpa, d, err)
		}
	}
	if err := vm.zeroPages(descs); err != nil {
		vm.freeDescriptors(descs)
		return fmt.Errorf("%w: zeroing large page at %#x: %v", ErrHostAnomaly, gpa, err)
	}

	// Every page is usable; commit the block.
	for i, d := range descs {
		p := r.Page(gpa + uint64(i)*hostarch.PageSize)
		p.State = page.StateAllocated
		p.HostAddr = uintptr(d.HostPhys)
		p.PageID = d.PageID
		p.PDEType = page.PDELarge
	}
	vm.m.largePages.Increment()
	return nil
}
