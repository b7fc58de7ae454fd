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
	"gvisor.dev/pgm/pkg/pgm/handler"
	"gvisor.dev/pgm/pkg/pgm/ptwalk"
)

// FaultResult is the outcome of HandleFault.
type FaultResult struct {
	// Walk is the guest translation of the faulting address.
	Walk ptwalk.Walk

	// Status is StatusSuccess if a handler completed the access,
	// StatusRetry if a page fault handler asked for the instruction to be
	// restarted, StatusDoDefault if a handler deferred to the default
	// access and StatusNotFound if no handler was involved.
	Status handler.Status

	// Handled is set when the fault was resolved without injecting a page
	// fault into the guest.
	Handled bool

	// ErrorCode is the #PF error code to inject when the guest walk
	// failed. It is zero when Walk.IsSlat is set: a second level failure
	// is an EPT violation or nested page fault for the host to handle and
	// has no guest error code. Callers check Walk.Failed first.
	ErrorCode uint32
}

func (r FaultResult) String() string {
	if !r.Walk.Succeeded && r.Walk.IsSlat {
		return fmt.Sprintf("second level fault %v: %v", r.Walk.Failed, r.Walk)
	}
	if !r.Handled {
		return fmt.Sprintf("inject #PF(%#x): %v", r.ErrorCode, r.Walk)
	}
	return fmt.Sprintf("%v: %v", r.Status, r.Walk)
}

// HandleFault resolves a guest access to the linear address addr that
// trapped to the host. buf carries the data for writes and receives it for
// reads; the access must not cross a page of the translated address.
//
// A failed guest walk is not an error: the result carries the error code to
// inject, or for a second level failure the walk for the host to act on.
func (vm *VM) HandleFault(regs ptwalk.Registers, addr uint64, access ptwalk.Access, buf []byte) (FaultResult, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	nxe := regs.EFER&ptwalk.EFERNXE != 0
	res := FaultResult{Walk: vm.walker.Walk(regs, regs.Mode(), addr, access)}
	errCode := res.Walk.PFErrorCode(access, nxe)
	if !res.Walk.Succeeded {
		if !res.Walk.IsSlat {
			res.ErrorCode = errCode
		}
		vm.m.faults.Increment("guest")
		return res, nil
	}
	gpa := res.Walk.PhysAddr
	if hostarch.PageOffset(gpa)+uint64(len(buf)) > hostarch.PageSize {
		vm.m.faults.Increment("error")
		return res, fmt.Errorf("%w: %d bytes at %#x cross a page", ErrInvalidAccess, len(buf), gpa)
	}
	kind := handler.AccessRead
	if access.Write {
		kind = handler.AccessWrite
	}

	if vm.interceptsLocked(vm.ram.LookupPage(gpa), gpa, kind) {
		st, err := vm.dispatchPFLocked(errCode, addr, gpa)
		if err != nil {
			vm.m.faults.Increment("error")
			return res, fmt.Errorf("page fault at %#x (%#x): %w", addr, gpa, err)
		}
		if st == handler.StatusSuccess || st == handler.StatusRetry {
			res.Status = st
			res.Handled = true
			vm.m.faults.Increment("handler")
			return res, nil
		}
	}

	st, err := vm.accessPageLocked(handler.ContextPrivileged, gpa, buf, kind, handler.OriginHardwareAssist)
	res.Status = st
	if err != nil {
		vm.m.faults.Increment("error")
		return res, err
	}
	res.Handled = true
	switch st {
	case handler.StatusSuccess:
		vm.m.faults.Increment("handler")
	default:
		vm.m.faults.Increment("default")
	}
	return res, nil
}

// +checklocks:vm.mu
func (vm *VM) dispatchPFLocked(errCode uint32, faultAddr, gpa uint64) (handler.Status, error) {
	st, err := vm.handlers.DispatchPF(handler.ContextPrivileged, errCode, faultAddr, gpa)
	if err == nil && st == handler.StatusForward {
		st, err = vm.handlers.DispatchPF(handler.ContextUnprivileged, errCode, faultAddr, gpa)
	}
	return st, err
}
