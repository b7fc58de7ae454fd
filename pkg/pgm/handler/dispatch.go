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

package handler

// Dispatch calls the handler covering addr in the given context. It
// returns StatusNotFound if no handler covers addr and StatusForward if the
// context has no callback.
//
// Unless the handler's type has FlagKeepLock, the PGM lock is released
// for the duration of the callback and reacquired before returning, so the
// registration may have changed or disappeared by then.
//
// Preconditions: the PGM lock is held.
func (r *Registry) Dispatch(ctx Context, addr uint64, host, buf []byte, access AccessKind, origin Origin) (Status, error) {
	reg := r.Lookup(addr)
	if reg == nil {
		return StatusNotFound, nil
	}
	d, err := r.types.Descriptor(ctx, reg.Type)
	if err != nil {
		return StatusNotFound, err
	}
	if d.Callback == nil {
		return StatusForward, nil
	}
	user := reg.User
	if d.Flags&FlagKeepLock == 0 {
		r.mu.Unlock()
		defer r.mu.Lock()
	}
	return d.Callback(addr, host, buf, access, origin, user)
}

// DispatchPF calls the page fault callback of the handler covering addr.
// Locking is as for Dispatch.
//
// Preconditions: the PGM lock is held.
func (r *Registry) DispatchPF(ctx Context, errCode uint32, faultAddr, addr uint64) (Status, error) {
	reg := r.Lookup(addr)
	if reg == nil {
		return StatusNotFound, nil
	}
	d, err := r.types.Descriptor(ctx, reg.Type)
	if err != nil {
		return StatusNotFound, err
	}
	if d.PFCallback == nil {
		return StatusForward, nil
	}
	user := reg.User
	if d.Flags&FlagKeepLock == 0 {
		r.mu.Unlock()
		defer r.mu.Lock()
	}
	return d.PFCallback(errCode, faultAddr, addr, user)
}
