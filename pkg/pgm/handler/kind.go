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

// Package handler implements physical access handlers: the handler type
// tables, the registry of handled guest-physical ranges and fault dispatch.
package handler

import (
	"errors"
	"fmt"
	"strings"

	"gvisor.dev/pgm/pkg/pgm/page"
)

// Errors returned by type table and registry operations.
var (
	ErrAlreadyInitialized = errors.New("handler type already initialized")
	ErrInvalidHandle      = errors.New("invalid handler type handle")
	ErrOverlap            = errors.New("range overlaps a registered handler")
	ErrOutOfRange         = errors.New("range is not backed by RAM")
	ErrNotFound           = errors.New("no handler registered at address")
	ErrOutOfCapacity      = errors.New("handler table full")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrNotAdjacent        = errors.New("handlers are not adjacent")
	ErrTypeMismatch       = errors.New("handler types differ")
	ErrAccessDenied       = errors.New("operation not supported by handler kind")
)

// Kind is the kind of access a handler intercepts.
type Kind uint8

// Handler kinds. KindInvalid and KindEnd bound the valid values.
const (
	KindInvalid Kind = iota
	KindWrite
	KindAll
	KindMMIO
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindWrite:
		return "write"
	case KindAll:
		return "all"
	case KindMMIO:
		return "mmio"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a live kind.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < KindEnd
}

// State returns the page handler state mirrored onto pages covered by a
// handler of kind k.
func (k Kind) State() page.HandlerState {
	switch k {
	case KindWrite:
		return page.HandlerWrite
	case KindAll, KindMMIO:
		return page.HandlerAll
	default:
		return page.HandlerNone
	}
}

// Flags are handler type policy flags, fixed when the type is registered.
type Flags uint8

const (
	// FlagKeepLock keeps the PGM lock held across the callback. Callbacks
	// of such types must not block.
	FlagKeepLock Flags = 1 << iota

	// FlagDevInstanceIndex marks user contexts of the type as device
	// instance indexes.
	FlagDevInstanceIndex

	// FlagNotInHM excludes pages of the type from hardware assisted
	// execution.
	FlagNotInHM

	// policyFlags are the flags both halves of a type must agree on.
	policyFlags = FlagKeepLock | FlagDevInstanceIndex | FlagNotInHM
)

func (f Flags) String() string {
	var parts []string
	if f&FlagKeepLock != 0 {
		parts = append(parts, "keep-lock")
	}
	if f&FlagDevInstanceIndex != 0 {
		parts = append(parts, "dev-instance")
	}
	if f&FlagNotInHM != 0 {
		parts = append(parts, "not-in-hm")
	}
	if rest := f &^ policyFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Status is the outcome of dispatching an access to a handler.
type Status uint8

const (
	// StatusSuccess means the handler performed the access.
	StatusSuccess Status = iota

	// StatusDoDefault asks the caller to perform the access itself.
	StatusDoDefault

	// StatusForward defers the access to the unprivileged context.
	StatusForward

	// StatusRetry asks the caller to restart the access.
	StatusRetry

	// StatusNotFound means no handler covers the address.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusDoDefault:
		return "do-default"
	case StatusForward:
		return "forward"
	case StatusRetry:
		return "retry"
	case StatusNotFound:
		return "not-found"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// AccessKind is the direction of an intercepted access.
type AccessKind uint8

// Access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (a AccessKind) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// Origin identifies who performed an access.
type Origin uint8

// Access origins.
const (
	OriginEmulator Origin = iota
	OriginHardwareAssist
	OriginDevice
	OriginDebugger
	OriginLoader
)

func (o Origin) String() string {
	switch o {
	case OriginEmulator:
		return "emulator"
	case OriginHardwareAssist:
		return "hm"
	case OriginDevice:
		return "device"
	case OriginDebugger:
		return "debugger"
	case OriginLoader:
		return "loader"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}

// UserContext is the value passed back to a handler's callbacks. It is
// either an opaque value or a device instance index, which the callback's
// owner resolves.
type UserContext struct {
	value    uint64
	devIndex bool
}

// Opaque returns an opaque user context.
func Opaque(v uint64) UserContext {
	return UserContext{value: v}
}

// DeviceInstance returns a user context naming a device instance.
func DeviceInstance(idx uint32) UserContext {
	return UserContext{value: uint64(idx), devIndex: true}
}

// IsDeviceInstance reports whether u names a device instance.
func (u UserContext) IsDeviceInstance() bool {
	return u.devIndex
}

// Value returns the opaque value or device index.
func (u UserContext) Value() uint64 {
	return u.value
}

// DeviceIndex returns the device instance index, if u is one.
func (u UserContext) DeviceIndex() (uint32, bool) {
	return uint32(u.value), u.devIndex
}

func (u UserContext) String() string {
	if u.devIndex {
		return fmt.Sprintf("dev#%d", u.value)
	}
	return fmt.Sprintf("%#x", u.value)
}

// Callback handles an intercepted access of len(buf) bytes at addr. host
// maps the page containing addr, or is nil if the page has no backing. For
// writes, buf holds the data being written; for reads, the callback fills
// it.
type Callback func(addr uint64, host, buf []byte, access AccessKind, origin Origin, user UserContext) (Status, error)

// PFCallback handles a guest page fault on a handled page. errCode is the
// page fault error code, faultAddr the faulting linear address and addr the
// guest-physical address it resolved to.
type PFCallback func(errCode uint32, faultAddr, addr uint64, user UserContext) (Status, error)
