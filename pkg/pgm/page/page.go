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

// Package page holds per-guest-page state and the RAM range table that owns
// it.
//
// Nothing in this package locks. Callers serialize access with the PGM lock.
package page

import (
	"fmt"
	"strings"
)

// Type is what backs a guest page.
type Type uint8

// Page types.
const (
	TypeInvalid Type = iota
	TypeRAM
	TypeMMIO2
	TypeMMIO2AliasMMIO
	TypeSpecialAliasMMIO
	TypeROMShadow
	TypeROM
	TypeMMIO
	numTypes
)

var typeNames = [...]string{
	TypeInvalid:          "invalid",
	TypeRAM:              "ram",
	TypeMMIO2:            "mmio2",
	TypeMMIO2AliasMMIO:   "mmio2-alias",
	TypeSpecialAliasMMIO: "special-alias",
	TypeROMShadow:        "shadow-rom",
	TypeROM:              "rom",
	TypeMMIO:             "mmio",
}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ParseType parses a type name as returned by String. Alias types and
// TypeInvalid cannot be parsed; they only arise at runtime.
func ParseType(s string) (Type, error) {
	switch t := strings.ToLower(s); t {
	case "ram", "mmio", "mmio2", "rom", "shadow-rom":
		for i, name := range typeNames {
			if name == t {
				return Type(i), nil
			}
		}
	}
	return TypeInvalid, fmt.Errorf("unknown page type %q", s)
}

// IsMMIOOrAlias reports whether t is MMIO or RAM aliased over MMIO.
func (t Type) IsMMIOOrAlias() bool {
	return t == TypeMMIO || t == TypeMMIO2AliasMMIO || t == TypeSpecialAliasMMIO
}

// State is the allocation state of a page's backing.
type State uint8

// Page states.
const (
	// StateZero pages are backed by the shared zero page until written.
	StateZero State = iota
	StateAllocated
	StateWriteMonitored
	StateShared
	StateBallooned
)

func (s State) String() string {
	switch s {
	case StateZero:
		return "zero"
	case StateAllocated:
		return "allocated"
	case StateWriteMonitored:
		return "write-monitored"
	case StateShared:
		return "shared"
	case StateBallooned:
		return "ballooned"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// HandlerState summarizes the access handlers covering a page. Values are
// ordered: a higher state intercepts more.
type HandlerState uint8

// Handler states.
const (
	HandlerNone HandlerState = iota

	// HandlerDisabled marks a page inside a handled range whose handler is
	// temporarily off.
	HandlerDisabled

	// HandlerWrite intercepts writes.
	HandlerWrite

	// HandlerAll intercepts all accesses.
	HandlerAll
)

func (h HandlerState) String() string {
	switch h {
	case HandlerNone:
		return "none"
	case HandlerDisabled:
		return "disabled"
	case HandlerWrite:
		return "write"
	case HandlerAll:
		return "all"
	default:
		return fmt.Sprintf("HandlerState(%d)", uint8(h))
	}
}

// PDEType records whether a page is part of a large page mapping.
type PDEType uint8

// PDE types.
const (
	PDEDontCare PDEType = iota
	PDELarge
	PDELargeDisabled
)

// Page is the state of one guest page. Pages are owned by a RamRange.
type Page struct {
	Type         Type
	State        State
	HandlerState HandlerState

	// NotInHM is set when the covering handler is excluded from hardware
	// assisted execution.
	NotInHM bool

	PDEType PDEType

	// HostAddr is the host address backing the page, or 0 while the page
	// is not allocated.
	HostAddr uintptr

	// PageID identifies the backing page with the allocator.
	PageID uint32
}

// HasHandlers reports whether any handler covers the page, active or not.
func (p *Page) HasHandlers() bool {
	return p.HandlerState != HandlerNone
}

// HasActiveHandlers reports whether accesses to the page must be checked
// against the handler registry.
func (p *Page) HasActiveHandlers() bool {
	return p.HandlerState >= HandlerWrite
}

// HasActiveAllHandlers reports whether every access to the page is
// intercepted.
func (p *Page) HasActiveAllHandlers() bool {
	return p.HandlerState == HandlerAll
}

// IsZero reports whether the page is backed by the zero page.
func (p *Page) IsZero() bool {
	return p.State == StateZero
}

// IsBacked reports whether the page has private host memory.
func (p *Page) IsBacked() bool {
	return p.HostAddr != 0
}

// ClearBacking resets the page to the zero state.
func (p *Page) ClearBacking() {
	p.State = StateZero
	p.HostAddr = 0
	p.PageID = 0
}

func (p Page) String() string {
	return fmt.Sprintf("%v/%v handler=%v", p.Type, p.State, p.HandlerState)
}
