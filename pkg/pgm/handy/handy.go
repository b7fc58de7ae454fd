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

// Package handy implements the boundary between the PGM and the host
// memory allocator: pools of pre-allocated "handy" pages that the fault
// path consumes without blocking, and large page allocation with its rate
// limiting.
package handy

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMemory is returned when the host cannot supply more pages.
	ErrNoMemory = errors.New("host out of memory")

	// ErrInvalidPage is returned for unknown page IDs.
	ErrInvalidPage = errors.New("invalid page ID")

	// ErrTryAgain is returned while large page allocation is backing off.
	ErrTryAgain = errors.New("large page allocation backing off")

	// ErrLargePagesDisabled is returned once large pages have been turned
	// off for the VM.
	ErrLargePagesDisabled = errors.New("large pages disabled")
)

// LargePagePages is the number of small pages in a large page.
const LargePagePages = 512

// PageDescriptor describes one host page handed to the PGM.
type PageDescriptor struct {
	// PageID names the page in later calls to the allocator.
	PageID uint32

	// HostPhys is the host address of the page.
	HostPhys uint64

	// Zeroed is set if the page is known to contain only zeroes.
	Zeroed bool
}

func (d PageDescriptor) String() string {
	return fmt.Sprintf("page %d at %#x (zeroed %t)", d.PageID, d.HostPhys, d.Zeroed)
}

// Allocator supplies host pages. Implementations must be safe for
// concurrent use.
type Allocator interface {
	// AllocateHandyPages returns count pages. It either returns all of
	// them or none.
	AllocateHandyPages(count int) ([]PageDescriptor, error)

	// AllocateLargePage returns the LargePagePages contiguous pages
	// backing the large page containing gpa, in address order.
	AllocateLargePage(gpa uint64) ([]PageDescriptor, error)

	// FreePages returns pages to the allocator.
	FreePages(ids []uint32) error

	// Mapping returns the host memory of a page.
	Mapping(id uint32) ([]byte, error)
}

// Zeroer is implemented by allocators that can zero pages in bulk. Callers
// fall back to clearing each Mapping otherwise.
type Zeroer interface {
	// ZeroPages zeroes the given pages.
	ZeroPages(ids []uint32) error
}
