// Copyright 2022 The gVisor Authors.
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

package hostarch

import "fmt"

// MemoryType is an x86 memory type as encoded in EPT entries and MTRRs.
type MemoryType uint8

// The values are architectural; 2, 3 and 7 are reserved.
const (
	// MemoryTypeUncached is strong uncacheable (UC).
	MemoryTypeUncached MemoryType = 0

	// MemoryTypeWriteCombine is write-combining (WC).
	MemoryTypeWriteCombine MemoryType = 1

	// MemoryTypeWriteThrough is write-through (WT).
	MemoryTypeWriteThrough MemoryType = 4

	// MemoryTypeWriteProtect is write-protected (WP).
	MemoryTypeWriteProtect MemoryType = 5

	// MemoryTypeWriteBack is write-back (WB).
	MemoryTypeWriteBack MemoryType = 6
)

// Valid reports whether mt is an architecturally defined memory type.
func (mt MemoryType) Valid() bool {
	switch mt {
	case MemoryTypeUncached, MemoryTypeWriteCombine, MemoryTypeWriteThrough,
		MemoryTypeWriteProtect, MemoryTypeWriteBack:
		return true
	default:
		return false
	}
}

func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeUncached:
		return "Uncached"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeWriteProtect:
		return "WriteProtect"
	case MemoryTypeWriteBack:
		return "WriteBack"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string for mt.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeUncached:
		return "UC"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeWriteProtect:
		return "WP"
	case MemoryTypeWriteBack:
		return "WB"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
