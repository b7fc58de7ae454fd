// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap.
//
// It backs slot allocation in fixed-capacity tables and the dirty-page bitmaps
// filled in when write monitoring is re-armed.
package bitmap

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrNoBits is returned by FirstZero and FirstOne when no such bit exists at
// or after the start position.
var ErrNoBits = errors.New("no matching bit")

// Bitmap implements an efficient fixed-size bitmap.
type Bitmap struct {
	// size is the number of usable bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. Each element holds 64 entries; bits at or
	// above size are always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap able to hold size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// FromWords creates a Bitmap of size bits from its word representation as
// returned by Words. Bits at or above size are dropped.
func FromWords(size uint32, words []uint64) Bitmap {
	b := New(size)
	copy(b.bitBlock, words)
	if rem := size % 64; rem != 0 && len(b.bitBlock) > 0 {
		b.bitBlock[len(b.bitBlock)-1] &= (uint64(1) << rem) - 1
	}
	for _, w := range b.bitBlock {
		b.numOnes += uint32(bits.OnesCount64(w))
	}
	return b
}

// Words returns a copy of the underlying words, least significant bit first.
func (b *Bitmap) Words() []uint64 {
	return append([]uint64(nil), b.bitBlock...)
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Contains reports whether bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit from the range [start, size).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d: %w", start, b.size, ErrNoBits)
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			if r := uint32(bits.TrailingZeros64(^w) + i*64); r < b.size {
				return r, nil
			}
			break
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, ErrNoBits
}

// FirstOne returns the first set bit from the range [start, size).
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d: %w", start, b.size, ErrNoBits)
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] & (^uint64(0) << nbit)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, ErrNoBits
}

// Add sets bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// Clear clears all bits.
func (b *Bitmap) Clear() {
	clear(b.bitBlock)
	b.numOnes = 0
}

// Clone the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	return Bitmap{
		size:     b.size,
		numOnes:  b.numOnes,
		bitBlock: append([]uint64(nil), b.bitBlock...),
	}
}

// ToSlice transform the Bitmap into slice. For example, a bitmap of [0, 1, 0, 1]
// will return the slice [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := 0
	for i := 0; i < len(b.bitBlock); i++ {
		bitBlock := b.bitBlock[i]
		// Iterate through all the numbers held by this bit block.
		for bitBlock != 0 {
			// Extract the lowest set 1 bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, uint32(base+bits.OnesCount64(j-1)))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
