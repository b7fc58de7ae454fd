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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pgm/pkg/pgm/handler"
	"gvisor.dev/pgm/pkg/pgm/page"
)

func TestReadUnbacked(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	for _, tc := range []struct {
		name string
		addr uint64
		want byte
	}{
		{"zero page", ramBase + 0x5000, 0},
		{"rom", romBase, 0},
		{"mmio", mmioBase + 0x10, 0xff},
		{"unassigned", 0x40000000, 0xff},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := []byte{0x55, 0x55, 0x55, 0x55}
			if err := vm.ReadPhys(tc.addr, buf, handler.OriginDevice); err != nil {
				t.Fatalf("ReadPhys failed: %v", err)
			}
			if want := bytes.Repeat([]byte{tc.want}, 4); !bytes.Equal(buf, want) {
				t.Errorf("ReadPhys = %x, want %x", buf, want)
			}
		})
	}
}

func TestWriteDropped(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	for _, addr := range []uint64{romBase, mmioBase, 0x40000000} {
		if err := vm.WritePhys(addr, []byte{1, 2}, handler.OriginDevice); err != nil {
			t.Errorf("WritePhys(%#x) failed: %v", addr, err)
		}
	}
	if p, _ := vm.PageAt(romBase); p.IsBacked() || p.State != page.StateZero {
		t.Errorf("ROM page after write = %v, want untouched", p)
	}
	if got := vm.m.droppedWrites.Value(); got != 3 {
		t.Errorf("dropped writes = %d, want 3", got)
	}
}

func TestWriteNeedsMemory(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	err := vm.WritePhys(ramBase, []byte{1}, handler.OriginDevice)
	if !errors.Is(err, ErrNeedMemory) {
		t.Fatalf("WritePhys with an empty pool = %v, want ErrNeedMemory", err)
	}
	if !vm.NeedsMoreMemory() {
		t.Errorf("NeedsMoreMemory = false after exhaustion")
	}
	refill(t, vm)
	if vm.NeedsMoreMemory() {
		t.Errorf("NeedsMoreMemory = true after refill")
	}
	if err := vm.WritePhys(ramBase, []byte{1}, handler.OriginDevice); err != nil {
		t.Errorf("WritePhys after refill failed: %v", err)
	}
}

func TestPoolExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.HandyPages = 2
	vm, _ := newTestVM(t, cfg)
	refill(t, vm)
	for i := uint64(0); i < 2; i++ {
		if err := vm.WritePhys(ramBase+i*0x1000, []byte{1}, handler.OriginDevice); err != nil {
			t.Fatalf("WritePhys(page %d) failed: %v", i, err)
		}
	}
	// The write that empties the pool raises the flag.
	if !vm.NeedsMoreMemory() {
		t.Errorf("NeedsMoreMemory = false with an empty pool")
	}
	if err := vm.WritePhys(ramBase+0x2000, []byte{1}, handler.OriginDevice); !errors.Is(err, ErrNeedMemory) {
		t.Errorf("third WritePhys = %v, want ErrNeedMemory", err)
	}
	if got := vm.m.needMemory.Value(); got != 1 {
		t.Errorf("need memory counter = %d, want 1", got)
	}
}

func TestWriteReadBack(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	refill(t, vm)
	// Crosses from the first page into the second.
	addr := uint64(ramBase + 0xffc)
	data := []byte("crossing a page")
	if err := vm.WritePhys(addr, data, handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	got := make([]byte, len(data))
	if err := vm.ReadPhys(addr, got, handler.OriginDevice); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("read back mismatch (-want +got):\n%s", diff)
	}
	for _, a := range []uint64{ramBase, ramBase + 0x1000} {
		p, _ := vm.PageAt(a)
		if p.State != page.StateAllocated || !p.IsBacked() || p.PageID == 0 {
			t.Errorf("page %#x = %+v, want allocated and backed", a, p)
		}
	}
	if got := vm.HandyPages(); got != 6 {
		t.Errorf("HandyPages = %d, want 6", got)
	}
	// The rest of the page reads as zero.
	rest := make([]byte, 16)
	if err := vm.ReadPhys(ramBase+0x1800, rest, handler.OriginDevice); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if !bytes.Equal(rest, make([]byte, 16)) {
		t.Errorf("untouched part of backed page = %x, want zeroes", rest)
	}
}

func TestRecycledHandyPagesAreCleared(t *testing.T) {
	vm, alloc := newTestVM(t, testConfig())
	descs, err := alloc.AllocateHandyPages(1)
	if err != nil {
		t.Fatalf("AllocateHandyPages failed: %v", err)
	}
	mem, err := alloc.Mapping(descs[0].PageID)
	if err != nil {
		t.Fatalf("Mapping failed: %v", err)
	}
	for i := range mem {
		mem[i] = 0xaa
	}
	if err := alloc.FreePages([]uint32{descs[0].PageID}); err != nil {
		t.Fatalf("FreePages failed: %v", err)
	}
	refill(t, vm)
	vm.mu.Lock()
	for _, d := range vm.handy {
		if !d.Zeroed {
			t.Errorf("handy %v is not zeroed after refill", d)
		}
	}
	vm.mu.Unlock()
	if mem[0] != 0 || mem[len(mem)-1] != 0 {
		t.Errorf("recycled page was not zeroed by refill")
	}
	if err := vm.WritePhys(ramBase, []byte{1}, handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	// Every page of the pool is written once; the dirty one must not leak.
	for i := uint64(1); i < 8; i++ {
		if err := vm.WritePhys(ramBase+i*0x1000, []byte{1}, handler.OriginDevice); err != nil {
			t.Fatalf("WritePhys failed: %v", err)
		}
	}
	for i := uint64(0); i < 8; i++ {
		buf := make([]byte, 4)
		if err := vm.ReadPhys(ramBase+i*0x1000+0x100, buf, handler.OriginDevice); err != nil {
			t.Fatalf("ReadPhys failed: %v", err)
		}
		if !bytes.Equal(buf, make([]byte, 4)) {
			t.Errorf("page %d contains %x, want zeroes", i, buf)
		}
	}
}

func TestWriteMonitoredBecomesAllocated(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	refill(t, vm)
	if err := vm.WritePhys(ramBase, []byte{1}, handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	vm.Lock()
	vm.ram.LookupPage(ramBase).State = page.StateWriteMonitored
	vm.Unlock()
	if err := vm.WritePhys(ramBase, []byte{2}, handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	if p, _ := vm.PageAt(ramBase); p.State != page.StateAllocated {
		t.Errorf("page state = %v, want allocated", p.State)
	}
	if got := vm.HandyPages(); got != 7 {
		t.Errorf("HandyPages = %d, want 7", got)
	}
}

func TestSharedPageCopyOnWrite(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	refill(t, vm)
	if err := vm.WritePhys(ramBase, []byte("shared"), handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	vm.Lock()
	p := vm.ram.LookupPage(ramBase)
	p.State = page.StateShared
	sharedID := p.PageID
	vm.Unlock()

	if err := vm.WritePhys(ramBase, []byte("S"), handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	got, _ := vm.PageAt(ramBase)
	if got.State != page.StateAllocated || got.PageID == sharedID {
		t.Errorf("page after copy-on-write = %+v, want a new allocated page", got)
	}
	buf := make([]byte, 6)
	if err := vm.ReadPhys(ramBase, buf, handler.OriginDevice); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if string(buf) != "Shared" {
		t.Errorf("ReadPhys = %q, want %q", buf, "Shared")
	}
}

func TestMMIOHandlerRead(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	type call struct {
		Addr   uint64
		Len    int
		Access handler.AccessKind
		Origin handler.Origin
		User   uint64
	}
	var calls []call
	registerHandler(t, vm, handler.KindMMIO, 0, mmioBase, mmioBase+0xfff, func(addr uint64, host, buf []byte, access handler.AccessKind, origin handler.Origin, user handler.UserContext) (handler.Status, error) {
		calls = append(calls, call{addr, len(buf), access, origin, user.Value()})
		if access == handler.AccessRead {
			binary.LittleEndian.PutUint32(buf, 0x14)
		}
		return handler.StatusSuccess, nil
	})

	buf := make([]byte, 4)
	if err := vm.ReadPhys(mmioBase+0x30, buf, handler.OriginEmulator); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x14 {
		t.Errorf("ReadPhys = %#x, want 0x14", got)
	}
	if err := vm.WritePhys(mmioBase+0x80, []byte{0, 0, 0, 0}, handler.OriginEmulator); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	// Outside the registration, MMIO reads as all ones again.
	if err := vm.ReadPhys(mmioBase+0x1000, buf, handler.OriginEmulator); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0xffffffff {
		t.Errorf("unhandled MMIO read = %#x, want 0xffffffff", got)
	}
	want := []call{
		{mmioBase + 0x30, 4, handler.AccessRead, handler.OriginEmulator, 7},
		{mmioBase + 0x80, 4, handler.AccessWrite, handler.OriginEmulator, 7},
	}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("handler calls mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteHandler(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	refill(t, vm)
	status := handler.StatusSuccess
	writes := 0
	registerHandler(t, vm, handler.KindWrite, 0, ramBase+0x10000, ramBase+0x10fff, func(addr uint64, host, buf []byte, access handler.AccessKind, origin handler.Origin, user handler.UserContext) (handler.Status, error) {
		writes++
		return status, nil
	})

	addr := uint64(ramBase + 0x10010)
	if err := vm.WritePhys(addr, []byte{9}, handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	if p, _ := vm.PageAt(addr); p.IsBacked() {
		t.Errorf("page backed after the handler took the write: %v", p)
	}

	// Reads are not intercepted by write handlers.
	buf := make([]byte, 1)
	if err := vm.ReadPhys(addr, buf, handler.OriginDevice); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if writes != 1 {
		t.Errorf("handler called %d times, want 1", writes)
	}

	status = handler.StatusDoDefault
	if err := vm.WritePhys(addr, []byte{9}, handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	if err := vm.ReadPhys(addr, buf, handler.OriginDevice); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if buf[0] != 9 {
		t.Errorf("ReadPhys after default write = %d, want 9", buf[0])
	}
}

func TestHandlerRetry(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	calls := 0
	registerHandler(t, vm, handler.KindMMIO, 0, mmioBase, mmioBase+0xfff, func(addr uint64, host, buf []byte, access handler.AccessKind, origin handler.Origin, user handler.UserContext) (handler.Status, error) {
		calls++
		if calls < 3 {
			return handler.StatusRetry, nil
		}
		buf[0] = 1
		return handler.StatusSuccess, nil
	})
	buf := make([]byte, 1)
	if err := vm.ReadPhys(mmioBase, buf, handler.OriginDevice); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if calls != 3 || buf[0] != 1 {
		t.Errorf("got %d calls and %d, want 3 calls and 1", calls, buf[0])
	}

	calls = -100
	if err := vm.ReadPhys(mmioBase, buf, handler.OriginDevice); !errors.Is(err, ErrHostAnomaly) {
		t.Errorf("ReadPhys with an endlessly retrying handler = %v, want ErrHostAnomaly", err)
	}
	if calls != -100+maxRetries+1 {
		t.Errorf("handler called %d times, want %d", calls+100, maxRetries+1)
	}
}

func TestHandlerError(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	errDevice := errors.New("device error")
	registerHandler(t, vm, handler.KindMMIO, 0, mmioBase, mmioBase+0xfff, func(uint64, []byte, []byte, handler.AccessKind, handler.Origin, handler.UserContext) (handler.Status, error) {
		return handler.StatusSuccess, errDevice
	})
	if err := vm.ReadPhys(mmioBase, make([]byte, 4), handler.OriginDevice); !errors.Is(err, errDevice) {
		t.Errorf("ReadPhys = %v, want %v", err, errDevice)
	}
}

func TestHandlerCanReenter(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	refill(t, vm)
	registerHandler(t, vm, handler.KindMMIO, 0, mmioBase, mmioBase+0xfff, func(addr uint64, host, buf []byte, access handler.AccessKind, origin handler.Origin, user handler.UserContext) (handler.Status, error) {
		// Without FlagKeepLock the PGM lock is dropped, so the device can
		// touch guest memory.
		return handler.StatusSuccess, vm.ReadPhys(ramBase, buf, handler.OriginDevice)
	})
	if err := vm.WritePhys(ramBase, []byte{0x42}, handler.OriginDevice); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	buf := make([]byte, 1)
	if err := vm.ReadPhys(mmioBase, buf, handler.OriginDevice); err != nil {
		t.Fatalf("ReadPhys failed: %v", err)
	}
	if buf[0] != 0x42 {
		t.Errorf("ReadPhys through the device = %#x, want 0x42", buf[0])
	}
}

func TestReadEntry(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	refill(t, vm)
	entry := make([]byte, 8)
	binary.LittleEndian.PutUint64(entry, 0x8000000000003067)
	if err := vm.WritePhys(ramBase+0x2008, entry, handler.OriginLoader); err != nil {
		t.Fatalf("WritePhys failed: %v", err)
	}
	for _, tc := range []struct {
		addr uint64
		size int
		want uint64
	}{
		{ramBase + 0x2008, 8, 0x8000000000003067},
		{ramBase + 0x2008, 4, 0x3067},
		{ramBase + 0x200c, 4, 0x80000000},
		{ramBase + 0x5000, 8, 0},
	} {
		got, err := vm.ReadEntry(tc.addr, tc.size)
		if err != nil || got != tc.want {
			t.Errorf("ReadEntry(%#x, %d) = %#x, %v, want %#x", tc.addr, tc.size, got, err, tc.want)
		}
	}
	if _, err := vm.ReadEntry(mmioBase, 8); !errors.Is(err, ErrNotRAM) {
		t.Errorf("ReadEntry(mmio) = %v, want ErrNotRAM", err)
	}
	if _, err := vm.ReadEntry(0x40000000, 8); !errors.Is(err, ErrNotRAM) {
		t.Errorf("ReadEntry(unassigned) = %v, want ErrNotRAM", err)
	}
	for _, size := range []int{2, 16} {
		if _, err := vm.ReadEntry(ramBase, size); !errors.Is(err, ErrInvalidAccess) {
			t.Errorf("ReadEntry(size %d) = %v, want ErrInvalidAccess", size, err)
		}
	}
	if _, err := vm.ReadEntry(ramBase+0xffc, 8); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("ReadEntry across a page = %v, want ErrInvalidAccess", err)
	}
}

func TestAccessWraps(t *testing.T) {
	vm, _ := newTestVM(t, testConfig())
	if err := vm.ReadPhys(^uint64(0), make([]byte, 2), handler.OriginDevice); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("ReadPhys wrapping = %v, want ErrInvalidAccess", err)
	}
}
