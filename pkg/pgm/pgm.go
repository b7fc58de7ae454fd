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

// Package pgm ties the page manager together for one VM: the guest
// physical address space, the access handler registry, the page table
// walker and the handy page pool used to back guest memory.
package pgm

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"gvisor.dev/pgm/pkg/log"
	"gvisor.dev/pgm/pkg/metric"
	"gvisor.dev/pgm/pkg/pgm/handler"
	"gvisor.dev/pgm/pkg/pgm/handy"
	"gvisor.dev/pgm/pkg/pgm/page"
	"gvisor.dev/pgm/pkg/pgm/ptwalk"
	"gvisor.dev/pgm/pkg/sync"
)

var (
	// ErrNeedMemory is returned when the handy page pool is empty. The VM
	// must call RefillHandyPages before retrying.
	ErrNeedMemory = errors.New("handy page pool exhausted")

	// ErrHostAnomaly is returned for failures that guest behaviour cannot
	// cause.
	ErrHostAnomaly = errors.New("host anomaly")

	// ErrInvalidAccess is returned for accesses that cross a page.
	ErrInvalidAccess = errors.New("invalid access")

	// ErrNotEligible is returned when a large page cannot back a range.
	ErrNotEligible = errors.New("range not eligible for a large page")
)

// anomalyLogInterval bounds how often host anomalies are logged.
const anomalyLogInterval = time.Second

type vmMetrics struct {
	faults        *metric.Uint64Metric
	dispatches    *metric.Uint64Metric
	pagesBacked   *metric.Uint64Metric
	handyPages    *metric.Uint64Metric
	needMemory    *metric.Uint64Metric
	largePages    *metric.Uint64Metric
	droppedWrites *metric.Uint64Metric
}

func newVMMetrics(r *metric.Registry) vmMetrics {
	return vmMetrics{
		faults: r.MustCreateNewUint64Metric("/faults", true, "Faults handled, by outcome.",
			metric.NewField("outcome", []string{"guest", "handler", "default", "error"})),
		dispatches: r.MustCreateNewUint64Metric("/handler_dispatches", true, "Accesses dispatched to access handlers.",
			metric.NewField("context", []string{"privileged", "unprivileged"})),
		pagesBacked:   r.MustCreateNewUint64Metric("/pages_backed", true, "Zero or shared pages given private backing."),
		handyPages:    r.MustCreateNewUint64Metric("/handy_pages", false, "Pages in the handy pool."),
		needMemory:    r.MustCreateNewUint64Metric("/need_memory", true, "Times the handy pool ran dry."),
		largePages:    r.MustCreateNewUint64Metric("/large_pages", true, "Large pages allocated."),
		droppedWrites: r.MustCreateNewUint64Metric("/dropped_writes", true, "Writes to ROM or unbacked MMIO."),
	}
}

// VM is the page manager state of one virtual machine.
//
// Lock ordering: the PGM lock (VM.Lock) is taken before the handler type
// table's internal lock and before the allocator's.
type VM struct {
	cfg    Config
	logger log.Logger

	// anomalies is rate limited; guest behaviour never reaches it.
	anomalies log.Logger

	alloc      handy.Allocator
	largePages *handy.LargePagePolicy

	metrics *metric.Registry
	m       vmMetrics

	// mu is the PGM lock. It guards ram, all pages, the registry and the
	// handy pool.
	mu sync.Mutex

	// +checklocks:mu
	ram page.Table
	// handy pages are always zeroed.
	// +checklocks:mu
	handy []handy.PageDescriptor

	types    *handler.TypeTable
	handlers *handler.Registry
	walker   ptwalk.Walker

	needMemory atomic.Bool
}

// New returns a VM with the RAM ranges of cfg. alloc backs guest memory;
// the handy pool starts empty.
func New(cfg *Config, alloc handy.Allocator) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	logger := log.Prefixed(&log.BasicLogger{Level: level, Emitter: log.Log().Emitter}, "pgm: ")
	vm := &VM{
		cfg:        *cfg,
		logger:     logger,
		anomalies:  log.RateLimitedLogger(logger, anomalyLogInterval),
		alloc:      alloc,
		largePages: handy.NewLargePagePolicy(cfg.largePageConfig(), nil, logger),
		metrics:    metric.NewRegistry("pgm"),
	}
	vm.m = newVMMetrics(vm.metrics)
	if !cfg.LargePages {
		vm.largePages.Disable()
	}

	var err error
	if vm.types, err = handler.NewTypeTable(cfg.MaxHandlerTypes, logger); err != nil {
		return nil, err
	}
	if vm.handlers, err = handler.NewRegistry(&vm.mu, &vm.ram, vm.types, cfg.MaxHandlers); err != nil {
		return nil, err
	}
	vm.walker = ptwalk.Walker{
		Mem:              (*lockedMemory)(vm),
		MaxPhysAddrWidth: cfg.MaxPhysAddrWidth,
		EPTExecuteOnly:   cfg.EPTExecuteOnly,
		EPTConvertibleVE: cfg.EPTConvertibleVE,
	}
	for _, r := range cfg.RAM {
		typ, _ := page.ParseType(r.Type)
		if err := vm.AddRange(r.Start, r.Size, typ, r.Description); err != nil {
			return nil, err
		}
	}
	logger.Debugf("Created VM with %d ranges, %d handler slots", len(cfg.RAM), cfg.MaxHandlers)
	return vm, nil
}

// Config returns the configuration the VM was created with.
func (vm *VM) Config() Config {
	return vm.cfg
}

// AddRange adds a guest-physical range of the given type.
func (vm *VM) AddRange(start, size uint64, typ page.Type, description string) error {
	r, err := page.NewRange(start, size, typ, description)
	if err != nil {
		vm.logger.Warningf("Cannot add range %q: %v", description, err)
		return err
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.ram.Add(r); err != nil {
		vm.logger.Warningf("Cannot add range %q: %v", description, err)
		return err
	}
	return nil
}

// Ranges returns a snapshot of the guest-physical ranges and their pages.
func (vm *VM) Ranges() []page.RamRange {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	var out []page.RamRange
	for _, r := range vm.ram.Ranges() {
		c := *r
		c.Pages = append([]page.Page(nil), r.Pages...)
		out = append(out, c)
	}
	return out
}

// PageAt returns a copy of the state of the page containing addr.
func (vm *VM) PageAt(addr uint64) (page.Page, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if p := vm.ram.LookupPage(addr); p != nil {
		return *p, true
	}
	return page.Page{}, false
}

// Lock takes the PGM lock.
func (vm *VM) Lock() {
	vm.mu.Lock()
}

// Unlock releases the PGM lock.
func (vm *VM) Unlock() {
	vm.mu.Unlock()
}

// Types returns the handler type table.
func (vm *VM) Types() *handler.TypeTable {
	return vm.types
}

// Handlers returns the access handler registry.
func (vm *VM) Handlers() *handler.Registry {
	return vm.handlers
}

// Walker returns the page table walker. It reads guest memory without
// locking, so walks through it require the PGM lock; Walk takes it.
func (vm *VM) Walker() *ptwalk.Walker {
	return &vm.walker
}

// Walk translates addr in the given mode.
func (vm *VM) Walk(regs ptwalk.Registers, mode ptwalk.Mode, addr uint64, access ptwalk.Access) ptwalk.Walk {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.walker.Walk(regs, mode, addr, access)
}

// LargePages returns the large page policy.
func (vm *VM) LargePages() *handy.LargePagePolicy {
	return vm.largePages
}

// WriteMetrics writes the VM's counters in Prometheus text format.
func (vm *VM) WriteMetrics(w io.Writer) error {
	vm.mu.Lock()
	vm.m.handyPages.Set(uint64(len(vm.handy)))
	vm.mu.Unlock()
	return vm.metrics.WriteText(w)
}

// NeedsMoreMemory reports whether the handy pool ran dry since the last
// successful refill.
func (vm *VM) NeedsMoreMemory() bool {
	return vm.needMemory.Load()
}

// RefillHandyPages tops the handy pool up to its configured size.
func (vm *VM) RefillHandyPages() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	n := vm.cfg.HandyPages - len(vm.handy)
	if n <= 0 {
		vm.needMemory.Store(false)
		return nil
	}
	descs, err := vm.alloc.AllocateHandyPages(n)
	if err != nil {
		vm.logger.Warningf("Cannot refill %d handy pages: %v", n, err)
		return fmt.Errorf("refilling %d handy pages: %w", n, err)
	}
	if err := vm.zeroPages(descs); err != nil {
		vm.freeDescriptors(descs)
		vm.anomalies.Warningf("Cannot zero %d handy pages: %v", len(descs), err)
		return fmt.Errorf("%w: zeroing handy pages: %v", ErrHostAnomaly, err)
	}
	vm.handy = append(vm.handy, descs...)
	vm.m.handyPages.Set(uint64(len(vm.handy)))
	vm.needMemory.Store(false)
	return nil
}

// zeroPages zeroes the pages of descs not known to be zero, in bulk when
// the allocator supports it, and marks every descriptor zeroed.
func (vm *VM) zeroPages(descs []handy.PageDescriptor) error {
	var ids []uint32
	for _, d := range descs {
		if !d.Zeroed {
			ids = append(ids, d.PageID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if z, ok := vm.alloc.(handy.Zeroer); ok {
		if err := z.ZeroPages(ids); err != nil {
			return err
		}
	} else {
		for _, id := range ids {
			mem, err := vm.alloc.Mapping(id)
			if err != nil {
				return err
			}
			clear(mem)
		}
	}
	for i := range descs {
		descs[i].Zeroed = true
	}
	return nil
}

// freeDescriptors returns descs to the allocator.
func (vm *VM) freeDescriptors(descs []handy.PageDescriptor) {
	if len(descs) == 0 {
		return
	}
	ids := make([]uint32, 0, len(descs))
	for _, d := range descs {
		ids = append(ids, d.PageID)
	}
	if err := vm.alloc.FreePages(ids); err != nil {
		vm.anomalies.Warningf("Cannot free %d pages: %v", len(ids), err)
	}
}

// HandyPages returns the number of pages in the handy pool.
func (vm *VM) HandyPages() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.handy)
}

// takeHandyPage removes a page from the pool.
//
// +checklocks:vm.mu
func (vm *VM) takeHandyPage() (handy.PageDescriptor, error) {
	if len(vm.handy) == 0 {
		if !vm.needMemory.Swap(true) {
			vm.m.needMemory.Increment()
		}
		return handy.PageDescriptor{}, ErrNeedMemory
	}
	d := vm.handy[len(vm.handy)-1]
	vm.handy = vm.handy[:len(vm.handy)-1]
	if len(vm.handy) == 0 && !vm.needMemory.Swap(true) {
		vm.m.needMemory.Increment()
	}
	return d, nil
}

// Close returns all guest memory and handy pages to the allocator.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	ids := vm.backingIDsLocked()
	for _, d := range vm.handy {
		ids = append(ids, d.PageID)
	}
	vm.handy = nil
	for _, r := range vm.ram.Ranges() {
		for i := range r.Pages {
			if p := &r.Pages[i]; p.IsBacked() && !p.Type.IsMMIOOrAlias() {
				p.ClearBacking()
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return vm.alloc.FreePages(ids)
}

// backingIDsLocked returns the IDs of pages backing guest RAM. Aliased
// pages belong to their owner and are not included.
//
// +checklocks:vm.mu
func (vm *VM) backingIDsLocked() []uint32 {
	var ids []uint32
	for _, r := range vm.ram.Ranges() {
		for i := range r.Pages {
			if p := &r.Pages[i]; p.IsBacked() && !p.Type.IsMMIOOrAlias() {
				ids = append(ids, p.PageID)
			}
		}
	}
	return ids
}
