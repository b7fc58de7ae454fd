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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/log"
	"gvisor.dev/pgm/pkg/pgm"
	"gvisor.dev/pgm/pkg/pgm/handler"
	"gvisor.dev/pgm/pkg/pgm/handy"
	"gvisor.dev/pgm/pkg/pgm/ptwalk"
)

// walkCmd implements subcommands.Command for the "walk" command.
type walkCmd struct {
	config  string
	state   string
	key     string
	mem     string
	memBase uint64

	mode     string
	regs     ptwalk.Registers
	slatMode string
	access   ptwalk.Access
}

// Name implements subcommands.Command.
func (*walkCmd) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.
func (*walkCmd) Synopsis() string {
	return "translates an address through guest paging structures"
}

// Usage implements subcommands.Command.
func (*walkCmd) Usage() string {
	return `walk [flags] <address>

Guest memory is laid out by -config, or by the ranges of -state if the
configuration has none. -mem loads a raw memory image holding the paging
structures at -mem-base.
`
}

// SetFlags implements subcommands.Command.
func (w *walkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&w.config, "config", "", "TOML configuration file.")
	f.StringVar(&w.state, "state", "", "state file to take RAM ranges from.")
	f.StringVar(&w.key, "key", "", "the integrity key for the state file.")
	f.StringVar(&w.mem, "mem", "", "raw guest memory image.")
	f.Uint64Var(&w.memBase, "mem-base", 0, "guest-physical address of the memory image.")
	f.StringVar(&w.mode, "mode", "", "paging mode; derived from the control registers if empty.")
	f.Uint64Var(&w.regs.CR0, "cr0", ptwalk.CR0PE|ptwalk.CR0PG|ptwalk.CR0WP, "CR0 value.")
	f.Uint64Var(&w.regs.CR3, "cr3", 0, "CR3 value.")
	f.Uint64Var(&w.regs.CR4, "cr4", ptwalk.CR4PAE, "CR4 value.")
	f.Uint64Var(&w.regs.EFER, "efer", ptwalk.EFERLME|ptwalk.EFERLMA|ptwalk.EFERNXE, "EFER value.")
	f.StringVar(&w.slatMode, "slat-mode", "none", "second level translation mode.")
	f.Uint64Var(&w.regs.SLATRoot, "slat-root", 0, "EPT pointer or nested CR3.")
	f.BoolVar(&w.access.Write, "write", false, "translate a write.")
	f.BoolVar(&w.access.User, "user", false, "translate a user mode access.")
	f.BoolVar(&w.access.Execute, "exec", false, "translate an instruction fetch.")
}

// Execute implements subcommands.Command.Execute.
func (w *walkCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	addr, err := strconv.ParseUint(f.Arg(0), 0, 64)
	if err != nil {
		fatalf("invalid address %q: %v", f.Arg(0), err)
	}
	if w.regs.SLATMode, err = ptwalk.ParseMode(w.slatMode); err != nil {
		fatalf("invalid -slat-mode: %v", err)
	}
	mode := w.regs.Mode()
	if w.mode != "" {
		if mode, err = ptwalk.ParseMode(w.mode); err != nil {
			fatalf("invalid -mode: %v", err)
		}
	}

	cfg := w.loadConfig()
	alloc := handy.NewHostAllocator(0)
	defer alloc.Close()
	vm, err := pgm.New(cfg, alloc)
	if err != nil {
		fatalf("error creating VM: %v", err)
	}
	defer vm.Close()
	if w.mem != "" {
		w.loadImage(vm)
	}

	walk := vm.Walk(w.regs, mode, addr, w.access)
	fmt.Printf("%v %v %#x: %v\n", mode, w.access, addr, walk)
	if !walk.Succeeded {
		fmt.Printf("level %d, fault %v", walk.Level, walk.Failed)
		if mode.IsPaging() && !walk.IsSlat {
			fmt.Printf(", #PF error code %#x", walk.PFErrorCode(w.access, w.regs.EFER&ptwalk.EFERNXE != 0))
		}
		fmt.Println()
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (w *walkCmd) loadConfig() *pgm.Config {
	cfg := pgm.DefaultConfig()
	if w.config != "" {
		var err error
		if cfg, err = pgm.LoadConfig(w.config); err != nil {
			fatalf("error loading configuration: %v", err)
		}
	}
	if w.state != "" && len(cfg.RAM) == 0 {
		snap := readSnapshot(w.state, w.key)
		for _, r := range snap.Ranges {
			cfg.RAM = append(cfg.RAM, pgm.RangeConfig{
				Start:       r.Start,
				Size:        r.Size(),
				Type:        r.Pages[0].Type.String(),
				Description: r.Description,
			})
		}
	}
	if len(cfg.RAM) == 0 {
		fatalf("no guest memory: give -config with ranges or -state")
	}
	return cfg
}

// loadImage copies the memory image into guest memory, refilling the handy
// pool as it runs dry.
func (w *walkCmd) loadImage(vm *pgm.VM) {
	data, err := os.ReadFile(w.mem)
	if err != nil {
		fatalf("error reading memory image: %v", err)
	}
	log.Debugf("Loading %d bytes at %#x", len(data), w.memBase)
	for off := 0; off < len(data); off += hostarch.PageSize {
		chunk := data[off:min(off+hostarch.PageSize, len(data))]
		addr := w.memBase + uint64(off)
		err := vm.WritePhys(addr, chunk, handler.OriginLoader)
		if errors.Is(err, pgm.ErrNeedMemory) {
			if err = vm.RefillHandyPages(); err == nil {
				err = vm.WritePhys(addr, chunk, handler.OriginLoader)
			}
		}
		if err != nil {
			fatalf("error loading memory image at %#x: %v", addr, err)
		}
	}
}
