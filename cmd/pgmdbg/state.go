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
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/pgm/pkg/pgm"
	"gvisor.dev/pgm/pkg/pgm/page"
)

// stateCmd implements subcommands.Command for the "state" command.
type stateCmd struct {
	key   string
	pages bool
}

// Name implements subcommands.Command.
func (*stateCmd) Name() string {
	return "state"
}

// Synopsis implements subcommands.Command.
func (*stateCmd) Synopsis() string {
	return "shows the ranges and handlers of a state file"
}

// Usage implements subcommands.Command.
func (*stateCmd) Usage() string {
	return "state [flags] <statefile>\n"
}

// SetFlags implements subcommands.Command.
func (s *stateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.key, "key", "", "the integrity key for the file.")
	f.BoolVar(&s.pages, "pages", false, "list every page that is not plain zero RAM.")
}

// Execute implements subcommands.Command.Execute.
func (s *stateCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	snap := readSnapshot(f.Arg(0), s.key)

	out := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer out.Flush()

	fmt.Fprintf(out, "version\t%d\n", snap.Version)
	keys := make([]string, 0, len(snap.Metadata))
	for k := range snap.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s\t%s\n", k, snap.Metadata[k])
	}

	fmt.Fprintf(out, "\nRANGE\tPAGES\tDESCRIPTION\tSTATES\n")
	for _, r := range snap.Ranges {
		fmt.Fprintf(out, "%#x-%#x\t%d\t%s\t%s\n", r.Start, r.Last, len(r.Pages), r.Description, summarize(r))
	}
	if s.pages {
		fmt.Fprintf(out, "\nPAGE\tSTATE\tPDE\n")
		for _, r := range snap.Ranges {
			for i := range r.Pages {
				p := &r.Pages[i]
				if p.Type == page.TypeRAM && p.State == page.StateZero && !p.HasHandlers() && p.PDEType == page.PDEDontCare {
					continue
				}
				fmt.Fprintf(out, "%#x\t%v\t%d\n", r.PageAddr(i), p, p.PDEType)
			}
		}
	}

	fmt.Fprintf(out, "\nTYPE\tKIND\tFLAGS\tDESCRIPTION\n")
	for _, t := range snap.Types {
		fmt.Fprintf(out, "%d\t%v\t%v\t%s\n", t.Index, t.Kind, t.Flags, t.Description)
	}
	fmt.Fprintf(out, "\nHANDLER\tTYPE\tUSER\tALIASED\tOFF\tDESCRIPTION\n")
	for _, h := range snap.Handlers {
		fmt.Fprintf(out, "%#x-%#x\t%d\t%v\t%d\t%d\t%s\n", h.Start, h.Last, h.TypeIndex, h.User, h.AliasedPages, h.TmpOffPages, h.Description)
	}
	return subcommands.ExitSuccess
}

// summarize counts the pages of r by type and state.
func summarize(r *page.RamRange) string {
	counts := make(map[string]int)
	for i := range r.Pages {
		p := &r.Pages[i]
		counts[fmt.Sprintf("%v/%v", p.Type, p.State)]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var s string
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%d", k, counts[k])
	}
	return s
}

func readSnapshot(path, key string) *pgm.Snapshot {
	in, err := os.Open(path)
	if err != nil {
		fatalf("error opening state file: %v", err)
	}
	defer in.Close()
	snap, err := pgm.ReadSnapshot(in, []byte(key))
	if err != nil {
		fatalf("error reading state file %q: %v", path, err)
	}
	return snap
}
