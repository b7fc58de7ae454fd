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

// Binary pgmdbg inspects page manager state files and runs guest page table
// walks against them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/pgm/pkg/log"
)

var (
	logFormat = flag.String("log-format", "text", "log format: text or json.")
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFile   = flag.String("log-file", "", "additionally write JSON logs to this file.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(stateCmd), "")
	subcommands.Register(new(walkCmd), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	var emitters log.MultiEmitter
	w := &log.Writer{Next: os.Stderr}
	switch *logFormat {
	case "text":
		emitters = append(emitters, log.GoogleEmitter{Writer: w})
	case "json":
		emitters = append(emitters, log.JSONEmitter{Writer: w, Component: flag.Arg(0)})
	default:
		fmt.Fprintf(os.Stderr, "invalid log format %q, must be text or json\n", *logFormat)
		os.Exit(int(subcommands.ExitUsageError))
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening log file %q: %v\n", *logFile, err)
			os.Exit(int(subcommands.ExitFailure))
		}
		emitters = append(emitters, log.JSONEmitter{Writer: &log.Writer{Next: f}, Component: flag.Arg(0)})
	}
	log.SetTarget(&emitters)
	if *debug {
		log.SetLevel(log.Debug)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// fatalf logs the error and exits.
func fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}
