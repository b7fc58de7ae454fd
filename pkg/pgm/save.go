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
	"errors"
	"fmt"
	"io"

	"gvisor.dev/pgm/pkg/pgm/handler"
	"gvisor.dev/pgm/pkg/pgm/page"
	"gvisor.dev/pgm/pkg/state/statefile"
	"gvisor.dev/pgm/pkg/state/wire"
)

// stateVersion is the record schema version written by Save.
const stateVersion = 2

// Record kinds of a saved VM.
const (
	recordRange   = 1
	recordType    = 2
	recordHandler = 3
)

// Save writes the page manager state to w as a state file authenticated
// with key. Guest memory contents are not part of it. metadata is stored
// in the file header; its keys must not start with "_".
//
// The VM must be quiesced: no accesses may run concurrently.
func (vm *VM) Save(w io.Writer, key []byte, metadata map[string]string) error {
	sw, err := statefile.NewWriter(w, key, metadata)
	if err != nil {
		return err
	}
	enc, err := wire.NewEncoder(sw, stateVersion)
	if err != nil {
		return err
	}

	vm.mu.Lock()
	ranges := len(vm.ram.Ranges())
	for _, r := range vm.ram.Ranges() {
		if err = enc.Encode(recordRange, r.Save); err != nil {
			break
		}
	}
	vm.mu.Unlock()
	if err != nil {
		return fmt.Errorf("saving ranges: %w", err)
	}
	if err := vm.types.Save(enc, recordType); err != nil {
		return fmt.Errorf("saving handler types: %w", err)
	}
	if err := vm.handlers.Save(enc, recordHandler); err != nil {
		return fmt.Errorf("saving handlers: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	if err := sw.Close(); err != nil {
		return err
	}
	vm.logger.Infof("Saved %d ranges and %d handlers", ranges, vm.handlers.Len())
	return nil
}

// Snapshot is the decoded content of a state file.
type Snapshot struct {
	Metadata map[string]string
	Version  uint32
	Ranges   []*page.RamRange
	Types    []handler.SavedType
	Handlers []handler.SavedRegistration

	// handlerRecords are kept for Load.
	handlerRecords []*wire.RecordReader
	typeRecords    []*wire.RecordReader
}

// ReadSnapshot decodes a state file written by Save without applying it.
// Records of unknown kinds are skipped.
func ReadSnapshot(r io.Reader, key []byte) (*Snapshot, error) {
	sr, md, err := statefile.NewReader(r, key)
	if err != nil {
		return nil, err
	}
	dec, err := wire.NewDecoder(sr)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Metadata: md, Version: dec.Version()}
	for {
		kind, rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch kind {
		case recordRange:
			rr, err := page.LoadRange(rec)
			if err != nil {
				return nil, err
			}
			s.Ranges = append(s.Ranges, rr)
		case recordType:
			s.Types = append(s.Types, handler.DecodeType(rec))
			s.typeRecords = append(s.typeRecords, rec)
		case recordHandler:
			s.Handlers = append(s.Handlers, handler.DecodeRegistration(rec))
			s.handlerRecords = append(s.handlerRecords, rec)
		}
	}
	return s, nil
}

// Load replaces the page manager state with the one saved in r. The VM
// must have registered the same handler types, in the same order, as the
// VM that was saved. Guest memory is not restored: pages that had backing
// come back in the zero state. On error the VM is unchanged.
//
// The VM must be quiesced: no accesses may run concurrently.
func (vm *VM) Load(r io.Reader, key []byte) error {
	s, err := ReadSnapshot(r, key)
	if err != nil {
		return err
	}
	for _, rec := range s.typeRecords {
		if err := vm.types.VerifyRecord(rec); err != nil {
			return err
		}
	}
	var ram page.Table
	for _, rr := range s.Ranges {
		for i := range rr.Pages {
			p := &rr.Pages[i]
			switch p.State {
			case page.StateAllocated, page.StateWriteMonitored, page.StateShared:
				p.State = page.StateZero
			}
			if p.PDEType == page.PDELarge {
				p.PDEType = page.PDEDontCare
			}
		}
		if err := ram.Add(rr); err != nil {
			return err
		}
	}

	staged, err := vm.handlers.Restore(&ram, s.handlerRecords)
	if err != nil {
		return fmt.Errorf("loading handlers: %w", err)
	}

	vm.mu.Lock()
	ids := vm.backingIDsLocked()
	vm.ram = ram
	vm.handlers.Adopt(staged)
	vm.mu.Unlock()
	if len(ids) > 0 {
		if err := vm.alloc.FreePages(ids); err != nil {
			vm.anomalies.Warningf("Cannot free %d pages replaced by load: %v", len(ids), err)
		}
	}
	vm.logger.Infof("Loaded %d ranges and %d handlers (version %d)", len(s.Ranges), len(s.Handlers), s.Version)
	return nil
}
