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

package handler

import (
	"fmt"
	"math/rand/v2"

	"gvisor.dev/pgm/pkg/log"
	"gvisor.dev/pgm/pkg/pgm/page"
	"gvisor.dev/pgm/pkg/sync"
)

// MaxTypes is the largest supported type table.
const MaxTypes = 1 << 16

// Context selects one half of a handler type. Both halves share handles.
type Context uint8

const (
	// ContextUnprivileged is the half registered by device setup code. It
	// always has real callbacks.
	ContextUnprivileged Context = iota

	// ContextPrivileged is the half used on the fast fault path. Until set
	// up it forwards every access to the unprivileged half.
	ContextPrivileged
)

func (c Context) String() string {
	if c == ContextPrivileged {
		return "privileged"
	}
	return "unprivileged"
}

// TypeHandle names a handler type. The slot index is in the low 32 bits and
// a per-table tag in the high 32 bits, so the zero handle and handles from
// other tables are rejected.
type TypeHandle uint64

// Descriptor is one half of a handler type.
type Descriptor struct {
	Kind  Kind
	Flags Flags

	// State is mirrored onto pages covered by handlers of this type.
	State page.HandlerState

	Callback    Callback
	PFCallback  PFCallback
	Description string
}

// forward is the callback of privileged slots that have not been set up.
func forward(uint64, []byte, []byte, AccessKind, Origin, UserContext) (Status, error) {
	return StatusForward, nil
}

// forwardPF is the page fault callback of privileged slots that have not
// been set up.
func forwardPF(uint32, uint64, uint64, UserContext) (Status, error) {
	return StatusForward, nil
}

// TypeTable holds the handler types of a VM. Slots are allocated once and
// never freed.
type TypeTable struct {
	logger log.Logger
	tag    uint32

	mu     sync.Mutex
	unpriv []Descriptor
	priv   []Descriptor
	sealed bool
}

// NewTypeTable returns a table with room for capacity types.
func NewTypeTable(capacity int, logger log.Logger) (*TypeTable, error) {
	if capacity <= 0 || capacity > MaxTypes {
		return nil, fmt.Errorf("%w: type table capacity %d, must be in [1, %d]", ErrInvalidParameter, capacity, MaxTypes)
	}
	tag := rand.Uint32()
	for tag == 0 {
		tag = rand.Uint32()
	}
	return &TypeTable{
		logger: logger,
		tag:    tag,
		unpriv: make([]Descriptor, 0, capacity),
		priv:   make([]Descriptor, 0, capacity),
	}, nil
}

func (t *TypeTable) handle(idx int) TypeHandle {
	return TypeHandle(uint64(t.tag)<<32 | uint64(idx))
}

// index returns the slot of h. Precondition: t.mu is held.
func (t *TypeTable) index(h TypeHandle) (int, error) {
	idx := uint64(h) & 0xffffffff
	if uint32(h>>32) != t.tag || idx >= uint64(len(t.unpriv)) {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidHandle, uint64(h))
	}
	return int(idx), nil
}

func stubDescriptor(d *Descriptor) Descriptor {
	return Descriptor{
		Kind:        d.Kind,
		Flags:       d.Flags | FlagKeepLock,
		State:       d.State,
		Callback:    forward,
		PFCallback:  forwardPF,
		Description: d.Description,
	}
}

// RegisterType registers the unprivileged half of a type and returns its
// handle.
func (t *TypeTable) RegisterType(kind Kind, flags Flags, callback Callback, description string) (TypeHandle, error) {
	if !kind.Valid() || flags&^policyFlags != 0 || callback == nil {
		return 0, fmt.Errorf("%w: kind %v flags %v", ErrInvalidParameter, kind, flags)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.unpriv) == cap(t.unpriv) {
		t.logger.Warningf("Handler type table full (%d entries), cannot register %q", cap(t.unpriv), description)
		return 0, fmt.Errorf("%w: %d types", ErrOutOfCapacity, cap(t.unpriv))
	}
	d := Descriptor{
		Kind:        kind,
		Flags:       flags,
		State:       kind.State(),
		Callback:    callback,
		Description: description,
	}
	t.unpriv = append(t.unpriv, d)
	if t.sealed {
		t.priv = append(t.priv, stubDescriptor(&d))
	} else {
		t.priv = append(t.priv, Descriptor{Callback: forward, PFCallback: forwardPF})
	}
	return t.handle(len(t.unpriv) - 1), nil
}

// SetUpContext sets up the privileged half of a type. It may succeed once
// per slot, and kind and the policy flags must match the unprivileged half.
// A nil callback forwards to the unprivileged half.
func (t *TypeTable) SetUpContext(h TypeHandle, kind Kind, flags Flags, callback Callback, pfCallback PFCallback, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.index(h)
	if err != nil {
		return err
	}
	if t.priv[idx].Kind != KindInvalid {
		return fmt.Errorf("%w: %q", ErrAlreadyInitialized, t.priv[idx].Description)
	}
	u := &t.unpriv[idx]
	if u.Kind != kind || u.Flags&policyFlags != flags&policyFlags {
		return fmt.Errorf("%w: %v/%v does not match registered %v/%v", ErrInvalidHandle, kind, flags, u.Kind, u.Flags)
	}
	if callback == nil {
		callback = forward
	}
	if pfCallback == nil {
		pfCallback = forwardPF
	}
	t.priv[idx] = Descriptor{
		Kind:        kind,
		Flags:       flags,
		State:       kind.State(),
		Callback:    callback,
		PFCallback:  pfCallback,
		Description: description,
	}
	return nil
}

// DoneInit seals the table. Privileged halves that were never set up
// forward every access.
func (t *TypeTable) DoneInit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.priv {
		p, u := &t.priv[i], &t.unpriv[i]
		if p.Kind == KindInvalid {
			*p = stubDescriptor(u)
			continue
		}
		if p.Kind != u.Kind || p.State != u.State {
			t.logger.Warningf("Handler type %d (%q): privileged kind %v differs from %v", i, u.Description, p.Kind, u.Kind)
		}
	}
	t.sealed = true
}

// Descriptor returns a copy of the given half of a type.
func (t *TypeTable) Descriptor(ctx Context, h TypeHandle) (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, err := t.index(h)
	if err != nil {
		return Descriptor{}, err
	}
	if ctx == ContextPrivileged {
		return t.priv[idx], nil
	}
	return t.unpriv[idx], nil
}

// Len returns the number of registered types.
func (t *TypeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unpriv)
}

// HandleAt returns the handle of slot idx.
func (t *TypeTable) HandleAt(idx int) (TypeHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.unpriv) {
		return 0, fmt.Errorf("%w: type index %d", ErrInvalidHandle, idx)
	}
	return t.handle(idx), nil
}

// Index returns the slot index of h.
func (t *TypeTable) Index(h TypeHandle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index(h)
}
