// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"sync"
	"sync/atomic"
)

// Mutex is a mutual exclusion lock. The zero value is an unlocked mutex.
//
// Unlike sync.Mutex, a Mutex knows whether it is held. It does not know by
// whom: Held reports true while any goroutine holds the lock.
type Mutex struct {
	m    sync.Mutex
	held atomic.Bool
}

// Lock locks m.
func (m *Mutex) Lock() {
	m.m.Lock()
	m.held.Store(true)
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *Mutex) Unlock() {
	if !m.held.Swap(false) {
		panic("sync: unlock of unlocked Mutex")
	}
	m.m.Unlock()
}

// Held reports whether m is currently locked.
func (m *Mutex) Held() bool {
	return m.held.Load()
}

// AssertHeld panics if m is not locked.
func (m *Mutex) AssertHeld() {
	if !m.Held() {
		panic("sync: Mutex not held")
	}
}
