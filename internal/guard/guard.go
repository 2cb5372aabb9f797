// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package guard provides a mutual-exclusion primitive that survives
// panics raised while the lock is held.
//
// A goroutine that panics inside a critical section leaves the guarded
// data in an unknown state from the perspective of later readers. Guard
// records that condition as a poison marker instead of letting it take
// the process down: the panic is recovered, the lock is released, and
// the next acquirer observes the marker, takes ownership of the data
// unconditionally, and clears it. Critical sections are written so that
// shared mutations are complete before any step that can panic, so the
// poisoned data is still structurally valid.
//
// This is the unwind-and-recover policy: a poisoned guard is a warning,
// never a second panic. The alternative (abort on the first panic) would
// terminate the host process, which for a long-lived client is the worst
// possible outcome of a background-task bug.
package guard

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAcquireTimeout is returned by LockTimeout when the lock could not
// be acquired within the deadline.
var ErrAcquireTimeout = errors.New("guard: lock acquisition timed out")

// =============================================================================
// MUTEX
// =============================================================================

// Mutex is a mutual-exclusion lock carrying a poison marker.
// The zero value is an unlocked, unpoisoned mutex.
type Mutex struct {
	mu       sync.Mutex
	poisoned atomic.Bool
}

// Lock acquires the lock. The returned flag reports whether a previous
// holder panicked while holding it; the caller owns the data either way
// and is expected to clear the marker after recovering.
func (m *Mutex) Lock() (poisoned bool) {
	m.mu.Lock()
	return m.poisoned.Load()
}

// TryLock attempts to acquire the lock without blocking.
func (m *Mutex) TryLock() (ok, poisoned bool) {
	if !m.mu.TryLock() {
		return false, false
	}
	return true, m.poisoned.Load()
}

// LockTimeout acquires the lock, polling with TryLock until the deadline
// passes. It never blocks longer than the given bound.
func (m *Mutex) LockTimeout(d time.Duration) (poisoned bool, err error) {
	deadline := time.Now().Add(d)
	for {
		if ok, p := m.TryLock(); ok {
			return p, nil
		}
		if time.Now().After(deadline) {
			return false, ErrAcquireTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Unlock releases the lock.
func (m *Mutex) Unlock() {
	m.mu.Unlock()
}

// ClearPoison removes the poison marker. Call while holding the lock,
// after taking ownership of the guarded data.
func (m *Mutex) ClearPoison() {
	m.poisoned.Store(false)
}

// Poisoned reports whether the marker is currently set. Diagnostic only;
// the authoritative read is the flag returned by Lock.
func (m *Mutex) Poisoned() bool {
	return m.poisoned.Load()
}

// =============================================================================
// GUARDED CRITICAL SECTIONS
// =============================================================================

// Do runs fn while holding the lock. If fn panics, the marker is set,
// the lock is released, and the panic value is returned as recovered
// instead of unwinding further. The process keeps running.
//
// The poisoned flag passed to fn reports whether a prior holder
// panicked; fn decides how to log the recovery. The marker is cleared
// before fn runs, because acquiring the lock is taking ownership.
func (m *Mutex) Do(fn func(poisoned bool)) (recovered any) {
	wasPoisoned := m.Lock()
	if wasPoisoned {
		m.ClearPoison()
	}
	defer func() {
		if r := recover(); r != nil {
			m.poisoned.Store(true)
			recovered = r
		}
		m.mu.Unlock()
	}()
	fn(wasPoisoned)
	return nil
}
