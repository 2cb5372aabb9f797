// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// =============================================================================
// BACKOFF CONSTANTS
// =============================================================================

const (
	// BackoffBase is the delay before the first retry.
	BackoffBase = 1 * time.Second

	// BackoffCap is the maximum delay between retries.
	BackoffCap = 60 * time.Second

	// BackoffJitter is the jitter fraction applied to each delay.
	// +-20% avoids synchronized retry storms across connections.
	BackoffJitter = 0.2
)

// =============================================================================
// BACKOFF TYPE
// =============================================================================

// Backoff computes exponential retry delays with jitter. Safe for
// concurrent use.
type Backoff struct {
	mu      sync.Mutex
	attempt int

	base time.Duration
	cap  time.Duration
}

// NewBackoff creates a backoff with the default 1s base and 60s cap.
func NewBackoff() *Backoff {
	return &Backoff{base: BackoffBase, cap: BackoffCap}
}

// NewBackoffWith creates a backoff with custom bounds, used by tests to
// keep retry loops fast.
func NewBackoffWith(base, cap time.Duration) *Backoff {
	return &Backoff{base: base, cap: cap}
}

// Next returns the delay to wait before the next attempt and advances
// the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.base
	for i := 0; i < b.attempt; i++ {
		delay *= 2
		if delay >= b.cap {
			delay = b.cap
			break
		}
	}
	b.attempt++

	return jitter(delay)
}

// Reset returns the backoff to its base delay. Called on any successful
// attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Wait sleeps for the next delay or until the context is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Next()):
		return nil
	}
}

// jitter applies +-BackoffJitter to the delay.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * BackoffJitter
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
