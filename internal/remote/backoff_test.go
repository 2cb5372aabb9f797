// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"testing"
	"time"
)

// =============================================================================
// BACKOFF TESTS
// =============================================================================

func TestBackoff_Doubles(t *testing.T) {
	b := NewBackoff()

	// Jitter is +-20%, so check each delay against the jittered window
	// around 1s, 2s, 4s, 8s.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, base := range want {
		got := b.Next()
		lo := time.Duration(float64(base) * (1 - BackoffJitter))
		hi := time.Duration(float64(base) * (1 + BackoffJitter))
		if got < lo || got > hi {
			t.Errorf("delay %d = %v, want within [%v, %v]", i, got, lo, hi)
		}
	}
}

func TestBackoff_Cap(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 20; i++ {
		b.Next()
	}

	got := b.Next()
	hi := time.Duration(float64(BackoffCap) * (1 + BackoffJitter))
	if got > hi {
		t.Errorf("delay after many attempts = %v, exceeds jittered cap %v", got, hi)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff()
	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	if b.Attempt() != 0 {
		t.Errorf("Attempt after Reset = %d, want 0", b.Attempt())
	}

	got := b.Next()
	lo := time.Duration(float64(BackoffBase) * (1 - BackoffJitter))
	hi := time.Duration(float64(BackoffBase) * (1 + BackoffJitter))
	if got < lo || got > hi {
		t.Errorf("first delay after Reset = %v, want within [%v, %v]", got, lo, hi)
	}
}

func TestBackoff_JitterVaries(t *testing.T) {
	// Successive fresh backoffs should not all produce the identical
	// delay; with 20% jitter the odds of 20 equal samples are nil.
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		seen[NewBackoff().Next()] = true
	}
	if len(seen) < 2 {
		t.Error("jitter appears inactive: all delays identical")
	}
}
