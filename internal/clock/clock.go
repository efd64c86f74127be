// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

// Package clock is the shared monotonic timestamp source for the flow cache.
// Values are nanoseconds on the kernel monotonic clock, so they order the
// same way across goroutines and never step backwards on wall-clock changes.
package clock

import "github.com/flowstate-cache/internal/types"

// Source produces timestamps. The cache never reads a clock itself; callers
// pass a Source's value into every operation.
type Source interface {
	Now() types.Timestamp
}

// Monotonic reads the kernel monotonic clock.
type Monotonic struct{}

func (Monotonic) Now() types.Timestamp { return monotonicNow() }

// Now is shorthand for Monotonic{}.Now().
func Now() types.Timestamp { return monotonicNow() }

// Manual is a Source advanced by hand. Not safe for concurrent Advance calls.
type Manual struct {
	T types.Timestamp
}

func (m *Manual) Now() types.Timestamp { return m.T }

// Advance moves the clock forward by d ticks and returns the new value.
func (m *Manual) Advance(d uint64) types.Timestamp {
	m.T += d
	return m.T
}
