// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

import (
	"sync/atomic"

	"github.com/flowstate-cache/internal/types"
)

// Stats is a point-in-time copy of the cache counters. Counters are read
// one by one, so a snapshot taken under load is not a consistent cut.
type Stats struct {
	PrimaryHits        uint64
	EvictionBufferHits uint64
	Misses             uint64
	// RingSpills counts entries pushed out of the last hash-indexed tier,
	// whether the ring accepted them or not.
	RingSpills        uint64
	RingOverflowDrops uint64
	// Rejected counts Track calls refused before the cache was touched.
	Rejected uint64
}

// Hits is the total across both hash-indexed tiers.
func (s Stats) Hits() uint64 {
	return s.PrimaryHits + s.EvictionBufferHits
}

// Array returns the counters indexed by the types.Stat* constants.
func (s Stats) Array() [types.NumStats]uint64 {
	var a [types.NumStats]uint64
	a[types.StatPrimaryHits] = s.PrimaryHits
	a[types.StatEvictionHits] = s.EvictionBufferHits
	a[types.StatMisses] = s.Misses
	a[types.StatRingSpills] = s.RingSpills
	a[types.StatRingOverflowDrops] = s.RingOverflowDrops
	a[types.StatRejected] = s.Rejected
	return a
}

type counters struct {
	primaryHits       atomic.Uint64
	evictionHits      atomic.Uint64
	misses            atomic.Uint64
	ringSpills        atomic.Uint64
	ringOverflowDrops atomic.Uint64
	rejected          atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		PrimaryHits:        c.primaryHits.Load(),
		EvictionBufferHits: c.evictionHits.Load(),
		Misses:             c.misses.Load(),
		RingSpills:         c.ringSpills.Load(),
		RingOverflowDrops:  c.ringOverflowDrops.Load(),
		Rejected:           c.rejected.Load(),
	}
}
