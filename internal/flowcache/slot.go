// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

import (
	"sync/atomic"

	"github.com/flowstate-cache/internal/types"
)

// slot is one physical entry of the Primary table or the Eviction Buffer.
// Key, occupancy and insertion time change only under the bucket lock.
// Hit count and latest timestamp are atomics and are always updated with
// read-modify-write operations, even by lock holders.
type slot struct {
	used     bool
	key      types.FlowKey
	inserted uint32
	hits     atomic.Uint32
	latest   atomic.Uint64
}

func (s *slot) matches(k types.FlowKey) bool {
	return s.used && s.key == k
}

func (s *slot) load() (types.Entry, bool) {
	if !s.used {
		return types.Entry{}, false
	}
	return types.Entry{
		Key: s.key,
		Info: types.EntryInfo{
			HitCount:    s.hits.Load(),
			InsertionTS: s.inserted,
			LatestTS:    s.latest.Load(),
		},
	}, true
}

func (s *slot) store(e types.Entry) {
	s.key = e.Key
	s.inserted = e.Info.InsertionTS
	s.hits.Store(e.Info.HitCount)
	s.latest.Store(e.Info.LatestTS)
	s.used = true
}

func (s *slot) reset() {
	s.used = false
	s.key = types.FlowKey{}
	s.inserted = 0
	s.hits.Store(0)
	s.latest.Store(0)
}

// touch records a hit at now and returns the new hit count.
func (s *slot) touch(now types.Timestamp) uint32 {
	for {
		old := s.hits.Load()
		next := types.NextHitCount(old)
		if old == next || s.hits.CompareAndSwap(old, next) {
			s.latest.Store(now)
			return next
		}
	}
}

// swapSlots exchanges the full contents of a and b.
func swapSlots(a, b *slot) {
	ea, okA := a.load()
	eb, okB := b.load()
	if okB {
		a.store(eb)
	} else {
		a.reset()
	}
	if okA {
		b.store(ea)
	} else {
		b.reset()
	}
}

func newEntry(k types.FlowKey, now types.Timestamp) types.Entry {
	return types.Entry{
		Key: k,
		Info: types.EntryInfo{
			HitCount:    1,
			InsertionTS: uint32(now),
			LatestTS:    now,
		},
	}
}

// tier is a flat slot array cut into equally sized buckets.
type tier struct {
	slots  []slot
	width  int
	policy Policy
}

func newTier(buckets, width int, policy Policy) tier {
	return tier{
		slots:  make([]slot, buckets*width),
		width:  width,
		policy: policy,
	}
}

func (t *tier) enabled() bool { return t.width > 0 }

func (t *tier) bucket(idx uint32) []slot {
	off := int(idx) * t.width
	return t.slots[off : off+t.width]
}
