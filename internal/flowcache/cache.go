// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

// Package flowcache is the per-flow state table of the packet fast path.
//
// Entries live in up to three tiers that share one hash domain: a Primary
// table, an optional Eviction Buffer and per-neighbourhood Ring Buffers.
// A Primary hit only refreshes counters. A miss may promote an Eviction
// Buffer hit into Primary, or insert a fresh entry and push the displaced
// entries one tier down, ending in a ring or in a counted drop.
//
// Primary and Eviction Buffer buckets are guarded by a striped spin lock
// (hash & stripe mask); each ring has its own lock, always taken after the
// bucket lock. Nothing blocks on a full ring.
package flowcache

import (
	"log/slog"

	"github.com/flowstate-cache/internal/flowkey"
	"github.com/flowstate-cache/internal/types"
)

// Outcome is the result of one packet's trip through the cache.
type Outcome uint8

const (
	Miss Outcome = iota
	Hit
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Cache is the shared flow-state table. It is safe for concurrent use and
// is meant to be built once at startup and shared by every packet worker.
type Cache struct {
	cfg  Config
	hash flowkey.Hasher

	bucketMask uint32
	ringMask   uint32
	lockMask   uint32

	primary  tier
	eviction tier
	locks    []spinLock
	rings    []ring

	stats counters
}

// New allocates every tier up front. All slots start empty.
func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := cfg.Hash
	if h == nil {
		h = flowkey.CRC32
	}
	c := &Cache{
		cfg:        cfg,
		hash:       h,
		bucketMask: uint32(cfg.PrimaryBucketCount - 1),
		ringMask:   uint32(cfg.RingTableSize - 1),
		lockMask:   uint32(cfg.LockStripeCount - 1),
		primary:    newTier(cfg.PrimaryBucketCount, cfg.PrimaryBucketSize, cfg.PrimaryPolicy),
		locks:      make([]spinLock, cfg.LockStripeCount),
		rings:      make([]ring, cfg.RingTableSize),
	}
	if cfg.EvictionEnabled {
		c.eviction = newTier(cfg.PrimaryBucketCount, cfg.EvictionBucketSize, cfg.EvictionPolicy)
	}
	for i := range c.rings {
		c.rings[i].init(cfg.RingBucketSize)
	}
	slog.Debug("flow cache allocated",
		"primary_buckets", cfg.PrimaryBucketCount,
		"primary_bucket_size", cfg.PrimaryBucketSize,
		"primary_policy", cfg.PrimaryPolicy,
		"eviction_enabled", cfg.EvictionEnabled,
		"eviction_bucket_size", cfg.EvictionBucketSize,
		"eviction_policy", cfg.EvictionPolicy,
		"rings", cfg.RingTableSize,
		"ring_bucket_size", cfg.RingBucketSize,
		"lock_stripes", cfg.LockStripeCount,
	)
	return c, nil
}

func (c *Cache) Config() Config { return c.cfg }

// Hash applies the configured hasher to k.
func (c *Cache) Hash(k types.FlowKey) uint32 { return c.hash(k) }

// RingIndex is the ring a given hash spills into.
func (c *Cache) RingIndex(hash uint32) int { return int(hash & c.ringMask) }

func (c *Cache) bucketLock(hash uint32) *spinLock {
	return &c.locks[hash&c.lockMask]
}

// LookupOrInsert records one packet of flow key under hash at time now.
//
// A Primary hit bumps the entry's counters. An Eviction Buffer hit bumps
// the counters and swaps the entry with the Primary victim. On a miss the
// key is inserted into Primary; an occupied victim is demoted into the
// Eviction Buffer, and whatever that displaces (or the Primary victim
// itself when the Eviction Buffer is disabled) is spilled to the ring.
func (c *Cache) LookupOrInsert(key types.FlowKey, hash uint32, now types.Timestamp) Outcome {
	b := hash & c.bucketMask
	lk := c.bucketLock(hash)
	lk.Lock()
	defer lk.Unlock()

	pb := c.primary.bucket(b)
	psel := selectVictim(pb, key, c.primary.policy)
	if psel.Kind == ExactMatch {
		pb[psel.Index].touch(now)
		c.stats.primaryHits.Add(1)
		return Hit
	}
	pv := &pb[psel.Index]

	if !c.eviction.enabled() {
		if psel.Kind == Candidate {
			displaced, _ := pv.load()
			c.spill(hash, displaced)
		}
		pv.store(newEntry(key, now))
		c.stats.misses.Add(1)
		return Miss
	}

	eb := c.eviction.bucket(b)
	esel := selectVictim(eb, key, c.eviction.policy)
	ev := &eb[esel.Index]
	if esel.Kind == ExactMatch {
		ev.touch(now)
		swapSlots(pv, ev)
		c.stats.evictionHits.Add(1)
		return Hit
	}

	if psel.Kind == Candidate {
		if esel.Kind == Candidate {
			displaced, _ := ev.load()
			c.spill(hash, displaced)
		}
		demoted, _ := pv.load()
		ev.store(demoted)
	}
	pv.store(newEntry(key, now))
	c.stats.misses.Add(1)
	return Miss
}

// spill pushes e into the ring for hash. Caller holds the bucket lock.
func (c *Cache) spill(hash uint32, e types.Entry) {
	c.stats.ringSpills.Add(1)
	r := &c.rings[hash&c.ringMask]
	r.mu.Lock()
	ok := r.tryPush(e)
	r.mu.Unlock()
	if !ok {
		c.stats.ringOverflowDrops.Add(1)
	}
}

// Track derives the key and hash from a parsed tuple and runs
// LookupOrInsert. Unsupported protocols are counted and rejected without
// touching any tier.
func (c *Cache) Track(t flowkey.Tuple, now types.Timestamp) Outcome {
	key, err := flowkey.FromTuple(t)
	if err != nil {
		c.stats.rejected.Add(1)
		return Rejected
	}
	return c.LookupOrInsert(key, c.hash(key), now)
}

// Lookup is the read path that runs ahead of LookupOrInsert: it scans only
// the Primary bucket, and on a match refreshes the entry and counts a
// Primary hit. A false result means the caller falls through to
// LookupOrInsert. Lookup never inserts or moves entries.
func (c *Cache) Lookup(key types.FlowKey, hash uint32, now types.Timestamp) (types.EntryInfo, bool) {
	b := hash & c.bucketMask
	lk := c.bucketLock(hash)
	lk.Lock()
	defer lk.Unlock()

	s := findSlot(c.primary.bucket(b), key)
	if s == nil {
		return types.EntryInfo{}, false
	}
	s.touch(now)
	c.stats.primaryHits.Add(1)
	e, _ := s.load()
	return e.Info, true
}

func findSlot(slots []slot, key types.FlowKey) *slot {
	for i := range slots {
		if slots[i].matches(key) {
			return &slots[i]
		}
	}
	return nil
}

// DrainRing pops the oldest entry of ring idx for an out-of-band consumer.
// It returns false when the ring is empty or idx is out of range.
func (c *Cache) DrainRing(idx int) (types.Entry, bool) {
	if idx < 0 || idx >= len(c.rings) {
		return types.Entry{}, false
	}
	r := &c.rings[idx]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pop()
}

// RingLen is the number of undrained entries in ring idx.
func (c *Cache) RingLen(idx int) int {
	if idx < 0 || idx >= len(c.rings) {
		return 0
	}
	r := &c.rings[idx]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.len()
}

// Rings is the number of ring buffers.
func (c *Cache) Rings() int { return len(c.rings) }

func (c *Cache) Stats() Stats { return c.stats.snapshot() }

// SlotSnapshot is one slot as seen by Bucket. Empty slots have a zero Entry.
type SlotSnapshot struct {
	types.Entry
	Occupied bool
}

type BucketSnapshot struct {
	Primary  []SlotSnapshot
	Eviction []SlotSnapshot
}

// Keys lists the occupied keys of both tiers, Primary first.
func (b BucketSnapshot) Keys() []types.FlowKey {
	var out []types.FlowKey
	for _, tier := range [][]SlotSnapshot{b.Primary, b.Eviction} {
		for _, s := range tier {
			if s.Occupied {
				out = append(out, s.Key)
			}
		}
	}
	return out
}

// Bucket copies the Primary and Eviction Buffer slots that hash maps to,
// under the bucket lock.
func (c *Cache) Bucket(hash uint32) BucketSnapshot {
	b := hash & c.bucketMask
	lk := c.bucketLock(hash)
	lk.Lock()
	defer lk.Unlock()

	snap := BucketSnapshot{Primary: snapshotSlots(c.primary.bucket(b))}
	if c.eviction.enabled() {
		snap.Eviction = snapshotSlots(c.eviction.bucket(b))
	}
	return snap
}

func snapshotSlots(slots []slot) []SlotSnapshot {
	out := make([]SlotSnapshot, len(slots))
	for i := range slots {
		e, ok := slots[i].load()
		out[i] = SlotSnapshot{Entry: e, Occupied: ok}
	}
	return out
}
