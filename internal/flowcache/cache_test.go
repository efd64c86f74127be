// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

import (
	"math"
	"testing"

	"github.com/flowstate-cache/internal/flowkey"
	"github.com/flowstate-cache/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(n uint32) types.FlowKey {
	return types.FlowKey{0x0a000000 | n, 0xc0a80000 | n, n<<16 | 80, types.ProtoTCP}
}

// smallConfig puts everything in one bucket and one ring so tests can drive
// the eviction chain with a fixed hash.
func smallConfig(primary, eviction, ringSize int) Config {
	return Config{
		PrimaryBucketCount: 1,
		PrimaryBucketSize:  primary,
		EvictionEnabled:    eviction > 0,
		EvictionBucketSize: eviction,
		RingTableSize:      1,
		RingBucketSize:     ringSize,
		PrimaryPolicy:      LRU,
		EvictionPolicy:     LRU,
		LockStripeCount:    1,
	}
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func drainAll(c *Cache, idx int) []types.Entry {
	var out []types.Entry
	for {
		e, ok := c.DrainRing(idx)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestIdempotentHit(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	k := testKey(1)
	h := c.Hash(k)

	require.Equal(t, Miss, c.LookupOrInsert(k, h, 100))
	const n = 25
	for i := 0; i < n; i++ {
		require.Equal(t, Hit, c.LookupOrInsert(k, h, types.Timestamp(101+i)))
	}

	snap := c.Bucket(h)
	var found []SlotSnapshot
	for _, s := range append(snap.Primary, snap.Eviction...) {
		if s.Occupied && s.Key == k {
			found = append(found, s)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, uint32(n+1), found[0].Info.HitCount)
	assert.Equal(t, uint64(100+n), found[0].Info.LatestTS)
	assert.Equal(t, uint32(100), found[0].Info.InsertionTS)

	st := c.Stats()
	assert.Equal(t, uint64(n), st.PrimaryHits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestScenarioDoubleDisplacementIntoRing(t *testing.T) {
	c := newTestCache(t, smallConfig(1, 2, 2))
	a, b, cc, d := testKey(1), testKey(2), testKey(3), testKey(4)
	const h = 0

	require.Equal(t, Miss, c.LookupOrInsert(a, h, 1))
	snap := c.Bucket(h)
	assert.Equal(t, a, snap.Primary[0].Key)

	require.Equal(t, Miss, c.LookupOrInsert(b, h, 2))
	snap = c.Bucket(h)
	assert.Equal(t, b, snap.Primary[0].Key)
	assert.Equal(t, a, snap.Eviction[0].Key)
	assert.False(t, snap.Eviction[1].Occupied)

	require.Equal(t, Miss, c.LookupOrInsert(cc, h, 3))
	snap = c.Bucket(h)
	assert.Equal(t, cc, snap.Primary[0].Key)
	assert.Equal(t, a, snap.Eviction[0].Key)
	assert.Equal(t, b, snap.Eviction[1].Key)
	assert.Equal(t, 0, c.RingLen(0))

	require.Equal(t, Miss, c.LookupOrInsert(d, h, 4))
	snap = c.Bucket(h)
	assert.Equal(t, d, snap.Primary[0].Key)
	assert.ElementsMatch(t, []types.FlowKey{b, cc}, []types.FlowKey{snap.Eviction[0].Key, snap.Eviction[1].Key})
	assert.Equal(t, 1, c.RingLen(0))

	ring := drainAll(c, 0)
	require.Len(t, ring, 1)
	assert.Equal(t, a, ring[0].Key)
	assert.Equal(t, uint64(1), ring[0].Info.LatestTS)

	st := c.Stats()
	assert.Equal(t, uint64(4), st.Misses)
	assert.Equal(t, uint64(1), st.RingSpills)
	assert.Zero(t, st.RingOverflowDrops)
}

func TestPromotionKeepsBucketKeys(t *testing.T) {
	c := newTestCache(t, smallConfig(1, 2, 4))
	const h = 0
	for i := uint32(1); i <= 3; i++ {
		require.Equal(t, Miss, c.LookupOrInsert(testKey(i), h, types.Timestamp(i)))
	}
	before := c.Bucket(h)
	require.Equal(t, testKey(3), before.Primary[0].Key)

	// key 1 sits in the eviction buffer; hitting it swaps it with key 3.
	require.Equal(t, Hit, c.LookupOrInsert(testKey(1), h, 10))
	after := c.Bucket(h)

	assert.ElementsMatch(t, before.Keys(), after.Keys())
	assert.Equal(t, testKey(1), after.Primary[0].Key)
	assert.Equal(t, uint32(2), after.Primary[0].Info.HitCount)
	assert.Equal(t, uint64(10), after.Primary[0].Info.LatestTS)

	var demoted *SlotSnapshot
	for i := range after.Eviction {
		if after.Eviction[i].Key == testKey(3) {
			demoted = &after.Eviction[i]
		}
	}
	require.NotNil(t, demoted)
	assert.Equal(t, uint32(1), demoted.Info.HitCount)
	assert.Equal(t, uint64(3), demoted.Info.LatestTS)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.EvictionBufferHits)
	assert.Zero(t, st.PrimaryHits)
	assert.Zero(t, c.RingLen(0))
}

func TestDoubleDisplacementNeverLosesSilently(t *testing.T) {
	c := newTestCache(t, smallConfig(1, 1, 1))
	const h = 0
	require.Equal(t, Miss, c.LookupOrInsert(testKey(1), h, 1))
	require.Equal(t, Miss, c.LookupOrInsert(testKey(2), h, 2)) // 1 -> eviction buffer
	require.Equal(t, Miss, c.LookupOrInsert(testKey(3), h, 3)) // 1 -> ring, 2 -> eviction buffer

	snap := c.Bucket(h)
	assert.Equal(t, testKey(2), snap.Eviction[0].Key)
	assert.Equal(t, 1, c.RingLen(0))

	// Ring is full: key 2 is dropped and counted, key 3 lands in the eviction buffer.
	require.Equal(t, Miss, c.LookupOrInsert(testKey(4), h, 4))
	snap = c.Bucket(h)
	assert.Equal(t, testKey(4), snap.Primary[0].Key)
	assert.Equal(t, testKey(3), snap.Eviction[0].Key)

	st := c.Stats()
	assert.Equal(t, uint64(2), st.RingSpills)
	assert.Equal(t, uint64(1), st.RingOverflowDrops)

	ring := drainAll(c, 0)
	require.Len(t, ring, 1)
	assert.Equal(t, testKey(1), ring[0].Key)
}

func TestEvictionDisabledSpillsPrimaryVictim(t *testing.T) {
	c := newTestCache(t, smallConfig(2, 0, 4))
	const h = 0
	require.Equal(t, Miss, c.LookupOrInsert(testKey(1), h, 1))
	require.Equal(t, Miss, c.LookupOrInsert(testKey(2), h, 2))
	require.Equal(t, Hit, c.LookupOrInsert(testKey(1), h, 3))
	require.Equal(t, Miss, c.LookupOrInsert(testKey(3), h, 4))

	snap := c.Bucket(h)
	assert.Nil(t, snap.Eviction)
	assert.ElementsMatch(t, []types.FlowKey{testKey(1), testKey(3)}, snap.Keys())

	ring := drainAll(c, 0)
	require.Len(t, ring, 1)
	assert.Equal(t, testKey(2), ring[0].Key)
	assert.Equal(t, uint64(1), c.Stats().RingSpills)
}

func TestLFUPrimaryKeepsHotFlow(t *testing.T) {
	cfg := smallConfig(2, 0, 4)
	cfg.PrimaryPolicy = LFU
	c := newTestCache(t, cfg)
	const h = 0

	c.LookupOrInsert(testKey(1), h, 1)
	c.LookupOrInsert(testKey(2), h, 2)
	for i := 0; i < 5; i++ {
		c.LookupOrInsert(testKey(1), h, types.Timestamp(3+i))
	}
	c.LookupOrInsert(testKey(2), h, 20) // key 2 is now most recent but colder
	c.LookupOrInsert(testKey(3), h, 21)

	assert.ElementsMatch(t, []types.FlowKey{testKey(1), testKey(3)}, c.Bucket(h).Keys())
	ring := drainAll(c, 0)
	require.Len(t, ring, 1)
	assert.Equal(t, testKey(2), ring[0].Key)
	assert.Equal(t, uint32(2), ring[0].Info.HitCount)
}

func TestHitCountSaturates(t *testing.T) {
	c := newTestCache(t, smallConfig(1, 0, 1))
	k := testKey(1)
	require.Equal(t, Miss, c.LookupOrInsert(k, 0, 1))
	c.primary.bucket(0)[0].hits.Store(math.MaxUint32 - 3)

	for i := 0; i < 10; i++ {
		require.Equal(t, Hit, c.LookupOrInsert(k, 0, types.Timestamp(2+i)))
		got := c.Bucket(0).Primary[0].Info.HitCount
		assert.Greater(t, got, uint32(1), "hit count wrapped at step %d", i)
	}
	assert.Equal(t, uint32(types.HitCountSaturated), c.Bucket(0).Primary[0].Info.HitCount)
	assert.Equal(t, uint64(11), c.Bucket(0).Primary[0].Info.LatestTS)
}

func TestNextHitCount(t *testing.T) {
	assert.Equal(t, uint32(2), types.NextHitCount(1))
	assert.Equal(t, uint32(math.MaxUint32-1), types.NextHitCount(math.MaxUint32-2))
	assert.Equal(t, uint32(types.HitCountSaturated), types.NextHitCount(math.MaxUint32-1))
	assert.Equal(t, uint32(types.HitCountSaturated), types.NextHitCount(math.MaxUint32))
}

func TestRingFullEmptyDisambiguation(t *testing.T) {
	const size = 3
	c := newTestCache(t, smallConfig(1, 0, size))
	const h = 0

	// The first insert fills Primary; every later one spills the previous key.
	c.LookupOrInsert(testKey(100), h, 1)
	for i := uint32(1); i <= size; i++ {
		c.LookupOrInsert(testKey(i), h, types.Timestamp(1+i))
	}
	r := &c.rings[0]
	assert.True(t, r.full)
	assert.Equal(t, r.read, r.write)
	assert.Equal(t, size, c.RingLen(0))
	assert.Zero(t, c.Stats().RingOverflowDrops)

	c.LookupOrInsert(testKey(50), h, 10)
	assert.Equal(t, uint64(1), c.Stats().RingOverflowDrops)
	assert.Equal(t, size, c.RingLen(0))

	e, ok := c.DrainRing(0)
	require.True(t, ok)
	assert.Equal(t, testKey(100), e.Key)
	assert.False(t, r.full)

	c.LookupOrInsert(testKey(51), h, 11)
	assert.True(t, r.full)
	assert.Equal(t, uint64(1), c.Stats().RingOverflowDrops)
	c.LookupOrInsert(testKey(52), h, 12)
	assert.Equal(t, uint64(2), c.Stats().RingOverflowDrops)

	drained := drainAll(c, 0)
	require.Len(t, drained, size)
	assert.Equal(t, []types.FlowKey{testKey(1), testKey(2), testKey(50)},
		[]types.FlowKey{drained[0].Key, drained[1].Key, drained[2].Key})
	assert.True(t, r.empty())
	assert.Equal(t, r.read, r.write)
	assert.Zero(t, c.RingLen(0))
}

func TestRingPushPop(t *testing.T) {
	var r ring
	r.init(2)
	assert.True(t, r.empty())
	_, ok := r.pop()
	assert.False(t, ok)

	require.True(t, r.tryPush(types.Entry{Key: testKey(1)}))
	assert.Equal(t, 1, r.len())
	require.True(t, r.tryPush(types.Entry{Key: testKey(2)}))
	assert.True(t, r.full)
	assert.Equal(t, 2, r.len())
	assert.False(t, r.tryPush(types.Entry{Key: testKey(3)}))

	e, ok := r.pop()
	require.True(t, ok)
	assert.Equal(t, testKey(1), e.Key)
	assert.Equal(t, 1, r.len())
	require.True(t, r.tryPush(types.Entry{Key: testKey(3)}))
	assert.False(t, r.tryPush(types.Entry{Key: testKey(4)}))

	e, _ = r.pop()
	assert.Equal(t, testKey(2), e.Key)
	e, _ = r.pop()
	assert.Equal(t, testKey(3), e.Key)
	assert.True(t, r.empty())
}

func TestTrackRejectsUnsupportedProtocol(t *testing.T) {
	c := newTestCache(t, DefaultConfig())
	icmp := flowkey.Tuple{SrcAddr: 1, DstAddr: 2, Protocol: 1}
	assert.Equal(t, Rejected, c.Track(icmp, 1))

	udp := flowkey.Tuple{SrcAddr: 1, DstAddr: 2, SrcPort: 3, DstPort: 4, Protocol: types.ProtoUDP}
	assert.Equal(t, Miss, c.Track(udp, 2))
	assert.Equal(t, Hit, c.Track(udp, 3))

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Hits())
}

func TestTrackUsesConfiguredHasher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hash = flowkey.XXHash
	c := newTestCache(t, cfg)

	tu := flowkey.Tuple{SrcAddr: 7, DstAddr: 8, SrcPort: 9, DstPort: 10, Protocol: types.ProtoTCP}
	require.Equal(t, Miss, c.Track(tu, 1))
	k, err := flowkey.FromTuple(tu)
	require.NoError(t, err)

	assert.Contains(t, c.Bucket(flowkey.XXHash(k)).Keys(), k)
	assert.Equal(t, flowkey.XXHash(k), c.Hash(k))
}

func TestLookupScansPrimaryOnly(t *testing.T) {
	c := newTestCache(t, smallConfig(1, 2, 2))
	const h = 0
	_, ok := c.Lookup(testKey(1), h, 1)
	assert.False(t, ok)
	assert.Empty(t, c.Bucket(h).Keys())

	c.LookupOrInsert(testKey(1), h, 1)
	c.LookupOrInsert(testKey(2), h, 2) // key 1 demoted

	// Eviction Buffer entries are left to LookupOrInsert.
	_, ok = c.Lookup(testKey(1), h, 5)
	assert.False(t, ok)
	snap := c.Bucket(h)
	assert.Equal(t, testKey(2), snap.Primary[0].Key)
	require.True(t, snap.Eviction[0].Occupied)
	assert.Equal(t, uint32(1), snap.Eviction[0].Info.HitCount)
	assert.Equal(t, uint64(1), snap.Eviction[0].Info.LatestTS)

	info, ok := c.Lookup(testKey(2), h, 6)
	require.True(t, ok)
	assert.Equal(t, uint32(2), info.HitCount)
	assert.Equal(t, uint64(6), info.LatestTS)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.PrimaryHits)
	assert.Zero(t, st.EvictionBufferHits)
	assert.Equal(t, uint64(2), st.Misses)

	// A miss falls through to LookupOrInsert, which promotes key 1.
	assert.Equal(t, Hit, c.LookupOrInsert(testKey(1), h, 7))
	assert.Equal(t, testKey(1), c.Bucket(h).Primary[0].Key)
}

func TestDrainRingOutOfRange(t *testing.T) {
	c := newTestCache(t, smallConfig(1, 0, 1))
	_, ok := c.DrainRing(-1)
	assert.False(t, ok)
	_, ok = c.DrainRing(c.Rings())
	assert.False(t, ok)
	assert.Zero(t, c.RingLen(5))
}

func TestRingIndexUsesRingMask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingTableSize = 16
	c := newTestCache(t, cfg)
	assert.Equal(t, 0xf, c.RingIndex(0xffff))
	assert.Equal(t, 3, c.RingIndex(0x13))
}

func TestSpillGoesToRingOfHash(t *testing.T) {
	cfg := smallConfig(1, 0, 4)
	cfg.RingTableSize = 4
	c := newTestCache(t, cfg)

	// Same primary bucket (count 1), ring index taken from the low two bits.
	c.LookupOrInsert(testKey(1), 0x6, 1)
	c.LookupOrInsert(testKey(2), 0x6, 2)
	assert.Equal(t, 1, c.RingLen(2))
	assert.Zero(t, c.RingLen(0))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "hit", Hit.String())
	assert.Equal(t, "miss", Miss.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
