// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flowstate-cache/internal/flowkey"
)

var ErrInvalidConfig = errors.New("invalid flow cache config")

// Policy picks the victim among occupied slots of a full bucket.
type Policy uint8

const (
	// LRU evicts the slot with the oldest LatestTS.
	LRU Policy = iota
	// LFU evicts the slot with the lowest HitCount.
	LFU
)

const SupportedPolicies = "lru, lfu"

func (p Policy) String() string {
	switch p {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lru", "":
		return LRU, nil
	case "lfu":
		return LFU, nil
	default:
		return LRU, fmt.Errorf("invalid replacement policy %q: must be one of %s", s, SupportedPolicies)
	}
}

func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Config fixes the cache geometry. It is read once by New; the cache never
// resizes. Counts used as masks must be powers of two.
type Config struct {
	PrimaryBucketCount int // power of two; bucket = hash & (count-1)
	PrimaryBucketSize  int // slots per primary bucket, 1 = direct-mapped

	EvictionEnabled    bool
	EvictionBucketSize int // slots per eviction buffer bucket, >= PrimaryBucketSize

	RingTableSize  int // power of two; ring = hash & (size-1)
	RingBucketSize int // entries a ring holds before it reports full

	PrimaryPolicy  Policy
	EvictionPolicy Policy

	// LockStripeCount bucket locks shared by all buckets via hash & (count-1).
	// Must not exceed PrimaryBucketCount so one bucket always maps to one lock.
	LockStripeCount int

	// Hash is used by Track to derive the bucket hash. Nil means CRC32.
	Hash flowkey.Hasher
}

// DefaultConfig mirrors the NIC deployment: direct-mapped LRU primary table,
// 8-way LFU eviction buffer, 4096 rings of 256 entries and 4096 bucket locks.
func DefaultConfig() Config {
	return Config{
		PrimaryBucketCount: 1 << 16,
		PrimaryBucketSize:  1,
		EvictionEnabled:    true,
		EvictionBucketSize: 8,
		RingTableSize:      1 << 12,
		RingBucketSize:     256,
		PrimaryPolicy:      LRU,
		EvictionPolicy:     LFU,
		LockStripeCount:    1 << 12,
		Hash:               flowkey.CRC32,
	}
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func (c Config) Validate() error {
	if !isPow2(c.PrimaryBucketCount) {
		return fmt.Errorf("%w: primary bucket count must be a power of two > 0, got %d", ErrInvalidConfig, c.PrimaryBucketCount)
	}
	if c.PrimaryBucketSize < 1 {
		return fmt.Errorf("%w: primary bucket size must be > 0, got %d", ErrInvalidConfig, c.PrimaryBucketSize)
	}
	if c.EvictionEnabled && c.EvictionBucketSize < c.PrimaryBucketSize {
		return fmt.Errorf("%w: eviction bucket size %d is smaller than primary bucket size %d",
			ErrInvalidConfig, c.EvictionBucketSize, c.PrimaryBucketSize)
	}
	if !isPow2(c.RingTableSize) {
		return fmt.Errorf("%w: ring table size must be a power of two > 0, got %d", ErrInvalidConfig, c.RingTableSize)
	}
	if c.RingBucketSize < 1 {
		return fmt.Errorf("%w: ring bucket size must be > 0, got %d", ErrInvalidConfig, c.RingBucketSize)
	}
	if !isPow2(c.LockStripeCount) {
		return fmt.Errorf("%w: lock stripe count must be a power of two > 0, got %d", ErrInvalidConfig, c.LockStripeCount)
	}
	if c.LockStripeCount > c.PrimaryBucketCount {
		return fmt.Errorf("%w: lock stripe count %d exceeds primary bucket count %d",
			ErrInvalidConfig, c.LockStripeCount, c.PrimaryBucketCount)
	}
	for _, p := range []Policy{c.PrimaryPolicy, c.EvictionPolicy} {
		if p != LRU && p != LFU {
			return fmt.Errorf("%w: unknown replacement policy %d", ErrInvalidConfig, uint8(p))
		}
	}
	return nil
}
