// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

import "github.com/flowstate-cache/internal/types"

// SelectionKind says why a slot was chosen.
type SelectionKind uint8

const (
	Candidate SelectionKind = iota
	EmptySlot
	ExactMatch
)

func (k SelectionKind) String() string {
	switch k {
	case ExactMatch:
		return "exact-match"
	case EmptySlot:
		return "empty-slot"
	default:
		return "candidate"
	}
}

type Selection struct {
	Kind  SelectionKind
	Index int
}

// selectVictim scans one bucket for key.
//
// An exact match wins and ends the scan. Otherwise the first empty slot is
// returned, and only when the bucket is full does the policy pick the
// occupied slot with the smallest LatestTS (LRU) or HitCount (LFU). Ties go
// to the lowest index. slots must not be empty.
func selectVictim(slots []slot, key types.FlowKey, policy Policy) Selection {
	empty := -1
	victim := 0
	var best uint64
	for i := range slots {
		s := &slots[i]
		if s.matches(key) {
			return Selection{Kind: ExactMatch, Index: i}
		}
		if !s.used {
			if empty < 0 {
				empty = i
			}
			continue
		}
		if empty >= 0 {
			continue
		}
		var v uint64
		if policy == LFU {
			v = uint64(s.hits.Load())
		} else {
			v = s.latest.Load()
		}
		if i == 0 || v < best {
			best = v
			victim = i
		}
	}
	if empty >= 0 {
		return Selection{Kind: EmptySlot, Index: empty}
	}
	return Selection{Kind: Candidate, Index: victim}
}
