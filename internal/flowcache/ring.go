// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

import "github.com/flowstate-cache/internal/types"

// ring is the bounded overflow store for one hash neighbourhood. The writer
// is the eviction engine, the reader is an out-of-band consumer. Equal
// pointers mean empty unless full is set. All fields are guarded by mu.
type ring struct {
	mu    spinLock
	slots []types.Entry
	write uint32
	read  uint32
	full  bool
}

func (r *ring) init(capacity int) {
	r.slots = make([]types.Entry, capacity)
}

// tryPush stores e at the write pointer. A full ring refuses the entry and
// the caller counts the drop.
func (r *ring) tryPush(e types.Entry) bool {
	if r.full {
		return false
	}
	r.slots[r.write] = e
	r.write = r.next(r.write)
	if r.write == r.read {
		r.full = true
	}
	return true
}

// pop takes the oldest entry and clears full.
func (r *ring) pop() (types.Entry, bool) {
	if r.empty() {
		return types.Entry{}, false
	}
	e := r.slots[r.read]
	r.slots[r.read] = types.Entry{}
	r.read = r.next(r.read)
	r.full = false
	return e, true
}

func (r *ring) empty() bool {
	return !r.full && r.write == r.read
}

func (r *ring) len() int {
	switch {
	case r.full:
		return len(r.slots)
	case r.write >= r.read:
		return int(r.write - r.read)
	default:
		return len(r.slots) - int(r.read-r.write)
	}
}

func (r *ring) next(p uint32) uint32 {
	p++
	if int(p) == len(r.slots) {
		return 0
	}
	return p
}
