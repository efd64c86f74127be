// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

import (
	"runtime"
	"sync/atomic"
)

// activeSpins is how many immediate CAS retries a waiter makes before it
// starts yielding the processor between attempts.
const activeSpins = 64

// spinLock is a test-and-set lock. Critical sections in the cache are a few
// slot copies long, so waiters spin instead of parking. Each lock sits on
// its own cache line so neighbouring stripes do not false-share.
type spinLock struct {
	state atomic.Uint32
	_     [60]byte
}

func (l *spinLock) Lock() {
	if l.state.CompareAndSwap(0, 1) {
		return
	}
	l.lockSlow()
}

func (l *spinLock) lockSlow() {
	for spins := 1; ; spins++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if spinBudget > 0 && spins > spinBudget {
			panic("flowcache: lock held past spin budget, probable deadlock")
		}
		if spins > activeSpins {
			runtime.Gosched()
		}
	}
}

func (l *spinLock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("flowcache: unlock of unlocked lock")
	}
}

// TryLock acquires the lock only if it is free.
func (l *spinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}
