//go:build unix

// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

var start = time.Now()

// monotonicNow samples CLOCK_MONOTONIC. If the syscall fails we fall back to
// the runtime's monotonic reading relative to process start.
func monotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Since(start))
	}
	return uint64(unix.TimespecToNsec(ts))
}
