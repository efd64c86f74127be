//go:build !unix

// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package clock

import "time"

var start = time.Now()

func monotonicNow() uint64 {
	return uint64(time.Since(start))
}
