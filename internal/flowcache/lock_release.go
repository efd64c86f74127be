//go:build !flowcache_debug

// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

// spinBudget of zero means waiters spin for as long as it takes.
const spinBudget = 0
