//go:build flowcache_debug

// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package flowcache

// spinBudget turns a lock that never frees into a panic in debug builds.
const spinBudget = 1 << 26
