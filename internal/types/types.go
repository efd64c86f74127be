// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package types

import (
	"fmt"
	"math"
)

// FlowKey is the 4-word flow identity: src addr, dst addr, (sport<<16)|dport, protocol.
// Two keys are equal when all four words are equal.
type FlowKey [4]uint32

const (
	WordSrcAddr = 0
	WordDstAddr = 1
	WordPorts   = 2
	WordProto   = 3
)

func (k FlowKey) SrcAddr() uint32 { return k[WordSrcAddr] }
func (k FlowKey) DstAddr() uint32 { return k[WordDstAddr] }
func (k FlowKey) SrcPort() uint16 { return uint16(k[WordPorts] >> 16) }
func (k FlowKey) DstPort() uint16 { return uint16(k[WordPorts]) }
func (k FlowKey) Protocol() uint8 { return uint8(k[WordProto]) }
func (k FlowKey) SrcAddr4() [4]byte { return addr4(k[WordSrcAddr]) }
func (k FlowKey) DstAddr4() [4]byte { return addr4(k[WordDstAddr]) }

func (k FlowKey) String() string {
	s, d := k.SrcAddr4(), k.DstAddr4()
	return fmt.Sprintf("%d.%d.%d.%d:%d->%d.%d.%d.%d:%d/%d",
		s[0], s[1], s[2], s[3], k.SrcPort(),
		d[0], d[1], d[2], d[3], k.DstPort(), k.Protocol())
}

// Addresses are stored in network order, most significant byte first.
func addr4(w uint32) [4]byte {
	return [4]byte{byte(w >> 24), byte(w >> 16), byte(w >> 8), byte(w)}
}

// Timestamp is a monotonic tick value from a shared clock source.
type Timestamp = uint64

// HitCountSaturated is the terminal value of a hit counter. A counter that
// reaches MaxUint32-1 is forced here and never wraps back to a cold value.
const HitCountSaturated = math.MaxUint32

// EntryInfo mirrors the per-flow record kept next to each key.
type EntryInfo struct {
	HitCount    uint32
	InsertionTS uint32 // low 32 bits of the insertion timestamp
	LatestTS    uint64
}

type Entry struct {
	Key  FlowKey
	Info EntryInfo
}

// NextHitCount returns the saturating successor of c.
func NextHitCount(c uint32) uint32 {
	if c >= math.MaxUint32-1 {
		return HitCountSaturated
	}
	return c + 1
}

// Protocol numbers folded into FlowKey word 3.
const (
	ProtoTCP = 0x06
	ProtoUDP = 0x11
)

// Indices into the cache counter array exported by the collector.
const (
	StatPrimaryHits       = 0
	StatEvictionHits      = 1
	StatMisses            = 2
	StatRingSpills        = 3
	StatRingOverflowDrops = 4
	StatRejected          = 5
	NumStats              = 6
)
