// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

// Package flowkey turns parsed 5-tuples into cache keys and hashes them.
package flowkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/flowstate-cache/internal/types"
)

var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// Tuple holds the fields the header parser extracts from the inner packet.
// Addresses are IPv4 in network byte order packed into a uint32.
type Tuple struct {
	SrcAddr  uint32
	DstAddr  uint32
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// FromTuple builds the flow key. Only TCP and UDP flows are tracked; any
// other protocol returns ErrUnsupportedProtocol and the packet is dropped
// by the caller.
func FromTuple(t Tuple) (types.FlowKey, error) {
	switch t.Protocol {
	case types.ProtoTCP, types.ProtoUDP:
	default:
		return types.FlowKey{}, fmt.Errorf("protocol %d: %w", t.Protocol, ErrUnsupportedProtocol)
	}
	return types.FlowKey{
		t.SrcAddr,
		t.DstAddr,
		uint32(t.SrcPort)<<16 | uint32(t.DstPort),
		uint32(t.Protocol),
	}, nil
}

// Addr4 packs an IPv4 address into a key word. ok is false for anything
// that is not a 4-byte address (including IPv4-mapped IPv6).
func Addr4(a netip.Addr) (uint32, bool) {
	if !a.Is4() {
		return 0, false
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// AddrBytes4 packs a raw 4-byte address slice.
func AddrBytes4(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

// Hasher maps a key to a 32-bit hash. The cache masks the result separately
// for the bucket and the ring index.
type Hasher func(types.FlowKey) uint32

func encode(k types.FlowKey) [16]byte {
	var b [16]byte
	for i, w := range k {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// CRC32 hashes the 16-byte key encoding with CRC-32 (IEEE).
func CRC32(k types.FlowKey) uint32 {
	b := encode(k)
	return crc32.ChecksumIEEE(b[:])
}

// XXHash hashes the key with xxhash64 and folds the halves together.
func XXHash(k types.FlowKey) uint32 {
	b := encode(k)
	h := xxhash.Sum64(b[:])
	return uint32(h) ^ uint32(h>>32)
}

const SupportedHashers = "crc32, xxhash"

// ParseHasher resolves a hasher by name.
func ParseHasher(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "crc32", "":
		return CRC32, nil
	case "xxhash":
		return XXHash, nil
	default:
		return nil, fmt.Errorf("invalid hash %q: must be one of %s", name, SupportedHashers)
	}
}
