// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

// Package replay feeds captured traffic into the flow cache. It reads pcap
// and pcapng files, strips GTP-U tunnels and reports the inner 5-tuple of
// every IPv4 packet.
package replay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/flowstate-cache/internal/flowkey"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// ErrNoFlow marks a packet that carries no trackable IPv4 flow (ARP, IPv6,
// truncated or fragmented transport headers). It is not fatal; the caller
// skips the packet.
var ErrNoFlow = errors.New("packet has no IPv4 flow")

// GTPUPort is the registered GTP-U user plane port.
const GTPUPort = 2152

// A transport layer that failed to decode is still appended to the packet,
// with no Contents.
const (
	minTCPHeader = 20
	minUDPHeader = 8
)

// Packet is one decoded capture record.
type Packet struct {
	Tuple     flowkey.Tuple
	Tunneled  bool // inner tuple taken from behind a GTP-U header
	Timestamp time.Time
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source decodes packets from a capture. It is not safe for concurrent use.
type Source struct {
	r      packetReader
	closer io.Closer
	opts   gopacket.DecodeOptions
}

// Open opens a pcap or pcapng file.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err == nil {
		slog.Debug("capture opened", "path", path, "format", "pcap", "link_type", r.LinkType())
		return newSource(r, f), nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		f.Close()
		return nil, fmt.Errorf("rewind %s: %w", path, serr)
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		f.Close()
		return nil, fmt.Errorf("open capture %s: not pcap (%v) nor pcapng: %w", path, err, ngErr)
	}
	slog.Debug("capture opened", "path", path, "format", "pcapng", "link_type", ng.LinkType())
	return newSource(ng, f), nil
}

// NewSource reads a classic pcap stream from r.
func NewSource(r io.Reader) (*Source, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, err
	}
	return newSource(pr, nil), nil
}

func newSource(r packetReader, c io.Closer) *Source {
	return &Source{
		r:      r,
		closer: c,
		opts:   gopacket.DecodeOptions{NoCopy: true},
	}
}

// Next decodes the next packet. It returns io.EOF at the end of the
// capture and an error wrapping ErrNoFlow for packets without a flow.
func (s *Source) Next() (Packet, error) {
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		return Packet{}, err
	}
	pkt := gopacket.NewPacket(data, s.r.LinkType(), s.opts)
	t, tunneled, err := Extract(pkt)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Tuple: t, Tunneled: tunneled, Timestamp: ci.Timestamp}, nil
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Extract returns the innermost IPv4 5-tuple of a decoded packet. GTP-U
// encapsulation is peeled by taking the last network header and the
// transport header that follows it; when that header is IPv6 the packet has
// no IPv4 flow. Non TCP/UDP protocols are returned with zero ports so the
// cache can count them as rejected.
func Extract(pkt gopacket.Packet) (flowkey.Tuple, bool, error) {
	var (
		ip       *layers.IPv4
		tcp      *layers.TCP
		udp      *layers.UDP
		tunneled bool
	)
	for _, l := range pkt.Layers() {
		switch v := l.(type) {
		case *layers.IPv4:
			ip, tcp, udp = v, nil, nil
		case *layers.IPv6:
			ip, tcp, udp = nil, nil, nil
		case *layers.TCP:
			if ip != nil && tcp == nil && udp == nil {
				tcp = v
			}
		case *layers.UDP:
			if ip != nil && tcp == nil && udp == nil {
				udp = v
			}
		case *layers.GTPv1U:
			tunneled = true
		}
	}
	if ip == nil {
		return flowkey.Tuple{}, false, ErrNoFlow
	}
	src, ok := flowkey.AddrBytes4(ip.SrcIP.To4())
	if !ok {
		return flowkey.Tuple{}, false, ErrNoFlow
	}
	dst, ok := flowkey.AddrBytes4(ip.DstIP.To4())
	if !ok {
		return flowkey.Tuple{}, false, ErrNoFlow
	}
	t := flowkey.Tuple{SrcAddr: src, DstAddr: dst, Protocol: uint8(ip.Protocol)}
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		if tcp == nil || len(tcp.Contents) < minTCPHeader {
			return flowkey.Tuple{}, false, fmt.Errorf("truncated tcp header: %w", ErrNoFlow)
		}
		t.SrcPort, t.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	case layers.IPProtocolUDP:
		if udp == nil || len(udp.Contents) < minUDPHeader {
			return flowkey.Tuple{}, false, fmt.Errorf("truncated udp header: %w", ErrNoFlow)
		}
		t.SrcPort, t.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	}
	return t, tunneled, nil
}
