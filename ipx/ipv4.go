// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ipx parses and builds IPv4 datagrams carrying TCP or UDP, per
// spec §4.1. IPv6 is recognized only so ingress can drop it (spec §1
// "no IPv6 egress"; spec §8 "∀ ingress IPv6 packet: no side effect").
package ipx

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17

	ipv4HeaderLen = 20
	maxTCPPayload = 1460 // MTU 1500 - 20 IP - 20 TCP, per spec §4.1
)

var (
	ErrShort      = errors.New("ipx: packet too short")
	ErrNotIPv4    = errors.New("ipx: not ipv4")
	ErrIPv6       = errors.New("ipx: ipv6, dropped by design")
	ErrBadHeader  = errors.New("ipx: malformed header")
	ErrNotTCPOrUDP = errors.New("ipx: unsupported l4 protocol")
)

// Packet is a parsed IPv4 datagram. Exactly one of TCP/UDP is populated
// depending on Protocol.
type Packet struct {
	Protocol byte
	SrcIP    net.IP
	DstIP    net.IP
	TTL      byte

	TCP *TCPSegment
	UDP *UDPDatagram
}

// Version peeks at the first nibble of b to distinguish IPv4 from IPv6
// without fully parsing. Used by ingress to drop IPv6 before any other
// work happens.
func Version(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, ErrShort
	}
	return int(b[0] >> 4), nil
}

// ParseIPv4 parses an IPv4 header and its TCP/UDP payload.
func ParseIPv4(b []byte) (*Packet, error) {
	if len(b) < ipv4HeaderLen {
		return nil, ErrShort
	}
	vihl := b[0]
	version := vihl >> 4
	if version == 6 {
		return nil, ErrIPv6
	}
	if version != 4 {
		return nil, ErrNotIPv4
	}
	ihl := int(vihl&0x0f) * 4
	if ihl < ipv4HeaderLen || len(b) < ihl {
		return nil, ErrBadHeader
	}
	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	if totalLen > len(b) {
		totalLen = len(b) // tolerate trailing padding from the TUN fd
	}
	proto := b[9]
	ttl := b[8]
	src := net.IP(append([]byte(nil), b[12:16]...))
	dst := net.IP(append([]byte(nil), b[16:20]...))

	payload := b[ihl:totalLen]

	p := &Packet{Protocol: proto, SrcIP: src, DstIP: dst, TTL: ttl}
	switch proto {
	case ProtoTCP:
		seg, err := parseTCP(payload)
		if err != nil {
			return nil, err
		}
		p.TCP = seg
	case ProtoUDP:
		dg, err := parseUDP(payload)
		if err != nil {
			return nil, err
		}
		p.UDP = dg
	default:
		return nil, ErrNotTCPOrUDP
	}
	return p, nil
}

func ipChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		if i == 10 { // skip existing checksum field
			continue
		}
		sum += uint32(header[i])<<8 | uint32(header[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func pseudoHeaderSum(src, dst net.IP, proto byte, length int) uint32 {
	var sum uint32
	s4, d4 := src.To4(), dst.To4()
	sum += uint32(s4[0])<<8 | uint32(s4[1])
	sum += uint32(s4[2])<<8 | uint32(s4[3])
	sum += uint32(d4[0])<<8 | uint32(d4[1])
	sum += uint32(d4[2])<<8 | uint32(d4[3])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// BuildIPv4Header writes a 20-byte IPv4 header (no options, DF set,
// TTL=64) for an L4 payload of the given protocol and length into out,
// which must be at least 20 bytes. Returns the header with its checksum
// computed.
func BuildIPv4Header(out []byte, src, dst net.IP, proto byte, l4len int) []byte {
	out = out[:ipv4HeaderLen]
	totalLen := ipv4HeaderLen + l4len

	out[0] = 0x45 // version 4, IHL 5
	out[1] = 0x00 // DSCP/ECN
	binary.BigEndian.PutUint16(out[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(out[4:6], 0) // identification
	out[6] = 0x40                           // flags: don't fragment
	out[7] = 0x00                           // fragment offset
	out[8] = 64                             // TTL
	out[9] = proto
	out[10] = 0
	out[11] = 0
	s4, d4 := src.To4(), dst.To4()
	copy(out[12:16], s4)
	copy(out[16:20], d4)

	cksum := ipChecksum(out)
	binary.BigEndian.PutUint16(out[10:12], cksum)
	return out
}
