// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ipx

import (
	"encoding/binary"
	"net"
)

// TCP flag bits, as they sit in byte 13 of the TCP header.
const (
	FlagFIN byte = 1 << 0
	FlagSYN byte = 1 << 1
	FlagRST byte = 1 << 2
	FlagPSH byte = 1 << 3
	FlagACK byte = 1 << 4
)

// TCPSegment is a parsed TCP header plus payload.
type TCPSegment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   byte
	Window  uint16
	Payload []byte
}

func (s *TCPSegment) HasFlag(f byte) bool { return s.Flags&f != 0 }

func parseTCP(b []byte) (*TCPSegment, error) {
	if len(b) < 20 {
		return nil, ErrShort
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(b) {
		return nil, ErrBadHeader
	}
	return &TCPSegment{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   b[13],
		Window:  binary.BigEndian.Uint16(b[14:16]),
		Payload: append([]byte(nil), b[dataOffset:]...),
	}, nil
}

// MaxTCPPayload returns the largest payload a single built TCP segment
// may carry, per spec §4.1's MTU-derived 1460-byte ceiling.
func MaxTCPPayload() int { return maxTCPPayload }

// BuildTCP builds a full IPv4+TCP packet (header + payload) with
// correct IPv4 and TCP-with-pseudo-header checksums. payload must be at
// most MaxTCPPayload() bytes; callers (the TCP flow engine) are
// responsible for segmenting larger buffers.
func BuildTCP(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16, payload []byte) []byte {
	tcpLen := 20 + len(payload)
	buf := make([]byte, ipv4HeaderLen+tcpLen)

	tcp := buf[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = 5 << 4 // data offset, no options
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], window)
	tcp[16], tcp[17] = 0, 0 // checksum, filled below
	tcp[18], tcp[19] = 0, 0 // urgent pointer
	copy(tcp[20:], payload)

	sum := pseudoHeaderSum(srcIP, dstIP, ProtoTCP, tcpLen)
	for i := 0; i+1 < len(tcp); i += 2 {
		if i == 16 {
			continue
		}
		sum += uint32(tcp[i])<<8 | uint32(tcp[i+1])
	}
	if len(tcp)%2 == 1 {
		sum += uint32(tcp[len(tcp)-1]) << 8
	}
	cksum := foldChecksum(sum)
	binary.BigEndian.PutUint16(tcp[16:18], cksum)

	BuildIPv4Header(buf[:ipv4HeaderLen], srcIP, dstIP, ProtoTCP, tcpLen)
	return buf
}
