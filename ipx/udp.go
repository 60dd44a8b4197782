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

// UDPDatagram is a parsed UDP header plus payload.
type UDPDatagram struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

func parseUDP(b []byte) (*UDPDatagram, error) {
	if len(b) < 8 {
		return nil, ErrShort
	}
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < 8 || length > len(b) {
		length = len(b)
	}
	return &UDPDatagram{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Payload: append([]byte(nil), b[8:length]...),
	}, nil
}

// BuildUDP builds a full IPv4+UDP packet with correct checksums. Per
// spec §4.1, a computed checksum of zero is transmitted as 0xFFFF
// (0 would mean "no checksum", which IPv4 UDP must not claim once one
// has actually been computed).
func BuildUDP(srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	buf := make([]byte, ipv4HeaderLen+udpLen)

	udp := buf[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	udp[6], udp[7] = 0, 0
	copy(udp[8:], payload)

	sum := pseudoHeaderSum(srcIP, dstIP, ProtoUDP, udpLen)
	for i := 0; i+1 < len(udp); i += 2 {
		if i == 6 {
			continue
		}
		sum += uint32(udp[i])<<8 | uint32(udp[i+1])
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}
	cksum := foldChecksum(sum)
	if cksum == 0 {
		cksum = 0xFFFF
	}
	binary.BigEndian.PutUint16(udp[6:8], cksum)

	BuildIPv4Header(buf[:ipv4HeaderLen], srcIP, dstIP, ProtoUDP, udpLen)
	return buf
}
