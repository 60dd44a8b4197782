// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ipx

import (
	"bytes"
	"net"
	"testing"
)

func TestBuildThenParseTCPRoundTrips(t *testing.T) {
	src := net.ParseIP("10.0.0.2")
	dst := net.ParseIP("93.184.216.34")
	payload := []byte("hello world")

	pkt := BuildTCP(src, dst, 40000, 443, 1000, 2000, FlagACK|FlagPSH, 65535, payload)

	parsed, err := ParseIPv4(pkt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.TCP == nil {
		t.Fatal("expected tcp segment")
	}
	if parsed.TCP.SrcPort != 40000 || parsed.TCP.DstPort != 443 {
		t.Fatalf("ports: %+v", parsed.TCP)
	}
	if parsed.TCP.Seq != 1000 || parsed.TCP.Ack != 2000 {
		t.Fatalf("seq/ack: %+v", parsed.TCP)
	}
	if !bytes.Equal(parsed.TCP.Payload, payload) {
		t.Fatalf("payload mismatch: %q", parsed.TCP.Payload)
	}
	if !parsed.SrcIP.Equal(src) || !parsed.DstIP.Equal(dst) {
		t.Fatalf("addrs: %v -> %v", parsed.SrcIP, parsed.DstIP)
	}
}

func TestIPv4HeaderChecksumVerifies(t *testing.T) {
	pkt := BuildTCP(net.ParseIP("1.2.3.4"), net.ParseIP("5.6.7.8"), 1, 2, 0, 0, FlagSYN, 0, nil)
	hdr := pkt[:ipv4HeaderLen]
	// ipChecksum skips the checksum field, so sum every word here,
	// including the stored checksum.
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	if folded := foldChecksum(sum); folded != 0 {
		t.Fatalf("checksum over header+checksum field should fold to zero, got %x", folded)
	}
}

func TestUDPZeroChecksumTransmittedAsAllOnes(t *testing.T) {
	// craft src/dst/ports such that the natural checksum comes out 0
	// is impractical to search for directly; instead verify the
	// invariant holds for the len(payload)==0 case called out in spec §4.1
	// by checking no byte of the checksum field is ever 0x0000.
	pkt := BuildUDP(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 5353, 5353, nil)
	cksum := uint16(pkt[ipv4HeaderLen+6])<<8 | uint16(pkt[ipv4HeaderLen+7])
	if cksum == 0 {
		t.Fatalf("udp checksum transmitted as 0x0000, want 0xFFFF when computed sum is zero")
	}
}

func TestIngressIPv6Dropped(t *testing.T) {
	b := []byte{0x60, 0, 0, 0, 0, 0, 6, 64}
	v, err := Version(b)
	if err != nil {
		t.Fatal(err)
	}
	if v != 6 {
		t.Fatalf("want version 6, got %d", v)
	}
	if _, err := ParseIPv4(append(b, make([]byte, 32)...)); err != ErrIPv6 {
		t.Fatalf("want ErrIPv6, got %v", err)
	}
}

func TestMaxTCPPayloadSegmentationBound(t *testing.T) {
	if MaxTCPPayload() != 1460 {
		t.Fatalf("want 1460, got %d", MaxTCPPayload())
	}
}
