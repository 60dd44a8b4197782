// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package udpsplit

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/veilrun/corevpn/ipx"
	"github.com/veilrun/corevpn/nat"
)

func udpPacket(t *testing.T, dstPort uint16, payload []byte) *ipx.Packet {
	t.Helper()
	raw := ipx.BuildUDP(net.ParseIP("10.0.0.2"), net.ParseIP("8.8.8.8"), 50000, dstPort, payload)
	p, err := ipx.ParseIPv4(raw)
	if err != nil {
		t.Fatalf("parse udp: %v", err)
	}
	return p
}

func TestQUICCandidateOnPort443IsDropped(t *testing.T) {
	table := nat.New()
	defer table.Close()

	dialCalled := false
	dial := func(ctx context.Context, dst netip.AddrPort) (net.PacketConn, error) {
		dialCalled = true
		return nil, nil
	}
	var wrote bool
	write := func(pkt []byte) error { wrote = true; return nil }

	s := New(table, nil, dial, write)
	p := udpPacket(t, 443, []byte{0x01, 0x02})

	if err := s.HandlePacket(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if dialCalled || wrote {
		t.Fatal("port 443 UDP must be silently dropped, never dialed or replied to")
	}
}

func TestPort53RoutesThroughDNSHandler(t *testing.T) {
	table := nat.New()
	defer table.Close()

	var gotQuery []byte
	dns := func(ctx context.Context, q []byte) ([]byte, error) {
		gotQuery = q
		return []byte("answer"), nil
	}
	var replied []byte
	write := func(pkt []byte) error {
		replied = pkt
		return nil
	}

	s := New(table, dns, nil, write)
	p := udpPacket(t, 53, []byte("query"))

	if err := s.HandlePacket(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if string(gotQuery) != "query" {
		t.Fatalf("dns handler got %q", gotQuery)
	}
	out, err := ipx.ParseIPv4(replied)
	if err != nil {
		t.Fatal(err)
	}
	if string(out.UDP.Payload) != "answer" {
		t.Fatalf("reply payload = %q", out.UDP.Payload)
	}
}
