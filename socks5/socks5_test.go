// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
)

func TestAddrIPv4RoundTrips(t *testing.T) {
	a := AddrFromAddrPort(netip.MustParseAddrPort("93.184.216.34:443"))
	var buf bytes.Buffer
	buf.Write(a.Encode())

	got, err := ReadAddr(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Atyp != AtypIPv4 || got.Port != 443 || !got.IP.Equal(net.ParseIP("93.184.216.34")) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestAddrDomainRoundTrips(t *testing.T) {
	a := Addr{Atyp: AtypDomain, Domain: "example.com", Port: 80}
	var buf bytes.Buffer
	buf.Write(a.Encode())

	got, err := ReadAddr(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Domain != "example.com" || got.Port != 80 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestFwdUDPFrameRoundTrips(t *testing.T) {
	addr := AddrFromAddrPort(netip.MustParseAddrPort("8.8.8.8:53"))
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	var buf bytes.Buffer
	if err := WriteFwdUDPFrame(&buf, addr, payload); err != nil {
		t.Fatal(err)
	}

	frame, gotAddr, gotPayload, err := ReadFwdUDPFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) == 0 {
		t.Fatal("expected non-empty consumed frame")
	}
	if gotAddr.Port != 53 || !gotAddr.IP.Equal(net.ParseIP("8.8.8.8")) {
		t.Fatalf("addr mismatch: %+v", gotAddr)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: %x != %x", gotPayload, payload)
	}
}

func TestFwdUDPFrameRejectsTruncatedHeader(t *testing.T) {
	// hdrLen larger than datLen is malformed.
	buf := bytes.NewReader([]byte{0x00, 0x02, 0x05, 0x01, 0x02})
	if _, _, _, err := ReadFwdUDPFrame(buf); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestGreetingAndMethodSelectRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{Version, 2, MethodNoAuth, MethodUserPass})

	methods, err := ReadGreeting(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(methods) != 2 || methods[0] != MethodNoAuth {
		t.Fatalf("unexpected methods: %v", methods)
	}

	var reply bytes.Buffer
	if err := WriteMethodSelect(&reply, MethodNoAuth); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply.Bytes(), []byte{Version, MethodNoAuth}) {
		t.Fatalf("unexpected reply: %x", reply.Bytes())
	}
}

func TestConnectRequestRoundTrips(t *testing.T) {
	addr := AddrFromAddrPort(netip.MustParseAddrPort("1.2.3.4:8080"))
	var buf bytes.Buffer
	buf.Write([]byte{Version, CmdConnect, 0x00})
	buf.Write(addr.Encode())

	cmd, got, err := ReadConnectRequest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != CmdConnect || got.Port != 8080 {
		t.Fatalf("unexpected request: cmd=%d addr=%+v", cmd, got)
	}
}
