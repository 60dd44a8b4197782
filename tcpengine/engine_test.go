// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tcpengine

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veilrun/corevpn/ipx"
	"github.com/veilrun/corevpn/nat"
)

// pipeConn is an in-memory net.Conn standing in for a carrier socket.
func pipeConn() (net.Conn, net.Conn) { return net.Pipe() }

func synPacket(t *testing.T, srcPort, dstPort uint16, seq uint32) *ipx.Packet {
	t.Helper()
	raw := ipx.BuildTCP(net.ParseIP("10.0.0.2"), net.ParseIP("93.184.216.34"),
		srcPort, dstPort, seq, 0, ipx.FlagSYN, 65535, nil)
	p, err := ipx.ParseIPv4(raw)
	if err != nil {
		t.Fatalf("parse syn: %v", err)
	}
	return p
}

func TestSynGetsSynAckBeforeCarrierDials(t *testing.T) {
	table := nat.New()
	defer table.Close()

	var mu sync.Mutex
	var written [][]byte
	write := func(pkt []byte) error {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, pkt)
		return nil
	}

	dialStarted := make(chan struct{})
	dialRelease := make(chan struct{})
	local, remote := pipeConn()
	defer remote.Close()

	dial := func(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
		close(dialStarted)
		<-dialRelease
		return local, nil
	}

	e := New(table, write, dial)
	p := synPacket(t, 40000, 443, 1000)

	if err := e.HandlePacket(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	n := len(written)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected synack written synchronously, got %d packets", n)
	}

	ackPkt, err := ipx.ParseIPv4(written[0])
	if err != nil {
		t.Fatal(err)
	}
	if !ackPkt.TCP.HasFlag(ipx.FlagSYN) || !ackPkt.TCP.HasFlag(ipx.FlagACK) {
		t.Fatal("expected SYN|ACK flags")
	}
	if ackPkt.TCP.Ack != 1001 {
		t.Fatalf("expected ack=1001, got %d", ackPkt.TCP.Ack)
	}

	select {
	case <-dialStarted:
	case <-time.After(time.Second):
		t.Fatal("carrier dial never started")
	}
	close(dialRelease)
}

func TestRSTTearsDownFlowImmediately(t *testing.T) {
	table := nat.New()
	defer table.Close()

	write := func(pkt []byte) error { return nil }
	dial := func(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
		local, _ := pipeConn()
		return local, nil
	}
	e := New(table, write, dial)

	p := synPacket(t, 40001, 443, 2000)
	if err := e.HandlePacket(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	key := keyOf(p)
	rstRaw := ipx.BuildTCP(net.ParseIP("10.0.0.2"), net.ParseIP("93.184.216.34"),
		40001, 443, 2001, 0, ipx.FlagRST, 0, nil)
	rstPkt, _ := ipx.ParseIPv4(rstRaw)

	if err := e.HandlePacket(context.Background(), rstPkt); err != nil {
		t.Fatal(err)
	}

	e.mu.Lock()
	_, exists := e.flows[key]
	e.mu.Unlock()
	if exists {
		t.Fatal("expected flow to be torn down after RST")
	}

	// The NAT entry outlives the RST by its grace period (spec §4.2), so
	// a late retransmit can still be matched; it's only deleted once
	// CleanupExpired sees it Closed past that grace window.
	entry, ok := table.Get(key)
	if !ok {
		t.Fatal("expected NAT entry to remain during the close-grace window")
	}
	if entry.State != nat.Closed {
		t.Fatalf("expected entry state Closed, got %v", entry.State)
	}

	entry.LastSeen = time.Now().Add(-3 * time.Second)
	if removed := table.CleanupExpired(); removed != 1 {
		t.Fatalf("expected CleanupExpired to remove 1 entry past grace, removed %d", removed)
	}
	if _, ok := table.Get(key); ok {
		t.Fatal("expected NAT entry gone after grace period elapses")
	}
}

// TestSniffedBypassDomainRebindsToDirectSocket covers spec §8's
// "Sniffer + bypass" scenario: a flow whose first dial already went to
// the carrier gets rebound to a direct socket once its buffered bytes
// sniff out a domain the router says to bypass.
func TestSniffedBypassDomainRebindsToDirectSocket(t *testing.T) {
	table := nat.New()
	defer table.Close()

	write := func(pkt []byte) error { return nil }

	carrierLocal, carrierRemote := pipeConn()
	defer carrierRemote.Close()

	dialRelease := make(chan struct{})
	dial := func(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
		<-dialRelease
		return carrierLocal, nil
	}

	bypassLocal, bypassRemote := pipeConn()
	defer bypassRemote.Close()
	var bypassDialed atomic.Bool
	bypassDial := func(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
		bypassDialed.Store(true)
		return bypassLocal, nil
	}

	e := New(table, write, dial)
	e.OnSniffRouter(bypassDial, func(domain string) bool { return domain == "example.ir" })

	p := synPacket(t, 40002, 443, 3000)
	if err := e.HandlePacket(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	httpReq := []byte("GET / HTTP/1.1\r\nHost: example.ir\r\n\r\n")
	dataRaw := ipx.BuildTCP(net.ParseIP("10.0.0.2"), net.ParseIP("93.184.216.34"),
		40002, 443, 3001, 1, ipx.FlagACK|ipx.FlagPSH, 65535, httpReq)
	dataPkt, err := ipx.ParseIPv4(dataRaw)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.HandlePacket(context.Background(), dataPkt); err != nil {
		t.Fatal(err)
	}

	close(dialRelease)

	key := keyOf(p)
	deadline := time.After(time.Second)
	for {
		e.mu.Lock()
		established, ok := e.flows[key].(*Established)
		e.mu.Unlock()
		if ok && established.Carrier() == bypassLocal {
			break
		}
		select {
		case <-deadline:
			t.Fatal("flow never rebound to the bypass socket")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !bypassDialed.Load() {
		t.Fatal("expected the bypass dialer to have been invoked")
	}

	bypassRemote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, len(httpReq))
	if _, err := io.ReadFull(bypassRemote, buf); err != nil {
		t.Fatalf("expected buffered bytes replayed to the bypass socket: %v", err)
	}
	if string(buf) != string(httpReq) {
		t.Fatalf("replayed bytes mismatch: got %q, want %q", buf, httpReq)
	}
}
