// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"net"
	"testing"
	"time"
)

var (
	_ Bridge = (*DirectCarrierBridge)(nil)
	_ Bridge = (*SSHBridge)(nil)
	_ Bridge = (*DoHBridge)(nil)
	_ Bridge = (*TorBridge)(nil)
	_ Bridge = (*Socks5CarrierBridge)(nil)
)

func TestDirectCarrierBridgeSendsAddressPreambleBeforeHandoff(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 7) // atyp(1) + ipv4(4) + port(2)
		n, _ := c.Read(buf)
		received <- buf[:n]
	}()

	dialNet := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return net.Dial(network, addr)
	}
	b := NewDirectCarrierBridge(ln.Addr().String(), dialNet)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	conn, err := b.Dial(context.Background(), "93.184.216.34:443")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case got := <-received:
		if len(got) != 7 {
			t.Fatalf("expected 7-byte ipv4 preamble, got %d bytes", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("carrier never received address preamble")
	}
}

func TestDoHBridgeRejectsTCPEgress(t *testing.T) {
	b := NewDoHBridge("https://example.invalid/dns-query", nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	if _, err := b.Dial(context.Background(), "1.2.3.4:443"); err == nil {
		t.Fatal("expected doh bridge to reject tcp egress")
	}
}
