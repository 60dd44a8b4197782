// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package udpsplit classifies ingress UDP datagrams by destination
// port (spec §4.7): port 53 is handed to the DNS worker pool, port 443
// is dropped outright to force QUIC back onto the TCP/SOCKS5 path, and
// everything else goes out a protect()-marked direct socket with NAT
// tracked the same way the teacher's udp.go tracks its own UDP
// conntrack map (60s idle timeout).
package udpsplit

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/veilrun/corevpn/corelib"
	"github.com/veilrun/corevpn/ipx"
	"github.com/veilrun/corevpn/nat"
	"github.com/veilrun/corevpn/vlog"
)

const (
	portDNS  = 53
	portQUIC = 443

	directReadTimeout = 30 * time.Second
)

// DNSHandler answers one DNS query, e.g. dnspool.Pool.Query.
type DNSHandler func(ctx context.Context, q []byte) ([]byte, error)

// DirectDialer opens a protect()-marked UDP socket for non-DNS,
// non-QUIC traffic (spec §4.7's "else" branch).
type DirectDialer func(ctx context.Context, dst netip.AddrPort) (net.PacketConn, error)

// WritePacket injects a synthesized UDP/IPv4 reply back into TUN.
type WritePacket func(pkt []byte) error

// Splitter routes ingress UDP datagrams per spec §4.7.
type Splitter struct {
	nat   *nat.Table
	dns   DNSHandler
	dial  DirectDialer
	write WritePacket

	mu    sync.Mutex
	direct map[nat.Key]net.PacketConn
}

// New builds a Splitter.
func New(table *nat.Table, dns DNSHandler, dial DirectDialer, write WritePacket) *Splitter {
	return &Splitter{nat: table, dns: dns, dial: dial, write: write, direct: make(map[nat.Key]net.PacketConn)}
}

// HandlePacket processes one ingress IPv4/UDP packet.
func (s *Splitter) HandlePacket(ctx context.Context, p *ipx.Packet) error {
	if p.UDP == nil {
		return nil
	}

	switch p.UDP.DstPort {
	case portDNS:
		return s.handleDNS(ctx, p)
	case portQUIC:
		vlog.D("udpsplit: dropping QUIC candidate to %s:443", p.DstIP)
		return nil // blocked: force fallback to TCP/SOCKS5 path
	default:
		return s.handleDirect(ctx, p)
	}
}

func (s *Splitter) handleDNS(ctx context.Context, p *ipx.Packet) error {
	if s.dns == nil {
		return nil
	}
	ans, err := s.dns(ctx, p.UDP.Payload)
	if err != nil {
		vlog.D("udpsplit: dns query failed: %v", err)
		return nil
	}
	reply := ipx.BuildUDP(p.DstIP, p.SrcIP, p.UDP.DstPort, p.UDP.SrcPort, ans)
	return s.write(reply)
}

func (s *Splitter) handleDirect(ctx context.Context, p *ipx.Packet) error {
	src, _ := netip.AddrFromSlice(p.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(p.DstIP.To4())
	key := nat.Key{SrcAddr: src, SrcPort: p.UDP.SrcPort, DstAddr: dst, DstPort: p.UDP.DstPort}
	remote := netip.AddrPortFrom(dst, p.UDP.DstPort)

	_, isNew := s.nat.GetOrCreate(key, true)
	s.nat.Update(key, func(*nat.Entry) {})

	conn, err := s.directConn(ctx, key, remote)
	if err != nil {
		return err
	}
	if isNew {
		go s.relayDirectReplies(key, conn, p.SrcIP, p.DstIP, p.UDP.DstPort, p.UDP.SrcPort)
	}

	_, err = conn.WriteTo(p.UDP.Payload, net.UDPAddrFromAddrPort(remote))
	return err
}

func (s *Splitter) directConn(ctx context.Context, key nat.Key, remote netip.AddrPort) (net.PacketConn, error) {
	s.mu.Lock()
	if c, ok := s.direct[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx, remote)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.direct[key] = conn
	s.mu.Unlock()
	return conn, nil
}

// relayDirectReplies pumps responses from a direct UDP socket back
// into TUN as synthesized datagrams, until a read fails (the
// directReadTimeout deadline or a closed socket) or a write fails.
// Expiry of the NAT entry does not close the socket.
func (s *Splitter) relayDirectReplies(key nat.Key, conn net.PacketConn, localSrcIP, localDstIP net.IP, localPort, remotePort uint16) {
	defer corelib.Recover(corelib.DontExit, "udpsplit.relayDirectReplies")
	defer func() {
		s.mu.Lock()
		delete(s.direct, key)
		s.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, 65535)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(directReadTimeout))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		reply := ipx.BuildUDP(localDstIP, localSrcIP, localPort, remotePort, append([]byte(nil), buf[:n]...))
		if err := s.write(reply); err != nil {
			vlog.D("udpsplit: write direct reply: %v", err)
			return
		}
	}
}
