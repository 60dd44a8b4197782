// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mobileapi is the facade a platform embedder (via
// golang.org/x/mobile bindings) drives: Connect wires every core
// package into one running tunnel session, mirroring the teacher's
// intra/tunnel.go (Bridge/Listener/Tunnel, ordered Disconnect) and
// intra/tun2socks.go (the Connect/LogLevel entry points and mobile GC
// tuning).
package mobileapi

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilrun/corevpn/bridge"
	"github.com/veilrun/corevpn/corelib"
	"github.com/veilrun/corevpn/dnswire"
	"github.com/veilrun/corevpn/ipx"
	"github.com/veilrun/corevpn/nat"
	"github.com/veilrun/corevpn/netctl"
	"github.com/veilrun/corevpn/profile"
	"github.com/veilrun/corevpn/router"
	"github.com/veilrun/corevpn/sniff"
	"github.com/veilrun/corevpn/socks5"
	"github.com/veilrun/corevpn/stats"
	"github.com/veilrun/corevpn/tcpengine"
	"github.com/veilrun/corevpn/tund"
	"github.com/veilrun/corevpn/udpsplit"
	"github.com/veilrun/corevpn/vlog"
)

const (
	bridgeStartTimeout = 15 * time.Second
	bypassDNSTimeout   = 5 * time.Second
	fwdUDPTimeout      = 5 * time.Second
)

// Session is one running tunnel: a TUN device, the packet-to-SOCKS5
// translation plane, and the egress bridge the active profile selected.
type Session struct {
	profile *profile.Profile
	store   profile.Store
	ctl     netctl.Controller

	device   *tund.Device
	natT     *nat.Table
	rtr      *router.Router
	br       bridge.Bridge
	socksSrv *socks5.Server
	engine   *tcpengine.Engine
	split    *udpsplit.Splitter

	counters *stats.Counters
	bcast    *stats.Broadcaster

	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
}

// Connect wires a new Session around the TUN file descriptor fd and
// starts it. bcast may be nil, in which case a private broadcaster is
// created (the caller can still poll Snapshot/State).
func Connect(fd, mtu int, p *profile.Profile, store profile.Store, ctl netctl.Controller, bcast *stats.Broadcaster) (*Session, error) {
	if bcast == nil {
		bcast = stats.NewBroadcaster()
	}
	bcast.Publish(profile.StateConnecting())

	dev, err := openTUN(fd, mtu)
	if err != nil {
		bcast.Publish(profile.StateError(err.Error()))
		return nil, err
	}
	device, err := tund.Open(dev, mtu)
	if err != nil {
		dev.Close()
		bcast.Publish(profile.StateError(err.Error()))
		return nil, err
	}

	s := &Session{
		profile:  p,
		store:    store,
		ctl:      ctl,
		device:   device,
		natT:     nat.New(),
		rtr:      router.New(p.Router),
		counters: stats.NewCounters(),
		bcast:    bcast,
	}

	br, err := newBridge(p)
	if err != nil {
		s.Disconnect()
		bcast.Publish(profile.StateError(err.Error()))
		return nil, err
	}
	s.br = br

	startCtx, cancel := context.WithTimeout(context.Background(), bridgeStartTimeout)
	err = s.br.Start(startCtx)
	cancel()
	if err != nil {
		s.Disconnect()
		bcast.Publish(profile.StateError(err.Error()))
		return nil, fmt.Errorf("mobileapi: bridge start: %w", err)
	}

	s.engine = tcpengine.New(s.natT, s.writeToTUN, s.dialCarrier)
	s.engine.OnSniff(s.onSniff)
	s.engine.OnSniffRouter(s.dialBypassTCP, s.rtr.Decide)
	s.split = udpsplit.New(s.natT, s.resolveDNS, s.dialDirectUDP, s.writeToTUN)

	srv, err := socks5.Listen(context.Background(), p.ListenHost, p.ListenPort, s.onSocksConnect, s.onSocksFwdUDP)
	if err != nil {
		s.Disconnect()
		bcast.Publish(profile.StateError(err.Error()))
		return nil, fmt.Errorf("mobileapi: socks5 listen: %w", err)
	}
	s.socksSrv = srv

	s.wg.Add(1)
	go s.readLoop()

	if store != nil {
		if err := store.SaveLastProfileID(p.ID); err != nil {
			vlog.W("mobileapi: save last profile id: %v", err)
		}
	}
	bcast.Publish(profile.StateConnected(p))
	return s, nil
}

// Snapshot returns the current traffic counters.
func (s *Session) Snapshot() stats.Snapshot { return s.counters.Snapshot() }

// State returns the most recently published connection state.
func (s *Session) State() profile.State { return s.bcast.Current() }

// Disconnect tears the session down in the order spec §5 implies for a
// layered stack: stop accepting new shim connections, stop the egress
// bridge (which closes its own DNS/connection pools), stop NAT
// bookkeeping, then close the TUN device last so the packet reader
// loop unblocks and exits.
func (s *Session) Disconnect() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.bcast.Publish(profile.StateDisconnecting())

		if s.socksSrv != nil {
			if err := s.socksSrv.Close(); err != nil {
				vlog.W("mobileapi: socks5 close: %v", err)
			}
		}
		if s.br != nil {
			if err := s.br.Stop(); err != nil {
				vlog.W("mobileapi: bridge stop: %v", err)
			}
		}
		if s.natT != nil {
			s.natT.Close()
		}
		if s.device != nil {
			if err := s.device.Close(); err != nil {
				vlog.W("mobileapi: tun close: %v", err)
			}
		}
		s.wg.Wait()
		s.bcast.Publish(profile.StateDisconnected())
	})
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer corelib.Recover(corelib.Exit11, "mobileapi.readLoop")

	ctx := context.Background()
	buf := make([]byte, s.device.MTU()+64)
	for {
		n, err := s.device.ReadPacket(buf)
		if err != nil {
			if !s.closed.Load() {
				vlog.W("mobileapi: tun read: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		s.handlePacket(ctx, append([]byte(nil), buf[:n]...))
	}
}

func (s *Session) handlePacket(ctx context.Context, raw []byte) {
	ver, err := ipx.Version(raw)
	if err != nil || ver != 4 {
		return // IPv6/garbage dropped without side effects (spec §1, §8)
	}
	p, err := ipx.ParseIPv4(raw)
	if err != nil {
		vlog.V("mobileapi: parse ipv4: %v", err)
		return
	}
	s.counters.AddTx(int64(len(raw)))

	switch p.Protocol {
	case ipx.ProtoTCP:
		if err := s.engine.HandlePacket(ctx, p); err != nil {
			vlog.D("mobileapi: tcp engine: %v", err)
		}
	case ipx.ProtoUDP:
		if err := s.split.HandlePacket(ctx, p); err != nil {
			vlog.D("mobileapi: udp splitter: %v", err)
		}
	}
}

func (s *Session) writeToTUN(pkt []byte) error {
	s.counters.AddRx(int64(len(pkt)))
	return s.device.WritePacket(pkt)
}

// onSniff logs a flow's sniffed SNI/HTTP Host for diagnostics. The
// routing decision itself is made separately by the engine's
// OnSniffRouter callbacks below (dialBypassTCP / s.rtr.Decide), which
// run on the same sniff result.
func (s *Session) onSniff(key nat.Key, buffered []byte) {
	res := sniff.FromBuffer(buffered)
	if res.Domain != "" {
		vlog.D("mobileapi: sniffed %s for %s:%d -> %s:%d", res.Domain,
			key.SrcAddr, key.SrcPort, key.DstAddr, key.DstPort)
	}
}

// dialCarrier is the tcpengine.CarrierDialer: destinations the router
// decides to bypass by bare IP (geo-IP, spec §4.4 step 4) dial directly
// through a protected socket; anything else goes out the active bridge
// (spec §4.9). A flow that dials the carrier here can still be rebound
// to a bypass socket afterward if dialBypassTCP's sniff-driven check
// below reverses the decision once a domain is known.
func (s *Session) dialCarrier(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	if s.rtr.Decide(dst.Addr().String()) {
		return netctl.Dialer("tcp-bypass", s.ctl).DialContext(ctx, "tcp", dst.String())
	}
	return s.br.Dial(ctx, dst.String())
}

// dialBypassTCP is the tcpengine.CarrierDialer the engine calls when a
// sniffed SNI/HTTP Host (spec §4.3) reverses the bare-IP routing
// decision dialCarrier already made: it always opens a protected direct
// socket, regardless of what dialCarrier chose for dst's IP (spec §8
// "Sniffer + bypass").
func (s *Session) dialBypassTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	return netctl.Dialer("tcp-sniff-bypass", s.ctl).DialContext(ctx, "tcp", dst.String())
}

// dialDirectUDP is the udpsplit.DirectDialer for non-DNS, non-QUIC
// datagrams (spec §4.7's "else" branch), always a protected socket:
// this path never runs through the bridge.
func (s *Session) dialDirectUDP(ctx context.Context, _ netip.AddrPort) (net.PacketConn, error) {
	return netctl.ListenConfig("udp-direct", s.ctl).ListenPacket(ctx, "udp4", ":0")
}

// resolveDNS applies the router's domain-rule/geo decision at the one
// point a hostname is actually available: the DNS question itself
// (spec §4.4 steps 2-3). Bare destination IPs at TCP/UDP dial time
// fall back to geo-IP (step 4) since no domain survives to that layer.
func (s *Session) resolveDNS(ctx context.Context, q []byte) ([]byte, error) {
	msg, err := dnswire.Validate(q)
	if err != nil || len(msg.Question) == 0 {
		return s.br.ResolveDNS(ctx, q)
	}
	qname := msg.Question[0].Name
	if len(qname) > 0 && qname[len(qname)-1] == '.' {
		qname = qname[:len(qname)-1]
	}
	if s.rtr.Decide(qname) {
		return s.resolveBypassDNS(ctx, q)
	}
	return s.br.ResolveDNS(ctx, q)
}

// resolveBypassDNS answers a bypass-routed query directly against the
// profile's fallback resolver, over a protected socket so the query
// itself doesn't loop back through the tunnel.
func (s *Session) resolveBypassDNS(ctx context.Context, q []byte) ([]byte, error) {
	addr := s.profile.DNSHostFallback
	if addr == "" {
		addr = s.profile.DNSHost
	}
	if addr == "" {
		return nil, fmt.Errorf("mobileapi: no bypass resolver configured")
	}
	dctx, cancel := context.WithTimeout(ctx, bypassDNSTimeout)
	defer cancel()
	conn, err := netctl.Dialer("dns-bypass", s.ctl).DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mobileapi: bypass resolver dial: %w", err)
	}
	defer conn.Close()
	return dnswire.Exchange(conn, q, bypassDNSTimeout)
}

func (s *Session) onSocksConnect(ctx context.Context, addr socks5.Addr) (net.Conn, byte) {
	dst := addr.String()
	host := dst
	if addr.Atyp == socks5.AtypDomain {
		host = addr.Domain
	} else if h, _, err := net.SplitHostPort(dst); err == nil {
		host = h
	}

	var conn net.Conn
	var err error
	if s.rtr.Decide(host) {
		conn, err = netctl.Dialer("socks5-bypass", s.ctl).DialContext(ctx, "tcp", dst)
	} else {
		conn, err = s.br.Dial(ctx, dst)
	}
	if err != nil {
		vlog.D("mobileapi: socks5 connect %s: %v", dst, err)
		return nil, socks5.RepHostUnreachable
	}
	return conn, socks5.RepSuccess
}

// onSocksFwdUDP services one FWD_UDP round trip over a one-shot
// protected UDP socket (spec §4.5's non-standard command).
func (s *Session) onSocksFwdUDP(ctx context.Context, addr socks5.Addr, payload []byte) ([]byte, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("mobileapi: fwd_udp resolve: %w", err)
	}

	pc, err := netctl.ListenConfig("socks5-fwdudp", s.ctl).ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("mobileapi: fwd_udp socket: %w", err)
	}
	defer pc.Close()

	if _, err := pc.WriteTo(payload, raddr); err != nil {
		return nil, fmt.Errorf("mobileapi: fwd_udp write: %w", err)
	}
	if err := pc.SetReadDeadline(time.Now().Add(fwdUDPTimeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, 65535)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		return nil, fmt.Errorf("mobileapi: fwd_udp read: %w", err)
	}
	return buf[:n], nil
}
