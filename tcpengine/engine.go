// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tcpengine terminates TCP directly out of TUN packets: it
// answers a client SYN with a synthesized SYN-ACK before a carrier
// socket even exists, buffers client bytes while the carrier dial is
// in flight, then pipes bytes in both directions once connected (spec
// §4.6, §9). Unlike the teacher's gVisor-netstack-backed handler, this
// engine owns sequence and acknowledgment numbers itself; see
// DESIGN.md for why gvisor.dev/gvisor was dropped.
package tcpengine

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/veilrun/corevpn/corelib"
	"github.com/veilrun/corevpn/ipx"
	"github.com/veilrun/corevpn/nat"
	"github.com/veilrun/corevpn/sniff"
	"github.com/veilrun/corevpn/vlog"
)

const (
	finDrain   = 10 * time.Second
	dialTimeout = 15 * time.Second
)

// CarrierDialer opens the egress socket for a freshly-terminated flow,
// e.g. a SOCKS5 CONNECT through the active bridge's connection pool.
type CarrierDialer func(ctx context.Context, dst netip.AddrPort) (net.Conn, error)

// WritePacket injects a synthesized IPv4 packet back into the TUN
// device (spec §5's single-writer bounded queue sits behind this).
type WritePacket func(pkt []byte) error

// SniffHook, when set via OnSniff, observes the bytes a flow buffered
// before its carrier connected (spec §4.3's sniffer input), e.g. for
// diagnostics. It fires regardless of whether the sniff result changes
// the flow's route; OnSniffRouter below is what actually steers dialing.
type SniffHook func(key nat.Key, buffered []byte)

// SniffDecider consults the domain/geo router (spec §4.4) with a
// sniffed TLS SNI or HTTP Host and reports whether the flow should
// bypass the carrier instead of running through it.
type SniffDecider func(domain string) bool

// Engine is the userspace TCP termination point for one tunnel
// session. One Engine serves every flow on the device.
type Engine struct {
	nat   *nat.Table
	write WritePacket
	dial  CarrierDialer

	bypassDial  CarrierDialer
	sniffDecide SniffDecider
	sniff       SniffHook

	mu    sync.Mutex
	flows map[nat.Key]Flow
}

// New builds an Engine bound to a NAT table, a TUN writer, and a
// carrier dialer.
func New(table *nat.Table, write WritePacket, dial CarrierDialer) *Engine {
	return &Engine{nat: table, write: write, dial: dial, flows: make(map[nat.Key]Flow)}
}

// OnSniff installs h as the engine's sniff hook. Passing nil disables it.
func (e *Engine) OnSniff(h SniffHook) { e.sniff = h }

// OnSniffRouter installs the sniff-driven routing override (spec §8
// "Sniffer + bypass"): once a flow's carrier dial completes and its
// buffered client bytes yield a domain, decide consults the router
// against that domain, and bypassDial opens the replacement socket when
// it says to bypass. Passing either as nil disables the override; the
// flow then keeps the carrier socket its SYN-time dial already opened.
func (e *Engine) OnSniffRouter(bypassDial CarrierDialer, decide SniffDecider) {
	e.bypassDial = bypassDial
	e.sniffDecide = decide
}

func keyOf(p *ipx.Packet) nat.Key {
	src, _ := netip.AddrFromSlice(p.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(p.DstIP.To4())
	return nat.Key{SrcAddr: src, SrcPort: p.TCP.SrcPort, DstAddr: dst, DstPort: p.TCP.DstPort}
}

// HandlePacket processes one ingress IPv4/TCP packet already parsed by
// ipx.ParseIPv4. It returns quickly: carrier dials and carrier-to-TUN
// relaying happen on background goroutines.
func (e *Engine) HandlePacket(ctx context.Context, p *ipx.Packet) error {
	if p.TCP == nil {
		return nil
	}
	key := keyOf(p)

	e.mu.Lock()
	flow := e.flows[key]
	e.mu.Unlock()

	switch {
	case p.TCP.HasFlag(ipx.FlagRST):
		e.teardown(key, flow)
		return nil
	case flow == nil && p.TCP.HasFlag(ipx.FlagSYN):
		return e.handleSYN(ctx, key, p)
	case flow == nil:
		// stray segment for an unknown flow; ignore, matching the
		// engine's no-retransmission-queue policy (spec §9).
		return nil
	case p.TCP.HasFlag(ipx.FlagFIN):
		return e.handleFIN(key, flow, p)
	default:
		return e.handleData(key, flow, p)
	}
}

func (e *Engine) handleSYN(ctx context.Context, key nat.Key, p *ipx.Packet) error {
	entry, isNew := e.nat.GetOrCreate(key, false)
	if !isNew {
		return nil // duplicate SYN for a flow already being set up
	}
	entry.State = nat.SynReceived

	ourISN := newISN(key)
	pending := &Pending{key: key, seq: seqState{
		ourISN: ourISN, ourSeq: ourISN + 1,
		peerISN: p.TCP.Seq, peerAck: p.TCP.Seq + 1,
		haveISN: true,
	}}

	e.mu.Lock()
	e.flows[key] = pending
	e.mu.Unlock()

	synack := ipx.BuildTCP(p.DstIP, p.SrcIP, p.TCP.DstPort, p.TCP.SrcPort,
		ourISN, pending.seq.peerAck, ipx.FlagSYN|ipx.FlagACK, 65535, nil)
	if err := e.write(synack); err != nil {
		return err
	}

	go e.dialAndUpgrade(ctx, key, pending, p)
	return nil
}

func (e *Engine) dialAndUpgrade(ctx context.Context, key nat.Key, pending *Pending, p *ipx.Packet) {
	defer corelib.Recover(corelib.DontExit, "tcpengine.dialAndUpgrade")

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dst := netip.AddrPortFrom(key.DstAddr, key.DstPort)
	conn, err := e.dial(dctx, dst)
	if err != nil {
		vlog.W("tcpengine: carrier dial %s failed: %v", dst, err)
		e.sendRST(key, pending.seq.ourSeq, pending.seq.peerAck)
		e.teardown(key, pending)
		return
	}

	established, buffered := pending.Upgrade(conn)

	e.mu.Lock()
	if entry, ok := e.nat.Get(key); ok {
		entry.State = nat.Established
	}
	e.flows[key] = established
	e.mu.Unlock()

	if len(buffered) > 0 {
		if e.sniff != nil {
			e.sniff(key, buffered)
		}
		conn = e.maybeRebindToBypass(dctx, key, dst, established, buffered)
	}

	if len(buffered) > 0 {
		if _, err := conn.Write(buffered); err != nil {
			vlog.D("tcpengine: flush buffered bytes: %v", err)
		}
	}

	go e.relayCarrierToTUN(key, established)
}

// maybeRebindToBypass sniffs buffered for a TLS SNI / HTTP Host and, if
// the router says that domain should bypass the carrier, dials a direct
// replacement socket and rebinds established to it (spec §4.3/§4.4,
// §8 "Sniffer + bypass"). The carrier dial has already completed by
// this point, so this only ever swaps a carrier socket for a bypass
// one, never the reverse; it returns whichever socket buffered should
// now be flushed into.
func (e *Engine) maybeRebindToBypass(ctx context.Context, key nat.Key, dst netip.AddrPort, established *Established, buffered []byte) net.Conn {
	if e.bypassDial == nil || e.sniffDecide == nil {
		return established.Carrier()
	}
	res := sniff.FromBuffer(buffered)
	if res.Domain == "" || !e.sniffDecide(res.Domain) {
		return established.Carrier()
	}

	bconn, err := e.bypassDial(ctx, dst)
	if err != nil {
		vlog.W("tcpengine: sniff-triggered bypass dial for %s failed, keeping carrier: %v", res.Domain, err)
		return established.Carrier()
	}
	established.Rebind(bconn)
	return bconn
}

// relayCarrierToTUN reads carrier bytes and segments them into TCP
// data packets no larger than ipx.MaxTCPPayload (spec §9), advancing
// our_seq monotonically and never retransmitting.
func (e *Engine) relayCarrierToTUN(key nat.Key, flow *Established) {
	defer corelib.Recover(corelib.DontExit, "tcpengine.relayCarrierToTUN")

	buf := make([]byte, ipx.MaxTCPPayload())
	for {
		n, err := flow.carrier.Read(buf)
		if n > 0 {
			seq := flow.State()
			segment := ipx.BuildTCP(
				addrToIP(key.DstAddr), addrToIP(key.SrcAddr),
				key.DstPort, key.SrcPort,
				seq.ourSeq, seq.peerAck, ipx.FlagACK|ipx.FlagPSH, 65535, buf[:n])
			seq.ourSeq += uint32(n)
			if werr := e.write(segment); werr != nil {
				vlog.D("tcpengine: write segment: %v", werr)
				break
			}
		}
		if err != nil {
			e.finCarrier(key, flow)
			return
		}
	}
}

func (e *Engine) handleData(key nat.Key, flow Flow, p *ipx.Packet) error {
	e.nat.Update(key, func(*nat.Entry) {})

	switch f := flow.(type) {
	case *Pending:
		if len(p.TCP.Payload) > 0 {
			f.Buffer(p.TCP.Payload)
		}
	case *Established:
		if len(p.TCP.Payload) > 0 {
			if _, err := f.carrier.Write(p.TCP.Payload); err != nil {
				e.teardown(key, flow)
				return err
			}
		}
	}
	return nil
}

// handleFIN begins a graceful close: the carrier's write-half closes,
// and the flow is torn down (NAT entry Closed) once the 10s drain
// window (spec §9) elapses, whether or not more client bytes arrive.
func (e *Engine) handleFIN(key nat.Key, flow Flow, p *ipx.Packet) error {
	if f, ok := flow.(*Established); ok {
		corelib.CloseWrite(f.carrier)
	}
	if entry, ok := e.nat.Get(key); ok {
		entry.State = nat.Closing
	}
	go func() {
		time.Sleep(finDrain)
		e.teardown(key, flow)
	}()
	return nil
}

func (e *Engine) finCarrier(key nat.Key, flow *Established) {
	if entry, ok := e.nat.Get(key); ok {
		entry.State = nat.Closing
	}
	seq := flow.State()
	fin := ipx.BuildTCP(addrToIP(key.DstAddr), addrToIP(key.SrcAddr),
		key.DstPort, key.SrcPort, seq.ourSeq, seq.peerAck, ipx.FlagFIN|ipx.FlagACK, 65535, nil)
	seq.ourSeq++
	_ = e.write(fin)
}

func (e *Engine) sendRST(key nat.Key, seq, ack uint32) {
	rst := ipx.BuildTCP(addrToIP(key.DstAddr), addrToIP(key.SrcAddr),
		key.DstPort, key.SrcPort, seq, ack, ipx.FlagRST|ipx.FlagACK, 0, nil)
	_ = e.write(rst)
}

// teardown closes the flow's carrier socket and marks its NAT entry
// Closed, but leaves removal to CleanupExpired's grace-period tick
// (spec §4.2's TIME_WAIT-style absorption of late FIN/RST retransmits)
// rather than deleting it inline.
func (e *Engine) teardown(key nat.Key, flow Flow) {
	e.mu.Lock()
	delete(e.flows, key)
	e.mu.Unlock()

	if f, ok := flow.(*Established); ok {
		f.carrier.Close()
	}

	e.nat.Update(key, func(entry *nat.Entry) { entry.State = nat.Closed })
}

func addrToIP(a netip.Addr) net.IP {
	b := a.As4()
	return net.IP(b[:])
}
