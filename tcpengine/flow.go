// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tcpengine

import (
	"net"
	"sync"

	"github.com/veilrun/corevpn/nat"
)

// seqState is the sequence/ack bookkeeping shared by both Flow
// variants (spec §3 "TCP flow": our_isn/our_seq/peer_isn/peer_ack).
type seqState struct {
	ourISN   uint32
	ourSeq   uint32
	peerISN  uint32
	peerAck  uint32
	haveISN  bool
}

// Flow is the sum type spec §9 calls for: a connection is either
// Pending (SYN-ACK sent, carrier dial in flight, client bytes
// buffered) or Established (carrier connected, bytes pipe straight
// through). Implemented as an interface with two concrete types plus
// an explicit upgrade path rather than a single struct with optional
// fields, so a caller can never read carrier-only state off a Pending
// flow by mistake.
type Flow interface {
	Key() nat.Key
	State() *seqState
	isFlow()
}

// Pending is a flow whose SYN-ACK has been sent but whose carrier dial
// has not yet completed. Client bytes arriving in this window are
// buffered (spec §3 "pending_buffer") and replayed once the carrier
// connects.
type Pending struct {
	key   nat.Key
	seq   seqState
	mu    sync.Mutex
	buf   []byte
}

func (p *Pending) Key() nat.Key     { return p.key }
func (p *Pending) State() *seqState { return &p.seq }
func (*Pending) isFlow()            {}

// Buffer appends b to the pending client-byte buffer under lock.
func (p *Pending) Buffer(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
}

// Drain returns and clears the buffered bytes.
func (p *Pending) Drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buf
	p.buf = nil
	return b
}

// Upgrade converts a Pending flow into an Established one now that its
// carrier socket is open, carrying over sequence state and any bytes
// buffered while the dial was in flight.
func (p *Pending) Upgrade(carrier net.Conn) (*Established, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := &Established{key: p.key, seq: p.seq, carrier: carrier}
	return e, p.buf
}

// Established is a flow whose carrier socket is open; client and
// carrier bytes are piped directly in both directions.
type Established struct {
	key     nat.Key
	seq     seqState
	carrier net.Conn
}

func (e *Established) Key() nat.Key     { return e.key }
func (e *Established) State() *seqState { return &e.seq }
func (*Established) isFlow()            {}

// Carrier returns the open socket backing this flow.
func (e *Established) Carrier() net.Conn { return e.carrier }

// Rebind swaps the socket backing this flow, closing the one it
// replaces. Used when a post-dial sniff result reverses the carrier
// vs. bypass decision for a flow that already dialed (spec §4.3/§4.4).
func (e *Established) Rebind(conn net.Conn) {
	old := e.carrier
	e.carrier = conn
	old.Close()
}
