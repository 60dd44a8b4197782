// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dnspool maintains the fixed-size pool of persistent
// DNS-over-TCP carrier workers spec §4.8 describes, and implements its
// multi-phase query fallback: round-robin a live worker, recreate a
// dead slot inline, fall back to a one-shot carrier connection, and
// finally (when permitted) escape to DoH.
package dnspool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilrun/corevpn/corelib"
	"github.com/veilrun/corevpn/dnswire"
	"github.com/veilrun/corevpn/vlog"
)

// Size is the default worker count spec §4.8 mandates; carriers with a
// different mandated pool size (e.g. the Tor bridge's 8) pass their own
// count to NewSized instead of New.
const Size = 10

const (
	keepaliveInterval   = 20 * time.Second
	keepaliveLockWait   = 1 * time.Second // §4.8 keepalive: non-blocking-ish tryLock budget
	recreateQueryWait   = 5 * time.Second // §4.8 phase 2: blocking lock budget
	queryTimeout        = 5 * time.Second
	createCooldown      = 2 * time.Second // backoff between failed recreate attempts for the same slot
)

var (
	ErrPoolExhausted = errors.New("dnspool: no worker available")
	ErrLeakProtected = errors.New("dnspool: doh fallback disabled by leak prevention")
)

// Dial opens a fresh carrier connection suitable for DNS-over-TCP
// framing (e.g. an SSH direct-tcpip channel, a Tor SOCKS5 CONNECT, or a
// raw TCP dial through a DNS-tunnel carrier).
type Dial func(ctx context.Context) (Conn, error)

// DoHFallback performs a one-shot DNS-over-HTTPS exchange. It is only
// invoked when every carrier-backed phase has failed and the profile's
// leak-prevention flag allows it (spec §4.8).
type DoHFallback func(ctx context.Context, q []byte) ([]byte, error)

// Conn is the minimal carrier socket surface a worker needs. Bridges
// implement this directly over their raw net.Conn via NetConn, below.
type Conn interface {
	Exchange(ctx context.Context, q []byte) ([]byte, error)
	Close() error
}

// netDeadliner is the subset of net.Conn that NetConn needs.
type netDeadliner interface {
	SetDeadline(time.Time) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
}

// NetConn adapts a raw carrier net.Conn into a Conn by framing queries
// with dnswire's length-prefixed DNS-over-TCP encoding.
type NetConn struct {
	Underlying netDeadliner
}

func (c *NetConn) Exchange(ctx context.Context, q []byte) ([]byte, error) {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(queryTimeout)
	}
	_ = c.Underlying.SetDeadline(dl)
	defer c.Underlying.SetDeadline(time.Time{})
	if err := dnswire.WriteMessage(c.Underlying, q); err != nil {
		return nil, err
	}
	return dnswire.ReadMessage(c.Underlying)
}

func (c *NetConn) Close() error { return c.Underlying.Close() }

// slot is a single DNS worker. Its lockCh is a 1-buffered channel
// standing in for spec §4.8's slot lock: a held token means locked, and
// unlike sync.Mutex it composes with context deadlines, so callers can
// tryLock (non-blocking, phase 1), lock with a short budget (keepalive),
// or lock with a longer budget (phase 2's recreate-and-retry) using the
// same primitive. The lock must be held for the full duration of any
// read/write against conn, so two callers never interleave writes and
// reads on one DNS-over-TCP socket.
type slot struct {
	lockCh    chan struct{}
	conn      Conn
	createdAt time.Time
	alive     bool
}

func newSlot() *slot { return &slot{lockCh: make(chan struct{}, 1)} }

// tryLock acquires the slot without blocking.
func (s *slot) tryLock() bool {
	select {
	case s.lockCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// lock acquires the slot, waiting at most the ctx deadline.
func (s *slot) lock(ctx context.Context) bool {
	select {
	case s.lockCh <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *slot) unlock() { <-s.lockCh }

// Pool is a fixed-N pool of persistent DNS workers, one TCP carrier
// socket each, refreshed by a keepalive scan (spec §4.8).
type Pool struct {
	dial   Dial
	doh    DoHFallback
	leakOK bool // true permits the DoH escape hatch (the reverse sense of profile.LeakPreventionDoH)

	slots     []*slot
	cooldowns *corelib.Cooldown // per-slot-index recreate backoff
	rr        atomic.Uint32     // round-robin cursor

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New builds a Size-worker Pool and starts its keepalive loop. dial is
// used both to prewarm all slots and to recreate any that die.
func New(dial Dial, doh DoHFallback, leakPreventionDoH bool) *Pool {
	return NewSized(Size, dial, doh, leakPreventionDoH)
}

// NewSized builds a Pool with a caller-chosen worker count, for carriers
// spec §4.9 mandates a non-default pool size for (the Tor bridge's 8).
func NewSized(size int, dial Dial, doh DoHFallback, leakPreventionDoH bool) *Pool {
	p := &Pool{
		dial:      dial,
		doh:       doh,
		leakOK:    leakPreventionDoH,
		slots:     make([]*slot, size),
		cooldowns: corelib.NewCooldown(),
		stop:      make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = newSlot()
	}
	p.prewarm()
	p.wg.Add(1)
	go p.keepaliveLoop()
	return p
}

func (p *Pool) prewarm() {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	for i := range p.slots {
		p.recreateOnly(ctx, i, queryTimeout)
	}
}

// recreateOnly redials slot i's carrier socket, without running a query
// against it. lockWait bounds how long it waits for the slot's lock.
func (p *Pool) recreateOnly(ctx context.Context, i int, lockWait time.Duration) bool {
	key := fmt.Sprintf("slot-%d", i)
	if p.cooldowns.Active(key) {
		return false // recently failed; back off
	}

	s := p.slots[i]
	lctx, cancel := context.WithTimeout(ctx, lockWait)
	locked := s.lock(lctx)
	cancel()
	if !locked {
		return false
	}
	defer s.unlock()

	return p.dialLocked(ctx, i, s)
}

// dialLocked redials slot i's carrier socket. Callers must already hold
// s's lock.
func (p *Pool) dialLocked(ctx context.Context, i int, s *slot) bool {
	key := fmt.Sprintf("slot-%d", i)
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	conn, err := p.dial(ctx)
	if err != nil {
		vlog.D("dnspool: slot %d recreate failed: %v", i, err)
		p.cooldowns.Start(key, createCooldown)
		s.alive = false
		return false
	}
	s.conn = conn
	s.createdAt = time.Now()
	s.alive = true
	return true
}

// keepaliveLoop scans every slot every 20s, recreating any that the
// last query marked dead. This is the background half of spec §4.8's
// "live/dead" worker bookkeeping.
func (p *Pool) keepaliveLoop() {
	defer p.wg.Done()
	defer corelib.Recover(corelib.DontExit, "dnspool.keepaliveLoop")

	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
			for i, s := range p.slots {
				if !s.tryLock() {
					continue // a query holds this slot right now; skip it this tick
				}
				dead := !s.alive
				s.unlock()
				if dead {
					p.recreateOnly(ctx, i, keepaliveLockWait)
				}
			}
			cancel()
		}
	}
}

// Query runs spec §4.8's multi-phase fallback: try a live worker
// round-robin, then recreate one slot inline (the first, from index 0,
// whose lock it gets) and retry on it, then
// fall back to a one-shot carrier dial, and finally (if allowed) DoH.
func (p *Pool) Query(ctx context.Context, q []byte) ([]byte, error) {
	if ans, ok := p.tryLiveWorkers(ctx, q); ok {
		return ans, nil
	}

	if ans, ok := p.tryRecreateAndQuery(ctx, q); ok {
		return ans, nil
	}

	if ans, err := p.tryOneShot(ctx, q); err == nil {
		return ans, nil
	}

	if !p.leakOK || p.doh == nil {
		return nil, ErrLeakProtected
	}
	vlog.W("dnspool: falling back to doh")
	return p.doh(ctx, q)
}

// tryLiveWorkers round-robins the slots, tryLock-ing each (§4.8: non-
// blocking, so a slot mid-query elsewhere is simply skipped rather than
// waited on) and, if acquired and alive, holding the lock for the whole
// exchange so no other caller can interleave writes/reads on the same
// DNS-over-TCP socket.
func (p *Pool) tryLiveWorkers(ctx context.Context, q []byte) ([]byte, bool) {
	n := len(p.slots)
	start := int(p.rr.Add(1)) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := p.slots[idx]

		if !s.tryLock() {
			continue
		}
		if !s.alive || s.conn == nil {
			s.unlock()
			continue
		}
		ans, err := s.conn.Exchange(ctx, q)
		if err != nil {
			s.alive = false
			s.unlock()
			vlog.D("dnspool: slot %d query failed: %v", idx, err)
			continue
		}
		s.unlock()
		return ans, true
	}
	return nil, false
}

// tryRecreateAndQuery acquires each slot with up to recreateQueryWait's
// blocking budget (§4.8 phase 2), redials it, and retries the query,
// all under one held lock so the new connection can't be raced by a
// concurrent Query on the same slot.
func (p *Pool) tryRecreateAndQuery(ctx context.Context, q []byte) ([]byte, bool) {
	for i, s := range p.slots {
		lctx, cancel := context.WithTimeout(ctx, recreateQueryWait)
		locked := s.lock(lctx)
		cancel()
		if !locked {
			continue
		}

		if !p.dialLocked(ctx, i, s) {
			s.unlock()
			continue
		}
		ans, err := s.conn.Exchange(ctx, q)
		if err != nil {
			s.alive = false
			s.unlock()
			continue
		}
		s.unlock()
		return ans, true
	}
	return nil, false
}

func (p *Pool) tryOneShot(ctx context.Context, q []byte) ([]byte, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dnspool: one-shot dial: %w", err)
	}
	defer conn.Close()
	return conn.Exchange(ctx, q)
}

// Close stops the keepalive loop and closes every slot's carrier
// socket.
func (p *Pool) Close() error {
	p.once.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	for _, s := range p.slots {
		s.lock(context.Background())
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.alive = false
		s.unlock()
	}
	return nil
}
