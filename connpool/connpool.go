// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package connpool keeps a small number of pre-connected carrier
// sockets warm per bridge so a CONNECT doesn't pay a fresh handshake
// on the critical path (spec §4.10). Each socket is single-use: once
// handed out it is removed from the pool and the refill loop dials a
// replacement.
package connpool

import (
	"context"
	"sync"
	"time"

	sieve "github.com/opencoff/go-sieve"
	"github.com/veilrun/corevpn/corelib"
	"github.com/veilrun/corevpn/vlog"
)

const (
	// Size is the fixed warm-socket count spec §4.10 mandates.
	Size = 3

	refillInterval = 500 * time.Millisecond
	socketExpiry    = 120 * time.Second
)

// Dial opens one fresh carrier socket.
type Dial func(ctx context.Context) (Conn, error)

// Conn is a pooled carrier socket.
type Conn interface {
	Close() error
}

type entry struct {
	conn    Conn
	created time.Time
}

// Pool maintains up to Size warm sockets, expiring any that sit idle
// past socketExpiry and refilling on a fixed tick.
type Pool struct {
	dial Dial

	mu     sync.Mutex
	ready  *sieve.Sieve[uint64, *entry]
	nextID uint64

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New builds a Pool and starts its refill loop.
func New(dial Dial) *Pool {
	p := &Pool{
		dial:  dial,
		ready: sieve.New[uint64, *entry](Size),
		stop:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.refillLoop()
	return p
}

// Take removes and returns one warm socket, or dials a fresh one
// inline if the pool is currently empty (spec §4.10's "single-use per
// CONNECT" — the caller always gets a socket nobody else will reuse).
func (p *Pool) Take(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	id, e, ok := p.oldestReady()
	if ok {
		p.ready.Remove(id)
	}
	p.mu.Unlock()

	if ok {
		return e.conn, nil
	}

	vlog.D("connpool: empty, dialing inline")
	return p.dial(ctx)
}

func (p *Pool) oldestReady() (uint64, *entry, bool) {
	var bestID uint64
	var best *entry
	found := false
	p.ready.Range(func(id uint64, e *entry) bool {
		if !found || e.created.Before(best.created) {
			bestID, best, found = id, e, true
		}
		return true
	})
	return bestID, best, found
}

func (p *Pool) refillLoop() {
	defer p.wg.Done()
	defer corelib.Recover(corelib.DontExit, "connpool.refillLoop")

	t := time.NewTicker(refillInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.expireStale()
			p.topUp()
		}
	}
}

func (p *Pool) expireStale() {
	now := time.Now()
	p.mu.Lock()
	var stale []uint64
	p.ready.Range(func(id uint64, e *entry) bool {
		if now.Sub(e.created) > socketExpiry {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		if e, ok := p.ready.Get(id); ok {
			e.conn.Close()
		}
		p.ready.Remove(id)
	}
	p.mu.Unlock()
}

func (p *Pool) topUp() {
	p.mu.Lock()
	deficit := Size - p.ready.Len()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refillInterval)
	defer cancel()
	for i := 0; i < deficit; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			vlog.D("connpool: refill dial failed: %v", err)
			continue
		}
		p.mu.Lock()
		id := p.nextID
		p.nextID++
		p.ready.Add(id, &entry{conn: conn, created: time.Now()})
		p.mu.Unlock()
	}
}

// Close stops the refill loop and closes every warm socket still in
// the pool.
func (p *Pool) Close() error {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []uint64
	p.ready.Range(func(id uint64, e *entry) bool {
		e.conn.Close()
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		p.ready.Remove(id)
	}
	return nil
}
