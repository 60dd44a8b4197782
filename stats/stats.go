// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package stats exposes the "Operational surface" of spec §6: a
// readable traffic-counter snapshot and a broadcast channel of
// connection-state changes.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/veilrun/corevpn/profile"
)

// Snapshot is a point-in-time read of the traffic counters.
type Snapshot struct {
	TxBytes     int64
	RxBytes     int64
	TxPackets   int64
	RxPackets   int64
	ActiveFlows int32
}

// Counters are the live atomics mobileapi.Session updates: tx for every
// packet read from TUN, rx for every packet written to it. Nothing
// calls FlowOpened/FlowClosed, so ActiveFlows stays 0.
type Counters struct {
	txBytes     atomic.Int64
	rxBytes     atomic.Int64
	txPackets   atomic.Int64
	rxPackets   atomic.Int64
	activeFlows atomic.Int32
}

func NewCounters() *Counters { return &Counters{} }

func (c *Counters) AddTx(n int64) { c.txBytes.Add(n); c.txPackets.Add(1) }
func (c *Counters) AddRx(n int64) { c.rxBytes.Add(n); c.rxPackets.Add(1) }
func (c *Counters) FlowOpened()   { c.activeFlows.Add(1) }
func (c *Counters) FlowClosed()   { c.activeFlows.Add(-1) }

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TxBytes:     c.txBytes.Load(),
		RxBytes:     c.rxBytes.Load(),
		TxPackets:   c.txPackets.Load(),
		RxPackets:   c.rxPackets.Load(),
		ActiveFlows: c.activeFlows.Load(),
	}
}

// Broadcaster fans connection-state changes out to any number of
// subscribers. The zero value is unusable; use NewBroadcaster.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan profile.State]struct{}
	last profile.State
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan profile.State]struct{}),
		last: profile.StateDisconnected(),
	}
}

// Publish sets the new state and notifies every subscriber without
// blocking; a slow subscriber drops intermediate states rather than
// stalling the publisher.
func (b *Broadcaster) Publish(s profile.State) {
	b.mu.Lock()
	b.last = s
	subs := make([]chan profile.State, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Subscribe returns a channel receiving future state changes and a
// cancel func to stop receiving them. The channel is buffered by one so
// Publish never blocks on it.
func (b *Broadcaster) Subscribe() (<-chan profile.State, func()) {
	ch := make(chan profile.State, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}

// Current returns the most recently published state.
func (b *Broadcaster) Current() profile.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
