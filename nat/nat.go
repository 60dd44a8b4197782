// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nat tracks the 4-tuple -> stream-id/tcp-state mapping
// described in spec §3/§4.2. The teacher's intra/core.ExpMap supplies
// the "short critical section + background reaper" shape this table
// reuses for its own 60s inactivity tick.
package nat

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// TCPState enumerates the lifecycle of a tracked TCP flow (spec §3).
type TCPState int

const (
	SynReceived TCPState = iota
	Established
	Closing
	Closed
)

// Key is the 4-tuple identifying a flow (spec §3 "Flow key").
type Key struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
}

// Entry is one NAT mapping (spec §3 "NAT entry").
type Entry struct {
	Key       Key
	StreamID  uint64
	State     TCPState
	CreatedAt time.Time
	LastSeen  time.Time

	// UDPLike marks entries that expire purely on inactivity (spec §4.2);
	// TCP entries instead expire only on explicit removal plus the
	// post-CLOSED grace period, since FIN/RST retransmits must still be
	// absorbed even if traffic momentarily stops.
	UDPLike bool
}

const (
	udpIdleTimeout  = 60 * time.Second
	tcpCloseGrace   = 2 * time.Second // spec §4.2: TIME_WAIT-style grace after CLOSED
	cleanupInterval = 60 * time.Second
)

// Table is the NAT table. At most one Entry exists per Key at any
// instant (spec §3 invariant, §8 "∀ SYN: at most one NAT entry").
type Table struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	nextID  atomic.Uint64

	stopCh chan struct{}
	once   sync.Once
}

func New() *Table {
	t := &Table{
		entries: make(map[Key]*Entry),
		stopCh:  make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// GetOrCreate returns the existing entry for key, or creates a new one
// with a fresh monotonic stream id. isNew reports which happened.
// udpLike marks the new entry (ignored when the key already exists).
func (t *Table) GetOrCreate(key Key, udpLike bool) (entry *Entry, isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		return e, false
	}
	e := &Entry{
		Key:       key,
		StreamID:  t.nextID.Add(1),
		State:     SynReceived,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
		UDPLike:   udpLike,
	}
	t.entries[key] = e
	return e, true
}

func (t *Table) Get(key Key) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// Update applies fn to the entry under the table lock, bumping LastSeen.
// It is a no-op if key is absent.
func (t *Table) Update(key Key, fn func(*Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	fn(e)
	e.LastSeen = time.Now()
}

// Remove deletes key's entry immediately. TCP flows should instead
// transition to Closed and let the cleanup tick's grace period expire
// it, to absorb late FIN/RST retransmits (spec §4.2); Remove is for UDP-
// like flows and explicit teardown paths that don't need that grace.
func (t *Table) Remove(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Len reports the number of tracked entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CleanupExpired removes entries idle past the UDP timeout, and CLOSED
// TCP entries past their grace period. Runs automatically on a 60s tick
// but is exported so tests don't need to wait a minute.
func (t *Table) CleanupExpired() (removed int) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.State == Closed {
			if now.Sub(e.LastSeen) > tcpCloseGrace {
				delete(t.entries, k)
				removed++
			}
			continue
		}
		if e.UDPLike && now.Sub(e.LastSeen) > udpIdleTimeout {
			delete(t.entries, k)
			removed++
		}
		// non-UDP-like (TCP) entries that aren't Closed never expire on
		// inactivity; they're removed explicitly by the TCP flow engine.
	}
	return removed
}

func (t *Table) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.CleanupExpired()
		case <-t.stopCh:
			return
		}
	}
}

// Close stops the background cleanup tick.
func (t *Table) Close() {
	t.once.Do(func() { close(t.stopCh) })
}
