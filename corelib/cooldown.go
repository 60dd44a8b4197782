// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package corelib

import (
	"sync"
	"time"
)

var (
	reapThreshold = 5 * time.Minute
	maxReapIter   = 100
	sizeThreshold = 500
)

// Cooldown is a mutex-guarded set of keys under a timed backoff
// (dnspool's per-slot-index recreate backoff: don't redial a slot that
// just failed until its cooldown elapses). A background reap trims
// expired entries once the set grows past sizeThreshold, so a
// long-running pool with many distinct keys never leaks stale entries
// just because nothing ever calls Active on them again.
type Cooldown struct {
	mu       sync.Mutex
	until    map[string]time.Time
	lastReap time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{
		until:    make(map[string]time.Time),
		lastReap: time.Now(),
	}
}

// Active reports whether key is still inside its backoff window,
// clearing it once expired so a future Start doesn't need to grow a map
// entry past the time it's actually consulted.
func (c *Cooldown) Active(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[key]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.until, key)
		return false
	}
	return true
}

// Start puts key into backoff for d, extending an existing backoff
// rather than shortening it, and schedules a background reap.
func (c *Cooldown) Start(key string, d time.Duration) {
	until := time.Now().Add(d)

	c.mu.Lock()
	if existing, ok := c.until[key]; !ok || until.After(existing) {
		c.until[key] = until
	}
	c.mu.Unlock()

	go c.reap()
}

func (c *Cooldown) reap() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.until) < sizeThreshold {
		return
	}

	now := time.Now()
	nextReap := c.lastReap.Add(reapThreshold)
	if now.Sub(nextReap) <= 0 {
		return
	}
	c.lastReap = now

	i := 0
	for k, exp := range c.until {
		i++
		if now.After(exp) {
			delete(c.until, k)
		}
		if i > maxReapIter {
			break
		}
	}
}
