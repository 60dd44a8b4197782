// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package connpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	closed atomic.Bool
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func TestTakeDialsInlineWhenPoolEmpty(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	}
	p := New(dial)
	defer p.Close()

	c, err := p.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("expected a connection")
	}
	if dials.Load() == 0 {
		t.Fatal("expected Take to dial inline on an empty pool")
	}
}

func TestTakeReturnsDistinctSocketsUntilExhausted(t *testing.T) {
	dial := func(ctx context.Context) (Conn, error) { return &fakeConn{}, nil }
	p := New(dial)
	defer p.Close()

	time.Sleep(refillInterval + 100*time.Millisecond) // let at least one refill tick populate the pool

	seen := map[Conn]bool{}
	for i := 0; i < Size; i++ {
		c, err := p.Take(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if seen[c] {
			t.Fatal("single-use socket handed out twice")
		}
		seen[c] = true
	}
}
