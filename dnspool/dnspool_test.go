// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnspool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	fail atomic.Bool
	ans  []byte
}

func (f *fakeConn) Exchange(ctx context.Context, q []byte) ([]byte, error) {
	if f.fail.Load() {
		return nil, errors.New("fake: carrier dead")
	}
	return f.ans, nil
}
func (f *fakeConn) Close() error { return nil }

func TestLiveWorkerRoundTripAnswersQuery(t *testing.T) {
	dial := func(ctx context.Context) (Conn, error) {
		return &fakeConn{ans: []byte("ok")}, nil
	}
	p := New(dial, nil, false)
	defer p.Close()

	ans, err := p.Query(context.Background(), []byte("q"))
	if err != nil {
		t.Fatal(err)
	}
	if string(ans) != "ok" {
		t.Fatalf("want ok, got %q", ans)
	}
}

func TestFallsBackToDoHWhenAllCarriersFail(t *testing.T) {
	dial := func(ctx context.Context) (Conn, error) {
		return nil, errors.New("carrier unreachable")
	}
	doh := func(ctx context.Context, q []byte) ([]byte, error) {
		return []byte("doh-answer"), nil
	}
	p := New(dial, doh, true /* leak prevention allows doh */)
	defer p.Close()

	ans, err := p.Query(context.Background(), []byte("q"))
	if err != nil {
		t.Fatal(err)
	}
	if string(ans) != "doh-answer" {
		t.Fatalf("want doh-answer, got %q", ans)
	}
}

func TestLeakPreventionBlocksDoHFallback(t *testing.T) {
	dial := func(ctx context.Context) (Conn, error) {
		return nil, errors.New("carrier unreachable")
	}
	doh := func(ctx context.Context, q []byte) ([]byte, error) {
		return []byte("doh-answer"), nil
	}
	p := New(dial, doh, false /* leak prevention forbids doh */)
	defer p.Close()

	_, err := p.Query(context.Background(), []byte("q"))
	if !errors.Is(err, ErrLeakProtected) {
		t.Fatalf("want ErrLeakProtected, got %v", err)
	}
}

func TestDeadWorkerRecreatedOnNextQuery(t *testing.T) {
	first := &fakeConn{ans: []byte("first")}
	calls := 0
	dial := func(ctx context.Context) (Conn, error) {
		calls++
		if calls <= Size { // every prewarm dial
			return first, nil
		}
		return &fakeConn{ans: []byte("second")}, nil
	}
	p := New(dial, nil, false)
	defer p.Close()

	first.fail.Store(true)
	// every live slot shares the same failing conn from prewarm; this
	// should fall through to recreate-and-retry and succeed.
	ans, err := p.Query(context.Background(), []byte("q"))
	if err != nil {
		t.Fatal(err)
	}
	if string(ans) != "second" {
		t.Fatalf("want second, got %q", ans)
	}
	_ = time.Millisecond // keepalive interval not exercised in this unit test
}
