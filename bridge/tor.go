// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/txthinking/socks5"

	"github.com/veilrun/corevpn/dnspool"
	"github.com/veilrun/corevpn/dnswire"
)

const (
	dnsCacheTTL     = 60 * time.Second
	dnsCacheCleanup = 2 * time.Minute

	// torDNSPoolSize is spec §4.9's Tor-specific worker bound, narrower
	// than dnspool.Size since Tor circuit-building makes each worker
	// costlier to keep warm than the other carriers' pools.
	torDNSPoolSize = 8

	torResolverAddr = "8.8.8.8:53"
)

// TorBridge egresses through a locally-running Tor SOCKS5 proxy
// (e.g. Orbot or tor(1) on 127.0.0.1:9050). DNS answers are cached for
// 60s keyed by the txid-stripped query (spec §3 "DNS cache entry"),
// and a fixed 8-worker dnspool handles cache misses.
type TorBridge struct {
	torSocksAddr string

	client *socks5.Client
	cache  *gocache.Cache
	dnsp   *dnspool.Pool
	status atomic.Int32
}

// NewTorBridge builds a bridge that dials torSocksAddr (Tor's local
// SOCKS5 listener) for every egress connection.
func NewTorBridge(torSocksAddr string) *TorBridge {
	return &TorBridge{torSocksAddr: torSocksAddr}
}

func (b *TorBridge) ID() string { return "tor" }

func (b *TorBridge) Start(ctx context.Context) error {
	client, err := socks5.NewClient(b.torSocksAddr, "", "", 0, int(dialTimeout.Seconds()))
	if err != nil {
		return fmt.Errorf("tor-bridge: new client: %w", err)
	}
	b.client = client
	b.cache = gocache.New(dnsCacheTTL, dnsCacheCleanup)
	b.dnsp = dnspool.NewSized(torDNSPoolSize, b.dialDNSWorker, nil, false)
	b.status.Store(int32(StatusOK))
	return nil
}

// Dial opens an egress TCP connection by issuing a SOCKS5 CONNECT to
// dst through the local Tor proxy.
func (b *TorBridge) Dial(ctx context.Context, dst string) (net.Conn, error) {
	if b.client == nil {
		return nil, ErrNotStarted
	}
	conn, err := b.client.Dial("tcp", dst)
	if err != nil {
		return nil, fmt.Errorf("tor-bridge: connect %s: %w", dst, err)
	}
	return conn, nil
}

func (b *TorBridge) dialDNSWorker(ctx context.Context) (dnspool.Conn, error) {
	conn, err := b.Dial(ctx, torResolverAddr)
	if err != nil {
		return nil, err
	}
	return &dnspool.NetConn{Underlying: conn}, nil
}

// ResolveDNS answers from the 60s cache when possible, otherwise
// queries through the bounded DNS worker pool over Tor.
func (b *TorBridge) ResolveDNS(ctx context.Context, q []byte) ([]byte, error) {
	key := string(dnswire.StripTxID(q))
	if cached, ok := b.cache.Get(key); ok {
		ans := append([]byte(nil), cached.([]byte)...)
		restoreTxID(ans, q)
		return ans, nil
	}

	if b.dnsp == nil {
		return nil, ErrNotStarted
	}
	ans, err := b.dnsp.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	b.cache.Set(key, dnswire.StripTxID(ans), gocache.DefaultExpiration)
	return ans, nil
}

func restoreTxID(ans, q []byte) {
	if len(ans) >= 2 && len(q) >= 2 {
		ans[0], ans[1] = q[0], q[1]
	}
}

func (b *TorBridge) Stop() error {
	b.status.Store(int32(StatusStopped))
	if b.dnsp != nil {
		b.dnsp.Close()
	}
	return nil
}

func (b *TorBridge) Status() Status { return Status(b.status.Load()) }
