// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"golang.org/x/net/http2"
)

const dohContentType = "application/dns-message"

// DoHBridge speaks DNS-over-HTTPS (RFC 8484) over HTTP/2, resolving
// its own endpoint hostname against a small set of caller-supplied
// static IPs first so the bootstrap lookup itself can't be blocked or
// hijacked by the censor's resolver (spec §4.9).
//
// DoHBridge only answers DNS queries; it has no TCP egress dial path.
type DoHBridge struct {
	endpoint  string
	staticIPs []string

	client *http.Client
	status atomic.Int32
}

// NewDoHBridge builds a bridge posting DNS wire messages to endpoint
// (e.g. "https://dns.example/dns-query"). staticIPs, when non-empty,
// are dialed in order for the endpoint host before falling back to
// whatever the ambient resolver returns.
func NewDoHBridge(endpoint string, staticIPs []string) *DoHBridge {
	return &DoHBridge{endpoint: endpoint, staticIPs: staticIPs}
}

func (b *DoHBridge) ID() string { return "doh" }

func (b *DoHBridge) Start(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: dialTimeout}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if len(b.staticIPs) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				port = "443"
			}
			var lastErr error
			for _, ip := range b.staticIPs {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if conn, err := dialer.DialContext(ctx, network, addr); err == nil {
				return conn, nil
			}
			return nil, fmt.Errorf("doh-bridge: static ips and system resolver failed: %w", lastErr)
		},
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return fmt.Errorf("doh-bridge: configure http2: %w", err)
	}

	b.client = &http.Client{Transport: transport, Timeout: dialTimeout}
	b.status.Store(int32(StatusOK))
	return nil
}

// Dial is unsupported: DoH carries only DNS queries (spec §4.9's
// "DoH fallback gated by leak-prevention flag" is resolver-only).
func (b *DoHBridge) Dial(ctx context.Context, dst string) (net.Conn, error) {
	return nil, fmt.Errorf("doh-bridge: tcp egress not supported")
}

func (b *DoHBridge) ResolveDNS(ctx context.Context, q []byte) ([]byte, error) {
	if b.client == nil {
		return nil, ErrNotStarted
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(q))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", dohContentType)
	req.Header.Set("accept", dohContentType)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh-bridge: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh-bridge: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 65535))
}

func (b *DoHBridge) Stop() error {
	b.status.Store(int32(StatusStopped))
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	return nil
}

func (b *DoHBridge) Status() Status { return Status(b.status.Load()) }
