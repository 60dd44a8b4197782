// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bridge implements the five covert-carrier egress bridges of
// spec §4.9: a direct carrier socket (DNSTT-style), an SSH
// direct-tcpip bridge, a DNS-over-HTTPS bridge, a Tor SOCKS5 bridge,
// and a Slipstream-style SOCKS5 carrier bridge. Every bridge implements
// the same small interface so the TCP engine and SOCKS5 server can
// dial through whichever one the active profile selected, mirroring
// the teacher's ipn.Proxy abstraction (ID/Dial/Stop/Refresh).
package bridge

import (
	"context"
	"errors"
	"net"
)

// Status mirrors the teacher's ipn proxy status constants.
type Status int

const (
	StatusOK Status = iota
	StatusDown
	StatusStopped
)

var ErrNotStarted = errors.New("bridge: not started")

// Bridge is the egress abstraction every carrier implements.
type Bridge interface {
	// ID names the bridge (e.g. "ssh", "doh", "tor").
	ID() string
	// Start prepares the bridge (connection pools, DNS workers, auth).
	Start(ctx context.Context) error
	// Dial opens one egress TCP connection to dst through the carrier.
	Dial(ctx context.Context, dst string) (net.Conn, error)
	// ResolveDNS answers one DNS query via this bridge's carrier path.
	ResolveDNS(ctx context.Context, q []byte) ([]byte, error)
	// Stop tears the bridge down: its DNS worker pool, connection pool
	// and carrier client, whichever it holds.
	Stop() error
	Status() Status
}
