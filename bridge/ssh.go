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
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilrun/corevpn/dnspool"
	"github.com/veilrun/corevpn/vlog"
	"golang.org/x/crypto/ssh"
)

const (
	sshChannelLimit = 32
	sshDialRetries  = 2
	sshRetryDelay   = 100 * time.Millisecond
)

// SSHBridge tunnels egress TCP connections over an SSH direct-tcpip
// channel opened against a single persistent client connection,
// grounded on golang.org/x/crypto/ssh. A semaphore caps concurrent
// channels so one bridge can't exhaust the remote sshd's channel
// limit (spec §4.9).
type SSHBridge struct {
	host, user string
	signer     ssh.Signer

	mu     sync.Mutex
	client *ssh.Client
	sem    chan struct{}

	dnsp   *dnspool.Pool
	status atomic.Int32
}

// NewSSHBridge builds a bridge that authenticates with the given
// private key PEM. Parsing failures are returned here.
func NewSSHBridge(host, user string, keyPEM []byte) (*SSHBridge, error) {
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("ssh-bridge: parse key: %w", err)
	}
	return &SSHBridge{host: host, user: user, signer: signer, sem: make(chan struct{}, sshChannelLimit)}, nil
}

func (b *SSHBridge) ID() string { return "ssh" }

func (b *SSHBridge) Start(ctx context.Context) error {
	cfg := &ssh.ClientConfig{
		User:            b.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // the server's host key is not verified
		Timeout:         dialTimeout,
	}

	var lastErr error
	for attempt := 0; attempt <= sshDialRetries; attempt++ {
		client, err := ssh.Dial("tcp", b.host, cfg)
		if err == nil {
			b.mu.Lock()
			b.client = client
			b.mu.Unlock()
			b.status.Store(int32(StatusOK))

			b.dnsp = dnspool.New(b.dialDNSWorker, nil, false)
			return nil
		}
		lastErr = err
		vlog.W("ssh-bridge: dial %s attempt %d failed: %v", b.host, attempt+1, err)
		time.Sleep(sshRetryDelay)
	}
	b.status.Store(int32(StatusDown))
	return fmt.Errorf("ssh-bridge: dial %s: %w", b.host, lastErr)
}

func (b *SSHBridge) dialDNSWorker(ctx context.Context) (dnspool.Conn, error) {
	conn, err := b.Dial(ctx, "1.1.1.1:53")
	if err != nil {
		return nil, err
	}
	return &dnspool.NetConn{Underlying: conn}, nil
}

// Dial opens a direct-tcpip channel to dst, blocking on the semaphore
// if sshChannelLimit channels are already open.
func (b *SSHBridge) Dial(ctx context.Context, dst string) (net.Conn, error) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return nil, ErrNotStarted
	}

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conn, err := client.Dial("tcp", dst)
	if err != nil {
		<-b.sem
		return nil, fmt.Errorf("ssh-bridge: direct-tcpip %s: %w", dst, err)
	}
	return &semReleaseConn{Conn: conn, sem: b.sem}, nil
}

func (b *SSHBridge) ResolveDNS(ctx context.Context, q []byte) ([]byte, error) {
	if b.dnsp == nil {
		return nil, ErrNotStarted
	}
	return b.dnsp.Query(ctx, q)
}

func (b *SSHBridge) Stop() error {
	b.status.Store(int32(StatusStopped))
	if b.dnsp != nil {
		b.dnsp.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *SSHBridge) Status() Status { return Status(b.status.Load()) }

// semReleaseConn frees its channel-limit slot exactly once on Close.
type semReleaseConn struct {
	net.Conn
	sem      chan struct{}
	released atomic.Bool
}

func (c *semReleaseConn) Close() error {
	if c.released.CompareAndSwap(false, true) {
		<-c.sem
	}
	return c.Conn.Close()
}
