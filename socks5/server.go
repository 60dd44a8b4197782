// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/veilrun/corevpn/corelib"
	"github.com/veilrun/corevpn/vlog"
	"golang.org/x/sys/unix"
)

const (
	bindRetries  = 10
	bindInterval = 200 * time.Millisecond
)

// ConnectHandler dials the far side of a CONNECT request. It returns an
// open net.Conn on success, or a rep code (spec §6, 0x01-0x08) on
// failure.
type ConnectHandler func(ctx context.Context, addr Addr) (net.Conn, byte)

// FwdUDPHandler services a single FWD_UDP request per spec §4.5's wire
// framing: it receives the decoded target Addr and the UDP payload, and
// returns the reply payload to frame back to the client.
type FwdUDPHandler func(ctx context.Context, addr Addr, payload []byte) ([]byte, error)

// Server is the SOCKS5 listener consumed by the TUN-to-SOCKS5 shim
// (spec §4.5). Every accepted connection gets one goroutine.
type Server struct {
	ln       net.Listener
	onConnect ConnectHandler
	onFwdUDP  FwdUDPHandler

	closing chan struct{}
}

// Listen binds host:port with SO_REUSEADDR, retrying on EADDRINUSE per
// spec §4.5 / §8 scenario 6 ("port already in use: bind fails, retries
// with backoff, eventually succeeds once the port frees").
func Listen(ctx context.Context, host string, port int, onConnect ConnectHandler, onFwdUDP FwdUDPHandler) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	var ln net.Listener
	var err error
	for attempt := 0; attempt < bindRetries; attempt++ {
		ln, err = lc.Listen(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		vlog.W("socks5: bind %s in use, retry %d/%d", addr, attempt+1, bindRetries)
		time.Sleep(bindInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("socks5: bind %s: %w", addr, err)
	}

	s := &Server{ln: ln, onConnect: onConnect, onFwdUDP: onFwdUDP, closing: make(chan struct{})}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Close() error {
	close(s.closing)
	return s.ln.Close()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer corelib.Recover(corelib.DontExit, "socks5.acceptLoop")
	for {
		c, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			vlog.W("socks5: accept: %v", err)
			return
		}
		go s.serve(ctx, c)
	}
}

func (s *Server) serve(ctx context.Context, c net.Conn) {
	defer corelib.Recover(corelib.DontExit, "socks5.serve")
	defer c.Close()

	methods, err := ReadGreeting(c)
	if err != nil {
		vlog.D("socks5: greeting: %v", err)
		return
	}
	_ = methods // no-auth is always selected; spec §4.5 advertises 0x00 only
	if err := WriteMethodSelect(c, MethodNoAuth); err != nil {
		return
	}

	cmd, addr, err := ReadConnectRequest(c)
	if err != nil {
		vlog.D("socks5: request: %v", err)
		return
	}

	switch cmd {
	case CmdConnect:
		s.handleConnect(ctx, c, addr)
	case CmdFwdUDP:
		s.handleFwdUDP(ctx, c, addr)
	default:
		_ = WriteConnectReply(c, RepCommandNotSupported)
	}
}

func (s *Server) handleConnect(ctx context.Context, c net.Conn, addr Addr) {
	if s.onConnect == nil {
		_ = WriteConnectReply(c, RepGeneralFailure)
		return
	}
	upstream, rep := s.onConnect(ctx, addr)
	if upstream == nil {
		_ = WriteConnectReply(c, rep)
		return
	}
	defer upstream.Close()
	if err := WriteConnectReply(c, RepSuccess); err != nil {
		return
	}

	errc := make(chan error, 2)
	go func() {
		_, err := corelib.Pipe(upstream, c)
		errc <- err
	}()
	go func() {
		_, err := corelib.Pipe(c, upstream)
		errc <- err
	}()
	<-errc
}

// handleFwdUDP services spec §4.5's non-standard FWD_UDP command. The
// request body after the address is a single length-framed datagram:
// [datLen_hi|datLen_lo|hdrLen][ATYP+addr+port][payload]. The reply uses
// the same framing so a single TCP connection can carry exactly one
// UDP round trip.
func (s *Server) handleFwdUDP(ctx context.Context, c net.Conn, addr Addr) {
	if s.onFwdUDP == nil {
		_ = WriteConnectReply(c, RepCommandNotSupported)
		return
	}
	if err := WriteConnectReply(c, RepSuccess); err != nil {
		return
	}

	frame, payloadAddr, payload, err := ReadFwdUDPFrame(c)
	if err != nil {
		vlog.D("socks5: fwd_udp frame: %v", err)
		return
	}
	_ = frame

	reply, err := s.onFwdUDP(ctx, payloadAddr, payload)
	if err != nil {
		vlog.D("socks5: fwd_udp handler: %v", err)
		return
	}
	if err := WriteFwdUDPFrame(c, payloadAddr, reply); err != nil {
		vlog.D("socks5: fwd_udp reply: %v", err)
	}
}
