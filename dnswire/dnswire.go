// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dnswire frames raw DNS messages for DNS-over-TCP carriers and
// decodes the replies, the wire detail spec §4.8's worker pool pushes
// down to every carrier bridge. It wraps github.com/miekg/dns for
// message validation rather than re-deriving DNS wire parsing.
package dnswire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"
)

// MaxMessageSize bounds a single DNS-over-TCP message (RFC 1035 §4.2.2).
const MaxMessageSize = 65535

var ErrOversizeMessage = errors.New("dnswire: message too large for tcp framing")

// WriteMessage frames q as a 2-byte-length-prefixed DNS-over-TCP
// message and writes it in a single call so concurrent writers on the
// same carrier socket cannot interleave halves of a frame.
func WriteMessage(w io.Writer, q []byte) error {
	if len(q) > MaxMessageSize {
		return ErrOversizeMessage
	}
	buf := make([]byte, 2+len(q))
	binary.BigEndian.PutUint16(buf, uint16(len(q)))
	copy(buf[2:], q)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one length-prefixed DNS-over-TCP message.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lbuf [2]byte
	if _, err := io.ReadFull(r, lbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lbuf[:])
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Exchange writes q to conn, applies deadline, and reads back one
// framed reply. Used by mobileapi's bypass DNS resolution; the
// carrier-backed DNS workers frame their queries through dnspool.NetConn.
func Exchange(conn net.Conn, q []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	if err := WriteMessage(conn, q); err != nil {
		return nil, err
	}
	return ReadMessage(conn)
}

// Validate parses b as a DNS message and returns it, rejecting
// anything the carrier echoed back that isn't a well-formed reply.
func Validate(b []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return nil, fmt.Errorf("dnswire: unpack: %w", err)
	}
	return msg, nil
}

// StripTxID zeroes the transaction ID of a raw DNS message so
// otherwise-identical queries can be cache-keyed regardless of the ID
// the stub resolver happened to pick (spec §3 "DNS cache entry").
func StripTxID(b []byte) []byte {
	if len(b) < 2 {
		return b
	}
	out := make([]byte, len(b))
	copy(out, b)
	out[0], out[1] = 0, 0
	return out
}
