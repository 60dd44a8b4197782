// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"bytes"
	"errors"
	"io"
)

// ErrFwdUDPFrame signals a malformed FWD_UDP frame.
var ErrFwdUDPFrame = errors.New("socks5: malformed fwd_udp frame")

// ReadFwdUDPFrame decodes one FWD_UDP datagram frame per spec §4.5:
//
//	[datLen_hi|datLen_lo|hdrLen][ATYP+addr+port][payload]
//
// datLen counts hdrLen's own byte plus the address header plus the
// payload; hdrLen counts only the address header's length. frame is
// the raw bytes consumed, returned for diagnostics/tests.
func ReadFwdUDPFrame(r io.Reader) (frame []byte, addr Addr, payload []byte, err error) {
	var lenHdr [3]byte
	if _, err = io.ReadFull(r, lenHdr[:]); err != nil {
		return nil, Addr{}, nil, err
	}
	datLen := int(lenHdr[0])<<8 | int(lenHdr[1])
	hdrLen := int(lenHdr[2])
	if datLen < hdrLen {
		return nil, Addr{}, nil, ErrFwdUDPFrame
	}

	rest := make([]byte, datLen)
	if _, err = io.ReadFull(r, rest); err != nil {
		return nil, Addr{}, nil, err
	}

	hdr := rest[:hdrLen]
	addr, err = ReadAddr(bytes.NewReader(hdr))
	if err != nil {
		return nil, Addr{}, nil, err
	}
	payload = rest[hdrLen:]

	frame = append(append([]byte{}, lenHdr[:]...), rest...)
	return frame, addr, payload, nil
}

// WriteFwdUDPFrame encodes one FWD_UDP reply frame in the same wire
// format ReadFwdUDPFrame decodes.
func WriteFwdUDPFrame(w io.Writer, addr Addr, payload []byte) error {
	hdr := addr.Encode()
	datLen := len(hdr) + len(payload)
	if datLen > 0xFFFF || len(hdr) > 0xFF {
		return ErrFwdUDPFrame
	}

	out := make([]byte, 0, 3+datLen)
	out = append(out, byte(datLen>>8), byte(datLen), byte(len(hdr)))
	out = append(out, hdr...)
	out = append(out, payload...)

	_, err := w.Write(out)
	return err
}
