// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sniff peeks into a freshly-opened TCP flow's first bytes to
// recover a TLS SNI or HTTP Host without terminating the connection
// (spec §4.3). Buffered bytes are always returned so the caller can
// re-inject them ahead of whatever it forwards downstream.
package sniff

import (
	"bytes"
	"strconv"
	"strings"
)

// MaxBuffer is the hard cap on bytes peeked from the client (spec §3
// Sniff result invariant: "at most 4096 bytes buffered").
const MaxBuffer = 4096

// Result is the outcome of a sniff attempt (spec §3 "Sniff result").
type Result struct {
	Domain  string // empty if neither TLS SNI nor HTTP Host was found
	Buffer  []byte // raw bytes read from the client; re-prepend before forwarding
}

var httpMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT"}

// FromBuffer inspects buf (already peeked off the wire by the caller;
// length must be <= MaxBuffer) and tries TLS ClientHello SNI first, then
// HTTP Host. buf is always echoed back in Result.Buffer.
func FromBuffer(buf []byte) Result {
	if len(buf) > MaxBuffer {
		buf = buf[:MaxBuffer]
	}
	res := Result{Buffer: buf}
	if d, ok := sniffTLSSNI(buf); ok {
		res.Domain = strings.ToLower(d)
		return res
	}
	if d, ok := sniffHTTPHost(buf); ok {
		res.Domain = strings.ToLower(d)
		return res
	}
	return res
}

// sniffTLSSNI walks a TLS record looking for a ClientHello's SNI
// extension (type 0x0000), per spec §4.3.
func sniffTLSSNI(b []byte) (string, bool) {
	if len(b) < 5 || b[0] != 0x16 { // record type: handshake
		return "", false
	}
	// record header: type(1) version(2) length(2)
	recLen := int(b[3])<<8 | int(b[4])
	body := b[5:]
	if len(body) < recLen {
		recLen = len(body)
	}
	body = body[:recLen]

	if len(body) < 4 || body[0] != 0x01 { // handshake type: client_hello
		return "", false
	}
	// handshake header: type(1) length(3)
	p := body[4:]

	if len(p) < 2+32 {
		return "", false
	}
	p = p[2:] // client_version
	p = p[32:] // random

	if len(p) < 1 {
		return "", false
	}
	sidLen := int(p[0])
	p = p[1:]
	if len(p) < sidLen {
		return "", false
	}
	p = p[sidLen:] // session_id

	if len(p) < 2 {
		return "", false
	}
	csLen := int(p[0])<<8 | int(p[1])
	p = p[2:]
	if len(p) < csLen {
		return "", false
	}
	p = p[csLen:] // cipher_suites

	if len(p) < 1 {
		return "", false
	}
	cmLen := int(p[0])
	p = p[1:]
	if len(p) < cmLen {
		return "", false
	}
	p = p[cmLen:] // compression_methods

	if len(p) < 2 {
		return "", false
	}
	extLen := int(p[0])<<8 | int(p[1])
	p = p[2:]
	if len(p) < extLen {
		extLen = len(p)
	}
	p = p[:extLen]

	for len(p) >= 4 {
		extType := int(p[0])<<8 | int(p[1])
		extDataLen := int(p[2])<<8 | int(p[3])
		p = p[4:]
		if len(p) < extDataLen {
			return "", false
		}
		extData := p[:extDataLen]
		p = p[extDataLen:]

		if extType == 0x0000 { // server_name
			if name, ok := parseSNIExtension(extData); ok {
				return name, true
			}
		}
	}
	return "", false
}

func parseSNIExtension(b []byte) (string, bool) {
	if len(b) < 2 {
		return "", false
	}
	listLen := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if len(b) < listLen {
		listLen = len(b)
	}
	b = b[:listLen]
	for len(b) >= 3 {
		nameType := b[0]
		nameLen := int(b[1])<<8 | int(b[2])
		b = b[3:]
		if len(b) < nameLen {
			return "", false
		}
		name := b[:nameLen]
		b = b[nameLen:]
		if nameType == 0x00 { // host_name
			return string(name), true
		}
	}
	return "", false
}

// sniffHTTPHost recognizes a plaintext HTTP request by its method line
// and scans for the first "\r\nHost:" header, per spec §4.3.
func sniffHTTPHost(b []byte) (string, bool) {
	matched := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(b, []byte(m+" ")) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}

	idx := bytes.Index(b, []byte("\r\nHost:"))
	if idx < 0 {
		idx = bytes.Index(b, []byte("\r\nhost:"))
	}
	if idx < 0 {
		return "", false
	}
	rest := b[idx+len("\r\nHost:"):]
	end := bytes.Index(rest, []byte("\r\n"))
	if end < 0 {
		end = len(rest)
	}
	host := strings.TrimSpace(string(rest[:end]))
	host = stripPort(host)
	if host == "" {
		return "", false
	}
	return host, true
}

func stripPort(host string) string {
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			return host[:idx]
		}
	}
	return host
}
