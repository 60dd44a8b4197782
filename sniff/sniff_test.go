// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sniff

import (
	"bytes"
	"testing"
)

func buildClientHelloWithSNI(sni string) []byte {
	var ext bytes.Buffer
	ext.WriteByte(0x00) // name type: host_name
	ext.WriteByte(byte(len(sni) >> 8))
	ext.WriteByte(byte(len(sni)))
	ext.WriteString(sni)

	var sniExt bytes.Buffer
	sniExt.WriteByte(byte((ext.Len() + 0) >> 8))
	sniExt.WriteByte(byte(ext.Len() + 0))
	sniExt.Write(ext.Bytes())

	var extensions bytes.Buffer
	extensions.WriteByte(0x00) // ext type hi
	extensions.WriteByte(0x00) // ext type lo (server_name)
	extensions.WriteByte(byte(sniExt.Len() >> 8))
	extensions.WriteByte(byte(sniExt.Len()))
	extensions.Write(sniExt.Bytes())

	var hs bytes.Buffer
	hs.Write(make([]byte, 2))  // client_version
	hs.Write(make([]byte, 32)) // random
	hs.WriteByte(0)            // session id len
	hs.WriteByte(0)
	hs.WriteByte(2) // cipher suites len = 2
	hs.Write([]byte{0x00, 0x2f})
	hs.WriteByte(1) // compression methods len
	hs.WriteByte(0)
	hs.WriteByte(byte(extensions.Len() >> 8))
	hs.WriteByte(byte(extensions.Len()))
	hs.Write(extensions.Bytes())

	var handshake bytes.Buffer
	handshake.WriteByte(0x01) // client_hello
	hsLen := hs.Len()
	handshake.WriteByte(byte(hsLen >> 16))
	handshake.WriteByte(byte(hsLen >> 8))
	handshake.WriteByte(byte(hsLen))
	handshake.Write(hs.Bytes())

	var record bytes.Buffer
	record.WriteByte(0x16) // handshake record
	record.WriteByte(0x03)
	record.WriteByte(0x01)
	record.WriteByte(byte(handshake.Len() >> 8))
	record.WriteByte(byte(handshake.Len()))
	record.Write(handshake.Bytes())

	return record.Bytes()
}

func TestSniffTLSSNI(t *testing.T) {
	buf := buildClientHelloWithSNI("Example.IR")
	res := FromBuffer(buf)
	if res.Domain != "example.ir" {
		t.Fatalf("want example.ir, got %q", res.Domain)
	}
	if !bytes.Equal(res.Buffer, buf) {
		t.Fatal("buffered bytes must be byte-identical to input for re-injection")
	}
}

func TestSniffHTTPHost(t *testing.T) {
	req := "GET /index.html HTTP/1.1\r\nHost: example.com:8080\r\nUser-Agent: x\r\n\r\n"
	res := FromBuffer([]byte(req))
	if res.Domain != "example.com" {
		t.Fatalf("want example.com, got %q", res.Domain)
	}
}

func TestSniffNeitherTLSNorHTTP(t *testing.T) {
	res := FromBuffer([]byte{0x01, 0x02, 0x03})
	if res.Domain != "" {
		t.Fatalf("want empty domain, got %q", res.Domain)
	}
}

func TestSniffBufferCapped(t *testing.T) {
	big := bytes.Repeat([]byte{0xAA}, MaxBuffer+100)
	res := FromBuffer(big)
	if len(res.Buffer) != MaxBuffer {
		t.Fatalf("want %d, got %d", MaxBuffer, len(res.Buffer))
	}
}
