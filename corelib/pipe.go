// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package corelib

import "io"

// Pipe copies from src to dst using a pooled buffer, so the TCP flow
// engine's upload/download goroutines don't each allocate their own
// 64KiB scratch space per §4.6's "read up to 64KiB, segment" data path.
func Pipe(dst io.Writer, src io.Reader) (int64, error) {
	bptr := Alloc()
	defer Recycle(bptr)
	return io.CopyBuffer(dst, src, *bptr)
}

type halfCloser interface {
	CloseWrite() error
}

type halfReader interface {
	CloseRead() error
}

// CloseWrite half-closes c's write side if it supports it, else closes c.
func CloseWrite(c io.Closer) error {
	if hc, ok := c.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Close()
}

// CloseRead half-closes c's read side if it supports it, else closes c.
func CloseRead(c io.Closer) error {
	if hc, ok := c.(halfReader); ok {
		return hc.CloseRead()
	}
	return c.Close()
}
