// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package corelib

import "sync"

const bufSize = 64 * 1024

var bufpool = sync.Pool{
	New: func() any {
		b := make([]byte, bufSize)
		return &b
	},
}

// Alloc borrows a 64KiB scratch buffer. Pair with Recycle.
func Alloc() *[]byte {
	return bufpool.Get().(*[]byte)
}

// Recycle returns a buffer borrowed from Alloc.
func Recycle(b *[]byte) {
	if b == nil {
		return
	}
	*b = (*b)[:cap(*b)]
	bufpool.Put(b)
}
