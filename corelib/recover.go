// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package corelib

import (
	"os"
	"runtime/debug"

	"github.com/veilrun/corevpn/vlog"
)

// Exit policy passed to Recover: whether a goroutine panic should take
// the process down (only used for goroutines the whole core depends on,
// like the TUN reader) or be logged and swallowed (per-flow and
// per-worker goroutines, which must not take the tunnel down with them).
const (
	DontExit = false
	Exit11   = true
)

// Recover is deferred at the top of every long-lived goroutine (TUN
// reader/writer, bridge acceptor, per-flow pump, DNS worker) per the
// concurrency model's requirement that no single flow's panic can tear
// down the tunnel.
func Recover(fatal bool, ctx string) {
	if r := recover(); r != nil {
		vlog.E("panic recovered in %s: %v\n%s", ctx, r, debug.Stack())
		if fatal {
			os.Exit(11)
		}
	}
}
