// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netctl builds dialers and listen-configs whose sockets are
// handed to the platform's `protect(socket)` callback (spec §6) before
// connect/listen, so that bypass traffic (router bypass decisions, the
// UDP splitter's "anything else" path) is excluded from the tunnel's own
// routes and cannot recurse back into the VPN.
package netctl

import (
	"net"
	"syscall"

	"github.com/veilrun/corevpn/vlog"
)

// Controller is the platform collaborator that marks a raw fd as
// bypassing the VPN. It is opaque to this module per spec §6.
type Controller interface {
	// Protect asks the platform to bind fd to a network path that does
	// not loop back into the tunnel. who is a short tag for logging.
	Protect(who string, fd int) bool
}

func control(who string, ctl Controller) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var ctlerr error
		err := c.Control(func(fd uintptr) {
			if ctl == nil {
				return
			}
			if ok := ctl.Protect(who, int(fd)); !ok {
				vlog.W("netctl: protect(%s) refused for %s %s", who, network, address)
			}
		})
		if err != nil {
			return err
		}
		return ctlerr
	}
}

// Dialer returns a *net.Dialer whose sockets are protected via ctl.
// ctl may be nil, in which case a plain dialer is returned (used by
// bridges that intentionally dial unprotected, like the direct-carrier
// bootstrap before the tunnel exists).
func Dialer(who string, ctl Controller) *net.Dialer {
	if ctl == nil {
		return &net.Dialer{}
	}
	return &net.Dialer{Control: control(who, ctl)}
}

// ListenConfig returns a *net.ListenConfig whose sockets are protected.
func ListenConfig(who string, ctl Controller) *net.ListenConfig {
	if ctl == nil {
		return &net.ListenConfig{}
	}
	return &net.ListenConfig{Control: control(who, ctl)}
}
