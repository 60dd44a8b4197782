// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mobileapi

import (
	"context"
	"fmt"
	"net"

	"github.com/veilrun/corevpn/bridge"
	"github.com/veilrun/corevpn/profile"
)

// newBridge builds the single egress bridge a profile selects (spec
// §4.9, §6 "start request carries a profile object"). The direct
// carrier bootstrap dial is intentionally unprotected (see netctl's
// doc comment): its socket reaches the carrier relay before any
// tunnel route exists to loop back through.
func newBridge(p *profile.Profile) (bridge.Bridge, error) {
	switch p.Carrier {
	case profile.DirectCarrier:
		dialNet := func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
		return bridge.NewDirectCarrierBridge(p.CarrierAddr, dialNet), nil

	case profile.SSHCarrier:
		return bridge.NewSSHBridge(fmt.Sprintf("%s:%d", p.SSHHost, p.SSHPort), p.SSHUser, p.SSHKeyPEM)

	case profile.DoHCarrier:
		var staticIPs []string
		if p.DNSHost != "" {
			staticIPs = append(staticIPs, p.DNSHost)
		}
		if p.DNSHostFallback != "" {
			staticIPs = append(staticIPs, p.DNSHostFallback)
		}
		return bridge.NewDoHBridge(p.DoHEndpoint, staticIPs), nil

	case profile.TorCarrier:
		return bridge.NewTorBridge(p.CarrierAddr), nil

	case profile.Socks5Carrier:
		return bridge.NewSocks5CarrierBridge(p.CarrierAddr, p.Username, p.Password), nil

	default:
		return nil, fmt.Errorf("mobileapi: unknown carrier kind %v", p.Carrier)
	}
}
