// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package profile holds the connect/disconnect request object (spec §6)
// and the small bit of state persisted across restarts (spec §6
// "Persisted state layout": only the last successful profile id).
package profile

import "github.com/veilrun/corevpn/router"

// CarrierKind selects which egress bridge a profile drives.
type CarrierKind int

const (
	DirectCarrier CarrierKind = iota // DNSTT-style raw-TCP carrier
	SSHCarrier
	DoHCarrier
	TorCarrier
	Socks5Carrier // Slipstream-style SOCKS5-fronted carrier
)

func (k CarrierKind) String() string {
	switch k {
	case DirectCarrier:
		return "direct"
	case SSHCarrier:
		return "ssh"
	case DoHCarrier:
		return "doh"
	case TorCarrier:
		return "tor"
	case Socks5Carrier:
		return "socks5-carrier"
	default:
		return "unknown"
	}
}

// Profile is the operator-supplied configuration for one connect cycle.
type Profile struct {
	ID      string
	Carrier CarrierKind

	// CarrierAddr is the remote endpoint the selected Carrier dials: a
	// raw host:port for DirectCarrier and Socks5Carrier, a local Tor
	// SOCKS5 listener (e.g. "127.0.0.1:9050") for TorCarrier. SSHCarrier
	// instead uses SSHHost/SSHPort below, and DoHCarrier uses DoHEndpoint.
	CarrierAddr string

	// ListenHost/ListenPort is the local SOCKS5 endpoint the bridge binds
	// (spec §6's "per-bridge SOCKS5 local endpoint").
	ListenHost string
	ListenPort int

	// DNSHost/DNSHostFallback are the static IPs the DoH bridge dials for
	// its endpoint and the resolvers for bypass DNS (fallback tried
	// first). The DNS worker pools do not use them, and prewarm does not
	// switch between them.
	DNSHost         string
	DNSHostFallback string

	Router router.Config

	// LeakPreventionDoH is carried on the profile but no package reads
	// it; no bridge gives its DNS worker pool a DoH fallback.
	LeakPreventionDoH bool

	// Username/Password are optional SOCKS5 sub-negotiation creds, used
	// only by the socks5-carrier bridge; the direct-carrier bridge does
	// no authentication.
	Username string
	Password string

	// SSHHost/SSHPort/SSHUser/SSHKeyPEM configure the SSH bridge.
	SSHHost   string
	SSHPort   int
	SSHUser   string
	SSHKeyPEM []byte

	// DoHEndpoint is the DoH POST URL for the DoH bridge. It is not
	// used as a phase-4 fallback by any dnspool.
	DoHEndpoint string
}

// Store persists the last successful profile id (spec §6's only
// persisted field). Callers supply their own backing implementation
// (file, keystore, …); this module only defines the contract.
type Store interface {
	SaveLastProfileID(id string) error
	LoadLastProfileID() (string, error)
}
