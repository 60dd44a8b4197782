// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mobileapi

import (
	"testing"

	"github.com/veilrun/corevpn/profile"
)

func TestNewBridgeSelectsByCarrierKind(t *testing.T) {
	cases := []struct {
		kind profile.CarrierKind
		want string
	}{
		{profile.DirectCarrier, "direct-carrier"},
		{profile.DoHCarrier, "doh"},
		{profile.TorCarrier, "tor"},
		{profile.Socks5Carrier, "socks5-carrier"},
	}
	for _, c := range cases {
		p := &profile.Profile{Carrier: c.kind, CarrierAddr: "127.0.0.1:9050", DoHEndpoint: "https://example.invalid/dns-query"}
		br, err := newBridge(p)
		if err != nil {
			t.Fatalf("carrier %v: %v", c.kind, err)
		}
		if br.ID() != c.want {
			t.Fatalf("carrier %v: got id %q, want %q", c.kind, br.ID(), c.want)
		}
	}
}

func TestNewBridgeRejectsUnknownCarrierKind(t *testing.T) {
	_, err := newBridge(&profile.Profile{Carrier: profile.CarrierKind(99)})
	if err == nil {
		t.Fatal("expected error for unknown carrier kind")
	}
}
