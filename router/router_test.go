// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package router

import (
	"net/netip"
	"testing"
)

func TestDisabledRouterNeverBypasses(t *testing.T) {
	r := New(Config{Enabled: false, DomainRules: []string{"example.com"}})
	if r.Decide("www.example.com") {
		t.Fatal("disabled router must never bypass")
	}
}

func TestDomainRuleBypassModeSuffixMatch(t *testing.T) {
	r := New(Config{Enabled: true, Mode: Bypass, DomainRules: []string{"example.com"}})
	if !r.Decide("example.com") {
		t.Fatal("exact match should bypass")
	}
	if !r.Decide("www.example.com") {
		t.Fatal("suffix match should bypass")
	}
	if r.Decide("notexample.com") {
		t.Fatal("non-dotted-suffix match should not bypass")
	}
}

func TestDomainRuleOnlyVPNModeInvertsMatch(t *testing.T) {
	r := New(Config{Enabled: true, Mode: OnlyVPN, DomainRules: []string{"example.com"}})
	if r.Decide("www.example.com") {
		t.Fatal("matched rule in ONLY_VPN mode must not bypass")
	}
	if !r.Decide("other.org") {
		t.Fatal("non-match in ONLY_VPN mode must bypass")
	}
}

func TestGeoDomainTLDRule(t *testing.T) {
	r := New(Config{Enabled: true, GeoEnabled: true, GeoDomainSet: []string{".ir"}})
	if !r.Decide("example.ir") {
		t.Fatal("TLD rule should bypass example.ir")
	}
	if r.Decide("example.com") {
		t.Fatal("unrelated TLD should not bypass")
	}
}

func TestGeoCIDRBinarySearch(t *testing.T) {
	r := New(Config{
		Enabled:       true,
		GeoEnabled:    true,
		GeoCIDRStarts: []netip.Addr{netip.MustParseAddr("2.16.0.0")},
		GeoCIDREnds:   []netip.Addr{netip.MustParseAddr("2.16.255.255")},
	})
	if !r.Decide("2.16.1.1") {
		t.Fatal("ip within range should bypass")
	}
	if r.Decide("8.8.8.8") {
		t.Fatal("ip outside range should not bypass")
	}
}

func TestIsIPAddress(t *testing.T) {
	cases := map[string]bool{
		"1.2.3.4":    true,
		"256.1.1.1":  true, // regex only checks shape, not octet range, per spec §4.4
		"example.ir": false,
		"::1":        true,
	}
	for host, want := range cases {
		if got := IsIPAddress(host); got != want {
			t.Errorf("IsIPAddress(%q) = %v, want %v", host, got, want)
		}
	}
}
