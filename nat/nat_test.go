// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"net/netip"
	"testing"
	"time"
)

func testKey() Key {
	return Key{
		SrcAddr: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000,
		DstAddr: netip.MustParseAddr("93.184.216.34"),
		DstPort: 443,
	}
}

func TestAtMostOneEntryPerFlowKey(t *testing.T) {
	tb := New()
	defer tb.Close()

	k := testKey()
	e1, isNew1 := tb.GetOrCreate(k, false)
	e2, isNew2 := tb.GetOrCreate(k, false)

	if !isNew1 || isNew2 {
		t.Fatalf("want isNew1=true, isNew2=false; got %v, %v", isNew1, isNew2)
	}
	if e1 != e2 {
		t.Fatalf("want same entry pointer for same key")
	}
	if tb.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", tb.Len())
	}
}

func TestClosedTCPEntrySurvivesGraceThenExpires(t *testing.T) {
	tb := New()
	defer tb.Close()

	k := testKey()
	// Update bumps LastSeen after fn runs, so backdate the entry directly.
	e, _ := tb.GetOrCreate(k, false)
	e.State = Closed
	e.LastSeen = time.Now().Add(-3 * time.Second)

	if removed := tb.CleanupExpired(); removed != 1 {
		t.Fatalf("want 1 removed after grace elapsed, got %d", removed)
	}
	if _, ok := tb.Get(k); ok {
		t.Fatal("entry should be gone after grace period")
	}
}

func TestUDPLikeEntryExpiresOnInactivity(t *testing.T) {
	tb := New()
	defer tb.Close()

	k := testKey()
	e, _ := tb.GetOrCreate(k, true)
	e.LastSeen = time.Now().Add(-61 * time.Second)

	if removed := tb.CleanupExpired(); removed != 1 {
		t.Fatalf("want 1 removed, got %d", removed)
	}
}

func TestTCPEntryDoesNotExpireOnInactivityAlone(t *testing.T) {
	tb := New()
	defer tb.Close()

	k := testKey()
	e, _ := tb.GetOrCreate(k, false)
	e.State = Established
	e.LastSeen = time.Now().Add(-10 * time.Minute)

	if removed := tb.CleanupExpired(); removed != 0 {
		t.Fatalf("established tcp entries must not expire on inactivity, removed %d", removed)
	}
}
