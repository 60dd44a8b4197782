// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tcpengine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/veilrun/corevpn/nat"
)

// isnSecret is generated once per process boot. Per spec's Open
// Question guidance, our_isn must not come from math/rand: it follows
// RFC 6528's recommendation of a secret-keyed hash of the connection's
// 4-tuple plus a coarse clock, so sequence numbers are unpredictable
// to an off-path observer without needing per-connection crypto state.
var isnSecret = func() [32]byte {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		// crypto/rand failing means the platform RNG is broken; panic
		// rather than silently fall back to a predictable ISN.
		panic("tcpengine: crypto/rand unavailable: " + err.Error())
	}
	return s
}()

// isnClockTick is RFC 6528's ~4 microsecond counter, coarsened here to
// a millisecond tick since the userspace engine doesn't need wire-speed
// granularity to defeat sequence-number prediction.
const isnClockTick = time.Millisecond

// newISN derives our_isn for the given flow key, combining a secret
// key with the 4-tuple and a coarse free-running clock.
func newISN(key nat.Key) uint32 {
	h := hmac.New(sha256.New, isnSecret[:])

	var buf [2 * (16 + 2)]byte
	writeAddr(buf[0:16], key.SrcAddr)
	binary.BigEndian.PutUint16(buf[16:18], key.SrcPort)
	writeAddr(buf[18:34], key.DstAddr)
	binary.BigEndian.PutUint16(buf[34:36], key.DstPort)
	h.Write(buf[:])

	sum := h.Sum(nil)
	base := binary.BigEndian.Uint32(sum[:4])

	tick := uint32(time.Now().UnixNano() / int64(isnClockTick))
	return base + tick
}

func writeAddr(dst []byte, a netip.Addr) {
	b := a.As16()
	copy(dst, b[:])
}
