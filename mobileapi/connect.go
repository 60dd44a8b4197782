// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mobileapi

import (
	"fmt"
	"os"
	"runtime/debug"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/veilrun/corevpn/vlog"
)

func init() {
	// Mobile hosts run this core alongside a much larger host app;
	// favor memory headroom over throughput, mirroring the teacher's
	// mobile GC tuning in intra/tun2socks.go.
	debug.SetGCPercent(10)
	debug.SetMemoryLimit(4 << 30)
}

// LogLevel sets the minimum severity vlog emits, callable from the
// platform binding before or after Connect.
func LogLevel(level int) {
	vlog.SetLevel(vlog.Level(level))
}

// openTUN adopts fd as a wireguard-go tun.Device. It dups fd first so
// this package owns its own copy and the caller's fd lifetime is
// untouched, the same ownership split the teacher's tunnel.dup uses.
func openTUN(fd, mtu int) (tun.Device, error) {
	if fd < 0 {
		return nil, fmt.Errorf("mobileapi: invalid tun fd %d", fd)
	}
	dupfd, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("mobileapi: dup tun fd: %w", err)
	}
	file := os.NewFile(uintptr(dupfd), "tun")

	dev, err := tun.CreateTUNFromFile(file, mtu)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mobileapi: wrap tun fd: %w", err)
	}
	return dev, nil
}
