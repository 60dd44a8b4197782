// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tund wraps the platform TUN device (spec §2.3, §6 "Ingress"):
// blocking reads of raw IPv4 frames and a single-writer serialized write
// path so OS-level write ordering is preserved (spec §9's "the TUN
// writer MUST be a single consumer").
//
// The device itself is wireguard-go's tun.Device, the same abstraction
// the teacher project's platform builds link against for its own TUN
// fd plumbing.
package tund

import (
	"errors"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/veilrun/corevpn/corelib"
	"github.com/veilrun/corevpn/vlog"
)

// writeQueueDepth is the bounded channel capacity from spec §5: "TUN
// write is serialised through a bounded channel of capacity 64 packets;
// overflow applies backpressure to all producers."
const writeQueueDepth = 64

var ErrClosed = errors.New("tund: closed")

// Device reads and writes length-delimited raw IP packets to/from a
// platform TUN file descriptor.
type Device struct {
	dev tun.Device
	mtu int

	writeq chan []byte
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Open wraps an already-open tun.Device with the given mtu and starts
// its single writer loop.
func Open(dev tun.Device, mtu int) (*Device, error) {
	d := &Device{
		dev:    dev,
		mtu:    mtu,
		writeq: make(chan []byte, writeQueueDepth),
		closed: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.writerLoop()
	return d, nil
}

// MTU returns the device's MTU.
func (d *Device) MTU() int { return d.mtu }

// ReadPacket blocks until one IP packet is available from the platform,
// or the device is closed.
func (d *Device) ReadPacket(buf []byte) (n int, err error) {
	bufs := [][]byte{buf}
	sizes := []int{0}
	read, err := d.dev.Read(bufs, sizes, 0)
	if err != nil {
		return 0, err
	}
	if read == 0 {
		return 0, nil
	}
	return sizes[0], nil
}

// WritePacket enqueues pkt for delivery back to the platform network
// stack. It never blocks the caller past the bounded queue depth,
// applying backpressure to every producer per spec §5.
func (d *Device) WritePacket(pkt []byte) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	select {
	case d.writeq <- pkt:
		return nil
	case <-d.closed:
		return ErrClosed
	}
}

// writerLoop is the single consumer of the write queue, preserving the
// order packets were enqueued in regardless of which goroutine produced
// them (spec §9).
func (d *Device) writerLoop() {
	defer d.wg.Done()
	defer corelib.Recover(corelib.Exit11, "tund.writerLoop")

	for {
		select {
		case pkt := <-d.writeq:
			if _, err := d.dev.Write([][]byte{pkt}, 0); err != nil {
				vlog.W("tund: write failed: %v", err)
			}
		case <-d.closed:
			// drain remaining queued packets best-effort before exit
			for {
				select {
				case pkt := <-d.writeq:
					d.dev.Write([][]byte{pkt}, 0)
				default:
					return
				}
			}
		}
	}
}

// Close shuts down the writer loop and the underlying device exactly
// once (spec §5 "TUN file descriptor ... closed exactly once").
func (d *Device) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closed)
		d.wg.Wait()
		err = d.dev.Close()
	})
	return err
}
