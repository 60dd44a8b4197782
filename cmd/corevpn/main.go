// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command corevpn is a desktop harness for manual testing: it creates
// a real TUN interface, hands its fd to mobileapi.Connect exactly the
// way a platform binding would, and prints traffic/state updates until
// interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/veilrun/corevpn/mobileapi"
	"github.com/veilrun/corevpn/profile"
	"github.com/veilrun/corevpn/router"
	"github.com/veilrun/corevpn/stats"
)

func main() {
	var (
		ifName      = flag.String("name", "corevpn0", "TUN interface name")
		mtu         = flag.Int("mtu", 1500, "TUN MTU")
		carrierFlag = flag.String("carrier", "direct", "direct|ssh|doh|tor|socks5")
		carrierAddr = flag.String("carrier-addr", "", "carrier endpoint (direct/tor/socks5-carrier)")
		listenHost  = flag.String("listen-host", "127.0.0.1", "local SOCKS5 listen host")
		listenPort  = flag.Int("listen-port", 1080, "local SOCKS5 listen port")
		dnsHost     = flag.String("dns-host", "", "primary dns_host candidate")
		dnsFallback = flag.String("dns-fallback", "1.1.1.1:53", "fallback dns_host candidate / bypass resolver")
		dohEndpoint = flag.String("doh-endpoint", "", "DoH POST endpoint (doh carrier)")
		leakPrevent = flag.Bool("leak-prevention", false, "forbid dnspool's DoH escape hatch")
		sshHost     = flag.String("ssh-host", "", "ssh carrier host")
		sshPort     = flag.Int("ssh-port", 22, "ssh carrier port")
		sshUser     = flag.String("ssh-user", "", "ssh carrier username")
		sshKeyPath  = flag.String("ssh-key", "", "path to an ssh private key PEM")
		logLevel    = flag.Int("log-level", 2, "vlog level: 0=verbose .. 4=error")
	)
	flag.Parse()

	mobileapi.LogLevel(*logLevel)

	carrier, err := parseCarrier(*carrierFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	p := &profile.Profile{
		ID:                "cli",
		Carrier:           carrier,
		CarrierAddr:       *carrierAddr,
		ListenHost:        *listenHost,
		ListenPort:        *listenPort,
		DNSHost:           *dnsHost,
		DNSHostFallback:   *dnsFallback,
		Router:            router.Config{Enabled: false},
		LeakPreventionDoH: *leakPrevent,
		DoHEndpoint:       *dohEndpoint,
		SSHHost:           *sshHost,
		SSHPort:           *sshPort,
		SSHUser:           *sshUser,
	}
	if *sshKeyPath != "" {
		key, err := os.ReadFile(*sshKeyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "corevpn: read ssh key: %v\n", err)
			os.Exit(1)
		}
		p.SSHKeyPEM = key
	}

	dev, err := tun.CreateTUN(*ifName, *mtu)
	if err != nil {
		fmt.Fprintf(os.Stderr, "corevpn: create tun %s: %v\n", *ifName, err)
		os.Exit(1)
	}
	fd := int(dev.File().Fd())

	bcast := stats.NewBroadcaster()
	sub, cancel := bcast.Subscribe()
	defer cancel()
	go func() {
		for st := range sub {
			fmt.Printf("corevpn: state=%s\n", st.Kind)
		}
	}()

	sess, err := mobileapi.Connect(fd, *mtu, p, nil, nil, bcast)
	if err != nil {
		fmt.Fprintf(os.Stderr, "corevpn: connect: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("corevpn: connected, carrier=%s iface=%s\n", carrier, *ifName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			fmt.Println("corevpn: disconnecting")
			sess.Disconnect()
			return
		case <-ticker.C:
			snap := sess.Snapshot()
			fmt.Printf("corevpn: tx=%d rx=%d flows=%d\n", snap.TxBytes, snap.RxBytes, snap.ActiveFlows)
		}
	}
}

func parseCarrier(s string) (profile.CarrierKind, error) {
	switch s {
	case "direct":
		return profile.DirectCarrier, nil
	case "ssh":
		return profile.SSHCarrier, nil
	case "doh":
		return profile.DoHCarrier, nil
	case "tor":
		return profile.TorCarrier, nil
	case "socks5":
		return profile.Socks5Carrier, nil
	default:
		return 0, fmt.Errorf("corevpn: unknown carrier %q", s)
	}
}
