// Copyright (c) 2024 the corevpn authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package profile

// Kind enumerates the variants of the connection-state sum type (spec §3).
type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	Disconnecting
	Error
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// State is the single atomic cell described in spec §3: a tagged variant
// holding either nothing, the active Profile, or an error message.
type State struct {
	Kind    Kind
	Profile *Profile // set only when Kind == Connected
	Message string   // set only when Kind == Error
}

func StateDisconnected() State  { return State{Kind: Disconnected} }
func StateConnecting() State    { return State{Kind: Connecting} }
func StateConnected(p *Profile) State {
	return State{Kind: Connected, Profile: p}
}
func StateDisconnecting() State { return State{Kind: Disconnecting} }
func StateError(msg string) State {
	return State{Kind: Error, Message: msg}
}
