// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package health

// State is the connection health of the link.
type State uint8

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateWeak
	StateLost
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateWeak:
		return "WEAK"
	case StateLost:
		return "LOST"
	default:
		return "INVALID"
	}
}

// Icon is a short marker for dashboards.
func (s State) Icon() string {
	switch s {
	case StateConnecting:
		return "[~]"
	case StateConnected:
		return "[+]"
	case StateWeak:
		return "[!]"
	case StateLost:
		return "[X]"
	default:
		return "[?]"
	}
}
