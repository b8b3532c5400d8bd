// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

// Features selects optional link capabilities at run time.
type Features struct {
	AdaptiveSF     bool // SF negotiation (SF_CHANGE / SF_ACK)
	RemoteCommands bool // PING, STATUS, RESET_STATS, SET_SF
	Recovery       bool // reinitialize the modem when LOST
}

// AllFeatures enables everything.
func AllFeatures() Features {
	return Features{AdaptiveSF: true, RemoteCommands: true, Recovery: true}
}
