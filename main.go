// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Loralink - point-to-point LoRa link over a RYLR modem
//
// A CLI tool that runs one end of a LoRa telemetry link, tracking packet
// loss, link health and spreading factor with the peer.

package main

import (
	"os"

	"github.com/Thermoquad/loralink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
