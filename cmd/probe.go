// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

var (
	probeTimeout int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test the link by waiting for a valid frame from the air",
	Long: `Bring the modem up and wait for any valid +RCV= frame until timeout.

Lines that are not frames are ignored. The modem must answer the AT
liveness probe and accept the configuration for the bring-up to succeed.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a frame
  2 - Connection or modem bring-up error

Useful for testing the modem wiring and that a peer is transmitting.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 30, "Timeout in seconds to wait for a frame")
}

func runProbe(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		exitWith(2, "Logger error: %v", err)
	}
	defer log.Sync()

	addr, netID, _, err := linkIdentity()
	if err != nil {
		exitWith(2, "%v", err)
	}
	tr, connInfo, err := newTransport(log)
	if err != nil {
		exitWith(2, "Connection error: %v", err)
	}
	defer tr.Close()

	fmt.Printf("Loralink - Link Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)

	deadline := time.Now().Add(time.Duration(probeTimeout) * time.Second)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	if err := tr.Initialize(ctx, addr, netID); err != nil {
		tr.Close()
		exitWith(2, "Modem error: %v", err)
	}
	fmt.Printf("Modem: %s\n", tr.Version())
	fmt.Printf("Waiting for a frame...\n\n")

	skipped := 0
	for time.Now().Before(deadline) {
		line, ok := tr.TryReceiveLine(time.Until(deadline))
		if !ok {
			continue
		}
		frame, err := rylr.DecodeReceived(line)
		if err != nil {
			skipped++
			continue
		}
		if skipped > 0 {
			fmt.Printf("(skipped %d other lines)\n", skipped)
		}
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Sender: %d\n", frame.Sender)
		fmt.Printf("  Length: %d bytes\n", len(frame.Payload))
		fmt.Printf("  RSSI: %d dBm\n", frame.RSSI)
		fmt.Printf("  SNR: %d dB\n", frame.SNR)
		fmt.Printf("  Payload: %q\n", frame.Text())
		tr.Close()
		os.Exit(0)
	}

	tr.Close()
	exitWith(1, "TIMEOUT: No frame received within %d seconds", probeTimeout)
	return nil
}
