// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display received frames in human-readable format",
	Long: `Bring the modem up and continuously decode and display every line it
reports, without running the link control loop.

+RCV= frames are decoded into sender, signal metrics and payload fields;
any other modem output is printed verbatim.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	addr, netID, _, err := linkIdentity()
	if err != nil {
		return err
	}
	tr, connInfo, err := newTransport(log)
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tr.Initialize(ctx, addr, netID); err != nil {
		return err
	}

	fmt.Printf("Loralink - Frame Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Modem: %s, address %d, network %d, %s\n", tr.Version(), addr, netID, tr.Parameters())
	fmt.Printf("Press Ctrl+C to exit\n\n")

	for ctx.Err() == nil {
		line, ok := tr.TryReceiveLine(200 * time.Millisecond)
		if !ok {
			continue
		}
		fmt.Println(formatFrame(time.Now(), line))
	}

	st := tr.Stats()
	fmt.Printf("\n%d lines received, %d read errors\n", st.LinesReceived, st.ReadErrors)
	return nil
}
