// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/rylr"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip test: send CMD:PING to the peer and wait for CMD:PONG",
	Long: `Send CMD:PING packets to the peer and wait for CMD:PONG.

This command tests bidirectional communication over the air. The peer must
run with remote commands enabled. Round-trip times include the air time of
both packets at the current spreading factor.

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection or modem bring-up error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

// pongObserver signals every PONG event.
type pongObserver struct {
	link.NopObserver
	pongs chan link.Event
}

func (o pongObserver) Event(e link.Event) {
	if e.Kind != link.EventPong {
		return
	}
	select {
	case o.pongs <- e:
	default:
	}
}

func runPing(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		exitWith(2, "Logger error: %v", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// no local link management while measuring
	opts := sessionOptions{features: link.Features{}}
	s, err := openSession(ctx, log, opts)
	if err != nil {
		exitWith(2, "Connection error: %v", err)
	}

	obs := pongObserver{pongs: make(chan link.Event, 1)}
	s.node.AddObserver(obs)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.node.Run(ctx)
	}()

	fmt.Printf("Loralink - Ping Test\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Peer: %d at SF%d\n", s.peer(), s.tr.SpreadingFactor())
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	var totalRTT time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		// drop a late PONG from the previous round
		select {
		case <-obs.pongs:
		default:
		}

		startTime := time.Now()
		done, err := s.node.Enqueue(rylr.Command{Name: rylr.CommandPing}.Bytes(), s.peer())
		if err == nil {
			err = (<-done).Err
		}
		if err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		select {
		case ev := <-obs.pongs:
			rtt := time.Since(startTime)
			totalRTT += rtt
			st := s.node.Status()
			fmt.Printf("PONG from %d, rssi=%d dBm, snr=%d dB, rtt=%v\n", ev.From, st.LastRSSI, st.LastSNR, rtt.Round(time.Millisecond))
			successCount++

		case <-time.After(time.Duration(pingTimeout) * time.Second):
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	cancel()
	<-loopDone
	s.Close()

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(max(pingCount, 1))*100)
	if successCount > 0 {
		fmt.Printf("average rtt %v\n", (totalRTT / time.Duration(successCount)).Round(time.Millisecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
