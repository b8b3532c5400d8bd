// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

var atTimeout time.Duration

var atCmd = &cobra.Command{
	Use:   "at COMMAND...",
	Short: "Run raw AT commands on the local modem",
	Long: `Bring the modem up, then run each argument as an AT command and print
the modem's response.

  loralink at -p /dev/ttyUSB0 AT+VER? AT+PARAMETER? AT+ADDRESS?

Frames received while a command is pending are printed after it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAT,
}

func init() {
	rootCmd.AddCommand(atCmd)
	atCmd.Flags().DurationVar(&atTimeout, "timeout", 2*time.Second, "Response timeout per command")
}

func runAT(cmd *cobra.Command, args []string) error {
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

	if err := tr.Initialize(context.Background(), addr, netID); err != nil {
		return err
	}
	fmt.Printf("Connection: %s (%s)\n\n", connInfo, tr.Version())

	failed := 0
	for _, c := range args {
		if !strings.HasPrefix(strings.ToUpper(c), "AT") {
			return fmt.Errorf("%q is not an AT command", c)
		}
		resp, err := tr.Command(c, atTimeout)
		switch {
		case err != nil:
			fmt.Printf("%s -> ERROR: %v\n", c, err)
			failed++
		default:
			if code, ok := rylr.ErrorCode(resp); ok {
				fmt.Printf("%s -> %s (%s)\n", c, resp, rylr.FormatErrorCode(code))
				failed++
				continue
			}
			fmt.Printf("%s -> %s\n", c, resp)
		}

		for {
			line, ok := tr.TryReceiveLine(0)
			if !ok {
				break
			}
			fmt.Println(formatFrame(time.Now(), line))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d commands failed", failed, len(args))
	}
	return nil
}
