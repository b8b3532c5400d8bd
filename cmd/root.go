// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

// Version is reported by --version and the build_info metric.
const Version = "1.0.0"

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Link identity
	localAddress uint16
	networkID    uint8
	peerAddress  uint16

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "loralink",
	Short: "Point-to-point LoRa link over a RYLR modem",
	Long: `Loralink - drives a REYAX RYLR89x/99x LoRa modem as one end of a
point-to-point telemetry link.

It brings the modem up over its AT command interface, classifies incoming
packets by sequence number, tracks link health with automatic recovery and
negotiates the spreading factor with the peer based on signal strength.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the LORALINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().Uint16Var(&localAddress, "address", 1, "Local modem address (0-65535)")
	rootCmd.PersistentFlags().Uint8Var(&networkID, "network-id", 6, "LoRa network ID (0-16)")
	rootCmd.PersistentFlags().Uint16Var(&peerAddress, "peer", 2, "Peer modem address")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger from --log-level and --log-format.
// Logs go to stderr so command output on stdout stays parseable.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}

	var cfg zap.Config
	switch logFormat {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid --log-format %q (use console or json)", logFormat)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// linkIdentity validates the address flags.
func linkIdentity() (rylr.Address, uint8, rylr.Address, error) {
	if networkID > rylr.MaxNetworkID {
		return 0, 0, 0, fmt.Errorf("--network-id %d out of range (0-%d)", networkID, rylr.MaxNetworkID)
	}
	return rylr.Address(localAddress), networkID, rylr.Address(peerAddress), nil
}

func exitWith(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}
