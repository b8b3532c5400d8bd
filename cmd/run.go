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

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/internal/bridge"
	"github.com/Thermoquad/loralink/pkg/link"
)

var (
	runTUI               bool
	runStatsInterval     int
	runCapture           string
	runMetricsAddr       string
	runTelemetryInterval time.Duration
	runAwaitAck          bool
	runNoAdaptiveSF      bool
	runNoRemoteCommands  bool
	runNoRecovery        bool
	runMQTTBroker        string
	runMQTTTopic         string
	runMQTTUsername      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the link and display telemetry, health and events",
	Long: `Bring the modem up and run the link control loop until interrupted.

Incoming packets are classified by sequence number, link health is tracked
with automatic re-initialization when the link is lost, and the spreading
factor is negotiated with the peer from the observed signal strength.

The terminal UI shows link state and accepts commands:
  send <text>          transmit a payload to the peer
  cmd <NAME> [ARG]     send CMD:<NAME>[:<ARG>] to the peer
  ping | status        shortcuts for CMD:PING and CMD:STATUS
  sf <7-12>            ask the peer to force a spreading factor
  at <AT...>           run a raw AT command on the local modem

Optional sinks:
  --capture FILE       record all modem traffic for later replay
  --metrics-addr ADDR  serve Prometheus metrics on ADDR/metrics
  --mqtt-broker URL    mirror telemetry, status and events to MQTT`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runTUI, "tui", true, "Use terminal UI (false for text mode)")
	runCmd.Flags().IntVar(&runStatsInterval, "stats-interval", 10, "Status summary interval in text mode (seconds, 0 = off)")
	runCmd.Flags().StringVar(&runCapture, "capture", "", "Record modem traffic to a capture file")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")
	runCmd.Flags().DurationVar(&runTelemetryInterval, "telemetry-interval", 0, "Send SEQ:n telemetry to the peer at this interval (0 = off)")
	runCmd.Flags().BoolVar(&runAwaitAck, "sf-await-ack", false, "Keep spreading factor changes pending until the peer acknowledges")
	runCmd.Flags().BoolVar(&runNoAdaptiveSF, "no-adaptive-sf", false, "Disable spreading factor negotiation")
	runCmd.Flags().BoolVar(&runNoRemoteCommands, "no-remote-commands", false, "Ignore commands from the peer")
	runCmd.Flags().BoolVar(&runNoRecovery, "no-recovery", false, "Disable automatic re-initialization when the link is lost")
	runCmd.Flags().StringVar(&runMQTTBroker, "mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
	runCmd.Flags().StringVar(&runMQTTTopic, "mqtt-topic", "loralink", "MQTT topic prefix")
	runCmd.Flags().StringVar(&runMQTTUsername, "mqtt-username", "", "MQTT username (password from LORALINK_MQTT_PASSWORD)")
}

func runOptions() sessionOptions {
	mqtt := bridge.DefaultConfig()
	mqtt.Broker = runMQTTBroker
	mqtt.Prefix = runMQTTTopic
	mqtt.Username = runMQTTUsername
	mqtt.Password = os.Getenv("LORALINK_MQTT_PASSWORD")

	return sessionOptions{
		features: link.Features{
			AdaptiveSF:     !runNoAdaptiveSF,
			RemoteCommands: !runNoRemoteCommands,
			Recovery:       !runNoRecovery,
		},
		telemetryInterval: runTelemetryInterval,
		awaitAck:          runAwaitAck,
		capturePath:       runCapture,
		metricsAddr:       runMetricsAddr,
		mqtt:              mqtt,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runTUI {
		// the dashboard owns the terminal
		log = log.WithOptions(zap.IncreaseLevel(zap.ErrorLevel))
		return runDashboard(ctx, log)
	}
	return runTextMode(ctx, log)
}

func runTextMode(ctx context.Context, log *zap.Logger) error {
	s, err := openSession(ctx, log, runOptions())
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Loralink - Link Monitor\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Modem: %s\n", s.tr.Version())
	fmt.Printf("Press Ctrl+C to exit\n\n")

	s.node.AddObserver(&textObserver{interval: time.Duration(runStatsInterval) * time.Second})
	s.node.Run(ctx)

	st := s.node.Status()
	fmt.Print(st.Statistics.String())
	return nil
}

// textObserver prints telemetry and events, plus a periodic summary.
type textObserver struct {
	interval  time.Duration
	lastPrint time.Time
}

func (o *textObserver) Telemetry(t link.Telemetry) {
	fmt.Println(formatTelemetry(t))
}

func (o *textObserver) Event(e link.Event) {
	line := fmt.Sprintf("[%s] %s: %s", e.Time.Format("15:04:05.000"), e.Kind, e.Message)
	if e.Err != nil {
		line += fmt.Sprintf(" (%v)", e.Err)
	}
	fmt.Println(line)
}

func (o *textObserver) Status(st link.Status) {
	if o.interval <= 0 {
		return
	}
	if o.lastPrint.IsZero() {
		o.lastPrint = st.Time
		return
	}
	if st.Time.Sub(o.lastPrint) >= o.interval {
		o.lastPrint = st.Time
		fmt.Print(formatStatus(st))
	}
}

func runDashboard(ctx context.Context, log *zap.Logger) error {
	obs := newTeaObserver()
	opts := runOptions()

	s, err := openSession(ctx, log, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	s.node.AddObserver(obs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newDashboard(s.connInfo, s.node, s.peer()), tea.WithAltScreen(), tea.WithContext(ctx))

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.node.Run(ctx)
	}()
	go obs.forward(p, loopDone)

	_, err = p.Run()
	interrupted := ctx.Err() != nil
	cancel()
	<-loopDone
	if err != nil && !interrupted {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
