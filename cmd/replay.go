// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/pkg/capture"
	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/rylr"
	"github.com/Thermoquad/loralink/pkg/transport"
)

var replayShowAll bool

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Re-run link analysis over a capture file",
	Long: `Feed the frames of a capture recorded with 'run --capture' through the
link layer offline, using the recorded timestamps as the clock.

Sequence classification, health transitions and statistics are computed
exactly as they were live. Frames from addresses other than --peer are
counted and dropped. Nothing is transmitted; adaptive spreading
factor, recovery and remote commands are disabled.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayShowAll, "show-all", false, "Print every frame, not just events")
}

func runReplay(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	st, header, err := replayCapture(f, rylr.Address(peerAddress), log, replayPrinter{showAll: replayShowAll})
	if err != nil {
		return err
	}

	fmt.Printf("Capture: %s, started %s\n", header.Source, time.Unix(0, header.Started).Format(time.RFC3339))
	fmt.Print(formatStatus(st))
	fmt.Print(st.Statistics.String())
	return nil
}

// replayPrinter prints events, and telemetry when showAll is set.
type replayPrinter struct {
	link.NopObserver
	showAll bool
}

func (p replayPrinter) Telemetry(t link.Telemetry) {
	if p.showAll {
		fmt.Println(formatTelemetry(t))
	}
}

func (p replayPrinter) Event(e link.Event) {
	fmt.Printf("[%s] %s: %s\n", e.Time.Format("15:04:05.000"), e.Kind, e.Message)
}

// replayCapture runs every received frame in r through a Node and
// returns the final status.
func replayCapture(r io.Reader, peer rylr.Address, log *zap.Logger, observers ...link.Observer) (link.Status, capture.Header, error) {
	cr, err := capture.NewReader(r)
	if err != nil {
		return link.Status{}, capture.Header{}, err
	}
	rt := &replayTransport{reader: cr, now: time.Unix(0, cr.Header().Started)}

	cfg := link.DefaultConfig()
	cfg.Features = link.Features{}
	cfg.Peer = peer
	cfg.Clock = rt.Now
	node := link.New(rt, cfg, log.Named("replay"))
	for _, o := range observers {
		node.AddObserver(o)
	}

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		return link.Status{}, cr.Header(), err
	}
	for !rt.done || rt.pending != nil {
		node.Tick(ctx)
	}
	if rt.err != nil {
		return node.Status(), cr.Header(), rt.err
	}
	return node.Status(), cr.Header(), nil
}

const replayStep = 250 * time.Millisecond

// replayTransport serves received frames from a capture. Time advances
// to each record's timestamp as it is delivered.
type replayTransport struct {
	reader  *capture.Reader
	pending *capture.Record
	now     time.Time
	sf      int
	stats   transport.Stats
	done    bool
	err     error
}

func (t *replayTransport) Now() time.Time { return t.now }

func (t *replayTransport) Initialize(context.Context, rylr.Address, uint8) error {
	t.stats.Initializations++
	return nil
}

func (t *replayTransport) Send([]byte, rylr.Address) error {
	t.stats.Sent++
	return nil
}

// TryReceiveLine returns the next frame. Across silent stretches of the
// capture it advances the clock one replayStep per call without a line,
// so health timeouts fire as they did live.
func (t *replayTransport) TryReceiveLine(time.Duration) (string, bool) {
	if t.pending == nil && !t.next() {
		return "", false
	}
	at := t.pending.At()
	if at.Sub(t.now) > replayStep {
		t.now = t.now.Add(replayStep)
		return "", false
	}
	if at.After(t.now) {
		t.now = at
	}
	line := t.pending.Line
	t.pending = nil
	t.stats.LinesReceived++
	return line, true
}

// next loads the next received frame into pending.
func (t *replayTransport) next() bool {
	for !t.done {
		rec, err := t.reader.Next()
		if err != nil {
			t.done = true
			if !errors.Is(err, io.EOF) {
				t.err = err
			}
			return false
		}
		if rec.Direction != transport.DirectionRx || !strings.HasPrefix(rec.Line, rylr.RespReceived) {
			continue
		}
		t.pending = &rec
		return true
	}
	return false
}

func (t *replayTransport) Command(string, time.Duration) (string, error) {
	return rylr.RespPlusOK, nil
}

func (t *replayTransport) SetSpreadingFactor(sf int) error {
	t.sf = sf
	return nil
}

func (t *replayTransport) SpreadingFactor() int {
	if t.sf == 0 {
		return rylr.MaxSpreadingFactor
	}
	return t.sf
}

func (t *replayTransport) Version() string { return "replay" }

func (t *replayTransport) Stats() transport.Stats { return t.stats }

func (t *replayTransport) Close() error { return nil }
