// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/loralink/internal/fakemodem"
	"github.com/Thermoquad/loralink/pkg/health"
	"github.com/Thermoquad/loralink/pkg/rylr"
	"github.com/Thermoquad/loralink/pkg/sequence"
	"github.com/Thermoquad/loralink/pkg/transport"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// recorder collects everything the node publishes
type recorder struct {
	telemetry []Telemetry
	events    []Event
	status    Status
}

func (r *recorder) Telemetry(t Telemetry) { r.telemetry = append(r.telemetry, t) }
func (r *recorder) Event(e Event)         { r.events = append(r.events, e) }
func (r *recorder) Status(s Status)       { r.status = s }

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	modem *fakemodem.Modem
	clock *fakeClock
	rec   *recorder
	node  *Node
}

func transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.ReadyTimeout = 100 * time.Millisecond
	cfg.ProbeTimeout = 20 * time.Millisecond
	cfg.ProbeBackoff = time.Millisecond
	cfg.CommandTimeout = 50 * time.Millisecond
	cfg.SendTimeout = 50 * time.Millisecond
	cfg.SendMargin = 0
	cfg.PollInterval = 2 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		modem: fakemodem.New(),
		clock: &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		rec:   &recorder{},
	}

	log := zaptest.NewLogger(t)
	tr := transport.New(func() (transport.Port, error) {
		p, err := h.modem.Open()
		if err != nil {
			return nil, err
		}
		return p, nil
	}, transportConfig(), log)

	cfg := DefaultConfig()
	cfg.ReceiveWait = 5 * time.Millisecond
	cfg.Clock = h.clock.Now
	if configure != nil {
		configure(&cfg)
	}

	h.node = New(tr, cfg, log)
	h.node.AddObserver(h.rec)
	if err := h.node.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.node.Close() })
	return h
}

// receive injects a frame from the peer and runs one tick
func (h *harness) receive(payload string, rssi int) {
	h.receiveFrom(2, payload, rssi)
}

func (h *harness) receiveFrom(sender rylr.Address, payload string, rssi int) {
	h.modem.InjectFrame(sender, payload, rssi, 9)
	h.node.Tick(context.Background())
}

func (h *harness) sentPayloads() []string {
	var out []string
	for _, s := range h.modem.Sent() {
		out = append(out, s.Payload)
	}
	return out
}

func TestNode_TelemetryRouting(t *testing.T) {
	h := newHarness(t, nil)

	h.receive("SEQ:1,LED:1,TOUCH:0", -60)

	if len(h.rec.telemetry) != 1 {
		t.Fatalf("telemetry = %+v", h.rec.telemetry)
	}
	tel := h.rec.telemetry[0]
	if !tel.HasSequence || tel.Sequence != 1 || tel.Class != sequence.ClassFirst {
		t.Errorf("sequence fields = %+v", tel)
	}
	if v, _ := tel.Fields.Get("LED"); v != "1" {
		t.Errorf("LED = %q", v)
	}
	if tel.RSSI != -60 || tel.Sender != 2 {
		t.Errorf("frame fields = %+v", tel)
	}

	st := h.node.Status()
	if st.Health.State != health.StateConnected {
		t.Errorf("state = %v, want CONNECTED", st.Health.State)
	}
	if !st.Heard || st.Statistics.FramesReceived != 1 || st.Statistics.TelemetryReceived != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.ModemVersion != fakemodem.Version {
		t.Errorf("ModemVersion = %q", st.ModemVersion)
	}
}

func TestNode_CommandsNotTelemetry(t *testing.T) {
	h := newHarness(t, nil)

	h.receive("CMD:PING", -60)

	if len(h.rec.telemetry) != 0 {
		t.Errorf("command reached telemetry observers: %+v", h.rec.telemetry)
	}
	if sent := h.sentPayloads(); len(sent) != 1 || sent[0] != "CMD:PONG" {
		t.Errorf("sent = %q", sent)
	}
	if h.modem.Sent()[0].Address != 2 {
		t.Errorf("PONG sent to %d", h.modem.Sent()[0].Address)
	}
	if h.rec.status.Statistics.CommandsExecuted != 1 {
		t.Errorf("CommandsExecuted = %d", h.rec.status.Statistics.CommandsExecuted)
	}
}

func TestNode_Pong(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Features.RemoteCommands = false })

	h.receive("CMD:PONG", -60)
	if h.rec.count(EventPong) != 1 {
		t.Errorf("events = %+v", h.rec.events)
	}
}

func TestNode_RemoteCommandsDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Features.RemoteCommands = false })

	h.receive("CMD:PING", -60)
	if len(h.modem.Sent()) != 0 {
		t.Errorf("sent = %q", h.sentPayloads())
	}
	if h.rec.status.Statistics.CommandsIgnored != 1 {
		t.Errorf("CommandsIgnored = %d", h.rec.status.Statistics.CommandsIgnored)
	}
}

func TestNode_Status(t *testing.T) {
	h := newHarness(t, nil)
	h.receive("SEQ:1", -70)
	h.receive("CMD:STATUS", -70)

	sent := h.sentPayloads()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "STATUS,UPTIME:") {
		t.Fatalf("sent = %q", sent)
	}
	p := rylr.ParsePayload([]byte(sent[0]))
	if v, _ := p.Get("STATE"); v != "CONNECTED" {
		t.Errorf("STATE = %q", v)
	}
	if v, _ := p.Get("SF"); v != "12" {
		t.Errorf("SF = %q", v)
	}
}

func TestNode_ResetStats(t *testing.T) {
	h := newHarness(t, nil)
	h.receive("SEQ:1", -70)
	h.receive("SEQ:5", -70)
	if h.rec.status.Sequence.Lost != 3 {
		t.Fatalf("lost = %d", h.rec.status.Sequence.Lost)
	}

	h.receive("CMD:RESET_STATS", -70)
	st := h.rec.status
	if st.Sequence.Lost != 0 || st.Sequence.Received != 0 {
		t.Errorf("sequence after reset = %+v", st.Sequence)
	}

	h.receive("SEQ:9", -70)
	if tel := h.rec.telemetry[len(h.rec.telemetry)-1]; tel.Class != sequence.ClassFirst {
		t.Errorf("class after reset = %v", tel.Class)
	}
}

func TestNode_SequenceClassification(t *testing.T) {
	h := newHarness(t, nil)
	for _, seq := range []string{"1", "2", "3", "5", "4", "5"} {
		h.receive("SEQ:"+seq, -60)
	}

	s := h.node.Status().Sequence
	if s.Received != 4 || s.Lost != 1 || s.Duplicate != 2 || s.ExpectedNext != 6 {
		t.Errorf("sequence = %+v", s)
	}
}

func TestNode_RemoteSFChange(t *testing.T) {
	h := newHarness(t, nil)

	h.receive("CMD:SF_CHANGE:9", -60)
	if h.modem.SpreadingFactor() != 9 {
		t.Errorf("modem SF = %d, want 9", h.modem.SpreadingFactor())
	}
	if sent := h.sentPayloads(); len(sent) != 1 || sent[0] != "CMD:SF_ACK:9" {
		t.Errorf("sent = %q", sent)
	}
	if st := h.node.Status(); st.SF.CurrentSF != 9 || st.SpreadingFactor != 9 {
		t.Errorf("status SF = %d / %d", st.SF.CurrentSF, st.SpreadingFactor)
	}

	h.receive("CMD:SF_CHANGE:13", -60)
	if h.modem.SpreadingFactor() != 9 {
		t.Errorf("out-of-range request applied: SF%d", h.modem.SpreadingFactor())
	}
	if h.rec.status.SF.Rejected != 1 {
		t.Errorf("rejected = %d", h.rec.status.SF.Rejected)
	}
}

func TestNode_ForeignSenderDropped(t *testing.T) {
	h := newHarness(t, nil)

	h.receive("SEQ:1", -60)
	h.receive("SEQ:2", -60)
	h.receiveFrom(7, "SEQ:500", -40)
	h.receive("SEQ:3", -60)

	s := h.node.Status().Sequence
	if s.Received != 3 || s.Lost != 0 || s.Duplicate != 0 || s.ExpectedNext != 4 {
		t.Errorf("sequence = %+v", s)
	}

	h.receiveFrom(7, "CMD:SF_CHANGE:7", -40)
	h.receiveFrom(7, "CMD:PING", -40)
	if h.modem.SpreadingFactor() != 12 {
		t.Errorf("foreign SF_CHANGE applied: modem SF%d", h.modem.SpreadingFactor())
	}
	if sent := h.sentPayloads(); len(sent) != 0 {
		t.Errorf("replied to foreign sender: %q", sent)
	}

	st := h.node.Status()
	if st.SF.CurrentSF != 12 {
		t.Errorf("negotiator SF = %d", st.SF.CurrentSF)
	}
	if st.Statistics.ForeignFrames != 3 || st.Statistics.FramesReceived != 3 {
		t.Errorf("foreign = %d, frames = %d", st.Statistics.ForeignFrames, st.Statistics.FramesReceived)
	}
	if st.LastRSSI != -60 {
		t.Errorf("last RSSI = %d, foreign frame leaked", st.LastRSSI)
	}
	if len(h.rec.telemetry) != 3 {
		t.Errorf("telemetry = %d", len(h.rec.telemetry))
	}
}

func TestNode_AdaptiveSFFromSignal(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.Advance(31 * time.Second)

	for i := 1; i <= 10; i++ {
		h.clock.Advance(100 * time.Millisecond)
		h.receive("SEQ:"+strconv.Itoa(i), -50)
	}

	if h.modem.SpreadingFactor() != 11 {
		t.Errorf("modem SF = %d, want 11", h.modem.SpreadingFactor())
	}
	if sent := h.sentPayloads(); len(sent) == 0 || sent[0] != "CMD:SF_CHANGE:11" {
		t.Errorf("sent = %q", sent)
	}
	if h.rec.count(EventSFChange) != 1 {
		t.Errorf("SF change events = %d", h.rec.count(EventSFChange))
	}
}

func TestNode_AdaptiveSFDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Features.AdaptiveSF = false })

	h.receive("CMD:SF_CHANGE:9", -60)
	if h.modem.SpreadingFactor() != 12 {
		t.Errorf("SF changed with adaptive SF disabled: %d", h.modem.SpreadingFactor())
	}
}

func TestNode_UnknownUntilSilence(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.Advance(2 * time.Second)
	h.node.Tick(context.Background())
	if s := h.node.Status().Health.State; s != health.StateUnknown {
		t.Errorf("state after 2s = %v, want UNKNOWN", s)
	}

	h.clock.Advance(2 * time.Second)
	h.node.Tick(context.Background())
	if s := h.node.Status().Health.State; s != health.StateWeak {
		t.Errorf("state after 4s silence = %v, want WEAK", s)
	}
}

func TestNode_HealthTransitionsAndRecovery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.receive("SEQ:1", -60)
	h.clock.Advance(4 * time.Second)
	h.node.Tick(ctx)
	if s := h.node.Status().Health.State; s != health.StateWeak {
		t.Fatalf("state = %v, want WEAK", s)
	}

	resetsBefore := h.modem.Resets()
	h.clock.Advance(5 * time.Second)
	h.node.Tick(ctx)

	st := h.node.Status()
	if st.Health.State != health.StateConnecting {
		t.Errorf("state after recovery = %v, want CONNECTING", st.Health.State)
	}
	if h.modem.Resets() != resetsBefore+1 {
		t.Errorf("modem not reinitialized")
	}
	if st.Health.Recoveries != 1 || st.Health.RecoveryAttempts != 0 {
		t.Errorf("health = %+v", st.Health)
	}
	if h.rec.count(EventRecovery) != 1 {
		t.Errorf("recovery events = %d", h.rec.count(EventRecovery))
	}

	h.receive("SEQ:2", -60)
	if s := h.node.Status().Health.State; s != health.StateConnected {
		t.Errorf("state after traffic = %v, want CONNECTED", s)
	}
}

func TestNode_RecoveryExhausted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.receive("SEQ:1", -60)
	h.modem.SetUnresponsive(true)

	for i := 0; i < 6; i++ {
		h.clock.Advance(16 * time.Second)
		h.node.Tick(ctx)
	}

	st := h.node.Status()
	if st.Health.State != health.StateLost {
		t.Errorf("state = %v, want LOST", st.Health.State)
	}
	if !st.Exhausted || st.Health.RecoveryAttempts != 3 {
		t.Errorf("exhausted=%v attempts=%d", st.Exhausted, st.Health.RecoveryAttempts)
	}
	if got := h.rec.count(EventRecoveryFailed); got != 3 {
		t.Errorf("failed recovery events = %d, want 3", got)
	}
	if got := h.rec.count(EventRecoveryExhausted); got != 1 {
		t.Errorf("exhausted events = %d, want 1", got)
	}
	if got := h.node.tr.Stats().InitFailures; got != 3 {
		t.Errorf("InitFailures = %d, want 3", got)
	}
}

func TestNode_RecoveryDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Features.Recovery = false })

	h.receive("SEQ:1", -60)
	resets := h.modem.Resets()
	h.clock.Advance(20 * time.Second)
	h.node.Tick(context.Background())

	if h.node.Status().Health.State != health.StateLost {
		t.Errorf("state = %v", h.node.Status().Health.State)
	}
	if h.modem.Resets() != resets {
		t.Error("recovery ran while disabled")
	}
}

func TestNode_ParseErrors(t *testing.T) {
	h := newHarness(t, nil)

	h.modem.Inject("+RCV=2,50,SHORT,-60,9")
	h.node.Tick(context.Background())
	h.modem.Inject("+RCV=2,5,HELLO,x,y")
	h.node.Tick(context.Background())
	h.modem.Inject("+READY")
	h.node.Tick(context.Background())

	s := h.node.Status().Statistics
	if s.ParseErrors != 1 || s.MetricErrors != 1 || s.UnsolicitedLines != 1 {
		t.Errorf("statistics = %+v", s)
	}
	if s.FramesReceived != 1 {
		t.Errorf("FramesReceived = %d, want 1", s.FramesReceived)
	}
}

func TestNode_PeriodicTelemetry(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.TelemetryInterval = time.Second
	})
	h.node.AddFieldSource(func() rylr.Payload {
		return rylr.Payload{{Key: "BATT", Value: "3.70"}}
	})

	h.node.Tick(context.Background())
	h.clock.Advance(500 * time.Millisecond)
	h.node.Tick(context.Background())
	h.clock.Advance(600 * time.Millisecond)
	h.node.Tick(context.Background())

	sent := h.sentPayloads()
	if len(sent) != 2 || sent[0] != "SEQ:1,BATT:3.70" || sent[1] != "SEQ:2,BATT:3.70" {
		t.Errorf("sent = %q", sent)
	}
	if h.node.Status().Statistics.TelemetrySent != 2 {
		t.Errorf("TelemetrySent = %d", h.node.Status().Statistics.TelemetrySent)
	}
}

func TestNode_OversizedTelemetry(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TelemetryInterval = time.Second })
	h.node.AddFieldSource(func() rylr.Payload {
		return rylr.Payload{{Key: "DATA", Value: strings.Repeat("x", rylr.MaxPayloadSize)}}
	})

	h.node.Tick(context.Background())
	if len(h.modem.Sent()) != 0 {
		t.Error("oversized telemetry sent")
	}
	if h.node.Status().Statistics.TelemetryTooLarge != 1 {
		t.Errorf("TelemetryTooLarge = %d", h.node.Status().Statistics.TelemetryTooLarge)
	}
}

func TestNode_Enqueue(t *testing.T) {
	h := newHarness(t, nil)

	done, err := h.node.Enqueue([]byte("HELLO"), 7)
	if err != nil {
		t.Fatal(err)
	}
	at, err := h.node.EnqueueAT("AT")
	if err != nil {
		t.Fatal(err)
	}
	h.node.Tick(context.Background())

	if r := <-done; r.Err != nil {
		t.Errorf("send result = %v", r.Err)
	}
	if r := <-at; r.Err != nil || r.Response != "+OK" {
		t.Errorf("AT result = %+v", r)
	}
	if sent := h.modem.Sent(); len(sent) != 1 || sent[0].Address != 7 {
		t.Errorf("sent = %+v", sent)
	}

	if _, err := h.node.Enqueue([]byte("A\nB"), 7); !errors.Is(err, rylr.ErrPayloadDelimiter) {
		t.Errorf("Enqueue() invalid payload error = %v", err)
	}
}

func TestNode_EnqueueFull(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OutboxSize = 1 })

	if _, err := h.node.Enqueue([]byte("A"), 2); err != nil {
		t.Fatal(err)
	}
	if _, err := h.node.Enqueue([]byte("B"), 2); !errors.Is(err, ErrOutboxFull) {
		t.Errorf("Enqueue() error = %v, want ErrOutboxFull", err)
	}
}

func TestNode_StartFailure(t *testing.T) {
	m := fakemodem.New()
	m.SetUnresponsive(true)
	tr := transport.New(func() (transport.Port, error) {
		p, err := m.Open()
		if err != nil {
			return nil, err
		}
		return p, nil
	}, transportConfig(), nil)

	n := New(tr, DefaultConfig(), nil)
	err := n.Start(context.Background())
	if !errors.Is(err, transport.ErrUnresponsive) {
		t.Errorf("Start() error = %v, want ErrUnresponsive", err)
	}
}

func TestNode_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.node.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}
