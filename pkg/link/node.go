// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link runs the link control loop: one bounded receive per
// tick, routing of CMD: packets and telemetry, sequence tracking,
// connection health with recovery, and spreading factor negotiation.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/pkg/adaptivesf"
	"github.com/Thermoquad/loralink/pkg/health"
	"github.com/Thermoquad/loralink/pkg/rylr"
	"github.com/Thermoquad/loralink/pkg/sequence"
	"github.com/Thermoquad/loralink/pkg/transport"
)

var (
	ErrOutboxFull = errors.New("outbound queue full")
	ErrStopped    = errors.New("link stopped")
)

// Transport is the modem channel used by the Node.
// *transport.Transport implements it.
type Transport interface {
	Initialize(ctx context.Context, address rylr.Address, networkID uint8) error
	Send(payload []byte, target rylr.Address) error
	TryReceiveLine(maxWait time.Duration) (string, bool)
	Command(cmd string, timeout time.Duration) (string, error)
	SetSpreadingFactor(sf int) error
	SpreadingFactor() int
	Version() string
	Stats() transport.Stats
	Close() error
}

// Config configures a Node.
type Config struct {
	Address   rylr.Address
	NetworkID uint8
	Peer      rylr.Address

	Features Features

	// ReceiveWait bounds the receive in each tick.
	ReceiveWait time.Duration
	// TelemetryInterval enables periodic SEQ:n packets to Peer (0 = off).
	TelemetryInterval time.Duration
	// OutboxSize is the capacity of the outbound queue.
	OutboxSize int

	Health     health.Config
	AdaptiveSF adaptivesf.Config

	// Clock returns the current time; nil uses time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the firmware defaults with every feature on.
func DefaultConfig() Config {
	return Config{
		Address:     1,
		NetworkID:   6,
		Peer:        2,
		Features:    AllFeatures(),
		ReceiveWait: 100 * time.Millisecond,
		OutboxSize:  16,
		Health:      health.DefaultConfig(),
		AdaptiveSF:  adaptivesf.DefaultConfig(),
	}
}

// FieldSource supplies KEY:VALUE fields appended to outbound telemetry.
type FieldSource func() rylr.Payload

// Result is the outcome of a queued request.
type Result struct {
	Response string
	Err      error
}

type request struct {
	payload []byte
	target  rylr.Address
	at      string
	done    chan Result
}

// Node owns all link state. Tick, Run, Start and Send must be called
// from a single goroutine; Enqueue, EnqueueAT and Status are safe from
// any goroutine.
type Node struct {
	tr    Transport
	cfg   Config
	log   *zap.Logger
	clock func() time.Time

	tracker    *sequence.Tracker
	monitor    *health.Monitor
	negotiator *adaptivesf.Negotiator
	stats      Statistics

	observers []Observer
	sources   []FieldSource
	outbox    chan request

	heard         bool
	lastInbound   time.Time
	silenceSince  time.Time
	lastRSSI      int
	lastSNR       int
	txSeq         uint64
	lastTelemetry time.Time
	exhausted     bool

	mu     sync.RWMutex
	status Status
}

// New creates a Node. Nothing is sent until Start.
func New(tr Transport, cfg Config, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultConfig().OutboxSize
	}
	cfg.AdaptiveSF.Peer = cfg.Peer
	now := clock()

	n := &Node{
		tr:           tr,
		cfg:          cfg,
		log:          log,
		clock:        clock,
		tracker:      sequence.NewTracker(),
		monitor:      health.NewMonitor(cfg.Health, log.Named("health"), now),
		stats:        NewStatistics(now),
		outbox:       make(chan request, cfg.OutboxSize),
		silenceSince: now,
	}
	n.negotiator = adaptivesf.New(cfg.AdaptiveSF, radio{n}, log.Named("sf"), now)
	return n
}

// AddObserver registers an observer. Call before Run.
func (n *Node) AddObserver(o Observer) {
	n.observers = append(n.observers, o)
}

// AddFieldSource registers a telemetry field producer. Call before Run.
func (n *Node) AddFieldSource(src FieldSource) {
	n.sources = append(n.sources, src)
}

// Start brings the modem up. A failure here is the only fatal link
// error; the caller decides how to present it.
func (n *Node) Start(ctx context.Context) error {
	if err := n.tr.Initialize(ctx, n.cfg.Address, n.cfg.NetworkID); err != nil {
		return fmt.Errorf("link bring-up: %w", err)
	}
	now := n.clock()
	n.silenceSince = now
	n.negotiator.Reset(now)
	n.log.Info("link started",
		zap.Uint16("address", uint16(n.cfg.Address)),
		zap.Uint16("peer", uint16(n.cfg.Peer)),
		zap.Uint8("network_id", n.cfg.NetworkID),
		zap.Bool("adaptive_sf", n.cfg.Features.AdaptiveSF),
		zap.Bool("remote_commands", n.cfg.Features.RemoteCommands),
		zap.Bool("recovery", n.cfg.Features.Recovery))
	n.publishStatus(now)
	return nil
}

// Run ticks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		n.Tick(ctx)
	}
	n.failPending()
	return nil
}

// Tick runs one iteration of the control loop.
func (n *Node) Tick(ctx context.Context) {
	n.drainOutbox()

	if line, ok := n.tr.TryReceiveLine(n.cfg.ReceiveWait); ok {
		n.handleLine(n.clock(), line)
	}

	now := n.clock()
	n.updateHealth(ctx, now)

	if n.cfg.Features.AdaptiveSF && n.negotiator.Tick(now) {
		n.emit(Event{Time: now, Kind: EventSFRevert, Message: "SF change unconfirmed, reverted to SF12"})
	}

	n.sendTelemetry(now)
	n.publishStatus(now)
}

func (n *Node) handleLine(now time.Time, line string) {
	frame, err := rylr.DecodeReceived(line)
	if err != nil {
		var fe *rylr.FrameError
		if errors.As(err, &fe) {
			n.stats.ParseErrors++
			n.log.Debug("dropping malformed frame", zap.Error(err))
		} else {
			n.stats.UnsolicitedLines++
			n.log.Debug("ignoring modem line", zap.String("line", line))
		}
		return
	}
	frame.Timestamp = now

	// point to point: other radios sharing the network ID are dropped
	if frame.Sender != n.cfg.Peer {
		n.stats.ForeignFrames++
		n.log.Debug("dropping frame from foreign sender",
			zap.Uint16("sender", uint16(frame.Sender)),
			zap.Uint16("peer", uint16(n.cfg.Peer)))
		return
	}

	n.heard = true
	n.lastInbound = now
	n.lastRSSI = frame.RSSI
	n.lastSNR = frame.SNR
	if frame.MetricsMalformed {
		n.stats.MetricErrors++
	}
	n.stats.RecordFrame(now, frame.RSSI, frame.SNR)
	n.monitor.RecordRSSI(frame.RSSI)

	if frame.IsCommand() {
		n.stats.CommandsReceived++
		n.handleCommand(now, frame)
	} else {
		n.stats.TelemetryReceived++
		n.handleTelemetry(now, frame)
	}

	if n.cfg.Features.AdaptiveSF {
		before := n.negotiator.CurrentSF()
		if err := n.negotiator.Observe(now, frame.RSSI); err != nil {
			n.emit(Event{Time: now, Kind: EventSFChange, Message: "SF change failed", Err: err})
		}
		if after := n.negotiator.CurrentSF(); after != before {
			n.emit(Event{Time: now, Kind: EventSFChange, Message: fmt.Sprintf("SF%d -> SF%d", before, after)})
		}
	}
}

func (n *Node) handleTelemetry(now time.Time, frame *rylr.Frame) {
	fields := rylr.ParsePayload(frame.Payload)
	tel := Telemetry{
		Time:   now,
		Sender: frame.Sender,
		Raw:    frame.Text(),
		Fields: fields,
		RSSI:   frame.RSSI,
		SNR:    frame.SNR,
	}
	if seq, ok := fields.Sequence(); ok && seq >= 0 {
		r := n.tracker.Track(uint64(seq))
		tel.HasSequence = true
		tel.Sequence = uint64(seq)
		tel.Class = r.Class
		tel.Lost = r.Lost
		if r.Class == sequence.ClassGap {
			n.log.Debug("sequence gap", zap.Uint64("seq", tel.Sequence), zap.Uint64("lost", r.Lost))
		}
	}
	for _, o := range n.observers {
		o.Telemetry(tel)
	}
}

func (n *Node) updateHealth(ctx context.Context, now time.Time) {
	var since time.Duration
	if n.heard {
		since = now.Sub(n.lastInbound)
	} else {
		// nothing heard since start or recovery: hold the state until
		// the silence itself is conclusive
		since = now.Sub(n.silenceSince)
		if since <= n.cfg.Health.WeakTimeout {
			return
		}
	}

	if tr, changed := n.monitor.Update(now, since, n.lastRSSI); changed {
		n.emit(Event{Time: now, Kind: EventStateChange, Message: tr.From.String() + " -> " + tr.To.String()})
	}

	if n.monitor.State() == health.StateLost && n.cfg.Features.Recovery {
		n.recover(ctx, now)
	}

	exhausted := n.monitor.Exhausted()
	if exhausted && !n.exhausted {
		n.emit(Event{Time: now, Kind: EventRecoveryExhausted, Message: "recovery attempts exhausted, manual intervention required"})
	}
	n.exhausted = exhausted
}

func (n *Node) recover(ctx context.Context, now time.Time) {
	before := n.monitor.Snapshot().RecoveryAttempts
	ok := n.monitor.AttemptRecovery(ctx, now, func(ctx context.Context) error {
		return n.tr.Initialize(ctx, n.cfg.Address, n.cfg.NetworkID)
	})
	if ok {
		after := n.clock()
		n.heard = false
		n.silenceSince = after
		n.negotiator.Reset(after)
		n.emit(Event{Time: now, Kind: EventRecovery, Message: "modem reinitialized, link CONNECTING"})
		n.emit(Event{Time: now, Kind: EventStateChange, Message: "LOST -> CONNECTING"})
		return
	}
	if attempts := n.monitor.Snapshot().RecoveryAttempts; attempts > before {
		n.emit(Event{Time: now, Kind: EventRecoveryFailed,
			Message: fmt.Sprintf("recovery attempt %d/%d failed", attempts, n.cfg.Health.MaxRecoveryAttempts)})
	}
}

// Send transmits payload now. Loop goroutine only; other goroutines
// use Enqueue.
func (n *Node) Send(payload []byte, target rylr.Address) error {
	if err := n.tr.Send(payload, target); err != nil {
		n.stats.SendFailures++
		n.log.Warn("send failed", zap.Uint16("target", uint16(target)), zap.Error(err))
		n.emit(Event{Time: n.clock(), Kind: EventSendFailed, Message: err.Error(), Err: err})
		return err
	}
	n.stats.PacketsSent++
	return nil
}

// SendCommand sends CMD:<name>[:<arg>] to the peer.
func (n *Node) SendCommand(cmd rylr.Command) error {
	return n.Send(cmd.Bytes(), n.cfg.Peer)
}

// Enqueue queues a payload for the control loop to send.
func (n *Node) Enqueue(payload []byte, target rylr.Address) (<-chan Result, error) {
	if err := rylr.ValidatePayload(payload); err != nil {
		return nil, err
	}
	return n.enqueue(request{payload: append([]byte(nil), payload...), target: target})
}

// EnqueueAT queues a raw AT command for the control loop.
func (n *Node) EnqueueAT(cmd string) (<-chan Result, error) {
	return n.enqueue(request{at: cmd})
}

func (n *Node) enqueue(req request) (<-chan Result, error) {
	req.done = make(chan Result, 1)
	select {
	case n.outbox <- req:
		return req.done, nil
	default:
		return nil, ErrOutboxFull
	}
}

func (n *Node) drainOutbox() {
	for {
		select {
		case req := <-n.outbox:
			if req.at != "" {
				resp, err := n.tr.Command(req.at, 0)
				req.done <- Result{Response: resp, Err: err}
				continue
			}
			req.done <- Result{Err: n.Send(req.payload, req.target)}
		default:
			return
		}
	}
}

func (n *Node) failPending() {
	for {
		select {
		case req := <-n.outbox:
			req.done <- Result{Err: ErrStopped}
		default:
			return
		}
	}
}

// sendTelemetry sends SEQ:n plus collaborator fields every
// TelemetryInterval.
func (n *Node) sendTelemetry(now time.Time) {
	if n.cfg.TelemetryInterval <= 0 || now.Sub(n.lastTelemetry) < n.cfg.TelemetryInterval {
		return
	}
	n.lastTelemetry = now
	n.txSeq++

	p := rylr.Payload{}.Append(rylr.SequenceKey, fmt.Sprint(n.txSeq))
	for _, src := range n.sources {
		p = append(p, src()...)
	}
	data, err := p.Bytes()
	if err != nil {
		n.stats.TelemetryTooLarge++
		n.log.Warn("telemetry payload rejected", zap.Uint64("seq", n.txSeq), zap.Error(err))
		return
	}
	if n.Send(data, n.cfg.Peer) == nil {
		n.stats.TelemetrySent++
	}
}

func (n *Node) emit(ev Event) {
	for _, o := range n.observers {
		o.Event(ev)
	}
}

func (n *Node) publishStatus(now time.Time) {
	n.stats.LastUpdateTime = now
	hs := n.monitor.Snapshot()
	st := Status{
		Time:            now,
		Address:         n.cfg.Address,
		Peer:            n.cfg.Peer,
		ModemVersion:    n.tr.Version(),
		Health:          hs,
		Sequence:        n.tracker.State(),
		SF:              n.negotiator.State(),
		Statistics:      n.stats,
		Transport:       n.tr.Stats(),
		SpreadingFactor: n.tr.SpreadingFactor(),
		Heard:           n.heard,
		LastInbound:     n.lastInbound,
		LastRSSI:        n.lastRSSI,
		LastSNR:         n.lastSNR,
		TelemetrySeq:    n.txSeq,
		Exhausted:       hs.Exhausted,
	}

	n.mu.Lock()
	n.status = st
	n.mu.Unlock()

	for _, o := range n.observers {
		o.Status(st)
	}
}

// Status returns the status published by the last tick.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Close releases the modem channel.
func (n *Node) Close() error {
	return n.tr.Close()
}

// radio routes negotiator traffic through the Node so sends are counted.
type radio struct {
	n *Node
}

func (r radio) Send(payload []byte, target rylr.Address) error {
	return r.n.Send(payload, target)
}

func (r radio) SetSpreadingFactor(sf int) error {
	return r.n.tr.SetSpreadingFactor(sf)
}
