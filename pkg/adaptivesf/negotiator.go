// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package adaptivesf negotiates the LoRa spreading factor with the peer.
//
// Strong signal shrinks the spreading factor by one step, weak signal
// grows it. Every change is announced with CMD:SF_CHANGE:<sf> before it
// is applied locally; the peer applies it and answers CMD:SF_ACK:<sf>.
// A change that stays pending longer than SyncTimeout falls back to
// SF12 so both ends meet again at maximum range.
package adaptivesf

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

var ErrSFRejected = errors.New("spreading factor rejected")

// Radio is what the negotiator needs from the transport.
type Radio interface {
	Send(payload []byte, target rylr.Address) error
	SetSpreadingFactor(sf int) error
}

type Config struct {
	Peer        rylr.Address
	GoodRSSI    int // dBm, mean above shrinks SF
	WeakRSSI    int // dBm, mean below grows SF
	Cooldown    time.Duration
	Samples     int
	SyncTimeout time.Duration

	// AwaitAck keeps a change pending after the local apply until the
	// peer's SF_ACK arrives. Without it a change commits on local apply.
	AwaitAck bool
}

func DefaultConfig() Config {
	return Config{
		GoodRSSI:    -80,
		WeakRSSI:    -105,
		Cooldown:    30 * time.Second,
		Samples:     10,
		SyncTimeout: 5 * time.Second,
	}
}

// State is a snapshot of the negotiator.
type State struct {
	CurrentSF       int
	TargetSF        int
	IsChanging      bool
	ChangeStartTime time.Time
	LastChangeTime  time.Time
	Window          []int
	WindowMean      float64

	Changes  uint64 // committed changes, local or remote
	Reverts  uint64 // sync timeouts
	Rejected uint64 // out-of-range requests
}

// Negotiator owns the SF state. It is not safe for concurrent use.
type Negotiator struct {
	cfg   Config
	radio Radio
	log   *zap.Logger

	current     int
	target      int
	changing    bool
	changeStart time.Time
	lastChange  time.Time
	window      ring

	changes  uint64
	reverts  uint64
	rejected uint64
}

// New starts at SF12. The first automatic change waits a full cooldown.
func New(cfg Config, radio Radio, log *zap.Logger, now time.Time) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultConfig().Samples
	}
	return &Negotiator{
		cfg:        cfg,
		radio:      radio,
		log:        log,
		current:    rylr.MaxSpreadingFactor,
		target:     rylr.MaxSpreadingFactor,
		lastChange: now,
		window:     newRing(cfg.Samples),
	}
}

// Valid reports whether sf is within the supported range.
func Valid(sf int) bool {
	return sf >= rylr.MinSpreadingFactor && sf <= rylr.MaxSpreadingFactor
}

// Observe records the RSSI of a received packet and starts a change
// once the window is full, nothing is pending and the cooldown passed.
// A failed change leaves the current SF in place and is returned.
func (n *Negotiator) Observe(now time.Time, rssi int) error {
	n.window.push(rssi)
	if !n.window.full() || n.changing || now.Sub(n.lastChange) < n.cfg.Cooldown {
		return nil
	}

	mean := n.window.mean()
	target := n.current
	switch {
	case mean > float64(n.cfg.GoodRSSI) && n.current > rylr.MinSpreadingFactor:
		target = n.current - 1
	case mean < float64(n.cfg.WeakRSSI) && n.current < rylr.MaxSpreadingFactor:
		target = n.current + 1
	}
	if target == n.current {
		return nil
	}

	n.log.Info("signal suggests spreading factor change",
		zap.Float64("mean_rssi", mean),
		zap.Int("from", n.current),
		zap.Int("to", target))
	return n.change(now, target)
}

// Force announces and applies sf regardless of signal and cooldown.
func (n *Negotiator) Force(now time.Time, sf int) error {
	if !Valid(sf) {
		n.rejected++
		return fmt.Errorf("%w: %d (valid %d-%d)", ErrSFRejected, sf, rylr.MinSpreadingFactor, rylr.MaxSpreadingFactor)
	}
	if sf == n.current && !n.changing {
		return nil
	}
	return n.change(now, sf)
}

// change runs announce → local apply → commit.
func (n *Negotiator) change(now time.Time, target int) error {
	n.changing = true
	n.changeStart = now
	n.target = target

	announce := rylr.NewCommand(rylr.CommandSFSet, target).Bytes()
	if err := n.radio.Send(announce, n.cfg.Peer); err != nil {
		n.log.Warn("spreading factor announcement failed", zap.Int("target", target), zap.Error(err))
		n.abort()
		return fmt.Errorf("announce SF%d: %w", target, err)
	}

	if err := n.radio.SetSpreadingFactor(target); err != nil {
		n.log.Error("failed to apply spreading factor", zap.Int("target", target), zap.Error(err))
		n.abort()
		return fmt.Errorf("apply SF%d: %w", target, err)
	}

	n.commit(now, target)
	if n.cfg.AwaitAck {
		n.log.Info("spreading factor applied, waiting for peer", zap.Int("sf", target))
		n.changing = true
		return nil
	}
	n.log.Info("spreading factor changed", zap.Int("sf", target))
	return nil
}

func (n *Negotiator) abort() {
	n.changing = false
	n.target = n.current
}

func (n *Negotiator) commit(now time.Time, sf int) {
	n.current = sf
	n.target = sf
	n.changing = false
	n.lastChange = now
	n.window.reset()
	n.changes++
}

// HandleCommand processes SF_CHANGE and SF_ACK packets from the peer.
// Other commands return handled=false.
func (n *Negotiator) HandleCommand(now time.Time, cmd rylr.Command) (handled bool, err error) {
	switch cmd.Name {
	case rylr.CommandSFSet:
		return true, n.handleChange(now, cmd)
	case rylr.CommandSFAck:
		return true, n.handleAck(cmd)
	}
	return false, nil
}

func (n *Negotiator) handleChange(now time.Time, cmd rylr.Command) error {
	sf, err := cmd.IntArg()
	if err != nil || !Valid(sf) {
		n.rejected++
		n.log.Error("rejecting spreading factor request from peer", zap.String("arg", cmd.Arg))
		return fmt.Errorf("%w: %q", ErrSFRejected, cmd.Arg)
	}

	if err := n.radio.SetSpreadingFactor(sf); err != nil {
		n.log.Error("failed to apply requested spreading factor", zap.Int("sf", sf), zap.Error(err))
		return fmt.Errorf("apply SF%d: %w", sf, err)
	}
	n.commit(now, sf)
	n.log.Info("spreading factor changed by peer", zap.Int("sf", sf))

	ack := rylr.NewCommand(rylr.CommandSFAck, sf).Bytes()
	if err := n.radio.Send(ack, n.cfg.Peer); err != nil {
		n.log.Warn("failed to acknowledge spreading factor", zap.Int("sf", sf), zap.Error(err))
		return fmt.Errorf("acknowledge SF%d: %w", sf, err)
	}
	return nil
}

func (n *Negotiator) handleAck(cmd rylr.Command) error {
	sf, err := cmd.IntArg()
	if err != nil || !Valid(sf) {
		n.rejected++
		return fmt.Errorf("%w: ack %q", ErrSFRejected, cmd.Arg)
	}
	if n.changing && sf == n.target {
		n.changing = false
		n.log.Info("peer confirmed spreading factor", zap.Int("sf", sf))
		return nil
	}
	n.log.Debug("ignoring unexpected spreading factor ack", zap.Int("sf", sf), zap.Int("current", n.current))
	return nil
}

// Tick reverts to SF12 when a change has been pending longer than
// SyncTimeout. It reports whether a revert happened.
func (n *Negotiator) Tick(now time.Time) bool {
	if !n.changing || now.Sub(n.changeStart) <= n.cfg.SyncTimeout {
		return false
	}
	n.log.Warn("spreading factor change not confirmed, reverting to maximum range",
		zap.Int("target", n.target),
		zap.Duration("timeout", n.cfg.SyncTimeout))
	if err := n.radio.SetSpreadingFactor(rylr.MaxSpreadingFactor); err != nil {
		n.log.Error("failed to apply SF12 after sync timeout", zap.Error(err))
	}
	n.current = rylr.MaxSpreadingFactor
	n.target = rylr.MaxSpreadingFactor
	n.changing = false
	n.lastChange = now
	n.window.reset()
	n.reverts++
	return true
}

// ResetToMaxRange applies SF12 locally without announcing it.
func (n *Negotiator) ResetToMaxRange(now time.Time) error {
	if err := n.radio.SetSpreadingFactor(rylr.MaxSpreadingFactor); err != nil {
		return fmt.Errorf("apply SF12: %w", err)
	}
	n.Reset(now)
	return nil
}

// Reset records that the modem is at SF12, e.g. after reinitialization.
func (n *Negotiator) Reset(now time.Time) {
	n.current = rylr.MaxSpreadingFactor
	n.target = rylr.MaxSpreadingFactor
	n.changing = false
	n.lastChange = now
	n.window.reset()
}

// CurrentSF returns the spreading factor last applied to the modem.
func (n *Negotiator) CurrentSF() int {
	return n.current
}

// State returns a snapshot.
func (n *Negotiator) State() State {
	return State{
		CurrentSF:       n.current,
		TargetSF:        n.target,
		IsChanging:      n.changing,
		ChangeStartTime: n.changeStart,
		LastChangeTime:  n.lastChange,
		Window:          n.window.samples(),
		WindowMean:      n.window.mean(),
		Changes:         n.changes,
		Reverts:         n.reverts,
		Rejected:        n.rejected,
	}
}
