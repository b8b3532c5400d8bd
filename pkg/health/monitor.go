// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package health implements the connection health state machine and
// its bounded automatic recovery.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config holds thresholds for the state machine.
type Config struct {
	WeakTimeout         time.Duration
	LostTimeout         time.Duration
	WeakRSSI            int // dBm, below is WEAK
	CriticalRSSI        int // dBm, flagged in snapshots
	RecoveryInterval    time.Duration
	MaxRecoveryAttempts int
	RSSIWindow          int // samples before the running sum is folded
}

func DefaultConfig() Config {
	return Config{
		WeakTimeout:         3 * time.Second,
		LostTimeout:         8 * time.Second,
		WeakRSSI:            -100,
		CriticalRSSI:        -110,
		RecoveryInterval:    15 * time.Second,
		MaxRecoveryAttempts: 3,
		RSSIWindow:          100,
	}
}

// Transition is a realized state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Reinitializer brings the transport up again.
type Reinitializer func(ctx context.Context) error

// RSSIStats are windowed signal statistics.
type RSSIStats struct {
	Last    int
	Min     int
	Max     int
	Avg     float64
	Samples int // samples in the current window
	Total   uint64
}

// Snapshot is a read-only copy of the health state.
type Snapshot struct {
	State           State
	StateChangeTime time.Time
	ConnectedSince  time.Time
	RSSI            RSSIStats
	SignalCritical  bool

	RecoveryAttempts    int
	LastRecoveryAttempt time.Time
	Recoveries          uint64 // successful
	RecoveryFailures    uint64
	Exhausted           bool
}

// Uptime is how long the link has been CONNECTED, or 0.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.State != StateConnected || s.ConnectedSince.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedSince)
}

// RecoveryRate is successful / attempted recoveries in percent.
func (s Snapshot) RecoveryRate() float64 {
	total := s.Recoveries + s.RecoveryFailures
	if total == 0 {
		return 0
	}
	return float64(s.Recoveries) / float64(total) * 100
}

// Monitor owns the health state. It is not safe for concurrent use.
type Monitor struct {
	cfg Config
	log *zap.Logger

	state           State
	stateChangeTime time.Time
	connectedSince  time.Time

	rssiSum     int64
	rssiSamples int
	rssi        RSSIStats

	attempts        int
	lastAttempt     time.Time
	recoveries      uint64
	failures        uint64
	exhaustedLogged bool
}

// NewMonitor starts in UNKNOWN at now.
func NewMonitor(cfg Config, log *zap.Logger, now time.Time) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RSSIWindow <= 0 {
		cfg.RSSIWindow = DefaultConfig().RSSIWindow
	}
	return &Monitor{
		cfg:             cfg,
		log:             log,
		state:           StateUnknown,
		stateChangeTime: now,
	}
}

// Update applies the transition rules for one tick. The first matching
// rule wins: silence past LostTimeout is LOST; silence past WeakTimeout
// or RSSI below WeakRSSI is WEAK; recent traffic with adequate RSSI is
// CONNECTED. A silence of exactly WeakTimeout leaves the state alone.
func (m *Monitor) Update(now time.Time, sinceLast time.Duration, rssi int) (Transition, bool) {
	next := m.state
	switch {
	case sinceLast > m.cfg.LostTimeout:
		next = StateLost
	case sinceLast > m.cfg.WeakTimeout || rssi < m.cfg.WeakRSSI:
		next = StateWeak
	case sinceLast < m.cfg.WeakTimeout && rssi >= m.cfg.WeakRSSI:
		next = StateConnected
	}
	return m.transition(now, next)
}

func (m *Monitor) transition(now time.Time, next State) (Transition, bool) {
	if next == m.state {
		return Transition{}, false
	}
	tr := Transition{From: m.state, To: next, At: now}
	if next == StateConnected {
		m.connectedSince = now
	}
	m.state = next
	m.stateChangeTime = now

	fields := []zap.Field{zap.Stringer("from", tr.From), zap.Stringer("to", tr.To)}
	if next == StateLost || next == StateWeak {
		m.log.Warn("link state changed", fields...)
	} else {
		m.log.Info("link state changed", fields...)
	}
	return tr, true
}

// RecordRSSI adds a sample to the window. When the window fills, the
// running sum is folded into its mean so it cannot grow without bound;
// min and max are kept.
func (m *Monitor) RecordRSSI(rssi int) {
	r := &m.rssi
	if r.Total == 0 {
		r.Min, r.Max = rssi, rssi
	}
	if rssi < r.Min {
		r.Min = rssi
	}
	if rssi > r.Max {
		r.Max = rssi
	}
	r.Last = rssi
	r.Total++

	m.rssiSum += int64(rssi)
	m.rssiSamples++
	r.Avg = float64(m.rssiSum) / float64(m.rssiSamples)
	if m.rssiSamples >= m.cfg.RSSIWindow {
		m.rssiSum /= int64(m.rssiSamples)
		m.rssiSamples = 1
	}
	r.Samples = m.rssiSamples
}

// AttemptRecovery reinitializes the transport when the link is LOST, at
// most once per RecoveryInterval and at most MaxRecoveryAttempts times
// in a row. It returns true only when reinit succeeded; the state is
// then CONNECTING and the attempt counter is cleared.
func (m *Monitor) AttemptRecovery(ctx context.Context, now time.Time, reinit Reinitializer) bool {
	if m.state != StateLost {
		return false
	}
	if m.attempts >= m.cfg.MaxRecoveryAttempts {
		if !m.exhaustedLogged {
			m.exhaustedLogged = true
			m.log.Error("recovery attempts exhausted, manual intervention required",
				zap.Int("attempts", m.attempts))
		}
		return false
	}
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.RecoveryInterval {
		return false
	}

	m.attempts++
	m.lastAttempt = now
	m.log.Info("attempting link recovery",
		zap.Int("attempt", m.attempts),
		zap.Int("max", m.cfg.MaxRecoveryAttempts))

	if err := reinit(ctx); err != nil {
		m.failures++
		m.log.Error("link recovery failed", zap.Int("attempt", m.attempts), zap.Error(err))
		return false
	}

	m.recoveries++
	m.attempts = 0
	m.exhaustedLogged = false
	m.transition(now, StateConnecting)
	return true
}

// State returns the current state.
func (m *Monitor) State() State {
	return m.state
}

// Exhausted reports a LOST link with no recovery attempts left.
func (m *Monitor) Exhausted() bool {
	return m.state == StateLost && m.attempts >= m.cfg.MaxRecoveryAttempts
}

// Snapshot copies the current state for telemetry.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		State:               m.state,
		StateChangeTime:     m.stateChangeTime,
		ConnectedSince:      m.connectedSince,
		RSSI:                m.rssi,
		SignalCritical:      m.rssi.Total > 0 && m.rssi.Last < m.cfg.CriticalRSSI,
		RecoveryAttempts:    m.attempts,
		LastRecoveryAttempt: m.lastAttempt,
		Recoveries:          m.recoveries,
		RecoveryFailures:    m.failures,
		Exhausted:           m.Exhausted(),
	}
}

// Config returns the thresholds in use.
func (m *Monitor) Config() Config {
	return m.cfg
}
