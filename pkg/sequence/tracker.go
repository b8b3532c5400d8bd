// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sequence classifies inbound sequence numbers from one peer.
package sequence

// Class is the classification of one sequence number.
type Class uint8

const (
	ClassFirst     Class = iota // first packet from the peer
	ClassInOrder                // seq == expectedNext
	ClassGap                    // seq > expectedNext, packets presumed lost
	ClassDuplicate              // seq < expectedNext
)

func (c Class) String() string {
	switch c {
	case ClassFirst:
		return "FIRST"
	case ClassInOrder:
		return "IN_ORDER"
	case ClassGap:
		return "GAP"
	case ClassDuplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// Result describes how a sequence number was classified.
type Result struct {
	Class Class
	Lost  uint64 // packets presumed lost by this gap
	Late  bool   // duplicate that fills an earlier gap
}

// State is the per-peer sequence bookkeeping.
type State struct {
	ExpectedNext uint64
	Received     uint64
	Lost         uint64
	Duplicate    uint64
	OutOfOrder   uint64

	CurrentLossStreak uint64
	MaxLossStreak     uint64
	LossStreaks       uint64
}

// LossPercent is lost / (received + lost) in percent.
func (s State) LossPercent() float64 {
	total := s.Received + s.Lost
	if total == 0 {
		return 0
	}
	return float64(s.Lost) / float64(total) * 100
}

// lateWindow is how far behind expectedNext a missing number is remembered.
const lateWindow = 64

// Tracker owns the State of one peer. It is not safe for concurrent use.
type Tracker struct {
	state   State
	started bool
	// missing has bit i set when expectedNext-1-i was skipped by a gap
	// and has not arrived since.
	missing uint64
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Track classifies seq and updates the counters.
func (t *Tracker) Track(seq uint64) Result {
	s := &t.state

	if !t.started {
		t.started = true
		s.ExpectedNext = seq + 1
		s.Received++
		return Result{Class: ClassFirst}
	}

	switch {
	case seq == s.ExpectedNext:
		t.received()
		t.shift(1)
		s.ExpectedNext++
		return Result{Class: ClassInOrder}

	case seq > s.ExpectedNext:
		gap := seq - s.ExpectedNext
		s.Lost += gap
		s.CurrentLossStreak += gap

		// mark expectedNext .. seq-1 missing, then seq received
		for i := uint64(0); i < gap && i < lateWindow; i++ {
			t.shift(1)
			t.missing |= 1
		}
		if gap > lateWindow {
			t.missing = ^uint64(0)
		}
		t.received()
		t.shift(1)
		s.ExpectedNext = seq + 1
		return Result{Class: ClassGap, Lost: gap}

	default:
		s.Duplicate++
		r := Result{Class: ClassDuplicate}
		behind := s.ExpectedNext - 1 - seq
		if behind < lateWindow && t.missing&(1<<behind) != 0 {
			t.missing &^= 1 << behind
			s.OutOfOrder++
			r.Late = true
		}
		return r
	}
}

// received closes an open loss streak.
func (t *Tracker) received() {
	s := &t.state
	s.Received++
	if s.CurrentLossStreak > 0 {
		if s.CurrentLossStreak > s.MaxLossStreak {
			s.MaxLossStreak = s.CurrentLossStreak
		}
		s.LossStreaks++
		s.CurrentLossStreak = 0
	}
}

func (t *Tracker) shift(n uint) {
	t.missing <<= n
}

// State returns a copy of the counters.
func (t *Tracker) State() State {
	return t.state
}

// Started reports whether a first packet has been seen.
func (t *Tracker) Started() bool {
	return t.started
}

// Reset clears all counters. The next packet is treated as the first.
func (t *Tracker) Reset() {
	*t = Tracker{}
}
