// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adaptivesf

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

// mockRadio records announcements and applied spreading factors
type mockRadio struct {
	sent     []string
	applied  []int
	sendErr  error
	applyErr error
}

func (r *mockRadio) Send(payload []byte, target rylr.Address) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, string(payload))
	return nil
}

func (r *mockRadio) SetSpreadingFactor(sf int) error {
	if r.applyErr != nil {
		return r.applyErr
	}
	r.applied = append(r.applied, sf)
	return nil
}

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestNegotiator(t *testing.T, cfg Config) (*Negotiator, *mockRadio) {
	radio := &mockRadio{}
	return New(cfg, radio, zaptest.NewLogger(t), t0), radio
}

func feed(n *Negotiator, now time.Time, rssi, count int) {
	for i := 0; i < count; i++ {
		n.Observe(now, rssi)
	}
}

func TestObserve_StrongSignalShrinksSF(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())
	now := t0.Add(31 * time.Second)

	feed(n, now, -60, 9)
	if len(radio.sent) != 0 {
		t.Fatal("decision made before window filled")
	}
	n.Observe(now, -60)

	if len(radio.sent) != 1 || radio.sent[0] != "CMD:SF_CHANGE:11" {
		t.Errorf("sent = %q", radio.sent)
	}
	if len(radio.applied) != 1 || radio.applied[0] != 11 {
		t.Errorf("applied = %v", radio.applied)
	}
	s := n.State()
	if s.CurrentSF != 11 || s.TargetSF != 11 || s.IsChanging {
		t.Errorf("state = %+v", s)
	}
	if len(s.Window) != 0 {
		t.Errorf("window not reset: %v", s.Window)
	}
}

func TestObserve_Cooldown(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())

	feed(n, t0.Add(10*time.Second), -60, 20)
	if len(radio.sent) != 0 {
		t.Fatal("change during boot cooldown")
	}

	now := t0.Add(31 * time.Second)
	n.Observe(now, -60)
	if n.CurrentSF() != 11 {
		t.Fatalf("sf = %d, want 11", n.CurrentSF())
	}

	feed(n, now.Add(10*time.Second), -60, 20)
	if n.CurrentSF() != 11 {
		t.Errorf("change inside cooldown: sf = %d", n.CurrentSF())
	}
	feed(n, now.Add(31*time.Second), -60, 1)
	if n.CurrentSF() != 10 {
		t.Errorf("sf after cooldown = %d, want 10", n.CurrentSF())
	}
}

func TestObserve_Thresholds(t *testing.T) {
	tests := []struct {
		name  string
		start int
		rssi  int
		want  int
	}{
		{"weak grows", 9, -110, 10},
		{"weak at max stays", 12, -120, 12},
		{"good at min stays", 7, -40, 7},
		{"between thresholds", 10, -90, 10},
		{"exactly good stays", 10, -80, 10},
		{"exactly weak stays", 10, -105, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := newTestNegotiator(t, DefaultConfig())
			n.current, n.target = tt.start, tt.start
			feed(n, t0.Add(time.Minute), tt.rssi, 10)
			if n.CurrentSF() != tt.want {
				t.Errorf("sf = %d, want %d", n.CurrentSF(), tt.want)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())

	for _, sf := range []int{rylr.MinSpreadingFactor - 1, rylr.MaxSpreadingFactor + 1} {
		if err := n.Force(t0, sf); !errors.Is(err, ErrSFRejected) {
			t.Errorf("Force(%d) error = %v", sf, err)
		}
		handled, err := n.HandleCommand(t0, rylr.NewCommand(rylr.CommandSFSet, sf))
		if !handled || !errors.Is(err, ErrSFRejected) {
			t.Errorf("SF_CHANGE:%d = %v, %v", sf, handled, err)
		}
	}
	if _, err := n.HandleCommand(t0, rylr.Command{Name: rylr.CommandSFSet, Arg: "ten"}); !errors.Is(err, ErrSFRejected) {
		t.Errorf("SF_CHANGE:ten error = %v", err)
	}

	if len(radio.applied) != 0 || len(radio.sent) != 0 {
		t.Errorf("radio touched: applied=%v sent=%q", radio.applied, radio.sent)
	}
	s := n.State()
	if s.CurrentSF != 12 || s.TargetSF != 12 || s.IsChanging || s.Rejected != 5 {
		t.Errorf("state = %+v", s)
	}

	// walk down and up the whole range; current never leaves [7,12]
	now := t0
	for i := 0; i < 20; i++ {
		now = now.Add(31 * time.Second)
		feed(n, now, -40, 10)
		if sf := n.CurrentSF(); sf < 7 || sf > 12 {
			t.Fatalf("sf out of range: %d", sf)
		}
	}
	if n.CurrentSF() != 7 {
		t.Errorf("sf after strong signal = %d, want 7", n.CurrentSF())
	}
	for i := 0; i < 20; i++ {
		now = now.Add(31 * time.Second)
		feed(n, now, -125, 10)
		if sf := n.CurrentSF(); sf < 7 || sf > 12 {
			t.Fatalf("sf out of range: %d", sf)
		}
	}
	if n.CurrentSF() != 12 {
		t.Errorf("sf after weak signal = %d, want 12", n.CurrentSF())
	}
}

func TestRemoteChange(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())

	handled, err := n.HandleCommand(t0, rylr.NewCommand(rylr.CommandSFSet, 9))
	if !handled || err != nil {
		t.Fatalf("HandleCommand() = %v, %v", handled, err)
	}
	if n.CurrentSF() != 9 {
		t.Errorf("sf = %d, want 9", n.CurrentSF())
	}
	if len(radio.sent) != 1 || radio.sent[0] != "CMD:SF_ACK:9" {
		t.Errorf("sent = %q", radio.sent)
	}

	if handled, _ := n.HandleCommand(t0, rylr.Command{Name: rylr.CommandPing}); handled {
		t.Error("PING handled by negotiator")
	}
}

func TestRemoteChange_ApplyFails(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())
	radio.applyErr = errors.New("modem busy")

	if _, err := n.HandleCommand(t0, rylr.NewCommand(rylr.CommandSFSet, 8)); err == nil {
		t.Error("expected error")
	}
	if n.CurrentSF() != 12 || len(radio.sent) != 0 {
		t.Errorf("sf = %d, sent = %q", n.CurrentSF(), radio.sent)
	}
}

func TestLocalApplyFails(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())
	radio.applyErr = errors.New("modem busy")

	if err := n.Force(t0, 9); err == nil {
		t.Fatal("Force() succeeded with failing radio")
	}
	s := n.State()
	if s.CurrentSF != 12 || s.TargetSF != 12 || s.IsChanging {
		t.Errorf("state = %+v", s)
	}
}

func TestObserve_ChangeFails(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())
	radio.sendErr = errors.New("send timed out")
	now := t0.Add(31 * time.Second)

	feed(n, now, -60, 9)
	if err := n.Observe(now, -60); err == nil {
		t.Fatal("Observe() hid a failed announcement")
	}
	if s := n.State(); s.CurrentSF != 12 || s.IsChanging {
		t.Errorf("state = %+v", s)
	}

	radio.sendErr = nil
	if err := n.Observe(now, -60); err != nil {
		t.Fatalf("Observe() retry error = %v", err)
	}
	if n.CurrentSF() != 11 {
		t.Errorf("sf after retry = %d, want 11", n.CurrentSF())
	}
}

func TestAnnouncementFails(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())
	radio.sendErr = errors.New("send timed out")

	if err := n.Force(t0, 9); err == nil {
		t.Fatal("Force() succeeded without announcement")
	}
	if len(radio.applied) != 0 {
		t.Errorf("applied before announcement: %v", radio.applied)
	}
	if n.State().IsChanging || n.CurrentSF() != 12 {
		t.Errorf("state = %+v", n.State())
	}
}

func TestAwaitAck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AwaitAck = true
	n, _ := newTestNegotiator(t, cfg)

	if err := n.Force(t0, 10); err != nil {
		t.Fatal(err)
	}
	if s := n.State(); !s.IsChanging || s.CurrentSF != 10 {
		t.Fatalf("state after apply = %+v", s)
	}

	if _, err := n.HandleCommand(t0.Add(time.Second), rylr.NewCommand(rylr.CommandSFAck, 9)); err != nil {
		t.Fatal(err)
	}
	if !n.State().IsChanging {
		t.Error("mismatched ack cleared pending change")
	}

	if _, err := n.HandleCommand(t0.Add(time.Second), rylr.NewCommand(rylr.CommandSFAck, 10)); err != nil {
		t.Fatal(err)
	}
	if s := n.State(); s.IsChanging || s.CurrentSF != 10 {
		t.Errorf("state after ack = %+v", s)
	}
	if n.Tick(t0.Add(time.Minute)) {
		t.Error("revert after confirmed change")
	}
}

func TestSyncTimeoutReverts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AwaitAck = true
	n, radio := newTestNegotiator(t, cfg)

	if err := n.Force(t0, 8); err != nil {
		t.Fatal(err)
	}
	if n.Tick(t0.Add(5 * time.Second)) {
		t.Error("revert at exactly the sync timeout")
	}
	if !n.Tick(t0.Add(5*time.Second + time.Millisecond)) {
		t.Fatal("no revert after sync timeout")
	}

	s := n.State()
	if s.CurrentSF != 12 || s.TargetSF != 12 || s.IsChanging {
		t.Errorf("state after timeout = %+v", s)
	}
	if s.Reverts != 1 {
		t.Errorf("reverts = %d", s.Reverts)
	}
	if last := radio.applied[len(radio.applied)-1]; last != 12 {
		t.Errorf("last applied = %d, want 12", last)
	}
}

func TestSyncTimeoutRevertsWhenApplyHangs(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())
	n.changing = true
	n.target = 9
	n.changeStart = t0
	radio.applyErr = errors.New("no response")

	if !n.Tick(t0.Add(6 * time.Second)) {
		t.Fatal("no revert")
	}
	if s := n.State(); s.CurrentSF != 12 || s.TargetSF != 12 || s.IsChanging {
		t.Errorf("state = %+v", s)
	}
}

func TestResetToMaxRange(t *testing.T) {
	n, radio := newTestNegotiator(t, DefaultConfig())
	if err := n.Force(t0, 7); err != nil {
		t.Fatal(err)
	}
	sent := len(radio.sent)

	if err := n.ResetToMaxRange(t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if n.CurrentSF() != 12 || len(radio.sent) != sent {
		t.Errorf("sf = %d, announcements = %d", n.CurrentSF(), len(radio.sent)-sent)
	}
}

func TestRing(t *testing.T) {
	r := newRing(3)
	for _, v := range []int{1, 2, 3, 4} {
		r.push(v)
	}
	if !r.full() || r.mean() != 3 {
		t.Errorf("full=%v mean=%v", r.full(), r.mean())
	}
	got := r.samples()
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Errorf("samples = %v", got)
	}
	r.reset()
	if r.full() || len(r.samples()) != 0 {
		t.Error("reset left samples")
	}
}
