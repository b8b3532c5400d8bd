// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Thermoquad/loralink/pkg/health"
	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/rylr"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		line    string
		payload string
		at      string
		quit    bool
	}{
		{line: "send HELLO WORLD", payload: "HELLO WORLD"},
		{line: "  ping ", payload: "CMD:PING"},
		{line: "status", payload: "CMD:STATUS"},
		{line: "cmd reset_stats", payload: "CMD:RESET_STATS"},
		{line: "cmd SET_SF 9", payload: "CMD:SET_SF:9"},
		{line: "sf 7", payload: "CMD:SET_SF:7"},
		{line: "at AT+VER?", at: "AT+VER?"},
		{line: "quit", quit: true},
	}

	for _, tt := range tests {
		action, err := parseInput(tt.line)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.line, err)
			continue
		}
		if string(action.payload) != tt.payload || action.at != tt.at || action.quit != tt.quit {
			t.Errorf("%q: got %+v", tt.line, action)
		}
	}
}

func TestParseInput_Rejects(t *testing.T) {
	for _, line := range []string{
		"",
		"send",
		"sf 13",
		"sf six",
		"at VER?",
		"cmd",
		"launch",
		"send " + strings.Repeat("x", rylr.MaxPayloadSize+1),
	} {
		if _, err := parseInput(line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
}

type fakeEnqueuer struct {
	payloads []string
	targets  []rylr.Address
	at       []string
}

func (f *fakeEnqueuer) Enqueue(payload []byte, target rylr.Address) (<-chan link.Result, error) {
	f.payloads = append(f.payloads, string(payload))
	f.targets = append(f.targets, target)
	ch := make(chan link.Result, 1)
	ch <- link.Result{}
	return ch, nil
}

func (f *fakeEnqueuer) EnqueueAT(cmd string) (<-chan link.Result, error) {
	f.at = append(f.at, cmd)
	ch := make(chan link.Result, 1)
	ch <- link.Result{Response: "+VER=RYLR89C_V1.2.7"}
	return ch, nil
}

func typeLine(m tea.Model, line string) (tea.Model, tea.Cmd) {
	for _, r := range line {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m.Update(tea.KeyMsg{Type: tea.KeyEnter})
}

func TestDashboardSubmit(t *testing.T) {
	node := &fakeEnqueuer{}
	var m tea.Model = newDashboard("test", node, 2)

	m, cmd := typeLine(m, "ping")
	if cmd == nil {
		t.Fatal("expected a command waiting for the result")
	}
	if len(node.payloads) != 1 || node.payloads[0] != "CMD:PING" || node.targets[0] != 2 {
		t.Fatalf("enqueued %v to %v", node.payloads, node.targets)
	}
	m, _ = m.Update(cmd())

	m, cmd = typeLine(m, "at AT+VER?")
	m, _ = m.Update(cmd())

	d := m.(dashboard)
	if len(d.eventLog) != 2 {
		t.Fatalf("log has %d entries, want 2", len(d.eventLog))
	}
	if !strings.Contains(d.eventLog[1].message, "RYLR89C") {
		t.Errorf("AT response not logged: %q", d.eventLog[1].message)
	}
	if d.input.Value() != "" {
		t.Errorf("input not cleared: %q", d.input.Value())
	}
}

func TestDashboardView(t *testing.T) {
	var m tea.Model = newDashboard("Serial: /dev/null", &fakeEnqueuer{}, 2)
	if !strings.Contains(m.View(), "Bringing the modem up") {
		t.Error("missing bring-up notice before first status")
	}

	now := time.Unix(1000, 0)
	st := link.Status{
		Time:            now,
		ModemVersion:    "RYLR89C_V1.2.7",
		SpreadingFactor: 9,
		Health: health.Snapshot{
			State:          health.StateConnected,
			ConnectedSince: now.Add(-90 * time.Second),
		},
	}
	m, _ = m.Update(statusMsg(st))
	m, _ = m.Update(telemetryMsg(link.Telemetry{Time: now, Sender: 2, Fields: rylr.ParsePayload([]byte("SEQ:1,BATT:3.70"))}))
	m, _ = m.Update(eventMsg(link.Event{Time: now, Kind: link.EventStateChange, Message: "UNKNOWN -> CONNECTED"}))

	view := m.View()
	for _, want := range []string{"CONNECTED", "SF9", "1 minute and 30 seconds", "BATT:", "UNKNOWN -> CONNECTED"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestTeaObserverCoalescesStatus(t *testing.T) {
	o := newTeaObserver()
	for i := 0; i < 5; i++ {
		o.Status(link.Status{SpreadingFactor: 7 + i})
	}
	st := <-o.status
	if st.SpreadingFactor != 11 {
		t.Errorf("kept SF%d, want the newest SF11", st.SpreadingFactor)
	}

	for i := 0; i < 200; i++ {
		o.Event(link.Event{})
	}
	if len(o.msgs) != cap(o.msgs) {
		t.Errorf("queued %d events", len(o.msgs))
	}
}
