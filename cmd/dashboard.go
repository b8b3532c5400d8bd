// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/loralink/pkg/health"
	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/rylr"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Messages
type statusMsg link.Status
type telemetryMsg link.Telemetry
type eventMsg link.Event
type resultMsg struct {
	label string
	res   link.Result
}

// enqueuer is the part of *link.Node the dashboard drives.
type enqueuer interface {
	Enqueue(payload []byte, target rylr.Address) (<-chan link.Result, error)
	EnqueueAT(cmd string) (<-chan link.Result, error)
}

// inputAction is a parsed command line.
type inputAction struct {
	label   string
	payload []byte
	at      string
	quit    bool
}

var errUsage = errors.New("commands: send <text> | cmd <NAME> [ARG] | ping | status | sf <7-12> | at <AT...> | quit")

// parseInput turns a dashboard command line into an action.
func parseInput(line string) (inputAction, error) {
	line = strings.TrimSpace(line)
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "send":
		if rest == "" {
			return inputAction{}, errUsage
		}
		if err := rylr.ValidatePayload([]byte(rest)); err != nil {
			return inputAction{}, err
		}
		return inputAction{label: "send", payload: []byte(rest)}, nil

	case "cmd":
		name, arg, _ := strings.Cut(rest, " ")
		if name == "" {
			return inputAction{}, errUsage
		}
		c := rylr.Command{Name: strings.ToUpper(name), Arg: strings.TrimSpace(arg)}
		return inputAction{label: c.String(), payload: c.Bytes()}, nil

	case "ping":
		c := rylr.Command{Name: rylr.CommandPing}
		return inputAction{label: c.String(), payload: c.Bytes()}, nil

	case "status":
		c := rylr.Command{Name: rylr.CommandStatus}
		return inputAction{label: c.String(), payload: c.Bytes()}, nil

	case "sf":
		sf, err := strconv.Atoi(rest)
		if err != nil || sf < rylr.MinSpreadingFactor || sf > rylr.MaxSpreadingFactor {
			return inputAction{}, fmt.Errorf("spreading factor must be %d-%d", rylr.MinSpreadingFactor, rylr.MaxSpreadingFactor)
		}
		c := rylr.NewCommand(rylr.CommandForceSF, sf)
		return inputAction{label: c.String(), payload: c.Bytes()}, nil

	case "at":
		if !strings.HasPrefix(strings.ToUpper(rest), "AT") {
			return inputAction{}, errUsage
		}
		return inputAction{label: rest, at: rest}, nil

	case "quit", "exit":
		return inputAction{quit: true}, nil
	}
	return inputAction{}, errUsage
}

// dashboard model
type dashboard struct {
	connInfo      string
	node          enqueuer
	peer          rylr.Address
	status        link.Status
	hasStatus     bool
	lastTelemetry *link.Telemetry
	eventLog      []logEntry
	maxLogEntries int
	input         textinput.Model
	width         int
	height        int
	quitting      bool
}

func newDashboard(connInfo string, node enqueuer, peer rylr.Address) dashboard {
	ti := textinput.New()
	ti.Placeholder = "ping | send HELLO | cmd STATUS | sf 9 | at AT+VER?"
	ti.CharLimit = rylr.MaxPayloadSize + 16
	ti.Width = 60
	ti.Focus()

	return dashboard{
		connInfo:      connInfo,
		node:          node,
		peer:          peer,
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		input:         ti,
		width:         80,
		height:        24,
	}
}

func (m dashboard) Init() tea.Cmd {
	return textinput.Blink
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			line := m.input.Value()
			m.input.SetValue("")
			return m.submit(line)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case statusMsg:
		m.status = link.Status(msg)
		m.hasStatus = true

	case telemetryMsg:
		t := link.Telemetry(msg)
		m.lastTelemetry = &t

	case eventMsg:
		isError := msg.Err != nil || msg.Kind == link.EventRecoveryExhausted
		m.addLogEntry(msg.Time, fmt.Sprintf("%s: %s", msg.Kind, msg.Message), isError)

	case resultMsg:
		if msg.res.Err != nil {
			m.addLogEntry(time.Now(), fmt.Sprintf("%s failed: %v", msg.label, msg.res.Err), true)
		} else if msg.res.Response != "" {
			m.addLogEntry(time.Now(), fmt.Sprintf("%s -> %s", msg.label, msg.res.Response), false)
		} else {
			m.addLogEntry(time.Now(), fmt.Sprintf("%s sent", msg.label), false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m dashboard) submit(line string) (tea.Model, tea.Cmd) {
	if strings.TrimSpace(line) == "" {
		return m, nil
	}
	action, err := parseInput(line)
	if err != nil {
		m.addLogEntry(time.Now(), err.Error(), true)
		return m, nil
	}
	if action.quit {
		m.quitting = true
		return m, tea.Quit
	}

	var done <-chan link.Result
	if action.at != "" {
		done, err = m.node.EnqueueAT(action.at)
	} else {
		done, err = m.node.Enqueue(action.payload, m.peer)
	}
	if err != nil {
		m.addLogEntry(time.Now(), fmt.Sprintf("%s: %v", action.label, err), true)
		return m, nil
	}
	label := action.label
	return m, func() tea.Msg {
		return resultMsg{label: label, res: <-done}
	}
}

func (m *dashboard) addLogEntry(at time.Time, message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{timestamp: at, message: message, isError: isError})

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func stateStyle(s health.State) lipgloss.Style {
	color := "241"
	switch s {
	case health.StateConnected:
		color = "10"
	case health.StateConnecting:
		color = "12"
	case health.StateWeak:
		color = "11"
	case health.StateLost:
		color = "9"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
}

func (m dashboard) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("LORALINK"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Peer: %d | Press Esc to quit", m.connInfo, m.peer)))
	s.WriteString("\n\n")

	if !m.hasStatus {
		s.WriteString(warningStyle.Render("⏳ Bringing the modem up..."))
		s.WriteString("\n\n")
	} else {
		st := m.status
		hs := st.Health

		var c strings.Builder
		c.WriteString(fmt.Sprintf("%s %s", labelStyle.Render("State:"), stateStyle(hs.State).Render(hs.State.Icon()+" "+hs.State.String())))
		if up := hs.Uptime(st.Time); up > 0 {
			c.WriteString(headerStyle.Render(" for " + formatUptime(up)))
		}
		c.WriteString(fmt.Sprintf("   %s %s", labelStyle.Render("Modem:"), valueStyle.Render(st.ModemVersion)))
		c.WriteString("\n")

		sf := fmt.Sprintf("SF%d", st.SpreadingFactor)
		if st.SF.IsChanging {
			sf += fmt.Sprintf(" → SF%d", st.SF.TargetSF)
		}
		c.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("SF:"), valueStyle.Render(sf),
			labelStyle.Render("Changes:"), valueStyle.Render(fmt.Sprintf("%d", st.SF.Changes)),
			labelStyle.Render("Reverts:"), valueStyle.Render(fmt.Sprintf("%d", st.SF.Reverts)),
		))

		if hs.RSSI.Total > 0 {
			rssi := valueStyle
			if hs.SignalCritical {
				rssi = errorStyle
			}
			c.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
				labelStyle.Render("RSSI:"), rssi.Render(fmt.Sprintf("%d dBm", st.LastRSSI)),
				labelStyle.Render("Avg:"), valueStyle.Render(fmt.Sprintf("%.1f dBm", hs.RSSI.Avg)),
				labelStyle.Render("SNR:"), valueStyle.Render(fmt.Sprintf("%d dB", st.LastSNR)),
			))
		}

		seq := st.Sequence
		loss := valueStyle
		if seq.Lost > 0 {
			loss = warningStyle
		}
		c.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
			labelStyle.Render("Received:"), valueStyle.Render(fmt.Sprintf("%d", seq.Received)),
			labelStyle.Render("Lost:"), loss.Render(fmt.Sprintf("%d (%.2f%%)", seq.Lost, seq.LossPercent())),
			labelStyle.Render("Dup:"), valueStyle.Render(fmt.Sprintf("%d", seq.Duplicate)),
			labelStyle.Render("Late:"), valueStyle.Render(fmt.Sprintf("%d", seq.OutOfOrder)),
		))
		c.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
			labelStyle.Render("Sent:"), valueStyle.Render(fmt.Sprintf("%d", st.Statistics.PacketsSent)),
			labelStyle.Render("Send Failures:"), valueStyle.Render(fmt.Sprintf("%d", st.Statistics.SendFailures)),
			labelStyle.Render("Max Loss Streak:"), valueStyle.Render(fmt.Sprintf("%d", seq.MaxLossStreak)),
		))

		if hs.RecoveryAttempts > 0 || hs.Recoveries > 0 {
			c.WriteString(fmt.Sprintf("\n%s %s",
				labelStyle.Render("Recovery:"),
				warningStyle.Render(fmt.Sprintf("%d attempts, %d succeeded, %d failed",
					hs.RecoveryAttempts, hs.Recoveries, hs.RecoveryFailures)),
			))
		}
		if st.Exhausted {
			c.WriteString("\n" + errorStyle.Render("✗ Recovery exhausted, manual intervention required"))
		}

		s.WriteString(boxStyle.Render(c.String()))
		s.WriteString("\n\n")
	}

	if m.lastTelemetry != nil {
		t := m.lastTelemetry
		s.WriteString(labelStyle.Render("Latest Telemetry:"))
		s.WriteString(headerStyle.Render(fmt.Sprintf(" from %d at %s", t.Sender, t.Time.Format("15:04:05"))))
		s.WriteString("\n")

		var c strings.Builder
		for i, f := range t.Fields {
			if i > 0 {
				c.WriteString("   ")
			}
			if f.Value == "" {
				c.WriteString(valueStyle.Render(f.Key))
				continue
			}
			c.WriteString(fmt.Sprintf("%s %s", labelStyle.Render(f.Key+":"), valueStyle.Render(f.Value)))
		}
		s.WriteString(boxStyle.Render(c.String()))
		s.WriteString("\n\n")
	}

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := max(m.height-20, 5)
	startIdx := max(len(m.eventLog)-logHeight, 0)

	var logContent strings.Builder
	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
			}
		}
	}
	s.WriteString(boxStyle.Width(max(m.width-4, 20)).Render(logContent.String()))
	s.WriteString("\n")
	s.WriteString(m.input.View())

	return s.String()
}

// teaObserver forwards link output to the program without blocking the
// control loop. Statuses are coalesced; the newest wins.
type teaObserver struct {
	msgs   chan tea.Msg
	status chan link.Status
}

func newTeaObserver() *teaObserver {
	return &teaObserver{
		msgs:   make(chan tea.Msg, 100),
		status: make(chan link.Status, 1),
	}
}

func (o *teaObserver) Telemetry(t link.Telemetry) {
	select {
	case o.msgs <- telemetryMsg(t):
	default:
	}
}

func (o *teaObserver) Event(e link.Event) {
	select {
	case o.msgs <- eventMsg(e):
	default:
	}
}

func (o *teaObserver) Status(st link.Status) {
	select {
	case <-o.status:
	default:
	}
	select {
	case o.status <- st:
	default:
	}
}

// forward sends queued messages to p at a fixed rate until done closes.
func (o *teaObserver) forward(p *tea.Program, done <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-o.msgs:
			p.Send(msg)
		case <-ticker.C:
			select {
			case st := <-o.status:
				p.Send(statusMsg(st))
			default:
			}
		}
	}
}
