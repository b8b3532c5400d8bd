// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package fakemodem is an in-memory RYLR896 used to exercise the link
// layer without hardware. It speaks the same line protocol as the real
// module and records everything the host sends.
package fakemodem

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

const Version = "RYLR89C_V1.2.7"

var ErrClosed = errors.New("fake modem closed")

// Sent is one AT+SEND accepted by the modem.
type Sent struct {
	Address rylr.Address
	Payload string
}

// Handler can override the reply to a command. Returning handled=false
// falls through to the default behaviour. It runs with the modem locked
// and must not call back into the Modem.
type Handler func(cmd string) (replies []string, handled bool)

// Modem simulates the module. All methods are safe for concurrent use.
type Modem struct {
	mu     sync.Mutex
	notify chan struct{}

	out         []byte
	in          []byte
	readTimeout time.Duration
	closed      bool

	address   string
	networkID string
	params    string

	commands []string
	sent     []Sent
	opens    int
	resets   int

	unresponsive     bool
	rejectAddress    bool
	rejectNetworkID  bool
	rejectParameters bool
	rejectSend       bool
	silentSend       bool
	openErr          error
	handler          Handler
}

// New returns a powered-up modem with factory settings.
func New() *Modem {
	return &Modem{
		notify:      make(chan struct{}, 1),
		readTimeout: 50 * time.Millisecond,
		address:     "0",
		networkID:   "0",
		params:      rylr.DefaultParameters().String(),
	}
}

// Open returns the modem as a port, like plugging the module in again.
func (m *Modem) Open() (*Modem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opens++
	m.closed = false
	return m, nil
}

func (m *Modem) Read(p []byte) (int, error) {
	m.mu.Lock()
	timeout := m.readTimeout
	m.mu.Unlock()
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, ErrClosed
		}
		if len(m.out) > 0 {
			n := copy(p, m.out)
			m.out = m.out[n:]
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		select {
		case <-m.notify:
		case <-time.After(remaining):
		}
	}
}

func (m *Modem) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	m.in = append(m.in, p...)
	for {
		i := strings.Index(string(m.in), rylr.LineEnding)
		if i < 0 {
			break
		}
		cmd := string(m.in[:i])
		m.in = m.in[i+len(rylr.LineEnding):]
		m.commands = append(m.commands, cmd)
		for _, reply := range m.handle(cmd) {
			m.emit(reply)
		}
	}
	return len(p), nil
}

func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Modem) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTimeout = timeout
	return nil
}

func (m *Modem) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = m.out[:0]
	return nil
}

// emit queues a reply line. Caller holds mu.
func (m *Modem) emit(line string) {
	m.out = append(m.out, line+rylr.LineEnding...)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// handle returns the replies to cmd. Caller holds mu.
func (m *Modem) handle(cmd string) []string {
	if m.unresponsive {
		return nil
	}
	if m.handler != nil {
		if replies, ok := m.handler(cmd); ok {
			return replies
		}
	}

	switch {
	case cmd == rylr.CmdProbe:
		return []string{rylr.RespPlusOK}
	case cmd == rylr.CmdReset:
		m.resets++
		return []string{"+RESET", "+" + rylr.RespReady}
	case cmd == rylr.CmdVersion:
		return []string{rylr.RespVersion + Version}
	case strings.HasPrefix(cmd, rylr.CmdAddress):
		if m.rejectAddress {
			return []string{errReply(rylr.ErrCodeUnknown)}
		}
		m.address = strings.TrimPrefix(cmd, rylr.CmdAddress)
		return []string{rylr.RespPlusOK}
	case strings.HasPrefix(cmd, rylr.CmdNetworkID):
		if m.rejectNetworkID {
			return []string{errReply(rylr.ErrCodeUnknown)}
		}
		m.networkID = strings.TrimPrefix(cmd, rylr.CmdNetworkID)
		return []string{rylr.RespPlusOK}
	case strings.HasPrefix(cmd, rylr.CmdParameter):
		arg := strings.TrimPrefix(cmd, rylr.CmdParameter)
		if m.rejectParameters || !validParameters(arg) {
			return []string{errReply(rylr.ErrCodeUnknown)}
		}
		m.params = arg
		return []string{rylr.RespPlusOK}
	case strings.HasPrefix(cmd, rylr.CmdSend):
		return m.handleSend(strings.TrimPrefix(cmd, rylr.CmdSend))
	}
	return []string{errReply(rylr.ErrCodeUnknown)}
}

func (m *Modem) handleSend(arg string) []string {
	addrField, rest, ok := strings.Cut(arg, ",")
	if !ok {
		return []string{errReply(rylr.ErrCodeNoEquals)}
	}
	lenField, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return []string{errReply(rylr.ErrCodeNoEquals)}
	}
	addr, err1 := strconv.Atoi(addrField)
	n, err2 := strconv.Atoi(lenField)
	if err1 != nil || err2 != nil || n != len(payload) {
		return []string{errReply(rylr.ErrCodeUnknownFailed)}
	}
	if n > rylr.MaxPayloadSize {
		return []string{errReply(rylr.ErrCodeTxOverRun)}
	}
	if m.silentSend {
		return nil
	}
	if m.rejectSend {
		return []string{errReply(rylr.ErrCodeTxOverTime)}
	}
	m.sent = append(m.sent, Sent{Address: rylr.Address(addr), Payload: payload})
	return []string{rylr.RespPlusOK}
}

func errReply(code int) string {
	return rylr.RespError + strconv.Itoa(code)
}

func validParameters(arg string) bool {
	fields := strings.Split(arg, ",")
	if len(fields) != 4 {
		return false
	}
	sf, err := strconv.Atoi(fields[0])
	if err != nil || sf < rylr.MinSpreadingFactor || sf > rylr.MaxSpreadingFactor {
		return false
	}
	for _, f := range fields[1:] {
		if _, err := strconv.Atoi(f); err != nil {
			return false
		}
	}
	return true
}

// Inject queues an unsolicited line, e.g. a +RCV= frame.
func (m *Modem) Inject(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emit(line)
}

// InjectFrame queues a +RCV= frame from sender.
func (m *Modem) InjectFrame(sender rylr.Address, payload string, rssi, snr int) {
	m.Inject(rylr.FormatReceived(sender, []byte(payload), rssi, snr))
}

// SetHandler installs a reply override.
func (m *Modem) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetUnresponsive makes the modem swallow every command.
func (m *Modem) SetUnresponsive(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unresponsive = v
}

// SetOpenError makes Open fail with err (nil clears).
func (m *Modem) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// RejectAddress makes AT+ADDRESS= fail.
func (m *Modem) RejectAddress(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectAddress = v
}

// RejectNetworkID makes AT+NETWORKID= fail.
func (m *Modem) RejectNetworkID(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNetworkID = v
}

// RejectParameters makes AT+PARAMETER= fail.
func (m *Modem) RejectParameters(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectParameters = v
}

// RejectSend makes AT+SEND= answer +ERR=10.
func (m *Modem) RejectSend(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectSend = v
}

// SilentSend makes AT+SEND= never answer.
func (m *Modem) SilentSend(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silentSend = v
}

// Config is the modem's current configuration as raw AT arguments.
type Config struct {
	Address    string
	NetworkID  string
	Parameters string
}

func (m *Modem) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Config{Address: m.address, NetworkID: m.networkID, Parameters: m.params}
}

// SpreadingFactor returns the SF of the active parameters.
func (m *Modem) SpreadingFactor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sf, _ := strconv.Atoi(strings.SplitN(m.params, ",", 2)[0])
	return sf
}

// Commands returns every command line received so far.
func (m *Modem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Sent returns every payload accepted for transmission.
func (m *Modem) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Opens returns how many times the port was opened.
func (m *Modem) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Resets returns how many AT+RESET commands were received.
func (m *Modem) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}
