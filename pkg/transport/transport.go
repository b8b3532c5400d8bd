// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

// Port is the byte channel to the modem. go.bug.st/serial ports satisfy it
// directly; a Read that times out returns 0, nil.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a fresh Port. It is called on every Initialize.
type Opener func() (Port, error)

// Config holds the bounded waits used when talking to the modem.
type Config struct {
	Parameters rylr.Parameters // applied at bring-up

	ReadyTimeout   time.Duration // wait for READY after AT+RESET
	ProbeTimeout   time.Duration // per AT liveness probe
	ProbeAttempts  int
	ProbeBackoff   time.Duration
	CommandTimeout time.Duration // configuration commands
	SendTimeout    time.Duration // floor for AT+SEND responses
	SendMargin     time.Duration // added to the computed air time
	PollInterval   time.Duration // read timeout slice while waiting for a line
}

// DefaultConfig returns the timings used on RYLR896 hardware.
func DefaultConfig() Config {
	return Config{
		Parameters:     rylr.DefaultParameters(),
		ReadyTimeout:   5 * time.Second,
		ProbeTimeout:   1500 * time.Millisecond,
		ProbeAttempts:  3,
		ProbeBackoff:   time.Second,
		CommandTimeout: time.Second,
		SendTimeout:    2 * time.Second,
		SendMargin:     500 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	}
}

// Stats counts channel activity since the Transport was created.
type Stats struct {
	Initializations uint64
	InitFailures    uint64
	Commands        uint64
	Sent            uint64
	SendTimeouts    uint64
	SendRejected    uint64
	LinesReceived   uint64
	FramesQueued    uint64
	ReadErrors      uint64
	Overflows       uint64
}

// maxLineLength bounds the receive buffer when no line ending arrives.
const maxLineLength = 512

// Transport exclusively owns the modem channel. It is not safe for
// concurrent use; the link control loop is its only caller.
type Transport struct {
	open Opener
	cfg  Config
	log  *zap.Logger
	tap  Tap

	port    Port
	pending []byte
	inbox   []string
	buf     []byte

	ready     bool
	address   rylr.Address
	networkID uint8
	params    rylr.Parameters
	version   string

	stats Stats
}

// New creates a Transport. Nothing is opened until Initialize.
func New(open Opener, cfg Config, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = 1
	}
	return &Transport{
		open:   open,
		cfg:    cfg,
		log:    log,
		buf:    make([]byte, 256),
		params: cfg.Parameters,
	}
}

// SetTap installs a diagnostic tap (nil removes it).
func (t *Transport) SetTap(tap Tap) {
	t.tap = tap
}

// Initialize (re)opens the channel and brings the modem up:
// flush, reset and wait for READY, probe, query version, then set
// address, network ID and RF parameters. It may be called again to
// recover a lost link.
func (t *Transport) Initialize(ctx context.Context, address rylr.Address, networkID uint8) error {
	err := t.initialize(ctx, address, networkID)
	if err != nil {
		t.stats.InitFailures++
		t.ready = false
		return err
	}
	t.stats.Initializations++
	return nil
}

func (t *Transport) initialize(ctx context.Context, address rylr.Address, networkID uint8) error {
	t.ready = false
	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
	}

	port, err := t.open()
	if err != nil {
		return &InitError{Step: "open", Err: fmt.Errorf("%w: %v", ErrOpen, err)}
	}
	t.port = port
	t.pending = t.pending[:0]
	t.inbox = nil
	if err := port.ResetInputBuffer(); err != nil {
		t.log.Warn("failed to flush input buffer", zap.Error(err))
	}

	// Reset
	if err := t.writeLine(rylr.CmdReset); err != nil {
		return &InitError{Step: "reset", Err: err}
	}
	if !t.waitReady(ctx) {
		t.log.Warn("modem did not report READY after reset", zap.Duration("timeout", t.cfg.ReadyTimeout))
	}

	// Liveness probe
	if err := t.probe(ctx); err != nil {
		return err
	}

	// Version (informational)
	if resp, err := t.exchange(rylr.CmdVersion, t.cfg.CommandTimeout); err == nil && strings.HasPrefix(resp, rylr.RespVersion) {
		t.version = strings.TrimPrefix(resp, rylr.RespVersion)
	} else {
		t.log.Warn("modem version query failed", zap.String("response", resp), zap.Error(err))
	}

	// Address
	if resp, err := t.exchange(rylr.EncodeAddress(address), t.cfg.CommandTimeout); err != nil || !rylr.IsOK(resp) {
		return &InitError{Step: "address", Response: resp, Err: rejected(ErrAddressRejected, err)}
	}

	// Network ID
	cmd, err := rylr.EncodeNetworkID(networkID)
	if err != nil {
		return &InitError{Step: "network ID", Err: fmt.Errorf("%w: %v", ErrNetworkIDRejected, err)}
	}
	if resp, err := t.exchange(cmd, t.cfg.CommandTimeout); err != nil || !rylr.IsOK(resp) {
		return &InitError{Step: "network ID", Response: resp, Err: rejected(ErrNetworkIDRejected, err)}
	}

	// RF parameters
	if err := t.applyParameters(t.cfg.Parameters); err != nil {
		return &InitError{Step: "parameters", Err: err}
	}

	t.address = address
	t.networkID = networkID
	t.ready = true

	t.log.Info("modem initialized",
		zap.Uint16("address", uint16(address)),
		zap.Uint8("network_id", networkID),
		zap.String("parameters", t.params.String()),
		zap.String("version", t.version))
	return nil
}

func rejected(sentinel, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %v", sentinel, cause)
	}
	return sentinel
}

// waitReady reads lines until READY or ReadyTimeout. Lines seen during
// reset are discarded.
func (t *Transport) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(t.cfg.ReadyTimeout)
	for ctx.Err() == nil {
		line, ok, err := t.readLine(deadline)
		if err != nil || !ok {
			return false
		}
		if rylr.IsReady(line) {
			return true
		}
	}
	return false
}

func (t *Transport) probe(ctx context.Context) error {
	var lastErr error
	var lastResp string
	for attempt := 1; attempt <= t.cfg.ProbeAttempts; attempt++ {
		resp, err := t.exchange(rylr.CmdProbe, t.cfg.ProbeTimeout)
		if err == nil && rylr.IsOK(resp) {
			return nil
		}
		lastErr, lastResp = err, resp
		t.log.Debug("modem probe failed", zap.Int("attempt", attempt), zap.String("response", resp), zap.Error(err))

		if attempt < t.cfg.ProbeAttempts {
			select {
			case <-ctx.Done():
				return &InitError{Step: "probe", Err: fmt.Errorf("%w: %v", ErrUnresponsive, ctx.Err())}
			case <-time.After(t.cfg.ProbeBackoff):
			}
		}
	}
	return &InitError{Step: "probe", Response: lastResp, Err: rejected(ErrUnresponsive, lastErr)}
}

const minVerdictLen = 3

// Send transmits payload to target and waits for the modem's verdict.
// The wait is the larger of Config.SendTimeout and the payload's air
// time plus Config.SendMargin.
func (t *Transport) Send(payload []byte, target rylr.Address) error {
	cmd, err := rylr.EncodeSend(target, payload)
	if err != nil {
		return err
	}
	timeout := t.SendTimeout(len(payload))
	// the verdict is +OK or +ERR=n; shorter lines are line noise
	resp, err := t.exchangeMin(cmd, timeout, minVerdictLen)
	switch {
	case errors.Is(err, ErrCommandTimeout):
		t.stats.SendTimeouts++
		return fmt.Errorf("%w after %v", ErrSendTimeout, timeout)
	case err != nil:
		return err
	case !rylr.IsOK(resp):
		t.stats.SendRejected++
		if code, ok := rylr.ErrorCode(resp); ok {
			return fmt.Errorf("%w: %s (%d)", ErrSendRejected, rylr.FormatErrorCode(code), code)
		}
		return fmt.Errorf("%w: %q", ErrSendRejected, resp)
	}
	t.stats.Sent++
	return nil
}

// SendTimeout returns the response wait used for an n byte payload.
func (t *Transport) SendTimeout(n int) time.Duration {
	air := rylr.AirTime(t.params, n) + t.cfg.SendMargin
	if air > t.cfg.SendTimeout {
		return air
	}
	return t.cfg.SendTimeout
}

// TryReceiveLine returns the next line from the modem, waiting at most
// maxWait. Frames queued while a command was waiting are returned first.
func (t *Transport) TryReceiveLine(maxWait time.Duration) (string, bool) {
	if len(t.inbox) > 0 {
		line := t.inbox[0]
		t.inbox = t.inbox[1:]
		return line, true
	}
	if t.port == nil {
		time.Sleep(maxWait)
		return "", false
	}

	deadline := time.Now().Add(maxWait)
	for {
		line, ok, err := t.readLine(deadline)
		if err != nil {
			t.stats.ReadErrors++
			t.log.Warn("modem read failed", zap.Error(err))
			if rest := time.Until(deadline); rest > 0 {
				time.Sleep(rest)
			}
			return "", false
		}
		if !ok {
			return "", false
		}
		if line != "" {
			return line, true
		}
	}
}

// Command sends a raw AT command and returns the first response line.
// A zero timeout uses Config.CommandTimeout.
func (t *Transport) Command(cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = t.cfg.CommandTimeout
	}
	return t.exchange(cmd, timeout)
}

// SetParameters applies new RF parameters. The stored parameters only
// change when the modem accepts them.
func (t *Transport) SetParameters(p rylr.Parameters) error {
	return t.applyParameters(p)
}

// SetSpreadingFactor changes only the spreading factor.
func (t *Transport) SetSpreadingFactor(sf int) error {
	return t.applyParameters(t.params.WithSpreadingFactor(sf))
}

func (t *Transport) applyParameters(p rylr.Parameters) error {
	cmd, err := rylr.EncodeParameters(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParametersRejected, err)
	}
	resp, err := t.exchange(cmd, t.cfg.CommandTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParametersRejected, err)
	}
	if !rylr.IsOK(resp) {
		return fmt.Errorf("%w: %q", ErrParametersRejected, resp)
	}
	t.params = p
	return nil
}

// Close releases the channel.
func (t *Transport) Close() error {
	t.ready = false
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// Ready reports whether the last Initialize succeeded.
func (t *Transport) Ready() bool { return t.ready }

// Address returns the configured local address.
func (t *Transport) Address() rylr.Address { return t.address }

// NetworkID returns the configured network ID.
func (t *Transport) NetworkID() uint8 { return t.networkID }

// Parameters returns the RF parameters last accepted by the modem.
func (t *Transport) Parameters() rylr.Parameters { return t.params }

// SpreadingFactor returns the active spreading factor.
func (t *Transport) SpreadingFactor() int { return t.params.SpreadingFactor }

// Version returns the firmware version reported at bring-up.
func (t *Transport) Version() string { return t.version }

// Stats returns a copy of the channel counters.
func (t *Transport) Stats() Stats { return t.stats }
