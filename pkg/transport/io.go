// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

// exchange writes cmd and returns the first non-empty response line.
// +RCV= lines arriving in the meantime are queued for TryReceiveLine.
func (t *Transport) exchange(cmd string, timeout time.Duration) (string, error) {
	return t.exchangeMin(cmd, timeout, 1)
}

// exchangeMin is exchange, skipping response lines shorter than minLen.
func (t *Transport) exchangeMin(cmd string, timeout time.Duration, minLen int) (string, error) {
	if t.port == nil {
		return "", ErrNotOpen
	}
	t.stats.Commands++
	if err := t.writeLine(cmd); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		line, ok, err := t.readLine(deadline)
		if err != nil {
			t.stats.ReadErrors++
			return "", fmt.Errorf("read response to %q: %w", cmd, err)
		}
		if !ok {
			return "", fmt.Errorf("%w to %q within %v", ErrCommandTimeout, cmd, timeout)
		}
		if len(line) < minLen {
			if line != "" {
				t.log.Debug("skipping response fragment", zap.String("line", line))
			}
			continue
		}
		if strings.HasPrefix(line, rylr.RespReceived) {
			t.inbox = append(t.inbox, line)
			t.stats.FramesQueued++
			continue
		}
		return line, nil
	}
}

func (t *Transport) writeLine(cmd string) error {
	if t.port == nil {
		return ErrNotOpen
	}
	t.log.Debug("modem tx", zap.String("line", cmd))
	if t.tap != nil {
		t.tap.Record(DirectionTx, cmd)
	}
	if _, err := t.port.Write([]byte(cmd + rylr.LineEnding)); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// readLine returns the next line (without CR/LF) or ok=false once the
// deadline passes. Reads are sliced into PollInterval waits so the
// deadline is honoured even on ports that ignore short timeouts.
func (t *Transport) readLine(deadline time.Time) (string, bool, error) {
	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(t.pending[:i]), "\r")
			t.pending = append(t.pending[:0], t.pending[i+1:]...)
			t.stats.LinesReceived++
			t.log.Debug("modem rx", zap.String("line", line))
			if t.tap != nil {
				t.tap.Record(DirectionRx, line)
			}
			return line, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		if remaining > t.cfg.PollInterval {
			remaining = t.cfg.PollInterval
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return "", false, err
		}
		n, err := t.port.Read(t.buf)
		if err != nil {
			return "", false, err
		}
		t.pending = append(t.pending, t.buf[:n]...)
		if len(t.pending) > maxLineLength && bytes.IndexByte(t.pending, '\n') < 0 {
			t.stats.Overflows++
			t.log.Warn("discarding unterminated modem output", zap.Int("bytes", len(t.pending)))
			t.pending = t.pending[:0]
		}
	}
}
