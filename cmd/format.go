// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/rylr"
	"github.com/Thermoquad/loralink/pkg/sequence"
)

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}

	seconds := uint64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	for _, u := range []struct {
		n    uint64
		name string
	}{
		{days, "day"},
		{hours, "hour"},
		{minutes, "minute"},
		{seconds, "second"},
	} {
		switch {
		case u.n == 1:
			parts = append(parts, "1 "+u.name)
		case u.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", u.n, u.name))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

// formatTelemetry renders one received payload on a single line.
func formatTelemetry(t link.Telemetry) string {
	var s strings.Builder
	fmt.Fprintf(&s, "[%s] RX from %d rssi=%d snr=%d", t.Time.Format("15:04:05.000"), t.Sender, t.RSSI, t.SNR)
	if t.HasSequence {
		fmt.Fprintf(&s, " seq=%d %s", t.Sequence, t.Class)
		if t.Class == sequence.ClassGap {
			fmt.Fprintf(&s, " (lost %d)", t.Lost)
		}
	}
	fmt.Fprintf(&s, " %q", t.Raw)
	return s.String()
}

// formatFrame renders a raw modem line, decoding +RCV= frames.
func formatFrame(now time.Time, line string) string {
	timestamp := now.Format("15:04:05.000")
	frame, err := rylr.DecodeReceived(line)
	if err != nil {
		return fmt.Sprintf("[%s] %s", timestamp, line)
	}
	kind := "DATA"
	if frame.IsCommand() {
		kind = "COMMAND"
	}
	result := fmt.Sprintf("[%s] %s from %d (%d bytes) rssi=%d dBm snr=%d dB\n",
		timestamp, kind, frame.Sender, len(frame.Payload), frame.RSSI, frame.SNR)
	if frame.MetricsMalformed {
		result += "  (malformed RSSI/SNR)\n"
	}
	if frame.IsCommand() {
		cmd, err := rylr.ParseCommand(frame.Payload)
		if err == nil {
			result += fmt.Sprintf("  Command: %s", cmd.Name)
			if cmd.Arg != "" {
				result += fmt.Sprintf(" Arg: %s", cmd.Arg)
			}
			return result + "\n"
		}
	}
	for _, f := range rylr.ParsePayload(frame.Payload) {
		if f.Value == "" {
			result += fmt.Sprintf("  %s\n", f.Key)
			continue
		}
		result += fmt.Sprintf("  %s: %s\n", f.Key, f.Value)
	}
	return result
}

// formatStatus renders the periodic text-mode summary.
func formatStatus(st link.Status) string {
	var s strings.Builder
	fmt.Fprintf(&s, "\n=== Link Status ===\n")
	fmt.Fprintf(&s, "State:            %s %s\n", st.Health.State.Icon(), st.Health.State)
	if up := st.Health.Uptime(st.Time); up > 0 {
		fmt.Fprintf(&s, "Connected For:    %s\n", formatUptime(up))
	}
	fmt.Fprintf(&s, "Spreading Factor: SF%d", st.SpreadingFactor)
	if st.SF.IsChanging {
		fmt.Fprintf(&s, " (changing to SF%d)", st.SF.TargetSF)
	}
	fmt.Fprintf(&s, "\n")
	fmt.Fprintf(&s, "Packets:          %d received, %d lost (%.2f%%), %d duplicate, %d out of order\n",
		st.Sequence.Received, st.Sequence.Lost, st.Sequence.LossPercent(), st.Sequence.Duplicate, st.Sequence.OutOfOrder)
	if st.Health.RSSI.Total > 0 {
		fmt.Fprintf(&s, "RSSI:             last %d, avg %.1f, min %d, max %d dBm\n",
			st.Health.RSSI.Last, st.Health.RSSI.Avg, st.Health.RSSI.Min, st.Health.RSSI.Max)
	}
	if st.Health.RecoveryAttempts > 0 || st.Health.Recoveries > 0 {
		fmt.Fprintf(&s, "Recovery:         %d attempts, %d succeeded, %d failed\n",
			st.Health.RecoveryAttempts, st.Health.Recoveries, st.Health.RecoveryFailures)
	}
	if st.Exhausted {
		fmt.Fprintf(&s, "!!! Recovery exhausted, manual intervention required !!!\n")
	}
	return s.String()
}
