// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"
	"time"
)

// Statistics tracks packet, signal and timing statistics for the link.
// It is a plain value so Status can carry a copy.
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Inbound
	FramesReceived    uint64
	TelemetryReceived uint64
	CommandsReceived  uint64
	ParseErrors       uint64 // malformed +RCV= lines
	MetricErrors      uint64 // non-numeric RSSI/SNR
	UnsolicitedLines  uint64 // modem lines that were not frames
	ForeignFrames     uint64 // frames from an address other than the peer

	// Outbound
	PacketsSent       uint64
	SendFailures      uint64
	TelemetrySent     uint64
	TelemetryTooLarge uint64

	// Remote commands
	CommandsExecuted uint64
	CommandsRejected uint64
	CommandsIgnored  uint64

	// Signal
	RSSIMin, RSSIMax int
	RSSIAvg          float64
	SNRMin, SNRMax   int
	SNRAvg           float64

	// Timing
	LastFrameTime time.Time
	IntervalMin   time.Duration
	IntervalMax   time.Duration
	IntervalAvg   time.Duration
	Jitter        time.Duration // moving average of |interval - IntervalAvg|

	signalSamples uint64
	rssiSum       int64
	snrSum        int64
	intervals     uint64
	intervalSum   time.Duration
}

// NewStatistics creates a new statistics tracker
func NewStatistics(now time.Time) Statistics {
	return Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// RecordFrame updates signal and timing statistics for a received frame.
func (s *Statistics) RecordFrame(now time.Time, rssi, snr int) {
	s.FramesReceived++
	s.LastUpdateTime = now

	if s.signalSamples == 0 {
		s.RSSIMin, s.RSSIMax = rssi, rssi
		s.SNRMin, s.SNRMax = snr, snr
	}
	s.RSSIMin = min(s.RSSIMin, rssi)
	s.RSSIMax = max(s.RSSIMax, rssi)
	s.SNRMin = min(s.SNRMin, snr)
	s.SNRMax = max(s.SNRMax, snr)
	s.signalSamples++
	s.rssiSum += int64(rssi)
	s.snrSum += int64(snr)
	s.RSSIAvg = float64(s.rssiSum) / float64(s.signalSamples)
	s.SNRAvg = float64(s.snrSum) / float64(s.signalSamples)

	if !s.LastFrameTime.IsZero() {
		interval := now.Sub(s.LastFrameTime)
		if s.intervals == 0 {
			s.IntervalMin, s.IntervalMax = interval, interval
		}
		s.IntervalMin = min(s.IntervalMin, interval)
		s.IntervalMax = max(s.IntervalMax, interval)
		s.intervals++
		s.intervalSum += interval
		s.IntervalAvg = s.intervalSum / time.Duration(s.intervals)

		deviation := interval - s.IntervalAvg
		if deviation < 0 {
			deviation = -deviation
		}
		s.Jitter = time.Duration(float64(s.Jitter)*0.9 + float64(deviation)*0.1)
	}
	s.LastFrameTime = now
}

// CommandErrors is the number of commands that were not executed.
func (s *Statistics) CommandErrors() uint64 {
	return s.CommandsRejected + s.CommandsIgnored
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	elapsed := s.LastUpdateTime.Sub(s.StartTime)

	var sendFailPercent float64
	if attempts := s.PacketsSent + s.SendFailures; attempts > 0 {
		sendFailPercent = float64(s.SendFailures) * 100.0 / float64(attempts)
	}

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames Received: %8d\n", s.FramesReceived)
	result += fmt.Sprintf("  Telemetry:        %5d\n", s.TelemetryReceived)
	result += fmt.Sprintf("  Commands:         %5d\n", s.CommandsReceived)
	if s.ParseErrors > 0 {
		result += fmt.Sprintf("Parse Errors:    %8d\n", s.ParseErrors)
	}
	if s.MetricErrors > 0 {
		result += fmt.Sprintf("Metric Errors:   %8d\n", s.MetricErrors)
	}
	if s.UnsolicitedLines > 0 {
		result += fmt.Sprintf("Other Lines:     %8d\n", s.UnsolicitedLines)
	}
	if s.ForeignFrames > 0 {
		result += fmt.Sprintf("Foreign Frames:  %8d\n", s.ForeignFrames)
	}
	result += fmt.Sprintf("Packets Sent:    %8d\n", s.PacketsSent)
	if s.SendFailures > 0 {
		result += fmt.Sprintf("Send Failures:   %8d (%.1f%%)\n", s.SendFailures, sendFailPercent)
	}
	if s.TelemetryTooLarge > 0 {
		result += fmt.Sprintf("Oversized Telem: %8d\n", s.TelemetryTooLarge)
	}
	if s.CommandsReceived > 0 {
		result += fmt.Sprintf("Commands Run:    %8d\n", s.CommandsExecuted)
		if errs := s.CommandErrors(); errs > 0 {
			result += fmt.Sprintf("  Rejected:         %5d\n", s.CommandsRejected)
			result += fmt.Sprintf("  Ignored:          %5d\n", s.CommandsIgnored)
		}
	}
	if s.signalSamples > 0 {
		result += fmt.Sprintf("RSSI (dBm):      min %4d  avg %6.1f  max %4d\n", s.RSSIMin, s.RSSIAvg, s.RSSIMax)
		result += fmt.Sprintf("SNR (dB):        min %4d  avg %6.1f  max %4d\n", s.SNRMin, s.SNRAvg, s.SNRMax)
	}
	if s.intervals > 0 {
		result += fmt.Sprintf("Interval:        min %v  avg %v  max %v\n",
			s.IntervalMin.Round(time.Millisecond), s.IntervalAvg.Round(time.Millisecond), s.IntervalMax.Round(time.Millisecond))
		result += fmt.Sprintf("Jitter:          %8v\n", s.Jitter.Round(time.Millisecond))
	}
	result += "================================\n"

	return result
}
