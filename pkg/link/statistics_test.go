// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"strings"
	"testing"
	"time"
)

func TestStatistics_RecordFrame(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStatistics(start)

	frames := []struct {
		at   time.Duration
		rssi int
		snr  int
	}{
		{0, -60, 10},
		{time.Second, -80, 6},
		{2 * time.Second, -70, 8},
		{4 * time.Second, -90, -2},
	}
	for _, f := range frames {
		s.RecordFrame(start.Add(f.at), f.rssi, f.snr)
	}

	if s.FramesReceived != 4 {
		t.Errorf("FramesReceived = %d", s.FramesReceived)
	}
	if s.RSSIMin != -90 || s.RSSIMax != -60 || s.RSSIAvg != -75 {
		t.Errorf("RSSI = %d/%v/%d", s.RSSIMin, s.RSSIAvg, s.RSSIMax)
	}
	if s.SNRMin != -2 || s.SNRMax != 10 || s.SNRAvg != 5.5 {
		t.Errorf("SNR = %d/%v/%d", s.SNRMin, s.SNRAvg, s.SNRMax)
	}
	if s.IntervalMin != time.Second || s.IntervalMax != 2*time.Second {
		t.Errorf("interval min/max = %v/%v", s.IntervalMin, s.IntervalMax)
	}
	if want := 4 * time.Second / 3; s.IntervalAvg != want {
		t.Errorf("IntervalAvg = %v, want %v", s.IntervalAvg, want)
	}
	if s.Jitter <= 0 {
		t.Errorf("Jitter = %v, want > 0 for uneven intervals", s.Jitter)
	}
}

func TestStatistics_SteadyIntervalsNoJitter(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStatistics(start)
	for i := 0; i < 10; i++ {
		s.RecordFrame(start.Add(time.Duration(i)*500*time.Millisecond), -60, 5)
	}
	if s.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0", s.Jitter)
	}
}

func TestStatistics_String(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStatistics(start)
	s.RecordFrame(start, -60, 5)
	s.RecordFrame(start.Add(time.Second), -62, 4)
	s.PacketsSent = 3
	s.SendFailures = 1
	s.ParseErrors = 2

	out := s.String()
	for _, want := range []string{"Link Statistics", "Frames Received:", "Parse Errors:", "Send Failures:", "RSSI (dBm):", "Jitter:"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q:\n%s", want, out)
		}
	}
}
