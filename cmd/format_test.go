// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/loralink/pkg/rylr"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 seconds"},
		{time.Second, "1 second"},
		{90 * time.Second, "1 minute and 30 seconds"},
		{time.Hour, "1 hour"},
		{26*time.Hour + 2*time.Minute + 5*time.Second, "1 day, 2 hours, 2 minutes, and 5 seconds"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatFrame(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	out := formatFrame(now, rylr.FormatReceived(2, []byte("SEQ:4,T:21"), -80, 6))
	for _, want := range []string{"[12:00:00.000]", "DATA from 2", "rssi=-80", "SEQ: 4", "T: 21"} {
		if !strings.Contains(out, want) {
			t.Errorf("frame output missing %q:\n%s", want, out)
		}
	}

	out = formatFrame(now, rylr.FormatReceived(2, []byte("CMD:SF_CHANGE:9"), -80, 6))
	if !strings.Contains(out, "COMMAND from 2") || !strings.Contains(out, "Command: SF_CHANGE Arg: 9") {
		t.Errorf("unexpected command output:\n%s", out)
	}

	if out := formatFrame(now, "+READY"); out != "[12:00:00.000] +READY" {
		t.Errorf("non-frame line = %q", out)
	}
}
