// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Thermoquad/loralink/pkg/health"
	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/sequence"
)

func TestObserver_Status(t *testing.T) {
	var o Observer
	o.Status(link.Status{
		Health:          health.Snapshot{State: health.StateWeak, RecoveryAttempts: 2},
		Sequence:        sequence.State{Received: 9, Lost: 1},
		SpreadingFactor: 10,
		Heard:           true,
		LastRSSI:        -101,
		LastSNR:         -3,
	})

	if v := testutil.ToFloat64(connectionState.WithLabelValues("WEAK")); v != 1 {
		t.Errorf("WEAK gauge = %v", v)
	}
	if v := testutil.ToFloat64(connectionState.WithLabelValues("CONNECTED")); v != 0 {
		t.Errorf("CONNECTED gauge = %v", v)
	}
	if v := testutil.ToFloat64(spreadingFactor); v != 10 {
		t.Errorf("spreading_factor = %v", v)
	}
	if v := testutil.ToFloat64(rssi); v != -101 {
		t.Errorf("rssi = %v", v)
	}
	if v := testutil.ToFloat64(lossPercent); v != 10 {
		t.Errorf("loss = %v", v)
	}
	if v := testutil.ToFloat64(recoveryAttempts); v != 2 {
		t.Errorf("recovery_attempts = %v", v)
	}
}

func TestObserver_Events(t *testing.T) {
	var o Observer
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("SF_REVERT"))
	o.Event(link.Event{Kind: link.EventSFRevert})
	if v := testutil.ToFloat64(eventsTotal.WithLabelValues("SF_REVERT")); v != before+1 {
		t.Errorf("events_total{SF_REVERT} = %v, want %v", v, before+1)
	}
}

func TestMetricsHandler(t *testing.T) {
	SetBuildInfo("test", "RYLR89C_V1.2.7")
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{"loralink_build_info", "loralink_uptime_seconds"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
