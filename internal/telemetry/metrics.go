// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry exports link state as Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/loralink/pkg/health"
	"github.com/Thermoquad/loralink/pkg/link"
)

const namespace = "loralink"

var (
	Registry = prometheus.NewRegistry()

	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection health state (1 for the current state).",
		},
		[]string{"state"},
	)

	rssi = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rssi_dbm",
		Help:      "RSSI of the last received frame.",
	})

	rssiAvg = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rssi_window_avg_dbm",
		Help:      "Windowed average RSSI.",
	})

	snr = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snr_db",
		Help:      "SNR of the last received frame.",
	})

	spreadingFactor = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "spreading_factor",
		Help:      "Spreading factor active on the modem.",
	})

	sfChanging = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "spreading_factor_changing",
		Help:      "1 while a spreading factor change is pending.",
	})

	recoveryAttempts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recovery_attempts",
		Help:      "Consecutive failed recovery attempts.",
	})

	exhausted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recovery_exhausted",
		Help:      "1 when the link is LOST with no recovery attempts left.",
	})

	// sequence counters can be reset by RESET_STATS, so they are gauges
	sequenceCounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence_packets",
			Help:      "Sequence tracker counters since the last reset.",
		},
		[]string{"class"},
	)

	lossPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "packet_loss_percent",
		Help:      "Packet loss since the last reset.",
	})

	jitter = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interarrival_jitter_seconds",
		Help:      "Moving average of inter-arrival deviation.",
	})

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Link events by kind.",
		},
		[]string{"kind"},
	)

	framesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_frames_total",
		Help:      "Telemetry frames delivered to consumers.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and modem firmware).",
		},
		[]string{"version", "modem"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

var states = []health.State{
	health.StateUnknown,
	health.StateConnecting,
	health.StateConnected,
	health.StateWeak,
	health.StateLost,
}

func init() {
	Registry.MustRegister(
		connectionState, rssi, rssiAvg, snr,
		spreadingFactor, sfChanging,
		recoveryAttempts, exhausted,
		sequenceCounts, lossPercent, jitter,
		eventsTotal, framesTotal,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once the modem firmware version is known.
func SetBuildInfo(version, modem string) {
	buildInfo.WithLabelValues(version, modem).Set(1)
}

// Observer updates the metrics from the link control loop.
type Observer struct{}

func (Observer) Telemetry(link.Telemetry) {
	framesTotal.Inc()
}

func (Observer) Event(ev link.Event) {
	eventsTotal.WithLabelValues(ev.Kind.String()).Inc()
}

func (Observer) Status(st link.Status) {
	for _, s := range states {
		v := 0.0
		if s == st.Health.State {
			v = 1
		}
		connectionState.WithLabelValues(s.String()).Set(v)
	}

	if st.Heard {
		rssi.Set(float64(st.LastRSSI))
		snr.Set(float64(st.LastSNR))
		rssiAvg.Set(st.Health.RSSI.Avg)
	}
	spreadingFactor.Set(float64(st.SpreadingFactor))
	sfChanging.Set(boolGauge(st.SF.IsChanging))
	recoveryAttempts.Set(float64(st.Health.RecoveryAttempts))
	exhausted.Set(boolGauge(st.Exhausted))

	sequenceCounts.WithLabelValues("received").Set(float64(st.Sequence.Received))
	sequenceCounts.WithLabelValues("lost").Set(float64(st.Sequence.Lost))
	sequenceCounts.WithLabelValues("duplicate").Set(float64(st.Sequence.Duplicate))
	sequenceCounts.WithLabelValues("out_of_order").Set(float64(st.Sequence.OutOfOrder))
	lossPercent.Set(st.Sequence.LossPercent())
	jitter.Set(st.Statistics.Jitter.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
