// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/internal/bridge"
	"github.com/Thermoquad/loralink/internal/telemetry"
	"github.com/Thermoquad/loralink/pkg/capture"
	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/rylr"
	"github.com/Thermoquad/loralink/pkg/transport"
)

// sessionOptions are the per-command knobs layered over the root flags.
type sessionOptions struct {
	features          link.Features
	telemetryInterval time.Duration
	awaitAck          bool
	capturePath       string
	metricsAddr       string
	mqtt              bridge.Config
}

// session is a started link plus its optional sinks.
type session struct {
	log      *zap.Logger
	connInfo string
	tr       *transport.Transport
	node     *link.Node

	captureFile *os.File
	capture     *capture.Writer
	metrics     *http.Server
	bridge      *bridge.Bridge
}

func newTransport(log *zap.Logger) (*transport.Transport, string, error) {
	open, connInfo, err := connectionOpener()
	if err != nil {
		return nil, "", err
	}
	return transport.New(open, transport.DefaultConfig(), log.Named("transport")), connInfo, nil
}

// openSession wires transport, node and sinks, then brings the modem up.
func openSession(ctx context.Context, log *zap.Logger, opts sessionOptions) (*session, error) {
	addr, netID, peer, err := linkIdentity()
	if err != nil {
		return nil, err
	}
	tr, connInfo, err := newTransport(log)
	if err != nil {
		return nil, err
	}

	cfg := link.DefaultConfig()
	cfg.Address = addr
	cfg.NetworkID = netID
	cfg.Peer = peer
	cfg.Features = opts.features
	cfg.TelemetryInterval = opts.telemetryInterval
	cfg.AdaptiveSF.AwaitAck = opts.awaitAck

	s := &session{
		log:      log,
		connInfo: connInfo,
		tr:       tr,
		node:     link.New(tr, cfg, log.Named("link")),
	}

	if opts.capturePath != "" {
		if err := s.openCapture(opts.capturePath); err != nil {
			return nil, err
		}
	}

	if opts.metricsAddr != "" {
		s.node.AddObserver(telemetry.Observer{})
		s.serveMetrics(opts.metricsAddr)
	}

	if opts.mqtt.Broker != "" {
		b, err := bridge.Dial(opts.mqtt, s.node, peer, log.Named("mqtt"))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.bridge = b
		s.node.AddObserver(b)
	}

	if err := s.node.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if opts.metricsAddr != "" {
		telemetry.SetBuildInfo(Version, tr.Version())
	}
	return s, nil
}

func (s *session) openCapture(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := capture.NewWriter(f, s.connInfo)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to write capture header: %w", err)
	}
	s.captureFile = f
	s.capture = w
	s.tr.SetTap(w)
	s.log.Info("capturing modem traffic", zap.String("path", path))
	return nil
}

func (s *session) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	s.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	s.log.Info("serving metrics", zap.String("addr", addr))
}

// Close stops the sinks and releases the modem.
func (s *session) Close() {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.metrics.Shutdown(ctx)
		cancel()
	}
	s.node.Close()
	if s.capture != nil {
		if err := s.capture.Err(); err != nil {
			s.log.Warn("capture incomplete", zap.Error(err))
		}
		s.log.Info("capture closed", zap.Uint64("records", s.capture.Count()))
		s.captureFile.Close()
	}
}

// peer returns the configured peer address.
func (s *session) peer() rylr.Address {
	return rylr.Address(peerAddress)
}
