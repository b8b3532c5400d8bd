// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge mirrors the link onto an MQTT broker. Telemetry, events
// and status are published as JSON; payloads published to <prefix>/send
// are queued for transmission to the peer.
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/pkg/link"
	"github.com/Thermoquad/loralink/pkg/rylr"
)

// Topic suffixes under Config.Prefix
const (
	TopicTelemetry = "telemetry"
	TopicEvent     = "event"
	TopicStatus    = "status"
	TopicSend      = "send"
)

type Config struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string
	Username       string
	Password       string
	Prefix         string
	QoS            byte
	StatusInterval time.Duration
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Prefix:         "loralink",
		QoS:            1,
		StatusInterval: 5 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Enqueuer accepts outbound payloads. *link.Node implements it.
type Enqueuer interface {
	Enqueue(payload []byte, target rylr.Address) (<-chan link.Result, error)
}

// SendRequest is the JSON accepted on <prefix>/send. A message that is
// not JSON is sent verbatim to DefaultTarget.
type SendRequest struct {
	Payload string `json:"payload"`
	Target  *int   `json:"target,omitempty"`
}

// Bridge implements link.Observer.
type Bridge struct {
	client        mqtt.Client
	cfg           Config
	node          Enqueuer
	defaultTarget rylr.Address
	log           *zap.Logger
	lastStatus    time.Time
}

// Dial connects to the broker and subscribes to the send topic. The
// subscription is renewed on every reconnect.
func Dial(cfg Config, node Enqueuer, defaultTarget rylr.Address, log *zap.Logger) (*Bridge, error) {
	if cfg.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.ClientID = "loralink-" + hostname
	}
	b := newBridge(cfg, node, defaultTarget, log)

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	opts.ClientID = cfg.ClientID
	opts.Username = cfg.Username
	opts.Password = cfg.Password
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.Info("MQTT connected", zap.String("broker", cfg.Broker))
		b.subscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn("MQTT connection lost", zap.Error(err))
	})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("MQTT connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect to %s: %w", cfg.Broker, err)
	}
	return b, nil
}

// NewWithClient wraps an already configured client.
func NewWithClient(client mqtt.Client, cfg Config, node Enqueuer, defaultTarget rylr.Address, log *zap.Logger) *Bridge {
	b := newBridge(cfg, node, defaultTarget, log)
	b.client = client
	return b
}

func newBridge(cfg Config, node Enqueuer, defaultTarget rylr.Address, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{cfg: cfg, node: node, defaultTarget: defaultTarget, log: log}
}

func (b *Bridge) topic(suffix string) string {
	return strings.TrimSuffix(b.cfg.Prefix, "/") + "/" + suffix
}

func (b *Bridge) subscribe(c mqtt.Client) {
	topic := b.topic(TopicSend)
	token := c.Subscribe(topic, b.cfg.QoS, b.handleSend)
	go func() {
		if token.WaitTimeout(b.cfg.ConnectTimeout) && token.Error() != nil {
			b.log.Error("MQTT subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
}

// Subscribe renews the send subscription on the current client.
func (b *Bridge) Subscribe() {
	b.subscribe(b.client)
}

func (b *Bridge) handleSend(_ mqtt.Client, msg mqtt.Message) {
	payload, target := b.parseSend(msg.Payload())
	done, err := b.node.Enqueue(payload, target)
	if err != nil {
		b.log.Warn("dropping MQTT send request", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	go func() {
		if r := <-done; r.Err != nil {
			b.log.Warn("MQTT send request failed", zap.Error(r.Err))
		}
	}()
}

func (b *Bridge) parseSend(data []byte) ([]byte, rylr.Address) {
	var req SendRequest
	if err := json.Unmarshal(data, &req); err == nil && req.Payload != "" {
		target := b.defaultTarget
		if req.Target != nil && *req.Target >= 0 && *req.Target <= rylr.MaxAddress {
			target = rylr.Address(*req.Target)
		}
		return []byte(req.Payload), target
	}
	return []byte(strings.TrimSpace(string(data))), b.defaultTarget
}

func (b *Bridge) publish(suffix string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("MQTT payload encoding failed", zap.String("topic", suffix), zap.Error(err))
		return
	}
	// fire and forget; the control loop must not wait on the broker
	b.client.Publish(b.topic(suffix), b.cfg.QoS, false, data)
}

type telemetryMessage struct {
	Time     time.Time         `json:"time"`
	Sender   uint16            `json:"sender"`
	Raw      string            `json:"raw"`
	Fields   map[string]string `json:"fields"`
	RSSI     int               `json:"rssi"`
	SNR      int               `json:"snr"`
	Sequence *uint64           `json:"seq,omitempty"`
	Class    string            `json:"class,omitempty"`
	Lost     uint64            `json:"lost,omitempty"`
}

func (b *Bridge) Telemetry(t link.Telemetry) {
	msg := telemetryMessage{
		Time:   t.Time,
		Sender: uint16(t.Sender),
		Raw:    t.Raw,
		Fields: make(map[string]string, len(t.Fields)),
		RSSI:   t.RSSI,
		SNR:    t.SNR,
		Lost:   t.Lost,
	}
	for _, f := range t.Fields {
		msg.Fields[f.Key] = f.Value
	}
	if t.HasSequence {
		seq := t.Sequence
		msg.Sequence = &seq
		msg.Class = t.Class.String()
	}
	b.publish(TopicTelemetry, msg)
}

type eventMessage struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
}

func (b *Bridge) Event(e link.Event) {
	msg := eventMessage{Time: e.Time, Kind: e.Kind.String(), Message: e.Message}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	b.publish(TopicEvent, msg)
}

type statusMessage struct {
	Time             time.Time `json:"time"`
	State            string    `json:"state"`
	SpreadingFactor  int       `json:"sf"`
	RSSI             int       `json:"rssi"`
	SNR              int       `json:"snr"`
	RSSIAvg          float64   `json:"rssi_avg"`
	Received         uint64    `json:"received"`
	Lost             uint64    `json:"lost"`
	Duplicate        uint64    `json:"duplicate"`
	OutOfOrder       uint64    `json:"out_of_order"`
	LossPercent      float64   `json:"loss_percent"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	Exhausted        bool      `json:"exhausted"`
}

// Status publishes at most once per StatusInterval, and immediately on
// a state change.
func (b *Bridge) Status(st link.Status) {
	changed := !st.Health.StateChangeTime.IsZero() && st.Health.StateChangeTime.After(b.lastStatus)
	if !changed && st.Time.Sub(b.lastStatus) < b.cfg.StatusInterval {
		return
	}
	b.lastStatus = st.Time
	b.publish(TopicStatus, statusMessage{
		Time:             st.Time,
		State:            st.Health.State.String(),
		SpreadingFactor:  st.SpreadingFactor,
		RSSI:             st.LastRSSI,
		SNR:              st.LastSNR,
		RSSIAvg:          st.Health.RSSI.Avg,
		Received:         st.Sequence.Received,
		Lost:             st.Sequence.Lost,
		Duplicate:        st.Sequence.Duplicate,
		OutOfOrder:       st.Sequence.OutOfOrder,
		LossPercent:      st.Sequence.LossPercent(),
		RecoveryAttempts: st.Health.RecoveryAttempts,
		Exhausted:        st.Exhausted,
	})
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}
