// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"time"

	"github.com/Thermoquad/loralink/pkg/adaptivesf"
	"github.com/Thermoquad/loralink/pkg/health"
	"github.com/Thermoquad/loralink/pkg/rylr"
	"github.com/Thermoquad/loralink/pkg/sequence"
	"github.com/Thermoquad/loralink/pkg/transport"
)

// Telemetry is a received non-command payload.
type Telemetry struct {
	Time   time.Time
	Sender rylr.Address
	Raw    string
	Fields rylr.Payload
	RSSI   int
	SNR    int

	HasSequence bool
	Sequence    uint64
	Class       sequence.Class
	Lost        uint64
}

// EventKind classifies link events.
type EventKind uint8

const (
	EventStateChange EventKind = iota
	EventSFChange
	EventSFRevert
	EventRecovery
	EventRecoveryFailed
	EventRecoveryExhausted
	EventCommand
	EventPong
	EventSendFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "STATE"
	case EventSFChange:
		return "SF_CHANGE"
	case EventSFRevert:
		return "SF_REVERT"
	case EventRecovery:
		return "RECOVERY"
	case EventRecoveryFailed:
		return "RECOVERY_FAILED"
	case EventRecoveryExhausted:
		return "RECOVERY_EXHAUSTED"
	case EventCommand:
		return "COMMAND"
	case EventPong:
		return "PONG"
	case EventSendFailed:
		return "SEND_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event is a notable change on the link.
type Event struct {
	Time    time.Time
	Kind    EventKind
	Message string
	From    rylr.Address // peer that caused it, if any
	Err     error
}

// Status is the queryable state of the link, published every tick.
type Status struct {
	Time         time.Time
	Address      rylr.Address
	Peer         rylr.Address
	ModemVersion string

	Health     health.Snapshot
	Sequence   sequence.State
	SF         adaptivesf.State
	Statistics Statistics
	Transport  transport.Stats

	SpreadingFactor int
	Heard           bool
	LastInbound     time.Time
	LastRSSI        int
	LastSNR         int
	TelemetrySeq    uint64

	// Exhausted is set while the link is LOST with no recovery attempts
	// left; manual intervention is required.
	Exhausted bool
}

// Observer receives link output. Calls are made from the control loop
// and must not block.
type Observer interface {
	Telemetry(Telemetry)
	Event(Event)
	Status(Status)
}

// NopObserver can be embedded to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) Telemetry(Telemetry) {}
func (NopObserver) Event(Event)         {}
func (NopObserver) Status(Status)       {}
