// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/loralink/pkg/adaptivesf"
	"github.com/Thermoquad/loralink/pkg/rylr"
)

func (n *Node) handleCommand(now time.Time, frame *rylr.Frame) {
	cmd, err := rylr.ParseCommand(frame.Payload)
	if err != nil {
		n.stats.CommandsRejected++
		n.log.Debug("rejecting command packet", zap.String("payload", frame.Text()), zap.Error(err))
		return
	}
	n.log.Debug("command received", zap.String("command", cmd.String()), zap.Uint16("from", uint16(frame.Sender)))

	if n.cfg.Features.AdaptiveSF {
		before := n.negotiator.CurrentSF()
		handled, err := n.negotiator.HandleCommand(now, cmd)
		if handled {
			n.commandResult(now, frame, cmd, err)
			if after := n.negotiator.CurrentSF(); after != before {
				n.emit(Event{Time: now, Kind: EventSFChange, From: frame.Sender,
					Message: fmt.Sprintf("SF%d -> SF%d (requested by peer)", before, after)})
			}
			return
		}
	}

	// PONG answers our own PING and is always accepted
	if cmd.Name == rylr.CommandPong {
		n.stats.CommandsExecuted++
		n.emit(Event{Time: now, Kind: EventPong, From: frame.Sender, Message: "PONG"})
		return
	}

	if !n.cfg.Features.RemoteCommands {
		n.stats.CommandsIgnored++
		n.log.Debug("remote commands disabled, ignoring", zap.String("command", cmd.Name))
		return
	}

	var cmdErr error
	switch cmd.Name {
	case rylr.CommandPing:
		cmdErr = n.Send(rylr.Command{Name: rylr.CommandPong}.Bytes(), frame.Sender)

	case rylr.CommandStatus:
		var data []byte
		data, cmdErr = n.statusPayload(now).Bytes()
		if cmdErr == nil {
			cmdErr = n.Send(data, frame.Sender)
		}

	case rylr.CommandReset:
		n.ResetStatistics(now)

	case rylr.CommandForceSF:
		cmdErr = n.forceSF(now, cmd)

	default:
		n.stats.CommandsRejected++
		n.log.Warn("unknown remote command", zap.String("command", cmd.Name))
		return
	}
	n.commandResult(now, frame, cmd, cmdErr)
}

func (n *Node) commandResult(now time.Time, frame *rylr.Frame, cmd rylr.Command, err error) {
	if err != nil {
		n.stats.CommandsRejected++
		n.emit(Event{Time: now, Kind: EventCommand, From: frame.Sender, Message: cmd.String() + " failed", Err: err})
		return
	}
	n.stats.CommandsExecuted++
	n.emit(Event{Time: now, Kind: EventCommand, From: frame.Sender, Message: cmd.String()})
}

func (n *Node) forceSF(now time.Time, cmd rylr.Command) error {
	sf, err := cmd.IntArg()
	if err != nil {
		return fmt.Errorf("%w: %v", adaptivesf.ErrSFRejected, err)
	}
	return n.ForceSpreadingFactor(now, sf)
}

// ForceSpreadingFactor switches to sf regardless of signal. With
// adaptive SF the change is announced to the peer; without it only the
// local modem changes.
func (n *Node) ForceSpreadingFactor(now time.Time, sf int) error {
	if n.cfg.Features.AdaptiveSF {
		return n.negotiator.Force(now, sf)
	}
	if !adaptivesf.Valid(sf) {
		return fmt.Errorf("%w: %d", adaptivesf.ErrSFRejected, sf)
	}
	return n.tr.SetSpreadingFactor(sf)
}

// ResetStatistics clears sequence state and packet statistics. It is
// the operator reset triggered by CMD:RESET_STATS.
func (n *Node) ResetStatistics(now time.Time) {
	n.tracker.Reset()
	n.stats = NewStatistics(now)
	n.log.Info("statistics reset")
}

// statusPayload renders the STATUS reply.
func (n *Node) statusPayload(now time.Time) rylr.Payload {
	seq := n.tracker.State()
	hs := n.monitor.Snapshot()
	return rylr.Payload{{Key: rylr.CommandStatus}}.
		Append("UPTIME", strconv.Itoa(int(now.Sub(n.stats.StartTime).Seconds()))+"s").
		Append("RSSI", strconv.Itoa(n.lastRSSI)).
		Append("SNR", strconv.Itoa(n.lastSNR)).
		Append("LOSS", strconv.FormatFloat(seq.LossPercent(), 'f', 2, 64)+"%").
		Append("STATE", hs.State.String()).
		Append("SF", strconv.Itoa(n.tr.SpreadingFactor())).
		Append("TX", strconv.FormatUint(n.stats.PacketsSent, 10)).
		Append("RX", strconv.FormatUint(n.stats.FramesReceived, 10))
}
