// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rylr

// Line framing
const (
	LineEnding     = "\r\n"
	FieldSeparator = ','
)

// Limits
const (
	MaxPayloadSize   = 240 // AT+SEND payload limit of the RYLR896
	BroadcastAddress = Address(0)
	MaxAddress       = 65535
	MaxNetworkID     = 16
)

// Commands (host → modem)
const (
	CmdProbe     = "AT"
	CmdReset     = "AT+RESET"
	CmdVersion   = "AT+VER?"
	CmdSend      = "AT+SEND="
	CmdAddress   = "AT+ADDRESS="
	CmdNetworkID = "AT+NETWORKID="
	CmdParameter = "AT+PARAMETER="
)

// Responses (modem → host)
const (
	RespOK       = "OK"
	RespPlusOK   = "+OK"
	RespReady    = "READY"
	RespReceived = "+RCV="
	RespError    = "+ERR="
	RespVersion  = "+VER="
)

// Application payload grammar
const (
	PairSeparator  = ","
	KeySeparator   = ":"
	CommandPrefix  = "CMD:"
	SequenceKey    = "SEQ"
	CommandSFSet   = "SF_CHANGE"
	CommandSFAck   = "SF_ACK"
	CommandPing    = "PING"
	CommandPong    = "PONG"
	CommandStatus  = "STATUS"
	CommandReset   = "RESET_STATS"
	CommandForceSF = "SET_SF"
)

// Address identifies an endpoint on the radio network (0 = broadcast).
type Address uint16

// Modem result codes reported as +ERR=<code>
const (
	ErrCodeNoEnter       = 1  // missing CR/LF after command
	ErrCodeNoAT          = 2  // command does not start with AT
	ErrCodeNoEquals      = 3  // missing '=' in command
	ErrCodeUnknown       = 4  // unknown command
	ErrCodeTxOverTime    = 10 // transmit over time
	ErrCodeRxOverTime    = 11 // receive over time
	ErrCodeCRC           = 12 // CRC error
	ErrCodeTxOverRun     = 13 // payload over 240 bytes
	ErrCodeUnknownFailed = 15 // unknown error
)

// FormatErrorCode returns a readable name for a modem result code.
func FormatErrorCode(code int) string {
	switch code {
	case ErrCodeNoEnter:
		return "NO_ENTER"
	case ErrCodeNoAT:
		return "NO_AT"
	case ErrCodeNoEquals:
		return "NO_EQUALS"
	case ErrCodeUnknown:
		return "UNKNOWN_COMMAND"
	case ErrCodeTxOverTime:
		return "TX_OVER_TIME"
	case ErrCodeRxOverTime:
		return "RX_OVER_TIME"
	case ErrCodeCRC:
		return "CRC_ERROR"
	case ErrCodeTxOverRun:
		return "TX_OVER_RUN"
	case ErrCodeUnknownFailed:
		return "UNKNOWN_ERROR"
	default:
		return "UNKNOWN"
	}
}
