// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rylr

import (
	"bytes"
	"fmt"
	"strconv"
)

// EncodeSend builds AT+SEND=<address>,<length>,<payload>.
// The length field counts bytes. Payloads larger than MaxPayloadSize or
// containing CR/LF are rejected since the modem would truncate the line
// and the declared length would no longer match.
func EncodeSend(address Address, payload []byte) (string, error) {
	if err := ValidatePayload(payload); err != nil {
		return "", err
	}
	return CmdSend + strconv.Itoa(int(address)) + "," + strconv.Itoa(len(payload)) + "," + string(payload), nil
}

// ValidatePayload checks that payload can be carried by a single AT+SEND.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	if bytes.ContainsAny(payload, "\r\n") {
		return ErrPayloadDelimiter
	}
	return nil
}

// EncodeAddress builds AT+ADDRESS=<n>.
func EncodeAddress(address Address) string {
	return CmdAddress + strconv.Itoa(int(address))
}

// EncodeNetworkID builds AT+NETWORKID=<n>.
func EncodeNetworkID(id uint8) (string, error) {
	if id > MaxNetworkID {
		return "", fmt.Errorf("%w: network ID %d (max %d)", ErrInvalidParameter, id, MaxNetworkID)
	}
	return CmdNetworkID + strconv.Itoa(int(id)), nil
}

// EncodeParameters builds AT+PARAMETER=<sf>,<bw>,<cr>,<preamble>.
func EncodeParameters(p Parameters) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return CmdParameter + p.String(), nil
}

// FormatReceived renders a frame the way the modem reports it:
// +RCV=<sender>,<length>,<data>,<rssi>,<snr>
func FormatReceived(sender Address, payload []byte, rssi, snr int) string {
	return fmt.Sprintf("%s%d,%d,%s,%d,%d", RespReceived, sender, len(payload), payload, rssi, snr)
}
