// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rylr

import (
	"strconv"
	"strings"
	"time"
)

// DecodeReceived parses a +RCV=<sender>,<length>,<data>,<rssi>,<snr> line.
//
// The data field may contain the field separator, so it is extracted by
// the declared byte length and never split. Lines that are not +RCV=
// return ErrNotAFrame; truncated or inconsistent +RCV= lines return a
// *FrameError. Non-numeric RSSI/SNR decode as zero with
// Frame.MetricsMalformed set.
func DecodeReceived(line string) (*Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, RespReceived) {
		return nil, ErrNotAFrame
	}
	rest := line[len(RespReceived):]

	senderField, rest, ok := nextField(rest)
	if !ok {
		return nil, &FrameError{Line: line, Reason: "missing sender"}
	}
	sender, err := strconv.ParseUint(strings.TrimSpace(senderField), 10, 16)
	if err != nil {
		return nil, &FrameError{Line: line, Reason: "invalid sender " + strconv.Quote(senderField)}
	}

	lengthField, rest, ok := nextField(rest)
	if !ok {
		return nil, &FrameError{Line: line, Reason: "missing length"}
	}
	length, err := strconv.Atoi(strings.TrimSpace(lengthField))
	if err != nil || length < 0 {
		return nil, &FrameError{Line: line, Reason: "invalid length " + strconv.Quote(lengthField)}
	}
	if length > len(rest) {
		return nil, &FrameError{Line: line, Reason: "length exceeds line"}
	}

	data := rest[:length]
	rest = rest[length:]
	if len(rest) == 0 || rest[0] != FieldSeparator {
		return nil, &FrameError{Line: line, Reason: "missing RSSI/SNR after data"}
	}
	rest = rest[1:]

	rssiField, snrField, ok := nextField(rest)
	if !ok {
		return nil, &FrameError{Line: line, Reason: "missing SNR"}
	}

	frame := &Frame{
		Sender:    Address(sender),
		Payload:   []byte(data),
		Timestamp: time.Now(),
	}

	rssi, rssiErr := strconv.Atoi(strings.TrimSpace(rssiField))
	snr, snrErr := strconv.Atoi(strings.TrimSpace(snrField))
	if rssiErr != nil {
		rssi = 0
		frame.MetricsMalformed = true
	}
	if snrErr != nil {
		snr = 0
		frame.MetricsMalformed = true
	}
	frame.RSSI = rssi
	frame.SNR = snr

	return frame, nil
}

// nextField splits s at the first separator. ok is false if there is none.
func nextField(s string) (field, rest string, ok bool) {
	i := strings.IndexByte(s, FieldSeparator)
	if i < 0 {
		return "", s, false
	}
	return s[:i], s[i+1:], true
}

// IsOK reports whether a modem response is a success marker.
func IsOK(response string) bool {
	return strings.Contains(response, RespOK)
}

// IsReady reports whether a modem line is the post-reset READY marker.
func IsReady(line string) bool {
	return strings.Contains(line, RespReady)
}

// ErrorCode extracts n from a +ERR=n response.
func ErrorCode(response string) (int, bool) {
	i := strings.Index(response, RespError)
	if i < 0 {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(response[i+len(RespError):]))
	if err != nil {
		return 0, false
	}
	return code, true
}
