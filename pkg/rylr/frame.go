// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rylr

import "time"

// Frame is a decoded +RCV= line. It is consumed by the link layer
// immediately and never retained.
type Frame struct {
	Sender  Address
	Payload []byte
	RSSI    int // dBm
	SNR     int // dB

	// MetricsMalformed is set when RSSI or SNR were not numeric and
	// were replaced by zero.
	MetricsMalformed bool

	Timestamp time.Time
}

// Text returns the payload as a string.
func (f *Frame) Text() string {
	return string(f.Payload)
}

// IsCommand reports whether the frame carries a CMD: control packet.
func (f *Frame) IsCommand() bool {
	return IsCommand(f.Payload)
}
