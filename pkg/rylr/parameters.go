// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rylr

import (
	"fmt"
	"math"
	"time"
)

// Spreading factor bounds supported by the modem
const (
	MinSpreadingFactor = 7
	MaxSpreadingFactor = 12
)

// Bandwidth codes accepted by AT+PARAMETER
const (
	Bandwidth7_8kHz   uint8 = 0
	Bandwidth10_4kHz  uint8 = 1
	Bandwidth15_6kHz  uint8 = 2
	Bandwidth20_8kHz  uint8 = 3
	Bandwidth31_25kHz uint8 = 4
	Bandwidth41_7kHz  uint8 = 5
	Bandwidth62_5kHz  uint8 = 6
	Bandwidth125kHz   uint8 = 7
	Bandwidth250kHz   uint8 = 8
	Bandwidth500kHz   uint8 = 9
)

var bandwidthHz = [...]float64{7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000, 500000}

// Parameters are the RF settings applied with AT+PARAMETER.
type Parameters struct {
	SpreadingFactor int   // 7-12
	Bandwidth       uint8 // 0-9
	CodingRate      uint8 // 1-4 (4/5 .. 4/8)
	Preamble        uint8 // 4-7
}

// DefaultParameters is SF12 / 125 kHz / 4/5 / preamble 4: maximum range.
func DefaultParameters() Parameters {
	return Parameters{
		SpreadingFactor: MaxSpreadingFactor,
		Bandwidth:       Bandwidth125kHz,
		CodingRate:      1,
		Preamble:        4,
	}
}

// WithSpreadingFactor returns a copy of p using sf.
func (p Parameters) WithSpreadingFactor(sf int) Parameters {
	p.SpreadingFactor = sf
	return p
}

// Validate checks every field against the modem's accepted range.
func (p Parameters) Validate() error {
	switch {
	case p.SpreadingFactor < MinSpreadingFactor || p.SpreadingFactor > MaxSpreadingFactor:
		return fmt.Errorf("%w: spreading factor %d (valid %d-%d)", ErrInvalidParameter, p.SpreadingFactor, MinSpreadingFactor, MaxSpreadingFactor)
	case int(p.Bandwidth) >= len(bandwidthHz):
		return fmt.Errorf("%w: bandwidth code %d", ErrInvalidParameter, p.Bandwidth)
	case p.CodingRate < 1 || p.CodingRate > 4:
		return fmt.Errorf("%w: coding rate %d (valid 1-4)", ErrInvalidParameter, p.CodingRate)
	case p.Preamble < 4 || p.Preamble > 7:
		return fmt.Errorf("%w: preamble %d (valid 4-7)", ErrInvalidParameter, p.Preamble)
	}
	return nil
}

// String renders the AT+PARAMETER argument list.
func (p Parameters) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", p.SpreadingFactor, p.Bandwidth, p.CodingRate, p.Preamble)
}

// BandwidthHz returns the bandwidth in Hz, or 0 for an invalid code.
func (p Parameters) BandwidthHz() float64 {
	if int(p.Bandwidth) >= len(bandwidthHz) {
		return 0
	}
	return bandwidthHz[p.Bandwidth]
}

// AirTime estimates the time on air of a payload of n bytes using the
// Semtech LoRa modem formula with explicit header and CRC enabled.
// Low data rate optimisation is assumed when a symbol exceeds 16 ms.
func AirTime(p Parameters, n int) time.Duration {
	bw := p.BandwidthHz()
	if bw == 0 || p.SpreadingFactor <= 0 {
		return 0
	}
	sf := float64(p.SpreadingFactor)
	symbol := math.Exp2(sf) / bw // seconds

	de := 0.0
	if symbol > 0.016 {
		de = 1
	}

	preamble := (float64(p.Preamble) + 4.25) * symbol
	num := 8*float64(n) - 4*sf + 28 + 16
	den := 4 * (sf - 2*de)
	payloadSymbols := 8 + math.Max(math.Ceil(num/den)*float64(p.CodingRate+4), 0)

	seconds := preamble + payloadSymbols*symbol
	return time.Duration(seconds * float64(time.Second))
}
