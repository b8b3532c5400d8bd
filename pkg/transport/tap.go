// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

// Direction of a line on the modem channel.
type Direction uint8

const (
	DirectionTx Direction = iota // host → modem
	DirectionRx                  // modem → host
)

func (d Direction) String() string {
	if d == DirectionTx {
		return "TX"
	}
	return "RX"
}

// Tap receives a copy of every line written to or read from the modem.
// Taps run on the caller's goroutine and must not block.
type Tap interface {
	Record(dir Direction, line string)
}

// TapFunc adapts a function to the Tap interface.
type TapFunc func(dir Direction, line string)

func (f TapFunc) Record(dir Direction, line string) {
	f(dir, line)
}

type multiTap []Tap

func (m multiTap) Record(dir Direction, line string) {
	for _, t := range m {
		t.Record(dir, line)
	}
}

// MultiTap fans a line out to every non-nil tap.
func MultiTap(taps ...Tap) Tap {
	var m multiTap
	for _, t := range taps {
		if t != nil {
			m = append(m, t)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}
