// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rylr

import (
	"errors"
	"fmt"
)

var (
	ErrNotAFrame        = errors.New("not a +RCV frame")
	ErrMalformedFrame   = errors.New("malformed +RCV frame")
	ErrPayloadTooLarge  = errors.New("payload exceeds modem maximum")
	ErrPayloadDelimiter = errors.New("payload contains line delimiter")
	ErrNotACommand      = errors.New("payload is not a CMD: packet")
	ErrInvalidParameter = errors.New("invalid modem parameter")
)

// FrameError describes why a +RCV= line could not be decoded.
// It matches both ErrMalformedFrame and ErrNotAFrame with errors.Is.
type FrameError struct {
	Line   string
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed +RCV frame: %s (line %q)", e.Reason, e.Line)
}

func (e *FrameError) Is(target error) bool {
	return target == ErrMalformedFrame || target == ErrNotAFrame
}
