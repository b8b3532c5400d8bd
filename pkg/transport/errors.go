// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"fmt"
)

var (
	ErrOpen               = errors.New("failed to open modem channel")
	ErrNotOpen            = errors.New("modem channel not open")
	ErrUnresponsive       = errors.New("modem unresponsive")
	ErrAddressRejected    = errors.New("modem rejected address")
	ErrNetworkIDRejected  = errors.New("modem rejected network ID")
	ErrParametersRejected = errors.New("modem rejected RF parameters")
	ErrCommandTimeout     = errors.New("no response from modem")
	ErrSendTimeout        = errors.New("send timed out")
	ErrSendRejected       = errors.New("send rejected by modem")
)

// InitError reports the bring-up step that failed.
type InitError struct {
	Step     string
	Response string
	Err      error
}

func (e *InitError) Error() string {
	if e.Response != "" {
		return fmt.Sprintf("initialize: %s: %v (response %q)", e.Step, e.Err, e.Response)
	}
	return fmt.Sprintf("initialize: %s: %v", e.Step, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
