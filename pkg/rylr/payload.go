// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rylr

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Field is one KEY:VALUE pair of an application payload.
type Field struct {
	Key   string
	Value string
}

// Payload is an ordered list of KEY:VALUE pairs, e.g. SEQ:42,LED:1,TOUCH:0.
type Payload []Field

// ParsePayload splits a telemetry payload into fields. Fragments without
// a key separator are kept with an empty value.
func ParsePayload(data []byte) Payload {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	parts := strings.Split(text, PairSeparator)
	payload := make(Payload, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, KeySeparator)
		payload = append(payload, Field{Key: key, Value: value})
	}
	return payload
}

// Get returns the value of the first field named key.
func (p Payload) Get(key string) (string, bool) {
	for _, f := range p {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Int returns the value of key parsed as an integer.
func (p Payload) Int(key string) (int, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Sequence returns the SEQ field, if present and numeric.
func (p Payload) Sequence() (int, bool) {
	return p.Int(SequenceKey)
}

// Append adds a field and returns the extended payload.
func (p Payload) Append(key, value string) Payload {
	return append(p, Field{Key: key, Value: value})
}

// String renders the payload in wire form. Fields with an empty value
// are written as a bare key.
func (p Payload) String() string {
	var b strings.Builder
	for i, f := range p {
		if i > 0 {
			b.WriteString(PairSeparator)
		}
		b.WriteString(f.Key)
		if f.Value != "" {
			b.WriteString(KeySeparator)
			b.WriteString(f.Value)
		}
	}
	return b.String()
}

// Bytes renders the payload and checks it fits a single AT+SEND.
func (p Payload) Bytes() ([]byte, error) {
	data := []byte(p.String())
	if err := ValidatePayload(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Command is a CMD:<name>[:<arg>] control packet.
type Command struct {
	Name string
	Arg  string
}

// NewCommand builds a command with an integer argument.
func NewCommand(name string, arg int) Command {
	return Command{Name: name, Arg: strconv.Itoa(arg)}
}

// IsCommand reports whether data is a control packet.
func IsCommand(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte(CommandPrefix))
}

// ParseCommand decodes CMD:<name>[:<arg>].
func ParseCommand(data []byte) (Command, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, CommandPrefix) {
		return Command{}, ErrNotACommand
	}
	body := text[len(CommandPrefix):]
	name, arg, _ := strings.Cut(body, KeySeparator)
	if name == "" {
		return Command{}, fmt.Errorf("%w: empty command name", ErrNotACommand)
	}
	return Command{Name: name, Arg: arg}, nil
}

// IntArg parses the argument as an integer.
func (c Command) IntArg() (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(c.Arg))
	if err != nil {
		return 0, fmt.Errorf("command %s: invalid argument %q", c.Name, c.Arg)
	}
	return n, nil
}

// String renders the command in wire form.
func (c Command) String() string {
	if c.Arg == "" {
		return CommandPrefix + c.Name
	}
	return CommandPrefix + c.Name + KeySeparator + c.Arg
}

// Bytes renders the command as a payload.
func (c Command) Bytes() []byte {
	return []byte(c.String())
}
