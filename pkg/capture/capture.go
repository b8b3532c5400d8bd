// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records modem traffic as a CBOR sequence: a header
// followed by one record per AT line.
package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/loralink/pkg/transport"
)

const (
	Magic   = "loralink-capture"
	Version = 1
)

var ErrNotACapture = errors.New("not a loralink capture")

// Header is the first item of a capture.
type Header struct {
	Magic   string `cbor:"1,keyasint"`
	Version uint   `cbor:"2,keyasint"`
	Started int64  `cbor:"3,keyasint"` // unix nanoseconds
	Source  string `cbor:"4,keyasint,omitempty"`
}

// Record is one line on the modem channel.
type Record struct {
	Time      int64               `cbor:"1,keyasint"` // unix nanoseconds
	Direction transport.Direction `cbor:"2,keyasint"`
	Line      string              `cbor:"3,keyasint"`
}

// At returns the record time.
func (r Record) At() time.Time {
	return time.Unix(0, r.Time)
}

// Writer appends records. It implements transport.Tap; the first write
// error is kept and later records are dropped.
type Writer struct {
	enc   *cbor.Encoder
	clock func() time.Time
	count uint64
	err   error
}

// NewWriter writes the header and returns a Writer.
func NewWriter(w io.Writer, source string) (*Writer, error) {
	cw := &Writer{enc: cbor.NewEncoder(w), clock: time.Now}
	h := Header{Magic: Magic, Version: Version, Started: cw.clock().UnixNano(), Source: source}
	if err := cw.enc.Encode(h); err != nil {
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return cw, nil
}

// Record implements transport.Tap.
func (w *Writer) Record(dir transport.Direction, line string) {
	if w.err != nil {
		return
	}
	w.WriteRecord(Record{Time: w.clock().UnixNano(), Direction: dir, Line: line})
}

// WriteRecord appends a record with its own timestamp.
func (w *Writer) WriteRecord(rec Record) error {
	if w.err != nil {
		return w.err
	}
	if err := w.enc.Encode(rec); err != nil {
		w.err = fmt.Errorf("write capture record: %w", err)
		return w.err
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 { return w.count }

// Err returns the first write error.
func (w *Writer) Err() error { return w.err }

// Reader iterates a capture.
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the header.
func NewReader(r io.Reader) (*Reader, error) {
	cr := &Reader{dec: cbor.NewDecoder(r)}
	if err := cr.dec.Decode(&cr.header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotACapture, err)
	}
	if cr.header.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrNotACapture, cr.header.Magic)
	}
	if cr.header.Version != Version {
		return nil, fmt.Errorf("unsupported capture version %d", cr.header.Version)
	}
	return cr, nil
}

// Header returns the capture header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF at the end.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("read capture record: %w", err)
	}
	return rec, nil
}
