// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tlsfrag

import (
	"errors"
	"fmt"
	"io"
)

// Fragment splits the handshake payload of a TLS record into records of at most chunkSize payload bytes.
// Each fragment gets its own header advertising version, or the version of record if version is zero.
func Fragment(record []byte, chunkSize int, version uint16) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	buf := newClientHelloBuffer()
	if _, err := buf.Write(record); !errors.Is(err, errTLSClientHelloFullyReceived) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if len(record) != buf.len {
		return nil, errors.New("trailing data after TLS record")
	}
	return fragment(buf.Bytes(), chunkSize, version), nil
}

// fragment assumes record holds a complete, validated handshake record.
func fragment(record []byte, chunkSize int, version uint16) [][]byte {
	if version == 0 {
		version = getTLSVersion(record)
	}
	payload := record[recordHeaderLen:]
	frags := make([][]byte, 0, (len(payload)+chunkSize-1)/chunkSize)
	for len(payload) > 0 {
		n := min(chunkSize, len(payload))
		frag := make([]byte, recordHeaderLen+n)
		putRecordHeader(frag, version, n)
		copy(frag[recordHeaderLen:], payload[:n])
		frags = append(frags, frag)
		payload = payload[n:]
	}
	return frags
}

// clientHelloFragWriter intercepts the initial TLS Client Hello record and splits it into records of at most
// chunkSize bytes, each written to the base [io.Writer] with its own Write call. Subsequent data is not
// modified and is directly transmitted through the base [io.Writer].
type clientHelloFragWriter struct {
	base      io.Writer
	chunkSize int
	version   uint16
	done      bool
	buf       *clientHelloBuffer
}

var _ io.Writer = (*clientHelloFragWriter)(nil)

// NewWriter creates an [io.Writer] that fragments the first TLS Client Hello record written to it, then writes
// these records and all subsequent data to base. Fragments advertise version in their header, or keep the
// version of the original record if version is zero.
// If the first data isn't a TLS handshake record, it's written to base unmodified.
// A non-positive chunkSize disables fragmentation and returns base itself.
func NewWriter(base io.Writer, chunkSize int, version uint16) (io.Writer, error) {
	if base == nil {
		return nil, errors.New("base writer must not be nil")
	}
	if chunkSize <= 0 {
		return base, nil
	}
	if version != 0 && !isValidTLSVersion(version) {
		return nil, fmt.Errorf("invalid TLS version %#04x", version)
	}
	return &clientHelloFragWriter{
		base:      base,
		chunkSize: chunkSize,
		version:   version,
		buf:       newClientHelloBuffer(),
	}, nil
}

// Write implements [io.Writer]. It buffers the data of the first Write call(s) until a complete TLS handshake
// record is received.
//
// Internally, this function maintains a state machine with the following states:
//   - S: reading the first client hello record and appending the data to w.buf
//   - F: the first client hello record has been read, fragmenting and writing to w.base
//   - T: forwarding all remaining data without modification
//
// Here is the transition graph:
//
//	S ----(full handshake read)----> F -----> T
//	|                                         ^
//	|                                         |
//	+-----(invalid TLS handshake)-------------+
func (w *clientHelloFragWriter) Write(p []byte) (int, error) {
	// T: optimize to have fewer comparisons for the most common case.
	if w.done {
		return w.base.Write(p)
	}

	// S
	prevLen := w.buf.len
	nr, e := w.buf.Write(p)
	switch {
	case errors.Is(e, errInvalidTLSClientHello):
		// S -> T: everything buffered so far, including this write, goes out unmodified.
		w.done = true
		buffered := w.buf.Bytes()[:prevLen]
		w.buf = nil
		if _, err := w.base.Write(buffered); err != nil {
			return 0, err
		}
		return w.base.Write(p)
	case e == nil:
		// S < x < F, wait for the next write
		return nr, nil
	}

	// F
	w.done = true
	frags := fragment(w.buf.Bytes(), w.chunkSize, w.version)
	w.buf = nil // allows the GC to recycle the memory
	for _, frag := range frags {
		if _, err := w.base.Write(frag); err != nil {
			return 0, err
		}
	}

	// * -> T
	if nr == len(p) {
		return nr, nil
	}
	m, err := w.base.Write(p[nr:])
	return nr + m, err
}
