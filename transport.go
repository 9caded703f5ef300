// go-pasori
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pasori.
//
// go-pasori is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pasori is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pasori; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package pasori

import (
	"fmt"
	"sync"
	"time"
)

// Transport is a raw, half-duplex byte channel to a reader. Implementations
// live in transport/usb, transport/uart and transport/i2c; opening one is
// the job of each package's constructor.
//
// Read returns at most maxLen bytes and may return fewer. When nothing
// arrives within timeout it returns an error for which IsTimeout is true,
// typically one built with NewTimeoutError. Read never returns (nil, nil).
type Transport interface {
	// Write sends all of data or returns an error
	Write(data []byte) error

	// Read waits up to timeout for at least one byte
	Read(maxLen int, timeout time.Duration) ([]byte, error)

	// Close closes the transport connection
	Close() error
}

// Opener opens a transport. ConnectDevice takes one so the same reader can
// be opened again after it disappears.
type Opener func() (Transport, error)

// ModelTransport is implemented by transports that know which reader
// model they reach and which device options it needs.
type ModelTransport interface {
	Transport
	DeviceOptions() []Option
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUSB represents a PaSoRi attached over USB bulk endpoints.
	TransportUSB TransportType = "usb"
	// TransportUART represents a PN532 reached over HSU/serial.
	TransportUART TransportType = "uart"
	// TransportI2C represents a PN532 on an I2C bus.
	TransportI2C TransportType = "i2c"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// TypedTransport is implemented by transports that can report their type.
type TypedTransport interface {
	Transport
	Type() TransportType
}

// transportName returns a label for logs
func transportName(t Transport) string {
	if tt, ok := t.(TypedTransport); ok {
		return string(tt.Type())
	}
	return fmt.Sprintf("%T", t)
}

type mockRead struct {
	err  error
	data []byte
}

// MockTransport is an in-memory Transport that serves scripted reads and
// records every write. An empty read queue behaves like a silent device:
// Read returns a timeout error immediately instead of sleeping.
type MockTransport struct {
	onWrite func(data []byte)
	reads   []mockRead
	writes  [][]byte
	mu      sync.Mutex
	closed  bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Write implements Transport
func (m *MockTransport) Write(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return NewTransportClosedError("write", "mock")
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	m.writes = append(m.writes, dataCopy)
	hook := m.onWrite
	m.mu.Unlock()

	if hook != nil {
		hook(dataCopy)
	}
	return nil
}

// Read implements Transport
func (m *MockTransport) Read(maxLen int, _ time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewTransportClosedError("read", "mock")
	}
	if len(m.reads) == 0 {
		return nil, NewTimeoutError("read", "mock")
	}

	next := m.reads[0]
	if next.err != nil {
		m.reads = m.reads[1:]
		return nil, next.err
	}
	if maxLen > 0 && len(next.data) > maxLen {
		out := make([]byte, maxLen)
		copy(out, next.data[:maxLen])
		m.reads[0].data = next.data[maxLen:]
		return out, nil
	}
	m.reads = m.reads[1:]
	return next.data, nil
}

// Close implements Transport
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Type implements TypedTransport
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// QueueRead appends raw chunks to the read queue. Each chunk is returned
// by a single Read, split only when it exceeds maxLen.
func (m *MockTransport) QueueRead(chunks ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		chunk := make([]byte, len(c))
		copy(chunk, c)
		m.reads = append(m.reads, mockRead{data: chunk})
	}
}

// QueueError makes the next Read return err.
func (m *MockTransport) QueueError(err error) {
	m.mu.Lock()
	m.reads = append(m.reads, mockRead{err: err})
	m.mu.Unlock()
}

// QueueAck queues an ACK frame.
func (m *MockTransport) QueueAck() {
	m.QueueRead(AckFrame())
}

// QueueResponse queues a controller-to-host frame carrying payload.
func (m *MockTransport) QueueResponse(payload ...byte) {
	encoded, err := EncodeFrame(ControllerToHost, payload)
	if err != nil {
		panic(fmt.Sprintf("mock response does not encode: %v", err))
	}
	m.QueueRead(encoded)
}

// SetWriteHook registers a function called after every write. Tests use it
// to queue replies that depend on what the host sent.
func (m *MockTransport) SetWriteHook(hook func(data []byte)) {
	m.mu.Lock()
	m.onWrite = hook
	m.mu.Unlock()
}

// Writes returns copies of all frames written so far
func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// WriteCount returns how many writes were made
func (m *MockTransport) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// Pending returns the number of queued reads not yet consumed
func (m *MockTransport) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reads)
}

// IsClosed reports whether Close was called
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
