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

// Package uart is a raw byte transport for a PN532 or RCS956 on a serial
// line in HSU mode. Framing is left to the pasori engine.
package uart

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ZaparooProject/go-pasori"
	"github.com/ZaparooProject/go-pasori/internal/frame"
	"go.bug.st/serial"
)

const (
	baudRate = 115200
	// wakeUpSize is the 0x55 preamble plus the zero padding the PN532 needs
	// to leave power-down before it listens
	wakeUpSize = 16
)

// port is the part of serial.Port the transport uses
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Transport implements the pasori.Transport interface for UART communication.
type Transport struct {
	port     port
	portName string
	mu       sync.Mutex
	closed   bool
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}

// minReadTimeout is the shortest read timeout the serial driver honours
func minReadTimeout() time.Duration {
	if isWindows() {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// windowsPostWriteDelay adds Windows-specific delay after write operations
func windowsPostWriteDelay() {
	if isWindows() {
		time.Sleep(15 * time.Millisecond)
	}
}

// New opens portName at 115200 8N1.
func New(portName string) (*Transport, error) {
	p, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open UART port %s: %w", portName, err)
	}
	return newTransport(p, portName), nil
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

func newTransport(p port, portName string) *Transport {
	return &Transport{port: p, portName: portName}
}

// Write sends data. Command frames are preceded by the HSU wake-up
// sequence; the ACK the host sends to abort a command is not.
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return pasori.NewTransportClosedError("write", t.portName)
	}
	if !bytes.Equal(data, frame.AckFrame) {
		if err := t.wakeUp(); err != nil {
			return err
		}
	}

	n, err := t.port.Write(data)
	if err != nil {
		return pasori.NewTransportError("write", t.portName, err, pasori.ErrorTypeTransient)
	}
	if n != len(data) {
		return pasori.NewTransportWriteError("write", t.portName)
	}
	windowsPostWriteDelay()
	return t.drainWithRetry("write")
}

// Read waits up to timeout for bytes from the controller.
func (t *Transport) Read(maxLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, pasori.NewTransportClosedError("read", t.portName)
	}
	if err := t.port.SetReadTimeout(max(timeout, minReadTimeout())); err != nil {
		return nil, fmt.Errorf("UART set timeout failed: %w", err)
	}

	buf := make([]byte, maxLen)
	n, err := t.port.Read(buf)
	if err != nil {
		if isInterruptedSystemCall(err) {
			return nil, pasori.NewTimeoutError("read", t.portName)
		}
		return nil, pasori.NewTransportError("read", t.portName, err, pasori.ErrorTypeTransient)
	}
	if n == 0 {
		return nil, pasori.NewTimeoutError("read", t.portName)
	}
	return buf[:n], nil
}

// Close closes the transport connection
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("UART close failed: %w", err)
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() pasori.TransportType {
	return pasori.TransportUART
}

// PortName returns the serial port the transport was opened on
func (t *Transport) PortName() string {
	return t.portName
}

// isInterruptedSystemCall checks if an error is caused by an interrupted system call
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// drainWithRetry performs port drain with retry logic for interrupted system calls
func (t *Transport) drainWithRetry(operation string) error {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	var err error
	for attempt := range maxRetries {
		err = t.port.Drain()
		if err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			return fmt.Errorf("UART %s drain failed: %w", operation, err)
		}
		if attempt < maxRetries-1 {
			time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, 4ms
		}
	}
	return fmt.Errorf("UART %s drain failed after %d retries: %w", operation, maxRetries, err)
}

// wakeUp wakes up the PN532 over UART
func (t *Transport) wakeUp() error {
	// Over UART, PN532 must be "woken up" by sending a 0x55
	// dummy byte and then waiting
	seq := make([]byte, wakeUpSize)
	seq[0] = 0x55
	n, err := t.port.Write(seq)
	if err != nil {
		return fmt.Errorf("UART wake up write failed: %w", err)
	}
	if n != wakeUpSize {
		return pasori.NewTransportWriteError("wakeUp", t.portName)
	}
	return t.drainWithRetry("wake up")
}

// Ensure Transport implements pasori.Transport
var _ pasori.Transport = (*Transport)(nil)
