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

// Package i2c is a raw byte transport for a PN532 on an I2C bus. Each
// read transaction returns one whole frame behind a status byte; the
// transport trims it and hands the bytes to the pasori engine.
package i2c

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ZaparooProject/go-pasori"
	"github.com/ZaparooProject/go-pasori/internal/frame"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// PN532 7-bit I2C address (datasheet says 0x48, which is the 8-bit write
	// address including the R/W bit; periph.io and the Linux kernel expect the
	// 7-bit form: 0x48 >> 1 = 0x24).
	pn532Addr = 0x24

	pn532Ready = 0x01

	// Max clock frequency (400 kHz).
	maxClockFreq = 400 * physic.KiloHertz

	// maxFrameRead covers the preamble and the largest normal frame
	// (start code, LEN, LCS, 255 bytes, DCS, postamble).
	maxFrameRead = 1 + 6 + frame.MaxNormalLength

	minReadyDelay = time.Millisecond
	maxReadyDelay = 16 * time.Millisecond
)

// Transport implements the pasori.Transport interface for I2C communication
type Transport struct {
	dev     *i2c.Dev
	closer  io.Closer // Held so Close() can release the OS file descriptor
	busName string
	pending []byte
	mu      sync.Mutex
	closed  bool
}

// parseI2CPath extracts the bus path from a composite path.
// Accepts "/dev/i2c-1:0x24" or "/dev/i2c-1" (bare bus).
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// New opens busName and addresses the PN532 on it
func New(busName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(parseI2CPath(busName))
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}
	_ = bus.SetSpeed(maxClockFreq) // Ignore error, continue with default speed

	return newTransport(bus, busName), nil
}

func newTransport(bus i2c.Bus, busName string) *Transport {
	t := &Transport{
		dev:     &i2c.Dev{Addr: pn532Addr, Bus: bus},
		busName: busName,
	}
	if c, ok := bus.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// Write sends data in a single write transaction
func (t *Transport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return pasori.NewTransportClosedError("write", t.busName)
	}
	if err := t.dev.Tx(data, nil); err != nil {
		return pasori.NewTransportError("write", t.busName, err, pasori.ErrorTypeTransient)
	}
	return nil
}

// Read returns bytes of the next frame. A frame is fetched from the chip
// once it reports ready and is then handed out maxLen bytes at a time.
func (t *Transport) Read(maxLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, pasori.NewTransportClosedError("read", t.busName)
	}
	if len(t.pending) == 0 {
		if err := t.waitReady(timeout); err != nil {
			return nil, err
		}
		data, err := t.readFrame()
		if err != nil {
			return nil, err
		}
		t.pending = data
	}

	n := min(maxLen, len(t.pending))
	out := append([]byte(nil), t.pending[:n]...)
	t.pending = t.pending[n:]
	return out, nil
}

// waitReady polls the status byte with backoff until the chip has a frame
func (t *Transport) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	delay := minReadyDelay
	status := make([]byte, 1)

	var lastErr error
	for {
		err := t.dev.Tx(nil, status)
		switch {
		case err != nil:
			lastErr = err
		case status[0]&pn532Ready != 0:
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return pasori.NewTransportError("ready", t.busName, lastErr, pasori.ErrorTypeTransient)
			}
			return pasori.NewTimeoutError("read", t.busName)
		}
		time.Sleep(min(delay, remaining))
		delay = min(delay*2, maxReadyDelay)
	}
}

// readFrame reads a whole frame, stripping the status byte that the hardware
// prepends to every I2C read transaction (see datasheet section 6.2.4).
func (t *Transport) readFrame() ([]byte, error) {
	buf := make([]byte, 1+maxFrameRead)
	if err := t.dev.Tx(nil, buf); err != nil {
		return nil, pasori.NewTransportError("read", t.busName, err, pasori.ErrorTypeTransient)
	}
	if buf[0]&pn532Ready == 0 {
		return nil, pasori.NewTransportReadError("read", t.busName)
	}
	data := trimFrame(buf[1:])
	if len(data) == 0 {
		return nil, pasori.NewTransportReadError("read", t.busName)
	}
	return data, nil
}

// trimFrame drops the padding after the frame in a fixed-size read. A frame
// with a bad length checksum is cut after its header.
func trimFrame(data []byte) []byte {
	i := frame.LocateStart(data)
	if i < 0 {
		return nil
	}
	h, ok := frame.ParseHeader(data[i:])
	if !ok {
		return data
	}
	size := h.Size
	if !h.LengthValid {
		size = h.BodyOffset
	}
	return data[:min(i+size, len(data))]
}

// Close closes the transport connection and releases the I2C bus file descriptor.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.pending = nil
	if t.closer != nil {
		if err := t.closer.Close(); err != nil {
			return fmt.Errorf("failed to close I2C bus: %w", err)
		}
	}
	return nil
}

// Type returns the transport type
func (*Transport) Type() pasori.TransportType {
	return pasori.TransportI2C
}

// Ensure Transport implements pasori.Transport
var _ pasori.Transport = (*Transport)(nil)
