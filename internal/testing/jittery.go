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

package testing

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Conn is the raw transport shape JitteryTransport wraps. VirtualReader
// satisfies it.
type Conn interface {
	Write(data []byte) error
	Read(maxLen int, timeout time.Duration) ([]byte, error)
	Close() error
}

// JitterConfig configures the behavior of JitteryTransport.
type JitterConfig struct {
	MaxLatency        time.Duration
	StallDuration     time.Duration
	FragmentMinBytes  int
	StallAfterBytes   int
	Seed              uint64
	FragmentReads     bool
	USBBoundaryStress bool
}

// DefaultJitterConfig returns a sensible default configuration for testing.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatency:       2 * time.Millisecond,
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryTransport wraps a Conn to simulate USB-UART bridges (FTDI, CH340)
// with unpredictable latency and fragmented delivery. Bytes are buffered,
// never dropped, so only the chunking and timing change.
type JitteryTransport struct {
	backend        Conn
	rng            *rand.Rand
	pending        []byte
	config         JitterConfig
	bytesRead      int
	mu             sync.Mutex
	stallTriggered bool
}

// NewJitteryTransport wraps backend with jitter simulation. A zero Seed
// picks a random one.
func NewJitteryTransport(backend Conn, config JitterConfig) *JitteryTransport {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64() //nolint:gosec // Test code, not crypto
	}
	if config.FragmentMinBytes < 1 {
		config.FragmentMinBytes = 1
	}

	return &JitteryTransport{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // Test code, not crypto
	}
}

// Write passes writes through to the backend without modification.
func (j *JitteryTransport) Write(data []byte) error {
	return j.backend.Write(data) //nolint:wrapcheck // Pass-through wrapper
}

// Read returns buffered backend bytes in jittered fragments.
func (j *JitteryTransport) Read(maxLen int, timeout time.Duration) ([]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.config.MaxLatency > 0 {
		if delay := time.Duration(j.rng.Int64N(int64(j.config.MaxLatency) + 1)); delay > 0 {
			time.Sleep(delay)
		}
	}

	if j.config.StallAfterBytes > 0 && !j.stallTriggered && j.bytesRead >= j.config.StallAfterBytes {
		j.stallTriggered = true
		time.Sleep(j.config.StallDuration)
	}

	if len(j.pending) == 0 {
		data, err := j.backend.Read(readChunkSize, timeout)
		if err != nil {
			return nil, err //nolint:wrapcheck // Pass-through wrapper
		}
		j.pending = data
	}

	n := min(maxLen, len(j.pending))

	// Cut at the next 64-byte USB packet boundary
	if j.config.USBBoundaryStress {
		n = min(n, usbPacketSize-j.bytesRead%usbPacketSize)
	}

	if j.config.FragmentReads && n > j.config.FragmentMinBytes {
		n = j.config.FragmentMinBytes + j.rng.IntN(n-j.config.FragmentMinBytes+1)
	}

	out := append([]byte(nil), j.pending[:n]...)
	j.pending = j.pending[n:]
	j.bytesRead += n
	return out, nil
}

// Close closes the backend
func (j *JitteryTransport) Close() error {
	return j.backend.Close() //nolint:wrapcheck // Pass-through wrapper
}

// ResetStallState resets the stall tracking state.
func (j *JitteryTransport) ResetStallState() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesRead = 0
	j.stallTriggered = false
}

const (
	readChunkSize = 512
	usbPacketSize = 64
)
