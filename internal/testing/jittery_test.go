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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainJittery reads until the backend is empty, recording chunk sizes
func drainJittery(t *testing.T, j *JitteryTransport, maxLen int) (data []byte, sizes []int) {
	t.Helper()
	for {
		chunk, err := j.Read(maxLen, time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, ErrTimeout)
			return data, sizes
		}
		data = append(data, chunk...)
		sizes = append(sizes, len(chunk))
	}
}

func TestJitteryTransportPreservesBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config JitterConfig
	}{
		{name: "pass through", config: JitterConfig{Seed: 1}},
		{name: "fragmented", config: JitterConfig{Seed: 12345, FragmentReads: true}},
		{name: "fragmented with latency", config: JitterConfig{Seed: 7, FragmentReads: true, MaxLatency: time.Millisecond}},
		{name: "usb boundaries", config: JitterConfig{Seed: 3, USBBoundaryStress: true}},
	}

	want := withAck(responseFrame(0x03, 0x33, 0x01, 0x30, 0x07))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j := NewJitteryTransport(NewVirtualReader(), tt.config)
			require.NoError(t, j.Write(hostFrame(0x02)))

			got, _ := drainJittery(t, j, 512)
			assert.Equal(t, want, got)
		})
	}
}

func TestJitteryTransportFragments(t *testing.T) {
	t.Parallel()

	j := NewJitteryTransport(NewVirtualReader(), JitterConfig{Seed: 42, FragmentReads: true, FragmentMinBytes: 2})
	require.NoError(t, j.Write(hostFrame(0x02)))

	_, sizes := drainJittery(t, j, 512)
	assert.Greater(t, len(sizes), 1, "response arrives in more than one chunk")
	for _, n := range sizes[:len(sizes)-1] {
		assert.GreaterOrEqual(t, n, 2)
	}
}

// staticConn serves data once, then times out
type staticConn struct {
	data []byte
}

func (*staticConn) Write([]byte) error { return nil }

func (c *staticConn) Read(maxLen int, _ time.Duration) ([]byte, error) {
	if len(c.data) == 0 {
		return nil, ErrTimeout
	}
	n := min(maxLen, len(c.data))
	out := c.data[:n]
	c.data = c.data[n:]
	return out, nil
}

func (*staticConn) Close() error { return nil }

func TestJitteryTransportUSBBoundary(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(i)
	}
	j := NewJitteryTransport(&staticConn{data: payload}, JitterConfig{Seed: 9, USBBoundaryStress: true})

	data, sizes := drainJittery(t, j, 512)
	assert.Equal(t, payload, data)
	assert.Equal(t, []int{64, 64, 22}, sizes)
}

func TestJitteryTransportStall(t *testing.T) {
	t.Parallel()

	j := NewJitteryTransport(NewVirtualReader(), JitterConfig{
		Seed:            5,
		FragmentReads:   true,
		StallAfterBytes: 4,
		StallDuration:   20 * time.Millisecond,
	})
	require.NoError(t, j.Write(hostFrame(0x02)))

	start := time.Now()
	got, _ := drainJittery(t, j, 512)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Len(t, got, len(withAck(responseFrame(0x03, 0x33, 0x01, 0x30, 0x07))))

	j.ResetStallState()
	assert.False(t, j.stallTriggered)
	assert.Zero(t, j.bytesRead)
}

func TestJitteryTransportClose(t *testing.T) {
	t.Parallel()

	r := NewVirtualReader()
	j := NewJitteryTransport(r, DefaultJitterConfig())
	require.NoError(t, j.Close())
	assert.True(t, r.IsClosed())
}
