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

package uart

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ZaparooProject/go-pasori"
	virt "github.com/ZaparooProject/go-pasori/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is a serial port wired to a virtual RCS956. Like the real
// driver it reports a read timeout as (0, nil).
type fakePort struct {
	reader     *virt.VirtualReader
	drainErrs  []error
	writes     [][]byte
	timeouts   []time.Duration
	shortWrite bool
	mu         sync.Mutex
	closed     bool
}

func newFakePort() *fakePort {
	reader := virt.NewVirtualReader()
	reader.SetCard(virt.NewNDEFCard([8]byte{0x01, 0x2E, 0x3D, 0x4C, 0x5B, 0x6A, 0x79, 0x88}, 8))
	return &fakePort{reader: reader}
}

func (p *fakePort) Read(b []byte) (int, error) {
	data, err := p.reader.Read(len(b), 0)
	if errors.Is(err, virt.ErrTimeout) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	short := p.shortWrite
	p.mu.Unlock()
	if short {
		return len(b) - 1, nil
	}
	if err := p.reader.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.drainErrs) == 0 {
		return nil
	}
	err := p.drainErrs[0]
	p.drainErrs = p.drainErrs[1:]
	return err
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, t)
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestTransportDrivesDevice(t *testing.T) {
	t.Parallel()

	p := newFakePort()
	device, err := pasori.New(newTransport(p, "/dev/ttyFAKE"))
	require.NoError(t, err)
	require.NoError(t, device.Init(context.Background()))

	target, err := device.Poll(context.Background(), pasori.NewPolling(pasori.SystemCodeNDEF))
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, pasori.IDm{0x01, 0x2E, 0x3D, 0x4C, 0x5B, 0x6A, 0x79, 0x88}, target.IDm)

	require.NoError(t, device.Close())
	assert.True(t, p.closed)
}

func TestWriteWakesController(t *testing.T) {
	t.Parallel()

	p := newFakePort()
	tr := newTransport(p, "/dev/ttyFAKE")

	cmd := []byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD4, 0x02, 0x2A, 0x00}
	require.NoError(t, tr.Write(cmd))
	require.Len(t, p.writes, 2)
	assert.Len(t, p.writes[0], wakeUpSize)
	assert.Equal(t, byte(0x55), p.writes[0][0])
	assert.Equal(t, cmd, p.writes[1])

	// An abort ACK goes out on its own
	require.NoError(t, tr.Write([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}))
	assert.Len(t, p.writes, 3)
}

func TestReadTimeouts(t *testing.T) {
	t.Parallel()

	p := newFakePort()
	tr := newTransport(p, "/dev/ttyFAKE")

	_, err := tr.Read(64, time.Millisecond)
	require.Error(t, err)
	assert.True(t, pasori.IsTimeout(err))
	assert.Equal(t, []time.Duration{minReadTimeout()}, p.timeouts, "timeout is clamped to the driver minimum")

	_, _ = tr.Read(64, time.Second)
	assert.Equal(t, time.Second, p.timeouts[1])
}

func TestReadReturnsAvailableBytes(t *testing.T) {
	t.Parallel()

	p := newFakePort()
	tr := newTransport(p, "/dev/ttyFAKE")
	require.NoError(t, tr.Write([]byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD4, 0x02, 0x2A, 0x00}))

	ack, err := tr.Read(6, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}, ack)

	resp, err := tr.Read(64, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x03, 0x33}, resp[5:8])
}

func TestShortWrite(t *testing.T) {
	t.Parallel()

	p := newFakePort()
	p.shortWrite = true
	tr := newTransport(p, "/dev/ttyFAKE")

	err := tr.Write([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00})
	require.ErrorIs(t, err, pasori.ErrTransportWrite)
}

func TestDrainRetriesInterruptedCalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr   error
		name      string
		drainErrs []error
	}{
		{name: "recovers", drainErrs: []error{syscall.EINTR}},
		{name: "gives up", drainErrs: []error{syscall.EINTR, syscall.EINTR, syscall.EINTR}, wantErr: syscall.EINTR},
		{name: "hard failure", drainErrs: []error{syscall.EIO}, wantErr: syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newFakePort()
			p.drainErrs = tt.drainErrs
			tr := newTransport(p, "/dev/ttyFAKE")

			err := tr.drainWithRetry("test")
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIsInterruptedSystemCall(t *testing.T) {
	t.Parallel()

	assert.False(t, isInterruptedSystemCall(nil))
	assert.True(t, isInterruptedSystemCall(syscall.EINTR))
	assert.True(t, isInterruptedSystemCall(errors.New("read: EINTR")))
	assert.False(t, isInterruptedSystemCall(errors.New("device not configured")))
}

func TestClose(t *testing.T) {
	t.Parallel()

	p := newFakePort()
	tr := newTransport(p, "/dev/ttyFAKE")
	assert.Equal(t, pasori.TransportUART, tr.Type())
	assert.Equal(t, "/dev/ttyFAKE", tr.PortName())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, p.closed)

	err := tr.Write([]byte{0x00})
	require.ErrorIs(t, err, pasori.ErrTransportClosed)
	_, err = tr.Read(1, time.Millisecond)
	require.ErrorIs(t, err, pasori.ErrTransportClosed)
	assert.True(t, pasori.IsFatal(err))
}
