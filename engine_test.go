// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pasori

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var firmwareResponse = []byte{0x03, 0x33, 0x01, 0x30, 0x07}

func encodedResponse(t *testing.T, payload ...byte) []byte {
	t.Helper()
	encoded, err := EncodeFrame(ControllerToHost, payload)
	require.NoError(t, err)
	return encoded
}

func newTestEngine() (*Engine, *MockTransport) {
	mock := NewMockTransport()
	return NewEngine(mock, nil), mock
}

func TestEngineSendGetFirmwareVersion(t *testing.T) {
	t.Parallel()

	engine, mock := newTestEngine()
	mock.QueueAck()
	mock.QueueResponse(firmwareResponse...)

	resp, err := engine.Send(context.Background(), GetFirmwareVersion{})
	require.NoError(t, err)

	writes := mock.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD4, 0x02, 0x2A, 0x00}, writes[0])

	fw, ok := resp.Result.(*FirmwareVersion)
	require.True(t, ok)
	assert.Equal(t, byte(ICPN533), fw.IC)
	assert.Equal(t, firmwareResponse, resp.Raw)
	assert.Zero(t, mock.Pending())
}

func TestEngineReadChunking(t *testing.T) {
	t.Parallel()

	response := encodedResponse(t, firmwareResponse...)

	tests := []struct {
		name   string
		chunks func() [][]byte
	}{
		{
			name: "ack and response in one read",
			chunks: func() [][]byte {
				return [][]byte{append(AckFrame(), response...)}
			},
		},
		{
			name: "response split mid-header",
			chunks: func() [][]byte {
				return [][]byte{AckFrame(), response[:4], response[4:]}
			},
		},
		{
			name: "one byte per read",
			chunks: func() [][]byte {
				all := append(AckFrame(), response...)
				out := make([][]byte, len(all))
				for i := range all {
					out[i] = all[i : i+1]
				}
				return out
			},
		},
		{
			name: "line noise before ack",
			chunks: func() [][]byte {
				return [][]byte{{0xAA, 0x55, 0x13}, AckFrame(), response}
			},
		},
		{
			name: "ack split across reads",
			chunks: func() [][]byte {
				ack := AckFrame()
				return [][]byte{ack[:2], ack[2:], response}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, mock := newTestEngine()
			mock.QueueRead(tt.chunks()...)

			resp, err := engine.Send(context.Background(), GetFirmwareVersion{})
			require.NoError(t, err)
			assert.IsType(t, &FirmwareVersion{}, resp.Result)
			assert.Equal(t, 1, mock.WriteCount())
		})
	}
}

func TestEngineFailures(t *testing.T) {
	t.Parallel()

	response := encodedResponse(t, firmwareResponse...)
	corruptDCS := append([]byte(nil), response...)
	corruptDCS[len(corruptDCS)-2] ^= 0x01
	corruptLCS := append([]byte(nil), response...)
	corruptLCS[4] ^= 0x01

	tests := []struct {
		setup      func(m *MockTransport)
		check      func(t *testing.T, err error)
		name       string
		kind       ErrorKind
		wantWrites int
	}{
		{
			name:       "ack timeout",
			setup:      func(*MockTransport) {},
			kind:       Timeout,
			wantWrites: 1,
		},
		{
			name: "nack instead of ack",
			setup: func(m *MockTransport) {
				m.QueueRead(NackFrame())
			},
			kind:       UnexpectedFrameKind,
			wantWrites: 1,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNACKReceived)
			},
		},
		{
			name: "rcs956 nack instead of ack",
			setup: func(m *MockTransport) {
				m.QueueRead([]byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00})
			},
			kind:       UnexpectedFrameKind,
			wantWrites: 1,
		},
		{
			name: "error frame instead of ack",
			setup: func(m *MockTransport) {
				m.QueueRead([]byte{0x00, 0x00, 0xFF, 0x01, 0xFF, 0x7F, 0x81, 0x00})
			},
			kind:       ErrorFrameReceived,
			wantWrites: 1,
			check: func(t *testing.T, err error) {
				var pe *ProtocolError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, uint16(0x7F), pe.Code)
			},
		},
		{
			name: "response timeout sends abort",
			setup: func(m *MockTransport) {
				m.QueueAck()
			},
			kind:       Timeout,
			wantWrites: 2,
			check: func(t *testing.T, err error) {
				assert.True(t, IsTimeout(err))
			},
		},
		{
			name: "response stalls mid-frame",
			setup: func(m *MockTransport) {
				m.QueueAck()
				m.QueueRead(response[:6])
			},
			kind:       ShortRead,
			wantWrites: 1,
			check: func(t *testing.T, err error) {
				assert.False(t, IsTimeout(err))
				assert.ErrorIs(t, err, errStalled)
			},
		},
		{
			name: "corrupt data checksum",
			setup: func(m *MockTransport) {
				m.QueueAck()
				m.QueueRead(corruptDCS)
			},
			kind:       ChecksumMismatch,
			wantWrites: 1,
		},
		{
			name: "corrupt length checksum",
			setup: func(m *MockTransport) {
				m.QueueAck()
				m.QueueRead(corruptLCS)
			},
			kind:       ChecksumMismatch,
			wantWrites: 1,
		},
		{
			name: "response to another command",
			setup: func(m *MockTransport) {
				m.QueueAck()
				m.QueueResponse(0x15)
			},
			kind:       UnknownOpcode,
			wantWrites: 1,
			check: func(t *testing.T, err error) {
				var pe *ProtocolError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, 0x03, pe.Expected)
				assert.Equal(t, 0x15, pe.Actual)
			},
		},
		{
			name: "response in host direction",
			setup: func(m *MockTransport) {
				m.QueueAck()
				encoded, err := EncodeFrame(HostToController, firmwareResponse)
				if err != nil {
					panic(err)
				}
				m.QueueRead(encoded)
			},
			kind:       UnexpectedFrameKind,
			wantWrites: 1,
		},
		{
			name: "second ack instead of response",
			setup: func(m *MockTransport) {
				m.QueueAck()
				m.QueueAck()
			},
			kind:       UnexpectedFrameKind,
			wantWrites: 1,
		},
		{
			name: "error frame instead of response",
			setup: func(m *MockTransport) {
				m.QueueAck()
				m.QueueRead([]byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0x7F, 0x27, 0x5A, 0x00})
			},
			kind:       ErrorFrameReceived,
			wantWrites: 1,
			check: func(t *testing.T, err error) {
				var pe *ProtocolError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, uint16(0x27), pe.Code)
			},
		},
		{
			name: "truncated firmware result",
			setup: func(m *MockTransport) {
				m.QueueAck()
				m.QueueResponse(0x03, 0x33)
			},
			kind:       ShortRead,
			wantWrites: 1,
		},
		{
			name: "empty read counts as timeout",
			setup: func(m *MockTransport) {
				m.QueueRead([]byte{})
			},
			kind:       Timeout,
			wantWrites: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine, mock := newTestEngine()
			tt.setup(mock)

			_, err := engine.Send(context.Background(), GetFirmwareVersion{})
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err), "error: %v", err)
			assert.Equal(t, tt.wantWrites, mock.WriteCount())
			assert.True(t, HasTrace(err))
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestEngineAbortIsAck(t *testing.T) {
	t.Parallel()

	engine, mock := newTestEngine()
	mock.QueueAck()

	_, err := engine.Send(context.Background(), GetFirmwareVersion{})
	require.Error(t, err)

	writes := mock.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, AckFrame(), writes[1])
}

func TestEngineTransportErrors(t *testing.T) {
	t.Parallel()

	t.Run("read error is passed through", func(t *testing.T) {
		t.Parallel()
		engine, mock := newTestEngine()
		mock.QueueError(NewTransportReadError("read", "mock"))

		_, err := engine.Send(context.Background(), GetFirmwareVersion{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransportRead)
		assert.False(t, IsTimeout(err))
		assert.Zero(t, KindOf(err))
	})

	t.Run("write to closed transport", func(t *testing.T) {
		t.Parallel()
		engine, mock := newTestEngine()
		require.NoError(t, mock.Close())

		_, err := engine.Send(context.Background(), GetFirmwareVersion{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransportClosed)
		assert.True(t, IsFatal(err))
	})
}

func TestEngineCanceledContext(t *testing.T) {
	t.Parallel()

	engine, mock := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Send(ctx, GetFirmwareVersion{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, mock.WriteCount())
}

func TestEngineInvalidCommandNotSent(t *testing.T) {
	t.Parallel()

	engine, mock := newTestEngine()
	_, err := engine.Send(context.Background(), SAMConfiguration{})
	require.ErrorIs(t, err, ErrInvalidParameter)
	assert.Zero(t, mock.WriteCount())
}

func TestEngineDiscardsStaleBytes(t *testing.T) {
	t.Parallel()

	engine, mock := newTestEngine()
	// Leftover response from an aborted command arrives with the next ACK.
	mock.QueueAck()
	mock.QueueRead(append(encodedResponse(t, firmwareResponse...), AckFrame()...))

	_, err := engine.Send(context.Background(), GetFirmwareVersion{})
	require.NoError(t, err)

	mock.QueueAck()
	mock.QueueResponse(0x41, 0x00, 0xAA)
	resp, err := engine.Send(context.Background(), InDataExchange{Target: 1, Data: []byte{0x01}})
	require.NoError(t, err)
	dx, ok := resp.Result.(*DataExchangeResult)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA}, dx.Data)
}

func TestEngineTraceContents(t *testing.T) {
	t.Parallel()

	engine, mock := newTestEngine()
	mock.QueueAck()
	mock.QueueRead([]byte{0x00, 0x00, 0xFF, 0x01, 0xFF, 0x7F, 0x81, 0x00})

	_, err := engine.Send(context.Background(), GetFirmwareVersion{})
	require.Error(t, err)

	var te *TraceableError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, engine.Session(), te.Session)
	require.Len(t, te.Trace, 3)
	assert.Equal(t, TraceTX, te.Trace[0].Direction)
	assert.Equal(t, TraceRX, te.Trace[1].Direction)
	assert.Equal(t, TraceRX, te.Trace[2].Direction)
	assert.Contains(t, te.FormatTrace(), "7F 81")
}

func TestEngineSession(t *testing.T) {
	t.Parallel()

	a, _ := newTestEngine()
	b, _ := newTestEngine()
	assert.Len(t, a.Session(), 36)
	assert.NotEqual(t, a.Session(), b.Session())
}
