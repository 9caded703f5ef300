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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ZaparooProject/go-pasori/internal/frame"
	"github.com/ZaparooProject/go-pasori/internal/syncutil"
)

// readChunkSize is the maxLen passed to Transport.Read
const readChunkSize = 512

// errStalled is the cause of a ShortRead when the link goes quiet inside a
// frame. IsTimeout is false for it.
var errStalled = errors.New("link went quiet mid-frame")

// Engine runs one host command at a time: it frames the command, waits for
// the ACK, then reads and validates the response. It never retries; that
// policy belongs to the Device.
type Engine struct {
	transport       Transport
	trace           *TraceBuffer
	session         string
	rx              []byte
	ackTimeout      time.Duration
	responseTimeout time.Duration
	mu              syncutil.Mutex
}

// NewEngine creates an engine over transport. A nil config uses
// DefaultDeviceConfig.
func NewEngine(transport Transport, config *DeviceConfig) *Engine {
	if config == nil {
		config = DefaultDeviceConfig()
	}
	session := uuid.NewString()
	return &Engine{
		transport:       transport,
		trace:           NewTraceBuffer(session, config.TraceDepth),
		session:         session,
		ackTimeout:      config.AckTimeout,
		responseTimeout: config.ResponseTimeout,
	}
}

// Session returns the ID stamped on this engine's traces
func (e *Engine) Session() string {
	return e.session
}

// Transport returns the underlying transport
func (e *Engine) Transport() Transport {
	return e.transport
}

// Send runs cmd with the configured response timeout.
func (e *Engine) Send(ctx context.Context, cmd HostCommand) (*HostResponse, error) {
	return e.SendWithTimeout(ctx, cmd, e.responseTimeout)
}

// SendWithTimeout runs cmd and waits up to responseTimeout for the response
// frame to start. The context is only checked before anything is written;
// once a command is on the wire it runs to completion or timeout.
func (e *Engine) SendWithTimeout(ctx context.Context, cmd HostCommand, responseTimeout time.Duration) (*HostResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}

	payload, err := EncodeHostCommand(cmd)
	if err != nil {
		return nil, err
	}
	encoded, err := EncodeFrame(HostToController, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}

	e.trace.Clear()
	e.rx = e.rx[:0]

	debugf("[%s] TX %s: %X", e.session[:8], cmd.Name(), encoded)
	e.trace.RecordTX(encoded, cmd.Name())
	if err := e.transport.Write(encoded); err != nil {
		return nil, e.trace.WrapError(fmt.Errorf("%s: write: %w", cmd.Name(), err))
	}

	if err := e.awaitAck(cmd); err != nil {
		return nil, e.trace.WrapError(err)
	}

	resp, err := e.awaitResponse(cmd, responseTimeout)
	if err != nil {
		return nil, e.trace.WrapError(err)
	}
	return resp, nil
}

func (e *Engine) awaitAck(cmd HostCommand) error {
	raw, err := e.readFrame(cmd.Name()+" ack", e.ackTimeout)
	if err != nil {
		return err
	}
	f, err := DecodeFrame(raw)
	if err != nil {
		return err
	}
	switch f.Kind {
	case FrameAck:
		return nil
	case FrameNack:
		return wrapProtocolError(UnexpectedFrameKind, cmd.Name(), raw, ErrNACKReceived)
	case FrameError:
		pe := newProtocolError(ErrorFrameReceived, cmd.Name(), raw)
		pe.Code = uint16(f.Status)
		return pe
	default:
		return wrapProtocolError(UnexpectedFrameKind, cmd.Name(), raw,
			fmt.Errorf("expected ack, got %s frame", f.Kind))
	}
}

func (e *Engine) awaitResponse(cmd HostCommand, timeout time.Duration) (*HostResponse, error) {
	raw, err := e.readFrame(cmd.Name(), timeout)
	if err != nil {
		if KindOf(err) == Timeout {
			e.abort()
		}
		return nil, err
	}
	f, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}

	switch f.Kind {
	case FrameNormal, FrameExtended:
	case FrameError:
		pe := newProtocolError(ErrorFrameReceived, cmd.Name(), raw)
		pe.Code = uint16(f.Status)
		return nil, pe
	case FrameAck, FrameNack:
		return nil, wrapProtocolError(UnexpectedFrameKind, cmd.Name(), raw,
			fmt.Errorf("expected response, got %s frame", f.Kind))
	}

	if f.Direction != ControllerToHost {
		return nil, wrapProtocolError(UnexpectedFrameKind, cmd.Name(), raw,
			fmt.Errorf("response direction %s", f.Direction))
	}
	if len(f.Payload) == 0 {
		return nil, newProtocolError(ShortRead, cmd.Name(), raw)
	}
	if want := cmd.Opcode() + 1; f.Payload[0] != want {
		pe := newProtocolError(UnknownOpcode, cmd.Name(), raw)
		pe.Expected = int(want)
		pe.Actual = int(f.Payload[0])
		return nil, pe
	}

	result, err := cmd.decodeResult(f.Payload[1:])
	if err != nil {
		return nil, err
	}
	return &HostResponse{Raw: f.Payload, Result: result}, nil
}

// abort sends an ACK, which makes the controller drop the command it is
// still working on. Failures are ignored.
func (e *Engine) abort() {
	ack := AckFrame()
	e.trace.RecordTX(ack, "abort")
	if err := e.transport.Write(ack); err != nil {
		debugf("[%s] abort write failed: %v", e.session[:8], err)
	}
}

// readFrame returns the bytes of the next frame, from its start code up to
// and including the postamble. Bytes after it stay buffered for the next
// call so an ACK and response arriving in one read are both seen. The
// first wait bounds the time until a frame starts; once one has started
// each further read may take up to the response timeout.
func (e *Engine) readFrame(op string, wait time.Duration) ([]byte, error) {
	deadline := time.Now().Add(wait)
	started := false

	for {
		if i := frame.LocateStart(e.rx); i >= 0 {
			e.rx = e.rx[i:]
			started = true
			if h, ok := frame.ParseHeader(e.rx); ok {
				size := h.Size
				if !h.LengthValid {
					// LEN is garbage. Hand over the header so decoding
					// reports the checksum, and resync on the next frame.
					size = h.BodyOffset
				}
				if len(e.rx) >= size {
					out := append([]byte(nil), e.rx[:size]...)
					e.rx = e.rx[size:]
					e.trace.RecordRX(out, op)
					debugf("[%s] RX %s: %X", e.session[:8], op, out)
					return out, nil
				}
			}
		} else if n := len(e.rx); n > 0 {
			// Noise; keep a trailing 00 that may begin a start code.
			if e.rx[n-1] == frame.StartCode1 {
				e.rx = append(e.rx[:0], frame.StartCode1)
			} else {
				e.rx = e.rx[:0]
			}
		}

		timeout := e.responseTimeout
		if !started {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				e.trace.RecordTimeout(op)
				return nil, wrapProtocolError(Timeout, op, nil, ErrTransportTimeout)
			}
		}

		chunk, err := e.transport.Read(readChunkSize, timeout)
		if err == nil && len(chunk) == 0 {
			err = NewTimeoutError("read", transportName(e.transport))
		}
		if err != nil {
			if !IsTimeout(err) {
				return nil, fmt.Errorf("%s: read: %w", op, err)
			}
			e.trace.RecordTimeout(op)
			if started {
				return nil, wrapProtocolError(ShortRead, op, e.rx, errStalled)
			}
			return nil, wrapProtocolError(Timeout, op, nil, err)
		}
		e.rx = append(e.rx, chunk...)
	}
}
