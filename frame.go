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
	"bytes"
	"fmt"

	"github.com/ZaparooProject/go-pasori/internal/frame"
)

// Direction is the TFI byte of a normal or extended frame.
type Direction byte

const (
	// HostToController marks frames sent by the host (TFI 0xD4).
	HostToController Direction = frame.HostToController
	// ControllerToHost marks frames sent by the controller (TFI 0xD5).
	ControllerToHost Direction = frame.ControllerToHost
)

// String returns the direction name
func (d Direction) String() string {
	switch d {
	case HostToController:
		return "host->controller"
	case ControllerToHost:
		return "controller->host"
	default:
		return fmt.Sprintf("direction(0x%02X)", byte(d))
	}
}

// FrameKind identifies a decoded transport frame.
type FrameKind int

const (
	FrameNormal FrameKind = iota + 1
	FrameExtended
	FrameAck
	FrameNack
	FrameError
)

// String returns the frame kind name
func (k FrameKind) String() string {
	switch k {
	case FrameNormal:
		return "normal"
	case FrameExtended:
		return "extended"
	case FrameAck:
		return "ack"
	case FrameNack:
		return "nack"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("frame kind %d", int(k))
	}
}

// TransportFrame is one decoded PN532/RCS956 frame. Payload excludes the
// TFI and is a copy owned by the frame.
type TransportFrame struct {
	Payload   []byte
	Kind      FrameKind
	Direction Direction
	// Status is set on error frames: the byte after the 0x7F TFI, or 0x7F
	// itself for the bare syntax-error frame.
	Status byte
}

// AckFrame returns a fresh ACK frame, preamble included.
func AckFrame() []byte {
	return append([]byte(nil), frame.AckFrame...)
}

// NackFrame returns a fresh NACK frame in the form the controller accepts.
func NackFrame() []byte {
	return append([]byte(nil), frame.NackFrame...)
}

// EncodeFrame frames payload for the given direction. Payloads that do not
// fit a normal frame are sent in the extended form.
func EncodeFrame(dir Direction, payload []byte) ([]byte, error) {
	if dir != HostToController && dir != ControllerToHost {
		return nil, fmt.Errorf("%w: direction 0x%02X", ErrInvalidParameter, byte(dir))
	}
	if len(payload)+1 > frame.MaxExtendedLength {
		return nil, fmt.Errorf("%w: %d byte payload", ErrDataTooLarge, len(payload))
	}
	return frame.Build(byte(dir), payload), nil
}

// DecodeFrame parses exactly one frame from b. A single leading preamble
// byte is allowed; anything else around the frame is a FramingError.
func DecodeFrame(b []byte) (*TransportFrame, error) {
	const op = "decode frame"

	buf := b
	if len(buf) >= 2 && buf[0] == frame.Preamble && buf[1] == frame.Preamble {
		buf = buf[1:]
	}
	if len(buf) < frame.StartCodeSize {
		return nil, newProtocolError(ShortRead, op, b)
	}
	if buf[0] != frame.StartCode1 || buf[1] != frame.StartCode2 {
		return nil, newProtocolError(FramingError, op, b)
	}

	if bytes.Equal(buf, frame.NackFrame[1:]) {
		return &TransportFrame{Kind: FrameNack}, nil
	}

	h, ok := frame.ParseHeader(buf)
	if !ok {
		return nil, newProtocolError(ShortRead, op, b)
	}
	if h.Kind == frame.KindNack && buf[2] == 0xFF && buf[3] == 0x00 {
		// The short NACK form only stands alone. Inside a longer input the
		// same bytes are a LEN of 0xFF with a broken LCS.
		h = frame.Header{Kind: frame.KindNormal, Length: 0xFF, BodyOffset: 4}
	}

	switch h.Kind {
	case frame.KindAck, frame.KindNack:
		if err := checkTail(op, b, buf, h.Size); err != nil {
			return nil, err
		}
		if h.Kind == frame.KindAck {
			return &TransportFrame{Kind: FrameAck}, nil
		}
		return &TransportFrame{Kind: FrameNack}, nil
	case frame.KindNormal, frame.KindExtended:
		return decodeInformationFrame(op, b, buf, h)
	default:
		return nil, newProtocolError(FramingError, op, b)
	}
}

func decodeInformationFrame(op string, raw, buf []byte, h frame.Header) (*TransportFrame, error) {
	if !h.LengthValid {
		lcs := buf[h.BodyOffset-1]
		var expected byte
		if h.Kind == frame.KindExtended {
			expected = frame.LengthChecksum(buf[4], buf[5])
		} else {
			expected = frame.LengthChecksum(buf[2])
		}
		return nil, checksumError(op, raw, expected, lcs)
	}
	if h.Length == 0 {
		return nil, wrapProtocolError(FramingError, op, raw, fmt.Errorf("frame has no TFI"))
	}
	if len(buf) < h.Size {
		return nil, newProtocolError(ShortRead, op, raw)
	}

	body := buf[h.BodyOffset : h.Size-2]
	dcs := buf[h.Size-2]
	tfi, payload := body[0], body[1:]
	if expected := frame.DataChecksum(tfi, payload); expected != dcs {
		return nil, checksumError(op, raw, expected, dcs)
	}
	if err := checkTail(op, raw, buf, h.Size); err != nil {
		return nil, err
	}

	f := &TransportFrame{
		Kind:    FrameNormal,
		Payload: append([]byte{}, payload...),
	}
	if h.Kind == frame.KindExtended {
		f.Kind = FrameExtended
	}

	switch tfi {
	case frame.HostToController, frame.ControllerToHost:
		f.Direction = Direction(tfi)
	case frame.ErrorTFI:
		f.Kind = FrameError
		f.Status = frame.ErrorTFI
		if len(payload) > 0 {
			f.Status = payload[0]
		}
	default:
		return nil, wrapProtocolError(FramingError, op, raw, fmt.Errorf("unknown TFI 0x%02X", tfi))
	}
	return f, nil
}

// checkTail verifies the postamble and that nothing follows the frame.
func checkTail(op string, raw, buf []byte, size int) error {
	if len(buf) < size {
		return newProtocolError(ShortRead, op, raw)
	}
	if buf[size-1] != frame.Postamble {
		return wrapProtocolError(FramingError, op, raw, fmt.Errorf("postamble 0x%02X", buf[size-1]))
	}
	if len(buf) > size {
		return wrapProtocolError(FramingError, op, raw, fmt.Errorf("%d trailing bytes", len(buf)-size))
	}
	return nil
}
