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

package frame

// Kind identifies the shape of a frame from its header bytes alone.
type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindNack
	KindNormal
	KindExtended
)

// String returns a short name for the kind
func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	case KindNormal:
		return "normal"
	case KindExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// Header describes a frame whose header bytes have been seen. All offsets
// and sizes count from the first byte of the 00 FF start code.
type Header struct {
	Kind Kind
	// Length is the LEN field (TFI + payload). Zero for ACK and NACK.
	Length int
	// Size is the number of bytes up to and including the postamble.
	Size int
	// BodyOffset is the offset of the TFI byte.
	BodyOffset int
	// LengthValid reports whether LEN + LCS sums to zero. When false, Size
	// cannot be trusted and only BodyOffset bytes should be consumed.
	LengthValid bool
}

// LocateStart returns the offset of the first 00 FF start code in buf, or -1.
// Any preamble or line noise before it is left for the caller to discard.
func LocateStart(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == StartCode1 && buf[i+1] == StartCode2 {
			return i
		}
	}
	return -1
}

// ParseHeader inspects buf, which must begin at a start code, and reports the
// frame it announces. ok is false while more header bytes are needed.
//
// The byte pair after the start code disambiguates the frame:
//
//	00 FF        ACK
//	FF 00        NACK (user manual form)
//	FF FF 00     NACK (RCS956 form)
//	FF FF LM LL  extended frame, LM is never zero
//	LEN LCS      normal frame
func ParseHeader(buf []byte) (h Header, ok bool) {
	if len(buf) < StartCodeSize+2 {
		return Header{}, false
	}

	length, lcs := buf[2], buf[3]
	switch {
	case length == 0x00 && lcs == 0xFF:
		return Header{Kind: KindAck, Size: ControlFrameSize, LengthValid: true}, true
	case length == 0xFF && lcs == 0x00:
		return Header{Kind: KindNack, Size: ControlFrameSize, LengthValid: true}, true
	case length == ExtendedMarker && lcs == ExtendedMarker:
		if len(buf) < 5 {
			return Header{}, false
		}
		if buf[4] == 0x00 {
			return Header{Kind: KindNack, Size: ControlFrameSize, LengthValid: true}, true
		}
		if len(buf) < 7 {
			return Header{}, false
		}
		n := int(buf[4])<<8 | int(buf[5])
		return Header{
			Kind:        KindExtended,
			Length:      n,
			Size:        extendedOverhead + n,
			BodyOffset:  7,
			LengthValid: ValidSum(buf[4:7]),
		}, true
	default:
		return Header{
			Kind:        KindNormal,
			Length:      int(length),
			Size:        normalOverhead + int(length),
			BodyOffset:  4,
			LengthValid: ValidSum(buf[2:4]),
		}, true
	}
}
