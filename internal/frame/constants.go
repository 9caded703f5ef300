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

// Package frame holds the byte-level building blocks of PN532/RCS956
// transport frames: markers, checksums and header scanning. It has no
// knowledge of commands or error taxonomy so that every layer above it
// can share it.
package frame

// Frame direction (TFI) bytes
const (
	HostToController = 0xD4 // Commands from host to controller
	ControllerToHost = 0xD5 // Responses from controller to host
	ErrorTFI         = 0x7F // Application-level error frame
)

// Frame markers and control bytes
const (
	Preamble   = 0x00
	StartCode1 = 0x00
	StartCode2 = 0xFF
	Postamble  = 0x00

	// ExtendedMarker fills the LEN and LCS slots of an extended frame.
	ExtendedMarker = 0xFF
)

// Frame size limits
const (
	// MaxNormalLength is the largest LEN (TFI + payload) a normal frame can carry.
	MaxNormalLength = 0xFF
	// MaxExtendedLength is the largest LEN an extended frame can carry.
	MaxExtendedLength = 0xFFFF

	// StartCodeSize is the size of the 00 FF start code.
	StartCodeSize = 2
	// ControlFrameSize is the size of ACK and NACK frames counted from the start code.
	ControlFrameSize = 5
	// normalOverhead is start code + LEN + LCS + DCS + postamble.
	normalOverhead = 6
	// extendedOverhead is start code + FF FF + LENM + LENL + LCS + DCS + postamble.
	extendedOverhead = 9
	// MaxFrameSize bounds a single frame counted from the start code.
	MaxFrameSize = extendedOverhead + MaxExtendedLength
)

// ACK and NACK frames, including the leading preamble byte.
var (
	AckFrame = []byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}
	// NackFrame is the PN532 user manual form the controller accepts.
	NackFrame = []byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00}
	// AltNackFrame is the 00 FF FF FF form some RCS956 firmware emits.
	AltNackFrame = []byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x00}
)
