// Copyright 2025 The Zaparoo Project Contributors.
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

import (
	"testing"
)

// =============================================================================
// Fuzz Tests for Header Scanning
// =============================================================================
// Readers feed these functions whatever arrives on the wire, including
// line noise from half-plugged USB devices, so they must never panic.
//
// Run with: go test -fuzz=FuzzParseHeader -fuzztime=30s ./internal/frame/
// Run all: go test -fuzz=Fuzz -fuzztime=10s ./internal/frame/

// FuzzParseHeader checks header parsing against arbitrary bytes and the size
// invariants the streaming reader relies on.
func FuzzParseHeader(f *testing.F) {
	f.Add([]byte{0x00, 0xFF, 0x00, 0xFF, 0x00})             // ACK
	f.Add([]byte{0x00, 0xFF, 0xFF, 0x00, 0x00})             // NACK
	f.Add([]byte{0x00, 0xFF, 0xFF, 0xFF, 0x00})             // RCS956 NACK
	f.Add([]byte{0x00, 0xFF, 0x02, 0xFE, 0xD4, 0x02, 0x2A}) // GetFirmwareVersion
	f.Add([]byte{0x00, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0xFF}) // Extended header
	f.Add([]byte{})
	f.Add([]byte{0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, buf []byte) {
		h, ok := ParseHeader(buf)
		if !ok {
			return
		}
		if h.Size < ControlFrameSize || h.Size > MaxFrameSize {
			t.Fatalf("size %d out of range", h.Size)
		}
		if (h.Kind == KindNormal || h.Kind == KindExtended) && h.BodyOffset >= h.Size {
			t.Fatalf("body offset %d beyond size %d", h.BodyOffset, h.Size)
		}
	})
}

// FuzzLocateStart checks that a reported start code is really there.
func FuzzLocateStart(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0xFF})
	f.Add([]byte{0x55, 0x55, 0x00, 0xFF})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, buf []byte) {
		i := LocateStart(buf)
		if i < 0 {
			return
		}
		if buf[i] != StartCode1 || buf[i+1] != StartCode2 {
			t.Fatalf("no start code at %d", i)
		}
	})
}

// FuzzDataChecksum checks the DCS invariant for arbitrary payloads.
func FuzzDataChecksum(f *testing.F) {
	f.Add(byte(HostToController), []byte{0x02})
	f.Add(byte(ControllerToHost), []byte{})
	f.Add(byte(0xFF), []byte{0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, tfi byte, payload []byte) {
		dcs := DataChecksum(tfi, payload)
		if tfi+CalculateChecksum(payload)+dcs != 0 {
			t.Fatalf("tfi %#02x payload %x dcs %#02x does not sum to zero", tfi, payload, dcs)
		}
	})
}
