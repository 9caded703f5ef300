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

// Build returns a complete frame, preamble included, carrying tfi and
// payload. The extended form is used when TFI + payload exceeds
// MaxNormalLength. Callers must keep len(payload) below MaxExtendedLength.
func Build(tfi byte, payload []byte) []byte {
	n := len(payload) + 1
	var out []byte
	if n <= MaxNormalLength {
		out = make([]byte, 0, 1+normalOverhead+n)
		out = append(out, Preamble, StartCode1, StartCode2, byte(n), LengthChecksum(byte(n)))
	} else {
		lenM, lenL := byte(n>>8), byte(n)
		out = make([]byte, 0, 1+extendedOverhead+n)
		out = append(out, Preamble, StartCode1, StartCode2, ExtendedMarker, ExtendedMarker,
			lenM, lenL, LengthChecksum(lenM, lenL))
	}
	out = append(out, tfi)
	out = append(out, payload...)
	out = append(out, DataChecksum(tfi, payload), Postamble)
	return out
}
