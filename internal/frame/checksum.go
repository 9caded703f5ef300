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

// CalculateChecksum returns the modulo-256 sum of all bytes in data.
func CalculateChecksum(data []byte) byte {
	chk := byte(0)
	for _, b := range data {
		chk += b
	}
	return chk
}

// LengthChecksum returns the LCS byte for the given length bytes so that
// sum(length) + LCS == 0 (mod 256). A normal frame passes one byte, an
// extended frame passes LENM and LENL.
func LengthChecksum(length ...byte) byte {
	return -CalculateChecksum(length)
}

// DataChecksum returns the DCS byte for tfi and payload so that
// tfi + sum(payload) + DCS == 0 (mod 256).
func DataChecksum(tfi byte, payload []byte) byte {
	return -(tfi + CalculateChecksum(payload))
}

// ValidSum reports whether data sums to zero modulo 256. A checksum byte of
// 0x00 is a legitimate value and gets no special treatment.
func ValidSum(data []byte) bool {
	return CalculateChecksum(data) == 0
}
