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

import "fmt"

// IC codes reported by GetFirmwareVersion
const (
	ICPN532 = 0x32
	// ICPN533 is also reported by the RCS956 inside the RC-S330.
	ICPN533 = 0x33
)

// FirmwareVersion contains controller firmware information
type FirmwareVersion struct {
	Version          string
	IC               byte
	Ver              byte
	Rev              byte
	SupportIso14443a bool
	SupportIso14443b bool
	SupportIso18092  bool
}

func (*FirmwareVersion) hostResult() {}

// String returns a short description such as "PN532 v1.6".
func (f *FirmwareVersion) String() string {
	name := fmt.Sprintf("IC 0x%02X", f.IC)
	switch f.IC {
	case ICPN532:
		name = "PN532"
	case ICPN533:
		name = "PN533/RCS956"
	}
	return name + " v" + f.Version
}

// parseFirmwareVersion decodes the IC, Ver, Rev and Support bytes that
// follow the 0x03 response code.
func parseFirmwareVersion(data []byte) (*FirmwareVersion, error) {
	if len(data) < 4 {
		return nil, newProtocolError(ShortRead, "GetFirmwareVersion", data)
	}
	return &FirmwareVersion{
		IC:               data[0],
		Ver:              data[1],
		Rev:              data[2],
		Version:          fmt.Sprintf("%d.%d", data[1], data[2]),
		SupportIso14443a: data[3]&0x01 == 0x01,
		SupportIso14443b: data[3]&0x02 == 0x02,
		SupportIso18092:  data[3]&0x04 == 0x04,
	}, nil
}
