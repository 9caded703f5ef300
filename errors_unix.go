//go:build unix

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
	"errors"

	"golang.org/x/sys/unix"
)

// isDeviceGoneError checks for errno values a USB or serial device returns
// once it has been unplugged mid-I/O.
func isDeviceGoneError(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	//nolint:exhaustive // only device-gone errno values matter here
	switch errno {
	case unix.EIO, unix.ENXIO, unix.ENODEV:
		return true
	default:
		return false
	}
}
