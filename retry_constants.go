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

import "time"

// Command timing defaults. A slow card exchange legitimately takes far
// longer than the controller's local ACK, so the two waits are separate.
const (
	// DefaultAckTimeout is how long the controller has to ACK a frame.
	DefaultAckTimeout = 100 * time.Millisecond
	// S330AckTimeout is a more forgiving ACK wait for the RC-S330, whose
	// RCS956 can take longer to ACK while the RF field settles.
	S330AckTimeout = 200 * time.Millisecond
	// DefaultResponseTimeout bounds the wait for a response frame.
	DefaultResponseTimeout = 1 * time.Second
	// DefaultPollTimeout bounds a single polling attempt.
	DefaultPollTimeout = 1 * time.Second
)

// Exchange retry constants control how the Device re-sends FeliCa commands
// after link-level corruption.
const (
	// DefaultMaxExchangeRetries is the number of re-sends after the first attempt.
	DefaultMaxExchangeRetries = 2
	// DefaultRetryBackoff is the delay before the first re-send.
	DefaultRetryBackoff = 10 * time.Millisecond
	// ExchangeRetryJitter is the random jitter factor (0.0-1.0) added to backoff.
	ExchangeRetryJitter = 0.1
)

// Controller retry constants (MxRty parameters) control the chip's own RF
// retries.
const (
	// DefaultPassiveActivationRetries controls InListPassiveTarget internal
	// retries. 0x0A gives up after roughly one second.
	DefaultPassiveActivationRetries byte = 0x0A
	// DefaultATRRetries and DefaultPSLRetries are the chip defaults.
	DefaultATRRetries byte = 0xFF
	DefaultPSLRetries byte = 0x01
)

// Session polling constants control polling.Session pacing.
const (
	// DefaultPollInterval is the pause between polling attempts.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultCardRemovalTimeout is how long a card may go unseen before it
	// is reported as removed.
	DefaultCardRemovalTimeout = 600 * time.Millisecond
)
