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
	"fmt"
	"time"
)

// PollingMode selects how the FeliCa polling command reaches the card.
type PollingMode int

const (
	// PollViaPassiveTarget wraps polling in InListPassiveTarget. This is
	// what the RCS956 expects and is the default.
	PollViaPassiveTarget PollingMode = iota
	// PollViaDataExchange tunnels the polling APDU through InDataExchange
	// to target 1, for controllers that already hold a FeliCa session.
	PollViaDataExchange
)

// String returns the mode name
func (m PollingMode) String() string {
	switch m {
	case PollViaPassiveTarget:
		return "InListPassiveTarget"
	case PollViaDataExchange:
		return "InDataExchange"
	default:
		return fmt.Sprintf("polling mode %d", int(m))
	}
}

// DeviceConfig holds the timing and retry policy of a Device
type DeviceConfig struct {
	// AckTimeout bounds the wait for the controller's ACK frame
	AckTimeout time.Duration
	// ResponseTimeout bounds the wait for a response frame to start, and
	// each read while draining one
	ResponseTimeout time.Duration
	// PollTimeout replaces ResponseTimeout while polling
	PollTimeout time.Duration
	// MaxExchangeRetries is how many times a failed exchange is re-sent
	MaxExchangeRetries int
	// RetryBackoff is the pause before the first re-send; it doubles after
	RetryBackoff time.Duration
	// PassiveActivationRetries is MxRtyPassiveActivation sent during Init
	PassiveActivationRetries byte
	PollingMode              PollingMode
	SAMMode                  SAMMode
	// TraceDepth is the number of wire trace entries kept per command
	TraceDepth int
}

// DefaultDeviceConfig returns the default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		AckTimeout:               DefaultAckTimeout,
		ResponseTimeout:          DefaultResponseTimeout,
		PollTimeout:              DefaultPollTimeout,
		MaxExchangeRetries:       DefaultMaxExchangeRetries,
		RetryBackoff:             DefaultRetryBackoff,
		PassiveActivationRetries: DefaultPassiveActivationRetries,
		PollingMode:              PollViaPassiveTarget,
		SAMMode:                  SAMModeNormal,
		TraceDepth:               DefaultTraceDepth,
	}
}

// retryConfig converts the exchange policy into a RetryConfig
func (c *DeviceConfig) retryConfig() *RetryConfig {
	backoff := c.RetryBackoff
	return &RetryConfig{
		MaxAttempts:       c.MaxExchangeRetries + 1,
		InitialBackoff:    backoff,
		MaxBackoff:        backoff * 4,
		BackoffMultiplier: 2.0,
		Jitter:            ExchangeRetryJitter,
	}
}

// Option configures a Device
type Option func(*Device) error

// WithConfig replaces the whole configuration
func WithConfig(config *DeviceConfig) Option {
	return func(d *Device) error {
		if config == nil {
			return fmt.Errorf("%w: nil config", ErrInvalidParameter)
		}
		c := *config
		d.config = &c
		return nil
	}
}

// WithAckTimeout sets the ACK wait
func WithAckTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: ack timeout %v", ErrInvalidParameter, timeout)
		}
		d.config.AckTimeout = timeout
		return nil
	}
}

// WithResponseTimeout sets the response wait
func WithResponseTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: response timeout %v", ErrInvalidParameter, timeout)
		}
		d.config.ResponseTimeout = timeout
		return nil
	}
}

// WithPollTimeout sets the response wait used while polling
func WithPollTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: poll timeout %v", ErrInvalidParameter, timeout)
		}
		d.config.PollTimeout = timeout
		return nil
	}
}

// WithMaxExchangeRetries sets how many times a failed exchange is re-sent.
// Zero disables retries.
func WithMaxExchangeRetries(n int) Option {
	return func(d *Device) error {
		if n < 0 {
			return fmt.Errorf("%w: exchange retries %d", ErrInvalidParameter, n)
		}
		d.config.MaxExchangeRetries = n
		return nil
	}
}

// WithRetryBackoff sets the pause before the first re-send
func WithRetryBackoff(backoff time.Duration) Option {
	return func(d *Device) error {
		if backoff < 0 {
			return fmt.Errorf("%w: retry backoff %v", ErrInvalidParameter, backoff)
		}
		d.config.RetryBackoff = backoff
		return nil
	}
}

// WithPassiveActivationRetries sets MxRtyPassiveActivation. 0xFF makes the
// controller retry forever, which can leave it stuck until power cycled.
func WithPassiveActivationRetries(n byte) Option {
	return func(d *Device) error {
		d.config.PassiveActivationRetries = n
		return nil
	}
}

// WithPollingMode selects how polling reaches the card
func WithPollingMode(mode PollingMode) Option {
	return func(d *Device) error {
		if mode != PollViaPassiveTarget && mode != PollViaDataExchange {
			return fmt.Errorf("%w: %s", ErrInvalidParameter, mode)
		}
		d.config.PollingMode = mode
		return nil
	}
}

// WithSAMMode sets the SAM mode sent during Init
func WithSAMMode(mode SAMMode) Option {
	return func(d *Device) error {
		if mode < SAMModeNormal || mode > SAMModeDualCard {
			return fmt.Errorf("%w: SAM mode 0x%02X", ErrInvalidParameter, byte(mode))
		}
		d.config.SAMMode = mode
		return nil
	}
}

// WithTraceDepth sets how many wire trace entries are kept
func WithTraceDepth(depth int) Option {
	return func(d *Device) error {
		if depth <= 0 {
			return fmt.Errorf("%w: trace depth %d", ErrInvalidParameter, depth)
		}
		d.config.TraceDepth = depth
		return nil
	}
}
