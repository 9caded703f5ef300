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
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (0 or 1 = no retry)
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff increases
	BackoffMultiplier float64
	// Jitter adds up to this fraction of the backoff at random
	Jitter float64
	// RetryTimeout bounds all attempts together (0 = unbounded)
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// RetryWithConfig runs retryFunc until it succeeds, returns an error for
// which IsRetryable is false, or runs out of attempts.
func RetryWithConfig(ctx context.Context, config *RetryConfig, retryFunc RetryableFunc) error {
	return RetryIf(ctx, config, IsRetryable, retryFunc)
}

// RetryIf is RetryWithConfig with a caller-supplied retry predicate. The
// last error is returned unchanged so callers can classify it.
func RetryIf(ctx context.Context, config *RetryConfig, shouldRetry func(error) bool, retryFunc RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 1 {
		return retryFunc()
	}

	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	var lastErr error
	backoff := config.InitialBackoff
	for attempt := range config.MaxAttempts {
		if attempt > 0 {
			debugf("retry attempt %d/%d after: %v", attempt+1, config.MaxAttempts, lastErr)
		}

		err := retryFunc()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, jittered(backoff, config.Jitter)); err != nil {
			return lastErr
		}
		backoff = nextBackoff(backoff, config)
	}

	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func nextBackoff(backoff time.Duration, config *RetryConfig) time.Duration {
	next := time.Duration(float64(backoff) * config.BackoffMultiplier)
	if config.MaxBackoff > 0 && next > config.MaxBackoff {
		return config.MaxBackoff
	}
	return next
}

// jittered adds up to factor*base of random delay
func jittered(base time.Duration, factor float64) time.Duration {
	if factor <= 0 || base <= 0 {
		return base
	}
	var randBytes [8]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return base
	}
	frac := float64(binary.LittleEndian.Uint64(randBytes[:])) / float64(1<<64)
	return base + time.Duration(frac*float64(base)*factor)
}
