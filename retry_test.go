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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callTracker counts attempts and fails the first failures of them.
type callTracker struct {
	err      error
	calls    int
	failures int
}

func (c *callTracker) fn() error {
	c.calls++
	if c.calls <= c.failures {
		return c.err
	}
	return nil
}

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Microsecond,
		MaxBackoff:        10 * time.Microsecond,
		BackoffMultiplier: 2.0,
		RetryTimeout:      time.Second,
	}
}

func TestRetryConfig_DefaultRetryConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRetryConfig()

	assert.Positive(t, config.MaxAttempts)
	assert.Greater(t, config.InitialBackoff, time.Duration(0))
	assert.Greater(t, config.MaxBackoff, config.InitialBackoff)
	assert.Greater(t, config.BackoffMultiplier, 1.0)
	assert.GreaterOrEqual(t, config.Jitter, 0.0)
	assert.LessOrEqual(t, config.Jitter, 1.0)
	assert.Greater(t, config.RetryTimeout, time.Duration(0))
}

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		config   *RetryConfig
		name     string
		current  time.Duration
		expected time.Duration
	}{
		{
			name:     "doubles",
			config:   &RetryConfig{BackoffMultiplier: 2.0, MaxBackoff: time.Second},
			current:  100 * time.Millisecond,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "capped",
			config:   &RetryConfig{BackoffMultiplier: 2.0, MaxBackoff: 150 * time.Millisecond},
			current:  100 * time.Millisecond,
			expected: 150 * time.Millisecond,
		},
		{
			name:     "no cap",
			config:   &RetryConfig{BackoffMultiplier: 1.5},
			current:  100 * time.Millisecond,
			expected: 150 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, nextBackoff(tt.current, tt.config))
		})
	}
}

func TestJittered(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	assert.Equal(t, base, jittered(base, 0))
	assert.Equal(t, time.Duration(0), jittered(0, 0.5))

	for range 50 {
		d := jittered(base, 0.1)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+10*time.Millisecond)
	}
}

func TestRetryWithConfig(t *testing.T) {
	t.Parallel()

	retryable := &ProtocolError{Kind: ChecksumMismatch}
	permanent := &ProtocolError{Kind: StatusFlagError}

	tests := []struct {
		err           error
		config        *RetryConfig
		name          string
		failures      int
		expectedCalls int
		expectError   bool
	}{
		{name: "success first attempt", config: fastRetryConfig(3), expectedCalls: 1},
		{name: "success after retries", config: fastRetryConfig(3), err: retryable, failures: 2, expectedCalls: 3},
		{name: "exhausted", config: fastRetryConfig(3), err: retryable, failures: 5, expectedCalls: 3, expectError: true},
		{name: "permanent error", config: fastRetryConfig(3), err: permanent, failures: 5, expectedCalls: 1, expectError: true},
		{name: "single attempt", config: fastRetryConfig(1), err: retryable, failures: 5, expectedCalls: 1, expectError: true},
		{name: "nil config uses defaults", err: retryable, failures: 1, expectedCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tracker := &callTracker{err: tt.err, failures: tt.failures}

			err := RetryWithConfig(context.Background(), tt.config, tracker.fn)
			if tt.expectError {
				require.Error(t, err)
				assert.Same(t, tt.err, err, "last error is returned unchanged")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expectedCalls, tracker.calls)
		})
	}
}

func TestRetryIf(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("try again")
	tracker := &callTracker{err: sentinel, failures: 10}
	err := RetryIf(context.Background(), fastRetryConfig(4), func(err error) bool {
		return errors.Is(err, sentinel)
	}, tracker.fn)

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, tracker.calls)
}

func TestRetryWithConfig_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	config := fastRetryConfig(5)
	config.InitialBackoff = time.Second
	tracker := &callTracker{err: &ProtocolError{Kind: FramingError}, failures: 10}

	start := time.Now()
	err := RetryWithConfig(ctx, config, tracker.fn)
	require.Error(t, err)
	assert.Equal(t, FramingError, KindOf(err))
	assert.Equal(t, 1, tracker.calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryWithConfig_RetryTimeout(t *testing.T) {
	t.Parallel()

	config := fastRetryConfig(100)
	config.InitialBackoff = 20 * time.Millisecond
	config.MaxBackoff = 20 * time.Millisecond
	config.RetryTimeout = 50 * time.Millisecond
	tracker := &callTracker{err: &ProtocolError{Kind: ShortRead}, failures: 1000}

	err := RetryWithConfig(context.Background(), config, tracker.fn)
	require.Error(t, err)
	assert.Less(t, tracker.calls, 10)
}
