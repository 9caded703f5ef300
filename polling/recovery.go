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

package polling

import (
	"context"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-pasori"
	"github.com/ZaparooProject/go-pasori/internal/syncutil"
)

// DeviceRecoverer handles device recovery after sleep/wake or errors
type DeviceRecoverer interface {
	// AttemptRecovery tries to bring the reader back to Ready.
	AttemptRecovery(ctx context.Context) error

	// GetDevice returns the current device reference (may change after reconnection)
	GetDevice() *pasori.Device
}

// ReopenFunc opens a fresh device for the same reader. The device may be
// returned uninitialized, in which case the recoverer runs Init on it.
type ReopenFunc func(ctx context.Context) (*pasori.Device, error)

const (
	defaultRecoveryAttempts = 3
	defaultRecoveryBackoff  = 500 * time.Millisecond
)

// DefaultRecoverer recovers in two tiers:
//  1. re-run Init on the current handle, unless it is Faulted
//  2. close the handle and reopen the reader through a ReopenFunc
type DefaultRecoverer struct {
	device      *pasori.Device
	reopen      ReopenFunc
	backoff     time.Duration
	maxAttempts int
	mu          syncutil.Mutex
}

// NewDefaultRecoverer creates a recoverer for device. With a nil reopen
// only the first tier is available, so a Faulted device cannot recover.
func NewDefaultRecoverer(
	device *pasori.Device,
	reopen ReopenFunc,
	backoff time.Duration,
	maxAttempts int,
) *DefaultRecoverer {
	if maxAttempts <= 0 {
		maxAttempts = defaultRecoveryAttempts
	}
	if backoff <= 0 {
		backoff = defaultRecoveryBackoff
	}
	return &DefaultRecoverer{
		device:      device,
		reopen:      reopen,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

// AttemptRecovery runs up to maxAttempts rounds, pausing backoff between
// them. A Faulted handle refuses Init, so it goes straight to a reopen.
func (r *DefaultRecoverer) AttemptRecovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for attempt := range r.maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.backoff):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.device.State() != pasori.StateFaulted {
			err := r.device.Init(ctx)
			if err == nil {
				pasori.Debugf("recovery: re-init succeeded on attempt %d", attempt+1)
				return nil
			}
			lastErr = err
		} else {
			lastErr = fmt.Errorf("device %s: %w", r.device.ID()[:8], pasori.ErrDeviceFaulted)
		}

		if r.reopen == nil {
			if r.device.State() == pasori.StateFaulted {
				return lastErr
			}
			continue
		}

		if err := r.reconnect(ctx); err != nil {
			pasori.Debugf("recovery: reopen attempt %d failed: %v", attempt+1, err)
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// reconnect replaces the handle with a freshly opened, initialized one.
// The old handle is closed first so the reader is free to be claimed.
func (r *DefaultRecoverer) reconnect(ctx context.Context) error {
	_ = r.device.Close()

	device, err := r.reopen(ctx)
	if err != nil {
		return err
	}
	if device.State() == pasori.StateUninitialized {
		if err := device.Init(ctx); err != nil {
			_ = device.Close()
			return err
		}
	}
	if s := device.State(); s != pasori.StateReady {
		_ = device.Close()
		return fmt.Errorf("reopened device is %s, not ready", s)
	}

	pasori.Debugf("recovery: reconnected as %s", device.ID()[:8])
	r.device = device
	return nil
}

// GetDevice returns the current device reference.
// This may return a different device after a successful reconnection.
func (r *DefaultRecoverer) GetDevice() *pasori.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}
