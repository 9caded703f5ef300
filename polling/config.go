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
	"time"

	"github.com/ZaparooProject/go-pasori"
)

// SleepRecoveryConfig controls what the session does when the host
// resumes from sleep with the reader in an unknown state.
type SleepRecoveryConfig struct {
	// Enabled enables sleep detection and recovery attempts
	Enabled bool

	// TimeDiscontinuityThreshold is the minimum elapsed time beyond the expected
	// poll interval that indicates a sleep occurred. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration

	// MaxRecoveryAttempts is the number of recovery attempts before
	// treating as a fatal error. Default: 3
	MaxRecoveryAttempts int

	// RecoveryBackoff is the delay between recovery attempts
	RecoveryBackoff time.Duration
}

// DefaultSleepRecoveryConfig returns sleep recovery enabled with
// conservative thresholds.
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
		MaxRecoveryAttempts:        3,
		RecoveryBackoff:            500 * time.Millisecond,
	}
}

// DetectSleep reports whether elapsed between two poll cycles is long
// enough that the host must have been asleep.
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, pollInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	expectedMax := pollInterval + cfg.TimeDiscontinuityThreshold
	return elapsed > expectedMax
}

// Config configures a polling Session
type Config struct {
	PollInterval       time.Duration
	CardRemovalTimeout time.Duration
	// System is the system code each poll asks for. SystemCodeAny finds
	// every FeliCa card.
	System pasori.SystemCode
	// SleepRecovery configures automatic recovery after host sleep/wake cycles
	SleepRecovery SleepRecoveryConfig
}

// DefaultConfig returns the library's default polling cadence
func DefaultConfig() *Config {
	return &Config{
		PollInterval:       pasori.DefaultPollInterval,
		CardRemovalTimeout: pasori.DefaultCardRemovalTimeout,
		System:             pasori.SystemCodeAny,
		SleepRecovery:      DefaultSleepRecoveryConfig(),
	}
}
