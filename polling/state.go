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
	"errors"
	"time"

	"github.com/ZaparooProject/go-pasori"
)

// CardDetectionState is the session's view of the field
type CardDetectionState int

const (
	StateIdle CardDetectionState = iota
	StateCardDetected
	// StateReading is held while callbacks run so a stale removal timer
	// cannot fire underneath them.
	StateReading
)

// String returns the state name
func (s CardDetectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCardDetected:
		return "card detected"
	case StateReading:
		return "reading"
	default:
		return "unknown"
	}
}

// CardState tracks the card currently in the field
type CardState struct {
	LastSeenTime   time.Time
	ReadStartTime  time.Time
	RemovalTimer   *time.Timer
	LastIDm        pasori.IDm
	LastPMm        pasori.PMm
	DetectionState CardDetectionState
	Present        bool
}

// ErrNoCardInPoll reports a poll cycle that found nothing
var ErrNoCardInPoll = errors.New("no card detected in polling cycle")

func safeTimerStop(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// TransitionToReading stops the removal timer while the card is handled
func (cs *CardState) TransitionToReading() {
	cs.DetectionState = StateReading
	cs.ReadStartTime = time.Now()
	safeTimerStop(cs.RemovalTimer)
	cs.RemovalTimer = nil
}

// TransitionToDetected marks the card seen and arms the removal timer
func (cs *CardState) TransitionToDetected(timeout time.Duration, callback func()) {
	cs.DetectionState = StateCardDetected
	cs.LastSeenTime = time.Now()
	safeTimerStop(cs.RemovalTimer)
	cs.RemovalTimer = time.AfterFunc(timeout, callback)
}

// TransitionToIdle forgets the card
func (cs *CardState) TransitionToIdle() {
	cs.DetectionState = StateIdle
	cs.Present = false
	cs.LastIDm = pasori.IDm{}
	cs.LastPMm = pasori.PMm{}
	cs.LastSeenTime = time.Time{}
	cs.ReadStartTime = time.Time{}
	safeTimerStop(cs.RemovalTimer)
	cs.RemovalTimer = nil
}

// CanStartRemovalTimer reports whether a card is present and not being read
func (cs *CardState) CanStartRemovalTimer() bool {
	return cs.DetectionState == StateCardDetected
}
