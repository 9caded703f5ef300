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

// Package polling watches a reader for FeliCa cards on a background loop
// and reports them through callbacks. It is an optional layer over the
// blocking pasori.Device API.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-pasori"
	"github.com/ZaparooProject/go-pasori/internal/syncutil"
)

// Session handles continuous card monitoring with state machine
type Session struct {
	OnCardDetected func(target *pasori.CardTarget) error
	OnCardRemoved  func()
	OnCardChanged  func(target *pasori.CardTarget) error
	config         *Config
	device         *pasori.Device
	recoverer      DeviceRecoverer
	pauseChan      chan struct{}
	resumeChan     chan struct{}
	ackChan        chan struct{}
	// lastCycle is owned by the polling goroutine
	lastCycle      time.Time
	state          CardState
	stateMutex     syncutil.RWMutex
	opMutex        syncutil.Mutex
	closed         atomic.Bool
	isPaused       atomic.Bool
}

// NewSession creates a new card monitoring session
func NewSession(device *pasori.Device, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	return &Session{
		device:     device,
		config:     config,
		state:      CardState{},
		pauseChan:  make(chan struct{}, 1),
		resumeChan: make(chan struct{}, 1),
		ackChan:    make(chan struct{}, 1),
	}
}

// SetRecoverer installs the recovery used after host sleep or a fatal
// device error. Without one, a fatal error ends Start.
func (s *Session) SetRecoverer(r DeviceRecoverer) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.recoverer = r
}

// Start polls until ctx is done, a callback fails or the device fails
// beyond recovery.
func (s *Session) Start(ctx context.Context) error {
	return s.runPollingLoop(ctx)
}

// GetState returns the current card state
func (s *Session) GetState() CardState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// GetDevice returns the device being polled. It changes after a recovery
// that reopened the reader.
func (s *Session) GetDevice() *pasori.Device {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.device
}

// SetOnCardDetected sets the callback for when a card is detected.
func (s *Session) SetOnCardDetected(callback func(*pasori.CardTarget) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardDetected = callback
}

// SetOnCardRemoved sets the callback for when a card is removed.
func (s *Session) SetOnCardRemoved(callback func()) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardRemoved = callback
}

// SetOnCardChanged sets the callback for when a different card replaces
// the one in the field.
func (s *Session) SetOnCardChanged(callback func(*pasori.CardTarget) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnCardChanged = callback
}

// Close cleans up the monitor resources. The device stays open.
func (s *Session) Close() error {
	// Mark session as closed to prevent timer callbacks from executing
	s.closed.Store(true)

	s.stateMutex.Lock()
	if s.state.RemovalTimer != nil {
		safeTimerStop(s.state.RemovalTimer)
		s.state.RemovalTimer = nil
	}
	s.stateMutex.Unlock()

	s.isPaused.Store(false)

	// Drain pause/resume channels to prevent future state corruption
	select {
	case <-s.pauseChan:
	default:
	}
	select {
	case <-s.resumeChan:
	default:
	}
	return nil
}

// Pause temporarily stops the polling loop
func (s *Session) Pause() {
	if s.isPaused.CompareAndSwap(false, true) {
		// Non-blocking: with no loop running the flag alone is enough
		select {
		case s.pauseChan <- struct{}{}:
		default:
		}
	}
}

// Resume restarts the polling loop after a pause
func (s *Session) Resume() {
	if s.isPaused.CompareAndSwap(true, false) {
		select {
		case s.resumeChan <- struct{}{}:
		default:
		}
	}
}

// pauseWithAck pauses polling and waits briefly for the loop to confirm
func (s *Session) pauseWithAck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.isPaused.CompareAndSwap(false, true) {
		return nil
	}

	select {
	case s.pauseChan <- struct{}{}:
		ackTimeout := time.NewTimer(100 * time.Millisecond)
		defer ackTimeout.Stop()

		select {
		case <-s.ackChan:
			return nil
		case <-ackTimeout.C:
			// No polling loop running
			return nil
		case <-ctx.Done():
			s.isPaused.Store(false)
			return ctx.Err()
		}
	case <-ctx.Done():
		s.isPaused.Store(false)
		return ctx.Err()
	default:
		return nil
	}
}

// WithNextCard waits up to timeout for a card and runs fn against it with
// background polling paused. sessionCtx bounds the wait, opCtx is handed
// to fn.
func (s *Session) WithNextCard(
	sessionCtx context.Context,
	opCtx context.Context,
	timeout time.Duration,
	fn func(context.Context, *pasori.Device, *pasori.CardTarget) error,
) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	if err := s.pauseWithAck(sessionCtx); err != nil {
		return fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	timeoutCtx, cancel := context.WithTimeout(sessionCtx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		target, err := s.performSinglePoll(timeoutCtx)
		if err == nil {
			return fn(opCtx, s.GetDevice(), target)
		}
		if !errors.Is(err, ErrNoCardInPoll) {
			return err
		}

		select {
		case <-ticker.C:
			continue
		case <-timeoutCtx.Done():
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				return errors.New("timeout waiting for card")
			}
			return timeoutCtx.Err()
		}
	}
}

func (s *Session) runPollingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.lastCycle = time.Now()
	for {
		if err := s.handleContextAndPause(ctx); err != nil {
			return err
		}

		if s.config.SleepRecovery.DetectSleep(time.Since(s.lastCycle), s.config.PollInterval) {
			if err := s.recoverAfterSleep(ctx); err != nil {
				return err
			}
		}

		if err := s.executeSinglePollingCycle(ctx); err != nil {
			return err
		}
		s.lastCycle = time.Now()

		if err := s.waitForNextPollOrPause(ctx, ticker); err != nil {
			return err
		}
	}
}

// executeSinglePollingCycle performs one polling cycle and processes results
func (s *Session) executeSinglePollingCycle(ctx context.Context) error {
	target, err := s.performSinglePoll(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCardInPoll) {
			return nil
		}
		return s.handlePollingError(ctx, err)
	}

	if err := s.processPollingResults(target); err != nil {
		return fmt.Errorf("callback error during polling: %w", err)
	}
	return nil
}

// waitForNextPollOrPause waits for the next poll interval or handles pause signals
func (s *Session) waitForNextPollOrPause(ctx context.Context, ticker *time.Ticker) error {
	select {
	case <-ticker.C:
		return nil
	case <-s.pauseChan:
		return s.handlePauseSignal(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handlePauseSignal sends acknowledgment and waits for resume
func (s *Session) handlePauseSignal(ctx context.Context) error {
	select {
	case s.ackChan <- struct{}{}:
	default:
	}
	return s.waitForResume(ctx)
}

func (s *Session) handleContextAndPause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.pauseChan:
		return s.handlePauseSignal(ctx)
	default:
		return nil
	}
}

func (s *Session) waitForResume(ctx context.Context) error {
	select {
	case <-s.resumeChan:
		// Time spent paused is not sleep
		s.lastCycle = time.Now()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// performSinglePoll runs one Poll for the configured system code
func (s *Session) performSinglePoll(ctx context.Context) (*pasori.CardTarget, error) {
	target, err := s.GetDevice().Poll(ctx, pasori.NewPolling(s.config.System))
	if err != nil {
		return nil, fmt.Errorf("card detection failed: %w", err)
	}
	if target == nil {
		return nil, ErrNoCardInPoll
	}
	return target, nil
}

// handlePollingError leaves transient errors to the removal timer. A fatal
// error drops the card, then recovers the device or stops the loop.
func (s *Session) handlePollingError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if !pasori.IsFatal(err) {
		pasori.Debugf("polling: %v", err)
		return nil
	}

	s.handleCardRemoval()
	return s.recover(ctx, err)
}

func (s *Session) recoverAfterSleep(ctx context.Context) error {
	pasori.Debugln("polling: host sleep detected")
	s.handleCardRemoval()
	return s.recover(ctx, nil)
}

// recover runs the recoverer and switches to the device it returns. With
// no recoverer the cause is returned as is.
func (s *Session) recover(ctx context.Context, cause error) error {
	s.stateMutex.RLock()
	r := s.recoverer
	s.stateMutex.RUnlock()

	if r == nil {
		if cause == nil {
			return nil
		}
		return fmt.Errorf("polling stopped: %w", cause)
	}
	if err := r.AttemptRecovery(ctx); err != nil {
		return fmt.Errorf("device recovery failed: %w", err)
	}

	s.stateMutex.Lock()
	s.device = r.GetDevice()
	s.stateMutex.Unlock()
	pasori.Debugf("polling: recovered device %s", s.GetDevice().ID())
	return nil
}

// handleCardRemoval handles card removal state changes
func (s *Session) handleCardRemoval() {
	// Timer callbacks may still fire after Close
	if s.closed.Load() {
		return
	}

	s.stateMutex.Lock()
	// A poll cycle is handling a card right now, so this timer is stale
	if s.state.DetectionState == StateReading {
		s.stateMutex.Unlock()
		return
	}
	wasPresent := s.state.Present
	lastIDm := s.state.LastIDm
	if wasPresent {
		s.state.TransitionToIdle()
	}
	onRemoved := s.OnCardRemoved
	s.stateMutex.Unlock()

	if wasPresent {
		pasori.Debugf("polling: card %s removed", lastIDm)
		if onRemoved != nil {
			onRemoved()
		}
	}
}

// processPollingResults reports the card and rearms the removal timer
func (s *Session) processPollingResults(target *pasori.CardTarget) error {
	// Stop the removal timer before callbacks run; they may take a while
	// talking to the card.
	s.stateMutex.Lock()
	s.state.TransitionToReading()
	s.stateMutex.Unlock()

	if err := s.updateCardState(target); err != nil {
		return err
	}

	s.stateMutex.Lock()
	s.state.TransitionToDetected(s.config.CardRemovalTimeout, s.handleCardRemoval)
	s.stateMutex.Unlock()
	return nil
}

// safeCallCallback executes a callback with panic recovery
func (*Session) safeCallCallback(
	callback func(*pasori.CardTarget) error,
	target *pasori.CardTarget,
	callbackName string,
) error {
	var callbackErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callbackErr = fmt.Errorf("%s callback panicked: %v", callbackName, r)
			}
		}()
		callbackErr = callback(target)
	}()
	if callbackErr != nil {
		return fmt.Errorf("%s callback failed: %w", callbackName, callbackErr)
	}
	return nil
}

// updateCardState fires OnCardDetected or OnCardChanged and records the card
func (s *Session) updateCardState(target *pasori.CardTarget) error {
	s.stateMutex.RLock()
	wasPresent := s.state.Present
	wasChanged := wasPresent && s.state.LastIDm != target.IDm
	onDetected := s.OnCardDetected
	onChanged := s.OnCardChanged
	s.stateMutex.RUnlock()

	switch {
	case !wasPresent:
		pasori.Debugf("polling: card %s detected", target.IDm)
		if onDetected != nil {
			if err := s.safeCallCallback(onDetected, target, "OnCardDetected"); err != nil {
				return err
			}
		}
	case wasChanged:
		pasori.Debugf("polling: card changed to %s", target.IDm)
		if onChanged != nil {
			if err := s.safeCallCallback(onChanged, target, "OnCardChanged"); err != nil {
				return err
			}
		}
	}

	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.state.Present = true
	s.state.LastIDm = target.IDm
	s.state.LastPMm = target.PMm
	return nil
}
