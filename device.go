// go-pasori
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pasori.
//
// go-pasori is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pasori is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pasori; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package pasori

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-pasori/internal/syncutil"
)

// dataExchangeTarget is the target number used when polling through
// InDataExchange. The controller numbers its first target 1.
const dataExchangeTarget = 0x01

// maxServiceSearch bounds ListServices on a card that never reports the
// end of its node list.
const maxServiceSearch = 0x400

// State is the lifecycle state of a Device
type State int

const (
	StateUninitialized State = iota
	StateReady
	StatePolling
	StateTargetAcquired
	StateExchanging
	// StateFaulted is terminal; every call returns ErrDeviceFaulted.
	StateFaulted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StatePolling:
		return "polling"
	case StateTargetAcquired:
		return "target acquired"
	case StateExchanging:
		return "exchanging"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// CardTarget is the card found by the last successful Poll. The next Poll
// or Release invalidates it.
type CardTarget struct {
	// RequestData is the system code or communication performance when
	// polling asked for it
	RequestData  []byte
	IDm          IDm
	PMm          PMm
	TargetNumber byte
}

// SystemCode returns the system code the card reported while polling
func (t *CardTarget) SystemCode() (SystemCode, bool) {
	return (&PollingResponse{RequestData: t.RequestData}).SystemCode()
}

func (t *CardTarget) clone() *CardTarget {
	c := *t
	c.RequestData = append([]byte(nil), t.RequestData...)
	return &c
}

// Device sequences initialization, polling and FeliCa exchanges over one
// reader. Calls are serialized; a Device is safe for concurrent use but
// only one command is ever in flight.
type Device struct {
	engine   *Engine
	config   *DeviceConfig
	firmware *FirmwareVersion
	target   *CardTarget
	state    State
	// op serializes operations, mu guards the fields above. Lock order is
	// op, then mu, then the engine lock.
	op syncutil.Mutex
	mu syncutil.Mutex
}

// New creates a device over transport. The device must be initialized
// with Init before polling.
func New(transport Transport, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}
	device := &Device{config: DefaultDeviceConfig()}

	for _, opt := range opts {
		if err := opt(device); err != nil {
			return nil, err
		}
	}

	device.engine = NewEngine(transport, device.config)
	debugf("[%s] new device on %s transport", device.ID(), transportName(transport))
	return device, nil
}

// ConnectDevice opens a transport with open, creates a Device over it and
// runs Init. Options from a ModelTransport are applied before opts. The
// transport is closed if any step fails.
func ConnectDevice(ctx context.Context, open Opener, opts ...Option) (*Device, error) {
	transport, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}
	if mt, ok := transport.(ModelTransport); ok {
		opts = append(mt.DeviceOptions(), opts...)
	}

	device, err := New(transport, opts...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := device.Init(ctx); err != nil {
		_ = device.Close()
		return nil, err
	}
	return device, nil
}

// ID returns the session ID used in logs and wire traces
func (d *Device) ID() string {
	return d.engine.Session()
}

// Transport returns the underlying transport
func (d *Device) Transport() Transport {
	return d.engine.Transport()
}

// Engine returns the command engine, for sending raw host commands
func (d *Device) Engine() *Engine {
	return d.engine
}

// Config returns a copy of the device configuration
func (d *Device) Config() DeviceConfig {
	return *d.config
}

// State returns the current lifecycle state
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// FirmwareVersion returns the version read during Init, or nil
func (d *Device) FirmwareVersion() *FirmwareVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.firmware == nil {
		return nil
	}
	fw := *d.firmware
	return &fw
}

// Target returns a copy of the acquired card, or nil
func (d *Device) Target() *CardTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.target == nil {
		return nil
	}
	return d.target.clone()
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	if s != StateTargetAcquired && s != StateExchanging {
		d.target = nil
	}
	d.mu.Unlock()
	if prev != s {
		debugf("[%s] state %s -> %s", d.ID()[:8], prev, s)
	}
}

// checkState returns nil when the device is in one of allowed
func (d *Device) checkState(allowed ...State) error {
	s := d.State()
	for _, a := range allowed {
		if s == a {
			return nil
		}
	}
	switch s {
	case StateFaulted:
		return ErrDeviceFaulted
	case StateUninitialized:
		return ErrNotInitialized
	case StateReady:
		return ErrNoTarget
	default:
		return fmt.Errorf("operation not allowed while %s", s)
	}
}

// Init reads the firmware version, puts the SAM in the configured mode,
// switches the RF field on and sets the passive activation retries. Any
// failure faults the device for good.
func (d *Device) Init(ctx context.Context) error {
	d.op.Lock()
	defer d.op.Unlock()

	if d.State() == StateFaulted {
		return ErrDeviceFaulted
	}

	fw, err := d.initSequence(ctx)
	if err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("init: %w", err)
	}

	d.mu.Lock()
	d.firmware = fw
	d.mu.Unlock()
	d.setState(StateReady)
	debugf("[%s] initialized %s", d.ID()[:8], fw)
	return nil
}

func (d *Device) initSequence(ctx context.Context) (*FirmwareVersion, error) {
	resp, err := d.engine.Send(ctx, GetFirmwareVersion{})
	if err != nil {
		return nil, err
	}
	fw, ok := resp.Result.(*FirmwareVersion)
	if !ok {
		return nil, fmt.Errorf("unexpected GetFirmwareVersion result %T", resp.Result)
	}

	steps := []HostCommand{
		SAMConfiguration{Mode: d.config.SAMMode, Timeout: DefaultSAMTimeout, UseIRQ: true},
		RFField(true),
		RFMaxRetries(DefaultATRRetries, DefaultPSLRetries, d.config.PassiveActivationRetries),
	}
	for _, cmd := range steps {
		if _, err := d.engine.Send(ctx, cmd); err != nil {
			return nil, err
		}
	}
	return fw, nil
}

// Poll looks for one FeliCa card answering cmd. When nothing answers
// before the poll timeout it returns (nil, nil) and the device stays
// Ready. A found card becomes the acquired target.
func (d *Device) Poll(ctx context.Context, cmd PollingCommand) (*CardTarget, error) {
	d.op.Lock()
	defer d.op.Unlock()

	if err := d.checkState(StateReady, StateTargetAcquired); err != nil {
		return nil, err
	}
	d.setState(StatePolling)

	target, err := d.poll(ctx, cmd)
	if err != nil {
		d.setState(StateReady)
		if IsTimeout(err) {
			debugf("[%s] poll: no target", d.ID()[:8])
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if target == nil {
		d.setState(StateReady)
		return nil, nil
	}

	d.mu.Lock()
	d.target = target
	d.state = StateTargetAcquired
	d.mu.Unlock()
	debugf("[%s] poll: acquired IDm %s PMm %s", d.ID()[:8], target.IDm, target.PMm)
	return target.clone(), nil
}

func (d *Device) poll(ctx context.Context, cmd PollingCommand) (*CardTarget, error) {
	if d.config.PollingMode == PollViaDataExchange {
		return d.pollViaDataExchange(ctx, cmd)
	}

	ilpt, err := FelicaPassiveTarget(cmd)
	if err != nil {
		return nil, err
	}
	resp, err := d.engine.SendWithTimeout(ctx, ilpt, d.config.PollTimeout)
	if err != nil {
		return nil, err
	}
	list, ok := resp.Result.(*PassiveTargetList)
	if !ok {
		return nil, fmt.Errorf("unexpected InListPassiveTarget result %T", resp.Result)
	}
	if len(list.Targets) == 0 {
		return nil, nil
	}

	found := list.Targets[0]
	return targetFromPolling(cmd, found.Data, found.Number)
}

func (d *Device) pollViaDataExchange(ctx context.Context, cmd PollingCommand) (*CardTarget, error) {
	apdu, err := EncodeFelica(cmd)
	if err != nil {
		return nil, err
	}
	resp, err := d.engine.SendWithTimeout(ctx, InDataExchange{Target: dataExchangeTarget, Data: apdu}, d.config.PollTimeout)
	if err != nil {
		if isTargetGone(err) {
			return nil, nil
		}
		return nil, err
	}
	result, ok := resp.Result.(*DataExchangeResult)
	if !ok {
		return nil, fmt.Errorf("unexpected InDataExchange result %T", resp.Result)
	}
	if len(result.Data) == 0 {
		return nil, nil
	}
	return targetFromPolling(cmd, result.Data, dataExchangeTarget)
}

func targetFromPolling(cmd PollingCommand, data []byte, number byte) (*CardTarget, error) {
	decoded, err := DecodeFelica(cmd, data)
	if err != nil {
		return nil, err
	}
	pr, ok := decoded.(*PollingResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected polling response %T", decoded)
	}
	return &CardTarget{
		IDm:          pr.IDm,
		PMm:          pr.PMm,
		RequestData:  pr.RequestData,
		TargetNumber: number,
	}, nil
}

// Exchange sends cmd to the acquired card and returns its decoded answer.
// A command addressed to any other IDm is rejected without being sent.
// Link corruption is retried up to MaxExchangeRetries times. A timeout or
// a controller report that the card left gives ErrTargetLost.
func (d *Device) Exchange(ctx context.Context, cmd FelicaCommand) (FelicaResponse, error) {
	if _, ok := cmd.(PollingCommand); ok {
		return nil, fmt.Errorf("%w: use Poll for polling", ErrInvalidParameter)
	}

	d.op.Lock()
	defer d.op.Unlock()

	if err := d.checkState(StateTargetAcquired); err != nil {
		return nil, err
	}
	apdu, err := EncodeFelica(cmd)
	if err != nil {
		return nil, err
	}

	target := d.Target()
	if a, ok := cmd.(addressed); ok && a.target() != target.IDm {
		return nil, fmt.Errorf("%s: %w: addressed to %s, holding %s",
			cmd.Name(), ErrInvalidParameter, a.target(), target.IDm)
	}
	d.setState(StateExchanging)

	var resp FelicaResponse
	err = RetryIf(ctx, d.config.retryConfig(), retryableExchangeError, func() error {
		r, err := d.engine.Send(ctx, InDataExchange{Target: target.TargetNumber, Data: apdu})
		if err != nil {
			return err
		}
		result, ok := r.Result.(*DataExchangeResult)
		if !ok {
			return fmt.Errorf("unexpected InDataExchange result %T", r.Result)
		}
		resp, err = DecodeFelica(cmd, result.Data)
		return err
	})
	if err != nil {
		d.setState(StateReady)
		if IsTimeout(err) || isTargetGone(err) {
			return nil, fmt.Errorf("%s: %w: %w", cmd.Name(), ErrTargetLost, err)
		}
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}

	d.setState(StateTargetAcquired)
	return resp, nil
}

// retryableExchangeError reports whether re-sending an exchange could help.
// Only link corruption qualifies; timeouts, NACKs and IDm mismatches do not.
func retryableExchangeError(err error) bool {
	if IsTimeout(err) || errors.Is(err, ErrNACKReceived) || errors.Is(err, ErrIDmMismatch) {
		return false
	}
	switch KindOf(err) {
	case ChecksumMismatch, FramingError, ShortRead, UnexpectedFrameKind:
		return true
	case Timeout, ErrorFrameReceived, UnknownOpcode, StatusFlagError:
		return false
	default:
		return false
	}
}

// isTargetGone reports a controller status meaning the card left the field
func isTargetGone(err error) bool {
	var ce *ControllerError
	return errors.As(err, &ce) && ce.IsTargetGone()
}

// Release ends the session with the acquired card. The target is dropped
// even if the controller does not answer.
func (d *Device) Release(ctx context.Context) error {
	return d.endTarget(ctx, func(t *CardTarget) HostCommand { return InRelease{Target: t.TargetNumber} })
}

// Deselect puts the acquired card to sleep and drops it.
func (d *Device) Deselect(ctx context.Context) error {
	return d.endTarget(ctx, func(t *CardTarget) HostCommand { return InDeselect{Target: t.TargetNumber} })
}

func (d *Device) endTarget(ctx context.Context, build func(*CardTarget) HostCommand) error {
	d.op.Lock()
	defer d.op.Unlock()

	if err := d.checkState(StateReady, StateTargetAcquired); err != nil {
		return err
	}
	target := d.Target()
	if target == nil {
		return nil
	}
	d.setState(StateReady)

	cmd := build(target)
	if _, err := d.engine.Send(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return nil
}

// Close releases any target, switches the RF field off and closes the
// transport. Errors talking to the controller are logged, not returned.
func (d *Device) Close() error {
	ctx := context.Background()
	if d.Target() != nil {
		if err := d.Release(ctx); err != nil {
			debugf("[%s] close: release failed: %v", d.ID()[:8], err)
		}
	}

	d.op.Lock()
	defer d.op.Unlock()

	if d.State() == StateReady {
		if _, err := d.engine.Send(ctx, RFField(false)); err != nil {
			debugf("[%s] close: RF off failed: %v", d.ID()[:8], err)
		}
	}
	if d.State() != StateFaulted {
		d.setState(StateUninitialized)
	}

	if err := d.engine.Transport().Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	debugln("[" + d.ID()[:8] + "] closed")
	return nil
}
