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

// Package usb is a raw byte transport for Sony PaSoRi readers attached
// over USB bulk endpoints.
package usb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZaparooProject/go-pasori"
	"github.com/karalabe/usb"
)

// SonyVendorID is the USB vendor ID of every PaSoRi
const SonyVendorID = 0x054C

// readBufferSize is large enough for any single bulk transfer the
// controller sends in normal-frame mode.
const readBufferSize = 512

// Model identifies a PaSoRi generation by its USB product ID.
type Model int

const (
	ModelUnknown Model = iota
	ModelS310
	ModelS320
	ModelS330
)

var productIDs = map[uint16]Model{
	0x006C: ModelS310,
	0x01BB: ModelS320,
	0x02E1: ModelS330,
}

// ModelByProductID returns the model for a Sony product ID, or ModelUnknown.
func ModelByProductID(pid uint16) Model {
	return productIDs[pid]
}

// String returns the model's marketing name
func (m Model) String() string {
	switch m {
	case ModelS310:
		return "RC-S310"
	case ModelS320:
		return "RC-S320"
	case ModelS330:
		return "RC-S330"
	default:
		return "unknown"
	}
}

// Supported reports whether the model speaks PN532 frames over its bulk
// endpoints. The RC-S310 and RC-S320 are driven with vendor control
// transfers instead and cannot be used with this transport.
func (m Model) Supported() bool {
	return m == ModelS330
}

// DeviceOptions returns the device options a model needs on top of the
// defaults. The RC-S330 is slow to ACK while its field settles.
func (m Model) DeviceOptions() []pasori.Option {
	if m == ModelS330 {
		return []pasori.Option{pasori.WithAckTimeout(pasori.S330AckTimeout)}
	}
	return nil
}

// DeviceInfo describes an attached PaSoRi
type DeviceInfo struct {
	Path      string
	Serial    string
	info      usb.DeviceInfo
	Model     Model
	ProductID uint16
}

// Devices lists attached PaSoRi readers with a known product ID, including
// models this transport cannot drive.
func Devices() ([]DeviceInfo, error) {
	if !usb.Supported() {
		return nil, fmt.Errorf("usb: not supported on this platform: %w", pasori.ErrDeviceNotFound)
	}
	infos, err := usb.Enumerate(SonyVendorID, 0)
	if err != nil {
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		model := ModelByProductID(info.ProductID)
		if model == ModelUnknown {
			continue
		}
		devices = append(devices, DeviceInfo{
			Path:      info.Path,
			Serial:    info.Serial,
			Model:     model,
			ProductID: info.ProductID,
			info:      info,
		})
	}
	return devices, nil
}

// Open opens the first attached PaSoRi of a supported model.
func Open() (*Transport, error) {
	devices, err := Devices()
	if err != nil {
		return nil, err
	}
	d, err := firstSupported(devices)
	if err != nil {
		return nil, err
	}
	return d.Open()
}

func firstSupported(devices []DeviceInfo) (DeviceInfo, error) {
	for _, d := range devices {
		if d.Model.Supported() {
			return d, nil
		}
	}
	if len(devices) > 0 {
		return DeviceInfo{}, fmt.Errorf("%s at %s: %w", devices[0].Model, devices[0].Path, pasori.ErrUnsupportedModel)
	}
	return DeviceInfo{}, fmt.Errorf("PaSoRi not found (VID:0x%04X): %w", SonyVendorID, pasori.ErrDeviceNotFound)
}

// OpenPath opens the PaSoRi at the given platform path.
func OpenPath(path string) (*Transport, error) {
	devices, err := Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Path == path {
			return d.Open()
		}
	}
	return nil, fmt.Errorf("PaSoRi not found at %s: %w", path, pasori.ErrDeviceNotFound)
}

// Open claims the device and starts reading from its IN endpoint. Models
// that are not Supported give ErrUnsupportedModel without being claimed.
func (d DeviceInfo) Open() (*Transport, error) {
	return d.open(func() (device, error) {
		dev, err := d.info.Open()
		if err != nil {
			return nil, err
		}
		return dev, nil
	})
}

func (d DeviceInfo) open(claim func() (device, error)) (*Transport, error) {
	if !d.Model.Supported() {
		return nil, fmt.Errorf("%s at %s: %w", d.Model, d.Path, pasori.ErrUnsupportedModel)
	}
	dev, err := claim()
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", d.Path, err)
	}
	pasori.Debugf("usb: opened %s at %s", d.Model, d.Path)
	return newTransport(dev, d.Path, d.Model), nil
}

// device is the subset of usb.Device the transport uses
type device interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

type readResult struct {
	err  error
	data []byte
}

// Transport implements pasori.Transport over a PaSoRi's bulk endpoints.
// A background goroutine owns the IN endpoint because the driver's reads
// block without a deadline; Read waits on its output with a timer.
type Transport struct {
	dev       device
	results   chan readResult
	done      chan struct{}
	readErr   error
	path      string
	pending   []byte
	model     Model
	mu        sync.Mutex
	closeOnce sync.Once
}

func newTransport(dev device, path string, model Model) *Transport {
	t := &Transport{
		dev:     dev,
		path:    path,
		model:   model,
		results: make(chan readResult, 16),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *Transport) readLoop() {
	defer close(t.results)
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.dev.Read(buf)
		if err != nil {
			select {
			case t.results <- readResult{err: err}:
			case <-t.done:
			}
			return
		}
		if n == 0 {
			continue
		}
		select {
		case t.results <- readResult{data: append([]byte(nil), buf[:n]...)}:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Write sends data to the OUT endpoint
func (t *Transport) Write(data []byte) error {
	if t.isClosed() {
		return pasori.NewTransportClosedError("write", t.path)
	}
	n, err := t.dev.Write(data)
	if err != nil {
		return pasori.NewTransportError("write", t.path, err, pasori.ErrorTypeTransient)
	}
	if n != len(data) {
		return pasori.NewTransportWriteError("write", t.path)
	}
	return nil
}

// Read returns bytes from the next bulk transfer, at most maxLen at a time.
func (t *Transport) Read(maxLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed() {
		return nil, pasori.NewTransportClosedError("read", t.path)
	}
	if len(t.pending) == 0 {
		data, err := t.waitData(timeout)
		if err != nil {
			return nil, err
		}
		t.pending = data
	}

	n := min(maxLen, len(t.pending))
	out := append([]byte(nil), t.pending[:n]...)
	t.pending = t.pending[n:]
	return out, nil
}

func (t *Transport) waitData(timeout time.Duration) ([]byte, error) {
	if t.readErr != nil {
		return nil, t.readErr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r, ok := <-t.results:
		if !ok {
			return nil, pasori.NewTransportClosedError("read", t.path)
		}
		if r.err != nil {
			// The IN endpoint is gone; every later read fails the same way.
			t.readErr = pasori.NewTransportError("read", t.path, r.err, pasori.ErrorTypePermanent)
			return nil, t.readErr
		}
		return r.data, nil
	case <-timer.C:
		return nil, pasori.NewTimeoutError("read", t.path)
	case <-t.done:
		return nil, pasori.NewTransportClosedError("read", t.path)
	}
}

// Close releases the device. The read goroutine exits once the driver
// read returns.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if cerr := t.dev.Close(); cerr != nil && !errors.Is(cerr, usb.ErrDeviceClosed) {
			err = fmt.Errorf("close device %s: %w", t.path, cerr)
		}
	})
	return err
}

// Model returns the PaSoRi generation
func (t *Transport) Model() Model {
	return t.model
}

// DeviceOptions returns the options the attached model needs
func (t *Transport) DeviceOptions() []pasori.Option {
	return t.model.DeviceOptions()
}

// Path returns the platform device path
func (t *Transport) Path() string {
	return t.path
}

// Type returns the transport type
func (*Transport) Type() pasori.TransportType {
	return pasori.TransportUSB
}

var _ pasori.ModelTransport = (*Transport)(nil)
