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

// Package testing provides a wire-level emulator of an RCS956/PN533
// reader with FeliCa cards in its field. VirtualReader satisfies the
// Transport interface of the root package without importing it, so the
// Device and Engine can be tested end to end without hardware.
package testing

import (
	"bytes"
	"time"

	"github.com/ZaparooProject/go-pasori/internal/frame"
	"github.com/ZaparooProject/go-pasori/internal/syncutil"
)

// Controller command codes
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInDeselect          = 0x44
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// Controller status bytes
const (
	statusOK           = 0x00
	statusTimeout      = 0x01
	statusInvalidParam = 0x10
	statusWrongContext = 0x27
)

// Fault is a one-shot failure applied to the next command the reader
// receives.
type Fault int

const (
	// FaultCorruptDCS flips a bit in the response's data checksum.
	FaultCorruptDCS Fault = iota + 1
	// FaultCorruptLCS flips a bit in the response's length checksum.
	FaultCorruptLCS
	// FaultDropACK sends the response without the preceding ACK.
	FaultDropACK
	// FaultSilence sends the ACK and then nothing.
	FaultSilence
	// FaultNACK answers with a NACK instead of an ACK, in the FF FF FF
	// form the RCS956 sends.
	FaultNACK
	// FaultErrorFrame sends the ACK and then an application error frame.
	FaultErrorFrame
	// FaultTruncate sends the ACK and only the first half of the response.
	FaultTruncate
)

// ReaderState is a snapshot of the emulated controller
type ReaderState struct {
	MaxRetries [3]byte
	SAMMode    byte
	RFFieldOn  bool
	Activated  bool
}

// timeoutError is returned by Read when no bytes are pending. It reports
// itself as a timeout the way net.Error does.
type timeoutError struct{}

func (timeoutError) Error() string { return "virtual reader: read timed out" }
func (timeoutError) Timeout() bool { return true }

type closedError struct{}

func (closedError) Error() string { return "virtual reader: closed" }

// ErrTimeout is the error Read returns when nothing is pending
var ErrTimeout error = timeoutError{}

// ErrClosed is returned for I/O after Close
var ErrClosed error = closedError{}

// VirtualReader emulates an RCS956 at the byte level. Commands are
// processed synchronously on Write; the ACK and response are queued for
// Read. Read never blocks: with nothing queued it returns ErrTimeout at
// once, which is how a silent controller looks to the host.
type VirtualReader struct {
	card         *VirtualCard
	rx           []byte
	tx           []byte
	lastResponse []byte
	faults       []Fault
	commands     []byte
	firmware     [4]byte
	state        ReaderState
	chunk        int
	mu           syncutil.Mutex
	closed       bool
}

// NewVirtualReader creates a reader reporting firmware PN533 v1.48 with
// no card in the field.
func NewVirtualReader() *VirtualReader {
	return &VirtualReader{firmware: [4]byte{0x33, 0x01, 0x30, 0x07}}
}

// SetCard places card in the field. nil removes the current card.
func (r *VirtualReader) SetCard(card *VirtualCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = card
	r.state.Activated = false
}

// RemoveCard takes the card out of the field
func (r *VirtualReader) RemoveCard() {
	r.SetCard(nil)
}

// SetFirmware sets the IC, Ver, Rev and Support bytes of GetFirmwareVersion
func (r *VirtualReader) SetFirmware(ic, ver, rev, support byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firmware = [4]byte{ic, ver, rev, support}
}

// SetReadChunk limits how many bytes a single Read returns, to exercise
// reassembly of frames split across reads. Zero means no limit.
func (r *VirtualReader) SetReadChunk(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunk = n
}

// InjectFault queues faults, one per following command.
func (r *VirtualReader) InjectFault(faults ...Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, faults...)
}

// Commands returns the opcodes received so far, in order
func (r *VirtualReader) Commands() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.commands...)
}

// CountCommand returns how many times opcode was received
func (r *VirtualReader) CountCommand(opcode byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Count(r.commands, []byte{opcode})
}

// State returns a snapshot of the controller state
func (r *VirtualReader) State() ReaderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns the number of bytes waiting to be read
func (r *VirtualReader) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tx)
}

// Write accepts host bytes and processes every complete frame in them.
func (r *VirtualReader) Write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.rx = append(r.rx, data...)
	r.process()
	return nil
}

// Read returns up to maxLen pending bytes, or ErrTimeout when none are
// pending. The timeout argument is ignored.
func (r *VirtualReader) Read(maxLen int, _ time.Duration) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if len(r.tx) == 0 {
		return nil, ErrTimeout
	}
	n := len(r.tx)
	if maxLen > 0 && n > maxLen {
		n = maxLen
	}
	if r.chunk > 0 && n > r.chunk {
		n = r.chunk
	}
	out := append([]byte(nil), r.tx[:n]...)
	r.tx = r.tx[n:]
	return out, nil
}

// Close implements the transport Close
func (r *VirtualReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// IsClosed reports whether Close was called
func (r *VirtualReader) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// process consumes complete frames from rx
func (r *VirtualReader) process() {
	for {
		i := frame.LocateStart(r.rx)
		if i < 0 {
			// Keep a trailing 00 that may begin a start code.
			if n := len(r.rx); n > 0 && r.rx[n-1] == frame.StartCode1 {
				r.rx = append(r.rx[:0], frame.StartCode1)
			} else {
				r.rx = r.rx[:0]
			}
			return
		}
		r.rx = r.rx[i:]
		h, ok := frame.ParseHeader(r.rx)
		if !ok || (h.LengthValid && len(r.rx) < h.Size) {
			return
		}
		switch h.Kind {
		case frame.KindAck:
			// An ACK from the host aborts whatever is still queued.
			r.rx = r.rx[h.Size:]
			r.tx = r.tx[:0]
			continue
		case frame.KindNack:
			r.rx = r.rx[h.Size:]
			r.tx = append(r.tx, r.lastResponse...)
			continue
		case frame.KindNormal, frame.KindExtended:
		default:
			r.rx = r.rx[frame.StartCodeSize:]
			continue
		}
		if !h.LengthValid {
			r.rx = r.rx[h.BodyOffset:]
			continue
		}
		body := r.rx[h.BodyOffset : h.Size-2]
		valid := frame.ValidSum(r.rx[h.BodyOffset : h.Size-1])
		r.rx = r.rx[h.Size:]
		if !valid || len(body) < 2 || body[0] != frame.HostToController {
			// A frame the controller cannot parse is answered with a NACK.
			r.tx = append(r.tx, frame.NackFrame...)
			continue
		}
		r.handle(body[1], body[2:])
	}
}

func (r *VirtualReader) nextFault() Fault {
	if len(r.faults) == 0 {
		return 0
	}
	f := r.faults[0]
	r.faults = r.faults[1:]
	return f
}

func (r *VirtualReader) handle(opcode byte, params []byte) {
	r.commands = append(r.commands, opcode)
	fault := r.nextFault()

	switch fault {
	case FaultNACK:
		r.tx = append(r.tx, frame.AltNackFrame...)
		return
	case FaultDropACK:
	default:
		r.tx = append(r.tx, frame.AckFrame...)
	}

	payload, ok := r.dispatch(opcode, params)
	var resp []byte
	if ok {
		resp = frame.Build(frame.ControllerToHost, append([]byte{opcode + 1}, payload...))
	} else {
		resp = frame.Build(frame.ErrorTFI, nil)
	}
	r.lastResponse = resp

	switch fault {
	case FaultSilence:
		return
	case FaultErrorFrame:
		resp = frame.Build(frame.ErrorTFI, nil)
	case FaultCorruptDCS:
		resp = append([]byte(nil), resp...)
		resp[len(resp)-2] ^= 0x01
	case FaultCorruptLCS:
		resp = append([]byte(nil), resp...)
		resp[4] ^= 0x01
	case FaultTruncate:
		resp = resp[:len(resp)/2]
	}
	r.tx = append(r.tx, resp...)
}

// dispatch runs a command and returns the response payload after the
// response code. ok is false for commands the controller rejects with a
// syntax error frame.
func (r *VirtualReader) dispatch(opcode byte, params []byte) (payload []byte, ok bool) {
	switch opcode {
	case cmdGetFirmwareVersion:
		return r.firmware[:], true
	case cmdSAMConfiguration:
		if len(params) < 1 || params[0] < 0x01 || params[0] > 0x04 {
			return nil, false
		}
		r.state.SAMMode = params[0]
		return nil, true
	case cmdRFConfiguration:
		return r.rfConfiguration(params)
	case cmdInListPassiveTarget:
		return r.inListPassiveTarget(params)
	case cmdInDataExchange:
		return r.inDataExchange(params), true
	case cmdInRelease, cmdInDeselect:
		if len(params) < 1 {
			return nil, false
		}
		r.state.Activated = false
		return []byte{statusOK}, true
	default:
		return nil, false
	}
}

func (r *VirtualReader) rfConfiguration(params []byte) ([]byte, bool) {
	if len(params) < 2 {
		return nil, false
	}
	switch params[0] {
	case 0x01:
		r.state.RFFieldOn = params[1]&0x01 != 0
		if !r.state.RFFieldOn {
			r.state.Activated = false
		}
	case 0x05:
		if len(params) < 4 {
			return nil, false
		}
		copy(r.state.MaxRetries[:], params[1:4])
	}
	return nil, true
}

func (r *VirtualReader) inListPassiveTarget(params []byte) ([]byte, bool) {
	if len(params) < 2 {
		return nil, false
	}
	maxTg, brTy := params[0], params[1]
	if maxTg < 1 || maxTg > 2 || (brTy != 0x01 && brTy != 0x02) {
		return nil, false
	}
	if !r.state.RFFieldOn || r.card == nil {
		return []byte{0x00}, true
	}

	poll := append([]byte{byte(len(params) - 1)}, params[2:]...)
	resp, ok := r.card.Handle(poll)
	if !ok {
		return []byte{0x00}, true
	}
	r.state.Activated = true
	return append([]byte{0x01, 0x01}, resp...), true
}

func (r *VirtualReader) inDataExchange(params []byte) []byte {
	if len(params) < 2 {
		return []byte{statusInvalidParam}
	}
	tg, data := params[0], params[1:]
	if tg != 0x01 {
		return []byte{statusWrongContext}
	}
	if !r.state.RFFieldOn || r.card == nil {
		return []byte{statusTimeout}
	}
	isPolling := len(data) >= 2 && data[1] == felicaPolling
	if !r.state.Activated && !isPolling {
		return []byte{statusWrongContext}
	}

	resp, ok := r.card.Handle(data)
	if !ok {
		return []byte{statusTimeout}
	}
	r.state.Activated = true
	return append([]byte{statusOK}, resp...)
}
