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
	"errors"
	"fmt"
	"io"
)

// Error categories for error handling and retry logic
var (
	// Transport errors - reported to the caller unmodified
	ErrTransportTimeout = errors.New("transport timeout")
	ErrTransportWrite   = errors.New("transport write failed")
	ErrTransportRead    = errors.New("transport read failed")
	ErrTransportClosed  = errors.New("transport is closed")

	// Link errors
	ErrNACKReceived = errors.New("NACK received")
	ErrIDmMismatch  = errors.New("response IDm does not match request")

	// Device errors
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceFaulted    = errors.New("device is faulted")
	ErrNotInitialized   = errors.New("device not initialized")
	ErrNoTarget         = errors.New("no target acquired")
	ErrTargetLost       = errors.New("target lost")
	ErrUnsupportedModel = errors.New("unsupported reader model")

	// Data errors - never retryable
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrDataTooLarge     = errors.New("data too large")
)

// ErrorKind classifies a ProtocolError.
type ErrorKind int

const (
	// ChecksumMismatch means an LCS or DCS byte did not sum to zero.
	ChecksumMismatch ErrorKind = iota + 1
	// FramingError means the bytes did not form a well-shaped frame.
	FramingError
	// Timeout means nothing arrived within the configured wait.
	Timeout
	// UnexpectedFrameKind means a well-formed frame of the wrong kind arrived.
	UnexpectedFrameKind
	// ErrorFrameReceived means the controller answered with an error frame.
	ErrorFrameReceived
	// ShortRead means a frame or response ended early.
	ShortRead
	// UnknownOpcode means the response opcode did not answer the request.
	UnknownOpcode
	// StatusFlagError means a controller status byte or FeliCa status flag
	// pair reported failure. Code holds the raw value.
	StatusFlagError
)

// String returns the kind name
func (k ErrorKind) String() string {
	switch k {
	case ChecksumMismatch:
		return "checksum mismatch"
	case FramingError:
		return "framing error"
	case Timeout:
		return "timeout"
	case UnexpectedFrameKind:
		return "unexpected frame kind"
	case ErrorFrameReceived:
		return "error frame received"
	case ShortRead:
		return "short read"
	case UnknownOpcode:
		return "unknown opcode"
	case StatusFlagError:
		return "status flag error"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// ProtocolError describes a framing or protocol failure. It carries the raw
// bytes involved so callers can log them.
type ProtocolError struct {
	Err      error  // Underlying cause, may be nil
	Op       string // Operation or command that failed
	Raw      []byte // Offending bytes, copied
	Kind     ErrorKind
	Expected int // Expected checksum, length or opcode
	Actual   int // Value actually seen
	Code     uint16
}

func (e *ProtocolError) Error() string {
	msg := e.Kind.String()
	switch e.Kind {
	case ChecksumMismatch, UnknownOpcode:
		msg += fmt.Sprintf(" (expected 0x%02X, got 0x%02X)", e.Expected, e.Actual)
	case StatusFlagError, ErrorFrameReceived:
		msg += fmt.Sprintf(" 0x%02X", e.Code)
	case FramingError, Timeout, UnexpectedFrameKind, ShortRead:
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a ProtocolError against a kind-only template,
// e.g. errors.Is(err, &ProtocolError{Kind: Timeout}).
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.Raw == nil
}

// Timeout reports whether the error is a timeout, matching net.Error.
func (e *ProtocolError) Timeout() bool {
	return e.Kind == Timeout
}

func newProtocolError(kind ErrorKind, op string, raw []byte) *ProtocolError {
	var rawCopy []byte
	if raw != nil {
		rawCopy = make([]byte, len(raw))
		copy(rawCopy, raw)
	}
	return &ProtocolError{Kind: kind, Op: op, Raw: rawCopy}
}

func checksumError(op string, raw []byte, expected, actual byte) *ProtocolError {
	e := newProtocolError(ChecksumMismatch, op, raw)
	e.Expected = int(expected)
	e.Actual = int(actual)
	return e
}

func wrapProtocolError(kind ErrorKind, op string, raw []byte, err error) *ProtocolError {
	e := newProtocolError(kind, op, raw)
	e.Err = err
	return e
}

// KindOf returns the ProtocolError kind in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// ErrorType represents the category of a transport error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error is a timeout, matching net.Error.
func (e *TransportError) Timeout() bool {
	return e.Type == ErrorTypeTimeout
}

// NewTransportError creates a transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for transport reads. Transports
// return it when nothing arrived within the requested wait.
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewTransportWriteError creates a write error (transient)
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite, ErrorTypeTransient)
}

// NewTransportReadError creates a read error (transient)
func NewTransportReadError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportRead, ErrorTypeTransient)
}

// NewTransportClosedError creates an error for I/O on a closed transport (permanent)
func NewTransportClosedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportClosed, ErrorTypePermanent)
}

// ControllerError reports a non-zero status byte returned by the PN532/RCS956
// inside an otherwise valid response.
type ControllerError struct {
	Command string
	Status  byte
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("%s status 0x%02X (%s)", e.Command, e.Status, controllerStatusMeaning(e.Status))
}

// IsTargetGone reports whether the status means the card left the field.
func (e *ControllerError) IsTargetGone() bool {
	switch e.Status & 0x3F {
	case 0x01, 0x29, 0x2B:
		return true
	default:
		return false
	}
}

// controllerStatusMeaning returns a human-readable meaning for PN532 status
// codes, per section 7.1 of the PN532 user manual. The top two bits carry
// the MI and NAD flags and are ignored.
func controllerStatusMeaning(code byte) string {
	meanings := map[byte]string{
		0x00: "success",
		0x01: "timeout",
		0x02: "CRC error",
		0x03: "parity error",
		0x04: "erroneous bit count during anti-collision",
		0x05: "framing error",
		0x06: "abnormal bit collision",
		0x07: "communication buffer size insufficient",
		0x09: "RF buffer overflow",
		0x0A: "RF field not activated in time",
		0x0B: "RF protocol error",
		0x0D: "overheating",
		0x0E: "internal buffer overflow",
		0x10: "invalid parameter",
		0x12: "DEP protocol not supported",
		0x13: "data format does not match",
		0x14: "authentication error",
		0x23: "UID check byte is wrong",
		0x25: "DEP invalid state",
		0x26: "operation not allowed",
		0x27: "wrong context for command",
		0x29: "target released by initiator",
		0x2A: "card ID mismatch",
		0x2B: "card disappeared",
		0x2C: "NFCID3 initiator/target mismatch",
		0x2D: "over-current event",
		0x2E: "NAD missing in DEP frame",
	}
	if m, ok := meanings[code&0x3F]; ok {
		return m
	}
	return "unknown error"
}

// statusError builds the StatusFlagError for a controller status byte.
func statusError(command string, status byte, raw []byte) *ProtocolError {
	e := wrapProtocolError(StatusFlagError, command, raw, &ControllerError{Command: command, Status: status})
	e.Code = uint16(status)
	return e
}

// timeoutCarrier is satisfied by net.Error, os.ErrDeadlineExceeded and
// the errors returned by the transports in this module.
type timeoutCarrier interface {
	Timeout() bool
}

// IsTimeout reports whether err is a timeout at any layer.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportTimeout) {
		return true
	}
	var tc timeoutCarrier
	if errors.As(err, &tc) {
		return tc.Timeout()
	}
	return false
}

// IsRetryable reports whether re-sending the same command could succeed.
// Timeouts count as retryable here; the Device narrows this further for
// exchanges with an acquired target.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case ChecksumMismatch, FramingError, ShortRead, Timeout:
			return true
		case UnexpectedFrameKind:
			return !errors.Is(err, ErrIDmMismatch)
		case ErrorFrameReceived, UnknownOpcode, StatusFlagError:
			return false
		default:
			return false
		}
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	return errors.Is(err, ErrTransportTimeout) ||
		errors.Is(err, ErrTransportRead) ||
		errors.Is(err, ErrTransportWrite) ||
		errors.Is(err, ErrNACKReceived)
}

// IsFatal reports whether the error means the device or connection is gone
// and the handle should be discarded. This is distinct from IsRetryable,
// which only concerns a single command.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) && te.Type == ErrorTypePermanent {
		return true
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrDeviceFaulted),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}
