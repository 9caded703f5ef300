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
	"strings"
	"time"
)

// =============================================================================
// Wire Trace Logging
// =============================================================================
// A TraceBuffer records the frames of the current exchange. When the
// exchange fails the Engine wraps its error in a TraceableError so callers
// can print what actually crossed the wire.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates data sent to the controller
	TraceTX TraceDirection = "TX"
	// TraceRX indicates data received from the controller
	TraceRX TraceDirection = "RX"
)

// DefaultTraceDepth is the number of entries kept per exchange.
const DefaultTraceDepth = 16

// TraceEntry represents a single wire-level operation
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	line := fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, formatHexBytes(e.Data))
	if e.Note != "" {
		line += " (" + e.Note + ")"
	}
	return line
}

// TraceableError wraps an error with the wire trace of the failed exchange.
//
//	var te *pasori.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("wire trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err     error
	Session string
	Trace   []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Session)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] wire trace (%d entries):\n", e.Session, len(e.Trace))
	for _, entry := range e.Trace {
		arrow := ">"
		if entry.Direction == TraceRX {
			arrow = "<"
		}
		_, _ = fmt.Fprintf(&sb, "  %s %s", arrow, formatHexBytes(entry.Data))
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, " (%s)", entry.Note)
		}
		_ = sb.WriteByte('\n')
	}
	return sb.String()
}

// formatHexBytes formats a byte slice as space-separated hex, truncated
// after 32 bytes.
func formatHexBytes(data []byte) string {
	const maxShown = 32
	if len(data) == 0 {
		return "(empty)"
	}
	shown := data
	if len(shown) > maxShown {
		shown = shown[:maxShown]
	}
	parts := make([]string, len(shown))
	for i, b := range shown {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	out := strings.Join(parts, " ")
	if len(data) > maxShown {
		out += fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	return out
}

// TraceBuffer is a fixed-size ring of trace entries. It is owned by the
// Engine and only touched while the engine lock is held.
type TraceBuffer struct {
	session string
	entries []TraceEntry
	next    int
	full    bool
}

// NewTraceBuffer creates a trace buffer holding at most depth entries.
func NewTraceBuffer(session string, depth int) *TraceBuffer {
	if depth <= 0 {
		depth = DefaultTraceDepth
	}
	return &TraceBuffer{
		session: session,
		entries: make([]TraceEntry, depth),
	}
}

// RecordTX records a transmission to the controller
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records data received from the controller
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

// RecordTimeout records a wait that expired
func (tb *TraceBuffer) RecordTimeout(note string) {
	tb.record(TraceRX, nil, "TIMEOUT: "+note)
}

func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	tb.entries[tb.next] = TraceEntry{
		Timestamp: time.Now(),
		Direction: dir,
		Note:      note,
		Data:      dataCopy,
	}
	tb.next = (tb.next + 1) % len(tb.entries)
	if tb.next == 0 {
		tb.full = true
	}
}

// Entries returns the recorded entries, oldest first.
func (tb *TraceBuffer) Entries() []TraceEntry {
	if !tb.full {
		out := make([]TraceEntry, tb.next)
		copy(out, tb.entries[:tb.next])
		return out
	}
	out := make([]TraceEntry, 0, len(tb.entries))
	out = append(out, tb.entries[tb.next:]...)
	return append(out, tb.entries[:tb.next]...)
}

// WrapError attaches the collected trace to err. Returns nil if err is nil.
// An error that already carries a trace is returned unchanged.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil || HasTrace(err) {
		return err
	}
	return &TraceableError{
		Err:     err,
		Session: tb.session,
		Trace:   tb.Entries(),
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.next = 0
	tb.full = false
}

// HasTrace checks if an error contains trace data
func HasTrace(err error) bool {
	var te *TraceableError
	return errors.As(err, &te)
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
