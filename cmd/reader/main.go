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

// Command reader watches a PaSoRi or PN532 for FeliCa cards and prints
// what it finds, or writes an NDEF text record to the next card.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ZaparooProject/go-pasori"
	"github.com/ZaparooProject/go-pasori/polling"
	"github.com/ZaparooProject/go-pasori/transport/i2c"
	"github.com/ZaparooProject/go-pasori/transport/uart"
	"github.com/ZaparooProject/go-pasori/transport/usb"
)

type config struct {
	writeText  string
	devicePath string
	logDir     string
	system     pasori.SystemCode
	debug      bool
	list       bool
}

// Package-level flag variables
var (
	flagWriteText  string
	flagDevicePath string
	flagLogDir     string
	flagSystem     string
	flagDebug      bool
	flagList       bool
)

func init() {
	flag.StringVar(&flagWriteText, "write", "", "Text to write to the next scanned card (exits after write)")
	flag.StringVar(&flagDevicePath, "device", "usb",
		"usb, usb:<path>, a serial port or an I2C bus such as /dev/i2c-1")
	flag.StringVar(&flagLogDir, "log", "", "Directory for a debug session log")
	flag.StringVar(&flagSystem, "system", "FFFF", "System code to poll for, in hex")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flagList, "list", false, "List attached readers and exit")
}

func parseConfig() (*config, error) {
	system, err := parseSystemCode(flagSystem)
	if err != nil {
		return nil, err
	}
	cfg := &config{
		writeText:  flagWriteText,
		devicePath: flagDevicePath,
		logDir:     flagLogDir,
		system:     system,
		debug:      flagDebug,
		list:       flagList,
	}

	if cfg.debug {
		pasori.SetDebugEnabled(true)
	}
	return cfg, nil
}

// parseSystemCode accepts a 16-bit hex code with or without a 0x prefix
func parseSystemCode(s string) (pasori.SystemCode, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid system code %q: %w", s, err)
	}
	return pasori.SystemCode(v), nil
}

// transportKind guesses the transport from a device path
func transportKind(path string) pasori.TransportType {
	lower := strings.ToLower(path)
	switch {
	case lower == "" || lower == "usb" || strings.HasPrefix(lower, "usb:"):
		return pasori.TransportUSB
	case strings.Contains(lower, "i2c"):
		return pasori.TransportI2C
	default:
		return pasori.TransportUART
	}
}

// openTransport opens the transport for path. USB transports carry the
// options their reader model needs.
func openTransport(path string) (pasori.Transport, error) {
	switch transportKind(path) {
	case pasori.TransportUSB:
		var (
			t   *usb.Transport
			err error
		)
		if usbPath := path[min(len(path), len("usb:")):]; usbPath != "" {
			t, err = usb.OpenPath(usbPath)
		} else {
			t, err = usb.Open()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open USB reader: %w", err)
		}
		return t, nil
	case pasori.TransportI2C:
		t, err := i2c.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create I2C transport for %s: %w", path, err)
		}
		return t, nil
	default:
		t, err := uart.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create UART transport for %s: %w", path, err)
		}
		return t, nil
	}
}

func listReaders(out io.Writer) error {
	devices, err := usb.Devices()
	if err != nil && !errors.Is(err, pasori.ErrDeviceNotFound) {
		return err
	}
	for _, d := range devices {
		note := ""
		if !d.Model.Supported() {
			note = " (unsupported)"
		}
		_, _ = fmt.Fprintf(out, "usb   %s  %s%s\n", d.Path, d.Model, note)
	}

	ports, err := uart.Ports()
	if err != nil {
		return err
	}
	for _, p := range ports {
		_, _ = fmt.Fprintf(out, "uart  %s\n", p)
	}
	return nil
}

func connectToDevice(ctx context.Context, cfg *config) (*pasori.Device, error) {
	device, err := pasori.ConnectDevice(ctx, func() (pasori.Transport, error) {
		return openTransport(cfg.devicePath)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reader: %w", err)
	}

	if cfg.debug {
		_, _ = fmt.Printf("Firmware: %s\n", device.FirmwareVersion())
	}
	return device, nil
}

// describeCard prints the card's identity and any NDEF text it holds
func describeCard(ctx context.Context, device *pasori.Device, target *pasori.CardTarget, out io.Writer) {
	_, _ = fmt.Fprintf(out, "Card detected: IDm=%s PMm=%s\n", target.IDm, target.PMm)
	if sys, ok := target.SystemCode(); ok {
		_, _ = fmt.Fprintf(out, "  System: %s\n", sys)
	}

	msg, err := device.ReadNDEF(ctx)
	switch {
	case errors.Is(err, pasori.ErrNoNDEF):
		_, _ = fmt.Fprintln(out, "  No NDEF message")
		return
	case err != nil:
		_, _ = fmt.Fprintf(out, "  NDEF read failed: %v\n", err)
		return
	}
	for _, rec := range msg.Records {
		switch rec.Type {
		case pasori.NDEFTypeText:
			_, _ = fmt.Fprintf(out, "  Text: %s\n", rec.Text)
		case pasori.NDEFTypeURI:
			_, _ = fmt.Fprintf(out, "  URI: %s\n", rec.URI)
		default:
			_, _ = fmt.Fprintf(out, "  %s: %d bytes\n", rec.Type, len(rec.Payload))
		}
	}
}

// runReadMode polls until ctx is done. With a non-nil reopen, a reader
// that faults or disappears is reconnected instead of ending the loop.
func runReadMode(ctx context.Context, device *pasori.Device, cfg *config, reopen polling.ReopenFunc, out io.Writer) error {
	sessionConfig := polling.DefaultConfig()
	sessionConfig.System = cfg.system
	session := polling.NewSession(device, sessionConfig)
	if reopen != nil {
		session.SetRecoverer(polling.NewDefaultRecoverer(device, reopen, 0, 0))
	}
	defer func() {
		if err := session.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close session: %v\n", err)
		}
		// The caller owns device; a replacement opened during recovery is ours.
		if current := session.GetDevice(); current != device {
			_ = current.Close()
		}
	}()

	_, _ = fmt.Fprintln(out, "Starting continuous card monitoring. Press Ctrl+C to stop...")

	session.SetOnCardDetected(func(target *pasori.CardTarget) error {
		describeCard(ctx, session.GetDevice(), target, out)
		return nil
	})
	session.SetOnCardChanged(func(target *pasori.CardTarget) error {
		describeCard(ctx, session.GetDevice(), target, out)
		return nil
	})
	session.SetOnCardRemoved(func() {
		_, _ = fmt.Fprintln(out, "Card removed - ready for next card...")
	})

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("polling stopped: %w", err)
	}
	return nil
}

func runWriteMode(ctx context.Context, device *pasori.Device, cfg *config, out io.Writer) error {
	if device == nil {
		return errors.New("device cannot be nil for write mode")
	}
	if cfg.writeText == "" {
		return errors.New("writeText cannot be empty for write mode")
	}

	sessionConfig := polling.DefaultConfig()
	sessionConfig.System = cfg.system
	session := polling.NewSession(device, sessionConfig)
	defer func() { _ = session.Close() }()

	_, _ = fmt.Fprintf(out, "Waiting for card to write text: %q\n", cfg.writeText)

	err := session.WithNextCard(ctx, ctx, 30*time.Second,
		func(ctx context.Context, device *pasori.Device, target *pasori.CardTarget) error {
			_, _ = fmt.Fprintf(out, "Card %s detected! Writing text...\n", target.IDm)
			record := pasori.NDEFRecord{Type: pasori.NDEFTypeText, Text: cfg.writeText}
			if err := device.WriteNDEF(ctx, record); err != nil {
				return fmt.Errorf("failed to write NDEF message: %w", err)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("write operation failed: %w", err)
	}

	_, _ = fmt.Fprintf(out, "Successfully wrote text to card: %q\n", cfg.writeText)
	return nil
}

func run(ctx context.Context, cfg *config) error {
	if cfg.list {
		return listReaders(os.Stdout)
	}

	if cfg.logDir != "" {
		path, err := pasori.InitSessionLog(cfg.logDir)
		if err != nil {
			return err
		}
		defer func() { _ = pasori.CloseSessionLog() }()
		_, _ = fmt.Printf("Session log: %s\n", path)
	}

	device, err := connectToDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := device.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close device: %v\n", err)
		}
	}()

	if cfg.writeText != "" {
		return runWriteMode(ctx, device, cfg, os.Stdout)
	}
	reopen := func(ctx context.Context) (*pasori.Device, error) {
		return connectToDevice(ctx, cfg)
	}
	return runReadMode(ctx, device, cfg, reopen, os.Stdout)
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			// User requested shutdown, exit cleanly
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
