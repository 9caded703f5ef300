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
	"fmt"
)

// PN532/RCS956 command codes. A response carries the command code plus one.
const (
	cmdGetFirmwareVersion  = 0x02
	cmdSAMConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInDeselect          = 0x44
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// RFConfiguration items
const (
	RFItemField      = 0x01
	RFItemTimings    = 0x02
	RFItemMaxRetries = 0x05
)

// InListPassiveTarget baud rate and modulation (BrTy) values
const (
	BrTy106TypeA  = 0x00
	BrTyFelica212 = 0x01
	BrTyFelica424 = 0x02
)

// maxPassiveTargets is the MaxTg limit of InListPassiveTarget
const maxPassiveTargets = 2

// HostCommand is a command the host sends to the controller. The set of
// implementations is closed: GetFirmwareVersion, SAMConfiguration,
// RFConfiguration, InListPassiveTarget, InDataExchange, InRelease and
// InDeselect.
type HostCommand interface {
	// Opcode returns the command code sent after the TFI
	Opcode() byte
	// Name returns the command name used in errors and logs
	Name() string

	params() ([]byte, error)
	decodeResult(data []byte) (HostResult, error)
}

// HostResult is the typed result of a HostCommand. Implementations are
// *FirmwareVersion, *SAMConfigured, *RFConfigured, *PassiveTargetList,
// *DataExchangeResult and *TargetStatus.
type HostResult interface {
	hostResult()
}

// HostResponse is a validated controller response.
type HostResponse struct {
	Result HostResult
	// Raw is the frame payload after the TFI, response code included.
	Raw []byte
}

// EncodeHostCommand returns the opcode followed by the command parameters.
func EncodeHostCommand(cmd HostCommand) ([]byte, error) {
	p, err := cmd.params()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	out := make([]byte, 0, 1+len(p))
	out = append(out, cmd.Opcode())
	return append(out, p...), nil
}

// GetFirmwareVersion asks the controller for its IC and firmware revision.
type GetFirmwareVersion struct{}

func (GetFirmwareVersion) Opcode() byte { return cmdGetFirmwareVersion }

func (GetFirmwareVersion) Name() string { return "GetFirmwareVersion" }

func (GetFirmwareVersion) params() ([]byte, error) { return nil, nil }

func (GetFirmwareVersion) decodeResult(data []byte) (HostResult, error) {
	return parseFirmwareVersion(data)
}

// SAMConfiguration selects how the controller uses its SAM interface.
// The zero value is invalid; use NewSAMConfiguration for normal mode.
type SAMConfiguration struct {
	Mode    SAMMode
	Timeout byte
	UseIRQ  bool
}

// NewSAMConfiguration returns the normal-mode configuration sent during
// initialization.
func NewSAMConfiguration() SAMConfiguration {
	return SAMConfiguration{Mode: SAMModeNormal, Timeout: DefaultSAMTimeout, UseIRQ: true}
}

func (SAMConfiguration) Opcode() byte { return cmdSAMConfiguration }

func (SAMConfiguration) Name() string { return "SAMConfiguration" }

func (c SAMConfiguration) params() ([]byte, error) {
	if c.Mode < SAMModeNormal || c.Mode > SAMModeDualCard {
		return nil, fmt.Errorf("%w: SAM mode 0x%02X", ErrInvalidParameter, byte(c.Mode))
	}
	irq := byte(0x00)
	if c.UseIRQ {
		irq = 0x01
	}
	return []byte{byte(c.Mode), c.Timeout, irq}, nil
}

func (SAMConfiguration) decodeResult([]byte) (HostResult, error) {
	return &SAMConfigured{}, nil
}

// RFConfiguration writes one configuration item of the RF front end.
type RFConfiguration struct {
	Data []byte
	Item byte
}

// RFField switches the RF field on or off.
func RFField(on bool) RFConfiguration {
	v := byte(0x00)
	if on {
		v = 0x01
	}
	return RFConfiguration{Item: RFItemField, Data: []byte{v}}
}

// RFMaxRetries sets MxRtyATR, MxRtyPSL and MxRtyPassiveActivation. 0xFF
// means retry forever, which can wedge the controller; prefer a finite value.
func RFMaxRetries(atr, psl, passiveActivation byte) RFConfiguration {
	return RFConfiguration{Item: RFItemMaxRetries, Data: []byte{atr, psl, passiveActivation}}
}

func (RFConfiguration) Opcode() byte { return cmdRFConfiguration }

func (RFConfiguration) Name() string { return "RFConfiguration" }

func (c RFConfiguration) params() ([]byte, error) {
	if len(c.Data) == 0 {
		return nil, fmt.Errorf("%w: RF configuration item 0x%02X has no data", ErrInvalidParameter, c.Item)
	}
	out := make([]byte, 0, 1+len(c.Data))
	out = append(out, c.Item)
	return append(out, c.Data...), nil
}

func (RFConfiguration) decodeResult([]byte) (HostResult, error) {
	return &RFConfigured{}, nil
}

// RFConfigured is the result of RFConfiguration.
type RFConfigured struct{}

func (*RFConfigured) hostResult() {}

// InListPassiveTarget asks the controller to activate targets in its field.
// For FeliCa, InitiatorData is the polling request without its length byte.
type InListPassiveTarget struct {
	InitiatorData []byte
	MaxTargets    byte
	BaudRate      byte
}

// FelicaPassiveTarget builds the 212 kbps InListPassiveTarget that carries
// the FeliCa polling command.
func FelicaPassiveTarget(poll PollingCommand) (InListPassiveTarget, error) {
	apdu, err := EncodeFelica(poll)
	if err != nil {
		return InListPassiveTarget{}, err
	}
	return InListPassiveTarget{MaxTargets: 1, BaudRate: BrTyFelica212, InitiatorData: apdu[1:]}, nil
}

func (InListPassiveTarget) Opcode() byte { return cmdInListPassiveTarget }

func (InListPassiveTarget) Name() string { return "InListPassiveTarget" }

func (c InListPassiveTarget) params() ([]byte, error) {
	if c.MaxTargets < 1 || c.MaxTargets > maxPassiveTargets {
		return nil, fmt.Errorf("%w: MaxTg %d", ErrInvalidParameter, c.MaxTargets)
	}
	if c.BaudRate != BrTyFelica212 && c.BaudRate != BrTyFelica424 {
		return nil, fmt.Errorf("%w: only FeliCa targets are supported, BrTy 0x%02X", ErrInvalidParameter, c.BaudRate)
	}
	out := make([]byte, 0, 2+len(c.InitiatorData))
	out = append(out, c.MaxTargets, c.BaudRate)
	return append(out, c.InitiatorData...), nil
}

// decodeResult parses NbTg followed by, for each FeliCa target, Tg and the
// POL_RES whose first byte is its own length.
func (InListPassiveTarget) decodeResult(data []byte) (HostResult, error) {
	const op = "InListPassiveTarget"
	if len(data) < 1 {
		return nil, newProtocolError(ShortRead, op, data)
	}
	list := &PassiveTargetList{}
	n := int(data[0])
	rest := data[1:]
	for range n {
		if len(rest) < 2 {
			return nil, newProtocolError(ShortRead, op, data)
		}
		polLen := int(rest[1])
		if polLen < 1 || len(rest) < 1+polLen {
			return nil, newProtocolError(ShortRead, op, data)
		}
		list.Targets = append(list.Targets, PassiveTarget{
			Number: rest[0],
			Data:   append([]byte{}, rest[1:1+polLen]...),
		})
		rest = rest[1+polLen:]
	}
	return list, nil
}

// PassiveTarget is one target reported by InListPassiveTarget. For FeliCa,
// Data is the polling response including its length byte.
type PassiveTarget struct {
	Data   []byte
	Number byte
}

// PassiveTargetList is the result of InListPassiveTarget. An empty list
// means no target answered.
type PassiveTargetList struct {
	Targets []PassiveTarget
}

func (*PassiveTargetList) hostResult() {}

// InDataExchange tunnels Data to target Target and returns its answer.
type InDataExchange struct {
	Data   []byte
	Target byte
}

func (InDataExchange) Opcode() byte { return cmdInDataExchange }

func (InDataExchange) Name() string { return "InDataExchange" }

func (c InDataExchange) params() ([]byte, error) {
	if len(c.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data exchange", ErrInvalidParameter)
	}
	out := make([]byte, 0, 1+len(c.Data))
	out = append(out, c.Target)
	return append(out, c.Data...), nil
}

func (InDataExchange) decodeResult(data []byte) (HostResult, error) {
	if len(data) < 1 {
		return nil, newProtocolError(ShortRead, "InDataExchange", data)
	}
	if data[0]&0x3F != 0 {
		return nil, statusError("InDataExchange", data[0], data)
	}
	return &DataExchangeResult{Status: data[0], Data: append([]byte{}, data[1:]...)}, nil
}

// DataExchangeResult is the result of InDataExchange.
type DataExchangeResult struct {
	Data   []byte
	Status byte
}

func (*DataExchangeResult) hostResult() {}

// InRelease ends the session with a target. Target 0 releases all.
type InRelease struct {
	Target byte
}

func (InRelease) Opcode() byte { return cmdInRelease }

func (InRelease) Name() string { return "InRelease" }

func (c InRelease) params() ([]byte, error) { return []byte{c.Target}, nil }

func (c InRelease) decodeResult(data []byte) (HostResult, error) {
	return decodeTargetStatus(c.Name(), data)
}

// InDeselect puts a target to sleep while keeping its session. Target 0
// deselects all.
type InDeselect struct {
	Target byte
}

func (InDeselect) Opcode() byte { return cmdInDeselect }

func (InDeselect) Name() string { return "InDeselect" }

func (c InDeselect) params() ([]byte, error) { return []byte{c.Target}, nil }

func (c InDeselect) decodeResult(data []byte) (HostResult, error) {
	return decodeTargetStatus(c.Name(), data)
}

// TargetStatus is the result of InRelease and InDeselect.
type TargetStatus struct {
	Status byte
}

func (*TargetStatus) hostResult() {}

func decodeTargetStatus(op string, data []byte) (HostResult, error) {
	if len(data) < 1 {
		return nil, newProtocolError(ShortRead, op, data)
	}
	if data[0]&0x3F != 0 {
		return nil, statusError(op, data[0], data)
	}
	return &TargetStatus{Status: data[0]}, nil
}
