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
	"encoding/hex"
	"fmt"
	"strings"
)

// FeliCa limits
const (
	// BlockSize is the size of one FeliCa data block
	BlockSize = 16
	// MaxReadBlocks and MaxWriteBlocks bound one Read/Write Without
	// Encryption command
	MaxReadBlocks  = 15
	MaxWriteBlocks = 13
	// MaxServices bounds the service list of Read/Write
	MaxServices = 16
	// MaxRequestServiceNodes bounds the node list of Request Service
	MaxRequestServiceNodes = 32

	idmSize = 8
	pmmSize = 8
)

// IDm is the 8-byte manufacture ID a card answers polling with. Every
// command after polling addresses the card by it.
type IDm [idmSize]byte

// String returns the IDm as upper-case hex
func (id IDm) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// ManufacturerCode returns the first two bytes of the IDm
func (id IDm) ManufacturerCode() uint16 {
	return uint16(id[0])<<8 | uint16(id[1])
}

// PMm is the 8-byte manufacture parameter returned by polling. It encodes
// the IC type and the response time coefficients.
type PMm [pmmSize]byte

// String returns the PMm as upper-case hex
func (p PMm) String() string {
	return strings.ToUpper(hex.EncodeToString(p[:]))
}

// ICCode returns the ROM type and IC type bytes
func (p PMm) ICCode() uint16 {
	return uint16(p[0])<<8 | uint16(p[1])
}

func idmFrom(b []byte) IDm {
	var id IDm
	copy(id[:], b)
	return id
}

func pmmFrom(b []byte) PMm {
	var p PMm
	copy(p[:], b)
	return p
}

// SystemCode selects a system on a card. It is sent big-endian.
type SystemCode uint16

// Well-known system codes
const (
	SystemCodeAny    SystemCode = 0xFFFF
	SystemCodeCommon SystemCode = 0xFE00
	SystemCodeSuica  SystemCode = 0x0003
	SystemCodeNDEF   SystemCode = 0x12FC
)

// String returns the system code as hex
func (s SystemCode) String() string {
	return fmt.Sprintf("%04X", uint16(s))
}

// RequestCode asks polling to append extra data to its response
type RequestCode byte

const (
	RequestNone                     RequestCode = 0x00
	RequestSystemCode               RequestCode = 0x01
	RequestCommunicationPerformance RequestCode = 0x02
)

// TimeSlot is the number of polling slots minus one. Only 0, 1, 3, 7 and
// 15 are defined.
type TimeSlot byte

const (
	TimeSlot1  TimeSlot = 0x00
	TimeSlot2  TimeSlot = 0x01
	TimeSlot4  TimeSlot = 0x03
	TimeSlot8  TimeSlot = 0x07
	TimeSlot16 TimeSlot = 0x0F
)

func (t TimeSlot) valid() bool {
	switch t {
	case TimeSlot1, TimeSlot2, TimeSlot4, TimeSlot8, TimeSlot16:
		return true
	default:
		return false
	}
}

// ServiceCode is a 16-bit service or area code: a 10-bit number in the
// high bits and a 6-bit attribute in the low bits. It is sent
// little-endian.
type ServiceCode uint16

// Service attributes
const (
	AttrArea              = 0x00
	AttrAreaNoSub         = 0x01
	AttrRandomRW          = 0x09
	AttrRandomRO          = 0x0B
	AttrCyclicRW          = 0x0D
	AttrCyclicRO          = 0x0F
	AttrPurseDirect       = 0x11
	AttrPurseCashback     = 0x13
	AttrPurseDecrement    = 0x15
	AttrPurseRO           = 0x17
	serviceAttributeMask  = 0x3F
	serviceNumberMaxValue = 0x3FF
)

// NewServiceCode builds a service code from its number and attribute.
// Bits outside the 10-bit number and 6-bit attribute are dropped.
func NewServiceCode(number uint16, attribute byte) ServiceCode {
	return ServiceCode((number&serviceNumberMaxValue)<<6 | uint16(attribute&serviceAttributeMask))
}

// Number returns the 10-bit service number
func (s ServiceCode) Number() uint16 {
	return uint16(s) >> 6
}

// Attribute returns the 6-bit attribute
func (s ServiceCode) Attribute() byte {
	return byte(s) & serviceAttributeMask
}

// IsArea reports whether the code names an area rather than a service
func (s ServiceCode) IsArea() bool {
	a := s.Attribute()
	return a == AttrArea || a == AttrAreaNoSub
}

// AuthRequired reports whether the service needs mutual authentication.
// The lowest attribute bit is set for services open without a key.
func (s ServiceCode) AuthRequired() bool {
	return !s.IsArea() && s.Attribute()&0x01 == 0
}

// String returns the service code as hex
func (s ServiceCode) String() string {
	return fmt.Sprintf("%04X", uint16(s))
}

func (s ServiceCode) appendLE(b []byte) []byte {
	return append(b, byte(s), byte(s>>8))
}

// Block is one 16-byte FeliCa data block
type Block [BlockSize]byte

// AccessMode is the 3-bit access mode of a block list element
type AccessMode byte

const (
	// AccessNormal is used for everything except purse cashback
	AccessNormal AccessMode = 0x0
	// AccessPurseCashback selects cashback access on a purse service
	AccessPurseCashback AccessMode = 0x1
	maxAccessMode                  = 0x7
)

// BlockElement addresses one block: ServiceIndex picks an entry of the
// command's service list and Block is the block number inside it.
type BlockElement struct {
	Block        uint16
	ServiceIndex byte
	AccessMode   AccessMode
}

// Len returns the encoded size: 2 bytes when Block fits in one byte, 3
// otherwise.
func (e BlockElement) Len() int {
	if e.Block <= 0xFF {
		return 2
	}
	return 3
}

// appendTo encodes the element as 1AAASSSS BB or 0AAASSSS BBlo BBhi.
func (e BlockElement) appendTo(b []byte) ([]byte, error) {
	if e.ServiceIndex > 0x0F {
		return nil, fmt.Errorf("%w: service index %d", ErrInvalidParameter, e.ServiceIndex)
	}
	if e.AccessMode > maxAccessMode {
		return nil, fmt.Errorf("%w: access mode %d", ErrInvalidParameter, e.AccessMode)
	}
	head := byte(e.AccessMode)<<4 | e.ServiceIndex
	if e.Len() == 2 {
		return append(b, 0x80|head, byte(e.Block)), nil
	}
	return append(b, head, byte(e.Block), byte(e.Block>>8)), nil
}

// EncodeBlockList encodes elements back to back
func EncodeBlockList(elements []BlockElement) ([]byte, error) {
	out := make([]byte, 0, 3*len(elements))
	for i, e := range elements {
		var err error
		if out, err = e.appendTo(out); err != nil {
			return nil, fmt.Errorf("block element %d: %w", i, err)
		}
	}
	return out, nil
}

// DecodeBlockList decodes count elements from data and returns them with
// the number of bytes consumed.
func DecodeBlockList(data []byte, count int) ([]BlockElement, int, error) {
	elements := make([]BlockElement, 0, count)
	off := 0
	for i := range count {
		if off >= len(data) {
			return nil, 0, newProtocolError(ShortRead, fmt.Sprintf("block element %d", i), data)
		}
		head := data[off]
		e := BlockElement{
			ServiceIndex: head & 0x0F,
			AccessMode:   AccessMode(head>>4) & maxAccessMode,
		}
		if head&0x80 != 0 {
			if off+2 > len(data) {
				return nil, 0, newProtocolError(ShortRead, fmt.Sprintf("block element %d", i), data)
			}
			e.Block = uint16(data[off+1])
			off += 2
		} else {
			if off+3 > len(data) {
				return nil, 0, newProtocolError(ShortRead, fmt.Sprintf("block element %d", i), data)
			}
			e.Block = uint16(data[off+1]) | uint16(data[off+2])<<8
			off += 3
		}
		elements = append(elements, e)
	}
	return elements, off, nil
}

// EncodeServiceList encodes codes little-endian back to back. A Read or
// Write service list must hold between 1 and MaxServices codes.
func EncodeServiceList(codes []ServiceCode) ([]byte, error) {
	if len(codes) < 1 || len(codes) > MaxServices {
		return nil, fmt.Errorf("%w: %d services (want 1-%d)", ErrInvalidParameter, len(codes), MaxServices)
	}
	return appendServiceCodes(make([]byte, 0, 2*len(codes)), codes), nil
}

func appendServiceCodes(b []byte, codes []ServiceCode) []byte {
	for _, c := range codes {
		b = c.appendLE(b)
	}
	return b
}

// validateBlockList checks the block list against the service list size
func validateBlockList(blocks []BlockElement, services, maxBlocks int) error {
	if len(blocks) < 1 || len(blocks) > maxBlocks {
		return fmt.Errorf("%w: %d blocks (want 1-%d)", ErrInvalidParameter, len(blocks), maxBlocks)
	}
	for i, b := range blocks {
		if int(b.ServiceIndex) >= services {
			return fmt.Errorf("%w: block %d uses service index %d of %d",
				ErrInvalidParameter, i, b.ServiceIndex, services)
		}
	}
	return nil
}
