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

package testing

import (
	"bytes"
	"slices"

	"github.com/ZaparooProject/go-pasori/internal/syncutil"
)

// FeliCa command codes understood by VirtualCard
const (
	felicaPolling                = 0x00
	felicaRequestService         = 0x02
	felicaRequestResponse        = 0x04
	felicaReadWithoutEncryption  = 0x06
	felicaWriteWithoutEncryption = 0x08
	felicaSearchServiceCode      = 0x0A
	felicaRequestSystemCode      = 0x0C
)

// FeliCa status flag 2 values returned with SF1 = 0x01
const (
	StatusIllegalServiceCount = 0xA1
	StatusIllegalBlockCount   = 0xA2
	StatusIllegalServiceCode  = 0xA6
	StatusIllegalBlockNumber  = 0xA8
)

const blockSize = 16

// NDEFSystemCode is the NFC Forum Type 3 Tag system
const NDEFSystemCode = 0x12FC

// Well-known service codes of an NDEF card
const (
	NDEFReadService  = 0x000B
	NDEFWriteService = 0x0009
)

type virtualNode struct {
	code uint16
	end  uint16
}

// VirtualCard emulates a FeliCa card at the APDU level: it takes a
// command including its length byte and returns the response the same
// way. Services that share a service number share their blocks, so a
// read-only and a read/write service over the same data behave like a
// real card.
type VirtualCard struct {
	storage     map[uint16][]byte
	failNext    []byte
	nodes       []virtualNode
	systems     []uint16
	idm         [8]byte
	pmm         [8]byte
	mode        byte
	mu          syncutil.Mutex
	answerOther bool
}

// NewVirtualCard creates a card with the given IDm and PMm and a single
// system. It has no areas or services until they are added.
func NewVirtualCard(idm, pmm [8]byte, system uint16) *VirtualCard {
	return &VirtualCard{
		idm:     idm,
		pmm:     pmm,
		systems: []uint16{system},
		storage: make(map[uint16][]byte),
		nodes:   []virtualNode{{code: 0x0000, end: 0xFFFE}},
	}
}

// NewNDEFCard creates an NFC Forum Type 3 card with blocks blocks of NDEF
// area, formatted empty and writable.
func NewNDEFCard(idm [8]byte, blocks int) *VirtualCard {
	pmm := [8]byte{0x03, 0x01, 0x4B, 0x02, 0x4F, 0x49, 0x93, 0xFF}
	c := NewVirtualCard(idm, pmm, NDEFSystemCode)
	c.AddService(NDEFWriteService, blocks+1)
	c.AddService(NDEFReadService, blocks+1)
	c.SetBlock(NDEFReadService, 0, NDEFAttributeBlock(4, 1, uint16(blocks), 0, true, false))
	return c
}

// NDEFAttributeBlock encodes a Type 3 Tag attribute information block.
func NDEFAttributeBlock(nbr, nbw byte, nmaxb uint16, length int, writable, writing bool) [16]byte {
	var b [16]byte
	b[0] = 0x10
	b[1] = nbr
	b[2] = nbw
	b[3], b[4] = byte(nmaxb>>8), byte(nmaxb)
	if writing {
		b[9] = 0x0F
	}
	if writable {
		b[10] = 0x01
	}
	b[11], b[12], b[13] = byte(length>>16), byte(length>>8), byte(length)
	var sum uint16
	for _, v := range b[:14] {
		sum += uint16(v)
	}
	b[14], b[15] = byte(sum>>8), byte(sum)
	return b
}

// IDm returns the card's manufacture ID
func (c *VirtualCard) IDm() [8]byte {
	return c.idm
}

// AddSystem adds another system code the card answers polling for
func (c *VirtualCard) AddSystem(system uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systems = append(c.systems, system)
}

// AddArea adds an area node covering codes up to end
func (c *VirtualCard) AddArea(code, end uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, virtualNode{code: code, end: end})
}

// AddService adds a service with blocks blocks. A service whose number is
// already present reuses the existing blocks.
func (c *VirtualCard) AddService(code uint16, blocks int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, virtualNode{code: code})
	num := code >> 6
	if _, ok := c.storage[num]; !ok {
		c.storage[num] = make([]byte, blocks*blockSize)
	}
}

// SetBlock stores data in block n of service
func (c *VirtualCard) SetBlock(service uint16, n int, data [16]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.storage[service>>6][n*blockSize:], data[:])
}

// Block returns block n of service
func (c *VirtualCard) Block(service uint16, n int) [16]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b [16]byte
	copy(b[:], c.storage[service>>6][n*blockSize:])
	return b
}

// FailNext makes the next read or write answer with the given status flags.
func (c *VirtualCard) FailNext(sf1, sf2 byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = []byte{sf1, sf2}
}

// AnswerForOtherCard makes every addressed response carry a wrong IDm.
func (c *VirtualCard) AnswerForOtherCard(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answerOther = on
}

// Handle answers one FeliCa command. ok is false when the card stays
// silent, as it does for polling a system it does not have or a command
// addressed to another IDm.
func (c *VirtualCard) Handle(cmd []byte) (resp []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(cmd) < 2 || int(cmd[0]) != len(cmd) {
		return nil, false
	}
	code, body := cmd[1], cmd[2:]

	if code == felicaPolling {
		return c.polling(body)
	}
	if len(body) < 8 || !bytes.Equal(body[:8], c.idm[:]) {
		return nil, false
	}
	params := body[8:]

	var out []byte
	switch code {
	case felicaRequestService:
		out, ok = c.requestService(params)
	case felicaRequestResponse:
		out, ok = []byte{c.mode}, true
	case felicaReadWithoutEncryption:
		out, ok = c.read(params)
	case felicaWriteWithoutEncryption:
		out, ok = c.write(params)
	case felicaSearchServiceCode:
		out, ok = c.searchServiceCode(params)
	case felicaRequestSystemCode:
		out, ok = c.requestSystemCode()
	default:
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return c.reply(code+1, out), true
}

func (c *VirtualCard) reply(code byte, body []byte) []byte {
	idm := c.idm
	if c.answerOther {
		idm[7] ^= 0xFF
	}
	out := make([]byte, 0, 10+len(body))
	out = append(out, byte(10+len(body)), code)
	out = append(out, idm[:]...)
	return append(out, body...)
}

func (c *VirtualCard) polling(params []byte) ([]byte, bool) {
	if len(params) < 4 {
		return nil, false
	}
	hi, lo, request := params[0], params[1], params[2]
	var matched uint16
	found := false
	for _, s := range c.systems {
		if (hi == 0xFF || hi == byte(s>>8)) && (lo == 0xFF || lo == byte(s)) {
			matched, found = s, true
			break
		}
	}
	if !found {
		return nil, false
	}
	c.mode = 0

	out := make([]byte, 0, 20)
	out = append(out, 0x00, 0x01)
	out = append(out, c.idm[:]...)
	out = append(out, c.pmm[:]...)
	switch request {
	case 0x01:
		out = append(out, byte(matched>>8), byte(matched))
	case 0x02:
		out = append(out, 0x00, 0x83)
	}
	out[0] = byte(len(out))
	return out, true
}

func (c *VirtualCard) hasNode(code uint16) bool {
	return slices.ContainsFunc(c.nodes, func(n virtualNode) bool { return n.code == code })
}

func (c *VirtualCard) requestService(params []byte) ([]byte, bool) {
	if len(params) < 1 || len(params) < 1+2*int(params[0]) {
		return nil, false
	}
	n := int(params[0])
	out := []byte{byte(n)}
	for i := range n {
		code := uint16(params[1+2*i]) | uint16(params[2+2*i])<<8
		if c.hasNode(code) {
			out = append(out, 0x00, 0x00)
		} else {
			out = append(out, 0xFF, 0xFF)
		}
	}
	return out, true
}

type blockRef struct {
	service uint16
	block   int
}

// parseBlockAccess decodes the service and block lists shared by read and
// write. It returns status flags for malformed or illegal requests.
func (c *VirtualCard) parseBlockAccess(params []byte) (refs []blockRef, rest, status []byte) {
	if len(params) < 1 {
		return nil, nil, []byte{0x01, StatusIllegalServiceCount}
	}
	ns := int(params[0])
	if ns < 1 || ns > 16 || len(params) < 1+2*ns+1 {
		return nil, nil, []byte{0x01, StatusIllegalServiceCount}
	}
	services := make([]uint16, ns)
	for i := range ns {
		services[i] = uint16(params[1+2*i]) | uint16(params[2+2*i])<<8
		if !c.hasNode(services[i]) {
			return nil, nil, []byte{0x01, StatusIllegalServiceCode}
		}
	}
	off := 1 + 2*ns
	nb := int(params[off])
	off++
	if nb < 1 {
		return nil, nil, []byte{0x01, StatusIllegalBlockCount}
	}
	for range nb {
		if off >= len(params) {
			return nil, nil, []byte{0x01, StatusIllegalBlockCount}
		}
		head := params[off]
		idx := int(head & 0x0F)
		var blk int
		if head&0x80 != 0 {
			if off+2 > len(params) {
				return nil, nil, []byte{0x01, StatusIllegalBlockCount}
			}
			blk = int(params[off+1])
			off += 2
		} else {
			if off+3 > len(params) {
				return nil, nil, []byte{0x01, StatusIllegalBlockCount}
			}
			blk = int(params[off+1]) | int(params[off+2])<<8
			off += 3
		}
		if idx >= ns {
			return nil, nil, []byte{0x01, StatusIllegalServiceCode}
		}
		if (blk+1)*blockSize > len(c.storage[services[idx]>>6]) {
			return nil, nil, []byte{0x01, StatusIllegalBlockNumber}
		}
		refs = append(refs, blockRef{service: services[idx], block: blk})
	}
	return refs, params[off:], nil
}

func (c *VirtualCard) takeFailure() []byte {
	f := c.failNext
	c.failNext = nil
	return f
}

func (c *VirtualCard) read(params []byte) ([]byte, bool) {
	if f := c.takeFailure(); f != nil {
		return f, true
	}
	refs, _, status := c.parseBlockAccess(params)
	if status != nil {
		return status, true
	}
	if len(refs) > 15 {
		return []byte{0x01, StatusIllegalBlockCount}, true
	}
	out := []byte{0x00, 0x00, byte(len(refs))}
	for _, r := range refs {
		start := r.block * blockSize
		out = append(out, c.storage[r.service>>6][start:start+blockSize]...)
	}
	return out, true
}

func (c *VirtualCard) write(params []byte) ([]byte, bool) {
	if f := c.takeFailure(); f != nil {
		return f, true
	}
	refs, data, status := c.parseBlockAccess(params)
	if status != nil {
		return status, true
	}
	if len(refs) > 13 || len(data) != len(refs)*blockSize {
		return []byte{0x01, StatusIllegalBlockCount}, true
	}
	for _, r := range refs {
		// Attribute bit 1 marks random and cyclic services read-only.
		if r.service&0x02 != 0 {
			return []byte{0x01, StatusIllegalServiceCode}, true
		}
	}
	for i, r := range refs {
		start := r.block * blockSize
		copy(c.storage[r.service>>6][start:start+blockSize], data[i*blockSize:])
	}
	return []byte{0x00, 0x00}, true
}

func (c *VirtualCard) searchServiceCode(params []byte) ([]byte, bool) {
	if len(params) < 2 {
		return nil, false
	}
	idx := int(params[0]) | int(params[1])<<8
	if idx >= len(c.nodes) {
		return []byte{0xFF, 0xFF}, true
	}
	n := c.nodes[idx]
	out := []byte{byte(n.code), byte(n.code >> 8)}
	if attr := n.code & 0x3F; attr == 0x00 || attr == 0x01 {
		out = append(out, byte(n.end), byte(n.end>>8))
	}
	return out, true
}

func (c *VirtualCard) requestSystemCode() ([]byte, bool) {
	out := []byte{byte(len(c.systems))}
	for _, s := range c.systems {
		out = append(out, byte(s>>8), byte(s))
	}
	return out, true
}
