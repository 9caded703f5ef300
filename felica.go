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
	"bytes"
	"errors"
	"fmt"
)

// FeliCa command codes. The response code is the command code plus one.
const (
	felicaPolling                = 0x00
	felicaRequestService         = 0x02
	felicaRequestResponse        = 0x04
	felicaReadWithoutEncryption  = 0x06
	felicaWriteWithoutEncryption = 0x08
	felicaSearchServiceCode      = 0x0A
	felicaRequestSystemCode      = 0x0C

	// maxFelicaLength is the largest APDU the length byte can describe
	maxFelicaLength = 0xFF
)

// FelicaCommand is an unencrypted FeliCa command. The set of
// implementations is closed.
type FelicaCommand interface {
	// Code returns the command code
	Code() byte
	// Name returns the command name used in errors and logs
	Name() string

	fields() ([]byte, error)
	decodeBody(body []byte) (FelicaResponse, error)
}

// FelicaResponse is the decoded answer to a FelicaCommand. Each command
// type decodes to its matching *...Response type.
type FelicaResponse interface {
	felicaResponse()
}

// addressed is implemented by every command sent after polling.
type addressed interface {
	target() IDm
}

// EncodeFelica encodes cmd as [LEN, code, fields...] where LEN counts
// itself.
func EncodeFelica(cmd FelicaCommand) ([]byte, error) {
	f, err := cmd.fields()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	n := 2 + len(f)
	if n > maxFelicaLength {
		return nil, fmt.Errorf("%s: %w: %d bytes", cmd.Name(), ErrDataTooLarge, n)
	}
	out := make([]byte, 0, n)
	out = append(out, byte(n), cmd.Code())
	return append(out, f...), nil
}

// DecodeFelica validates data as the response to req and decodes it.
func DecodeFelica(req FelicaCommand, data []byte) (FelicaResponse, error) {
	op := req.Name()
	if len(data) < 2 {
		return nil, newProtocolError(ShortRead, op, data)
	}
	if int(data[0]) != len(data) {
		return nil, wrapProtocolError(FramingError, op, data,
			fmt.Errorf("length byte %d, got %d bytes", data[0], len(data)))
	}
	if want := req.Code() + 1; data[1] != want {
		pe := wrapProtocolError(UnexpectedFrameKind, op, data,
			fmt.Errorf("response code 0x%02X, want 0x%02X", data[1], want))
		pe.Expected = int(want)
		pe.Actual = int(data[1])
		return nil, pe
	}

	body := data[2:]
	if a, ok := req.(addressed); ok {
		if len(body) < idmSize {
			return nil, newProtocolError(ShortRead, op, data)
		}
		want := a.target()
		if !bytes.Equal(body[:idmSize], want[:]) {
			return nil, wrapProtocolError(UnexpectedFrameKind, op, data,
				fmt.Errorf("%w: got %X, want %s", ErrIDmMismatch, body[:idmSize], want))
		}
	}

	resp, err := req.decodeBody(body)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Raw == nil {
			pe.Raw = append([]byte(nil), data...)
		}
		return nil, err
	}
	return resp, nil
}

// checkStatusFlags reports a non-zero SF1/SF2 pair
func checkStatusFlags(op string, sf1, sf2 byte) error {
	if sf1 == 0 && sf2 == 0 {
		return nil
	}
	pe := newProtocolError(StatusFlagError, op, nil)
	pe.Code = uint16(sf1)<<8 | uint16(sf2)
	return pe
}

// checkBodyLength rejects a body that is shorter or longer than the fields
// the command defines.
func checkBodyLength(op string, body []byte, want int) error {
	switch {
	case len(body) < want:
		return newProtocolError(ShortRead, op, nil)
	case len(body) > want:
		return wrapProtocolError(FramingError, op, nil,
			fmt.Errorf("%d trailing bytes", len(body)-want))
	default:
		return nil
	}
}

// =============================================================================
// Polling
// =============================================================================

// PollingCommand asks cards of a system to identify themselves. It is the
// only command without an IDm.
type PollingCommand struct {
	SystemCode  SystemCode
	RequestCode RequestCode
	TimeSlot    TimeSlot
}

// NewPolling returns a single-slot polling command for system
func NewPolling(system SystemCode) PollingCommand {
	return PollingCommand{SystemCode: system, RequestCode: RequestSystemCode, TimeSlot: TimeSlot1}
}

func (PollingCommand) Code() byte   { return felicaPolling }
func (PollingCommand) Name() string { return "Polling" }

func (c PollingCommand) fields() ([]byte, error) {
	if !c.TimeSlot.valid() {
		return nil, fmt.Errorf("%w: time slot 0x%02X", ErrInvalidParameter, byte(c.TimeSlot))
	}
	if c.RequestCode > RequestCommunicationPerformance {
		return nil, fmt.Errorf("%w: request code 0x%02X", ErrInvalidParameter, byte(c.RequestCode))
	}
	return []byte{byte(c.SystemCode >> 8), byte(c.SystemCode), byte(c.RequestCode), byte(c.TimeSlot)}, nil
}

func (c PollingCommand) decodeBody(body []byte) (FelicaResponse, error) {
	if len(body) < idmSize+pmmSize {
		return nil, newProtocolError(ShortRead, c.Name(), nil)
	}
	resp := &PollingResponse{
		IDm: idmFrom(body),
		PMm: pmmFrom(body[idmSize:]),
	}
	if rd := body[idmSize+pmmSize:]; len(rd) > 0 {
		resp.RequestData = append([]byte{}, rd...)
	}
	return resp, nil
}

// PollingResponse identifies a card. RequestData holds the system code or
// communication performance when the command asked for it.
type PollingResponse struct {
	RequestData []byte
	IDm         IDm
	PMm         PMm
}

func (*PollingResponse) felicaResponse() {}

// SystemCode returns the system code carried in RequestData, if any
func (r *PollingResponse) SystemCode() (SystemCode, bool) {
	if len(r.RequestData) != 2 {
		return 0, false
	}
	return SystemCode(uint16(r.RequestData[0])<<8 | uint16(r.RequestData[1])), true
}

// =============================================================================
// Request Service
// =============================================================================

// RequestServiceCommand asks whether areas or services exist and for
// their key versions.
type RequestServiceCommand struct {
	Nodes []ServiceCode
	IDm   IDm
}

func (RequestServiceCommand) Code() byte    { return felicaRequestService }
func (RequestServiceCommand) Name() string  { return "RequestService" }
func (c RequestServiceCommand) target() IDm { return c.IDm }

func (c RequestServiceCommand) fields() ([]byte, error) {
	if len(c.Nodes) < 1 || len(c.Nodes) > MaxRequestServiceNodes {
		return nil, fmt.Errorf("%w: %d nodes (want 1-%d)", ErrInvalidParameter, len(c.Nodes), MaxRequestServiceNodes)
	}
	out := make([]byte, 0, idmSize+1+2*len(c.Nodes))
	out = append(out, c.IDm[:]...)
	out = append(out, byte(len(c.Nodes)))
	return appendServiceCodes(out, c.Nodes), nil
}

func (c RequestServiceCommand) decodeBody(body []byte) (FelicaResponse, error) {
	rest := body[idmSize:]
	if len(rest) < 1 {
		return nil, newProtocolError(ShortRead, c.Name(), nil)
	}
	n := int(rest[0])
	if n != len(c.Nodes) {
		return nil, wrapProtocolError(FramingError, c.Name(), nil,
			fmt.Errorf("%d key versions returned, %d nodes requested", n, len(c.Nodes)))
	}
	if err := checkBodyLength(c.Name(), rest, 1+2*n); err != nil {
		return nil, err
	}
	resp := &RequestServiceResponse{IDm: idmFrom(body), KeyVersions: make([]uint16, n)}
	for i := range n {
		resp.KeyVersions[i] = uint16(rest[1+2*i]) | uint16(rest[2+2*i])<<8
	}
	return resp, nil
}

// KeyVersionMissing is the key version reported for a node that does not exist
const KeyVersionMissing = 0xFFFF

// RequestServiceResponse lists one key version per requested node.
type RequestServiceResponse struct {
	KeyVersions []uint16
	IDm         IDm
}

func (*RequestServiceResponse) felicaResponse() {}

// =============================================================================
// Request Response
// =============================================================================

// RequestResponseCommand checks that a card is still present and reads its
// mode.
type RequestResponseCommand struct {
	IDm IDm
}

func (RequestResponseCommand) Code() byte    { return felicaRequestResponse }
func (RequestResponseCommand) Name() string  { return "RequestResponse" }
func (c RequestResponseCommand) target() IDm { return c.IDm }

func (c RequestResponseCommand) fields() ([]byte, error) {
	return append([]byte(nil), c.IDm[:]...), nil
}

func (c RequestResponseCommand) decodeBody(body []byte) (FelicaResponse, error) {
	if err := checkBodyLength(c.Name(), body, idmSize+1); err != nil {
		return nil, err
	}
	return &RequestResponseResponse{IDm: idmFrom(body), Mode: body[idmSize]}, nil
}

// RequestResponseResponse carries the card's current mode (0 after polling).
type RequestResponseResponse struct {
	IDm  IDm
	Mode byte
}

func (*RequestResponseResponse) felicaResponse() {}

// =============================================================================
// Read / Write Without Encryption
// =============================================================================

// ReadWithoutEncryptionCommand reads blocks from services that need no
// authentication.
type ReadWithoutEncryptionCommand struct {
	Services []ServiceCode
	Blocks   []BlockElement
	IDm      IDm
}

func (ReadWithoutEncryptionCommand) Code() byte    { return felicaReadWithoutEncryption }
func (ReadWithoutEncryptionCommand) Name() string  { return "ReadWithoutEncryption" }
func (c ReadWithoutEncryptionCommand) target() IDm { return c.IDm }

func (c ReadWithoutEncryptionCommand) fields() ([]byte, error) {
	return blockAccessFields(c.IDm, c.Services, c.Blocks, MaxReadBlocks)
}

func (c ReadWithoutEncryptionCommand) decodeBody(body []byte) (FelicaResponse, error) {
	if len(body) < idmSize+2 {
		return nil, newProtocolError(ShortRead, c.Name(), nil)
	}
	sf1, sf2 := body[idmSize], body[idmSize+1]
	if err := checkStatusFlags(c.Name(), sf1, sf2); err != nil {
		return nil, err
	}
	rest := body[idmSize+2:]
	if len(rest) < 1 {
		return nil, newProtocolError(ShortRead, c.Name(), nil)
	}
	n := int(rest[0])
	if n != len(c.Blocks) {
		return nil, wrapProtocolError(FramingError, c.Name(), nil,
			fmt.Errorf("%d blocks returned, %d requested", n, len(c.Blocks)))
	}
	if err := checkBodyLength(c.Name(), rest, 1+n*BlockSize); err != nil {
		return nil, err
	}
	resp := &ReadResponse{IDm: idmFrom(body), Blocks: make([]Block, n)}
	for i := range n {
		copy(resp.Blocks[i][:], rest[1+i*BlockSize:])
	}
	return resp, nil
}

// ReadResponse holds the blocks in request order.
type ReadResponse struct {
	Blocks []Block
	IDm    IDm
}

func (*ReadResponse) felicaResponse() {}

// WriteWithoutEncryptionCommand writes one Data entry per block element.
type WriteWithoutEncryptionCommand struct {
	Services []ServiceCode
	Blocks   []BlockElement
	Data     []Block
	IDm      IDm
}

func (WriteWithoutEncryptionCommand) Code() byte    { return felicaWriteWithoutEncryption }
func (WriteWithoutEncryptionCommand) Name() string  { return "WriteWithoutEncryption" }
func (c WriteWithoutEncryptionCommand) target() IDm { return c.IDm }

func (c WriteWithoutEncryptionCommand) fields() ([]byte, error) {
	if len(c.Data) != len(c.Blocks) {
		return nil, fmt.Errorf("%w: %d data blocks for %d block elements",
			ErrInvalidParameter, len(c.Data), len(c.Blocks))
	}
	out, err := blockAccessFields(c.IDm, c.Services, c.Blocks, MaxWriteBlocks)
	if err != nil {
		return nil, err
	}
	for i := range c.Data {
		out = append(out, c.Data[i][:]...)
	}
	return out, nil
}

func (c WriteWithoutEncryptionCommand) decodeBody(body []byte) (FelicaResponse, error) {
	if len(body) < idmSize+2 {
		return nil, newProtocolError(ShortRead, c.Name(), nil)
	}
	if err := checkStatusFlags(c.Name(), body[idmSize], body[idmSize+1]); err != nil {
		return nil, err
	}
	if err := checkBodyLength(c.Name(), body, idmSize+2); err != nil {
		return nil, err
	}
	return &WriteResponse{IDm: idmFrom(body)}, nil
}

// WriteResponse confirms a write. Failures surface as StatusFlagError.
type WriteResponse struct {
	IDm IDm
}

func (*WriteResponse) felicaResponse() {}

// blockAccessFields encodes IDm, the service list and the block list
// shared by Read and Write.
func blockAccessFields(idm IDm, services []ServiceCode, blocks []BlockElement, maxBlocks int) ([]byte, error) {
	svc, err := EncodeServiceList(services)
	if err != nil {
		return nil, err
	}
	if err := validateBlockList(blocks, len(services), maxBlocks); err != nil {
		return nil, err
	}
	blk, err := EncodeBlockList(blocks)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, idmSize+2+len(svc)+len(blk)+len(blocks)*BlockSize)
	out = append(out, idm[:]...)
	out = append(out, byte(len(services)))
	out = append(out, svc...)
	out = append(out, byte(len(blocks)))
	return append(out, blk...), nil
}

// =============================================================================
// Search Service Code
// =============================================================================

// SearchServiceCodeCommand returns the area or service code at Index in
// the card's node list.
type SearchServiceCodeCommand struct {
	IDm   IDm
	Index uint16
}

func (SearchServiceCodeCommand) Code() byte    { return felicaSearchServiceCode }
func (SearchServiceCodeCommand) Name() string  { return "SearchServiceCode" }
func (c SearchServiceCodeCommand) target() IDm { return c.IDm }

func (c SearchServiceCodeCommand) fields() ([]byte, error) {
	out := make([]byte, 0, idmSize+2)
	out = append(out, c.IDm[:]...)
	return append(out, byte(c.Index), byte(c.Index>>8)), nil
}

func (c SearchServiceCodeCommand) decodeBody(body []byte) (FelicaResponse, error) {
	rest := body[idmSize:]
	if len(rest) < 2 {
		return nil, newProtocolError(ShortRead, c.Name(), nil)
	}
	resp := &SearchServiceCodeResponse{
		IDm:  idmFrom(body),
		Code: ServiceCode(uint16(rest[0]) | uint16(rest[1])<<8),
	}
	want := 2
	if !resp.EndOfList() && resp.Code.IsArea() {
		want = 4
	}
	if err := checkBodyLength(c.Name(), rest, want); err != nil {
		return nil, err
	}
	if want == 4 {
		resp.End = ServiceCode(uint16(rest[2]) | uint16(rest[3])<<8)
	}
	return resp, nil
}

// SearchServiceCodeResponse holds one node. For areas End is the last
// service code the area covers.
type SearchServiceCodeResponse struct {
	IDm  IDm
	Code ServiceCode
	End  ServiceCode
}

func (*SearchServiceCodeResponse) felicaResponse() {}

// EndOfList reports whether the index was past the last node
func (r *SearchServiceCodeResponse) EndOfList() bool {
	return r.Code == 0xFFFF
}

// =============================================================================
// Request System Code
// =============================================================================

// RequestSystemCodeCommand lists the systems on a card.
type RequestSystemCodeCommand struct {
	IDm IDm
}

func (RequestSystemCodeCommand) Code() byte    { return felicaRequestSystemCode }
func (RequestSystemCodeCommand) Name() string  { return "RequestSystemCode" }
func (c RequestSystemCodeCommand) target() IDm { return c.IDm }

func (c RequestSystemCodeCommand) fields() ([]byte, error) {
	return append([]byte(nil), c.IDm[:]...), nil
}

func (c RequestSystemCodeCommand) decodeBody(body []byte) (FelicaResponse, error) {
	rest := body[idmSize:]
	if len(rest) < 1 {
		return nil, newProtocolError(ShortRead, c.Name(), nil)
	}
	n := int(rest[0])
	if err := checkBodyLength(c.Name(), rest, 1+2*n); err != nil {
		return nil, err
	}
	resp := &RequestSystemCodeResponse{IDm: idmFrom(body), SystemCodes: make([]SystemCode, n)}
	for i := range n {
		resp.SystemCodes[i] = SystemCode(uint16(rest[1+2*i])<<8 | uint16(rest[2+2*i]))
	}
	return resp, nil
}

// RequestSystemCodeResponse lists the card's systems.
type RequestSystemCodeResponse struct {
	SystemCodes []SystemCode
	IDm         IDm
}

func (*RequestSystemCodeResponse) felicaResponse() {}
