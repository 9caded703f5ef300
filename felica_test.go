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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testIDm = IDm{0x01, 0x2E, 0x3D, 0x4C, 0x5B, 0x6A, 0x79, 0x88}
	testPMm = PMm{0x03, 0x01, 0x4B, 0x02, 0x4F, 0x49, 0x93, 0xFF}
)

// felicaReply builds a FeliCa response APDU with its length byte.
func felicaReply(code byte, body ...[]byte) []byte {
	out := []byte{0x00, code}
	for _, b := range body {
		out = append(out, b...)
	}
	out[0] = byte(len(out))
	return out
}

func TestEncodePolling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd      PollingCommand
		name     string
		expected []byte
	}{
		{
			name:     "wildcard with system code request",
			cmd:      PollingCommand{SystemCode: SystemCodeAny, RequestCode: RequestSystemCode, TimeSlot: TimeSlot1},
			expected: []byte{0x06, 0x00, 0xFF, 0xFF, 0x01, 0x00},
		},
		{
			name:     "ndef system is big-endian",
			cmd:      PollingCommand{SystemCode: SystemCodeNDEF, TimeSlot: TimeSlot4},
			expected: []byte{0x06, 0x00, 0x12, 0xFC, 0x00, 0x03},
		},
		{
			name:     "NewPolling",
			cmd:      NewPolling(SystemCodeSuica),
			expected: []byte{0x06, 0x00, 0x00, 0x03, 0x01, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := EncodeFelica(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, byte(len(got)), got[0])
		})
	}
}

// The FeliCa length byte counts itself. Polling FF FF with request code
// 01 and time slot 00 is the five bytes 00 FF FF 01 00 after LEN, so LEN
// is 06; a LEN of 05 would count only those five bytes.
func TestEncodeFelicaLengthCountsItself(t *testing.T) {
	t.Parallel()

	t.Run("polling wildcard", func(t *testing.T) {
		t.Parallel()
		apdu, err := EncodeFelica(PollingCommand{SystemCode: SystemCodeAny, RequestCode: RequestSystemCode, TimeSlot: TimeSlot1})
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0xFF, 0xFF, 0x01, 0x00}, apdu[1:])
		assert.Equal(t, len(apdu), int(apdu[0]))
		assert.Equal(t, byte(0x06), apdu[0])
		assert.NotEqual(t, byte(len(apdu[1:])), apdu[0])
	})

	cmds := []FelicaCommand{
		RequestServiceCommand{IDm: testIDm, Nodes: []ServiceCode{0x000B}},
		RequestResponseCommand{IDm: testIDm},
		ReadWithoutEncryptionCommand{IDm: testIDm, Services: []ServiceCode{0x000B}, Blocks: []BlockElement{{}}},
		WriteWithoutEncryptionCommand{IDm: testIDm, Services: []ServiceCode{0x0009}, Blocks: []BlockElement{{}}, Data: []Block{{}}},
		SearchServiceCodeCommand{IDm: testIDm},
		RequestSystemCodeCommand{IDm: testIDm},
	}
	for _, cmd := range cmds {
		t.Run(cmd.Name(), func(t *testing.T) {
			t.Parallel()
			apdu, err := EncodeFelica(cmd)
			require.NoError(t, err)
			assert.Equal(t, len(apdu), int(apdu[0]))
		})
	}
}

func TestEncodePollingRejects(t *testing.T) {
	t.Parallel()

	_, err := EncodeFelica(PollingCommand{SystemCode: SystemCodeAny, TimeSlot: 0x05})
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = EncodeFelica(PollingCommand{SystemCode: SystemCodeAny, RequestCode: 0x03})
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestEncodeAddressedCommands(t *testing.T) {
	t.Parallel()

	idm := testIDm[:]
	tests := []struct {
		cmd      FelicaCommand
		name     string
		expected []byte
	}{
		{
			name:     "RequestService",
			cmd:      RequestServiceCommand{IDm: testIDm, Nodes: []ServiceCode{0x0000, 0x000B}},
			expected: felicaReply(0x02, idm, []byte{0x02, 0x00, 0x00, 0x0B, 0x00}),
		},
		{
			name:     "RequestResponse",
			cmd:      RequestResponseCommand{IDm: testIDm},
			expected: felicaReply(0x04, idm),
		},
		{
			name: "ReadWithoutEncryption",
			cmd: ReadWithoutEncryptionCommand{
				IDm:      testIDm,
				Services: []ServiceCode{0x000B},
				Blocks:   []BlockElement{{Block: 0}, {Block: 1}},
			},
			expected: felicaReply(0x06, idm, []byte{0x01, 0x0B, 0x00, 0x02, 0x80, 0x00, 0x80, 0x01}),
		},
		{
			name: "WriteWithoutEncryption",
			cmd: WriteWithoutEncryptionCommand{
				IDm:      testIDm,
				Services: []ServiceCode{0x0009},
				Blocks:   []BlockElement{{Block: 0x0100}},
				Data:     []Block{{0xAA, 15: 0x55}},
			},
			expected: felicaReply(0x08, idm,
				[]byte{0x01, 0x09, 0x00, 0x01, 0x00, 0x00, 0x01},
				[]byte{0xAA, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x55}),
		},
		{
			name:     "SearchServiceCode",
			cmd:      SearchServiceCodeCommand{IDm: testIDm, Index: 0x0102},
			expected: felicaReply(0x0A, idm, []byte{0x02, 0x01}),
		},
		{
			name:     "RequestSystemCode",
			cmd:      RequestSystemCodeCommand{IDm: testIDm},
			expected: felicaReply(0x0C, idm),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := EncodeFelica(tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEncodeFelicaBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd  FelicaCommand
		err  error
		name string
	}{
		{
			name: "read without blocks",
			cmd:  ReadWithoutEncryptionCommand{IDm: testIDm, Services: []ServiceCode{0x000B}},
			err:  ErrInvalidParameter,
		},
		{
			name: "read too many blocks",
			cmd: ReadWithoutEncryptionCommand{
				IDm: testIDm, Services: []ServiceCode{0x000B},
				Blocks: make([]BlockElement, MaxReadBlocks+1),
			},
			err: ErrInvalidParameter,
		},
		{
			name: "read without services",
			cmd:  ReadWithoutEncryptionCommand{IDm: testIDm, Blocks: []BlockElement{{}}},
			err:  ErrInvalidParameter,
		},
		{
			name: "write data count mismatch",
			cmd: WriteWithoutEncryptionCommand{
				IDm: testIDm, Services: []ServiceCode{0x0009},
				Blocks: []BlockElement{{}, {Block: 1}}, Data: []Block{{}},
			},
			err: ErrInvalidParameter,
		},
		{
			name: "request service too many nodes",
			cmd:  RequestServiceCommand{IDm: testIDm, Nodes: make([]ServiceCode, MaxRequestServiceNodes+1)},
			err:  ErrInvalidParameter,
		},
		{
			name: "request service no nodes",
			cmd:  RequestServiceCommand{IDm: testIDm},
			err:  ErrInvalidParameter,
		},
		{
			name: "write exceeds length byte",
			cmd: func() FelicaCommand {
				blocks := make([]BlockElement, MaxWriteBlocks)
				for i := range blocks {
					blocks[i] = BlockElement{Block: 0x0100 + uint16(i), ServiceIndex: byte(i)}
				}
				return WriteWithoutEncryptionCommand{
					IDm:      testIDm,
					Services: make([]ServiceCode, MaxServices),
					Blocks:   blocks,
					Data:     make([]Block, MaxWriteBlocks),
				}
			}(),
			err: ErrDataTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := EncodeFelica(tt.cmd)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecodePolling(t *testing.T) {
	t.Parallel()

	cmd := NewPolling(SystemCodeAny)

	resp, err := DecodeFelica(cmd, felicaReply(0x01, testIDm[:], testPMm[:], []byte{0x12, 0xFC}))
	require.NoError(t, err)
	poll, ok := resp.(*PollingResponse)
	require.True(t, ok)
	assert.Equal(t, testIDm, poll.IDm)
	assert.Equal(t, testPMm, poll.PMm)
	sys, ok := poll.SystemCode()
	require.True(t, ok)
	assert.Equal(t, SystemCodeNDEF, sys)

	resp, err = DecodeFelica(cmd, felicaReply(0x01, testIDm[:], testPMm[:]))
	require.NoError(t, err)
	_, ok = resp.(*PollingResponse).SystemCode()
	assert.False(t, ok)

	_, err = DecodeFelica(cmd, felicaReply(0x01, testIDm[:], testPMm[:4]))
	assert.Equal(t, ShortRead, KindOf(err))
}

func TestDecodeFelicaEnvelope(t *testing.T) {
	t.Parallel()

	cmd := RequestResponseCommand{IDm: testIDm}
	other := IDm{0x01, 0x2E, 0x3D, 0x4C, 0x5B, 0x6A, 0x79, 0x89}
	good := felicaReply(0x05, testIDm[:], []byte{0x00})

	badLength := append([]byte(nil), good...)
	badLength[0]++

	tests := []struct {
		name    string
		data    []byte
		kind    ErrorKind
		mismtch bool
	}{
		{name: "empty", data: nil, kind: ShortRead},
		{name: "length byte disagrees", data: badLength, kind: FramingError},
		{name: "wrong response code", data: felicaReply(0x07, testIDm[:], []byte{0x00}), kind: UnexpectedFrameKind},
		{name: "idm mismatch", data: felicaReply(0x05, other[:], []byte{0x00}), kind: UnexpectedFrameKind, mismtch: true},
		{name: "idm truncated", data: felicaReply(0x05, testIDm[:4]), kind: ShortRead},
		{name: "mode missing", data: felicaReply(0x05, testIDm[:]), kind: ShortRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeFelica(cmd, tt.data)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.mismtch, errors.Is(err, ErrIDmMismatch))
			if tt.mismtch {
				assert.False(t, IsRetryable(err))
			}
		})
	}

	resp, err := DecodeFelica(cmd, good)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), resp.(*RequestResponseResponse).Mode)
}

// Every addressed command must reject a response for another card.
func TestDecodeFelicaIDmConsistency(t *testing.T) {
	t.Parallel()

	other := IDm{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	cmds := []FelicaCommand{
		RequestServiceCommand{IDm: testIDm, Nodes: []ServiceCode{0x000B}},
		RequestResponseCommand{IDm: testIDm},
		ReadWithoutEncryptionCommand{IDm: testIDm, Services: []ServiceCode{0x000B}, Blocks: []BlockElement{{}}},
		WriteWithoutEncryptionCommand{IDm: testIDm, Services: []ServiceCode{0x0009}, Blocks: []BlockElement{{}}, Data: []Block{{}}},
		SearchServiceCodeCommand{IDm: testIDm},
		RequestSystemCodeCommand{IDm: testIDm},
	}

	for _, cmd := range cmds {
		t.Run(cmd.Name(), func(t *testing.T) {
			t.Parallel()
			data := felicaReply(cmd.Code()+1, other[:], make([]byte, 32))
			_, err := DecodeFelica(cmd, data)
			require.Error(t, err)
			assert.Equal(t, UnexpectedFrameKind, KindOf(err))
			require.ErrorIs(t, err, ErrIDmMismatch)

			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, data, pe.Raw)
		})
	}
}

func TestDecodeReadWithoutEncryption(t *testing.T) {
	t.Parallel()

	cmd := ReadWithoutEncryptionCommand{
		IDm:      testIDm,
		Services: []ServiceCode{0x000B},
		Blocks:   []BlockElement{{Block: 0}, {Block: 1}},
	}
	b0 := Block{0x10, 0x04, 0x01}
	b1 := Block{15: 0xFE}

	resp, err := DecodeFelica(cmd, felicaReply(0x07, testIDm[:], []byte{0x00, 0x00, 0x02}, b0[:], b1[:]))
	require.NoError(t, err)
	read, ok := resp.(*ReadResponse)
	require.True(t, ok)
	assert.Equal(t, []Block{b0, b1}, read.Blocks)

	t.Run("status flags", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeFelica(cmd, felicaReply(0x07, testIDm[:], []byte{0xA4, 0x01}))
		require.Error(t, err)
		var pe *ProtocolError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, StatusFlagError, pe.Kind)
		assert.Equal(t, uint16(0xA401), pe.Code)
		assert.NotEmpty(t, pe.Raw)
	})

	t.Run("block count disagrees", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeFelica(cmd, felicaReply(0x07, testIDm[:], []byte{0x00, 0x00, 0x01}, b0[:]))
		assert.Equal(t, FramingError, KindOf(err))
	})

	t.Run("block data truncated", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeFelica(cmd, felicaReply(0x07, testIDm[:], []byte{0x00, 0x00, 0x02}, b0[:]))
		assert.Equal(t, ShortRead, KindOf(err))
	})
}

func TestDecodeWriteWithoutEncryption(t *testing.T) {
	t.Parallel()

	cmd := WriteWithoutEncryptionCommand{
		IDm:      testIDm,
		Services: []ServiceCode{0x0009},
		Blocks:   []BlockElement{{Block: 1}},
		Data:     []Block{{}},
	}

	resp, err := DecodeFelica(cmd, felicaReply(0x09, testIDm[:], []byte{0x00, 0x00}))
	require.NoError(t, err)
	assert.Equal(t, testIDm, resp.(*WriteResponse).IDm)

	_, err = DecodeFelica(cmd, felicaReply(0x09, testIDm[:], []byte{0x01, 0xA8}))
	require.Error(t, err)
	assert.Equal(t, StatusFlagError, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestDecodeRequestService(t *testing.T) {
	t.Parallel()

	cmd := RequestServiceCommand{IDm: testIDm, Nodes: []ServiceCode{0x000B, 0x1008}}
	resp, err := DecodeFelica(cmd, felicaReply(0x03, testIDm[:], []byte{0x02, 0x00, 0x00, 0xFF, 0xFF}))
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0000, KeyVersionMissing}, resp.(*RequestServiceResponse).KeyVersions)

	_, err = DecodeFelica(cmd, felicaReply(0x03, testIDm[:], []byte{0x02, 0x00}))
	assert.Equal(t, ShortRead, KindOf(err))
}

func TestDecodeSearchServiceCode(t *testing.T) {
	t.Parallel()

	cmd := SearchServiceCodeCommand{IDm: testIDm}

	tests := []struct {
		name string
		body []byte
		code ServiceCode
		end  ServiceCode
		eol  bool
		kind ErrorKind
	}{
		{name: "area", body: []byte{0x00, 0x00, 0xFE, 0xFF}, code: 0x0000, end: 0xFFFE},
		{name: "service", body: []byte{0x0B, 0x00}, code: 0x000B},
		{name: "end of list", body: []byte{0xFF, 0xFF}, code: 0xFFFF, eol: true},
		{name: "area missing end", body: []byte{0x00, 0x00}, kind: ShortRead},
		{name: "empty", body: nil, kind: ShortRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := DecodeFelica(cmd, felicaReply(0x0B, testIDm[:], tt.body))
			if tt.kind != 0 {
				assert.Equal(t, tt.kind, KindOf(err))
				return
			}
			require.NoError(t, err)
			ss := resp.(*SearchServiceCodeResponse)
			assert.Equal(t, tt.code, ss.Code)
			assert.Equal(t, tt.end, ss.End)
			assert.Equal(t, tt.eol, ss.EndOfList())
		})
	}
}

func TestDecodeRequestSystemCode(t *testing.T) {
	t.Parallel()

	cmd := RequestSystemCodeCommand{IDm: testIDm}
	resp, err := DecodeFelica(cmd, felicaReply(0x0D, testIDm[:], []byte{0x02, 0x12, 0xFC, 0x00, 0x03}))
	require.NoError(t, err)
	assert.Equal(t, []SystemCode{SystemCodeNDEF, SystemCodeSuica}, resp.(*RequestSystemCodeResponse).SystemCodes)

	_, err = DecodeFelica(cmd, felicaReply(0x0D, testIDm[:], []byte{0x02, 0x12, 0xFC}))
	assert.Equal(t, ShortRead, KindOf(err))
}

// Responses are decoded whole: bytes past the fields a command defines
// make the response invalid.
func TestDecodeFelicaRejectsTrailingBytes(t *testing.T) {
	t.Parallel()

	trailer := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	var blk Block

	tests := []struct {
		cmd  FelicaCommand
		name string
		body []byte
	}{
		{
			name: "read",
			cmd:  ReadWithoutEncryptionCommand{IDm: testIDm, Services: []ServiceCode{0x000B}, Blocks: []BlockElement{{}}},
			body: append(append([]byte{0x00, 0x00, 0x01}, blk[:]...), trailer...),
		},
		{
			name: "write",
			cmd:  WriteWithoutEncryptionCommand{IDm: testIDm, Services: []ServiceCode{0x0009}, Blocks: []BlockElement{{}}, Data: []Block{{}}},
			body: append([]byte{0x00, 0x00}, trailer...),
		},
		{
			name: "request response",
			cmd:  RequestResponseCommand{IDm: testIDm},
			body: append([]byte{0x00}, trailer...),
		},
		{
			name: "request service",
			cmd:  RequestServiceCommand{IDm: testIDm, Nodes: []ServiceCode{0x000B}},
			body: append([]byte{0x01, 0x00, 0x00}, trailer...),
		},
		{
			name: "search service code service",
			cmd:  SearchServiceCodeCommand{IDm: testIDm},
			body: append([]byte{0x0B, 0x00}, trailer...),
		},
		{
			name: "search service code end of list",
			cmd:  SearchServiceCodeCommand{IDm: testIDm},
			body: []byte{0xFF, 0xFF, 0x00, 0x00},
		},
		{
			name: "request system code",
			cmd:  RequestSystemCodeCommand{IDm: testIDm},
			body: append([]byte{0x01, 0x12, 0xFC}, trailer...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := felicaReply(tt.cmd.Code()+1, testIDm[:], tt.body)
			resp, err := DecodeFelica(tt.cmd, data)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, FramingError, KindOf(err))
			assert.True(t, IsRetryable(err))

			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, data, pe.Raw)
		})
	}

	t.Run("request service count disagrees", func(t *testing.T) {
		t.Parallel()
		cmd := RequestServiceCommand{IDm: testIDm, Nodes: []ServiceCode{0x000B, 0x1008}}
		_, err := DecodeFelica(cmd, felicaReply(0x03, testIDm[:], []byte{0x01, 0x00, 0x00}))
		assert.Equal(t, FramingError, KindOf(err))
	})

	t.Run("polling keeps request data", func(t *testing.T) {
		t.Parallel()
		resp, err := DecodeFelica(NewPolling(SystemCodeAny), felicaReply(0x01, testIDm[:], testPMm[:], []byte{0x00, 0x03}))
		require.NoError(t, err)
		sys, ok := resp.(*PollingResponse).SystemCode()
		require.True(t, ok)
		assert.Equal(t, SystemCodeSuica, sys)
	})
}
