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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hsanjuan/go-ndef"
)

// NFC Forum Type 3 Tag layout
const (
	// ServiceNDEFRead and ServiceNDEFWrite are the NDEF data services
	ServiceNDEFRead  ServiceCode = 0x000B
	ServiceNDEFWrite ServiceCode = 0x0009

	aibVersion1     = 0x10
	aibWriteDone    = 0x00
	aibWriteBusy    = 0x0F
	aibReadOnly     = 0x00
	aibReadWrite    = 0x01
	ndefFirstBlock  = 1
	maxNDEFMessage  = 0xFFFFFF
	ndefRecordLimit = 255
)

// NDEF errors
var (
	ErrNoNDEF          = errors.New("no NDEF message")
	ErrInvalidAIB      = errors.New("invalid attribute information block")
	ErrNDEFReadOnly    = errors.New("NDEF area is read-only")
	ErrNDEFWriteActive = errors.New("NDEF write in progress")
)

// AttributeInfo is the Type 3 Tag Attribute Information Block (block 0).
type AttributeInfo struct {
	Version   byte
	MaxRead   byte   // Nbr, blocks per Read command
	MaxWrite  byte   // Nbw, blocks per Write command
	MaxBlocks uint16 // Nmaxb, size of the NDEF area in blocks
	WriteFlag byte
	RWFlag    byte
	Length    int // Ln, bytes of NDEF message stored
}

// ParseAttributeInfo decodes and checks an AIB.
func ParseAttributeInfo(b Block) (*AttributeInfo, error) {
	var sum uint16
	for _, v := range b[:14] {
		sum += uint16(v)
	}
	if stored := uint16(b[14])<<8 | uint16(b[15]); stored != sum {
		return nil, fmt.Errorf("%w: checksum 0x%04X, computed 0x%04X", ErrInvalidAIB, stored, sum)
	}
	if b[0]>>4 != aibVersion1>>4 {
		return nil, fmt.Errorf("%w: mapping version %d.%d", ErrInvalidAIB, b[0]>>4, b[0]&0x0F)
	}
	return &AttributeInfo{
		Version:   b[0],
		MaxRead:   b[1],
		MaxWrite:  b[2],
		MaxBlocks: uint16(b[3])<<8 | uint16(b[4]),
		WriteFlag: b[9],
		RWFlag:    b[10],
		Length:    int(b[11])<<16 | int(b[12])<<8 | int(b[13]),
	}, nil
}

// Block encodes the AIB and its checksum
func (a *AttributeInfo) Block() Block {
	var b Block
	b[0] = a.Version
	b[1] = a.MaxRead
	b[2] = a.MaxWrite
	b[3], b[4] = byte(a.MaxBlocks>>8), byte(a.MaxBlocks)
	b[9] = a.WriteFlag
	b[10] = a.RWFlag
	b[11], b[12], b[13] = byte(a.Length>>16), byte(a.Length>>8), byte(a.Length)
	var sum uint16
	for _, v := range b[:14] {
		sum += uint16(v)
	}
	b[14], b[15] = byte(sum>>8), byte(sum)
	return b
}

// Writable reports whether the tag accepts NDEF writes
func (a *AttributeInfo) Writable() bool {
	return a.RWFlag == aibReadWrite
}

// Capacity returns the NDEF area size in bytes
func (a *AttributeInfo) Capacity() int {
	return int(a.MaxBlocks) * BlockSize
}

func (a *AttributeInfo) readChunk() int {
	return chunkSize(int(a.MaxRead), MaxReadBlocks)
}

func (a *AttributeInfo) writeChunk() int {
	return chunkSize(int(a.MaxWrite), MaxWriteBlocks)
}

func chunkSize(advertised, limit int) int {
	if advertised < 1 {
		return 1
	}
	return min(advertised, limit)
}

// NDEFRecordType names the kind of an NDEFRecord
type NDEFRecordType string

// Record types understood by ParseNDEFMessage and BuildNDEFMessage. Other
// media types appear as "media:<type>", external types as "ext:<type>".
const (
	NDEFTypeText NDEFRecordType = "text"
	NDEFTypeURI  NDEFRecordType = "uri"
)

// NDEFRecord is a simplified view of one NDEF record
type NDEFRecord struct {
	Type    NDEFRecordType
	Text    string
	URI     string
	Payload []byte
}

// NDEFMessage is a parsed NDEF message
type NDEFMessage struct {
	Records []NDEFRecord
}

// ParseNDEFMessage parses a raw NDEF message. Type 3 tags store the
// message without a TLV wrapper.
func ParseNDEFMessage(data []byte) (*NDEFMessage, error) {
	if len(data) == 0 {
		return nil, ErrNoNDEF
	}
	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse NDEF message: %w", err)
	}

	result := &NDEFMessage{Records: make([]NDEFRecord, 0, len(msg.Records))}
	for _, rec := range msg.Records {
		r, err := convertRecord(rec)
		if err != nil {
			debugf("skipping NDEF record: %v", err)
			continue
		}
		result.Records = append(result.Records, *r)
	}
	if len(result.Records) == 0 {
		return nil, ErrNoNDEF
	}
	return result, nil
}

func convertRecord(rec *ndef.Record) (*NDEFRecord, error) {
	payload, err := rec.Payload()
	if err != nil {
		return nil, fmt.Errorf("failed to get NDEF record payload: %w", err)
	}
	raw := payload.Marshal()
	out := &NDEFRecord{Payload: raw}

	switch rec.TNF() {
	case ndef.NFCForumWellKnownType:
		switch rec.Type() {
		case "T":
			out.Type = NDEFTypeText
			out.Text, err = parseTextPayload(raw)
		case "U":
			out.Type = NDEFTypeURI
			out.URI, err = parseURIPayload(raw)
		default:
			out.Type = NDEFRecordType("wkt:" + rec.Type())
		}
	case ndef.MediaType:
		out.Type = NDEFRecordType("media:" + rec.Type())
	case ndef.NFCForumExternalType:
		out.Type = NDEFRecordType("ext:" + rec.Type())
	case ndef.AbsoluteURI:
		out.Type = NDEFTypeURI
		out.URI = rec.Type()
	default:
		return nil, fmt.Errorf("unsupported TNF %d", rec.TNF())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parseTextPayload returns the text of a Text RTD payload
func parseTextPayload(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", errors.New("text payload too short")
	}
	langLen := int(payload[0] & 0x3F)
	if len(payload) < 1+langLen {
		return "", errors.New("invalid text payload length")
	}
	return string(payload[1+langLen:]), nil
}

// uriPrefixes is the URI RTD abbreviation table
var uriPrefixes = []string{
	"", "http://www.", "https://www.", "http://", "https://", "tel:", "mailto:",
	"ftp://anonymous:anonymous@", "ftp://ftp.", "ftps://", "sftp://", "smb://",
	"nfs://", "ftp://", "dav://", "news:", "telnet://", "imap:", "rtsp://", "urn:",
	"pop:", "sip:", "sips:", "tftp:", "btspp://", "btl2cap://", "btgoep://",
	"tcpobex://", "irdaobex://", "file://", "urn:epc:id:", "urn:epc:tag:",
	"urn:epc:pat:", "urn:epc:raw:", "urn:epc:", "urn:nfc:",
}

// parseURIPayload expands a URI RTD payload
func parseURIPayload(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", errors.New("URI payload too short")
	}
	code := int(payload[0])
	if code >= len(uriPrefixes) {
		return "", fmt.Errorf("invalid URI prefix code: %d", code)
	}
	return uriPrefixes[code] + string(payload[1:]), nil
}

// BuildNDEFMessage encodes records as a raw NDEF message.
func BuildNDEFMessage(records []NDEFRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("no records to build")
	}
	if len(records) > ndefRecordLimit {
		return nil, fmt.Errorf("%w: %d records", ErrDataTooLarge, len(records))
	}

	msg := &ndef.Message{Records: make([]*ndef.Record, 0, len(records))}
	for i := range records {
		rec, err := buildRecord(&records[i])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec.SetMB(false)
		rec.SetME(false)
		msg.Records = append(msg.Records, rec)
	}
	msg.Records[0].SetMB(true)
	msg.Records[len(msg.Records)-1].SetME(true)

	out, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal NDEF message: %w", err)
	}
	return out, nil
}

func buildRecord(rec *NDEFRecord) (*ndef.Record, error) {
	switch {
	case rec.Type == NDEFTypeText:
		return ndef.NewTextRecord(rec.Text, "en"), nil
	case rec.Type == NDEFTypeURI:
		return ndef.NewURIRecord(rec.URI), nil
	case strings.HasPrefix(string(rec.Type), "media:"):
		return ndef.NewMediaRecord(strings.TrimPrefix(string(rec.Type), "media:"), rec.Payload), nil
	default:
		return nil, fmt.Errorf("unsupported record type %q", rec.Type)
	}
}

// ReadAttributeInfo reads and checks block 0 of an NFC Forum Type 3 tag.
func (d *Device) ReadAttributeInfo(ctx context.Context) (*AttributeInfo, error) {
	blocks, err := d.ReadBlocks(ctx, []ServiceCode{ServiceNDEFRead}, BlockRange(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("read AIB: %w", err)
	}
	return ParseAttributeInfo(blocks[0])
}

// ReadNDEFRaw returns the stored NDEF message bytes.
func (d *Device) ReadNDEFRaw(ctx context.Context) ([]byte, error) {
	aib, err := d.ReadAttributeInfo(ctx)
	if err != nil {
		return nil, err
	}
	if aib.WriteFlag != aibWriteDone {
		return nil, ErrNDEFWriteActive
	}
	if aib.Length == 0 {
		return nil, ErrNoNDEF
	}
	if aib.Length > aib.Capacity() {
		return nil, fmt.Errorf("%w: length %d exceeds %d blocks", ErrInvalidAIB, aib.Length, aib.MaxBlocks)
	}

	count := (aib.Length + BlockSize - 1) / BlockSize
	chunk := aib.readChunk()
	data := make([]byte, 0, count*BlockSize)
	for done := 0; done < count; done += chunk {
		n := min(chunk, count-done)
		blocks, err := d.ReadBlocks(ctx, []ServiceCode{ServiceNDEFRead},
			BlockRange(0, uint16(ndefFirstBlock+done), n))
		if err != nil {
			return nil, fmt.Errorf("read NDEF blocks: %w", err)
		}
		for i := range blocks {
			data = append(data, blocks[i][:]...)
		}
	}
	return data[:aib.Length], nil
}

// ReadNDEF reads and parses the NDEF message of an NFC Forum Type 3 tag.
func (d *Device) ReadNDEF(ctx context.Context) (*NDEFMessage, error) {
	raw, err := d.ReadNDEFRaw(ctx)
	if err != nil {
		return nil, err
	}
	return ParseNDEFMessage(raw)
}

// WriteNDEF replaces the NDEF message of an NFC Forum Type 3 tag. The AIB
// write flag is raised while data blocks are written so an interrupted
// write is detectable.
func (d *Device) WriteNDEF(ctx context.Context, records ...NDEFRecord) error {
	raw, err := BuildNDEFMessage(records)
	if err != nil {
		return err
	}
	return d.WriteNDEFRaw(ctx, raw)
}

// WriteNDEFRaw stores raw as the tag's NDEF message.
func (d *Device) WriteNDEFRaw(ctx context.Context, raw []byte) error {
	aib, err := d.ReadAttributeInfo(ctx)
	if err != nil {
		return err
	}
	if !aib.Writable() {
		return ErrNDEFReadOnly
	}
	if len(raw) > aib.Capacity() || len(raw) > maxNDEFMessage {
		return fmt.Errorf("%w: %d bytes, tag holds %d", ErrDataTooLarge, len(raw), aib.Capacity())
	}

	busy := *aib
	busy.WriteFlag = aibWriteBusy
	if err := d.writeAIB(ctx, &busy); err != nil {
		return err
	}

	blocks := make([]Block, (len(raw)+BlockSize-1)/BlockSize)
	for i := range blocks {
		copy(blocks[i][:], raw[i*BlockSize:])
	}
	chunk := aib.writeChunk()
	for done := 0; done < len(blocks); done += chunk {
		n := min(chunk, len(blocks)-done)
		err := d.WriteBlocks(ctx, []ServiceCode{ServiceNDEFWrite},
			BlockRange(0, uint16(ndefFirstBlock+done), n), blocks[done:done+n])
		if err != nil {
			return fmt.Errorf("write NDEF blocks: %w", err)
		}
	}

	done := *aib
	done.WriteFlag = aibWriteDone
	done.Length = len(raw)
	return d.writeAIB(ctx, &done)
}

func (d *Device) writeAIB(ctx context.Context, aib *AttributeInfo) error {
	err := d.WriteBlocks(ctx, []ServiceCode{ServiceNDEFWrite}, BlockRange(0, 0, 1), []Block{aib.Block()})
	if err != nil {
		return fmt.Errorf("write AIB: %w", err)
	}
	return nil
}

// NewType3AttributeInfo returns a blank, writable AIB for a tag with
// maxBlocks blocks of NDEF area. It is what a formatter writes to block 0.
func NewType3AttributeInfo(maxBlocks uint16) *AttributeInfo {
	return &AttributeInfo{
		Version:   aibVersion1,
		MaxRead:   4,
		MaxWrite:  1,
		MaxBlocks: maxBlocks,
		WriteFlag: aibWriteDone,
		RWFlag:    aibReadWrite,
	}
}
