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
	"context"
	"fmt"
)

// targetIDm returns the IDm of the acquired card
func (d *Device) targetIDm() (IDm, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.state == StateFaulted:
		return IDm{}, ErrDeviceFaulted
	case d.state == StateUninitialized:
		return IDm{}, ErrNotInitialized
	case d.target == nil:
		return IDm{}, ErrNoTarget
	default:
		return d.target.IDm, nil
	}
}

// BlockRange returns count consecutive block elements starting at start,
// all addressing service list entry serviceIndex.
func BlockRange(serviceIndex byte, start uint16, count int) []BlockElement {
	blocks := make([]BlockElement, count)
	for i := range blocks {
		blocks[i] = BlockElement{ServiceIndex: serviceIndex, Block: start + uint16(i)}
	}
	return blocks
}

// ReadBlocks reads blocks from the acquired card. Each element's
// ServiceIndex refers to an entry of services.
func (d *Device) ReadBlocks(ctx context.Context, services []ServiceCode, blocks []BlockElement) ([]Block, error) {
	idm, err := d.targetIDm()
	if err != nil {
		return nil, err
	}
	resp, err := d.Exchange(ctx, ReadWithoutEncryptionCommand{IDm: idm, Services: services, Blocks: blocks})
	if err != nil {
		return nil, err
	}
	return resp.(*ReadResponse).Blocks, nil
}

// WriteBlocks writes data[i] to blocks[i] on the acquired card.
func (d *Device) WriteBlocks(ctx context.Context, services []ServiceCode, blocks []BlockElement, data []Block) error {
	idm, err := d.targetIDm()
	if err != nil {
		return err
	}
	_, err = d.Exchange(ctx, WriteWithoutEncryptionCommand{IDm: idm, Services: services, Blocks: blocks, Data: data})
	return err
}

// ReadService reads count blocks from a single service starting at
// block start, splitting into as many commands as needed.
func (d *Device) ReadService(ctx context.Context, service ServiceCode, start uint16, count int) ([]Block, error) {
	out := make([]Block, 0, count)
	for done := 0; done < count; {
		n := min(count-done, MaxReadBlocks)
		blocks, err := d.ReadBlocks(ctx, []ServiceCode{service}, BlockRange(0, start+uint16(done), n))
		if err != nil {
			return nil, fmt.Errorf("read blocks %d-%d: %w", int(start)+done, int(start)+done+n-1, err)
		}
		out = append(out, blocks...)
		done += n
	}
	return out, nil
}

// WriteService writes data to a single service starting at block start,
// splitting into as many commands as needed.
func (d *Device) WriteService(ctx context.Context, service ServiceCode, start uint16, data []Block) error {
	for done := 0; done < len(data); {
		n := min(len(data)-done, MaxWriteBlocks)
		err := d.WriteBlocks(ctx, []ServiceCode{service}, BlockRange(0, start+uint16(done), n), data[done:done+n])
		if err != nil {
			return fmt.Errorf("write blocks %d-%d: %w", int(start)+done, int(start)+done+n-1, err)
		}
		done += n
	}
	return nil
}

// RequestService returns the key version of each node, KeyVersionMissing
// for nodes the card does not have.
func (d *Device) RequestService(ctx context.Context, nodes ...ServiceCode) ([]uint16, error) {
	idm, err := d.targetIDm()
	if err != nil {
		return nil, err
	}
	resp, err := d.Exchange(ctx, RequestServiceCommand{IDm: idm, Nodes: nodes})
	if err != nil {
		return nil, err
	}
	return resp.(*RequestServiceResponse).KeyVersions, nil
}

// RequestResponse checks the card is still there and returns its mode.
func (d *Device) RequestResponse(ctx context.Context) (byte, error) {
	idm, err := d.targetIDm()
	if err != nil {
		return 0, err
	}
	resp, err := d.Exchange(ctx, RequestResponseCommand{IDm: idm})
	if err != nil {
		return 0, err
	}
	return resp.(*RequestResponseResponse).Mode, nil
}

// RequestSystemCode lists the systems on the acquired card.
func (d *Device) RequestSystemCode(ctx context.Context) ([]SystemCode, error) {
	idm, err := d.targetIDm()
	if err != nil {
		return nil, err
	}
	resp, err := d.Exchange(ctx, RequestSystemCodeCommand{IDm: idm})
	if err != nil {
		return nil, err
	}
	return resp.(*RequestSystemCodeResponse).SystemCodes, nil
}

// SearchServiceCode returns the node at index in the card's node list.
func (d *Device) SearchServiceCode(ctx context.Context, index uint16) (*SearchServiceCodeResponse, error) {
	idm, err := d.targetIDm()
	if err != nil {
		return nil, err
	}
	resp, err := d.Exchange(ctx, SearchServiceCodeCommand{IDm: idm, Index: index})
	if err != nil {
		return nil, err
	}
	return resp.(*SearchServiceCodeResponse), nil
}

// ListServices walks SearchServiceCode from index 0 until the card
// reports the end of its node list.
func (d *Device) ListServices(ctx context.Context) ([]SearchServiceCodeResponse, error) {
	var nodes []SearchServiceCodeResponse
	for i := range maxServiceSearch {
		node, err := d.SearchServiceCode(ctx, uint16(i))
		if err != nil {
			return nil, fmt.Errorf("search index %d: %w", i, err)
		}
		if node.EndOfList() {
			return nodes, nil
		}
		nodes = append(nodes, *node)
	}
	return nodes, nil
}
