// Copyright 2025 Edgeo SCADA
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

package s7

import (
	"fmt"
	"sync"
)

// Batch is an ordered set of items of one direction, executed as a single
// exchange on the connection it was built for. Items are checked against
// the negotiated PDU length as they are added. Once executed the batch is
// sealed; it can be executed again any number of times.
type Batch struct {
	conn *Connection
	mode Mode

	mu     sync.Mutex
	items  []RequestItem
	sealed bool
}

// NewBatch starts an empty batch. The connection must be connected since
// the size limit comes from the negotiated PDU length.
func (c *Connection) NewBatch(mode Mode) (*Batch, error) {
	if err := c.usable("new batch"); err != nil {
		return nil, err
	}
	return &Batch{conn: c, mode: mode}, nil
}

// Mode returns the batch direction.
func (b *Batch) Mode() Mode {
	return b.mode
}

// Len returns the number of items.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Items returns a copy of the batch items in order.
func (b *Batch) Items() []RequestItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RequestItem(nil), b.items...)
}

// Sizes returns the request and expected response PDU sizes.
func (b *Batch) Sizes() (request, response int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatchSizes(b.mode, b.items)
}

// Add appends a byte read. For timer and counter areas start and length
// count elements.
func (b *Batch) Add(area Area, block, start, length int) error {
	it, err := Encode(area, block, start, length, Byte)
	if err != nil {
		return err
	}
	return b.AddItem(it)
}

// AddBits appends a bit read of bits bits starting at bitStart.
func (b *Batch) AddBits(area Area, block, bitStart, bits int) error {
	it, err := Encode(area, block, bitStart, bits, Bit)
	if err != nil {
		return err
	}
	return b.AddItem(it)
}

// AddWrite appends a byte write of payload.
func (b *Batch) AddWrite(area Area, block, start int, payload []byte) error {
	it, err := EncodeWrite(area, block, start, Byte, payload)
	if err != nil {
		return err
	}
	return b.AddItem(it)
}

// AddWriteBits appends a bit write; bits holds one byte, 0 or 1, per bit.
func (b *Batch) AddWriteBits(area Area, block, bitStart int, bits []byte) error {
	it, err := EncodeWrite(area, block, bitStart, Bit, bits)
	if err != nil {
		return err
	}
	return b.AddItem(it)
}

// AddItem appends a pre-encoded item. The batch is left unchanged on error.
func (b *Batch) AddItem(it RequestItem) error {
	if it.Mode != b.mode {
		return fmt.Errorf("%w: %s item in %s batch", ErrBatchMode, it.Mode, b.mode)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return ErrBatchSealed
	}

	items := append(b.items[:len(b.items):len(b.items)], it)
	req, resp := BatchSizes(b.mode, items)
	pduLen := b.conn.MaxPDULen()
	if len(items) > MaxItems || req > pduLen || resp > pduLen {
		return &BatchTooLargeError{
			Items:        len(items),
			RequestSize:  req,
			ResponseSize: resp,
			PDUSize:      pduLen,
		}
	}
	b.items = items
	return nil
}

// seal freezes the batch and returns its items.
func (b *Batch) seal() []RequestItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return b.items
}
