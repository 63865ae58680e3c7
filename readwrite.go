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

import "context"

// Overhead of a single-item read or write around its data bytes.
const (
	readOverhead  = ResponseHeaderSize + 2 + itemHeaderSize
	writeOverhead = RequestHeaderSize + 2 + readItemSpecSize + itemHeaderSize
)

func (c *Connection) single(ctx context.Context, mode Mode, it RequestItem) (*ResultSet, error) {
	b, err := c.NewBatch(mode)
	if err != nil {
		return nil, err
	}
	if err := b.AddItem(it); err != nil {
		return nil, err
	}
	rs, err := c.Execute(ctx, b)
	if err != nil {
		return nil, err
	}
	if err := rs.Select(0); err != nil {
		return nil, err
	}
	return rs, nil
}

// ReadBytes reads length bytes (elements for timers and counters) in one
// exchange.
func (c *Connection) ReadBytes(ctx context.Context, area Area, block, start, length int) ([]byte, error) {
	it, err := Encode(area, block, start, length, Byte)
	if err != nil {
		return nil, err
	}
	rs, err := c.single(ctx, ModeRead, it)
	if err != nil {
		return nil, err
	}
	return rs.Bytes(0)
}

// WriteBytes writes data in one exchange.
func (c *Connection) WriteBytes(ctx context.Context, area Area, block, start int, data []byte) error {
	it, err := EncodeWrite(area, block, start, Byte, data)
	if err != nil {
		return err
	}
	_, err = c.single(ctx, ModeWrite, it)
	return err
}

// ReadBits reads n bits starting at bitStart. The bits must lie in one byte.
func (c *Connection) ReadBits(ctx context.Context, area Area, block, bitStart, n int) ([]bool, error) {
	it, err := Encode(area, block, bitStart, n, Bit)
	if err != nil {
		return nil, err
	}
	rs, err := c.single(ctx, ModeRead, it)
	if err != nil {
		return nil, err
	}
	data, err := rs.Bytes(0)
	if err != nil {
		return nil, err
	}
	bits := make([]bool, len(data))
	for i, b := range data {
		bits[i] = b != 0
	}
	return bits, nil
}

// WriteBits writes values to consecutive bits starting at bitStart.
func (c *Connection) WriteBits(ctx context.Context, area Area, block, bitStart int, values []bool) error {
	payload := make([]byte, len(values))
	for i, v := range values {
		if v {
			payload[i] = 1
		}
	}
	it, err := EncodeWrite(area, block, bitStart, Bit, payload)
	if err != nil {
		return err
	}
	_, err = c.single(ctx, ModeWrite, it)
	return err
}

// SetBit sets bit of the byte at offset.
func (c *Connection) SetBit(ctx context.Context, area Area, block, offset, bit int) error {
	start, err := BitAddress(offset, bit)
	if err != nil {
		return err
	}
	return c.WriteBits(ctx, area, block, start, []bool{true})
}

// ClearBit clears bit of the byte at offset.
func (c *Connection) ClearBit(ctx context.Context, area Area, block, offset, bit int) error {
	start, err := BitAddress(offset, bit)
	if err != nil {
		return err
	}
	return c.WriteBits(ctx, area, block, start, []bool{false})
}

// ReadChunk returns the largest single-item read, in bytes, the negotiated
// PDU allows.
func (c *Connection) ReadChunk() int {
	n := c.MaxPDULen() - readOverhead
	return n &^ 1
}

// WriteChunk returns the largest single-item write, in bytes, the
// negotiated PDU allows.
func (c *Connection) WriteChunk() int {
	n := c.MaxPDULen() - writeOverhead
	return n &^ 1
}

// ReadArea reads length bytes (elements for timers and counters) splitting
// the range into as many exchanges as the PDU length requires.
func (c *Connection) ReadArea(ctx context.Context, area Area, block, start, length int) ([]byte, error) {
	if _, err := Encode(area, block, start, length, Byte); err != nil {
		return nil, err
	}
	chunk := c.ReadChunk()
	if area.IsTimerCounter() {
		chunk /= 2
	}
	if chunk <= 0 {
		return nil, c.usable("read area")
	}

	out := make([]byte, 0, length)
	for off := 0; off < length; off += chunk {
		data, err := c.ReadBytes(ctx, area, block, start+off, min(chunk, length-off))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteArea writes data splitting it into as many exchanges as the PDU
// length requires. For timers and counters data holds 2 bytes per element.
func (c *Connection) WriteArea(ctx context.Context, area Area, block, start int, data []byte) error {
	chunk := c.WriteChunk()
	if chunk <= 0 {
		return c.usable("write area")
	}
	step := 1
	if area.IsTimerCounter() {
		step = 2
	}

	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := c.WriteBytes(ctx, area, block, start+off/step, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}
