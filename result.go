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

// ResultItem is the outcome of one batch item.
type ResultItem struct {
	Status ItemStatus
	Data   []byte
}

// ResultSet holds the results of an executed batch, in batch order, and a
// cursor over the bytes of the selected item.
//
// The cursor pulls (GetU8, GetS16, ...) advance through the selected item;
// the offset reads (GetU8At, GetS16At, ...) leave the cursor untouched.
// Both decode the big-endian wire format. A ResultSet owns its bytes and
// is not safe for concurrent use.
type ResultSet struct {
	mode     Mode
	items    []ResultItem
	selected int
	pos      int
}

func newResultSet(mode Mode, items []ResultItem) *ResultSet {
	return &ResultSet{mode: mode, items: items, selected: -1}
}

// Mode returns the direction of the batch that produced the results.
func (rs *ResultSet) Mode() Mode { return rs.mode }

// Len returns the number of results, equal to the batch length.
func (rs *ResultSet) Len() int { return len(rs.items) }

// Selected returns the selected item index, or -1.
func (rs *ResultSet) Selected() int { return rs.selected }

// Pos returns the cursor offset into the selected item.
func (rs *ResultSet) Pos() int { return rs.pos }

// Remaining returns the number of bytes left after the cursor.
func (rs *ResultSet) Remaining() int {
	if rs.selected < 0 {
		return 0
	}
	return len(rs.items[rs.selected].Data) - rs.pos
}

// Status returns the status of item i.
func (rs *ResultSet) Status(i int) (ItemStatus, error) {
	if i < 0 || i >= len(rs.items) {
		return 0, &DecodeError{Index: i, Err: ErrIndexOutOfRange}
	}
	return rs.items[i].Status, nil
}

// Err returns the ItemError of item i, or nil if it succeeded.
func (rs *ResultSet) Err(i int) error {
	st, err := rs.Status(i)
	if err != nil {
		return err
	}
	if !st.OK() {
		return NewItemError(i, st)
	}
	return nil
}

// Bytes returns a copy of the raw bytes of item i.
func (rs *ResultSet) Bytes(i int) ([]byte, error) {
	if err := rs.Err(i); err != nil {
		return nil, err
	}
	return append([]byte(nil), rs.items[i].Data...), nil
}

// Bit returns the value of a single bit read at item i.
func (rs *ResultSet) Bit(i int) (bool, error) {
	if err := rs.Err(i); err != nil {
		return false, err
	}
	data := rs.items[i].Data
	if len(data) == 0 {
		return false, &DecodeError{Index: i, Width: 1, Err: ErrBufferExhausted}
	}
	return data[0] != 0, nil
}

// Select makes item i current and resets the cursor. It fails if i is out
// of range or if the item itself failed, in which case no item is selected.
func (rs *ResultSet) Select(i int) error {
	rs.selected = -1
	rs.pos = 0
	if err := rs.Err(i); err != nil {
		return err
	}
	rs.selected = i
	return nil
}

func (rs *ResultSet) at(pos, width int) ([]byte, error) {
	if rs.selected < 0 {
		return nil, &DecodeError{Index: -1, Pos: pos, Width: width, Err: ErrNoItemSelected}
	}
	data := rs.items[rs.selected].Data
	if pos < 0 || pos+width > len(data) {
		return nil, &DecodeError{Index: rs.selected, Pos: pos, Width: width, Err: ErrBufferExhausted}
	}
	return data[pos : pos+width], nil
}

func (rs *ResultSet) take(width int) ([]byte, error) {
	b, err := rs.at(rs.pos, width)
	if err != nil {
		return nil, err
	}
	rs.pos += width
	return b, nil
}

// GetU8 pulls an unsigned byte.
func (rs *ResultSet) GetU8() (uint8, error) {
	b, err := rs.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetS8 pulls a signed byte.
func (rs *ResultSet) GetS8() (int8, error) {
	v, err := rs.GetU8()
	return int8(v), err
}

// GetU16 pulls an unsigned 16-bit word.
func (rs *ResultSet) GetU16() (uint16, error) {
	b, err := rs.take(2)
	if err != nil {
		return 0, err
	}
	return U16(b), nil
}

// GetS16 pulls a signed 16-bit integer.
func (rs *ResultSet) GetS16() (int16, error) {
	v, err := rs.GetU16()
	return int16(v), err
}

// GetU32 pulls an unsigned 32-bit double word.
func (rs *ResultSet) GetU32() (uint32, error) {
	b, err := rs.take(4)
	if err != nil {
		return 0, err
	}
	return U32(b), nil
}

// GetS32 pulls a signed 32-bit integer.
func (rs *ResultSet) GetS32() (int32, error) {
	v, err := rs.GetU32()
	return int32(v), err
}

// GetFloat pulls an IEEE-754 single.
func (rs *ResultSet) GetFloat() (float32, error) {
	b, err := rs.take(4)
	if err != nil {
		return 0, err
	}
	return Float(b), nil
}

// GetCounterValue pulls a BCD counter value.
func (rs *ResultSet) GetCounterValue() (int, error) {
	b, err := rs.take(2)
	if err != nil {
		return 0, err
	}
	return DecodeCounterBCD([2]byte{b[0], b[1]}), nil
}

// GetSeconds pulls a timer value in seconds.
func (rs *ResultSet) GetSeconds() (float64, error) {
	b, err := rs.take(2)
	if err != nil {
		return 0, err
	}
	return DecodeTimerSeconds([2]byte{b[0], b[1]}), nil
}

// GetU8At reads an unsigned byte at pos.
func (rs *ResultSet) GetU8At(pos int) (uint8, error) {
	b, err := rs.at(pos, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetS8At reads a signed byte at pos.
func (rs *ResultSet) GetS8At(pos int) (int8, error) {
	v, err := rs.GetU8At(pos)
	return int8(v), err
}

// GetU16At reads an unsigned 16-bit word at pos.
func (rs *ResultSet) GetU16At(pos int) (uint16, error) {
	b, err := rs.at(pos, 2)
	if err != nil {
		return 0, err
	}
	return U16(b), nil
}

// GetS16At reads a signed 16-bit integer at pos.
func (rs *ResultSet) GetS16At(pos int) (int16, error) {
	v, err := rs.GetU16At(pos)
	return int16(v), err
}

// GetU32At reads an unsigned 32-bit double word at pos.
func (rs *ResultSet) GetU32At(pos int) (uint32, error) {
	b, err := rs.at(pos, 4)
	if err != nil {
		return 0, err
	}
	return U32(b), nil
}

// GetS32At reads a signed 32-bit integer at pos.
func (rs *ResultSet) GetS32At(pos int) (int32, error) {
	v, err := rs.GetU32At(pos)
	return int32(v), err
}

// GetFloatAt reads an IEEE-754 single at pos.
func (rs *ResultSet) GetFloatAt(pos int) (float32, error) {
	b, err := rs.at(pos, 4)
	if err != nil {
		return 0, err
	}
	return Float(b), nil
}

// GetCounterValueAt reads a BCD counter value at pos.
func (rs *ResultSet) GetCounterValueAt(pos int) (int, error) {
	b, err := rs.at(pos, 2)
	if err != nil {
		return 0, err
	}
	return DecodeCounterBCD([2]byte{b[0], b[1]}), nil
}

// GetSecondsAt reads a timer value in seconds at pos.
func (rs *ResultSet) GetSecondsAt(pos int) (float64, error) {
	b, err := rs.at(pos, 2)
	if err != nil {
		return 0, err
	}
	return DecodeTimerSeconds([2]byte{b[0], b[1]}), nil
}
