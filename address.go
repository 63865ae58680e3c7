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

import "fmt"

// Item transport sizes used in S7ANY request specifications.
const (
	tsBit   byte = 0x01
	tsByte  byte = 0x02
	tsChar  byte = 0x03
	tsWord  byte = 0x04
	tsInt   byte = 0x05
	tsDWord byte = 0x06
	tsDInt  byte = 0x07
	tsReal  byte = 0x08
)

// Data item transport sizes used in read responses and write requests.
const (
	dtsNull    byte = 0x00
	dtsBit     byte = 0x03
	dtsByte    byte = 0x04
	dtsInteger byte = 0x05
	dtsReal    byte = 0x07
	dtsOctet   byte = 0x09
)

const maxWireAddress = 1 << 24

// RequestItem is one validated memory region of a request batch.
type RequestItem struct {
	Mode        Mode
	Area        Area
	Block       int
	Start       int // byte offset, bit offset for Bit items, element index for timers/counters
	Length      int // bytes, bits for Bit items, elements for timers/counters
	Granularity Granularity
	Payload     []byte
}

// Encode validates an (area, block, start, length, granularity) tuple and
// returns the matching read item.
//
// For Bit granularity start is byteOffset*8+bitIndex and length is a bit
// count that must stay inside the addressed byte. Block numbers are only
// accepted for AreaDB and AreaDI and must be zero elsewhere. Timer and counter
// areas are element addressed and only accept Byte granularity.
func Encode(area Area, block, start, length int, g Granularity) (RequestItem, error) {
	it := RequestItem{
		Mode:        ModeRead,
		Area:        area,
		Block:       block,
		Start:       start,
		Length:      length,
		Granularity: g,
	}
	if err := it.validate(); err != nil {
		return RequestItem{}, err
	}
	return it, nil
}

// EncodeWrite validates a write item. The length is derived from the payload:
// one byte per byte for Byte items, one byte (0 or 1) per bit for Bit items
// and two bytes per element for timers and counters.
func EncodeWrite(area Area, block, start int, g Granularity, payload []byte) (RequestItem, error) {
	length := len(payload)
	if area.IsTimerCounter() {
		if len(payload)%2 != 0 {
			return RequestItem{}, fmt.Errorf("%w: timer/counter payload of %d bytes is not a whole number of elements",
				ErrInvalidPayload, len(payload))
		}
		length = len(payload) / 2
	}
	if length == 0 {
		return RequestItem{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	it := RequestItem{
		Mode:        ModeWrite,
		Area:        area,
		Block:       block,
		Start:       start,
		Length:      length,
		Granularity: g,
		Payload:     append([]byte(nil), payload...),
	}
	if err := it.validate(); err != nil {
		return RequestItem{}, err
	}
	if g == Bit {
		for i, b := range payload {
			if b > 1 {
				return RequestItem{}, fmt.Errorf("%w: bit payload byte %d is 0x%02X, want 0 or 1", ErrInvalidPayload, i, b)
			}
		}
	}
	return it, nil
}

// BitAddress combines a byte offset and a bit index into a bit start address.
func BitAddress(byteOffset, bit int) (int, error) {
	if byteOffset < 0 || bit < 0 || bit > 7 {
		return 0, &AddressError{Start: byteOffset, Length: 1, Granularity: Bit,
			Reason: fmt.Sprintf("bit index %d outside 0..7", bit)}
	}
	return byteOffset*8 + bit, nil
}

func (it RequestItem) invalid(reason string, args ...interface{}) error {
	return &AddressError{
		Area:        it.Area,
		Block:       it.Block,
		Start:       it.Start,
		Length:      it.Length,
		Granularity: it.Granularity,
		Reason:      fmt.Sprintf(reason, args...),
	}
}

func (it RequestItem) validate() error {
	if !it.Area.Valid() {
		return it.invalid("unknown area")
	}
	if it.Area.IsBlock() {
		if it.Block < 1 || it.Block > 0xFFFF {
			return it.invalid("block number must be 1..65535")
		}
	} else if it.Block != 0 {
		return it.invalid("block number is only valid for DB and DI")
	}
	if it.Start < 0 {
		return it.invalid("negative start")
	}
	if it.Length < 1 || it.Length > 0xFFFF {
		return it.invalid("length must be 1..65535")
	}

	switch {
	case it.Area.IsTimerCounter():
		if it.Granularity != Byte {
			return it.invalid("timers and counters are element addressed")
		}
		if it.Start+it.Length > 0xFFFF {
			return it.invalid("element range exceeds 65535")
		}
	case it.Granularity == Bit:
		if it.Start%8+it.Length > 8 {
			return it.invalid("bits %d..%d leave byte %d", it.Start%8, it.Start%8+it.Length-1, it.Start/8)
		}
		if it.Start >= maxWireAddress {
			return it.invalid("bit address exceeds 24 bits")
		}
	case it.Granularity == Byte:
		if (it.Start+it.Length)*8 > maxWireAddress {
			return it.invalid("byte range exceeds the 24-bit address space")
		}
	default:
		return it.invalid("unknown granularity")
	}
	return nil
}

// ByteOffset returns the first byte the item touches.
func (it RequestItem) ByteOffset() int {
	if it.Granularity == Bit {
		return it.Start / 8
	}
	return it.Start
}

// BitIndex returns the first bit of a Bit item, or 0.
func (it RequestItem) BitIndex() int {
	if it.Granularity == Bit {
		return it.Start % 8
	}
	return 0
}

// DataLen is the number of data bytes the item occupies on the wire.
func (it RequestItem) DataLen() int {
	if it.Area.IsTimerCounter() {
		return it.Length * 2
	}
	return it.Length
}

func (it RequestItem) String() string {
	loc := it.Area.String()
	if it.Area.IsBlock() {
		loc = fmt.Sprintf("%s%d", loc, it.Block)
	}
	if it.Granularity == Bit {
		return fmt.Sprintf("%s %s.%d.%d x%d bits", it.Mode, loc, it.Start/8, it.Start%8, it.Length)
	}
	return fmt.Sprintf("%s %s.%d x%d", it.Mode, loc, it.Start, it.Length)
}

// transportSize is the S7ANY transport size of the request specification.
func (it RequestItem) transportSize() byte {
	switch {
	case it.Area.IsTimerCounter():
		return byte(it.Area)
	case it.Granularity == Bit:
		return tsBit
	default:
		return tsByte
	}
}

// wireAddress is the 24-bit address field of the request specification.
func (it RequestItem) wireAddress() uint32 {
	switch {
	case it.Area.IsTimerCounter(), it.Granularity == Bit:
		return uint32(it.Start)
	default:
		return uint32(it.Start) * 8
	}
}

// appendSpec appends the 12-byte S7ANY variable specification.
func (it RequestItem) appendSpec(buf []byte) []byte {
	addr := it.wireAddress()
	return append(buf,
		0x12, 0x0A, 0x10,
		it.transportSize(),
		byte(it.Length>>8), byte(it.Length),
		byte(it.Block>>8), byte(it.Block),
		byte(it.Area),
		byte(addr>>16), byte(addr>>8), byte(addr),
	)
}

// dataTransportSize is the transport size of the item's data section.
func (it RequestItem) dataTransportSize() byte {
	switch {
	case it.Area.IsTimerCounter():
		return dtsOctet
	case it.Granularity == Bit:
		return dtsBit
	default:
		return dtsByte
	}
}

// dataLengthField is the length field of the item's data section, in bits
// for byte items and in bytes otherwise.
func (it RequestItem) dataLengthField() int {
	if it.dataTransportSize() == dtsByte {
		return it.DataLen() * 8
	}
	return it.DataLen()
}
