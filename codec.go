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
	"encoding/binary"
	"math"
)

// The controller stores every multi-byte value big-endian. The helpers below
// are the only place byte order is handled; all of them are total functions
// and expect the caller to pass slices of at least the documented width.

// Swap16 reverses the byte order of v.
func Swap16(v uint16) uint16 {
	return v<<8 | v>>8
}

// Swap32 reverses the byte order of v.
func Swap32(v uint32) uint32 {
	return v<<24 | (v<<8)&0x00FF0000 | (v>>8)&0x0000FF00 | v>>24
}

// U16 decodes a big-endian unsigned 16-bit value from b[0:2].
func U16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// PutU16 encodes v big-endian into b[0:2].
func PutU16(b []byte, v uint16) {
	binary.BigEndian.PutUint16(b, v)
}

// U32 decodes a big-endian unsigned 32-bit value from b[0:4].
func U32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// PutU32 encodes v big-endian into b[0:4].
func PutU32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

// Float decodes an IEEE-754 single from b[0:4].
func Float(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

// PutFloat encodes f as an IEEE-754 single into b[0:4].
func PutFloat(b []byte, f float32) {
	binary.BigEndian.PutUint32(b, math.Float32bits(f))
}

// ToWire16 returns the wire bytes of a signed 16-bit value.
func ToWire16(v int16) [2]byte {
	var b [2]byte
	PutU16(b[:], uint16(v))
	return b
}

// FromWire16 decodes a signed 16-bit value from its wire bytes.
func FromWire16(b [2]byte) int16 {
	return int16(U16(b[:]))
}

// ToWire32 returns the wire bytes of a signed 32-bit value.
func ToWire32(v int32) [4]byte {
	var b [4]byte
	PutU32(b[:], uint32(v))
	return b
}

// FromWire32 decodes a signed 32-bit value from its wire bytes.
func FromWire32(b [4]byte) int32 {
	return int32(U32(b[:]))
}

// ToWireFloat returns the wire bytes of f.
func ToWireFloat(f float32) [4]byte {
	var b [4]byte
	PutFloat(b[:], f)
	return b
}

// FromWireFloat decodes a float from its wire bytes.
func FromWireFloat(b [4]byte) float32 {
	return Float(b[:])
}

func bcdToDec(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

func decToBCD(v int) byte {
	return byte((v/10)%10)<<4 | byte(v%10)
}

// DecodeCounterBCD decodes a counter word (three packed BCD digits) into 0..999.
// The high nibble of the first byte is not part of the value.
func DecodeCounterBCD(b [2]byte) int {
	return bcdToDec(b[0]&0x0F)*100 + bcdToDec(b[1])
}

// EncodeCounterBCD encodes v as a counter word. v is clamped to 0..999.
func EncodeCounterBCD(v int) [2]byte {
	if v < 0 {
		v = 0
	}
	if v > 999 {
		v = 999
	}
	return [2]byte{decToBCD(v / 100), decToBCD(v % 100)}
}

// timeBases are the timer time bases in seconds, indexed by bits 12-13.
var timeBases = [4]float64{0.01, 0.1, 1, 10}

// DecodeTimerSeconds decodes a timer word into seconds: time base × BCD value.
func DecodeTimerSeconds(b [2]byte) float64 {
	base := timeBases[(b[0]>>4)&0x03]
	value := bcdToDec(b[0]&0x0F)*100 + bcdToDec(b[1])
	return float64(value) * base
}

// EncodeTimerSeconds encodes seconds using the finest time base that can hold
// the value. Values above 9990 s are clamped.
func EncodeTimerSeconds(seconds float64) [2]byte {
	if seconds < 0 {
		seconds = 0
	}
	for i, base := range timeBases {
		v := int(math.Round(seconds / base))
		if v <= 999 {
			return [2]byte{byte(i)<<4 | decToBCD(v/100), decToBCD(v % 100)}
		}
	}
	return [2]byte{3<<4 | 0x09, 0x99}
}
