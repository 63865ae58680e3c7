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
	"encoding/json"
	"errors"
	"testing"
)

func TestParseLocator(t *testing.T) {
	tests := []struct {
		in    string
		want  Locator
		canon string
	}{
		{"DB20.2:uint16", Locator{Area: AreaDB, Block: 20, Offset: 2, Type: TypeUint16}, "DB20.2:uint16"},
		{"DB1.0:bit(3)", Locator{Area: AreaDB, Block: 1, Offset: 0, Bit: 3, Type: TypeBit}, "DB1.0.3:bit"},
		{"DB1.4.7:bit", Locator{Area: AreaDB, Block: 1, Offset: 4, Bit: 7, Type: TypeBit}, "DB1.4.7:bit"},
		{"DB1.DBX0.0", Locator{Area: AreaDB, Block: 1, Type: TypeBit}, "DB1.0.0:bit"},
		{"DB1.DBW2", Locator{Area: AreaDB, Block: 1, Offset: 2, Type: TypeUint16}, "DB1.2:uint16"},
		{"DB1.DBD4:float", Locator{Area: AreaDB, Block: 1, Offset: 4, Type: TypeFloat}, "DB1.4:float"},
		{"db1.dbw2:int16", Locator{Area: AreaDB, Block: 1, Offset: 2, Type: TypeInt16}, "DB1.2:int16"},
		{"DB3.8:real", Locator{Area: AreaDB, Block: 3, Offset: 8, Type: TypeFloat}, "DB3.8:float"},
		{"MW10", Locator{Area: AreaFlags, Offset: 10, Type: TypeUint16}, "M10:uint16"},
		{"M10.3", Locator{Area: AreaFlags, Offset: 10, Bit: 3, Type: TypeBit}, "M10.3:bit"},
		{"I0.1", Locator{Area: AreaInputs, Bit: 1, Type: TypeBit}, "I0.1:bit"},
		{"E0.1", Locator{Area: AreaInputs, Bit: 1, Type: TypeBit}, "I0.1:bit"},
		{"QB4", Locator{Area: AreaOutputs, Offset: 4, Type: TypeUint8}, "Q4:uint8"},
		{"VD8:int32", Locator{Area: AreaV, Offset: 8, Type: TypeInt32}, "V8:int32"},
		{"T5", Locator{Area: AreaTimer, Offset: 5, Type: TypeTimer}, "T5"},
		{"C3", Locator{Area: AreaCounter, Offset: 3, Type: TypeCounter}, "C3"},
		{"Z3", Locator{Area: AreaCounter, Offset: 3, Type: TypeCounter}, "C3"},
	}

	for _, tt := range tests {
		got, err := ParseLocator(tt.in)
		if err != nil {
			t.Errorf("ParseLocator(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLocator(%q): expected %+v, got %+v", tt.in, tt.want, got)
		}
		if got.String() != tt.canon {
			t.Errorf("ParseLocator(%q).String(): expected %s, got %s", tt.in, tt.canon, got.String())
		}
		again, err := ParseLocator(got.String())
		if err != nil || again != got {
			t.Errorf("ParseLocator(%q): canonical form does not parse back: %+v, %v", got.String(), again, err)
		}
	}
}

func TestParseLocator_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"X1",
		"M10",
		"MW10.3",
		"M10.8",
		"DB0.0:int16",
		"DB1.0:word",
		"DB1.0:int16(3)",
		"DB1.0.2:bit(3)",
	} {
		if _, err := ParseLocator(in); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ParseLocator(%q): expected ErrInvalidAddress, got %v", in, err)
		}
	}
}

func TestParseDataType(t *testing.T) {
	tests := []struct {
		in   string
		want DataType
	}{
		{"int16", TypeInt16},
		{"UINT32", TypeUint32},
		{"real", TypeFloat},
		{"lreal", TypeDouble},
		{"bool", TypeBit},
		{" counter ", TypeCounter},
	}
	for _, tt := range tests {
		got, err := ParseDataType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseDataType(%q): expected %s, got %s (%v)", tt.in, tt.want, got, err)
		}
	}
	if _, err := ParseDataType("word"); err == nil {
		t.Error("ParseDataType(word): expected error")
	}
}

func TestLocator_Items(t *testing.T) {
	it, err := MustParseLocator("DB1.2:float").ReadItem()
	if err != nil {
		t.Fatalf("ReadItem failed: %v", err)
	}
	if it.Area != AreaDB || it.Block != 1 || it.Start != 2 || it.Length != 4 || it.Granularity != Byte {
		t.Errorf("DB1.2:float: unexpected item %s", it)
	}

	it, err = MustParseLocator("M10.3").ReadItem()
	if err != nil {
		t.Fatalf("ReadItem failed: %v", err)
	}
	if it.Start != 83 || it.Length != 1 || it.Granularity != Bit {
		t.Errorf("M10.3: unexpected item %s", it)
	}

	it, err = MustParseLocator("T5").ReadItem()
	if err != nil {
		t.Fatalf("ReadItem failed: %v", err)
	}
	if it.Area != AreaTimer || it.Start != 5 || it.Length != 1 {
		t.Errorf("T5: unexpected item %s", it)
	}

	it, err = MustParseLocator("M10.2").WriteItem(true)
	if err != nil {
		t.Fatalf("WriteItem failed: %v", err)
	}
	if it.Mode != ModeWrite || it.Start != 82 || len(it.Payload) != 1 || it.Payload[0] != 1 {
		t.Errorf("M10.2 write: unexpected item %s payload % X", it, it.Payload)
	}

	if _, err := MustParseLocator("DB1.DBW0").WriteItem(70000); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("WriteItem(70000): expected ErrInvalidPayload, got %v", err)
	}
}

func TestLocator_Decode(t *testing.T) {
	tests := []struct {
		typ  DataType
		data []byte
		want interface{}
	}{
		{TypeBit, []byte{1}, true},
		{TypeInt8, []byte{0xFF}, int8(-1)},
		{TypeUint8, []byte{0xFF}, uint8(255)},
		{TypeInt16, []byte{0xFF, 0xFE}, int16(-2)},
		{TypeUint16, []byte{0x04, 0xD2}, uint16(1234)},
		{TypeInt32, []byte{0xFF, 0xFF, 0xFF, 0xFF}, int32(-1)},
		{TypeUint32, []byte{0x00, 0x01, 0x00, 0x00}, uint32(65536)},
		{TypeInt64, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE}, int64(-2)},
		{TypeFloat, []byte{0x41, 0xAC, 0x00, 0x00}, float32(21.5)},
		{TypeDouble, []byte{0x40, 0x35, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00}, float64(21.5)},
		{TypeCounter, []byte{0x01, 0x23}, 123},
	}
	for _, tt := range tests {
		got, err := Locator{Type: tt.typ}.Decode(tt.data)
		if err != nil {
			t.Errorf("Decode %s: unexpected error %v", tt.typ, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Decode %s: expected %v (%T), got %v (%T)", tt.typ, tt.want, tt.want, got, got)
		}
	}

	if _, err := (Locator{Type: TypeFloat}).Decode([]byte{0, 0}); !errors.Is(err, ErrBufferExhausted) {
		t.Errorf("Decode short float: expected ErrBufferExhausted, got %v", err)
	}
}

func TestLocator_Encode(t *testing.T) {
	tests := []struct {
		typ  DataType
		in   interface{}
		want []byte
	}{
		{TypeUint16, 1234, []byte{0x04, 0xD2}},
		{TypeInt16, -2, []byte{0xFF, 0xFE}},
		{TypeInt16, json.Number("42"), []byte{0x00, 0x2A}},
		{TypeUint8, "0x10", []byte{0x10}},
		{TypeUint8, 3.0, []byte{0x03}},
		{TypeInt32, int64(-1), []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		{TypeFloat, "21.5", []byte{0x41, 0xAC, 0x00, 0x00}},
		{TypeFloat, json.Number("21.5"), []byte{0x41, 0xAC, 0x00, 0x00}},
		{TypeBit, true, []byte{1}},
		{TypeBit, "false", []byte{0}},
		{TypeBit, 1, []byte{1}},
		{TypeCounter, 123, []byte{0x01, 0x23}},
	}
	for _, tt := range tests {
		got, err := Locator{Type: tt.typ}.Encode(tt.in)
		if err != nil {
			t.Errorf("Encode %s %v: unexpected error %v", tt.typ, tt.in, err)
			continue
		}
		if string(got) != string(tt.want) {
			t.Errorf("Encode %s %v: expected % X, got % X", tt.typ, tt.in, tt.want, got)
		}
	}
}

func TestLocator_EncodeInvalid(t *testing.T) {
	tests := []struct {
		typ DataType
		in  interface{}
	}{
		{TypeUint8, 256},
		{TypeInt8, -129},
		{TypeUint16, -1},
		{TypeInt16, json.Number("2.5")},
		{TypeInt16, "abc"},
		{TypeBit, 2},
		{TypeCounter, 1000},
		{TypeTimer, -1.0},
		{TypeInt32, struct{}{}},
	}
	for _, tt := range tests {
		if _, err := (Locator{Type: tt.typ}).Encode(tt.in); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("Encode %s %v: expected ErrInvalidPayload, got %v", tt.typ, tt.in, err)
		}
	}
}

func TestLocator_TimerRoundTrip(t *testing.T) {
	loc := MustParseLocator("T5")
	data, err := loc.Encode(250)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	v, err := loc.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if v.(float64) != 250 {
		t.Errorf("Timer round trip: expected 250, got %v", v)
	}
}
