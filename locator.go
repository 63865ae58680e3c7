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
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DataType is the value type a Locator decodes to.
type DataType int

// Data types.
const (
	TypeBit DataType = iota
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat
	TypeDouble
	TypeCounter
	TypeTimer
)

var dataTypeNames = map[DataType]string{
	TypeBit:     "bit",
	TypeInt8:    "int8",
	TypeUint8:   "uint8",
	TypeInt16:   "int16",
	TypeUint16:  "uint16",
	TypeInt32:   "int32",
	TypeUint32:  "uint32",
	TypeInt64:   "int64",
	TypeUint64:  "uint64",
	TypeFloat:   "float",
	TypeDouble:  "double",
	TypeCounter: "counter",
	TypeTimer:   "timer",
}

// String returns the string representation of the data type.
func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Size returns the number of bytes the type occupies.
func (t DataType) Size() int {
	switch t {
	case TypeBit, TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16, TypeCounter, TypeTimer:
		return 2
	case TypeInt32, TypeUint32, TypeFloat:
		return 4
	case TypeInt64, TypeUint64, TypeDouble:
		return 8
	default:
		return 0
	}
}

// ParseDataType parses a type name such as "uint16". "real" and "lreal"
// are accepted for float and double.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "real":
		return TypeFloat, nil
	case "lreal":
		return TypeDouble, nil
	case "bool":
		return TypeBit, nil
	}
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("s7: unknown data type %q", s)
}

// Locator names one typed value in controller memory.
type Locator struct {
	Area   Area
	Block  int
	Offset int // byte offset, element index for timers and counters
	Bit    int // bit index for TypeBit
	Type   DataType
}

var (
	// DB20.2:uint16, DB1.0:bit(3)
	reLocDB = regexp.MustCompile(`^DB(\d+)\.(\d+)(?:\.(\d))?:([A-Z0-9]+)(?:\((\d)\))?$`)

	// DB1.DBX0.0, DB1.DBW2, DB1.DBD4:FLOAT
	reLocDBS7 = regexp.MustCompile(`^DB(\d+)\.DB([XBWDL])(\d+)(?:\.(\d))?(?::([A-Z0-9]+))?$`)

	// MW10, I0.1, QB4, VD8, M10.3, E0.0, A1.7
	reLocIQM = regexp.MustCompile(`^([IEQAMV])([XBWDL])?(\d+)(?:\.(\d))?(?::([A-Z0-9]+))?$`)

	// T5, C3, Z3
	reLocTC = regexp.MustCompile(`^([TCZ])(\d+)$`)
)

var sizeLetterTypes = map[string]DataType{
	"X": TypeBit,
	"B": TypeUint8,
	"W": TypeUint16,
	"D": TypeUint32,
	"L": TypeUint64,
}

func areaFromLetter(l string) Area {
	switch l {
	case "I", "E":
		return AreaInputs
	case "Q", "A":
		return AreaOutputs
	case "M":
		return AreaFlags
	case "V":
		return AreaV
	case "T":
		return AreaTimer
	default:
		return AreaCounter
	}
}

// ParseLocator parses a channel locator. Accepted forms:
//
//	DB20.2:uint16   DB1.0:bit(3)   DB1.0.3:bit
//	DB1.DBX0.0      DB1.DBW2       DB1.DBD4:float
//	MW10  MB0  MD4  M10.3  I0.1  QB4  VW100  T5  C3
//
// Step7 forms default to the unsigned type of their size letter; a
// trailing :type overrides it.
func ParseLocator(s string) (Locator, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	fail := func(reason string) (Locator, error) {
		return Locator{}, fmt.Errorf("%w: locator %q: %s", ErrInvalidAddress, s, reason)
	}

	var (
		loc      Locator
		bitStr   string
		typeStr  string
		sizeType = TypeUint8
		sized    bool
	)

	if m := reLocDB.FindStringSubmatch(in); m != nil {
		loc.Area = AreaDB
		loc.Block, _ = strconv.Atoi(m[1])
		loc.Offset, _ = strconv.Atoi(m[2])
		bitStr, typeStr = m[3], m[4]
		if m[5] != "" {
			if typeStr != "BIT" || bitStr != "" {
				return fail("bit position given twice or on a non-bit type")
			}
			bitStr = m[5]
		}
	} else if m := reLocDBS7.FindStringSubmatch(in); m != nil {
		loc.Area = AreaDB
		loc.Block, _ = strconv.Atoi(m[1])
		sizeType, sized = sizeLetterTypes[m[2]], true
		loc.Offset, _ = strconv.Atoi(m[3])
		bitStr, typeStr = m[4], m[5]
	} else if m := reLocIQM.FindStringSubmatch(in); m != nil {
		loc.Area = areaFromLetter(m[1])
		if m[2] != "" {
			sizeType, sized = sizeLetterTypes[m[2]], true
		}
		loc.Offset, _ = strconv.Atoi(m[3])
		bitStr, typeStr = m[4], m[5]
		if !sized && bitStr != "" {
			sizeType, sized = TypeBit, true
		}
	} else if m := reLocTC.FindStringSubmatch(in); m != nil {
		loc.Area = areaFromLetter(m[1])
		loc.Offset, _ = strconv.Atoi(m[2])
		loc.Type = TypeCounter
		if loc.Area == AreaTimer {
			loc.Type = TypeTimer
		}
		return loc, loc.validate(s)
	} else {
		return fail("unrecognised format")
	}

	switch {
	case typeStr != "":
		t, err := ParseDataType(typeStr)
		if err != nil {
			return fail(err.Error())
		}
		loc.Type = t
	case sized:
		loc.Type = sizeType
	default:
		return fail("missing type")
	}

	if bitStr != "" {
		if loc.Type != TypeBit {
			return fail("bit position on a " + loc.Type.String() + " value")
		}
		loc.Bit, _ = strconv.Atoi(bitStr)
	} else if loc.Type == TypeBit && sized && sizeType == TypeBit {
		return fail("missing bit position")
	}
	return loc, loc.validate(s)
}

// MustParseLocator is like ParseLocator but panics on error.
func MustParseLocator(s string) Locator {
	loc, err := ParseLocator(s)
	if err != nil {
		panic(err)
	}
	return loc
}

func (l Locator) validate(src string) error {
	if l.Bit < 0 || l.Bit > 7 {
		return fmt.Errorf("%w: locator %q: bit %d outside 0..7", ErrInvalidAddress, src, l.Bit)
	}
	if _, err := l.ReadItem(); err != nil {
		return err
	}
	return nil
}

// String returns the canonical form of the locator.
func (l Locator) String() string {
	var b strings.Builder
	switch l.Area {
	case AreaDB, AreaDI:
		fmt.Fprintf(&b, "%s%d.%d", l.Area, l.Block, l.Offset)
	case AreaTimer, AreaCounter, AreaTimer200, AreaCounter200:
		fmt.Fprintf(&b, "%s%d", l.Area, l.Offset)
		if l.Type == TypeTimer || l.Type == TypeCounter {
			return b.String()
		}
	default:
		fmt.Fprintf(&b, "%s%d", l.Area, l.Offset)
	}
	if l.Type == TypeBit {
		fmt.Fprintf(&b, ".%d", l.Bit)
	}
	b.WriteString(":")
	b.WriteString(l.Type.String())
	return b.String()
}

// ReadItem returns the request item that reads the locator's value.
func (l Locator) ReadItem() (RequestItem, error) {
	switch {
	case l.Type == TypeBit:
		return Encode(l.Area, l.Block, l.Offset*8+l.Bit, 1, Bit)
	case l.Area.IsTimerCounter():
		if l.Type.Size() != 2 {
			return RequestItem{}, fmt.Errorf("%w: %s elements hold 2 bytes, not %s", ErrInvalidAddress, l.Area, l.Type)
		}
		return Encode(l.Area, l.Block, l.Offset, 1, Byte)
	case l.Type.Size() == 0:
		return RequestItem{}, fmt.Errorf("%w: unknown data type", ErrInvalidAddress)
	default:
		return Encode(l.Area, l.Block, l.Offset, l.Type.Size(), Byte)
	}
}

// WriteItem returns the request item that writes v to the locator.
func (l Locator) WriteItem(v interface{}) (RequestItem, error) {
	payload, err := l.Encode(v)
	if err != nil {
		return RequestItem{}, err
	}
	if l.Type == TypeBit {
		return EncodeWrite(l.Area, l.Block, l.Offset*8+l.Bit, Bit, payload)
	}
	return EncodeWrite(l.Area, l.Block, l.Offset, Byte, payload)
}

// Decode converts wire bytes to a Go value: bool, int8, uint8, int16,
// uint16, int32, uint32, int64, uint64, float32, float64, an int counter
// value or float64 timer seconds.
func (l Locator) Decode(data []byte) (interface{}, error) {
	if len(data) < l.Type.Size() {
		return nil, &DecodeError{Index: -1, Width: l.Type.Size(), Err: ErrBufferExhausted}
	}
	switch l.Type {
	case TypeBit:
		return data[0] != 0, nil
	case TypeInt8:
		return int8(data[0]), nil
	case TypeUint8:
		return data[0], nil
	case TypeInt16:
		return int16(U16(data)), nil
	case TypeUint16:
		return U16(data), nil
	case TypeInt32:
		return int32(U32(data)), nil
	case TypeUint32:
		return U32(data), nil
	case TypeInt64:
		return int64(binary.BigEndian.Uint64(data)), nil
	case TypeUint64:
		return binary.BigEndian.Uint64(data), nil
	case TypeFloat:
		return Float(data), nil
	case TypeDouble:
		return math.Float64frombits(binary.BigEndian.Uint64(data)), nil
	case TypeCounter:
		return DecodeCounterBCD([2]byte{data[0], data[1]}), nil
	case TypeTimer:
		return DecodeTimerSeconds([2]byte{data[0], data[1]}), nil
	default:
		return nil, fmt.Errorf("s7: cannot decode %s", l.Type)
	}
}

// Encode converts v to wire bytes. Numbers of any Go kind, json.Number,
// numeric strings and bools are accepted; out of range values fail.
func (l Locator) Encode(v interface{}) ([]byte, error) {
	switch l.Type {
	case TypeBit:
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeFloat:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		PutFloat(buf, float32(f))
		return buf, nil
	case TypeDouble:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil
	case TypeTimer:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f < 0 || f > 9990 {
			return nil, fmt.Errorf("%w: timer value %g outside 0..9990 s", ErrInvalidPayload, f)
		}
		b := EncodeTimerSeconds(f)
		return b[:], nil
	}

	n, err := toInt(v)
	if err != nil {
		return nil, err
	}
	lo, hi := intRange(l.Type)
	if n < lo || (n > 0 && uint64(n) > hi) {
		return nil, fmt.Errorf("%w: %v out of range for %s", ErrInvalidPayload, v, l.Type)
	}

	buf := make([]byte, l.Type.Size())
	switch l.Type {
	case TypeInt8, TypeUint8:
		buf[0] = byte(n)
	case TypeInt16, TypeUint16:
		PutU16(buf, uint16(n))
	case TypeInt32, TypeUint32:
		PutU32(buf, uint32(n))
	case TypeInt64, TypeUint64:
		binary.BigEndian.PutUint64(buf, uint64(n))
	case TypeCounter:
		b := EncodeCounterBCD(int(n))
		copy(buf, b[:])
	default:
		return nil, fmt.Errorf("s7: cannot encode %s", l.Type)
	}
	return buf, nil
}

func intRange(t DataType) (int64, uint64) {
	switch t {
	case TypeInt8:
		return math.MinInt8, math.MaxInt8
	case TypeUint8:
		return 0, math.MaxUint8
	case TypeInt16:
		return math.MinInt16, math.MaxInt16
	case TypeUint16:
		return 0, math.MaxUint16
	case TypeInt32:
		return math.MinInt32, math.MaxInt32
	case TypeUint32:
		return 0, math.MaxUint32
	case TypeInt64:
		return math.MinInt64, math.MaxInt64
	case TypeCounter:
		return 0, 999
	default:
		return 0, math.MaxInt64
	}
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a bool", ErrInvalidPayload, x)
		}
		return b, nil
	}
	n, err := toInt(v)
	if err != nil {
		return false, err
	}
	if n != 0 && n != 1 {
		return false, fmt.Errorf("%w: bit value %d", ErrInvalidPayload, n)
	}
	return n == 1, nil
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPayload, x)
		}
		return f, nil
	}
	n, err := toInt(v)
	return float64(n), err
}

func toInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d exceeds int64", ErrInvalidPayload, x)
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPayload, x)
		}
		return floatToInt(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidPayload, x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: unsupported value type %T", ErrInvalidPayload, v)
	}
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %g is not an integer", ErrInvalidPayload, f)
	}
	return int64(f), nil
}
