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

// Package s7 provides a batched memory-access client for Siemens S7 family
// controllers, together with an in-memory controller simulator.
package s7

import (
	"fmt"
	"strings"
	"time"
)

// Protocol selects the link variant an Interface speaks.
type Protocol int

// Link variants. The numeric values are part of the wire contract.
const (
	ProtoMPI           Protocol = 0
	ProtoMPI2          Protocol = 1
	ProtoMPI3          Protocol = 2 // reserved, not implemented
	ProtoPPI           Protocol = 10
	ProtoISOTCP        Protocol = 122
	ProtoISOTCP243     Protocol = 123
	ProtoMPIIBH        Protocol = 223
	ProtoPPIIBH        Protocol = 224
	ProtoUserTransport Protocol = 255
)

// String returns the string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtoMPI:
		return "mpi"
	case ProtoMPI2:
		return "mpi2"
	case ProtoMPI3:
		return "mpi3"
	case ProtoPPI:
		return "ppi"
	case ProtoISOTCP:
		return "iso-tcp"
	case ProtoISOTCP243:
		return "iso-tcp-243"
	case ProtoMPIIBH:
		return "mpi-ibh"
	case ProtoPPIIBH:
		return "ppi-ibh"
	case ProtoUserTransport:
		return "user"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParseProtocol parses a protocol name as returned by Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range []Protocol{ProtoMPI, ProtoMPI2, ProtoMPI3, ProtoPPI, ProtoISOTCP,
		ProtoISOTCP243, ProtoMPIIBH, ProtoPPIIBH, ProtoUserTransport} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("s7: unknown protocol %q", s)
}

// Speed is the bus speed of an MPI/PPI adapter. It is an enumeration, not a baud rate.
type Speed int

// Bus speeds.
const (
	Speed9k    Speed = 0
	Speed19k   Speed = 1
	Speed187k  Speed = 2
	Speed500k  Speed = 3
	Speed1500k Speed = 4
	Speed45k   Speed = 5
	Speed93k   Speed = 6
)

// String returns the string representation of the bus speed.
func (s Speed) String() string {
	switch s {
	case Speed9k:
		return "9k"
	case Speed19k:
		return "19k"
	case Speed187k:
		return "187k"
	case Speed500k:
		return "500k"
	case Speed1500k:
		return "1500k"
	case Speed45k:
		return "45k"
	case Speed93k:
		return "93k"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseSpeed parses a bus speed name such as "187k".
func ParseSpeed(s string) (Speed, error) {
	for sp := Speed9k; sp <= Speed93k; sp++ {
		if sp.String() == s {
			return sp, nil
		}
	}
	return 0, fmt.Errorf("s7: unknown bus speed %q", s)
}

// Area is a controller memory region class.
type Area uint8

// Memory areas. The numeric values are the area codes used on the wire.
const (
	AreaSysInfo    Area = 0x03
	AreaSysFlags   Area = 0x05
	AreaAnaIn      Area = 0x06
	AreaAnaOut     Area = 0x07
	AreaPeripheral Area = 0x80
	AreaInputs     Area = 0x81
	AreaOutputs    Area = 0x82
	AreaFlags      Area = 0x83
	AreaDB         Area = 0x84
	AreaDI         Area = 0x85
	AreaLocal      Area = 0x86
	AreaV          Area = 0x87
	AreaCounter    Area = 28
	AreaTimer      Area = 29
	AreaCounter200 Area = 30
	AreaTimer200   Area = 31
)

// String returns the string representation of the area.
func (a Area) String() string {
	switch a {
	case AreaSysInfo:
		return "SysInfo"
	case AreaSysFlags:
		return "SysFlags"
	case AreaAnaIn:
		return "AnaIn"
	case AreaAnaOut:
		return "AnaOut"
	case AreaPeripheral:
		return "P"
	case AreaInputs:
		return "I"
	case AreaOutputs:
		return "Q"
	case AreaFlags:
		return "M"
	case AreaDB:
		return "DB"
	case AreaDI:
		return "DI"
	case AreaLocal:
		return "L"
	case AreaV:
		return "V"
	case AreaCounter:
		return "C"
	case AreaTimer:
		return "T"
	case AreaCounter200:
		return "C200"
	case AreaTimer200:
		return "T200"
	default:
		return fmt.Sprintf("Area(0x%02X)", uint8(a))
	}
}

// Valid reports whether a is one of the known areas.
func (a Area) Valid() bool {
	switch a {
	case AreaSysInfo, AreaSysFlags, AreaAnaIn, AreaAnaOut, AreaPeripheral, AreaInputs,
		AreaOutputs, AreaFlags, AreaDB, AreaDI, AreaLocal, AreaV,
		AreaCounter, AreaTimer, AreaCounter200, AreaTimer200:
		return true
	}
	return false
}

// ParseArea parses an area name as returned by Area.String. The German
// mnemonics E, A and Z are accepted for inputs, outputs and counters.
func ParseArea(s string) (Area, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "E":
		return AreaInputs, nil
	case "A":
		return AreaOutputs, nil
	case "Z":
		return AreaCounter, nil
	}
	for _, a := range []Area{AreaSysInfo, AreaSysFlags, AreaAnaIn, AreaAnaOut, AreaPeripheral,
		AreaInputs, AreaOutputs, AreaFlags, AreaDB, AreaDI, AreaLocal, AreaV,
		AreaCounter, AreaTimer, AreaCounter200, AreaTimer200} {
		if strings.EqualFold(a.String(), strings.TrimSpace(s)) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("s7: unknown area %q", s)
}

// IsBlock reports whether the area is addressed with a block number.
func (a Area) IsBlock() bool {
	return a == AreaDB || a == AreaDI
}

// IsTimerCounter reports whether the area holds 2-byte timer or counter elements.
func (a Area) IsTimerCounter() bool {
	return a == AreaCounter || a == AreaTimer || a == AreaCounter200 || a == AreaTimer200
}

// Granularity tells whether an item's start and length count bytes or bits.
type Granularity int

const (
	Byte Granularity = iota
	Bit
)

// String returns the string representation of the granularity.
func (g Granularity) String() string {
	if g == Bit {
		return "bit"
	}
	return "byte"
}

// Mode is the direction of a request batch.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	StateCreated ConnectionState = iota
	StateConnected
	StateDisconnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Protocol constants.
const (
	// DefaultTimeout is the default response timeout of an Interface.
	DefaultTimeout = 5 * time.Second

	// DefaultPort is the ISO-on-TCP port.
	DefaultPort = 102

	// DefaultPDUSize is the PDU length requested during connection setup.
	DefaultPDUSize = 960

	// MinPDUSize is the smallest PDU length any controller advertises.
	MinPDUSize = 240

	// DefaultStation, DefaultRack and DefaultSlot address a typical S7-300 CPU.
	DefaultStation = 2
	DefaultRack    = 0
	DefaultSlot    = 2

	// PartnerListSize is the number of bus addresses in a partner table.
	PartnerListSize = 126

	// MaxItems is the largest item count a single request can carry.
	MaxItems = 255
)

// Partner table markers.
const (
	PartnerReachable byte = 0x30
	PartnerUnused    byte = 0x10
)
