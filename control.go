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
	"context"
	"fmt"
	"strings"
)

// CPUMode is the operating mode reported in SZL 0x0424.
type CPUMode byte

// Operating modes.
const (
	CPUUnknown CPUMode = 0x00
	CPUStop    CPUMode = 0x04
	CPUStartup CPUMode = 0x06
	CPURun     CPUMode = 0x08
)

// String returns the string representation of the mode.
func (m CPUMode) String() string {
	switch m {
	case CPUStop:
		return "STOP"
	case CPUStartup:
		return "STARTUP"
	case CPURun:
		return "RUN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(m))
	}
}

// CPUInfo identifies a controller.
type CPUInfo struct {
	OrderNumber string
	Firmware    string
	Mode        CPUMode
}

// Start requests a warm restart of the user program.
func (c *Connection) Start(ctx context.Context) error {
	return c.control(ctx, buildStart())
}

// Stop puts the controller into STOP.
func (c *Connection) Stop(ctx context.Context) error {
	return c.control(ctx, buildStop())
}

func (c *Connection) control(ctx context.Context, param []byte) error {
	return c.session(ctx, "plc control", func() error {
		resp, err := c.roundTrip(ctx, ServiceControl, newJob(param, nil))
		if err != nil {
			return err
		}
		if len(resp.Param) < 1 || resp.Param[0] != param[0] {
			return fmt.Errorf("%w: control response parameter", ErrInvalidResponse)
		}
		return nil
	})
}

// OperatingMode reads the controller mode from SZL 0x0424.
func (c *Connection) OperatingMode(ctx context.Context) (CPUMode, error) {
	rec, err := c.ReadSZL(ctx, SZLOperatingState, 0)
	if err != nil {
		return CPUUnknown, err
	}
	return modeFromSZL(rec), nil
}

func modeFromSZL(rec *SZLRecord) CPUMode {
	el := rec.Element(0)
	if len(el) < 4 {
		return CPUUnknown
	}
	return CPUMode(el[3])
}

// CPUInfo reads the module identification (SZL 0x0011) and the operating
// mode (SZL 0x0424).
func (c *Connection) CPUInfo(ctx context.Context) (*CPUInfo, error) {
	ident, err := c.ReadSZL(ctx, SZLModuleID, 0)
	if err != nil {
		return nil, err
	}
	info := parseModuleID(ident)

	info.Mode, err = c.OperatingMode(ctx)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// parseModuleID extracts the order number (index 1) and firmware version
// (index 7) from SZL 0x0011 elements.
func parseModuleID(rec *SZLRecord) *CPUInfo {
	info := &CPUInfo{}
	for i := 0; i < rec.ElementCount; i++ {
		el := rec.Element(i)
		if len(el) < 28 {
			break
		}
		switch U16(el[0:2]) {
		case 0x0001:
			info.OrderNumber = strings.TrimSpace(strings.TrimRight(string(el[2:22]), "\x00"))
		case 0x0007:
			info.Firmware = fmt.Sprintf("V%d.%d.%d", el[25], el[26], el[27])
		}
	}
	return info
}
