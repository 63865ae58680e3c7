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
	"log/slog"
	"time"
)

// PPI frame delimiters and function codes.
const (
	ppiSD1 byte = 0x10 // fixed length frame
	ppiSD2 byte = 0x68 // variable length frame
	ppiED  byte = 0x16 // end delimiter
	ppiSC  byte = 0xE5 // short acknowledge

	ppiFCRequest  byte = 0x6C // send data with acknowledge
	ppiFCPoll     byte = 0x5C // request data
	ppiFCStatus   byte = 0x49 // FDL status request
	ppiFCStatusOK byte = 0x20 // FDL status reply, station ready

)

// PPIChecksum returns the frame check sequence over the DA..payload span.
func PPIChecksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// PPIShortFrame builds an SD1 frame.
func PPIShortFrame(da, sa int, fc byte) []byte {
	body := []byte{byte(da), byte(sa), fc}
	return []byte{ppiSD1, body[0], body[1], body[2], PPIChecksum(body), ppiED}
}

// PPIDataFrame builds an SD2 frame carrying pdu.
func PPIDataFrame(da, sa int, fc byte, pdu []byte) []byte {
	l := 3 + len(pdu)
	frame := make([]byte, 0, l+6)
	frame = append(frame, ppiSD2, byte(l), byte(l), ppiSD2, byte(da), byte(sa), fc)
	frame = append(frame, pdu...)
	return append(frame, PPIChecksum(frame[4:]), ppiED)
}

// ppiLink speaks PPI as bus master. It is connectionless; every exchange
// sends a data frame and polls the station until the reply is ready.
type ppiLink struct {
	ifc *Interface
}

func (l *ppiLink) initAdapter(context.Context) error {
	l.ifc.diag.log(DebugInitAdapter, "ppi adapter ready",
		slog.Int("local", l.ifc.opts.localAddr),
		slog.String("speed", l.ifc.opts.speed.String()))
	return nil
}

func (l *ppiLink) disconnectAdapter() error { return nil }
func (l *ppiLink) disconnect(*Connection)   {}

func (l *ppiLink) connect(context.Context, *Connection) (bool, error) {
	return false, nil
}

func (l *ppiLink) exchange(ctx context.Context, c *Connection, pdu []byte) ([]byte, error) {
	if len(pdu) > 255-3 {
		return nil, fmt.Errorf("%w: PDU of %d bytes does not fit a PPI frame", ErrBatchTooLarge, len(pdu))
	}
	local := l.ifc.opts.localAddr
	timeout := l.ifc.opts.timeout
	deadline := time.Now().Add(timeout)

	if err := l.send(PPIDataFrame(c.station, local, ppiFCRequest, pdu)); err != nil {
		return nil, err
	}
	ack, err := l.receive(1, timeout)
	if err != nil {
		return nil, err
	}
	if ack[0] != ppiSC {
		return nil, fmt.Errorf("%w: expected PPI acknowledge, got 0x%02X", ErrInvalidResponse, ack[0])
	}

	poll := PPIShortFrame(c.station, local, ppiFCPoll)
	for polls := 1; ; polls++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &TransportError{Op: "poll", Err: fmt.Errorf("%w: no PPI reply after %d polls", ErrTimeout, polls-1)}
		}
		if err := l.send(poll); err != nil {
			return nil, err
		}
		start, err := l.receive(1, remaining)
		if err != nil {
			return nil, err
		}
		switch start[0] {
		case ppiSC:
			l.ifc.diag.log(DebugBusTiming, "ppi reply not ready", slog.Int("poll", polls))
			continue
		case ppiSD2:
			return l.readDataFrame(c.station, local, timeout)
		default:
			return nil, fmt.Errorf("%w: unexpected PPI start delimiter 0x%02X", ErrInvalidResponse, start[0])
		}
	}
}

// readDataFrame reads the rest of an SD2 frame whose first byte was consumed.
func (l *ppiLink) readDataFrame(da, sa int, timeout time.Duration) ([]byte, error) {
	hdr, err := l.receive(3, timeout)
	if err != nil {
		return nil, err
	}
	n := int(hdr[0])
	if hdr[1] != hdr[0] || hdr[2] != ppiSD2 || n < 3 {
		return nil, fmt.Errorf("%w: PPI frame header % x", ErrInvalidResponse, hdr)
	}
	body, err := l.receive(n+2, timeout)
	if err != nil {
		return nil, err
	}
	if body[n+1] != ppiED || body[n] != PPIChecksum(body[:n]) {
		return nil, fmt.Errorf("%w: PPI frame checksum", ErrInvalidResponse)
	}
	if int(body[0]) != sa || int(body[1]) != da {
		return nil, fmt.Errorf("%w: PPI frame from %d to %d", ErrInvalidResponse, body[1], body[0])
	}
	return body[3:n], nil
}

func (l *ppiLink) listReachable(ctx context.Context) ([]byte, error) {
	local := l.ifc.opts.localAddr
	table := unusedPartners()
	for addr := 0; addr < PartnerListSize; addr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if addr == local {
			continue
		}
		if err := l.send(PPIShortFrame(addr, local, ppiFCStatus)); err != nil {
			return nil, err
		}
		reply, err := l.ifc.transport.ReceiveExact(6, l.ifc.opts.partnerTimeout)
		if err != nil {
			if IsTimeout(ioError("list reachable", err)) {
				continue
			}
			return nil, ioError("list reachable", err)
		}
		if reply[0] == ppiSD1 && reply[5] == ppiED && int(reply[2]) == addr {
			table[addr] = PartnerReachable
			l.ifc.diag.log(DebugListReachables, "partner answered", slog.Int("address", addr))
		}
	}
	return table, nil
}

func (l *ppiLink) send(b []byte) error {
	l.ifc.diag.dump(DebugRawWrite, "send", b)
	if err := l.ifc.transport.Send(b); err != nil {
		return ioError("send", err)
	}
	return nil
}

func (l *ppiLink) receive(n int, timeout time.Duration) ([]byte, error) {
	b, err := l.ifc.transport.ReceiveExact(n, timeout)
	if err != nil {
		return nil, ioError("receive", err)
	}
	l.ifc.diag.dump(DebugRawRead, "receive", b)
	return b, nil
}
