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
	"encoding/binary"
	"fmt"
	"log/slog"
)

// ISO-on-TCP framing: RFC 1006 TPKT carrying ISO 8073 COTP.
const (
	tpktVersion    byte = 0x03
	tpktHeaderSize      = 4

	cotpCR  byte = 0xE0 // connection request
	cotpCC  byte = 0xD0 // connection confirm
	cotpDR  byte = 0x80 // disconnect request
	cotpDT  byte = 0xF0 // data
	cotpEOT byte = 0x80

	tsapPG   uint16 = 0x0100
	tsap243  uint16 = 0x4D57 // "MW"
	maxTPKT         = 0xFFFF
)

// isoLink carries one S7 session per TCP connection.
type isoLink struct {
	ifc     *Interface
	session *Connection
}

// RemoteTSAP returns the called TSAP of a PG connection to rack/slot.
func RemoteTSAP(rack, slot int) uint16 {
	return tsapPG | uint16(rack<<5|slot)
}

func (l *isoLink) initAdapter(context.Context) error { return nil }

func (l *isoLink) disconnectAdapter() error {
	l.session = nil
	return nil
}

func (l *isoLink) tsaps(c *Connection) (local, remote uint16) {
	local, remote = tsapPG, RemoteTSAP(c.rack, c.slot)
	if l.ifc.opts.protocol == ProtoISOTCP243 {
		local, remote = tsap243, tsap243
	}
	if c.opts.localTSAP != 0 {
		local = c.opts.localTSAP
	}
	if c.opts.remoteTSAP != 0 {
		remote = c.opts.remoteTSAP
	}
	return local, remote
}

func connectRequest(local, remote uint16) []byte {
	cotp := []byte{
		17, cotpCR,
		0x00, 0x00, // destination reference
		0x00, 0x01, // source reference
		0x00,             // class 0
		0xC0, 0x01, 0x0A, // TPDU size 1024
		0xC1, 0x02, byte(local >> 8), byte(local),
		0xC2, 0x02, byte(remote >> 8), byte(remote),
	}
	return tpkt(cotp)
}

func tpkt(payload []byte) []byte {
	buf := make([]byte, tpktHeaderSize, tpktHeaderSize+len(payload))
	buf[0] = tpktVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(tpktHeaderSize+len(payload)))
	return append(buf, payload...)
}

func (l *isoLink) connect(ctx context.Context, c *Connection) (bool, error) {
	if l.session != nil && l.session != c {
		return false, fmt.Errorf("%w: ISO-on-TCP link already carries a session", ErrConnectionRefused)
	}

	local, remote := l.tsaps(c)
	l.ifc.diag.log(DebugConnect, "iso connect",
		slog.String("local_tsap", fmt.Sprintf("%04X", local)),
		slog.String("remote_tsap", fmt.Sprintf("%04X", remote)))

	if err := l.send(connectRequest(local, remote)); err != nil {
		return false, err
	}
	resp, err := l.receiveTPKT()
	if err != nil {
		return false, err
	}
	if len(resp) < 2 {
		return false, fmt.Errorf("%w: short COTP reply", ErrInvalidResponse)
	}
	switch resp[1] & 0xF0 {
	case cotpCC:
		l.session = c
		return true, nil
	case cotpDR:
		return false, fmt.Errorf("%w: COTP disconnect (TSAP %04X)", ErrConnectionRefused, remote)
	default:
		return false, fmt.Errorf("%w: COTP reply type 0x%02X", ErrInvalidResponse, resp[1])
	}
}

func (l *isoLink) disconnect(c *Connection) {
	if l.session == c {
		l.session = nil
	}
}

func (l *isoLink) exchange(ctx context.Context, c *Connection, pdu []byte) ([]byte, error) {
	if l.session != c {
		return nil, fmt.Errorf("%w: no ISO session", ErrNotConnected)
	}
	if len(pdu)+tpktHeaderSize+3 > maxTPKT {
		return nil, fmt.Errorf("%w: PDU of %d bytes", ErrBatchTooLarge, len(pdu))
	}

	if err := l.send(tpkt(append([]byte{0x02, cotpDT, cotpEOT}, pdu...))); err != nil {
		return nil, err
	}

	var out []byte
	for {
		tpdu, err := l.receiveTPKT()
		if err != nil {
			return nil, err
		}
		if len(tpdu) < 3 || tpdu[1] != cotpDT || int(tpdu[0])+1 > len(tpdu) {
			return nil, fmt.Errorf("%w: unexpected COTP TPDU % x", ErrInvalidResponse, tpdu[:min(len(tpdu), 3)])
		}
		out = append(out, tpdu[int(tpdu[0])+1:]...)
		if tpdu[2]&cotpEOT != 0 {
			return out, nil
		}
		l.ifc.diag.log(DebugPacket, "iso fragment", slog.Int("len", len(out)))
	}
}

func (l *isoLink) listReachable(context.Context) ([]byte, error) {
	return unusedPartners(), nil
}

func (l *isoLink) send(b []byte) error {
	l.ifc.diag.dump(DebugRawWrite, "send", b)
	if err := l.ifc.transport.Send(b); err != nil {
		return ioError("send", err)
	}
	return nil
}

// receiveTPKT reads one TPKT and returns its COTP part.
func (l *isoLink) receiveTPKT() ([]byte, error) {
	timeout := l.ifc.opts.timeout
	hdr, err := l.ifc.transport.ReceiveExact(tpktHeaderSize, timeout)
	if err != nil {
		return nil, ioError("receive", err)
	}
	if hdr[0] != tpktVersion {
		return nil, fmt.Errorf("%w: TPKT version 0x%02X", ErrInvalidResponse, hdr[0])
	}
	n := int(binary.BigEndian.Uint16(hdr[2:4]))
	if n <= tpktHeaderSize {
		return nil, fmt.Errorf("%w: TPKT length %d", ErrInvalidResponse, n)
	}
	body, err := l.ifc.transport.ReceiveExact(n-tpktHeaderSize, timeout)
	if err != nil {
		return nil, ioError("receive", err)
	}
	l.ifc.diag.dump(DebugRawRead, "receive", append(hdr, body...))
	return body, nil
}
