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
	"fmt"
	"sync/atomic"
)

// S7 PDU constants.
const (
	ProtocolID byte = 0x32

	rosctrJob      byte = 0x01
	rosctrAck      byte = 0x02
	rosctrAckData  byte = 0x03
	rosctrUserData byte = 0x07

	funcSetupComm byte = 0xF0
	funcRead      byte = 0x04
	funcWrite     byte = 0x05
	funcStart     byte = 0x28
	funcStop      byte = 0x29

	// RequestHeaderSize is the header size of job and userdata PDUs.
	RequestHeaderSize = 10
	// ResponseHeaderSize is the header size of ack PDUs, which carry an error class and code.
	ResponseHeaderSize = 12

	readItemSpecSize = 12
	itemHeaderSize   = 4
)

// Service identifies the kind of exchange for metrics and diagnostics.
type Service uint8

// Services.
const (
	ServiceSetup Service = iota + 1
	ServiceRead
	ServiceWrite
	ServiceSZL
	ServiceControl
)

// String returns the string representation of the service.
func (s Service) String() string {
	switch s {
	case ServiceSetup:
		return "SetupCommunication"
	case ServiceRead:
		return "ReadVar"
	case ServiceWrite:
		return "WriteVar"
	case ServiceSZL:
		return "ReadSZL"
	case ServiceControl:
		return "PLCControl"
	default:
		return "Unknown"
	}
}

// Header is the S7 PDU header.
type Header struct {
	ROSCTR   byte   // message type
	Ref      uint16 // PDU reference, echoed by the controller
	ParamLen uint16
	DataLen  uint16
	ErrClass byte // ack types only
	ErrCode  byte // ack types only
}

// Size returns the encoded header size for the header's message type.
func (h *Header) Size() int {
	if h.ROSCTR == rosctrAck || h.ROSCTR == rosctrAckData {
		return ResponseHeaderSize
	}
	return RequestHeaderSize
}

// Encode encodes the header to bytes.
func (h *Header) Encode() []byte {
	buf := make([]byte, h.Size())
	buf[0] = ProtocolID
	buf[1] = h.ROSCTR
	binary.BigEndian.PutUint16(buf[4:6], h.Ref)
	binary.BigEndian.PutUint16(buf[6:8], h.ParamLen)
	binary.BigEndian.PutUint16(buf[8:10], h.DataLen)
	if len(buf) == ResponseHeaderSize {
		buf[10] = h.ErrClass
		buf[11] = h.ErrCode
	}
	return buf
}

// Decode decodes the header from bytes.
func (h *Header) Decode(data []byte) error {
	if len(data) < RequestHeaderSize {
		return fmt.Errorf("%w: PDU header too short (%d bytes)", ErrInvalidResponse, len(data))
	}
	if data[0] != ProtocolID {
		return fmt.Errorf("%w: protocol id 0x%02X", ErrInvalidResponse, data[0])
	}
	h.ROSCTR = data[1]
	h.Ref = binary.BigEndian.Uint16(data[4:6])
	h.ParamLen = binary.BigEndian.Uint16(data[6:8])
	h.DataLen = binary.BigEndian.Uint16(data[8:10])
	h.ErrClass, h.ErrCode = 0, 0
	if h.Size() == ResponseHeaderSize {
		if len(data) < ResponseHeaderSize {
			return fmt.Errorf("%w: ack header too short (%d bytes)", ErrInvalidResponse, len(data))
		}
		h.ErrClass = data[10]
		h.ErrCode = data[11]
	}
	return nil
}

// PDU is a complete S7 PDU: header, parameter block and data block.
type PDU struct {
	Header Header
	Param  []byte
	Data   []byte
}

// Encode encodes the PDU to bytes.
func (p *PDU) Encode() []byte {
	p.Header.ParamLen = uint16(len(p.Param))
	p.Header.DataLen = uint16(len(p.Data))
	header := p.Header.Encode()
	buf := make([]byte, 0, len(header)+len(p.Param)+len(p.Data))
	buf = append(buf, header...)
	buf = append(buf, p.Param...)
	return append(buf, p.Data...)
}

// Decode decodes a PDU from bytes.
func (p *PDU) Decode(data []byte) error {
	if err := p.Header.Decode(data); err != nil {
		return err
	}
	off := p.Header.Size()
	plen, dlen := int(p.Header.ParamLen), int(p.Header.DataLen)
	if len(data) < off+plen+dlen {
		return fmt.Errorf("%w: PDU truncated, need %d bytes, have %d", ErrInvalidResponse, off+plen+dlen, len(data))
	}
	p.Param = append([]byte(nil), data[off:off+plen]...)
	p.Data = append([]byte(nil), data[off+plen:off+plen+dlen]...)
	return nil
}

// Err returns the PDU level error of an ack, or nil.
func (p *PDU) Err() error {
	if p.Header.ErrClass == 0 && p.Header.ErrCode == 0 {
		return nil
	}
	return &ProtocolError{Class: p.Header.ErrClass, Code: p.Header.ErrCode}
}

// refGenerator hands out PDU references.
type refGenerator struct {
	counter uint32
}

// Next returns the next PDU reference.
func (g *refGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

func newJob(param, data []byte) *PDU {
	return &PDU{Header: Header{ROSCTR: rosctrJob}, Param: param, Data: data}
}

// Setup communication

func buildSetupComm(pduSize int) []byte {
	return []byte{funcSetupComm, 0x00, 0x00, 0x01, 0x00, 0x01, byte(pduSize >> 8), byte(pduSize)}
}

func parseSetupComm(p *PDU) (int, error) {
	if len(p.Param) < 8 || p.Param[0] != funcSetupComm {
		return 0, fmt.Errorf("%w: setup communication response", ErrInvalidResponse)
	}
	n := int(binary.BigEndian.Uint16(p.Param[6:8]))
	if n < MinPDUSize {
		return 0, fmt.Errorf("%w: negotiated PDU size %d", ErrInvalidResponse, n)
	}
	return n, nil
}

// Read and write variable services

func padded(n int, last bool) int {
	if n%2 != 0 && !last {
		return n + 1
	}
	return n
}

// BatchSizes returns the request and expected response PDU sizes of a
// batch of items in the given mode.
func BatchSizes(mode Mode, items []RequestItem) (request, response int) {
	n := len(items)
	if mode == ModeRead {
		request = RequestHeaderSize + 2 + readItemSpecSize*n
		response = ResponseHeaderSize + 2
		for i, it := range items {
			response += itemHeaderSize + padded(it.DataLen(), i == n-1)
		}
		return request, response
	}
	request = RequestHeaderSize + 2 + readItemSpecSize*n
	for i, it := range items {
		request += itemHeaderSize + padded(it.DataLen(), i == n-1)
	}
	response = ResponseHeaderSize + 2 + n
	return request, response
}

func buildReadParams(items []RequestItem) []byte {
	param := make([]byte, 0, 2+readItemSpecSize*len(items))
	param = append(param, funcRead, byte(len(items)))
	for _, it := range items {
		param = it.appendSpec(param)
	}
	return param
}

func buildWriteRequest(items []RequestItem) (param, data []byte) {
	param = make([]byte, 0, 2+readItemSpecSize*len(items))
	param = append(param, funcWrite, byte(len(items)))
	for i, it := range items {
		param = it.appendSpec(param)

		l := it.dataLengthField()
		data = append(data, 0x00, it.dataTransportSize(), byte(l>>8), byte(l))
		data = append(data, it.Payload...)
		if len(it.Payload)%2 != 0 && i < len(items)-1 {
			data = append(data, 0x00)
		}
	}
	return param, data
}

// dataItemLen converts a data item length field to a byte count.
func dataItemLen(ts byte, field int) int {
	switch ts {
	case dtsByte, dtsInteger:
		return (field + 7) / 8
	default:
		return field
	}
}

func parseReadResponse(p *PDU, n int) ([]ResultItem, error) {
	if len(p.Param) < 2 || p.Param[0] != funcRead {
		return nil, fmt.Errorf("%w: read response parameter", ErrInvalidResponse)
	}
	if int(p.Param[1]) != n {
		return nil, fmt.Errorf("%w: read response has %d items, want %d", ErrInvalidResponse, p.Param[1], n)
	}

	results := make([]ResultItem, n)
	data := p.Data
	off := 0
	for i := 0; i < n; i++ {
		if off+itemHeaderSize > len(data) {
			return nil, fmt.Errorf("%w: item %d header truncated", ErrInvalidResponse, i)
		}
		status := ItemStatus(data[off])
		ts := data[off+1]
		size := dataItemLen(ts, int(binary.BigEndian.Uint16(data[off+2:off+4])))
		off += itemHeaderSize
		if off+size > len(data) {
			return nil, fmt.Errorf("%w: item %d data truncated", ErrInvalidResponse, i)
		}
		results[i] = ResultItem{Status: status, Data: append([]byte{}, data[off:off+size]...)}
		off += size
		if size%2 != 0 && i < n-1 {
			off++
		}
	}
	return results, nil
}

func parseWriteResponse(p *PDU, n int) ([]ResultItem, error) {
	if len(p.Param) < 2 || p.Param[0] != funcWrite {
		return nil, fmt.Errorf("%w: write response parameter", ErrInvalidResponse)
	}
	if int(p.Param[1]) != n || len(p.Data) < n {
		return nil, fmt.Errorf("%w: write response has %d items, want %d", ErrInvalidResponse, p.Param[1], n)
	}
	results := make([]ResultItem, n)
	for i := range results {
		results[i] = ResultItem{Status: ItemStatus(p.Data[i])}
	}
	return results, nil
}

// System status list (userdata) service

const (
	szlReturnOK  byte = 0xFF
	szlOctetData byte = 0x09
	szlNullData  byte = 0x0A
)

func buildSZLRequest(id, index uint16) (param, data []byte) {
	param = []byte{0x00, 0x01, 0x12, 0x04, 0x11, 0x44, 0x01, 0x00}
	data = []byte{szlReturnOK, szlOctetData, 0x00, 0x04, byte(id >> 8), byte(id), byte(index >> 8), byte(index)}
	return param, data
}

func buildSZLContinuation(seq, ref byte) (param, data []byte) {
	param = []byte{0x00, 0x01, 0x12, 0x08, 0x12, 0x44, 0x01, seq, ref, 0x00, 0x00, 0x00}
	data = []byte{szlNullData, 0x00, 0x00, 0x00}
	return param, data
}

// szlFragment is one userdata response of a (possibly segmented) SZL read.
type szlFragment struct {
	seq     byte
	ref     byte
	more    bool
	payload []byte
}

func parseSZLResponse(p *PDU) (*szlFragment, error) {
	if p.Header.ROSCTR != rosctrUserData {
		return nil, fmt.Errorf("%w: SZL response type 0x%02X", ErrInvalidResponse, p.Header.ROSCTR)
	}
	if len(p.Param) < 12 || p.Param[2] != 0x12 || p.Param[5]&0x0F != 0x04 {
		return nil, fmt.Errorf("%w: SZL response parameter", ErrInvalidResponse)
	}
	if code := binary.BigEndian.Uint16(p.Param[10:12]); code != 0 {
		return nil, &ProtocolError{Class: byte(code >> 8), Code: byte(code)}
	}
	if len(p.Data) < 4 {
		return nil, fmt.Errorf("%w: SZL response data", ErrInvalidResponse)
	}
	if status := ItemStatus(p.Data[0]); !status.OK() {
		return nil, NewItemError(0, status)
	}
	n := int(binary.BigEndian.Uint16(p.Data[2:4]))
	if 4+n > len(p.Data) {
		return nil, fmt.Errorf("%w: SZL payload truncated", ErrInvalidResponse)
	}
	return &szlFragment{
		seq:     p.Param[7],
		ref:     p.Param[8],
		more:    p.Param[9] != 0,
		payload: append([]byte(nil), p.Data[4:4+n]...),
	}, nil
}

// PLC control services

var programService = []byte("P_PROGRAM")

func buildStart() []byte {
	param := []byte{funcStart, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFD, 0x00, 0x00, byte(len(programService))}
	return append(param, programService...)
}

func buildStop() []byte {
	param := []byte{funcStop, 0x00, 0x00, 0x00, 0x00, 0x00, byte(len(programService))}
	return append(param, programService...)
}
