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
	"bytes"
	"errors"
	"testing"
)

func TestHeader_Encode(t *testing.T) {
	h := &Header{ROSCTR: rosctrJob, Ref: 0x0102, ParamLen: 14, DataLen: 0}
	got := h.Encode()
	want := []byte{0x32, 0x01, 0x00, 0x00, 0x01, 0x02, 0x00, 0x0E, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode: expected % x, got % x", want, got)
	}

	ack := &Header{ROSCTR: rosctrAckData, Ref: 7, ErrClass: 0x81, ErrCode: 0x04}
	if got := ack.Encode(); len(got) != ResponseHeaderSize || got[10] != 0x81 || got[11] != 0x04 {
		t.Errorf("ack Encode: expected 12 bytes ending 81 04, got % x", got)
	}
}

func TestHeader_Decode(t *testing.T) {
	data := []byte{0x32, 0x03, 0x00, 0x00, 0x00, 0x2A, 0x00, 0x02, 0x00, 0x05, 0x85, 0x00}
	var h Header
	if err := h.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.ROSCTR != rosctrAckData {
		t.Errorf("ROSCTR: expected 3, got %d", h.ROSCTR)
	}
	if h.Ref != 42 {
		t.Errorf("Ref: expected 42, got %d", h.Ref)
	}
	if h.ParamLen != 2 || h.DataLen != 5 {
		t.Errorf("lengths: expected 2/5, got %d/%d", h.ParamLen, h.DataLen)
	}
	if h.ErrClass != 0x85 || h.ErrCode != 0x00 {
		t.Errorf("error: expected 85/00, got %02x/%02x", h.ErrClass, h.ErrCode)
	}
}

func TestHeader_Decode_Invalid(t *testing.T) {
	var h Header
	if err := h.Decode([]byte{0x32, 0x01}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("short header: expected ErrInvalidResponse, got %v", err)
	}
	if err := h.Decode([]byte{0x33, 0x01, 0, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("bad protocol id: expected ErrInvalidResponse, got %v", err)
	}
	if err := h.Decode([]byte{0x32, 0x03, 0, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("short ack header: expected ErrInvalidResponse, got %v", err)
	}
}

func TestPDU_EncodeDecode(t *testing.T) {
	p := &PDU{Header: Header{ROSCTR: rosctrJob, Ref: 9}, Param: []byte{0x04, 0x01}, Data: []byte{0xAA}}
	raw := p.Encode()
	if len(raw) != RequestHeaderSize+3 {
		t.Fatalf("Encode: expected %d bytes, got %d", RequestHeaderSize+3, len(raw))
	}

	var back PDU
	if err := back.Decode(raw); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(back.Param, p.Param) || !bytes.Equal(back.Data, p.Data) {
		t.Errorf("Decode: expected param % x data % x, got % x / % x", p.Param, p.Data, back.Param, back.Data)
	}

	if err := back.Decode(raw[:len(raw)-1]); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("truncated PDU: expected ErrInvalidResponse, got %v", err)
	}
}

func TestPDU_Err(t *testing.T) {
	p := &PDU{Header: Header{ROSCTR: rosctrAckData, ErrClass: 0x85, ErrCode: 0x00}}
	err := p.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, &ProtocolError{Class: 0x85, Code: 0x00}) {
		t.Errorf("expected ProtocolError 85/00, got %v", err)
	}
	ok := &PDU{Header: Header{ROSCTR: rosctrAckData}}
	if err := ok.Err(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRefGenerator(t *testing.T) {
	var g refGenerator
	first := g.Next()
	second := g.Next()
	if second != first+1 {
		t.Errorf("Next: expected %d, got %d", first+1, second)
	}
}

func TestBatchSizes_Read(t *testing.T) {
	items := []RequestItem{
		{Area: AreaInputs, Start: 0, Length: 1},
		{Area: AreaFlags, Start: 0, Length: 4},
		{Area: AreaDB, Block: 6, Start: 20, Length: 2},
	}
	req, resp := BatchSizes(ModeRead, items)
	if req != 10+2+3*12 {
		t.Errorf("request: expected %d, got %d", 10+2+3*12, req)
	}
	// the odd first item is padded, the last never is
	if want := 12 + 2 + (4 + 2) + (4 + 4) + (4 + 2); resp != want {
		t.Errorf("response: expected %d, got %d", want, resp)
	}

	_, resp = BatchSizes(ModeRead, []RequestItem{{Area: AreaFlags, Length: 3}})
	if resp != 12+2+4+3 {
		t.Errorf("single odd item: expected %d, got %d", 12+2+4+3, resp)
	}
}

func TestBatchSizes_Write(t *testing.T) {
	items := []RequestItem{
		{Mode: ModeWrite, Area: AreaFlags, Length: 3, Payload: []byte{1, 2, 3}},
		{Mode: ModeWrite, Area: AreaCounter, Length: 1, Payload: []byte{0, 5}},
	}
	req, resp := BatchSizes(ModeWrite, items)
	if want := 10 + 2 + 2*12 + (4 + 4) + (4 + 2); req != want {
		t.Errorf("request: expected %d, got %d", want, req)
	}
	if resp != 12+2+2 {
		t.Errorf("response: expected %d, got %d", 12+2+2, resp)
	}
}

func TestBuildWriteRequest(t *testing.T) {
	items := []RequestItem{
		{Mode: ModeWrite, Area: AreaFlags, Start: 0, Length: 1, Payload: []byte{0x7F}},
		{Mode: ModeWrite, Area: AreaFlags, Start: 25, Length: 1, Granularity: Bit, Payload: []byte{1}},
		{Mode: ModeWrite, Area: AreaCounter, Start: 2, Length: 1, Payload: []byte{0x01, 0x23}},
	}
	param, data := buildWriteRequest(items)
	if param[0] != funcWrite || param[1] != 3 || len(param) != 2+3*12 {
		t.Errorf("param: unexpected header % x (len %d)", param[:2], len(param))
	}

	want := []byte{
		0x00, dtsByte, 0x00, 0x08, 0x7F, 0x00, // 8 bits, padded
		0x00, dtsBit, 0x00, 0x01, 0x01, 0x00, // 1 bit, padded
		0x00, dtsOctet, 0x00, 0x02, 0x01, 0x23,
	}
	if !bytes.Equal(data, want) {
		t.Errorf("data: expected % x, got % x", want, data)
	}

	req, _ := BatchSizes(ModeWrite, items)
	if req != RequestHeaderSize+len(param)+len(data) {
		t.Errorf("BatchSizes: expected %d, got %d", RequestHeaderSize+len(param)+len(data), req)
	}
}

func TestParseReadResponse(t *testing.T) {
	p := &PDU{
		Header: Header{ROSCTR: rosctrAckData},
		Param:  []byte{funcRead, 3},
		Data: []byte{
			0xFF, dtsByte, 0x00, 0x08, 0x5A, 0x00,
			0x0A, dtsNull, 0x00, 0x00,
			0xFF, dtsBit, 0x00, 0x01, 0x01,
		},
	}
	results, err := parseReadResponse(p, 3)
	if err != nil {
		t.Fatalf("parseReadResponse failed: %v", err)
	}
	if !bytes.Equal(results[0].Data, []byte{0x5A}) || !results[0].Status.OK() {
		t.Errorf("item 0: expected ok 5a, got %v % x", results[0].Status, results[0].Data)
	}
	if results[1].Status != StatusObjectNotFound || len(results[1].Data) != 0 {
		t.Errorf("item 1: expected object not found, got %v % x", results[1].Status, results[1].Data)
	}
	if !bytes.Equal(results[2].Data, []byte{0x01}) {
		t.Errorf("item 2: expected 01, got % x", results[2].Data)
	}

	if _, err := parseReadResponse(p, 2); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("item count mismatch: expected ErrInvalidResponse, got %v", err)
	}
	p.Data = p.Data[:8]
	if _, err := parseReadResponse(p, 3); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("truncated data: expected ErrInvalidResponse, got %v", err)
	}
}

func TestParseWriteResponse(t *testing.T) {
	p := &PDU{Header: Header{ROSCTR: rosctrAckData}, Param: []byte{funcWrite, 2}, Data: []byte{0xFF, 0x05}}
	results, err := parseWriteResponse(p, 2)
	if err != nil {
		t.Fatalf("parseWriteResponse failed: %v", err)
	}
	if !results[0].Status.OK() || results[1].Status != StatusAddressOutOfRange {
		t.Errorf("statuses: expected ff/05, got %v/%v", results[0].Status, results[1].Status)
	}
}

func TestSetupComm(t *testing.T) {
	param := buildSetupComm(480)
	want := []byte{0xF0, 0x00, 0x00, 0x01, 0x00, 0x01, 0x01, 0xE0}
	if !bytes.Equal(param, want) {
		t.Errorf("buildSetupComm: expected % x, got % x", want, param)
	}
	n, err := parseSetupComm(&PDU{Param: param})
	if err != nil || n != 480 {
		t.Errorf("parseSetupComm: expected 480, got %d (%v)", n, err)
	}
	if _, err := parseSetupComm(&PDU{Param: buildSetupComm(100)}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("tiny PDU: expected ErrInvalidResponse, got %v", err)
	}
}

func TestParseSZLResponse(t *testing.T) {
	p := &PDU{
		Header: Header{ROSCTR: rosctrUserData},
		Param:  szlResponseParam(3, 3, true, 0),
		Data:   []byte{0xFF, 0x09, 0x00, 0x02, 0xAB, 0xCD},
	}
	frag, err := parseSZLResponse(p)
	if err != nil {
		t.Fatalf("parseSZLResponse failed: %v", err)
	}
	if !frag.more || frag.seq != 3 || !bytes.Equal(frag.payload, []byte{0xAB, 0xCD}) {
		t.Errorf("fragment: unexpected %+v", frag)
	}

	p.Data = []byte{0x0A, 0x00, 0x00, 0x00}
	if _, err := parseSZLResponse(p); !IsItemStatus(err, StatusObjectNotFound) {
		t.Errorf("missing list: expected object not found, got %v", err)
	}

	p.Param = szlResponseParam(0, 0, false, 0xD401)
	if _, err := parseSZLResponse(p); !errors.Is(err, &ProtocolError{Class: 0xD4, Code: 0x01}) {
		t.Errorf("error code: expected ProtocolError D4/01, got %v", err)
	}
}

func TestBuildControl(t *testing.T) {
	start := buildStart()
	if start[0] != funcStart || string(start[len(start)-9:]) != "P_PROGRAM" {
		t.Errorf("buildStart: unexpected % x", start)
	}
	stop := buildStop()
	if stop[0] != funcStop || stop[6] != 9 || string(stop[7:]) != "P_PROGRAM" {
		t.Errorf("buildStop: unexpected % x", stop)
	}
}
