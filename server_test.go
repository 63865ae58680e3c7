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
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestNewServer(t *testing.T) {
	handler := NewMemoryHandler(16)
	server := NewServer(handler)

	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server.Addr() != nil {
		t.Error("Addr before Serve: expected nil")
	}
}

func TestMemoryHandler_ReadWriteBytes(t *testing.T) {
	handler := NewMemoryHandler(16)
	handler.AddDB(1, 8)

	it, _ := EncodeWrite(AreaDB, 1, 2, Byte, []byte{0xAA, 0xBB})
	if st := handler.WriteItem(it); st != StatusOK {
		t.Fatalf("WriteItem: expected success, got %v", st)
	}

	rd, _ := Encode(AreaDB, 1, 2, 2, Byte)
	data, st := handler.ReadItem(rd)
	if st != StatusOK || !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Errorf("ReadItem: expected aa bb, got % x (%v)", data, st)
	}

	rd, _ = Encode(AreaDB, 1, 7, 2, Byte)
	if _, st := handler.ReadItem(rd); st != StatusAddressOutOfRange {
		t.Errorf("read past block: expected address out of range, got %v", st)
	}
	rd, _ = Encode(AreaDB, 2, 0, 1, Byte)
	if _, st := handler.ReadItem(rd); st != StatusObjectNotFound {
		t.Errorf("missing block: expected object not found, got %v", st)
	}
}

func TestMemoryHandler_Bits(t *testing.T) {
	handler := NewMemoryHandler(16)
	handler.SetBytes(AreaOutputs, 0, 1, []byte{0xF0})

	it, _ := EncodeWrite(AreaOutputs, 0, 8, Bit, []byte{1, 1, 0})
	if st := handler.WriteItem(it); st != StatusOK {
		t.Fatalf("WriteItem: expected success, got %v", st)
	}
	mem, _ := handler.Bytes(AreaOutputs, 0, 1, 1)
	if mem[0] != 0xF3 {
		t.Errorf("Q1: expected 0xF3, got 0x%02X", mem[0])
	}

	rd, _ := Encode(AreaOutputs, 0, 11, 3, Bit)
	bits, _ := handler.ReadItem(rd)
	if !bytes.Equal(bits, []byte{0, 1, 1}) {
		t.Errorf("Q1.3..5: expected 00 01 01, got % x", bits)
	}
}

func TestMemoryHandler_TimersCounters(t *testing.T) {
	handler := NewMemoryHandler(4)
	it, _ := EncodeWrite(AreaTimer, 0, 3, Byte, []byte{0x12, 0x34})
	if st := handler.WriteItem(it); st != StatusOK {
		t.Fatalf("WriteItem: expected success, got %v", st)
	}
	mem, _ := handler.Bytes(AreaTimer, 0, 6, 2)
	if !bytes.Equal(mem, []byte{0x12, 0x34}) {
		t.Errorf("T3: expected 12 34, got % x", mem)
	}

	rd, _ := Encode(AreaCounter, 0, 4, 1, Byte)
	if _, st := handler.ReadItem(rd); st != StatusAddressOutOfRange {
		t.Errorf("C4 of 4: expected address out of range, got %v", st)
	}
}

func TestMemoryHandler_SZL(t *testing.T) {
	handler := NewMemoryHandler(4)
	handler.SetMode(CPUStop)

	payload, st := handler.SZL(SZLOperatingState, 0)
	if st != StatusOK {
		t.Fatalf("SZL 0x0424: %v", st)
	}
	if mode := modeFromSZL(ParseSZL(SZLOperatingState, 0, payload)); mode != CPUStop {
		t.Errorf("mode: expected STOP, got %v", mode)
	}

	dir, _ := handler.SZL(SZLDirectory, 0)
	rec := ParseSZL(SZLDirectory, 0, dir)
	if rec.ElementCount != 2 || U16(rec.Element(0)) != SZLModuleID || U16(rec.Element(1)) != SZLOperatingState {
		t.Errorf("directory: unexpected % x", rec.Records())
	}

	if _, st := handler.SZL(0x0F99, 0); st != StatusObjectNotFound {
		t.Errorf("unknown list: expected object not found, got %v", st)
	}
}

func TestServer_HandlePDU_Errors(t *testing.T) {
	srv := NewServer(NewMemoryHandler(16), WithServerLogger(testLogger()))
	ctx := context.Background()

	req := newJob([]byte{0x1F}, nil)
	req.Header.Ref = 77
	raw, err := srv.HandlePDU(ctx, req.Encode())
	if err != nil {
		t.Fatalf("HandlePDU failed: %v", err)
	}
	var resp PDU
	if err := resp.Decode(raw); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if resp.Header.Ref != 77 {
		t.Errorf("Ref: expected 77, got %d", resp.Header.Ref)
	}
	if !errors.Is(resp.Err(), &ProtocolError{Class: 0x81, Code: 0x04}) {
		t.Errorf("unknown function: expected 81/04, got %v", resp.Err())
	}

	if _, err := srv.HandlePDU(ctx, []byte{0x01, 0x02}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("garbage: expected ErrInvalidResponse, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := srv.HandlePDU(cancelled, req.Encode()); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: expected context.Canceled, got %v", err)
	}
}

func TestServer_ResponseTooLarge(t *testing.T) {
	srv := NewServer(NewMemoryHandler(512), WithServerLogger(testLogger()))
	ctx := context.Background()

	setup := newJob(buildSetupComm(MinPDUSize), nil)
	if _, err := srv.HandlePDU(ctx, setup.Encode()); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// a well-formed request whose answer cannot fit the negotiated PDU
	items := []RequestItem{{Area: AreaFlags, Start: 0, Length: 300}}
	raw, err := srv.HandlePDU(ctx, newJob(buildReadParams(items), nil).Encode())
	if err != nil {
		t.Fatalf("HandlePDU failed: %v", err)
	}
	var resp PDU
	resp.Decode(raw)
	if !errors.Is(resp.Err(), &ProtocolError{Class: 0x85, Code: 0x00}) {
		t.Errorf("expected 85/00, got %v", resp.Err())
	}
}

func startTestServer(t *testing.T, h Handler, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithServerLogger(testLogger())}, opts...)
	srv := NewServer(h, opts...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve(listener)
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(time.Second)
	for srv.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return srv
}

func dialISO(t *testing.T, srv *Server, opts ...Option) *Interface {
	t.Helper()
	ctx := context.Background()

	tr, err := DialTCP(ctx, srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialTCP failed: %v", err)
	}
	opts = append([]Option{WithTimeout(time.Second), WithLogger(testLogger())}, opts...)
	ifc, err := NewInterface("iso", tr, opts...)
	if err != nil {
		t.Fatalf("NewInterface failed: %v", err)
	}
	t.Cleanup(func() { ifc.Close() })

	if err := ifc.InitAdapter(ctx); err != nil {
		t.Fatalf("InitAdapter failed: %v", err)
	}
	return ifc
}

func TestServer_ISOTCP(t *testing.T) {
	h := NewMemoryHandler(64)
	h.AddDB(1, 100)
	srv := startTestServer(t, h)
	ifc := dialISO(t, srv)
	ctx := context.Background()

	conn, err := ifc.NewConnection(0, 0, 2)
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn.MaxPDULen() != DefaultPDUSize {
		t.Errorf("MaxPDULen: expected %d, got %d", DefaultPDUSize, conn.MaxPDULen())
	}

	if err := conn.WriteBytes(ctx, AreaDB, 1, 10, []byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("WriteBytes failed: %v", err)
	}
	data, err := conn.ReadBytes(ctx, AreaDB, 1, 10, 5)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("ReadBytes: expected 01..05, got % x", data)
	}

	info, err := conn.CPUInfo(ctx)
	if err != nil {
		t.Fatalf("CPUInfo failed: %v", err)
	}
	if info.Mode != CPURun || info.Firmware != "V3.2.6" {
		t.Errorf("CPUInfo: unexpected %+v", info)
	}

	second, _ := ifc.NewConnection(0, 0, 2)
	if err := second.Connect(ctx); !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("second session: expected ErrConnectionRefused, got %v", err)
	}

	partners, err := ifc.ListReachablePartners(ctx)
	if err != nil || len(partners) != 0 {
		t.Errorf("ListReachablePartners: expected none, got %v (%v)", partners, err)
	}
	if srv.ActiveConnections() != 1 {
		t.Errorf("ActiveConnections: expected 1, got %d", srv.ActiveConnections())
	}
}

func TestServer_ISOTCP_WrongSlot(t *testing.T) {
	srv := startTestServer(t, NewMemoryHandler(16), WithServerRackSlot(0, 2))
	ifc := dialISO(t, srv)

	conn, _ := ifc.NewConnection(0, 0, 3)
	err := conn.Connect(context.Background())
	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("expected ErrConnectionRefused, got %v", err)
	}
	if conn.State() != StateCreated {
		t.Errorf("State: expected created after refusal, got %v", conn.State())
	}
}

func TestServer_ISOTCP243(t *testing.T) {
	srv := startTestServer(t, NewMemoryHandler(16), WithServerRackSlot(0, 1))
	ifc := dialISO(t, srv, WithProtocol(ProtoISOTCP243))

	conn, _ := ifc.NewConnection(0, 0, 0)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := conn.SetBit(context.Background(), AreaFlags, 0, 0, 0); err != nil {
		t.Errorf("SetBit failed: %v", err)
	}
}

func TestServer_PPI(t *testing.T) {
	h := NewMemoryHandler(16)
	h.SetBytes(AreaV, 0, 4, []byte{0xCA, 0xFE})
	srv := NewServer(h, WithServerStation(2), WithServerLogger(testLogger()))

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServePPI(ctx, server) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("ServePPI: %v", err)
		}
	}()

	ifc, err := NewInterface("ppi", NewConnTransport(client),
		WithProtocol(ProtoPPI),
		WithTimeout(time.Second),
		WithPartnerTimeout(5*time.Millisecond),
		WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewInterface failed: %v", err)
	}
	defer ifc.Close()
	if err := ifc.InitAdapter(ctx); err != nil {
		t.Fatalf("InitAdapter failed: %v", err)
	}

	partners, err := ifc.ListReachablePartners(ctx)
	if err != nil {
		t.Fatalf("ListReachablePartners failed: %v", err)
	}
	if len(partners) != 1 || partners[0] != 2 {
		t.Errorf("partners: expected [2], got %v", partners)
	}

	conn, _ := ifc.NewConnection(2, 0, 0)
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn.MaxPDULen() != MinPDUSize {
		t.Errorf("MaxPDULen: expected %d, got %d", MinPDUSize, conn.MaxPDULen())
	}

	data, err := conn.ReadBytes(ctx, AreaV, 0, 4, 2)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0xCA, 0xFE}) {
		t.Errorf("VB4: expected ca fe, got % x", data)
	}
	if err := conn.WriteBits(ctx, AreaV, 0, 0, []bool{true, false, true}); err != nil {
		t.Fatalf("WriteBits failed: %v", err)
	}
	if mem, _ := h.Bytes(AreaV, 0, 0, 1); mem[0] != 0x05 {
		t.Errorf("VB0: expected 0x05, got 0x%02X", mem[0])
	}
}

func TestPPIFrames(t *testing.T) {
	short := PPIShortFrame(2, 0, ppiFCPoll)
	want := []byte{0x10, 0x02, 0x00, 0x5C, 0x5E, 0x16}
	if !bytes.Equal(short, want) {
		t.Errorf("PPIShortFrame: expected % x, got % x", want, short)
	}

	data := PPIDataFrame(2, 0, ppiFCRequest, []byte{0x32, 0x01})
	want = []byte{0x68, 0x05, 0x05, 0x68, 0x02, 0x00, 0x6C, 0x32, 0x01, 0xA1, 0x16}
	if !bytes.Equal(data, want) {
		t.Errorf("PPIDataFrame: expected % x, got % x", want, data)
	}
}

func TestServerClose(t *testing.T) {
	srv := startTestServer(t, NewMemoryHandler(16))
	if err := srv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
