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
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSimConnection connects a user transport interface to an in-process
// simulator serving h.
func newSimConnection(t *testing.T, h Handler, opts ...ConnOption) (*Connection, *Server) {
	t.Helper()
	srv := NewServer(h, WithServerLogger(testLogger()))
	return newServerConnection(t, srv, opts...), srv
}

func newServerConnection(t *testing.T, srv *Server, opts ...ConnOption) *Connection {
	t.Helper()
	ctx := context.Background()

	ifc, err := NewInterface("sim", nil,
		WithProtocol(ProtoUserTransport),
		WithExchanger(srv.HandlePDU),
		WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewInterface failed: %v", err)
	}
	t.Cleanup(func() { ifc.Close() })

	if err := ifc.InitAdapter(ctx); err != nil {
		t.Fatalf("InitAdapter failed: %v", err)
	}
	conn, err := ifc.NewConnection(DefaultStation, DefaultRack, DefaultSlot, opts...)
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return conn
}

func TestConnection_Lifecycle(t *testing.T) {
	srv := NewServer(NewMemoryHandler(16), WithServerLogger(testLogger()))
	ifc, err := NewInterface("sim", nil, WithProtocol(ProtoUserTransport), WithExchanger(srv.HandlePDU),
		WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewInterface failed: %v", err)
	}
	defer ifc.Close()
	ctx := context.Background()

	conn, err := ifc.NewConnection(2, 0, 2)
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	if conn.State() != StateCreated {
		t.Errorf("State: expected created, got %v", conn.State())
	}
	if err := conn.Connect(ctx); !errors.Is(err, ErrAdapterNotReady) {
		t.Errorf("Connect before InitAdapter: expected ErrAdapterNotReady, got %v", err)
	}
	if _, err := conn.NewBatch(ModeRead); !errors.Is(err, ErrNotConnected) {
		t.Errorf("NewBatch before Connect: expected ErrNotConnected, got %v", err)
	}

	if err := ifc.InitAdapter(ctx); err != nil {
		t.Fatalf("InitAdapter failed: %v", err)
	}
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !conn.IsConnected() || conn.MaxPDULen() != DefaultPDUSize {
		t.Errorf("after Connect: connected=%v pdu=%d", conn.IsConnected(), conn.MaxPDULen())
	}

	err = conn.Connect(ctx)
	var stateErr *ConnectionStateError
	if !errors.As(err, &stateErr) || !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect: expected ErrAlreadyConnected, got %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("second Disconnect: expected nil, got %v", err)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State: expected disconnected, got %v", conn.State())
	}
	if err := conn.Connect(ctx); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Connect after Disconnect: expected ErrDisconnected, got %v", err)
	}
	if _, err := conn.ReadBytes(ctx, AreaFlags, 0, 0, 1); !errors.Is(err, ErrDisconnected) {
		t.Errorf("ReadBytes after Disconnect: expected ErrDisconnected, got %v", err)
	}
	if got := ifc.Metrics().ActiveConns.Value(); got != 0 {
		t.Errorf("ActiveConns: expected 0, got %d", got)
	}
}

func TestConnection_NegotiatesSmallerPDU(t *testing.T) {
	srv := NewServer(NewMemoryHandler(16), WithServerPDUSize(480), WithServerLogger(testLogger()))
	conn := newServerConnection(t, srv)
	if conn.MaxPDULen() != 480 {
		t.Errorf("MaxPDULen: expected 480, got %d", conn.MaxPDULen())
	}

	conn = newServerConnection(t, srv, WithPDUSize(MinPDUSize))
	if conn.MaxPDULen() != MinPDUSize {
		t.Errorf("MaxPDULen: expected %d, got %d", MinPDUSize, conn.MaxPDULen())
	}
}

func TestInterface_Validation(t *testing.T) {
	if _, err := NewInterface("u", nil, WithProtocol(ProtoUserTransport)); err == nil {
		t.Error("user transport without exchanger: expected error")
	}
	if _, err := NewInterface("iso", nil); err == nil {
		t.Error("ISO-on-TCP without transport: expected error")
	}
	if _, err := NewInterface("t", nil, WithProtocol(ProtoUserTransport), WithExchanger(nil), WithTimeout(0)); err == nil {
		t.Error("zero timeout: expected error")
	}

	ifc, err := NewInterface("mpi", nil, WithProtocol(ProtoMPI), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewInterface failed: %v", err)
	}
	if err := ifc.InitAdapter(context.Background()); !errors.Is(err, ErrProtocolNotImplemented) {
		t.Errorf("MPI InitAdapter: expected ErrProtocolNotImplemented, got %v", err)
	}
	if _, err := ifc.NewConnection(200, 0, 2); err == nil {
		t.Error("station 200: expected error")
	}
	if _, err := ifc.NewConnection(2, 0, 2, WithPDUSize(100)); err == nil {
		t.Error("PDU size 100: expected error")
	}
	if _, err := ifc.ListReachablePartners(context.Background()); !errors.Is(err, ErrAdapterNotReady) {
		t.Errorf("ListReachablePartners: expected ErrAdapterNotReady, got %v", err)
	}
}

func TestInterface_CloseDisconnects(t *testing.T) {
	conn, _ := newSimConnection(t, NewMemoryHandler(16))
	ifc := conn.Interface()
	if err := ifc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State: expected disconnected, got %v", conn.State())
	}
	if _, err := ifc.NewConnection(2, 0, 2); !errors.Is(err, ErrInterfaceClosed) {
		t.Errorf("NewConnection after Close: expected ErrInterfaceClosed, got %v", err)
	}
	if err := ifc.InitAdapter(context.Background()); !errors.Is(err, ErrInterfaceClosed) {
		t.Errorf("InitAdapter after Close: expected ErrInterfaceClosed, got %v", err)
	}
}

func TestInterface_UserPartnersEmpty(t *testing.T) {
	conn, _ := newSimConnection(t, NewMemoryHandler(16))
	partners, err := conn.Interface().ListReachablePartners(context.Background())
	if err != nil {
		t.Fatalf("ListReachablePartners failed: %v", err)
	}
	if len(partners) != 0 {
		t.Errorf("expected no partners, got %v", partners)
	}
}

func TestConnection_BusWaitHonoursContext(t *testing.T) {
	conn, _ := newSimConnection(t, NewMemoryHandler(16))
	ifc := conn.Interface()
	if err := ifc.acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := conn.ReadBytes(ctx, AreaFlags, 0, 0, 1)
	ifc.release()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if !conn.IsConnected() {
		t.Error("waiting for the bus should not break the connection")
	}
}

func TestConnection_TimeoutBreaks(t *testing.T) {
	srv := NewServer(NewMemoryHandler(16), WithServerLogger(testLogger()))
	var fail atomic.Bool
	exchange := func(ctx context.Context, pdu []byte) ([]byte, error) {
		if fail.Load() {
			return nil, os.ErrDeadlineExceeded
		}
		return srv.HandlePDU(ctx, pdu)
	}

	ifc, err := NewInterface("sim", nil, WithProtocol(ProtoUserTransport), WithExchanger(exchange),
		WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewInterface failed: %v", err)
	}
	defer ifc.Close()
	ctx := context.Background()
	ifc.InitAdapter(ctx)
	conn, _ := ifc.NewConnection(2, 0, 2)
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fail.Store(true)
	_, err = conn.ReadBytes(ctx, AreaFlags, 0, 0, 2)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if conn.IsConnected() {
		t.Error("timeout should mark the connection broken")
	}

	fail.Store(false)
	if _, err := conn.ReadBytes(ctx, AreaFlags, 0, 0, 2); !errors.Is(err, ErrConnectionBroken) {
		t.Errorf("expected ErrConnectionBroken, got %v", err)
	}
	if got := ifc.Metrics().RequestsErrors.Value(); got != 1 {
		t.Errorf("RequestsErrors: expected 1, got %d", got)
	}
}

func TestBatch_Rules(t *testing.T) {
	conn, _ := newSimConnection(t, NewMemoryHandler(64), WithPDUSize(MinPDUSize))
	ctx := context.Background()

	b, err := conn.NewBatch(ModeRead)
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	if _, err := conn.Execute(ctx, b); !errors.Is(err, ErrBatchEmpty) {
		t.Errorf("empty batch: expected ErrBatchEmpty, got %v", err)
	}

	b, _ = conn.NewBatch(ModeRead)
	w, _ := EncodeWrite(AreaFlags, 0, 0, Byte, []byte{1})
	if err := b.AddItem(w); !errors.Is(err, ErrBatchMode) {
		t.Errorf("write item in read batch: expected ErrBatchMode, got %v", err)
	}

	err = b.Add(AreaFlags, 0, 0, 230)
	var tooLarge *BatchTooLargeError
	if !errors.As(err, &tooLarge) || !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("oversized read: expected BatchTooLargeError, got %v", err)
	}
	if tooLarge.ResponseSize != 12+2+4+230 || tooLarge.PDUSize != MinPDUSize {
		t.Errorf("BatchTooLargeError: unexpected %+v", tooLarge)
	}
	if b.Len() != 0 {
		t.Errorf("rejected item should leave the batch unchanged, got %d items", b.Len())
	}

	if err := b.Add(AreaFlags, 0, 0, 4); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	req, resp := b.Sizes()
	if req != 10+2+12 || resp != 12+2+4+4 {
		t.Errorf("Sizes: expected 24/22, got %d/%d", req, resp)
	}
	if _, err := conn.Execute(ctx, b); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := b.Add(AreaFlags, 0, 4, 1); !errors.Is(err, ErrBatchSealed) {
		t.Errorf("Add after Execute: expected ErrBatchSealed, got %v", err)
	}
	if _, err := conn.Execute(ctx, b); err != nil {
		t.Errorf("re-Execute: expected success, got %v", err)
	}

	other, err := conn.Interface().NewConnection(3, 0, 2)
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	if err := other.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := other.Execute(ctx, b); !errors.Is(err, ErrForeignBatch) {
		t.Errorf("foreign batch: expected ErrForeignBatch, got %v", err)
	}
}

func TestBatch_MaxItems(t *testing.T) {
	srv := NewServer(NewMemoryHandler(64), WithServerPDUSize(0xFFFF), WithServerLogger(testLogger()))
	conn := newServerConnection(t, srv, WithPDUSize(0xFFFF))

	b, _ := conn.NewBatch(ModeRead)
	for i := 0; i < MaxItems; i++ {
		if err := b.AddBits(AreaFlags, 0, i%64*8, 1); err != nil {
			t.Fatalf("AddBits %d failed: %v", i, err)
		}
	}
	err := b.AddBits(AreaFlags, 0, 0, 1)
	var tooLarge *BatchTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.Items != MaxItems+1 {
		t.Errorf("item %d: expected BatchTooLargeError, got %v", MaxItems+1, err)
	}

	rs, err := conn.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rs.Len() != MaxItems {
		t.Errorf("results: expected %d, got %d", MaxItems, rs.Len())
	}
}

func TestExecute_MixedRead(t *testing.T) {
	h := NewMemoryHandler(64)
	h.AddDB(6, 64)
	h.SetBytes(AreaInputs, 0, 0, []byte{0x5A})
	h.SetBytes(AreaFlags, 0, 0, []byte{0x00, 0x64, 0xFF, 0x9C})
	h.SetBytes(AreaDB, 6, 20, []byte{0x12, 0x34})

	conn, _ := newSimConnection(t, h)
	b, _ := conn.NewBatch(ModeRead)
	b.Add(AreaInputs, 0, 0, 1)
	b.Add(AreaFlags, 0, 0, 4)
	b.Add(AreaDB, 6, 20, 2)

	rs, err := conn.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rs.Len() != 3 {
		t.Fatalf("Len: expected 3, got %d", rs.Len())
	}

	if err := rs.Select(0); err != nil {
		t.Fatalf("Select(0) failed: %v", err)
	}
	if v, _ := rs.GetU8(); v != 0x5A {
		t.Errorf("inputs: expected 0x5A, got 0x%02X", v)
	}

	rs.Select(1)
	first, _ := rs.GetS16()
	second, _ := rs.GetS16()
	if first != 100 || second != -100 {
		t.Errorf("flags: expected 100/-100, got %d/%d", first, second)
	}
	if _, err := rs.GetU8(); !errors.Is(err, ErrBufferExhausted) {
		t.Errorf("flags past end: expected ErrBufferExhausted, got %v", err)
	}

	rs.Select(2)
	if v, _ := rs.GetU16(); v != 0x1234 {
		t.Errorf("DB6.DBW20: expected 0x1234, got 0x%04X", v)
	}
	if err := rs.Select(3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Select(3): expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestExecute_ItemFailure(t *testing.T) {
	conn, _ := newSimConnection(t, NewMemoryHandler(16))
	b, _ := conn.NewBatch(ModeRead)
	b.Add(AreaFlags, 0, 0, 2)
	b.Add(AreaDB, 99, 0, 2)
	b.Add(AreaFlags, 0, 15, 2)

	rs, err := conn.Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := rs.Err(0); err != nil {
		t.Errorf("item 0: expected success, got %v", err)
	}
	if !IsItemStatus(rs.Err(1), StatusObjectNotFound) {
		t.Errorf("item 1: expected object not found, got %v", rs.Err(1))
	}
	if !IsItemStatus(rs.Err(2), StatusAddressOutOfRange) {
		t.Errorf("item 2: expected address out of range, got %v", rs.Err(2))
	}
	if got := conn.Interface().Metrics().ItemErrors.Value(); got != 2 {
		t.Errorf("ItemErrors: expected 2, got %d", got)
	}
	if !conn.IsConnected() {
		t.Error("item failures should not break the connection")
	}
}

func TestExecute_WriteReadBack(t *testing.T) {
	h := NewMemoryHandler(64)
	conn, _ := newSimConnection(t, h)
	ctx := context.Background()

	values := []int32{1, -1, 100000, -2147483648}
	payload := make([]byte, 0, 16)
	for _, v := range values {
		w := ToWire32(v)
		payload = append(payload, w[:]...)
	}

	wb, _ := conn.NewBatch(ModeWrite)
	if err := wb.AddWrite(AreaFlags, 0, 0, payload); err != nil {
		t.Fatalf("AddWrite failed: %v", err)
	}
	rs, err := conn.Execute(ctx, wb)
	if err != nil {
		t.Fatalf("write Execute failed: %v", err)
	}
	if rs.Mode() != ModeWrite || rs.Err(0) != nil {
		t.Errorf("write result: mode %v err %v", rs.Mode(), rs.Err(0))
	}

	rb, _ := conn.NewBatch(ModeRead)
	rb.Add(AreaFlags, 0, 0, 16)
	rs, err = conn.Execute(ctx, rb)
	if err != nil {
		t.Fatalf("read Execute failed: %v", err)
	}
	rs.Select(0)
	for i, want := range values {
		got, err := rs.GetS32()
		if err != nil {
			t.Fatalf("GetS32 %d failed: %v", i, err)
		}
		if got != want {
			t.Errorf("value %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestExecute_Bits(t *testing.T) {
	h := NewMemoryHandler(16)
	conn, _ := newSimConnection(t, h)
	ctx := context.Background()

	start, _ := BitAddress(3, 1)
	wb, _ := conn.NewBatch(ModeWrite)
	if err := wb.AddWriteBits(AreaFlags, 0, start, []byte{1}); err != nil {
		t.Fatalf("AddWriteBits failed: %v", err)
	}
	if _, err := conn.Execute(ctx, wb); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if mem, _ := h.Bytes(AreaFlags, 0, 3, 1); mem[0] != 0x02 {
		t.Errorf("M3: expected 0x02, got 0x%02X", mem[0])
	}

	bits, err := conn.ReadBits(ctx, AreaFlags, 0, 24, 3)
	if err != nil {
		t.Fatalf("ReadBits failed: %v", err)
	}
	if bits[0] || !bits[1] || bits[2] {
		t.Errorf("M3.0..2: expected false/true/false, got %v", bits)
	}

	if err := conn.SetBit(ctx, AreaFlags, 0, 3, 7); err != nil {
		t.Fatalf("SetBit failed: %v", err)
	}
	if err := conn.ClearBit(ctx, AreaFlags, 0, 3, 1); err != nil {
		t.Fatalf("ClearBit failed: %v", err)
	}
	if mem, _ := h.Bytes(AreaFlags, 0, 3, 1); mem[0] != 0x80 {
		t.Errorf("M3: expected 0x80, got 0x%02X", mem[0])
	}
}

func TestExecute_TimersCounters(t *testing.T) {
	h := NewMemoryHandler(16)
	conn, _ := newSimConnection(t, h)
	ctx := context.Background()

	c := EncodeCounterBCD(42)
	tm := EncodeTimerSeconds(2.5)
	if err := conn.WriteBytes(ctx, AreaCounter, 0, 2, c[:]); err != nil {
		t.Fatalf("WriteBytes counter failed: %v", err)
	}
	if err := conn.WriteBytes(ctx, AreaTimer, 0, 5, tm[:]); err != nil {
		t.Fatalf("WriteBytes timer failed: %v", err)
	}

	b, _ := conn.NewBatch(ModeRead)
	b.Add(AreaCounter, 0, 2, 1)
	b.Add(AreaTimer, 0, 5, 1)
	rs, err := conn.Execute(ctx, b)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	rs.Select(0)
	if v, err := rs.GetCounterValue(); err != nil || v != 42 {
		t.Errorf("C2: expected 42, got %d (%v)", v, err)
	}
	rs.Select(1)
	if v, err := rs.GetSeconds(); err != nil || v != 2.5 {
		t.Errorf("T5: expected 2.5, got %v (%v)", v, err)
	}
}

func TestReadWriteArea_Chunks(t *testing.T) {
	h := NewMemoryHandler(16)
	h.AddDB(10, 2000)
	conn, _ := newSimConnection(t, h, WithPDUSize(MinPDUSize))
	ctx := context.Background()

	if conn.ReadChunk() != 222 || conn.WriteChunk() != 212 {
		t.Errorf("chunks: expected 222/212, got %d/%d", conn.ReadChunk(), conn.WriteChunk())
	}

	data := make([]byte, 1500)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := conn.WriteArea(ctx, AreaDB, 10, 100, data); err != nil {
		t.Fatalf("WriteArea failed: %v", err)
	}
	got, err := conn.ReadArea(ctx, AreaDB, 10, 100, len(data))
	if err != nil {
		t.Fatalf("ReadArea failed: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d: expected 0x%02X, got 0x%02X", i, data[i], got[i])
		}
	}

	writes := conn.Interface().Metrics().ForService(ServiceWrite).Requests.Value()
	if writes != 8 {
		t.Errorf("write exchanges: expected 8, got %d", writes)
	}
}

func TestControl(t *testing.T) {
	h := NewMemoryHandler(16)
	conn, _ := newSimConnection(t, h)
	ctx := context.Background()

	info, err := conn.CPUInfo(ctx)
	if err != nil {
		t.Fatalf("CPUInfo failed: %v", err)
	}
	if info.OrderNumber != "6ES7 315-2EH14-0AB0" || info.Firmware != "V3.2.6" || info.Mode != CPURun {
		t.Errorf("CPUInfo: unexpected %+v", info)
	}

	if err := conn.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if mode, _ := conn.OperatingMode(ctx); mode != CPUStop {
		t.Errorf("mode after Stop: expected STOP, got %v", mode)
	}
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.Mode() != CPURun {
		t.Errorf("mode after Start: expected RUN, got %v", h.Mode())
	}
}

func TestConnection_PeerCloseBreaks(t *testing.T) {
	h := NewMemoryHandler(16)
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
	if _, err := conn.ReadBytes(ctx, AreaFlags, 0, 0, 2); err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}

	srv.Close()

	_, err = conn.ReadBytes(ctx, AreaFlags, 0, 0, 2)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("after peer close: expected TransportError, got %v", err)
	}
	if IsTimeout(err) {
		t.Errorf("after peer close: expected a non-timeout failure, got %v", err)
	}
	if conn.IsConnected() {
		t.Error("a closed peer should mark the connection broken")
	}
	if _, err := conn.ReadBytes(ctx, AreaFlags, 0, 0, 2); !errors.Is(err, ErrConnectionBroken) {
		t.Errorf("second read: expected ErrConnectionBroken, got %v", err)
	}
}

func TestConnection_TransportErrorBreaks(t *testing.T) {
	srv := NewServer(NewMemoryHandler(16), WithServerLogger(testLogger()))
	var fail atomic.Bool
	exchange := func(ctx context.Context, pdu []byte) ([]byte, error) {
		if fail.Load() {
			return nil, io.ErrUnexpectedEOF
		}
		return srv.HandlePDU(ctx, pdu)
	}

	ifc, err := NewInterface("sim", nil, WithProtocol(ProtoUserTransport), WithExchanger(exchange),
		WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("NewInterface failed: %v", err)
	}
	defer ifc.Close()
	ctx := context.Background()
	ifc.InitAdapter(ctx)
	conn, _ := ifc.NewConnection(2, 0, 2)
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fail.Store(true)
	if _, err := conn.ReadBytes(ctx, AreaFlags, 0, 0, 2); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if conn.IsConnected() {
		t.Error("a transport failure should mark the connection broken")
	}
}

func TestExecute_FailedStartLeavesBatchOpen(t *testing.T) {
	conn, _ := newSimConnection(t, NewMemoryHandler(16))
	ctx := context.Background()

	b, err := conn.NewBatch(ModeRead)
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	if _, err := conn.Execute(ctx, b); !errors.Is(err, ErrBatchEmpty) {
		t.Errorf("empty batch: expected ErrBatchEmpty, got %v", err)
	}
	if err := b.Add(AreaFlags, 0, 0, 1); err != nil {
		t.Fatalf("Add after empty Execute: expected nil, got %v", err)
	}

	ifc := conn.Interface()
	if err := ifc.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = conn.Execute(waitCtx, b)
	cancel()
	ifc.release()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("busy bus: expected context.DeadlineExceeded, got %v", err)
	}
	if err := b.Add(AreaFlags, 0, 1, 1); err != nil {
		t.Errorf("Add after bus wait failure: expected nil, got %v", err)
	}

	if _, err := conn.Execute(ctx, b); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if err := b.Add(AreaFlags, 0, 2, 1); !errors.Is(err, ErrBatchSealed) {
		t.Errorf("Add after Execute: expected ErrBatchSealed, got %v", err)
	}
}
