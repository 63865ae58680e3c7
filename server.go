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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server simulates an S7 controller on top of a Handler. It speaks
// ISO-on-TCP through Serve and PPI through ServePPI, and answers raw PDUs
// through HandlePDU.
type Server struct {
	handler Handler
	opts    *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics

	userMu   sync.Mutex
	userSess *simSession
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	ActiveConns     Counter
	TotalConns      Counter
}

// simSession is the per-link state of a simulated controller.
type simSession struct {
	pduLen     int
	szlPending []byte
	szlSeq     byte
}

// NewServer creates a new simulator.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Server{
		handler:  handler,
		opts:     options,
		conns:    make(map[net.Conn]struct{}),
		metrics:  &ServerMetrics{},
		userSess: &simSession{},
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeContext starts the server and closes it when ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.Serve(listener)
}

// Serve accepts ISO-on-TCP connections on listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close shuts down the server gracefully.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		s.wg.Done()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	s.opts.logger.Debug("connection accepted", slog.String("remote", remote))

	sess := &simSession{}
	var pending []byte
	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}
		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		tpdu, err := readTPKT(conn)
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&s.closed) == 0 {
				s.opts.logger.Debug("read error", slog.String("remote", remote), slog.String("error", err.Error()))
			}
			return
		}

		var reply []byte
		switch tpdu[1] & 0xF0 {
		case cotpCR:
			reply = s.connectConfirm(tpdu)
		case cotpDT:
			pending = append(pending, tpdu[int(tpdu[0])+1:]...)
			if tpdu[2]&cotpEOT == 0 {
				continue
			}
			resp := s.process(sess, pending)
			pending = nil
			if resp == nil {
				continue
			}
			reply = tpkt(append([]byte{0x02, cotpDT, cotpEOT}, resp...))
		case cotpDR:
			return
		default:
			s.opts.logger.Debug("unexpected TPDU", slog.String("remote", remote), slog.Int("type", int(tpdu[1])))
			continue
		}

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}
		if _, err := conn.Write(reply); err != nil {
			s.opts.logger.Debug("write error", slog.String("remote", remote), slog.String("error", err.Error()))
			return
		}
	}
}

// readTPKT reads one TPKT and returns its COTP part.
func readTPKT(r io.Reader) ([]byte, error) {
	hdr := make([]byte, tpktHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[2:4]))
	if hdr[0] != tpktVersion || n < tpktHeaderSize+3 {
		return nil, fmt.Errorf("%w: TPKT header % x", ErrInvalidResponse, hdr)
	}
	body := make([]byte, n-tpktHeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if int(body[0])+1 > len(body) {
		return nil, fmt.Errorf("%w: COTP length %d", ErrInvalidResponse, body[0])
	}
	return body, nil
}

// connectConfirm answers a COTP connection request. Requests for another
// rack/slot are refused with a disconnect.
func (s *Server) connectConfirm(cr []byte) []byte {
	var remote uint16
	for p := 7; p+2 <= int(cr[0])+1 && p+2 <= len(cr); {
		code, n := cr[p], int(cr[p+1])
		if code == 0xC2 && n == 2 && p+4 <= len(cr) {
			remote = binary.BigEndian.Uint16(cr[p+2 : p+4])
		}
		p += 2 + n
	}

	if remote != tsap243 && remote>>8 >= 0x01 && remote>>8 <= 0x03 {
		rack, slot := int(remote&0xFF)>>5, int(remote&0x1F)
		if rack != s.opts.rack || slot != s.opts.slot {
			s.opts.logger.Debug("refusing connection", slog.Int("rack", rack), slog.Int("slot", slot))
			return tpkt([]byte{6, cotpDR, cr[4], cr[5], 0x00, 0x01, 0x01})
		}
	}

	cc := append([]byte(nil), cr...)
	cc[1] = cotpCC
	cc[2], cc[3] = cr[4], cr[5]
	cc[4], cc[5] = 0x00, 0x01
	return tpkt(cc)
}

// HandlePDU answers one raw S7 PDU. Its signature matches PDUExchanger so
// a user transport Interface can talk to the simulator directly.
func (s *Server) HandlePDU(ctx context.Context, pdu []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.userMu.Lock()
	defer s.userMu.Unlock()

	resp := s.process(s.userSess, pdu)
	if resp == nil {
		return nil, fmt.Errorf("%w: request not understood", ErrInvalidResponse)
	}
	return resp, nil
}

// ServePPI answers PPI frames addressed to the configured station until
// rw fails or ctx is done. If rw is an io.Closer it is closed when ctx ends.
func (s *Server) ServePPI(ctx context.Context, rw io.ReadWriter) error {
	if c, ok := rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	station := s.opts.station
	sess := &simSession{pduLen: MinPDUSize}
	var (
		pending   []byte
		pendingTo byte
	)

	read := func(n int) ([]byte, error) {
		b := make([]byte, n)
		_, err := io.ReadFull(rw, b)
		return b, err
	}
	write := func(b []byte) error {
		_, err := rw.Write(b)
		return err
	}

	for {
		start, err := read(1)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}

		switch start[0] {
		case ppiSD1:
			f, err := read(5)
			if err != nil {
				return nil
			}
			da, sa, fc := f[0], f[1], f[2]
			if f[4] != ppiED || f[3] != PPIChecksum(f[:3]) || int(da) != station {
				continue
			}
			switch fc {
			case ppiFCStatus:
				err = write(PPIShortFrame(int(sa), station, ppiFCStatusOK))
			case ppiFCPoll:
				if pending != nil && pendingTo == sa {
					err = write(PPIDataFrame(int(sa), station, 0x08, pending))
					pending = nil
				} else {
					err = write([]byte{ppiSC})
				}
			}
			if err != nil {
				return nil
			}

		case ppiSD2:
			hdr, err := read(3)
			if err != nil {
				return nil
			}
			n := int(hdr[0])
			body, err := read(n + 2)
			if err != nil {
				return nil
			}
			if hdr[1] != hdr[0] || hdr[2] != ppiSD2 || n < 3 ||
				body[n+1] != ppiED || body[n] != PPIChecksum(body[:n]) || int(body[0]) != station {
				continue
			}
			pending = s.process(sess, body[3:n])
			pendingTo = body[1]
			if err := write([]byte{ppiSC}); err != nil {
				return nil
			}
		}
	}
}

// process answers one request PDU, or returns nil if it cannot be parsed.
func (s *Server) process(sess *simSession, raw []byte) []byte {
	s.metrics.RequestsTotal.Add(1)
	var req PDU
	if err := req.Decode(raw); err != nil {
		s.metrics.RequestsErrors.Add(1)
		s.opts.logger.Debug("bad request PDU", slog.String("error", err.Error()))
		return nil
	}
	if sess.pduLen == 0 {
		sess.pduLen = s.opts.pduSize
	}

	var resp *PDU
	switch req.Header.ROSCTR {
	case rosctrJob:
		resp = s.handleJob(sess, &req)
	case rosctrUserData:
		resp = s.handleUserData(sess, &req)
	default:
		s.metrics.RequestsErrors.Add(1)
		return nil
	}

	resp.Header.Ref = req.Header.Ref
	out := resp.Encode()
	if resp.Header.ErrClass != 0 {
		s.metrics.RequestsErrors.Add(1)
	} else {
		s.metrics.RequestsSuccess.Add(1)
	}
	return out
}

func ackData(param, data []byte) *PDU {
	return &PDU{Header: Header{ROSCTR: rosctrAckData}, Param: param, Data: data}
}

func ackError(class, code byte) *PDU {
	return &PDU{Header: Header{ROSCTR: rosctrAckData, ErrClass: class, ErrCode: code}}
}

func (s *Server) handleJob(sess *simSession, req *PDU) *PDU {
	if len(req.Param) == 0 {
		return ackError(0x84, 0x01)
	}

	switch req.Param[0] {
	case funcSetupComm:
		if len(req.Param) < 8 {
			return ackError(0x84, 0x01)
		}
		n := int(binary.BigEndian.Uint16(req.Param[6:8]))
		n = max(MinPDUSize, min(n, s.opts.pduSize))
		sess.pduLen = n
		return ackData(buildSetupComm(n), nil)
	case funcRead:
		return s.handleRead(sess, req)
	case funcWrite:
		return s.handleWrite(req)
	case funcStart:
		s.handler.SetMode(CPURun)
		s.opts.logger.Info("plc started")
		return ackData([]byte{funcStart}, nil)
	case funcStop:
		s.handler.SetMode(CPUStop)
		s.opts.logger.Info("plc stopped")
		return ackData([]byte{funcStop, 0x07}, nil)
	default:
		return ackError(0x81, 0x04)
	}
}

// decodeItemSpec turns a 12-byte S7ANY specification into a RequestItem.
func decodeItemSpec(spec []byte, mode Mode) (RequestItem, bool) {
	if spec[0] != 0x12 || spec[1] != 0x0A || spec[2] != 0x10 {
		return RequestItem{}, false
	}
	ts := spec[3]
	count := int(binary.BigEndian.Uint16(spec[4:6]))
	area := Area(spec[8])
	addr := int(spec[9])<<16 | int(spec[10])<<8 | int(spec[11])

	it := RequestItem{Mode: mode, Area: area, Length: count, Granularity: Byte}
	if area.IsBlock() {
		it.Block = int(binary.BigEndian.Uint16(spec[6:8]))
	}
	switch {
	case ts == tsBit:
		it.Granularity = Bit
		it.Start = addr
	case area.IsTimerCounter():
		it.Start = addr
	case ts == tsByte || ts == tsChar:
		it.Start = addr >> 3
	case ts == tsWord || ts == tsInt:
		it.Start, it.Length = addr>>3, count*2
	case ts == tsDWord || ts == tsDInt || ts == tsReal:
		it.Start, it.Length = addr>>3, count*4
	default:
		return RequestItem{}, false
	}
	return it, it.validate() == nil
}

func (s *Server) handleRead(sess *simSession, req *PDU) *PDU {
	p := req.Param
	if len(p) < 2 || len(p) < 2+readItemSpecSize*int(p[1]) {
		return ackError(0x84, 0x01)
	}
	n := int(p[1])

	var data []byte
	for i := 0; i < n; i++ {
		it, ok := decodeItemSpec(p[2+i*readItemSpecSize:2+(i+1)*readItemSpecSize], ModeRead)
		status := StatusAddressOutOfRange
		var value []byte
		if ok {
			value, status = s.handler.ReadItem(it)
		}
		if !status.OK() {
			data = append(data, byte(status), dtsNull, 0x00, 0x00)
			continue
		}

		ts := it.dataTransportSize()
		l := len(value)
		if ts == dtsByte {
			l *= 8
		}
		data = append(data, byte(StatusOK), ts, byte(l>>8), byte(l))
		data = append(data, value...)
		if len(value)%2 != 0 && i < n-1 {
			data = append(data, 0x00)
		}
	}

	if ResponseHeaderSize+2+len(data) > sess.pduLen {
		return ackError(0x85, 0x00)
	}
	return ackData([]byte{funcRead, byte(n)}, data)
}

func (s *Server) handleWrite(req *PDU) *PDU {
	p := req.Param
	if len(p) < 2 || len(p) < 2+readItemSpecSize*int(p[1]) {
		return ackError(0x84, 0x01)
	}
	n := int(p[1])

	statuses := make([]byte, n)
	off := 0
	d := req.Data
	for i := 0; i < n; i++ {
		it, ok := decodeItemSpec(p[2+i*readItemSpecSize:2+(i+1)*readItemSpecSize], ModeWrite)
		if off+itemHeaderSize > len(d) {
			statuses[i] = byte(StatusTypeInconsistent)
			continue
		}
		size := dataItemLen(d[off+1], int(binary.BigEndian.Uint16(d[off+2:off+4])))
		off += itemHeaderSize
		if off+size > len(d) {
			statuses[i] = byte(StatusTypeInconsistent)
			off = len(d)
			continue
		}
		it.Payload = d[off : off+size]
		off += size
		if size%2 != 0 && i < n-1 {
			off++
		}

		switch {
		case !ok:
			statuses[i] = byte(StatusAddressOutOfRange)
		case len(it.Payload) != it.DataLen():
			statuses[i] = byte(StatusTypeInconsistent)
		default:
			statuses[i] = byte(s.handler.WriteItem(it))
		}
	}
	return ackData([]byte{funcWrite, byte(n)}, statuses)
}

func szlResponseParam(seq, ref byte, more bool, errCode uint16) []byte {
	last := byte(0x00)
	if more {
		last = 0x01
	}
	return []byte{0x00, 0x01, 0x12, 0x08, 0x12, 0x84, 0x01, seq, ref, last, byte(errCode >> 8), byte(errCode)}
}

func (s *Server) handleUserData(sess *simSession, req *PDU) *PDU {
	p := req.Param
	resp := &PDU{Header: Header{ROSCTR: rosctrUserData}}
	if len(p) < 8 || p[5]&0x0F != 0x04 || p[6] != 0x01 {
		resp.Param = szlResponseParam(0, 0, false, 0x8104)
		resp.Data = []byte{0x0A, 0x00, 0x00, 0x00}
		return resp
	}

	var payload []byte
	if p[3] == 0x04 {
		if len(req.Data) < 8 {
			resp.Param = szlResponseParam(0, 0, false, 0)
			resp.Data = []byte{byte(StatusTypeInconsistent), 0x00, 0x00, 0x00}
			return resp
		}
		id := binary.BigEndian.Uint16(req.Data[4:6])
		index := binary.BigEndian.Uint16(req.Data[6:8])
		var status ItemStatus
		payload, status = s.handler.SZL(id, index)
		if !status.OK() {
			resp.Param = szlResponseParam(0, 0, false, 0)
			resp.Data = []byte{byte(status), 0x00, 0x00, 0x00}
			return resp
		}
		sess.szlSeq++
		sess.szlPending = nil
	} else {
		payload = sess.szlPending
		sess.szlPending = nil
	}

	chunk := sess.pduLen - RequestHeaderSize - 12 - 4
	more := len(payload) > chunk
	if more {
		sess.szlPending = payload[chunk:]
		payload = payload[:chunk]
	}
	resp.Param = szlResponseParam(sess.szlSeq, sess.szlSeq, more, 0)
	resp.Data = append([]byte{szlReturnOK, szlOctetData, byte(len(payload) >> 8), byte(len(payload))}, payload...)
	return resp
}

// timeNow is used for deadlines and can be overridden in tests.
var timeNow = time.Now
