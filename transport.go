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
	"io"
	"net"
	"strconv"
	"time"

	"github.com/edgeo-scada/s7/internal/transport"
)

// Transport is the byte exchange an Interface runs its link protocol on.
// It is assumed half duplex; the Interface never issues concurrent calls.
type Transport interface {
	Send(data []byte) error
	ReceiveExact(n int, timeout time.Duration) ([]byte, error)
	Close() error
}

// SerialConfig describes a serial line for OpenSerial.
type SerialConfig struct {
	Address  string // device path, e.g. /dev/ttyUSB0
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
}

// DialTCP opens an ISO-on-TCP transport. A missing port defaults to 102.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (Transport, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}
	t, err := transport.Dial(ctx, address, timeout)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return t, nil
}

// OpenSerial opens a serial transport. PPI lines commonly run 9600 8E1.
func OpenSerial(cfg SerialConfig) (Transport, error) {
	t, err := transport.OpenSerial(transport.SerialConfig{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	})
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	return t, nil
}

// OpenSerialStream opens a serial line as a blocking byte stream, as
// Server.ServePPI expects.
func OpenSerialStream(cfg SerialConfig) (io.ReadWriteCloser, error) {
	t, err := transport.OpenSerial(transport.SerialConfig{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	})
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	return t.Stream(), nil
}

// NewConnTransport wraps an established stream connection.
func NewConnTransport(conn net.Conn) Transport {
	return transport.NewConn(conn)
}
