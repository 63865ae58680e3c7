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
	"log/slog"
	"time"
)

// PDUExchanger sends one S7 PDU and returns the controller's response PDU.
// It backs the user transport protocol.
type PDUExchanger func(ctx context.Context, pdu []byte) ([]byte, error)

// Option is a functional option for configuring an Interface.
type Option func(*interfaceOptions)

type interfaceOptions struct {
	// Link settings
	protocol  Protocol
	speed     Speed
	localAddr int
	timeout   time.Duration

	// PPI partner probing
	partnerTimeout time.Duration

	// User transport
	exchanger PDUExchanger

	// Diagnostics
	logger  *slog.Logger
	debug   Debug
	metrics *Metrics
}

func defaultOptions() *interfaceOptions {
	return &interfaceOptions{
		protocol:     ProtoISOTCP,
		speed:        Speed187k,
		localAddr:    0,
		timeout:      DefaultTimeout,
		partnerTimeout: 20 * time.Millisecond,
		logger:       slog.Default(),
		debug:        DebugNone,
	}
}

// WithProtocol selects the link variant.
func WithProtocol(p Protocol) Option {
	return func(o *interfaceOptions) {
		o.protocol = p
	}
}

// WithSpeed sets the bus speed of MPI/PPI adapters.
func WithSpeed(s Speed) Option {
	return func(o *interfaceOptions) {
		o.speed = s
	}
}

// WithLocalAddress sets the station address of this end of the bus.
func WithLocalAddress(addr int) Option {
	return func(o *interfaceOptions) {
		o.localAddr = addr
	}
}

// WithTimeout sets the response timeout of every exchange.
func WithTimeout(d time.Duration) Option {
	return func(o *interfaceOptions) {
		o.timeout = d
	}
}

// WithPartnerTimeout sets how long ListReachablePartners waits for each bus address.
func WithPartnerTimeout(d time.Duration) Option {
	return func(o *interfaceOptions) {
		o.partnerTimeout = d
	}
}

// WithExchanger sets the PDU exchanger of a ProtoUserTransport interface.
func WithExchanger(fn PDUExchanger) Option {
	return func(o *interfaceOptions) {
		o.exchanger = fn
	}
}

// WithLogger sets the logger for the interface and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(o *interfaceOptions) {
		o.logger = logger
	}
}

// WithDebug enables diagnostic categories.
func WithDebug(d Debug) Option {
	return func(o *interfaceOptions) {
		o.debug = d
	}
}

// WithMetrics shares a Metrics instance instead of allocating one per interface.
func WithMetrics(m *Metrics) Option {
	return func(o *interfaceOptions) {
		o.metrics = m
	}
}

// ConnOption is a functional option for configuring a Connection.
type ConnOption func(*connOptions)

type connOptions struct {
	pduSize    int
	localTSAP  uint16
	remoteTSAP uint16
}

func defaultConnOptions() *connOptions {
	return &connOptions{
		pduSize: DefaultPDUSize,
	}
}

// WithPDUSize sets the PDU length requested during connection setup.
func WithPDUSize(n int) ConnOption {
	return func(o *connOptions) {
		o.pduSize = n
	}
}

// WithLocalTSAP overrides the calling TSAP of an ISO-on-TCP connection.
func WithLocalTSAP(tsap uint16) ConnOption {
	return func(o *connOptions) {
		o.localTSAP = tsap
	}
}

// WithRemoteTSAP overrides the called TSAP of an ISO-on-TCP connection.
// By default it is derived from rack and slot.
func WithRemoteTSAP(tsap uint16) ConnOption {
	return func(o *connOptions) {
		o.remoteTSAP = tsap
	}
}

// ServerOption is a functional option for configuring the simulator.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	readTimeout time.Duration
	pduSize     int
	station     int
	rack        int
	slot        int
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		maxConns:    100,
		readTimeout: 30 * time.Second,
		pduSize:     DefaultPDUSize,
		station:     DefaultStation,
		rack:        DefaultRack,
		slot:        DefaultSlot,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithServerPDUSize caps the PDU length the server accepts during setup.
func WithServerPDUSize(n int) ServerOption {
	return func(o *serverOptions) {
		o.pduSize = n
	}
}

// WithServerStation sets the bus address the server answers to on a PPI line.
func WithServerStation(addr int) ServerOption {
	return func(o *serverOptions) {
		o.station = addr
	}
}

// WithServerRackSlot sets the rack and slot the server accepts PG
// connections for.
func WithServerRackSlot(rack, slot int) ServerOption {
	return func(o *serverOptions) {
		o.rack = rack
		o.slot = slot
	}
}
