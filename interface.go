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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Interface owns one physical link and serialises every exchange on it.
// Connections derived from an Interface share its bus; at most one request
// is outstanding at any time.
type Interface struct {
	name      string
	opts      *interfaceOptions
	transport Transport
	link      link

	busy    chan struct{}
	closeCh chan struct{}

	mu           sync.Mutex
	adapterReady bool
	closed       bool
	conns        map[*Connection]struct{}

	refs    refGenerator
	metrics *Metrics
	logger  *slog.Logger
	diag    diag
}

// NewInterface binds a link protocol to a transport. The transport may be
// nil for ProtoUserTransport, which exchanges PDUs through WithExchanger.
func NewInterface(name string, t Transport, opts ...Option) (*Interface, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.timeout <= 0 {
		return nil, errors.New("s7: timeout must be positive")
	}
	if options.localAddr < 0 || options.localAddr >= PartnerListSize {
		return nil, fmt.Errorf("s7: local address %d outside 0..%d", options.localAddr, PartnerListSize-1)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NewMetrics()
	}

	ifc := &Interface{
		name:      name,
		opts:      options,
		transport: t,
		busy:      make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		conns:     make(map[*Connection]struct{}),
		metrics:   options.metrics,
		logger:    options.logger.With(slog.String("interface", name)),
	}
	ifc.diag = diag{logger: ifc.logger, mask: options.debug}

	l, err := newLink(ifc)
	if err != nil {
		return nil, err
	}
	ifc.link = l
	return ifc, nil
}

// Name returns the interface name.
func (ifc *Interface) Name() string {
	return ifc.name
}

// Protocol returns the link protocol.
func (ifc *Interface) Protocol() Protocol {
	return ifc.opts.protocol
}

// Timeout returns the per-exchange response timeout.
func (ifc *Interface) Timeout() time.Duration {
	return ifc.opts.timeout
}

// Metrics returns the interface metrics.
func (ifc *Interface) Metrics() *Metrics {
	return ifc.metrics
}

// acquire takes the bus, waiting no longer than ctx allows.
func (ifc *Interface) acquire(ctx context.Context) error {
	select {
	case <-ifc.closeCh:
		return ErrInterfaceClosed
	default:
	}
	select {
	case ifc.busy <- struct{}{}:
		return nil
	case <-ifc.closeCh:
		return ErrInterfaceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ifc *Interface) release() {
	<-ifc.busy
}

func (ifc *Interface) isClosed() bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.closed
}

// InitAdapter performs the link level initialisation of the chosen
// protocol. It must succeed before any Connection connects. A failed
// attempt should be followed by DisconnectAdapter before retrying.
func (ifc *Interface) InitAdapter(ctx context.Context) error {
	if err := ifc.acquire(ctx); err != nil {
		return err
	}
	defer ifc.release()

	ifc.diag.log(DebugInitAdapter, "init adapter", slog.String("protocol", ifc.opts.protocol.String()))
	if err := ifc.link.initAdapter(ctx); err != nil {
		ifc.diag.reportError("init adapter failed", err)
		return err
	}

	ifc.mu.Lock()
	ifc.adapterReady = true
	ifc.mu.Unlock()

	ifc.logger.Debug("adapter initialized", slog.String("protocol", ifc.opts.protocol.String()))
	return nil
}

// DisconnectAdapter tears down adapter state so that the next InitAdapter
// starts clean. Connected Connections are disconnected first.
func (ifc *Interface) DisconnectAdapter(ctx context.Context) error {
	for _, c := range ifc.connections() {
		c.Disconnect()
	}

	if err := ifc.acquire(ctx); err != nil {
		return err
	}
	defer ifc.release()

	ifc.mu.Lock()
	ifc.adapterReady = false
	ifc.mu.Unlock()

	ifc.diag.log(DebugInitAdapter, "disconnect adapter")
	return ifc.link.disconnectAdapter()
}

// AdapterReady reports whether InitAdapter has succeeded since the last
// DisconnectAdapter.
func (ifc *Interface) AdapterReady() bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.adapterReady
}

// ListReachablePartners polls every bus address and returns the station addresses
// marked reachable in the partner table. Links without a bus return an
// empty list.
func (ifc *Interface) ListReachablePartners(ctx context.Context) ([]int, error) {
	table, err := ifc.PartnerTable(ctx)
	if err != nil {
		return nil, err
	}
	var partners []int
	for addr, mark := range table {
		if mark == PartnerReachable {
			partners = append(partners, addr)
		}
	}
	return partners, nil
}

// PartnerTable returns the raw 126-entry partner table.
func (ifc *Interface) PartnerTable(ctx context.Context) ([]byte, error) {
	if !ifc.AdapterReady() {
		return nil, ErrAdapterNotReady
	}
	if err := ifc.acquire(ctx); err != nil {
		return nil, err
	}
	defer ifc.release()

	table, err := ifc.link.listReachable(ctx)
	if err != nil {
		ifc.diag.reportError("list reachable partners failed", err)
		return nil, err
	}
	return table, nil
}

// NewConnection derives a Connection to the controller at station, rack
// and slot. The connection starts in StateCreated.
func (ifc *Interface) NewConnection(station, rack, slot int, opts ...ConnOption) (*Connection, error) {
	if station < 0 || station >= PartnerListSize {
		return nil, fmt.Errorf("s7: station %d outside 0..%d", station, PartnerListSize-1)
	}
	if rack < 0 || rack > 7 || slot < 0 || slot > 31 {
		return nil, fmt.Errorf("s7: rack %d / slot %d out of range", rack, slot)
	}

	options := defaultConnOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.pduSize < MinPDUSize || options.pduSize > 0xFFFF {
		return nil, fmt.Errorf("s7: PDU size %d outside %d..65535", options.pduSize, MinPDUSize)
	}

	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.closed {
		return nil, ErrInterfaceClosed
	}

	c := &Connection{
		ifc:     ifc,
		station: station,
		rack:    rack,
		slot:    slot,
		opts:    options,
		state:   StateCreated,
		logger: ifc.logger.With(
			slog.Int("station", station),
			slog.Int("rack", rack),
			slog.Int("slot", slot)),
	}
	ifc.conns[c] = struct{}{}
	return c, nil
}

func (ifc *Interface) connections() []*Connection {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	conns := make([]*Connection, 0, len(ifc.conns))
	for c := range ifc.conns {
		conns = append(conns, c)
	}
	return conns
}

func (ifc *Interface) forget(c *Connection) {
	ifc.mu.Lock()
	delete(ifc.conns, c)
	ifc.mu.Unlock()
}

// Close disconnects every Connection derived from the interface and closes
// the transport. An exchange in flight is allowed to finish first.
func (ifc *Interface) Close() error {
	ifc.mu.Lock()
	if ifc.closed {
		ifc.mu.Unlock()
		return nil
	}
	ifc.closed = true
	ifc.mu.Unlock()

	for _, c := range ifc.connections() {
		c.Disconnect()
	}

	// Wait for the bus so the transport is not closed under an exchange.
	ifc.busy <- struct{}{}
	close(ifc.closeCh)
	<-ifc.busy

	ifc.logger.Debug("closing interface")
	if ifc.transport != nil {
		if err := ifc.transport.Close(); err != nil {
			return &TransportError{Op: "close", Err: err}
		}
	}
	return nil
}
