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

// Connection is a logical session to one controller reachable through an
// Interface. It does not own the Interface.
type Connection struct {
	ifc     *Interface
	station int
	rack    int
	slot    int
	opts    *connOptions
	logger  *slog.Logger

	mu         sync.Mutex
	state      ConnectionState
	connecting bool
	broken     error
	pduLen     int
}

// Station returns the bus address of the controller.
func (c *Connection) Station() int { return c.station }

// Rack returns the controller rack.
func (c *Connection) Rack() int { return c.rack }

// Slot returns the controller slot.
func (c *Connection) Slot() int { return c.slot }

// Interface returns the interface the connection runs on.
func (c *Connection) Interface() *Interface { return c.ifc }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the connection is connected and not broken.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.broken == nil
}

// MaxPDULen returns the PDU length negotiated during Connect, or 0.
func (c *Connection) MaxPDULen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pduLen
}

// Connect establishes the session and negotiates the PDU length. Calling
// Connect on a connected connection is an error. On failure the
// connection stays in StateCreated and may be retried.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateConnected || c.connecting:
		c.mu.Unlock()
		return &ConnectionStateError{Op: "connect", State: c.state, Err: ErrAlreadyConnected}
	case c.state == StateDisconnected:
		c.mu.Unlock()
		return &ConnectionStateError{Op: "connect", State: c.state, Err: ErrDisconnected}
	}
	c.connecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	if c.ifc.isClosed() {
		return &ConnectionStateError{Op: "connect", State: StateCreated, Err: ErrInterfaceClosed}
	}
	if !c.ifc.AdapterReady() {
		return ErrAdapterNotReady
	}

	if err := c.ifc.acquire(ctx); err != nil {
		return err
	}
	defer c.ifc.release()

	c.ifc.diag.log(DebugConnect, "connecting",
		slog.Int("station", c.station), slog.Int("rack", c.rack), slog.Int("slot", c.slot))

	negotiate, err := c.ifc.link.connect(ctx, c)
	if err != nil {
		c.ifc.diag.reportError("connect failed", err)
		return err
	}

	pduLen := MinPDUSize
	if negotiate {
		resp, err := c.roundTrip(ctx, ServiceSetup, newJob(buildSetupComm(c.opts.pduSize), nil))
		if err == nil {
			pduLen, err = parseSetupComm(resp)
		}
		if err != nil {
			c.ifc.link.disconnect(c)
			c.ifc.diag.reportError("setup communication failed", err)
			return err
		}
		pduLen = min(pduLen, c.opts.pduSize)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.broken = nil
	c.pduLen = pduLen
	c.mu.Unlock()
	c.ifc.metrics.ActiveConns.Add(1)

	c.logger.Info("connected", slog.Int("pdu_size", pduLen))
	return nil
}

// Disconnect ends the session. The connection cannot be reused afterwards.
// Disconnecting a connection that never connected just retires it.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if prev == StateDisconnected {
		return nil
	}
	defer c.ifc.forget(c)
	if prev != StateConnected {
		return nil
	}

	c.ifc.metrics.ActiveConns.Add(-1)
	if err := c.ifc.acquire(context.Background()); err != nil {
		return nil
	}
	defer c.ifc.release()
	c.ifc.link.disconnect(c)

	c.logger.Debug("disconnected")
	return nil
}

// usable reports why the connection cannot exchange, or nil.
func (c *Connection) usable(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCreated:
		return &ConnectionStateError{Op: op, State: c.state, Err: ErrNotConnected}
	case StateDisconnected:
		return &ConnectionStateError{Op: op, State: c.state, Err: ErrDisconnected}
	}
	if c.broken != nil {
		return &ConnectionStateError{Op: op, State: c.state, Err: fmt.Errorf("%w: %v", ErrConnectionBroken, c.broken)}
	}
	if c.ifc.isClosed() {
		return &ConnectionStateError{Op: op, State: c.state, Err: ErrInterfaceClosed}
	}
	return nil
}

// session runs fn with the bus held after checking the connection state.
func (c *Connection) session(ctx context.Context, op string, fn func() error) error {
	if err := c.usable(op); err != nil {
		return err
	}
	if err := c.ifc.acquire(ctx); err != nil {
		if errors.Is(err, ErrInterfaceClosed) {
			return &ConnectionStateError{Op: op, State: c.State(), Err: err}
		}
		return err
	}
	defer c.ifc.release()

	// The state may have changed while waiting for the bus.
	if err := c.usable(op); err != nil {
		return err
	}
	return fn()
}

// roundTrip sends one PDU and decodes the response. Must be called with
// the bus held.
func (c *Connection) roundTrip(ctx context.Context, svc Service, req *PDU) (*PDU, error) {
	req.Header.Ref = c.ifc.refs.Next()
	raw := req.Encode()

	fm := c.ifc.metrics.ForService(svc)
	c.ifc.metrics.RequestsTotal.Add(1)
	fm.Requests.Add(1)
	start := time.Now()

	fail := func(err error) (*PDU, error) {
		c.ifc.metrics.RequestsErrors.Add(1)
		fm.Errors.Add(1)
		c.ifc.diag.reportError("exchange failed", err, slog.String("service", svc.String()))
		return nil, err
	}

	c.ifc.diag.dump(DebugPDU, "request PDU", raw)
	respRaw, err := c.ifc.link.exchange(ctx, c, raw)
	if err != nil {
		if breaksLink(err) {
			c.markBroken(err)
		}
		return fail(err)
	}
	c.ifc.diag.dump(DebugPDU, "response PDU", respRaw)

	var resp PDU
	if err := resp.Decode(respRaw); err != nil {
		return fail(err)
	}
	if resp.Header.Ref != req.Header.Ref {
		return fail(fmt.Errorf("%w: PDU reference mismatch (expected %d, got %d)",
			ErrInvalidResponse, req.Header.Ref, resp.Header.Ref))
	}
	if err := resp.Err(); err != nil {
		return fail(err)
	}

	duration := time.Since(start)
	c.ifc.metrics.RequestsSuccess.Add(1)
	c.ifc.metrics.Latency.Observe(duration)
	fm.Latency.Observe(duration)

	c.ifc.diag.log(DebugExchange, "exchange complete",
		slog.String("service", svc.String()),
		slog.Uint64("ref", uint64(req.Header.Ref)),
		slog.Duration("duration", duration))
	return &resp, nil
}

// breaksLink reports whether a failed exchange leaves the link in an
// unknown state: any transport failure or a malformed frame. Requests the
// link refused before sending leave it intact.
func breaksLink(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrInvalidResponse)
}

func (c *Connection) markBroken(err error) {
	c.mu.Lock()
	c.broken = err
	c.mu.Unlock()
	c.logger.Warn("connection broken", slog.String("error", err.Error()))
}

// Execute runs a batch as one exchange and returns its positionally
// matched results. Per-item failures are reported through the ResultSet.
func (c *Connection) Execute(ctx context.Context, b *Batch) (*ResultSet, error) {
	if b == nil || b.conn != c {
		return nil, ErrForeignBatch
	}
	if b.Len() == 0 {
		return nil, ErrBatchEmpty
	}

	var rs *ResultSet
	err := c.session(ctx, "execute", func() error {
		// Only a batch that reaches the bus is sealed.
		items := b.seal()
		var (
			req *PDU
			svc = ServiceRead
		)
		if b.mode == ModeRead {
			req = newJob(buildReadParams(items), nil)
		} else {
			svc = ServiceWrite
			req = newJob(buildWriteRequest(items))
		}

		resp, err := c.roundTrip(ctx, svc, req)
		if err != nil {
			return err
		}

		var results []ResultItem
		if b.mode == ModeRead {
			results, err = parseReadResponse(resp, len(items))
		} else {
			results, err = parseWriteResponse(resp, len(items))
		}
		if err != nil {
			return err
		}

		for i, r := range results {
			if !r.Status.OK() {
				c.ifc.metrics.ItemErrors.Add(1)
				c.ifc.diag.reportError("item failed", NewItemError(i, r.Status),
					slog.String("item", items[i].String()))
			}
		}
		rs = newResultSet(b.mode, results)
		return nil
	})
	return rs, err
}
