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
	"net"
	"os"

	"github.com/edgeo-scada/s7/internal/transport"
)

// link is the protocol variant an Interface speaks on its transport.
// Every method runs with the Interface bus held.
type link interface {
	initAdapter(ctx context.Context) error
	disconnectAdapter() error

	// connect establishes the link level session of c and reports whether
	// an S7 setup communication must follow.
	connect(ctx context.Context, c *Connection) (negotiate bool, err error)
	exchange(ctx context.Context, c *Connection, pdu []byte) ([]byte, error)
	disconnect(c *Connection)

	listReachable(ctx context.Context) ([]byte, error)
}

func newLink(ifc *Interface) (link, error) {
	o := ifc.opts
	switch o.protocol {
	case ProtoISOTCP, ProtoISOTCP243:
		if ifc.transport == nil {
			return nil, fmt.Errorf("s7: protocol %s needs a transport", o.protocol)
		}
		return &isoLink{ifc: ifc}, nil
	case ProtoPPI:
		if ifc.transport == nil {
			return nil, fmt.Errorf("s7: protocol %s needs a transport", o.protocol)
		}
		return &ppiLink{ifc: ifc}, nil
	case ProtoUserTransport:
		if o.exchanger == nil {
			return nil, fmt.Errorf("s7: protocol %s needs an exchanger", o.protocol)
		}
		return &userLink{fn: o.exchanger}, nil
	case ProtoMPI, ProtoMPI2, ProtoMPI3, ProtoMPIIBH, ProtoPPIIBH:
		return unsupportedLink{protocol: o.protocol}, nil
	default:
		return nil, fmt.Errorf("s7: unknown protocol %d", int(o.protocol))
	}
}

// ioError classifies a transport failure, mapping every flavour of read
// timeout onto ErrTimeout.
func ioError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, transport.ErrTimeout) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &TransportError{Op: op, Err: err}
}

// userLink hands PDUs to a caller supplied exchanger.
type userLink struct {
	fn PDUExchanger
}

func (l *userLink) initAdapter(context.Context) error { return nil }
func (l *userLink) disconnectAdapter() error           { return nil }
func (l *userLink) disconnect(*Connection)             {}

func (l *userLink) connect(context.Context, *Connection) (bool, error) {
	return true, nil
}

func (l *userLink) exchange(ctx context.Context, _ *Connection, pdu []byte) ([]byte, error) {
	resp, err := l.fn(ctx, pdu)
	if err != nil {
		return nil, ioError("exchange", err)
	}
	return resp, nil
}

func (l *userLink) listReachable(context.Context) ([]byte, error) {
	return unusedPartners(), nil
}

// unsupportedLink stands in for the MPI adapter families.
type unsupportedLink struct {
	protocol Protocol
}

func (l unsupportedLink) err() error {
	return fmt.Errorf("%w: %s", ErrProtocolNotImplemented, l.protocol)
}

func (l unsupportedLink) initAdapter(context.Context) error { return l.err() }
func (l unsupportedLink) disconnectAdapter() error           { return nil }
func (l unsupportedLink) disconnect(*Connection)             {}

func (l unsupportedLink) connect(context.Context, *Connection) (bool, error) {
	return false, l.err()
}

func (l unsupportedLink) exchange(context.Context, *Connection, []byte) ([]byte, error) {
	return nil, l.err()
}

func (l unsupportedLink) listReachable(context.Context) ([]byte, error) {
	return nil, l.err()
}

func unusedPartners() []byte {
	table := make([]byte, PartnerListSize)
	for i := range table {
		table[i] = PartnerUnused
	}
	return table
}
