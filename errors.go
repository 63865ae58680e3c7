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
	"errors"
	"fmt"
	"net"
	"os"
)

// ItemStatus is the per-item return code the controller reports for each
// request item. StatusOK (0xFF) means the item succeeded.
type ItemStatus uint8

// Item return codes.
const (
	StatusReserved          ItemStatus = 0x00
	StatusHardwareFault     ItemStatus = 0x01
	StatusAccessDenied      ItemStatus = 0x03
	StatusAddressOutOfRange ItemStatus = 0x05
	StatusTypeNotSupported  ItemStatus = 0x06
	StatusTypeInconsistent  ItemStatus = 0x07
	StatusObjectNotFound    ItemStatus = 0x0A
	StatusOK                ItemStatus = 0xFF
)

// OK reports whether the status denotes success.
func (s ItemStatus) OK() bool {
	return s == StatusOK
}

func (s ItemStatus) String() string {
	switch s {
	case StatusReserved:
		return "reserved"
	case StatusHardwareFault:
		return "hardware fault"
	case StatusAccessDenied:
		return "access denied"
	case StatusAddressOutOfRange:
		return "address out of range"
	case StatusTypeNotSupported:
		return "data type not supported"
	case StatusTypeInconsistent:
		return "data type inconsistent"
	case StatusObjectNotFound:
		return "object does not exist"
	case StatusOK:
		return "success"
	default:
		return fmt.Sprintf("unknown status (0x%02X)", uint8(s))
	}
}

var (
	// ErrInvalidAddress indicates a malformed area/block/offset/length combination.
	ErrInvalidAddress = errors.New("s7: invalid address")

	// ErrInvalidPayload indicates a write payload that does not match its item.
	ErrInvalidPayload = errors.New("s7: invalid payload")

	// ErrBatchTooLarge indicates a batch that would not fit the negotiated PDU.
	ErrBatchTooLarge = errors.New("s7: batch exceeds PDU size")

	// ErrBatchMode indicates an item whose direction differs from the batch mode.
	ErrBatchMode = errors.New("s7: item direction does not match batch mode")

	// ErrBatchEmpty indicates an attempt to execute a batch without items.
	ErrBatchEmpty = errors.New("s7: empty batch")

	// ErrBatchSealed indicates an attempt to add items to an executed batch.
	ErrBatchSealed = errors.New("s7: batch already executed")

	// ErrForeignBatch indicates a batch executed on a connection it was not built for.
	ErrForeignBatch = errors.New("s7: batch belongs to another connection")

	// ErrNotConnected indicates the connection has not been connected yet.
	ErrNotConnected = errors.New("s7: not connected")

	// ErrAlreadyConnected indicates a second Connect on the same connection.
	ErrAlreadyConnected = errors.New("s7: already connected")

	// ErrDisconnected indicates the connection was disconnected and cannot be reused.
	ErrDisconnected = errors.New("s7: connection disconnected")

	// ErrConnectionBroken indicates an earlier exchange failed mid-flight.
	ErrConnectionBroken = errors.New("s7: connection broken, reconnect required")

	// ErrInterfaceClosed indicates the owning interface was closed.
	ErrInterfaceClosed = errors.New("s7: interface closed")

	// ErrAdapterNotReady indicates InitAdapter has not succeeded yet.
	ErrAdapterNotReady = errors.New("s7: adapter not initialized")

	// ErrProtocolNotImplemented indicates a protocol variant without a link implementation.
	ErrProtocolNotImplemented = errors.New("s7: protocol not implemented")

	// ErrConnectionRefused indicates the controller rejected the session.
	ErrConnectionRefused = errors.New("s7: connection refused")

	// ErrTimeout indicates no response arrived within the interface timeout.
	ErrTimeout = errors.New("s7: timeout")

	// ErrInvalidResponse indicates a malformed or unexpected response.
	ErrInvalidResponse = errors.New("s7: invalid response")

	// ErrIndexOutOfRange indicates a result index beyond the result count.
	ErrIndexOutOfRange = errors.New("s7: result index out of range")

	// ErrBufferExhausted indicates fewer bytes remain than the requested type needs.
	ErrBufferExhausted = errors.New("s7: buffer exhausted")

	// ErrNoItemSelected indicates a typed read before any Select.
	ErrNoItemSelected = errors.New("s7: no result item selected")
)

// AddressError reports an address rejected before any exchange.
type AddressError struct {
	Area        Area
	Block       int
	Start       int
	Length      int
	Granularity Granularity
	Reason      string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("s7: invalid address %s block=%d start=%d length=%d (%s): %s",
		e.Area, e.Block, e.Start, e.Length, e.Granularity, e.Reason)
}

func (e *AddressError) Unwrap() error {
	return ErrInvalidAddress
}

// BatchTooLargeError reports the sizes that overflowed the negotiated PDU.
type BatchTooLargeError struct {
	Items        int
	RequestSize  int
	ResponseSize int
	PDUSize      int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("s7: batch of %d items needs request %d / response %d bytes, PDU is %d",
		e.Items, e.RequestSize, e.ResponseSize, e.PDUSize)
}

func (e *BatchTooLargeError) Unwrap() error {
	return ErrBatchTooLarge
}

// ConnectionStateError reports an operation attempted in the wrong connection state.
type ConnectionStateError struct {
	Op    string
	State ConnectionState
	Err   error
}

func (e *ConnectionStateError) Error() string {
	return fmt.Sprintf("s7: %s in state %s: %v", e.Op, e.State, e.Err)
}

func (e *ConnectionStateError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failure of the underlying byte exchange.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("s7: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the transport gave up waiting for data.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, ErrTimeout) || errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ItemError reports a single failed item inside an otherwise successful exchange.
type ItemError struct {
	Index  int
	Status ItemStatus
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("s7: item %d failed: %s", e.Index, e.Status)
}

// Is matches another ItemError with the same status, regardless of index.
func (e *ItemError) Is(target error) bool {
	t, ok := target.(*ItemError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// DecodeError reports a typed read that could not be satisfied.
type DecodeError struct {
	Index int
	Pos   int
	Width int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("s7: decode item %d at %d (width %d): %v", e.Index, e.Pos, e.Width, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProtocolError is a request rejected as a whole by the controller.
type ProtocolError struct {
	Class byte
	Code  byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("s7: %s (class=0x%02X code=0x%02X)", errorClassText(e.Class, e.Code), e.Class, e.Code)
}

// Is matches another ProtocolError with the same class and code.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func errorClassText(class, code byte) string {
	switch uint16(class)<<8 | uint16(code) {
	case 0x8104:
		return "function not supported"
	case 0x8500:
		return "PDU size exceeded"
	case 0xD209:
		return "block not found"
	}
	switch class {
	case 0x81:
		return "application relationship error"
	case 0x82:
		return "object definition error"
	case 0x83:
		return "no resources available"
	case 0x84:
		return "error on service processing"
	case 0x85:
		return "error on supplies"
	case 0x87:
		return "access error"
	default:
		return "unknown error class"
	}
}

// NewItemError creates an ItemError.
func NewItemError(index int, status ItemStatus) *ItemError {
	return &ItemError{Index: index, Status: status}
}

// IsItemStatus reports whether err is an ItemError carrying status.
func IsItemStatus(err error, status ItemStatus) bool {
	var itemErr *ItemError
	if errors.As(err, &itemErr) {
		return itemErr.Status == status
	}
	return false
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return errors.Is(err, ErrTimeout)
}
