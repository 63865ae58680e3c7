package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// SerialConfig describes a serial line. The values are handed to the
// driver untouched.
type SerialConfig struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"

	// ReadTimeout bounds a single driver read. ReceiveExact keeps reading
	// until its own timeout expires.
	ReadTimeout time.Duration
}

// ErrTimeout is returned when a serial read does not complete in time.
var ErrTimeout = errors.New("serial read timeout")

// Serial is a byte exchange over a serial port.
type Serial struct {
	mu   sync.Mutex
	port serial.Port
	cfg  SerialConfig
}

// OpenSerial opens the serial port described by cfg.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 50 * time.Millisecond
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Address, err)
	}
	return &Serial{port: port, cfg: cfg}, nil
}

// Send writes all of data.
func (s *Serial) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return ErrClosed
	}
	written := 0
	for written < len(data) {
		n, err := s.port.Write(data[written:])
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		written += n
	}
	return nil
}

// ReceiveExact reads exactly n bytes, giving up after timeout.
func (s *Serial) ReceiveExact(n int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := s.port.Read(buf[total:])
		total += m
		if err != nil && err != serial.ErrTimeout {
			return nil, fmt.Errorf("read: %w", err)
		}
		if total < n && time.Now().After(deadline) {
			return nil, fmt.Errorf("read %d of %d bytes: %w", total, n, ErrTimeout)
		}
	}
	return buf, nil
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Address returns the device path of the port.
func (s *Serial) Address() string {
	return s.cfg.Address
}

// Stream returns the port as a blocking byte stream. Driver read timeouts
// are retried until the port is closed, after which Read returns io.EOF.
func (s *Serial) Stream() *Stream {
	return &Stream{s: s}
}

// Stream adapts a Serial to io.ReadWriteCloser.
type Stream struct {
	s *Serial
}

// Read blocks until at least one byte arrives.
func (p *Stream) Read(b []byte) (int, error) {
	for {
		p.s.mu.Lock()
		port := p.s.port
		p.s.mu.Unlock()
		if port == nil {
			return 0, io.EOF
		}
		n, err := port.Read(b)
		if err == serial.ErrTimeout || (err == nil && n == 0) {
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write writes all of b.
func (p *Stream) Write(b []byte) (int, error) {
	if err := p.s.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the port.
func (p *Stream) Close() error {
	return p.s.Close()
}
