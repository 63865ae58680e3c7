// Package device opens S7 sessions from a flat link description. It is
// shared by the command line client and the gateway poller.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeo-scada/s7"
)

// InitAttempts is how often InitAdapter is tried before giving up.
const InitAttempts = 3

// Config describes one controller and the link that reaches it.
type Config struct {
	Name     string
	Protocol s7.Protocol

	// Address is host[:port] for the ISO-on-TCP variants.
	Address string

	// Serial is used by the bus variants (PPI, MPI).
	Serial s7.SerialConfig

	LocalAddress int
	Speed        s7.Speed

	Station int
	Rack    int
	Slot    int
	PDUSize int

	Timeout time.Duration
	Debug   s7.Debug
}

// IsNetwork reports whether the protocol runs over TCP.
func (c Config) IsNetwork() bool {
	return c.Protocol == s7.ProtoISOTCP || c.Protocol == s7.ProtoISOTCP243
}

// Target returns the address shown in logs and listings.
func (c Config) Target() string {
	if c.IsNetwork() {
		return c.Address
	}
	return c.Serial.Address
}

// Session is an initialized Interface with one connected Connection.
type Session struct {
	Interface *s7.Interface
	Conn      *s7.Connection
}

// Close disconnects and releases the link.
func (s *Session) Close() error {
	if s == nil || s.Interface == nil {
		return nil
	}
	return s.Interface.Close()
}

// OpenTransport opens the byte exchange for cfg.
func OpenTransport(ctx context.Context, cfg Config) (s7.Transport, error) {
	switch cfg.Protocol {
	case s7.ProtoUserTransport:
		return nil, errors.New("device: the user transport has no link to open")
	case s7.ProtoISOTCP, s7.ProtoISOTCP243:
		if cfg.Address == "" {
			return nil, errors.New("device: address is required")
		}
		return s7.DialTCP(ctx, cfg.Address, cfg.Timeout)
	default:
		if cfg.Serial.Address == "" {
			return nil, errors.New("device: serial device is required")
		}
		return s7.OpenSerial(cfg.Serial)
	}
}

// OpenInterface opens the transport and initializes the adapter.
func OpenInterface(ctx context.Context, cfg Config, logger *slog.Logger, opts ...s7.Option) (*s7.Interface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Target()
	}

	t, err := OpenTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}

	options := []s7.Option{
		s7.WithProtocol(cfg.Protocol),
		s7.WithSpeed(cfg.Speed),
		s7.WithLocalAddress(cfg.LocalAddress),
		s7.WithLogger(logger),
		s7.WithDebug(cfg.Debug),
	}
	if cfg.Timeout > 0 {
		options = append(options, s7.WithTimeout(cfg.Timeout))
	}
	ifc, err := s7.NewInterface(name, t, append(options, opts...)...)
	if err != nil {
		t.Close()
		return nil, err
	}

	if err := InitAdapter(ctx, ifc, logger); err != nil {
		ifc.Close()
		return nil, err
	}
	return ifc, nil
}

// InitAdapter calls InitAdapter up to InitAttempts times, disconnecting
// the adapter between attempts. Unsupported protocols fail at once.
func InitAdapter(ctx context.Context, ifc *s7.Interface, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= InitAttempts; attempt++ {
		if err = ifc.InitAdapter(ctx); err == nil {
			return nil
		}
		if errors.Is(err, s7.ErrProtocolNotImplemented) || ctx.Err() != nil {
			return err
		}
		logger.Warn("adapter init failed",
			slog.String("interface", ifc.Name()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if derr := ifc.DisconnectAdapter(ctx); derr != nil {
			logger.Debug("disconnect adapter failed", slog.String("error", derr.Error()))
		}
	}
	return fmt.Errorf("device: adapter init failed after %d attempts: %w", InitAttempts, err)
}

// Connect derives a Connection from ifc and connects it.
func Connect(ctx context.Context, ifc *s7.Interface, cfg Config) (*s7.Connection, error) {
	var opts []s7.ConnOption
	if cfg.PDUSize > 0 {
		opts = append(opts, s7.WithPDUSize(cfg.PDUSize))
	}
	conn, err := ifc.NewConnection(cfg.Station, cfg.Rack, cfg.Slot, opts...)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		conn.Disconnect()
		return nil, err
	}
	return conn, nil
}

// Open returns a connected session for cfg.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...s7.Option) (*Session, error) {
	ifc, err := OpenInterface(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	conn, err := Connect(ctx, ifc, cfg)
	if err != nil {
		ifc.Close()
		return nil, err
	}
	return &Session{Interface: ifc, Conn: conn}, nil
}
