// Package poller keeps one controller connected and refreshes its channels
// on a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/device"
	"github.com/edgeo-scada/s7/internal/store"
)

var (
	// ErrUnknownChannel is returned by Write for a name the poller does not own.
	ErrUnknownChannel = errors.New("poller: unknown channel")

	// ErrNotWritable is returned by Write for a read-only channel.
	ErrNotWritable = errors.New("poller: channel is not writable")
)

// Reconnect delays.
const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Status is the connection state of a poller.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Channel is a named locator on the polled controller.
type Channel struct {
	Name     string
	Locator  s7.Locator
	Writable bool
}

// Config is the runtime configuration of one poller.
type Config struct {
	Device   device.Config
	Channels []Channel
	Interval time.Duration

	// MaxExchanges caps exchanges per second, reads and writes together.
	// Zero is unlimited.
	MaxExchanges float64

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Info is a snapshot of the poller state.
type Info struct {
	Name        string    `json:"name"`
	Protocol    string    `json:"protocol"`
	Target      string    `json:"target"`
	Status      string    `json:"status"`
	PDUSize     int       `json:"pdu_size,omitempty"`
	Batches     int       `json:"batches"`
	Channels    int       `json:"channels"`
	Polls       uint64    `json:"polls"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Reconnects  uint64    `json:"reconnects"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithOnChange registers fn to receive every record whose value or
// quality changed. fn runs on the polling goroutine.
func WithOnChange(fn func(store.Record)) Option {
	return func(p *Poller) {
		p.onChange = fn
	}
}

// Poller owns the session of one device.
type Poller struct {
	cfg      Config
	store    *store.Store
	logger   *slog.Logger
	metrics  *s7.Metrics
	limiter  *rate.Limiter
	onChange func(store.Record)
	byName   map[string]int

	// mu serializes exchanges and guards the session and plan.
	mu   sync.Mutex
	sess *device.Session
	plan []group

	stateMu     sync.RWMutex
	status      Status
	lastErr     error
	lastPoll    time.Time
	polls       uint64
	reconnects  uint64
	connectedAt time.Time
	pduSize     int
	batches     int
}

// group is a set of channel indexes read in one exchange.
type group struct {
	channels []int
	items    []s7.RequestItem
}

// New creates a poller and registers its channels with st.
func New(cfg Config, st *store.Store, opts ...Option) (*Poller, error) {
	if cfg.Device.Name == "" {
		return nil, errors.New("poller: device name required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if st == nil {
		return nil, errors.New("poller: store required")
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}

	p := &Poller{
		cfg:     cfg,
		store:   st,
		logger:  slog.Default(),
		metrics: s7.NewMetrics(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		byName:  make(map[string]int, len(cfg.Channels)),
	}
	if cfg.MaxExchanges > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxExchanges), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("device", cfg.Device.Name))

	for i, ch := range cfg.Channels {
		if _, dup := p.byName[ch.Name]; dup {
			return nil, fmt.Errorf("poller: duplicate channel %q", ch.Name)
		}
		p.byName[ch.Name] = i
		st.Register(ch.Name, cfg.Device.Name)
	}
	return p, nil
}

// Name returns the device name.
func (p *Poller) Name() string {
	return p.cfg.Device.Name
}

// Metrics returns the exchange metrics, kept across reconnects.
func (p *Poller) Metrics() *s7.Metrics {
	return p.metrics
}

// Info returns a snapshot of the poller state.
func (p *Poller) Info() Info {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	info := Info{
		Name:        p.cfg.Device.Name,
		Protocol:    p.cfg.Device.Protocol.String(),
		Target:      p.cfg.Device.Target(),
		Status:      p.status.String(),
		PDUSize:     p.pduSize,
		Batches:     p.batches,
		Channels:    len(p.cfg.Channels),
		Polls:       p.polls,
		LastPoll:    p.lastPoll,
		Reconnects:  p.reconnects,
		ConnectedAt: p.connectedAt,
	}
	if p.lastErr != nil {
		info.LastError = p.lastErr.Error()
	}
	return info
}

func (p *Poller) setStatus(s Status, err error) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.status = s
	p.lastErr = err
	if s == StatusConnected {
		p.connectedAt = time.Now()
	}
}

// Run connects, polls every interval and reconnects with exponential
// backoff after link failures. It returns when ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	defer p.disconnect()

	backoff := p.cfg.MinBackoff
	for {
		if err := p.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			p.markAll(store.FlagConnectionError, err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, p.cfg.MaxBackoff)
			continue
		}
		backoff = p.cfg.MinBackoff

		err := p.loop(ctx)
		p.disconnect()
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("link lost", slog.String("error", err.Error()))
		p.markAll(store.FlagConnectionError, err)
		p.stateMu.Lock()
		p.reconnects++
		p.stateMu.Unlock()
	}
}

func (p *Poller) loop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, s7.ErrNotConnected) || !p.connected() {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Poller) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil && p.sess.Conn.IsConnected()
}

// Connect opens the session and plans the read batches for the
// negotiated PDU size. An open session is closed first.
func (p *Poller) Connect(ctx context.Context) error {
	p.disconnect()
	p.setStatus(StatusConnecting, nil)

	sess, err := device.Open(ctx, p.cfg.Device, p.logger, s7.WithMetrics(p.metrics))
	if err != nil {
		p.setStatus(StatusError, err)
		return err
	}

	plan, err := p.buildPlan(sess.Conn)
	if err != nil {
		sess.Close()
		p.setStatus(StatusError, err)
		return err
	}

	p.mu.Lock()
	p.sess = sess
	p.plan = plan
	p.mu.Unlock()

	p.stateMu.Lock()
	p.pduSize = sess.Conn.MaxPDULen()
	p.batches = len(plan)
	p.stateMu.Unlock()
	p.setStatus(StatusConnected, nil)
	p.logger.Info("connected",
		slog.String("target", p.cfg.Device.Target()),
		slog.Int("pdu", sess.Conn.MaxPDULen()),
		slog.Int("batches", len(plan)))
	return nil
}

func (p *Poller) disconnect() {
	p.mu.Lock()
	sess := p.sess
	p.sess = nil
	p.plan = nil
	p.mu.Unlock()

	if sess != nil {
		sess.Close()
		p.stateMu.Lock()
		p.pduSize, p.batches = 0, 0
		p.stateMu.Unlock()
		p.setStatus(StatusDisconnected, nil)
	}
}

// buildPlan packs the channels into as few read batches as the PDU
// allows. Channels whose locator cannot be requested are marked
// address-invalid and left out.
func (p *Poller) buildPlan(conn *s7.Connection) ([]group, error) {
	var plan []group
	var cur group
	var b *s7.Batch

	for i, ch := range p.cfg.Channels {
		item, err := ch.Locator.ReadItem()
		if err != nil {
			p.put(i, store.FlagAddressInvalid, nil, err, time.Now())
			continue
		}
		if b == nil {
			if b, err = conn.NewBatch(s7.ModeRead); err != nil {
				return nil, err
			}
		}
		err = b.AddItem(item)
		if errors.Is(err, s7.ErrBatchTooLarge) && len(cur.items) > 0 {
			plan = append(plan, cur)
			cur = group{}
			if b, err = conn.NewBatch(s7.ModeRead); err != nil {
				return nil, err
			}
			err = b.AddItem(item)
		}
		if err != nil {
			// too large even on its own
			p.put(i, store.FlagAddressInvalid, nil, err, time.Now())
			continue
		}
		cur.channels = append(cur.channels, i)
		cur.items = append(cur.items, item)
	}
	if len(cur.items) > 0 {
		plan = append(plan, cur)
	}
	return plan, nil
}

// PollOnce reads every planned batch once. Item failures are recorded per
// channel; the returned error reports an exchange that failed as a whole.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess == nil {
		return s7.ErrNotConnected
	}
	conn := p.sess.Conn

	var firstErr error
	for _, g := range p.plan {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		err := p.readGroup(ctx, conn, g)
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if !conn.IsConnected() {
			break
		}
	}

	p.stateMu.Lock()
	p.polls++
	p.lastPoll = time.Now()
	if firstErr != nil {
		p.lastErr = firstErr
	}
	p.stateMu.Unlock()
	return firstErr
}

func (p *Poller) readGroup(ctx context.Context, conn *s7.Connection, g group) error {
	b, err := conn.NewBatch(s7.ModeRead)
	if err != nil {
		return err
	}
	for _, item := range g.items {
		if err := b.AddItem(item); err != nil {
			return err
		}
	}

	rs, err := conn.Execute(ctx, b)
	now := time.Now()
	if err != nil {
		flag := store.FlagItemFailed
		if !conn.IsConnected() {
			flag = store.FlagConnectionError
		}
		for _, i := range g.channels {
			p.put(i, flag, nil, err, now)
		}
		return err
	}

	for k, i := range g.channels {
		if err := rs.Err(k); err != nil {
			p.put(i, itemFlag(err), nil, err, now)
			continue
		}
		data, err := rs.Bytes(k)
		if err != nil {
			p.put(i, store.FlagItemFailed, nil, err, now)
			continue
		}
		v, err := p.cfg.Channels[i].Locator.Decode(data)
		if err != nil {
			p.put(i, store.FlagItemFailed, nil, err, now)
			continue
		}
		p.put(i, store.FlagValid, v, nil, now)
	}
	return nil
}

// itemFlag classifies a per-item failure.
func itemFlag(err error) store.Flag {
	var ie *s7.ItemError
	if errors.As(err, &ie) {
		switch ie.Status {
		case s7.StatusAddressOutOfRange, s7.StatusObjectNotFound:
			return store.FlagAddressInvalid
		}
	}
	return store.FlagItemFailed
}

func (p *Poller) put(i int, flag store.Flag, v interface{}, err error, at time.Time) {
	r := store.Record{
		Channel:   p.cfg.Channels[i].Name,
		Device:    p.cfg.Device.Name,
		Value:     v,
		Flag:      flag,
		Timestamp: at,
	}
	if err != nil {
		r.Error = err.Error()
	}
	if p.store.Put(r) && p.onChange != nil {
		p.onChange(r)
	}
}

func (p *Poller) markAll(flag store.Flag, err error) {
	now := time.Now()
	for i := range p.cfg.Channels {
		p.put(i, flag, nil, err, now)
	}
}

// Channels returns the channel definitions.
func (p *Poller) Channels() []Channel {
	return append([]Channel(nil), p.cfg.Channels...)
}

// Owns reports whether the poller serves the named channel.
func (p *Poller) Owns(name string) bool {
	_, ok := p.byName[name]
	return ok
}

// Write encodes value with the channel's locator and writes it in a
// single-item batch.
func (p *Poller) Write(ctx context.Context, name string, value interface{}) error {
	i, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	ch := p.cfg.Channels[i]
	if !ch.Writable {
		return fmt.Errorf("%w: %s", ErrNotWritable, name)
	}
	item, err := ch.Locator.WriteItem(value)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return s7.ErrNotConnected
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	conn := p.sess.Conn
	b, err := conn.NewBatch(s7.ModeWrite)
	if err != nil {
		return err
	}
	if err := b.AddItem(item); err != nil {
		return err
	}
	rs, err := conn.Execute(ctx, b)
	if err != nil {
		return err
	}
	if err := rs.Err(0); err != nil {
		return err
	}
	p.logger.Debug("channel written", slog.String("channel", name), slog.Any("value", value))
	return nil
}
