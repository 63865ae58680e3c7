// Package publish forwards changed channel records to message brokers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgeo-scada/s7/internal/store"
)

// Sink delivers records to one destination.
type Sink interface {
	Name() string
	// Start connects the sink. It is called once before any Publish.
	Start(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Message is the JSON document published for a record.
type Message struct {
	Instance  string      `json:"instance"`
	Device    string      `json:"device"`
	Channel   string      `json:"channel"`
	Value     interface{} `json:"value"`
	Flag      store.Flag  `json:"flag"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage wraps r for publishing.
func NewMessage(instance string, r store.Record) Message {
	return Message{
		Instance:  instance,
		Device:    r.Device,
		Channel:   r.Channel,
		Value:     r.Value,
		Flag:      r.Flag,
		Error:     r.Error,
		Timestamp: r.Timestamp,
	}
}

// Encode returns the JSON form of m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewInstanceID returns S7GW_INSTANCE if set, otherwise a name built
// from the host name and a short random suffix.
func NewInstanceID() string {
	if id := os.Getenv("S7GW_INSTANCE"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("s7gw-%s-%s", host, uuid.New().String()[:8])
}

// joinKey joins segments with sep, dropping empty segments and trimming
// separators from their ends.
func joinKey(sep string, segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, sep)
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

// QueueSize is the number of records buffered per sink.
const QueueSize = 256

// Dispatcher fans records out to sinks. Each sink has its own queue and
// goroutine so a slow broker does not stall polling or the other sinks.
type Dispatcher struct {
	instance string
	logger   *slog.Logger
	sinks    []*worker
}

type worker struct {
	sink      Sink
	queue     chan Message
	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Stats are the delivery counters of one sink.
type Stats struct {
	Sink      string `json:"sink"`
	Published int64  `json:"published"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
}

// NewDispatcher creates a dispatcher for sinks.
func NewDispatcher(instance string, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{instance: instance, logger: logger}
	for _, s := range sinks {
		d.sinks = append(d.sinks, &worker{sink: s, queue: make(chan Message, QueueSize)})
	}
	return d
}

// Len returns the number of sinks.
func (d *Dispatcher) Len() int {
	return len(d.sinks)
}

// Submit queues r for every sink. It never blocks; a full queue drops the
// record for that sink.
func (d *Dispatcher) Submit(r store.Record) {
	msg := NewMessage(d.instance, r)
	for _, w := range d.sinks {
		select {
		case w.queue <- msg:
		default:
			w.dropped.Add(1)
		}
	}
}

// Stats returns the counters of every sink.
func (d *Dispatcher) Stats() []Stats {
	out := make([]Stats, 0, len(d.sinks))
	for _, w := range d.sinks {
		out = append(out, Stats{
			Sink:      w.sink.Name(),
			Published: w.published.Load(),
			Failed:    w.failed.Load(),
			Dropped:   w.dropped.Load(),
		})
	}
	return out
}

// Run starts every sink and delivers queued records until ctx is
// cancelled, then closes the sinks. A sink that fails to start is
// skipped and reported in the returned error.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var startErrs []string

	for _, w := range d.sinks {
		if err := w.sink.Start(ctx); err != nil {
			d.logger.Error("sink start failed",
				slog.String("sink", w.sink.Name()),
				slog.String("error", err.Error()))
			startErrs = append(startErrs, fmt.Sprintf("%s: %v", w.sink.Name(), err))
			continue
		}
		d.logger.Info("sink started", slog.String("sink", w.sink.Name()))

		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			defer w.sink.Close()
			d.deliver(ctx, w)
		}(w)
	}

	wg.Wait()
	if len(startErrs) > 0 {
		return fmt.Errorf("publish: %s", strings.Join(startErrs, "; "))
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := w.sink.Publish(pctx, msg)
			cancel()
			if err != nil {
				w.failed.Add(1)
				d.logger.Warn("publish failed",
					slog.String("sink", w.sink.Name()),
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()))
				continue
			}
			w.published.Add(1)
		}
	}
}
