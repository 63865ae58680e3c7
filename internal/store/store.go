// Package store keeps the latest record of every channel and a bounded
// history of its changes.
package store

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Flag qualifies a channel value.
type Flag int

const (
	FlagNotYetRead Flag = iota
	FlagValid
	FlagAddressInvalid
	FlagItemFailed
	FlagConnectionError
)

func (f Flag) String() string {
	switch f {
	case FlagNotYetRead:
		return "not-yet-read"
	case FlagValid:
		return "valid"
	case FlagAddressInvalid:
		return "address-invalid"
	case FlagItemFailed:
		return "item-failed"
	case FlagConnectionError:
		return "connection-error"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// MarshalText encodes the flag by name.
func (f Flag) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes a flag name.
func (f *Flag) UnmarshalText(b []byte) error {
	for c := FlagNotYetRead; c <= FlagConnectionError; c++ {
		if c.String() == string(b) {
			*f = c
			return nil
		}
	}
	return fmt.Errorf("store: unknown flag %q", b)
}

// Record is one observation of a channel.
type Record struct {
	Channel   string      `json:"channel"`
	Device    string      `json:"device"`
	Value     interface{} `json:"value"`
	Flag      Flag        `json:"flag"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Valid reports whether Value holds a decoded controller value.
func (r Record) Valid() bool {
	return r.Flag == FlagValid
}

// Equivalent reports whether two records carry the same value and quality.
// Timestamps are ignored.
func (r Record) Equivalent(o Record) bool {
	return r.Flag == o.Flag && r.Error == o.Error && reflect.DeepEqual(r.Value, o.Value)
}

type entry struct {
	current Record
	ring    []Record
	next    int
	count   int
}

func (e *entry) push(r Record) {
	if len(e.ring) == 0 {
		return
	}
	e.ring[e.next] = r
	e.next = (e.next + 1) % len(e.ring)
	if e.count < len(e.ring) {
		e.count++
	}
}

// ordered returns the ring contents oldest first.
func (e *entry) ordered() []Record {
	out := make([]Record, 0, e.count)
	start := (e.next - e.count + len(e.ring)) % max(len(e.ring), 1)
	for i := 0; i < e.count; i++ {
		out = append(out, e.ring[(start+i)%len(e.ring)])
	}
	return out
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	depth   int
	entries map[string]*entry
	order   []string
}

// New creates a store keeping up to depth history records per channel.
// A depth of zero disables history.
func New(depth int) *Store {
	if depth < 0 {
		depth = 0
	}
	return &Store{
		depth:   depth,
		entries: make(map[string]*entry),
	}
}

// Register adds a channel in the not-yet-read state. Registering a known
// channel is a no-op.
func (s *Store) Register(channel, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[channel]; ok {
		return
	}
	s.entries[channel] = &entry{
		current: Record{Channel: channel, Device: device, Flag: FlagNotYetRead},
		ring:    make([]Record, s.depth),
	}
	s.order = append(s.order, channel)
}

// Put stores r as the current record of its channel. It reports whether
// the value or quality changed; only changes enter the history. Records
// for unknown channels are dropped.
func (s *Store) Put(r Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[r.Channel]
	if !ok {
		return false
	}
	if r.Device == "" {
		r.Device = e.current.Device
	}
	changed := !e.current.Equivalent(r)
	e.current = r
	if changed {
		e.push(r)
	}
	return changed
}

// Current returns the latest record of a channel.
func (s *Store) Current(channel string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[channel]
	if !ok {
		return Record{}, false
	}
	return e.current, true
}

// All returns the latest record of every channel in registration order.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].current)
	}
	return out
}

// Channels returns the registered channel names, sorted.
func (s *Store) Channels() []string {
	s.mu.RLock()
	names := append([]string(nil), s.order...)
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// History returns the recorded changes of a channel with from <= Timestamp
// < until, oldest first. A zero bound is open.
func (s *Store) History(channel string, from, until time.Time) ([]Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[channel]
	if !ok {
		return nil, false
	}
	all := e.ordered()
	out := all[:0]
	for _, r := range all {
		if !from.IsZero() && r.Timestamp.Before(from) {
			continue
		}
		if !until.IsZero() && !r.Timestamp.Before(until) {
			continue
		}
		out = append(out, r)
	}
	return out, true
}
