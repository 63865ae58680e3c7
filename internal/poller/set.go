package poller

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/config"
	"github.com/edgeo-scada/s7/internal/store"
)

// Set runs the pollers of all configured devices and routes channel
// writes to the poller that owns the channel.
type Set struct {
	pollers   []*Poller
	byDevice  map[string]*Poller
	byChannel map[string]*Poller
}

// NewSet groups pollers. Device and channel names must be unique across
// the set.
func NewSet(pollers ...*Poller) (*Set, error) {
	s := &Set{
		byDevice:  make(map[string]*Poller, len(pollers)),
		byChannel: make(map[string]*Poller),
	}
	for _, p := range pollers {
		if _, dup := s.byDevice[p.Name()]; dup {
			return nil, fmt.Errorf("poller: duplicate device %q", p.Name())
		}
		s.byDevice[p.Name()] = p
		for _, ch := range p.cfg.Channels {
			if other, dup := s.byChannel[ch.Name]; dup {
				return nil, fmt.Errorf("poller: channel %q served by %s and %s", ch.Name, other.Name(), p.Name())
			}
			s.byChannel[ch.Name] = p
		}
		s.pollers = append(s.pollers, p)
	}
	return s, nil
}

// Build creates one poller per configured device.
func Build(cfg *config.Config, st *store.Store, opts ...Option) (*Set, error) {
	pollers := make([]*Poller, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		dc, err := d.ToDevice()
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}

		var channels []Channel
		for _, ch := range cfg.ChannelsOf(d.Name) {
			loc, err := s7.ParseLocator(ch.Locator)
			if err != nil {
				return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
			}
			channels = append(channels, Channel{Name: ch.Name, Locator: loc, Writable: ch.Writable})
		}

		p, err := New(Config{
			Device:       dc,
			Channels:     channels,
			Interval:     d.PollInterval,
			MaxExchanges: d.MaxExchanges,
		}, st, opts...)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
		pollers = append(pollers, p)
	}
	return NewSet(pollers...)
}

// Pollers returns the pollers in configuration order.
func (s *Set) Pollers() []*Poller {
	return append([]*Poller(nil), s.pollers...)
}

// Poller returns the poller of the named device.
func (s *Set) Poller(device string) (*Poller, bool) {
	p, ok := s.byDevice[device]
	return p, ok
}

// Channel returns the definition of a channel.
func (s *Set) Channel(name string) (Channel, bool) {
	p, ok := s.byChannel[name]
	if !ok {
		return Channel{}, false
	}
	return p.cfg.Channels[p.byName[name]], true
}

// Write writes value to the named channel.
func (s *Set) Write(ctx context.Context, name string, value interface{}) error {
	p, ok := s.byChannel[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return p.Write(ctx, name, value)
}

// Run runs every poller until ctx is cancelled.
func (s *Set) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.pollers {
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}
	wg.Wait()
}
