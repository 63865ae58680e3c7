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
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// DefaultLatencyBounds are the bucket upper bounds used by
// NewLatencyHistogram.
var DefaultLatencyBounds = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
}

// LatencyHistogram records exchange durations in fixed buckets.
type LatencyHistogram struct {
	mu     sync.Mutex
	bounds []time.Duration
	counts []int64 // one per bound, plus overflow
	n      int64
	total  time.Duration
	lo, hi time.Duration
}

// NewLatencyHistogram creates a histogram over DefaultLatencyBounds.
func NewLatencyHistogram() *LatencyHistogram {
	return NewLatencyHistogramBounds(DefaultLatencyBounds)
}

// NewLatencyHistogramBounds creates a histogram with the given ascending
// upper bounds.
func NewLatencyHistogramBounds(bounds []time.Duration) *LatencyHistogram {
	return &LatencyHistogram{
		bounds: append([]time.Duration(nil), bounds...),
		counts: make([]int64, len(bounds)+1),
	}
}

// Observe records one exchange duration.
func (h *LatencyHistogram) Observe(d time.Duration) {
	i := sort.Search(len(h.bounds), func(i int) bool { return d <= h.bounds[i] })

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 || d < h.lo {
		h.lo = d
	}
	if d > h.hi {
		h.hi = d
	}
	h.n++
	h.total += d
	h.counts[i]++
}

// Stats returns a snapshot of the histogram.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := LatencyStats{
		Count:    h.n,
		Sum:      h.total,
		Min:      h.lo,
		Max:      h.hi,
		Buckets:  make([]LatencyBucket, len(h.bounds)),
		Overflow: h.counts[len(h.bounds)],
	}
	for i, le := range h.bounds {
		st.Buckets[i] = LatencyBucket{Le: le, Count: h.counts[i]}
	}
	return st
}

// Reset clears all observations.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.counts)
	h.n, h.total, h.lo, h.hi = 0, 0, 0, 0
}

// LatencyBucket counts the observations above the previous bound and at
// most Le. Counts are not cumulative.
type LatencyBucket struct {
	Le    time.Duration
	Count int64
}

// LatencyStats is a snapshot of a LatencyHistogram. Overflow counts the
// observations above the last bound.
type LatencyStats struct {
	Count    int64
	Sum      time.Duration
	Min      time.Duration
	Max      time.Duration
	Buckets  []LatencyBucket
	Overflow int64
}

// Avg returns the mean duration, or zero without observations.
func (s LatencyStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// Metrics holds the exchange counters of an Interface.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	ItemErrors      Counter
	ActiveConns     Counter
	Latency         *LatencyHistogram

	services sync.Map // Service -> *ServiceMetrics
}

// ServiceMetrics holds the counters of one service.
type ServiceMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForService returns the metrics of svc.
func (m *Metrics) ForService(svc Service) *ServiceMetrics {
	if val, ok := m.services.Load(svc); ok {
		return val.(*ServiceMetrics)
	}

	sm := &ServiceMetrics{
		Latency: NewLatencyHistogram(),
	}
	actual, _ := m.services.LoadOrStore(svc, sm)
	return actual.(*ServiceMetrics)
}

// Services calls fn for every service seen so far.
func (m *Metrics) Services(fn func(Service, *ServiceMetrics)) {
	m.services.Range(func(key, value interface{}) bool {
		fn(key.(Service), value.(*ServiceMetrics))
		return true
	})
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"item_errors":      m.ItemErrors.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"latency":          m.Latency.Stats(),
	}

	svcStats := make(map[string]interface{})
	m.Services(func(svc Service, sm *ServiceMetrics) {
		svcStats[svc.String()] = map[string]interface{}{
			"requests": sm.Requests.Value(),
			"errors":   sm.Errors.Value(),
			"latency":  sm.Latency.Stats(),
		}
	})
	if len(svcStats) > 0 {
		result["services"] = svcStats
	}

	return result
}

// Reset resets all metrics except the active connection gauge.
func (m *Metrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.ItemErrors.Reset()
	m.Latency.Reset()

	m.Services(func(_ Service, sm *ServiceMetrics) {
		sm.Requests.Reset()
		sm.Errors.Reset()
		sm.Latency.Reset()
	})
}
