package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/publish"
	"github.com/edgeo-scada/s7/internal/store"
)

var (
	descExchanges = prometheus.NewDesc("s7_exchanges_total",
		"Request/response exchanges by device and service.", []string{"device", "service"}, nil)
	descExchangeErrors = prometheus.NewDesc("s7_exchange_errors_total",
		"Failed exchanges by device and service.", []string{"device", "service"}, nil)
	descItemErrors = prometheus.NewDesc("s7_item_errors_total",
		"Items rejected by the controller.", []string{"device"}, nil)
	descLatency = prometheus.NewDesc("s7_exchange_duration_seconds",
		"Exchange round trip time.", []string{"device", "service"}, nil)
	descConnected = prometheus.NewDesc("s7_device_connected",
		"1 when the device session is established.", []string{"device"}, nil)
	descReconnects = prometheus.NewDesc("s7_device_reconnects_total",
		"Sessions lost and re-established.", []string{"device"}, nil)
	descChannels = prometheus.NewDesc("s7_channels",
		"Channels by current quality flag.", []string{"device", "flag"}, nil)
	descPublished = prometheus.NewDesc("s7gw_published_total",
		"Records delivered per sink.", []string{"sink"}, nil)
	descPublishFailed = prometheus.NewDesc("s7gw_publish_failures_total",
		"Records a sink failed to deliver.", []string{"sink"}, nil)
	descPublishDropped = prometheus.NewDesc("s7gw_publish_dropped_total",
		"Records dropped on a full sink queue.", []string{"sink"}, nil)
)

// collector exports the gateway state at scrape time.
type collector struct {
	gw    Gateway
	store *store.Store
	pub   *publish.Dispatcher
}

// NewRegistry returns a registry holding the Go runtime collectors and
// the gateway collector. pub may be nil.
func NewRegistry(gw Gateway, st *store.Store, pub *publish.Dispatcher) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		&collector{gw: gw, store: st, pub: pub},
	)
	return reg
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descExchanges, descExchangeErrors, descItemErrors,
		descLatency, descConnected, descReconnects, descChannels,
		descPublished, descPublishFailed, descPublishDropped} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.gw.Pollers() {
		name := p.Name()
		info := p.Info()

		connected := 0.0
		if info.Status == "connected" {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(descConnected, prometheus.GaugeValue, connected, name)
		ch <- prometheus.MustNewConstMetric(descReconnects, prometheus.CounterValue, float64(info.Reconnects), name)

		m := p.Metrics()
		ch <- prometheus.MustNewConstMetric(descItemErrors, prometheus.CounterValue, float64(m.ItemErrors.Value()), name)
		m.Services(func(svc s7.Service, sm *s7.ServiceMetrics) {
			ch <- prometheus.MustNewConstMetric(descExchanges, prometheus.CounterValue,
				float64(sm.Requests.Value()), name, svc.String())
			ch <- prometheus.MustNewConstMetric(descExchangeErrors, prometheus.CounterValue,
				float64(sm.Errors.Value()), name, svc.String())
			ch <- latencyHistogram(sm.Latency.Stats(), name, svc.String())
		})
	}

	counts := make(map[[2]string]int)
	for _, r := range c.store.All() {
		counts[[2]string{r.Device, r.Flag.String()}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(descChannels, prometheus.GaugeValue, float64(n), k[0], k[1])
	}

	if c.pub == nil {
		return
	}
	for _, s := range c.pub.Stats() {
		ch <- prometheus.MustNewConstMetric(descPublished, prometheus.CounterValue, float64(s.Published), s.Sink)
		ch <- prometheus.MustNewConstMetric(descPublishFailed, prometheus.CounterValue, float64(s.Failed), s.Sink)
		ch <- prometheus.MustNewConstMetric(descPublishDropped, prometheus.CounterValue, float64(s.Dropped), s.Sink)
	}
}

func latencyHistogram(st s7.LatencyStats, labels ...string) prometheus.Metric {
	buckets := make(map[float64]uint64, len(st.Buckets))
	var cum uint64
	for _, b := range st.Buckets {
		cum += uint64(b.Count)
		buckets[b.Le.Seconds()] = cum
	}
	return prometheus.MustNewConstHistogram(descLatency, uint64(st.Count), st.Sum.Seconds(), buckets, labels...)
}
