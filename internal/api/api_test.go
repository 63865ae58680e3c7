package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/device"
	"github.com/edgeo-scada/s7/internal/poller"
	"github.com/edgeo-scada/s7/internal/publish"
	"github.com/edgeo-scada/s7/internal/store"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	handler *s7.MemoryHandler
	store   *store.Store
	set     *poller.Set
	press   *poller.Poller
	router  http.Handler
}

// newFixture runs a simulator for device "press"; device "bench" points
// at a closed port and stays disconnected.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := s7.NewMemoryHandler(32)
	h.AddDB(1, 16)
	require.NoError(t, h.SetBytes(s7.AreaDB, 1, 0, []byte{0x01, 0x2C}))

	srv := s7.NewServer(h, s7.WithServerLogger(quiet()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	st := store.New(8)
	mk := func(name, addr string, chans ...poller.Channel) *poller.Poller {
		p, err := poller.New(poller.Config{
			Device: device.Config{
				Name: name, Protocol: s7.ProtoISOTCP, Address: addr,
				Slot: s7.DefaultSlot, Timeout: time.Second,
			},
			Channels: chans,
			Interval: time.Second,
		}, st, poller.WithLogger(quiet()))
		require.NoError(t, err)
		return p
	}
	press := mk("press", ln.Addr().String(),
		poller.Channel{Name: "speed", Locator: s7.MustParseLocator("DB1.DBW0"), Writable: true},
		poller.Channel{Name: "temp", Locator: s7.MustParseLocator("DB1.2:float")},
	)
	bench := mk("bench", deadAddr,
		poller.Channel{Name: "lamp", Locator: s7.MustParseLocator("Q0.1"), Writable: true},
	)
	set, err := poller.NewSet(press, bench)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, press.Connect(ctx))
	require.NoError(t, press.PollOnce(ctx))

	reg := NewRegistry(set, st, publish.NewDispatcher("gw", quiet()))
	return &fixture{
		handler: h,
		store:   st,
		set:     set,
		press:   press,
		router:  NewRouter(set, st, reg, quiet()),
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestChannels(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out []ChannelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out, 3)
	assert.Equal(t, "speed", out[0].Name)
	assert.Equal(t, "press", out[0].Device)
	assert.Equal(t, float64(300), out[0].Value)
	assert.Equal(t, store.FlagValid, out[0].Flag)
	assert.True(t, out[0].Writable)
	assert.Equal(t, "uint16", out[0].Type)
	assert.NotNil(t, out[0].Timestamp)

	assert.Equal(t, "lamp", out[2].Name)
	assert.Equal(t, store.FlagNotYetRead, out[2].Flag)
	assert.Nil(t, out[2].Timestamp)
}

func TestChannel(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/channels/speed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ch ChannelResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ch))
	assert.Equal(t, float64(300), ch.Value)

	rec = f.do(t, http.MethodGet, "/channels/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.SetBytes(s7.AreaDB, 1, 0, []byte{0x00, 0x05}))
	require.NoError(t, f.press.PollOnce(ctx))

	rec := f.do(t, http.MethodGet, "/channels/speed/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	require.Len(t, hist.Records, 2)
	assert.Equal(t, float64(300), hist.Records[0].Value)
	assert.Equal(t, float64(5), hist.Records[1].Value)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = f.do(t, http.MethodGet, "/channels/speed/history?from="+future, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	assert.Empty(t, hist.Records)

	rec = f.do(t, http.MethodGet, "/channels/speed/history?until=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/channels/nope/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWrite(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/channels/speed", `{"value": 4660}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp WriteResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)

	data, err := f.handler.Bytes(s7.AreaDB, 1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34}, data)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"read only", "/channels/temp", `{"value": 1.5}`, http.StatusForbidden},
		{"unknown", "/channels/nope", `{"value": 1}`, http.StatusNotFound},
		{"out of range", "/channels/speed", `{"value": 70000}`, http.StatusBadRequest},
		{"missing value", "/channels/speed", `{}`, http.StatusBadRequest},
		{"bad json", "/channels/speed", `{"value":`, http.StatusBadRequest},
		{"disconnected", "/channels/lamp", `{"value": true}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestDevicesAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var devices []poller.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&devices))
	require.Len(t, devices, 2)
	assert.Equal(t, "press", devices[0].Name)
	assert.Equal(t, "connected", devices[0].Status)
	assert.Equal(t, "iso-tcp", devices[0].Protocol)
	assert.Equal(t, "disconnected", devices[1].Status)

	rec = f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, HealthResponse{Status: "degraded", Devices: 2, Connected: 1}, health)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `s7_device_connected{device="press"} 1`)
	assert.Contains(t, body, `s7_device_connected{device="bench"} 0`)
	assert.Contains(t, body, `s7_exchanges_total{device="press",service="ReadVar"}`)
	assert.Contains(t, body, `s7_exchange_duration_seconds_bucket{device="press",service="ReadVar",le="0.001"}`)
	assert.Contains(t, body, `s7_channels{device="press",flag="valid"} 2`)
	assert.Contains(t, body, `s7_channels{device="bench",flag="not-yet-read"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), f.router, time.Second, time.Second, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
