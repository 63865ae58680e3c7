// Package api serves current and historic channel values over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/poller"
	"github.com/edgeo-scada/s7/internal/store"
)

// Gateway is the part of the poller set the API needs.
type Gateway interface {
	Pollers() []*poller.Poller
	Channel(name string) (poller.Channel, bool)
	Write(ctx context.Context, name string, value interface{}) error
}

// ChannelResponse is a channel definition with its current record.
type ChannelResponse struct {
	Name      string      `json:"name"`
	Device    string      `json:"device"`
	Locator   string      `json:"locator"`
	Type      string      `json:"type"`
	Writable  bool        `json:"writable"`
	Value     interface{} `json:"value"`
	Flag      store.Flag  `json:"flag"`
	Error     string      `json:"error,omitempty"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
}

// HistoryResponse lists the recorded changes of a channel.
type HistoryResponse struct {
	Channel string         `json:"channel"`
	Records []store.Record `json:"records"`
}

// WriteRequest is the body of PUT /channels/{name}.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse reports the outcome of a write.
type WriteResponse struct {
	Channel   string      `json:"channel"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// HealthResponse summarizes device connectivity.
type HealthResponse struct {
	Status    string `json:"status"`
	Devices   int    `json:"devices"`
	Connected int    `json:"connected"`
}

type handlers struct {
	gw     Gateway
	store  *store.Store
	logger *slog.Logger
}

// NewRouter creates the REST router. reg may be nil to omit /metrics.
func NewRouter(gw Gateway, st *store.Store, reg *prometheus.Registry, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{gw: gw, store: st, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/devices", h.handleDevices)
	r.Route("/channels", func(r chi.Router) {
		r.Get("/", h.handleChannels)
		r.Get("/{name}", h.handleChannel)
		r.Put("/{name}", h.handleWrite)
		r.Get("/{name}/history", h.handleHistory)
	})
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	for _, p := range h.gw.Pollers() {
		resp.Devices++
		if p.Info().Status == poller.StatusConnected.String() {
			resp.Connected++
		}
	}
	if resp.Connected < resp.Devices {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleDevices(w http.ResponseWriter, r *http.Request) {
	pollers := h.gw.Pollers()
	out := make([]poller.Info, 0, len(pollers))
	for _, p := range pollers {
		out = append(out, p.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) channelResponse(rec store.Record) ChannelResponse {
	resp := ChannelResponse{
		Name:   rec.Channel,
		Device: rec.Device,
		Value:  rec.Value,
		Flag:   rec.Flag,
		Error:  rec.Error,
	}
	if ch, ok := h.gw.Channel(rec.Channel); ok {
		resp.Locator = ch.Locator.String()
		resp.Type = ch.Locator.Type.String()
		resp.Writable = ch.Writable
	}
	if !rec.Timestamp.IsZero() {
		ts := rec.Timestamp
		resp.Timestamp = &ts
	}
	return resp
}

func (h *handlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	records := h.store.All()
	out := make([]ChannelResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, h.channelResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, ok := h.store.Current(name)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, h.channelResponse(rec))
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	until, err := parseTime(r.URL.Query().Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid until: "+err.Error())
		return
	}

	records, ok := h.store.History(name, from, until)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found: "+name)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Channel: name, Records: records})
}

// parseTime accepts RFC 3339 or an empty string for an open bound.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req WriteRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	err := h.gw.Write(r.Context(), name, req.Value)
	resp := WriteResponse{
		Channel:   name,
		Value:     req.Value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		resp.Error = err.Error()
		h.logger.Warn("channel write failed", slog.String("channel", name), slog.String("error", err.Error()))
		writeJSON(w, writeStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeStatus maps a write failure to an HTTP status.
func writeStatus(err error) int {
	var ie *s7.ItemError
	switch {
	case errors.Is(err, poller.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, poller.ErrNotWritable):
		return http.StatusForbidden
	case errors.Is(err, s7.ErrInvalidPayload), errors.Is(err, s7.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, s7.ErrNotConnected), errors.Is(err, s7.ErrConnectionBroken):
		return http.StatusServiceUnavailable
	case errors.As(err, &ie):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
