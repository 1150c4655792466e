// Package diagnostic serves the local status endpoints: a health check, a
// JSON snapshot of every tunnel, per-tunnel connection events, and the
// process's Prometheus metrics. The server is loopback-only and off by
// default.
package diagnostic

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tuinnel/tuinnel/tunnelstate"
)

var json = jsoniter.ConfigFastest

// StateSource is the view of the tunnel service the handlers read. Satisfied
// by *tunnelstate.Service.
type StateSource interface {
	Runtimes() []*tunnelstate.Runtime
	Runtime(name string) (*tunnelstate.Runtime, bool)
	Events(name string, limit int) ([]tunnelstate.ConnectionEvent, bool)
}

var _ StateSource = (*tunnelstate.Service)(nil)

type Handler struct {
	log   *zerolog.Logger
	state StateSource
}

func NewHandler(state StateSource, log *zerolog.Logger) *Handler {
	return &Handler{log: log, state: state}
}

// Routes builds the status router.
func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Get("/healthcheck", h.HealthcheckHandler)
	router.Get("/status", h.StatusHandler)
	router.Get("/tunnels/{name}", h.TunnelHandler)
	router.Get("/tunnels/{name}/events", h.EventsHandler)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func (h *Handler) HealthcheckHandler(writer http.ResponseWriter, _ *http.Request) {
	_, _ = writer.Write([]byte("OK\n"))
}

func (h *Handler) StatusHandler(writer http.ResponseWriter, _ *http.Request) {
	h.writeJSON(writer, h.state.Runtimes())
}

func (h *Handler) TunnelHandler(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")
	runtime, ok := h.state.Runtime(name)
	if !ok {
		http.NotFound(writer, request)
		return
	}
	h.writeJSON(writer, runtime)
}

// EventsHandler returns a tunnel's buffered connection events, oldest first.
// ?limit=n keeps only the newest n.
func (h *Handler) EventsHandler(writer http.ResponseWriter, request *http.Request) {
	name := chi.URLParam(request, "name")

	limit := 0
	if raw := request.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(writer, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, ok := h.state.Events(name, limit)
	if !ok {
		http.NotFound(writer, request)
		return
	}
	if events == nil {
		events = []tunnelstate.ConnectionEvent{}
	}
	h.writeJSON(writer, events)
}

func (h *Handler) writeJSON(writer http.ResponseWriter, body interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Could not serialize status response")
		writer.WriteHeader(http.StatusInternalServerError)
	}
}
