package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bridgewatch/internal/alerting"
	"bridgewatch/internal/domain"
	"bridgewatch/internal/engine"
	"bridgewatch/internal/metrics"
)

// Service is the engine surface exposed over HTTP.
type Service interface {
	Ingest(ctx context.Context, sample domain.Sample) (domain.BaselineState, error)
	GetAssetState(assetID string) (engine.AssetView, error)
	ListAssets() []engine.AssetView
	Recalibrate(ctx context.Context, assetID string, frequency, amplitude float64) (domain.Asset, error)
	ListOpenAlerts(filter alerting.Filter) []domain.Alert
	GetAlert(alertID string) (domain.Alert, error)
	AlertHistory(assetID string) []domain.Alert
	Acknowledge(ctx context.Context, alertID string) (domain.Alert, error)
	Resolve(ctx context.Context, alertID string) (domain.Alert, error)
	Stats() engine.Stats
	Closed() bool
}

var _ Service = (*engine.Engine)(nil)

// Options bound request handling.
type Options struct {
	MaxBodyBytes int64
	MaxBatch     int
	APIKeys      []string
}

// Handler serves the ingestion, query and operator boundaries.
type Handler struct {
	svc    Service
	opts   Options
	logger zerolog.Logger
}

// NewRouter builds the HTTP router.
func NewRouter(svc Service, opts Options, logger zerolog.Logger) *chi.Mux {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	h := &Handler{
		svc:    svc,
		opts:   opts,
		logger: logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(h.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/samples", h.ingestSamples)

		r.Get("/assets", h.listAssets)
		r.Get("/assets/{id}", h.getAsset)
		r.Put("/assets/{id}/baseline", h.recalibrate)
		r.Get("/assets/{id}/alerts", h.assetAlerts)

		r.Get("/alerts", h.listAlerts)
		r.Get("/alerts/{id}", h.getAlert)
		r.Post("/alerts/{id}/acknowledge", h.acknowledge)
		r.Post("/alerts/{id}/resolve", h.resolve)
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := h.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = h.logger.Warn()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	if len(h.opts.APIKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		for _, allowed := range h.opts.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if h.svc.Closed() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"queues": h.svc.Stats(),
	})
}
