// Package api is the station's local HTTP surface. Desk software (the
// counter GUI, report tools) drives the reader and queries the ledger
// through it; it is bound to localhost by default.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/frontdesk/cardesk/internal/app/history"
	"github.com/frontdesk/cardesk/internal/app/reconcile"
	"github.com/frontdesk/cardesk/internal/domain"
	"github.com/frontdesk/cardesk/internal/infra/link"
	"github.com/frontdesk/cardesk/internal/infra/observability"
)

// Store is the ledger surface the API reads and administers.
type Store interface {
	domain.Ledger
	ListCards(ctx context.Context) ([]domain.Card, error)
	SetOffer(ctx context.Context, uid string, percent decimal.Decimal) error
	Ping(ctx context.Context) error
}

// DeviceInfo reports on the reader connection.
type DeviceInfo interface {
	Ping(ctx context.Context) bool
	State() link.State
	Port() (string, int)
}

// Server is the station HTTP API server.
type Server struct {
	engine         *reconcile.Engine
	store          Store
	device         DeviceInfo // nil when running without a reader
	history        *history.Reader
	journal        *observability.Journal
	hub            *ScanHub
	metricsEnabled bool
	log            *log.Entry
}

// NewServer creates a new API server. device may be nil.
func NewServer(engine *reconcile.Engine, store Store, device DeviceInfo, hist *history.Reader, journal *observability.Journal) *Server {
	return &Server{
		engine:  engine,
		store:   store,
		device:  device,
		history: hist,
		journal: journal,
		hub:     NewScanHub(),
		log:     log.WithField("component", "api"),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// ScanHub returns the live feed hub (for broadcasting poll events).
func (s *Server) ScanHub() *ScanHub { return s.hub }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	// Live feed: no timeout, the connection is long-lived.
	r.Get("/api/feed", s.hub.HandleFeed)

	r.Group(func(r chi.Router) {
		// A top-up with write-back can hold the reader for a full retry budget.
		r.Use(middleware.Timeout(2 * time.Minute))

		r.Route("/api/device", func(r chi.Router) {
			r.Get("/status", s.handleDeviceStatus)
			r.Post("/ping", s.handleDevicePing)
			r.Get("/journal", s.handleJournal)
		})

		r.Post("/api/scan", s.handleScan)

		r.Route("/api/cards", func(r chi.Router) {
			r.Get("/", s.handleListCards)
			r.Get("/{uid}", s.handleGetCard)
			r.Delete("/{uid}", s.handleDeleteCard)
			r.Post("/{uid}/topup", s.handleTopUp)
			r.Post("/{uid}/write", s.handleWrite)
			r.Put("/{uid}/offer", s.handleSetOffer)
		})

		r.Get("/api/transactions", s.handleTransactions)

		r.Get("/api/history", s.handleReadHistory)
		r.Post("/api/history/clear", s.handleClearHistory)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    errorType(status),
		},
	})
}

// fail maps a domain or device error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.WithError(err).Warn("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidUID),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidOffer),
		errors.Is(err, domain.ErrDataTooLong),
		errors.Is(err, domain.ErrDataInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCardNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCardMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrLinkTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrLinkDeviceReported),
		errors.Is(err, domain.ErrLinkIO),
		errors.Is(err, domain.ErrLinkOpen):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusServiceUnavailable:
		return "device_error"
	}
	return "error"
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// requestLogger logs each request through logrus.
func requestLogger(l *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				l.WithFields(log.Fields{
					"method":   r.Method,
					"path":     r.URL.Path,
					"status":   ww.Status(),
					"duration": time.Since(start).String(),
				}).Debug("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// corsMiddleware adds CORS headers for a desk GUI served from another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
