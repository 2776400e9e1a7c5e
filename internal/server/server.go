// Package server exposes health, metrics and watcher status over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/nhle/mailgram/internal/metrics"
	"github.com/nhle/mailgram/internal/model"
	"github.com/nhle/mailgram/internal/store"
	mailsync "github.com/nhle/mailgram/internal/sync"
)

const XRequestIDHeader = "X-Request-Id"

const shutdownTimeout = 5 * time.Second

// StatusSource reports the state of every watcher.
type StatusSource interface {
	Statuses() []mailsync.WatchStatus
}

type httpResponse struct {
	StatusCode int `json:"status_code"`
	Data       any `json:"data,omitempty"`
}

type httpError struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
}

// accountStatus is one entry of the /status response.
type accountStatus struct {
	mailsync.WatchStatus
	Recent []model.Delivery `json:"recent,omitempty"`
}

// Server is the optional ops endpoint.
type Server struct {
	addr     string
	statuses StatusSource
	log      store.DeliveryLog
	metrics  metrics.Metrics
	logger   *slog.Logger
}

// New creates a server listening on addr.
func New(addr string, statuses StatusSource, log store.DeliveryLog, m metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Server{
		addr:     addr,
		statuses: statuses,
		log:      log,
		metrics:  m,
		logger:   logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(SetRequestID)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", s.metrics.ServePrometheus())
	r.Get("/status", s.status)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, httpResponse{StatusCode: http.StatusOK, Data: "ok"})
}

// status lists watcher states with their most recent deliveries. The
// optional limit query parameter bounds the deliveries per account.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var out []accountStatus
	for _, st := range s.statuses.Statuses() {
		entry := accountStatus{WatchStatus: st}
		if limit > 0 && s.log != nil {
			recent, err := s.log.RecentDeliveries(r.Context(), st.AccountID, limit)
			if err != nil {
				s.logger.Error("loading recent deliveries", "account", st.AccountID, "error", err)
				s.sendError(w, r, http.StatusInternalServerError, "loading recent deliveries failed")
				return
			}
			entry.Recent = recent
		}
		out = append(out, entry)
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, httpResponse{StatusCode: http.StatusOK, Data: out})
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, httpError{StatusCode: code, Error: msg})
}

// SetRequestID tags each request with an X-Request-Id, generating one when
// the client sent none.
func SetRequestID(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(XRequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
			r.Header.Set(XRequestIDHeader, reqID)
		}
		w.Header().Set(XRequestIDHeader, reqID)

		next.ServeHTTP(w, r)
	}

	return http.HandlerFunc(fn)
}
