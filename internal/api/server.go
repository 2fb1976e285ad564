package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/metrics"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

const defaultRequestTimeout = 30 * time.Second

// Controller is the slice of the manager the server needs.
type Controller interface {
	Status() scraper.Status
	Stats() scraper.RunStatistics
	Groups() []scraper.GroupConfig
	RunID() string
	StopAll()
}

// Options tunes optional server behavior.
type Options struct {
	// APIKey, when set, is required on every request via X-API-Key or ?api_key=.
	APIKey string
	// RequestTimeout bounds each request (default 30s).
	RequestTimeout time.Duration
	// Gatherer backs /metrics (default prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer
	// HTTPMetrics, when set, instruments every route.
	HTTPMetrics *metrics.HTTP
	Logger      *zap.Logger
}

// Server wires HTTP handlers to a running manager.
type Server struct {
	router  chi.Router
	ctrl    Controller
	results *ResultsHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. results may be
// nil, in which case the results route answers 503.
func NewServer(ctrl Controller, results ResultSource, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		ctrl:    ctrl,
		results: NewResultsHandler(results, ctrl, logger),
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if opts.HTTPMetrics != nil {
		r.Use(opts.HTTPMetrics.Middleware)
	}
	r.Use(timeoutMiddleware(timeout))
	if opts.APIKey != "" {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/stats", s.stats)
		r.Get("/groups", s.groups)
		r.Post("/stop", s.stop)
		r.Get("/runs/{run_id}/results", s.results.ListResults)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "manager unavailable")
		return
	}
	st := s.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":        s.ctrl.RunID(),
		"is_running":    st.IsRunning,
		"active_groups": st.ActiveGroups,
		"total_groups":  st.TotalGroups,
		"stats":         st.Stats,
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) groups(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": s.ctrl.Groups()})
}

// stop returns immediately; closing browser sessions happens in the background.
func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusServiceUnavailable, "manager unavailable")
		return
	}
	running := s.ctrl.Status().IsRunning
	if running {
		s.logger.Info("stop requested via API", zap.String("run_id", s.ctrl.RunID()))
		go s.ctrl.StopAll()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stopping": running})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // status already sent
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
