// Package server exposes forgectl sessions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tattester/forgectl/internal/kvstore"
	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/logging"
	"github.com/tattester/forgectl/internal/state"
	"github.com/tattester/forgectl/internal/studio"
)

// Server is the HTTP front end of a studio.Service.
type Server struct {
	svc      *studio.Service
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	router   *chi.Mux
}

// New builds the router. Metrics are served from gatherer when it is non-nil.
func New(svc *studio.Service, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{svc: svc, logger: logger, gatherer: gatherer}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.New(logging.NewWriter(logger, "http request"), "", 0),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/presets", s.handlePresets)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Put("/canvas", s.handleSetCanvas)
				r.Post("/undo", s.handleUndo)
				r.Post("/redo", s.handleRedo)
				r.Get("/render", s.handleRender)
				r.Get("/render.png", s.handleRender)
				r.Get("/ar.png", s.handleExportAR)
				s.layerRoutes(r)
				s.versionRoutes(r)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	took, err := s.svc.Probe(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "storageMs": took.Milliseconds()})
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := errorBody{Error: err.Error()}
	if kvstore.IsQuotaExceededError(err) || kvstore.IsStorageError(err) {
		body.Code = kvstore.Code(err)
	}
	writeJSON(w, code, body)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case layer.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, layer.ErrLayerNotFound), errors.Is(err, studio.ErrVersionNotFound), state.IsNotFoundError(err):
		return http.StatusNotFound
	case kvstore.IsConflictError(err):
		return http.StatusConflict
	case kvstore.IsQuotaExceededError(err):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"requestId", middleware.GetReqID(r.Context()), "error", err)
	}
	writeError(w, code, err)
}

// expectedRevision reads the If-Match header. Absent means any revision.
func expectedRevision(r *http.Request) (int64, error) {
	raw := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	if raw == "" || raw == "*" {
		return studio.AnyRevision, nil
	}
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev < 0 {
		return 0, &layer.ValidationError{Field: "If-Match", Reason: fmt.Sprintf("invalid revision %q", raw)}
	}
	return rev, nil
}

func setRevision(w http.ResponseWriter, rev int64) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(rev, 10)))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &layer.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}
