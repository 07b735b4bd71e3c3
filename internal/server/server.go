// Package server exposes health, metrics and read-only introspection of the
// buffer and consolidated tables over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xtwoend/bga-dse/config"
	"github.com/xtwoend/bga-dse/internal/buffer"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/metrics"
	"github.com/xtwoend/bga-dse/internal/schema"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Describer reads a table's physical shape. *schema.Evolver satisfies it.
type Describer interface {
	Describe(ctx context.Context, table string) (*schema.TableSchema, error)
}

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Config holds server configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "127.0.0.1:9480").
	Listen string

	// Buffer backs /api/v1/buffer/{group}. Optional.
	Buffer buffer.Store

	// Tables backs /api/v1/tables/{name}. Optional.
	Tables Describer

	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]CheckFunc

	// RequestTimeout bounds every request.
	RequestTimeout time.Duration
}

// =============================================================================
// Server
// =============================================================================

// Server is the HTTP surface of the daemon.
type Server struct {
	cfg    Config
	router *chi.Mux
	http   *http.Server
}

// New creates a server and its routes.
func New(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultHTTPListen
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{cfg: cfg, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(cfg.RequestTimeout))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/buffer/{group}", s.getBuffer)
		r.Get("/tables/{name}", s.getTable)
	})

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Listen)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info("http listening", "address", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("http shutting down")
	return s.http.Shutdown(ctx)
}

// =============================================================================
// Handlers
// =============================================================================

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth runs every check. Any failure turns the response into 503.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if len(s.cfg.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.cfg.Checks))
	}
	for name, check := range s.cfg.Checks {
		if err := check(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	respondJSON(w, status, resp)
}

// BufferResponse is the /api/v1/buffer/{group} body.
type BufferResponse struct {
	Group   string          `json:"group"`
	Records []buffer.Record `json:"records"`
}

// getBuffer returns the buffered values of a group sorted by tag.
// GET /api/v1/buffer/{group}
func (s *Server) getBuffer(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Buffer == nil {
		respondError(w, http.StatusNotFound, "buffer not available")
		return
	}
	group := chi.URLParam(r, "group")

	records, err := s.cfg.Buffer.Records(r.Context(), group)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if records == nil {
		records = []buffer.Record{}
	}
	respondJSON(w, http.StatusOK, BufferResponse{Group: group, Records: records})
}

// ColumnResponse describes one table column.
type ColumnResponse struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	SQLType string `json:"sql_type,omitempty"`
	Width   int    `json:"width,omitempty"`
}

// TableResponse is the /api/v1/tables/{name} body.
type TableResponse struct {
	Name           string           `json:"name"`
	PrimaryKey     string           `json:"primary_key"`
	PrimaryKeyKind string           `json:"primary_key_kind"`
	Timestamps     bool             `json:"timestamps"`
	Columns        []ColumnResponse `json:"columns"`
}

// getTable describes a consolidated table.
// GET /api/v1/tables/{name}
func (s *Server) getTable(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tables == nil {
		respondError(w, http.StatusNotFound, "tables not available")
		return
	}

	ts, err := s.cfg.Tables.Describe(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, NewTableResponse(ts))
}

// NewTableResponse renders a table schema for clients.
func NewTableResponse(ts *schema.TableSchema) TableResponse {
	resp := TableResponse{
		Name:           ts.Name,
		PrimaryKey:     ts.PrimaryKey.Name,
		PrimaryKeyKind: ts.PrimaryKey.Kind.String(),
		Timestamps:     ts.HasTimestamps,
		Columns:        make([]ColumnResponse, 0, len(ts.Columns)),
	}
	for _, c := range ts.Columns {
		resp.Columns = append(resp.Columns, ColumnResponse{
			Name:    c.Name,
			Type:    c.Type.String(),
			SQLType: c.SQLType,
			Width:   c.Width,
		})
	}
	return resp
}

// =============================================================================
// Helpers
// =============================================================================

func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrTableNotFound), errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.IsRetriable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug("write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// requestLogger logs each request through the component logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// CheckNames returns the configured check names, sorted.
func (s *Server) CheckNames() []string {
	names := make([]string, 0, len(s.cfg.Checks))
	for name := range s.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
