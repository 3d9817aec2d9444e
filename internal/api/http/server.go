// Package apihttp implements Lumina's HTTP surface (spec §6): task
// creation/listing/cancellation/log-polling/cleanup, the info endpoint,
// and the SSE stream. Grounded on
// starsinc1708-TorrX/services/torrent-search/internal/api/http/server.go's
// functional-options Server plus middleware chain, rebuilt on
// go-chi/chi for routing and go-chi/httprate for per-client rate
// limiting in place of the teacher's single global token bucket.
package apihttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lumina/internal/domain"
	"lumina/internal/infoapi"
	"lumina/internal/sse"
)

// TaskService is the subset of *taskmanager.Manager the HTTP layer needs.
type TaskService interface {
	AddTask(req domain.Request) string
	Get(id string) (*domain.Task, bool)
	List() []domain.Snapshot
	Cancel(id string) bool
	Cleanup(maxKeep int, removeActive bool) int
}

// Server is Lumina's HTTP handler, built with functional options so
// cmd/server/main.go can wire only the pieces it has constructed.
type Server struct {
	tasks      TaskService
	info       *infoapi.Handler
	streamer   *sse.Streamer
	logger     *slog.Logger
	allowedOrigins []string
	defaultMetaMode domain.MetaMode
}

type ServerOption func(*Server)

func WithTasks(tasks TaskService) ServerOption {
	return func(s *Server) { s.tasks = tasks }
}

func WithInfo(info *infoapi.Handler) ServerOption {
	return func(s *Server) { s.info = info }
}

func WithStreamer(streamer *sse.Streamer) ServerOption {
	return func(s *Server) { s.streamer = streamer }
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

func WithDefaultMetaMode(mode domain.MetaMode) ServerOption {
	return func(s *Server) { s.defaultMetaMode = mode }
}

func NewServer(options ...ServerOption) *Server {
	s := &Server{logger: slog.Default(), defaultMetaMode: domain.MetaOff}
	for _, opt := range options {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler builds the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoveryMiddleware(s.logger))
	r.Use(corsMiddleware(s.allowedOrigins))
	r.Use(metricsMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(httprate.LimitByIP(20, time.Minute))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	if s.info != nil {
		r.Get("/api/info", s.info.ServeHTTP)
	}
	r.Post("/api/tasks", s.handleCreateTask)
	r.Get("/api/tasks", s.handleListTasks)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Post("/api/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/api/tasks/{id}/log", s.handleTaskLog)
	r.Post("/api/tasks/cleanup", s.handleCleanup)
	if s.streamer != nil {
		r.Get("/api/stream_task", s.streamer.ServeHTTP)
	}

	// Legacy compatibility endpoint from the original single-process
	// tool; clients should have migrated to /api/tasks.
	r.Get("/download", s.handleLegacyDownload)

	return otelhttp.NewHandler(r, "lumina", otelhttp.WithFilter(func(r *http.Request) bool {
		p := r.URL.Path
		return p != "/metrics" && p != "/health"
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLegacyDownload(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusGone, "legacy_endpoint_removed", "use POST /api/tasks instead")
}
