// Package httpapi implements the query surface: a thin façade in front of
// the database, plus a status endpoint for operators. It owns no state of
// its own beyond request routing.
package httpapi

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/agent/internal/store"
)

// queryable is the subset of *store.Database the query surface needs.
type queryable interface {
	Query(name, value string) (lines []string, found bool, err error)
	IndexKeys() []string
	StreamsLen() int
}

// fileCounter reports how many files the collector is currently tailing.
type fileCounter interface {
	LiveFileCount() int
}

var _ queryable = (*store.Database)(nil)

// Server holds the dependencies the query surface's handlers close over.
type Server struct {
	db     queryable
	files  fileCounter
	logger *slog.Logger
}

// NewServer constructs a Server. files may be nil, in which case /status
// reports a files_len of 0 (useful in tests that only exercise the query
// path).
func NewServer(db queryable, files fileCounter, logger *slog.Logger) *Server {
	return &Server{db: db, files: files, logger: logger}
}

// NewRouter builds the chi router exposing the query surface.
func NewRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/logs/{name}/*", s.handleLogs)

	return r
}
