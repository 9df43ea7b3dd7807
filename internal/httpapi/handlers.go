package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// statusResponse is the body of GET /status: how many files the collector
// is tailing, how many distinct streams the database holds, and every
// (name, value) pair currently indexed.
type statusResponse struct {
	FilesLen   int      `json:"files_len"`
	StreamsLen int      `json:"streams_len"`
	IndexKeys  []string `json:"index_keys"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	filesLen := 0
	if s.files != nil {
		filesLen = s.files.LiveFileCount()
	}

	resp := statusResponse{
		FilesLen:   filesLen,
		StreamsLen: s.db.StreamsLen(),
		IndexKeys:  s.db.IndexKeys(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("httpapi: encode /status response failed", slog.Any("err", err))
	}
}

// handleLogs implements GET /logs/{name}/{value...}. value is matched as a
// chi catch-all so that label values containing a literal slash (e.g. a
// filesystem path) still route correctly. Both parameters are percent
// decoded before the query.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		// chi routes on RawPath when one is set, so the captured parameters
		// are still percent-encoded here.
		if v, err := url.PathUnescape(name); err == nil {
			name = v
		}
		if v, err := url.PathUnescape(value); err == nil {
			value = v
		}
	}

	lines, found, err := s.db.Query(name, value)
	if err != nil {
		s.logger.Error("httpapi: query failed", slog.String("name", name), slog.String("value", value), slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if lines == nil {
		lines = []string{}
	}
	if err := json.NewEncoder(w).Encode(lines); err != nil {
		s.logger.Error("httpapi: encode /logs response failed", slog.Any("err", err))
	}
}
