package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/dispatchry/internal/sandbox"
)

// SandboxListResponse is the response for listing captured messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int64              `json:"total"`
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	filter := sandbox.ListFilter{
		BatchID:    r.URL.Query().Get("batch_id"),
		CustomerID: r.URL.Query().Get("customer_id"),
		Mode:       r.URL.Query().Get("mode"),
		Limit:      100,
	}

	limit, offset, ok := s.parsePaging(w, r)
	if !ok {
		return
	}
	if limit > 0 {
		filter.Limit = limit
	}
	filter.Offset = offset

	messages, err := s.sandbox.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	stats, err := s.sandbox.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: stats.Total})
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg, err := s.sandbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if msg == nil {
		s.sendErrorCode(w, http.StatusNotFound, CodeNotFound, "Message not found")
		return
	}

	s.sendJSON(w, http.StatusOK, msg)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.sendErrorCode(w, http.StatusBadRequest, CodeValidation, "Invalid older_than duration")
			return
		}
		olderThan = d
	}

	n, err := s.sandbox.Clear(r.Context(), r.URL.Query().Get("batch_id"), olderThan)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sandbox.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}
