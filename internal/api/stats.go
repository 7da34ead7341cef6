package api

import (
	"net/http"

	"github.com/seantiz/hearth/internal/pool"
	"github.com/seantiz/hearth/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Runtime pool.Snapshot     `json:"runtime"`
	Workers []pool.Info       `json:"workers"`
	Events  *store.EventStats `json:"events"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	evStats, err := s.store.GetEventStats(r.Context())
	if err != nil {
		s.logger.Error("get event stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Runtime: s.pool.Metrics(r.Context()),
		Workers: s.pool.List(),
		Events:  evStats,
	})
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
