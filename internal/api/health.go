package api

import "net/http"

type healthResponse struct {
	Status      string `json:"status"`
	LiveWorkers int    `json:"live_workers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.pool != nil {
		resp.LiveWorkers = len(s.pool.List())
	}
	s.writeJSON(w, http.StatusOK, resp)
}
