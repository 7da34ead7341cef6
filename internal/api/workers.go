package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/pool"
	"github.com/seantiz/hearth/internal/store"
	"github.com/seantiz/hearth/internal/supervisor"
	"github.com/seantiz/hearth/internal/worker"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxInputSize     = 1 << 20 // 1 MB
	maxCreateSize    = backend.MaxMessageSize
)

// createWorkerRequest is the JSON body for POST /v1/workers. Module is
// base64 in JSON.
type createWorkerRequest struct {
	Runtime     string            `json:"runtime"`
	ServicePath string            `json:"service_path"`
	Module      []byte            `json:"module"`
	Code        string            `json:"code"`
	Entrypoint  string            `json:"entrypoint"`
	Env         map[string]string `json:"env"`
	MemLimitMB  int               `json:"mem_limit_mb"`
	Policy      *policyRequest    `json:"policy"`
	Metadata    *metadataRequest  `json:"metadata"`
}

type policyRequest struct {
	Kind             string `json:"kind"`
	CPUBudgetMS      *int64 `json:"cpu_budget_ms"`
	WallClockLimitMS *int64 `json:"wall_clock_limit_ms"`
	Boundary         string `json:"boundary"`
}

type metadataRequest struct {
	ExecutionID string            `json:"execution_id"`
	Tags        map[string]string `json:"tags"`
}

// listWorkersResponse wraps the paginated list response.
type listWorkersResponse struct {
	Workers []*model.WorkerRecord `json:"workers"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// applyPolicy overlays the request's overrides on base.
func applyPolicy(base supervisor.Policy, req *policyRequest) (supervisor.Policy, error) {
	if req == nil {
		return base, nil
	}
	p := base
	if req.Kind != "" {
		kind, err := supervisor.ParsePolicyKind(req.Kind)
		if err != nil {
			return p, err
		}
		p.Kind = kind
	}
	if req.Boundary != "" {
		b, err := supervisor.ParseBoundary(req.Boundary)
		if err != nil {
			return p, err
		}
		p.Boundary = b
	}
	if req.CPUBudgetMS != nil {
		p.CPUBudget = time.Duration(*req.CPUBudgetMS) * time.Millisecond
	}
	if req.WallClockLimitMS != nil {
		p.WallClockLimit = time.Duration(*req.WallClockLimitMS) * time.Millisecond
	}
	return p, p.Validate()
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req createWorkerRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxCreateSize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.Module) == 0 && req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "module or code is required")
		return
	}

	policy, err := applyPolicy(s.pool.DefaultPolicy(), req.Policy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid policy: "+err.Error())
		return
	}

	create := pool.CreateRequest{
		Runtime: req.Runtime,
		Boot: backend.BootOptions{
			Name:        req.ServicePath,
			ServicePath: req.ServicePath,
			Module:      req.Module,
			Code:        req.Code,
			Entrypoint:  req.Entrypoint,
			Env:         req.Env,
			MemLimitMB:  req.MemLimitMB,
		},
		Policy:   &policy,
		Metadata: model.EventMetadata{ServicePath: req.ServicePath},
	}
	if req.Metadata != nil {
		create.Metadata.ExecutionID = req.Metadata.ExecutionID
		create.Metadata.Tags = req.Metadata.Tags
	}

	rec, err := s.pool.Create(r.Context(), create)
	switch {
	case errors.Is(err, backend.ErrUnknownRuntime):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, worker.ErrBoot):
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		s.logger.Error("create worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create worker")
		return
	}

	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, err := s.store.GetWorker(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	if err != nil {
		s.logger.Error("get worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	workers, total, err := s.store.ListWorkers(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list workers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}

	if workers == nil {
		workers = []*model.WorkerRecord{}
	}

	s.writeJSON(w, http.StatusOK, listWorkersResponse{
		Workers: workers,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleCancelWorker raises the worker's cancellation signal. The outcome
// is reported asynchronously through the event stream.
func (s *Server) handleCancelWorker(w http.ResponseWriter, r *http.Request) {
	key, ok := s.workerKey(w, r)
	if !ok {
		return
	}

	if err := s.pool.Cancel(key); err != nil {
		if errors.Is(err, pool.ErrWorkerNotFound) {
			s.writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("cancel worker", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel worker")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"key":    key.String(),
		"status": "cancelling",
	})
}

// workerKey parses the {key} URL parameter, writing 400 on failure.
func (s *Server) workerKey(w http.ResponseWriter, r *http.Request) (model.WorkerKey, bool) {
	key, err := model.ParseWorkerKey(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid worker key")
		return model.WorkerKey{}, false
	}
	return key, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
