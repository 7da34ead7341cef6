package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/pool"
)

// invokeResponse is the JSON response for an invocation.
type invokeResponse struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Stderr     string `json:"stderr,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) handleInvokeWorker(w http.ResponseWriter, r *http.Request) {
	key, ok := s.workerKey(w, r)
	if !ok {
		return
	}
	s.invoke(w, r, targetWorker, func(c backend.Conn) error { return s.pool.Route(key, c) })
}

func (s *Server) handleInvokeMain(w http.ResponseWriter, r *http.Request) {
	s.invoke(w, r, targetMain, s.pool.RouteMain)
}

// invoke routes one connection and relays a single request frame over it.
// The body is the raw input.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, target string, route func(backend.Conn) error) {
	input, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputSize))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "input too large")
		return
	}

	client, server := net.Pipe()
	defer client.Close()

	start := time.Now()
	if err := route(backend.Conn{Stream: server, Liveness: r.Context().Done()}); err != nil {
		server.Close()
		switch {
		case errors.Is(err, pool.ErrWorkerNotFound):
			observeInvoke(target, invokeNotFound, start)
			s.writeError(w, http.StatusNotFound, "worker not found")
		case errors.Is(err, pool.ErrWorkerRetired):
			observeInvoke(target, invokeUnavailable, start)
			s.writeError(w, http.StatusServiceUnavailable, "worker retired")
		case errors.Is(err, pool.ErrNoMainWorker):
			observeInvoke(target, invokeUnavailable, start)
			s.writeError(w, http.StatusServiceUnavailable, "no main worker")
		default:
			observeInvoke(target, invokeUnavailable, start)
			s.logger.Error("route connection", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to route request")
		}
		return
	}

	stop := context.AfterFunc(r.Context(), func() { client.Close() })
	defer stop()

	if err := backend.WriteMessage(client, backend.InvokeRequest{Input: input}); err != nil {
		observeInvoke(target, invokeDropped, start)
		s.writeError(w, http.StatusBadGateway, "worker closed the connection")
		return
	}

	var resp backend.InvokeResponse
	if err := backend.ReadMessage(client, &resp); err != nil {
		observeInvoke(target, invokeDropped, start)
		s.writeError(w, http.StatusBadGateway, "worker closed the connection")
		return
	}

	observeInvoke(target, invokeAnswered, start)
	s.writeJSON(w, http.StatusOK, invokeResponse{
		ExitCode:   resp.ExitCode,
		Output:     string(resp.Output),
		Stderr:     string(resp.Stderr),
		Error:      resp.Error,
		DurationMS: resp.DurationMS,
	})
}
