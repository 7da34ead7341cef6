// Package guest is the agent that runs as PID 1 inside Firecracker
// microVMs. It serves one host connection per routed request: write the
// worker's code into a scratch directory, run it with the language
// runtime, stream output lines back and finish with a result frame.
package guest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seantiz/hearth/internal/backend"
	fc "github.com/seantiz/hearth/internal/backend/firecracker"
)

type runtimeCommand struct {
	bin        string
	args       func(entrypoint string) []string
	entrypoint string
}

var runtimeCommands = map[string]runtimeCommand{
	"go":     {bin: "go", args: func(ep string) []string { return []string{"run", ep} }, entrypoint: "main.go"},
	"node":   {bin: "node", args: func(ep string) []string { return []string{ep} }, entrypoint: "index.js"},
	"python": {bin: "python3", args: func(ep string) []string { return []string{ep} }, entrypoint: "main.py"},
}

// Agent accepts host connections and runs requests.
type Agent struct {
	listener net.Listener
	workDir  string
	logger   *slog.Logger
}

// New creates an agent. Each request gets its own directory under workDir.
func New(listener net.Listener, workDir string, logger *slog.Logger) *Agent {
	return &Agent{listener: listener, workDir: workDir, logger: logger}
}

// Serve blocks accepting connections until the listener fails.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := backend.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.sendResult(conn, fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	// The host hangs up to cancel; nothing else is sent after the request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		io.Copy(io.Discard, conn)
		cancel()
	}()

	a.sendResult(conn, a.run(ctx, conn, &req))
}

func (a *Agent) run(ctx context.Context, conn net.Conn, req *fc.GuestRequest) fc.GuestResponse {
	rc, ok := runtimeCommands[req.Runtime]
	if !ok {
		return failure("unsupported runtime: %q", req.Runtime)
	}
	entrypoint := req.Entrypoint
	if entrypoint == "" {
		entrypoint = rc.entrypoint
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return failure("create work dir: %v", err)
	}
	dir, err := os.MkdirTemp(a.workDir, "req-")
	if err != nil {
		return failure("create request dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if err := validatePath(dir, entrypoint); err != nil {
		return failure("invalid entrypoint: %v", err)
	}
	path := filepath.Join(dir, entrypoint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure("create entrypoint dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(req.Code), 0o644); err != nil {
		return failure("write code: %v", err)
	}

	cmd := exec.CommandContext(ctx, rc.bin, rc.args(path)...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(req.Input)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failure("stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failure("stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return failure("start command: %v", err)
	}

	var (
		writeMu sync.Mutex
		outBuf  strings.Builder
		errBuf  strings.Builder
		wg      sync.WaitGroup
	)
	wg.Go(func() { a.streamLines(conn, &writeMu, stdout, &outBuf) })
	wg.Go(func() { a.streamLines(conn, &writeMu, stderr, &errBuf) })
	wg.Wait()

	resp := fc.GuestResponse{Output: outBuf.String() + errBuf.String()}
	if err := cmd.Wait(); err != nil {
		resp.Error = err.Error()
		resp.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			resp.ExitCode = exitErr.ExitCode()
		}
	}
	return resp
}

// streamLines forwards each line of r to the host as a log frame and keeps a copy.
func (a *Agent) streamLines(conn net.Conn, mu *sync.Mutex, r io.Reader, out *strings.Builder) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line + "\n")

		mu.Lock()
		err := backend.WriteMessage(conn, &fc.GuestMessage{Type: fc.MsgTypeLog, Line: line})
		mu.Unlock()
		if err != nil {
			a.logger.Debug("write log line", "error", err)
			io.Copy(io.Discard, r)
			return
		}
	}
}

func (a *Agent) sendResult(conn net.Conn, resp fc.GuestResponse) {
	if err := backend.WriteMessage(conn, &fc.GuestMessage{Type: fc.MsgTypeResult, Response: &resp}); err != nil {
		a.logger.Debug("write result", "error", err)
	}
}

func failure(format string, args ...any) fc.GuestResponse {
	return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf(format, args...)}
}

// validatePath checks that relPath stays inside baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if cleaned == absBase || !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes work directory", relPath)
	}
	return nil
}
