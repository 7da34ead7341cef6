package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/backend/wasm"
	"github.com/seantiz/hearth/internal/events"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/pool"
	"github.com/seantiz/hearth/internal/queue"
	"github.com/seantiz/hearth/internal/store"
)

type testEnv struct {
	srv    *Server
	store  *store.SQLiteStore
	pool   *pool.Pool
	broker *events.Broker
}

// newTestEnv wires a server to a real wasm engine, an in-memory store, the
// pool and the event sink.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := backend.NewRegistry()
	reg.Register("wasm", wasm.NewBooter(wasm.Config{SampleInterval: time.Millisecond, Logger: logger}))

	evq := queue.New[model.WorkerEventWithMetadata]()
	broker := events.NewBroker()
	sink := events.NewSink(evq, st, broker, logger)

	p := pool.New(pool.Options{
		Registry:       reg,
		Store:          st,
		Events:         evq,
		SupervisorTick: 2 * time.Millisecond,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	poolDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sink.Run(ctx)
	}()
	go func() {
		defer close(poolDone)
		p.Run(ctx)
	}()

	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		p.Close(closeCtx)
		<-poolDone
		evq.Close()
		<-sinkDone
		cancel()
		broker.Shutdown()
		st.Close()
	})

	return &testEnv{
		srv:    NewServer(":0", Deps{Store: st, Registry: reg, Pool: p, Broker: broker, Logger: logger}),
		store:  st,
		pool:   p,
		broker: broker,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t).srv
}

func moduleB64(module []byte) string {
	return base64.StdEncoding.EncodeToString(module)
}

func createWorker(t *testing.T, ts *httptest.Server, body string) *model.WorkerRecord {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/workers", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/workers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 201: %s", resp.StatusCode, b)
	}
	var rec model.WorkerRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	return &rec
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/workers", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/workers: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestListRuntimes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runtimes")
	if err != nil {
		t.Fatalf("GET /v1/runtimes: %v", err)
	}
	defer resp.Body.Close()

	var infos []backend.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "wasm" || !infos[0].Default {
		t.Errorf("runtimes = %+v", infos)
	}
}
