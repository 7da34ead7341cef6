package pool_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/pool"
	"github.com/seantiz/hearth/internal/queue"
	"github.com/seantiz/hearth/internal/store"
	"github.com/seantiz/hearth/internal/supervisor"
	"github.com/seantiz/hearth/internal/worker"
)

type loopRuntime struct {
	*backend.Loop
}

func (r *loopRuntime) Close(context.Context) error { return nil }

type fakeBooter struct {
	call backend.CallFunc
	err  error
}

func (b *fakeBooter) Boot(context.Context, backend.BootOptions) (backend.Runtime, error) {
	if b.err != nil {
		return nil, b.err
	}
	rt := &loopRuntime{}
	rt.Loop = backend.NewLoop(rt, backend.LoopOptions{Call: b.call, SampleInterval: 2 * time.Millisecond})
	return rt, nil
}

func (b *fakeBooter) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake"}
}

// echoCall writes back whatever the client sends before closing its side.
func echoCall(ctx context.Context, c backend.Conn) error {
	defer c.Stream.Close()
	stop := context.AfterFunc(ctx, func() { c.Stream.Close() })
	defer stop()
	_, err := io.Copy(c.Stream, c.Stream)
	return err
}

// gatedCall blocks each call until release is closed.
func gatedCall(release <-chan struct{}) backend.CallFunc {
	return func(ctx context.Context, c backend.Conn) error {
		defer c.Stream.Close()
		select {
		case <-release:
		case <-ctx.Done():
		}
		_, err := c.Stream.Write([]byte("done"))
		return err
	}
}

// busyCall holds each connection for d, charging d of CPU to the call.
func busyCall(d time.Duration) backend.CallFunc {
	return func(ctx context.Context, c backend.Conn) error {
		defer c.Stream.Close()
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return nil
	}
}

type fixture struct {
	pool   *pool.Pool
	store  *store.SQLiteStore
	events *queue.Unbounded[model.WorkerEventWithMetadata]
}

func newFixture(t *testing.T, booters map[string]backend.Booter) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	reg := backend.NewRegistry()
	for name, b := range booters {
		reg.Register(name, b)
	}
	events := queue.New[model.WorkerEventWithMetadata]()
	p := pool.New(pool.Options{
		Registry:       reg,
		Store:          st,
		Events:         events,
		SupervisorTick: 2 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		p.Close(closeCtx)
		cancel()
		<-done
		st.Close()
	})
	return &fixture{pool: p, store: st, events: events}
}

func (f *fixture) create(t *testing.T, runtime string) model.WorkerKey {
	t.Helper()
	rec, err := f.pool.Create(context.Background(), pool.CreateRequest{
		Runtime: runtime,
		Boot:    backend.BootOptions{ServicePath: "/svc/" + runtime},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	key, err := model.ParseWorkerKey(rec.Key)
	if err != nil {
		t.Fatalf("ParseWorkerKey: %v", err)
	}
	return key
}

func dial(t *testing.T) (client net.Conn, conn backend.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() { c.Close() })
	return c, backend.Conn{Stream: s}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) status(t *testing.T, key model.WorkerKey) string {
	t.Helper()
	rec, err := f.store.GetWorker(context.Background(), key.String())
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	return rec.Status
}

func TestCreateRouteAndCancel(t *testing.T) {
	f := newFixture(t, map[string]backend.Booter{"fake": &fakeBooter{call: echoCall}})
	key := f.create(t, "fake")

	if got := f.status(t, key); got != model.StatusRunning {
		t.Fatalf("status = %q, want running", got)
	}

	client, conn := dial(t)
	if err := f.pool.Route(key, conn); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("read = %q, %v", buf, err)
	}
	client.Close()

	if err := f.pool.Cancel(key); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, "worker removal", func() bool { return len(f.pool.List()) == 0 })

	if got := f.status(t, key); got != model.StatusRetired {
		t.Errorf("status = %q, want retired", got)
	}
	if err := f.pool.Route(key, backend.Conn{}); !errors.Is(err, pool.ErrWorkerNotFound) {
		t.Errorf("Route after shutdown = %v, want ErrWorkerNotFound", err)
	}
	if err := f.pool.Cancel(key); !errors.Is(err, pool.ErrWorkerNotFound) {
		t.Errorf("Cancel after shutdown = %v, want ErrWorkerNotFound", err)
	}

	ev, ok := f.events.TryRecv()
	if !ok || ev.Event.Reason != model.ReasonCancelled || ev.WorkerKey != key.String() {
		t.Errorf("event = %+v, %v", ev, ok)
	}

	snap := f.pool.Metrics(context.Background())
	if snap.RequestsReceived != 1 || snap.RequestsHandled != 1 {
		t.Errorf("requests = %d/%d, want 1/1", snap.RequestsReceived, snap.RequestsHandled)
	}
}

func TestCreateBootFailure(t *testing.T) {
	f := newFixture(t, map[string]backend.Booter{"broken": &fakeBooter{err: errors.New("compile failed")}})

	_, err := f.pool.Create(context.Background(), pool.CreateRequest{Runtime: "broken"})
	if !errors.Is(err, worker.ErrBoot) {
		t.Fatalf("Create = %v, want ErrBoot", err)
	}

	waitFor(t, "worker removal", func() bool { return len(f.pool.List()) == 0 })

	workers, _, err := f.store.ListWorkers(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("records = %d, want 1", len(workers))
	}
	waitFor(t, "retired status", func() bool {
		rec, err := f.store.GetWorker(context.Background(), workers[0].Key)
		return err == nil && rec.Status == model.StatusRetired
	})
}

func TestCreateUnknownRuntime(t *testing.T) {
	f := newFixture(t, map[string]backend.Booter{"fake": &fakeBooter{call: echoCall}})

	_, err := f.pool.Create(context.Background(), pool.CreateRequest{Runtime: "cobol"})
	if !errors.Is(err, backend.ErrUnknownRuntime) {
		t.Fatalf("Create = %v, want ErrUnknownRuntime", err)
	}
}

func TestCreateInvalidPolicy(t *testing.T) {
	f := newFixture(t, map[string]backend.Booter{"fake": &fakeBooter{call: echoCall}})

	_, err := f.pool.Create(context.Background(), pool.CreateRequest{
		Policy: &supervisor.Policy{CPUBudget: -time.Second},
	})
	if err == nil {
		t.Fatal("expected invalid policy error")
	}
}

func TestShutdownUnknownIsNoop(t *testing.T) {
	f := newFixture(t, map[string]backend.Booter{"fake": &fakeBooter{call: echoCall}})
	key := f.create(t, "fake")

	if err := f.pool.Send(model.PoolMsg{Kind: model.PoolShutdown, Key: model.NewWorkerKey()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := f.pool.Send(model.PoolMsg{Kind: model.PoolRetire, Key: model.NewWorkerKey()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	list := f.pool.List()
	if len(list) != 1 || list[0].Key != key.String() || list[0].Retired {
		t.Fatalf("List = %+v", list)
	}
}

func TestRetireStopsRoutingButServesQueued(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, map[string]backend.Booter{"gated": &fakeBooter{call: gatedCall(release)}})
	key := f.create(t, "gated")

	c1, conn1 := dial(t)
	c2, conn2 := dial(t)
	if err := f.pool.Route(key, conn1); err != nil {
		t.Fatalf("Route 1: %v", err)
	}
	if err := f.pool.Route(key, conn2); err != nil {
		t.Fatalf("Route 2: %v", err)
	}

	f.pool.Send(model.PoolMsg{Kind: model.PoolRetire, Key: key})
	waitFor(t, "retirement", func() bool {
		list := f.pool.List()
		return len(list) == 1 && list[0].Retired
	})

	if err := f.pool.Route(key, backend.Conn{}); !errors.Is(err, pool.ErrWorkerRetired) {
		t.Fatalf("Route after retire = %v, want ErrWorkerRetired", err)
	}

	close(release)
	for i, c := range []net.Conn{c1, c2} {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "done" {
			t.Fatalf("conn %d read = %q, %v", i, buf, err)
		}
	}
}

func TestPerRequestBudgetHoldsWhileRequestsQueue(t *testing.T) {
	f := newFixture(t, map[string]backend.Booter{"busy": &fakeBooter{call: busyCall(80 * time.Millisecond)}})
	rec, err := f.pool.Create(context.Background(), pool.CreateRequest{
		Runtime: "busy",
		Policy:  &supervisor.Policy{Kind: supervisor.PerRequest, CPUBudget: 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	key, _ := model.ParseWorkerKey(rec.Key)

	// Keep routing while the first call runs past its budget. The overrun
	// must retire the worker even though requests keep arriving.
	retired := false
	for range 20 {
		_, conn := dial(t)
		err := f.pool.Route(key, conn)
		if errors.Is(err, pool.ErrWorkerRetired) {
			retired = true
			break
		}
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		time.Sleep(15 * time.Millisecond)
	}
	if !retired {
		t.Fatal("worker kept accepting requests past its per-request budget")
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	ev, ok := f.events.Recv(ctx)
	if !ok {
		t.Fatal("no terminal event")
	}
	if ev.Event.Type != model.EventShutdown || ev.Event.Reason != model.ReasonCPUBudget {
		t.Fatalf("outcome = %+v, want shutdown cpu_budget", ev.Event)
	}
}

func TestMainWorker(t *testing.T) {
	f := newFixture(t, map[string]backend.Booter{"fake": &fakeBooter{call: echoCall}})

	if err := f.pool.RouteMain(backend.Conn{}); !errors.Is(err, pool.ErrNoMainWorker) {
		t.Fatalf("RouteMain before start = %v, want ErrNoMainWorker", err)
	}

	if err := f.pool.StartMain(context.Background(), "", backend.BootOptions{ServicePath: "/main"}); err != nil {
		t.Fatalf("StartMain: %v", err)
	}
	if err := f.pool.StartMain(context.Background(), "", backend.BootOptions{}); err == nil {
		t.Fatal("second StartMain should fail")
	}

	client, conn := dial(t)
	if err := f.pool.RouteMain(conn); err != nil {
		t.Fatalf("RouteMain: %v", err)
	}
	client.Write([]byte("hi"))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("read = %q, %v", buf, err)
	}
	client.Close()

	snap := f.pool.Metrics(context.Background())
	if snap.Main == nil {
		t.Fatal("main worker stats missing")
	}
	if snap.Host == nil || snap.Host.PID == 0 {
		t.Errorf("host stats = %+v", snap.Host)
	}
	if len(f.pool.List()) != 0 {
		t.Error("main worker should not be listed with user workers")
	}
}

func TestCloseStopsWorkers(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()
	reg := backend.NewRegistry()
	reg.Register("fake", &fakeBooter{call: echoCall})
	p := pool.New(pool.Options{Registry: reg, Store: st})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		p.Run(context.Background())
	}()

	rec, err := p.Create(context.Background(), pool.CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	got, err := st.GetWorker(context.Background(), rec.Key)
	if err != nil || got.Status != model.StatusRetired {
		t.Fatalf("worker = %+v, %v", got, err)
	}
}
