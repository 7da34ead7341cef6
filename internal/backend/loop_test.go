package backend_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/queue"
)

// fakeRuntime is the smallest engine: the shared loop plus a no-op Close.
type fakeRuntime struct {
	*backend.Loop
}

func (f *fakeRuntime) Close(context.Context) error { return nil }

var _ backend.Runtime = (*fakeRuntime)(nil)

func newFake(call backend.CallFunc) *fakeRuntime {
	f := &fakeRuntime{}
	f.Loop = backend.NewLoop(f, backend.LoopOptions{
		Call:           call,
		SampleInterval: time.Millisecond,
	})
	return f
}

func pipeConn(t *testing.T) backend.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return backend.Conn{Stream: a}
}

func serveAsync(ctx context.Context, rt backend.Runtime, conns *queue.Unbounded[backend.Conn], hooks backend.ServeHooks) <-chan error {
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx, conns, hooks) }()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Serve to return")
		return nil
	}
}

func TestServeDrainsConnectionsInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []net.Conn
	)
	rt := newFake(func(_ context.Context, c backend.Conn) error {
		mu.Lock()
		seen = append(seen, c.Stream)
		mu.Unlock()
		return nil
	})

	conns := queue.New[backend.Conn]()
	var want []net.Conn
	for range 3 {
		c := pipeConn(t)
		want = append(want, c.Stream)
		conns.Send(c)
	}
	conns.Close()

	if err := waitErr(t, serveAsync(context.Background(), rt, conns, backend.ServeHooks{})); err != nil {
		t.Fatalf("Serve() = %v, want nil", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("served %d conns, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("conn %d served out of order", i)
		}
	}
	if s := rt.Stats(); s.CallsCompleted != 3 {
		t.Errorf("CallsCompleted = %d, want 3", s.CallsCompleted)
	}
}

func TestServeReturnsUncaughtError(t *testing.T) {
	boom := errors.New("boom")
	rt := newFake(func(context.Context, backend.Conn) error {
		return &backend.UncaughtError{Err: boom}
	})

	conns := queue.New[backend.Conn]()
	conns.Send(pipeConn(t))

	err := waitErr(t, serveAsync(context.Background(), rt, conns, backend.ServeHooks{}))
	var uerr *backend.UncaughtError
	if !errors.As(err, &uerr) {
		t.Fatalf("Serve() = %v, want UncaughtError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("UncaughtError should wrap the tenant fault")
	}
}

func TestTerminateThroughInterrupt(t *testing.T) {
	inCall := make(chan struct{})
	rt := newFake(func(ctx context.Context, _ backend.Conn) error {
		close(inCall)
		<-ctx.Done()
		return ctx.Err()
	})

	conns := queue.New[backend.Conn]()
	conns.Send(pipeConn(t))
	done := serveAsync(context.Background(), rt, conns, backend.ServeHooks{})

	<-inCall
	if !rt.Interrupter().RequestInterrupt(func(r backend.Runtime) { r.Terminate() }) {
		t.Fatal("RequestInterrupt refused while serving")
	}

	if err := waitErr(t, done); !errors.Is(err, backend.ErrTerminated) {
		t.Errorf("Serve() = %v, want ErrTerminated", err)
	}
}

func TestServeContextCancel(t *testing.T) {
	rt := newFake(func(context.Context, backend.Conn) error { return nil })
	conns := queue.New[backend.Conn]()

	ctx, cancel := context.WithCancel(context.Background())
	done := serveAsync(ctx, rt, conns, backend.ServeHooks{})
	cancel()

	if err := waitErr(t, done); !errors.Is(err, backend.ErrTerminated) {
		t.Errorf("Serve() = %v, want ErrTerminated", err)
	}
}

func TestLivenessCancelsCall(t *testing.T) {
	rt := newFake(func(ctx context.Context, _ backend.Conn) error {
		<-ctx.Done()
		return ctx.Err()
	})

	gone := make(chan struct{})
	c := pipeConn(t)
	c.Liveness = gone

	conns := queue.New[backend.Conn]()
	conns.Send(c)
	conns.Close()
	done := serveAsync(context.Background(), rt, conns, backend.ServeHooks{})

	close(gone)
	if err := waitErr(t, done); err != nil {
		t.Errorf("Serve() = %v, want nil after peer went away", err)
	}
}

func TestRequestStats(t *testing.T) {
	rt := newFake(func(context.Context, backend.Conn) error { return nil })
	conns := queue.New[backend.Conn]()
	done := serveAsync(context.Background(), rt, conns, backend.ServeHooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, ok := backend.RequestStats(ctx, rt.Interrupter()); !ok {
		t.Error("RequestStats while serving should succeed")
	}

	conns.Close()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Serve() = %v", err)
	}

	if _, ok := backend.RequestStats(ctx, rt.Interrupter()); ok {
		t.Error("RequestStats after the loop stopped should report false")
	}
	if rt.Interrupter().RequestInterrupt(func(backend.Runtime) {}) {
		t.Error("RequestInterrupt after stop should be refused")
	}
}

func TestCPUSamples(t *testing.T) {
	rt := newFake(func(context.Context, backend.Conn) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})

	conns := queue.New[backend.Conn]()
	conns.Send(pipeConn(t))
	conns.Close()

	samples := queue.New[backend.CPUUsage]()
	if err := waitErr(t, serveAsync(context.Background(), rt, conns, backend.ServeHooks{CPUUsage: samples})); err != nil {
		t.Fatalf("Serve() = %v", err)
	}

	var last backend.CPUUsage
	n := 0
	for {
		s, ok := samples.TryRecv()
		if !ok {
			break
		}
		last = s
		n++
	}
	if n == 0 {
		t.Fatal("no CPU samples were pushed")
	}
	if last.Total < 25*time.Millisecond {
		t.Errorf("final sample = %v, want >= 25ms", last.Total)
	}
	if rt.CPUTime() != last.Total {
		t.Errorf("CPUTime() = %v, want final sample %v", rt.CPUTime(), last.Total)
	}
}

func TestCPUSourceOverridesBusyTime(t *testing.T) {
	f := &fakeRuntime{}
	f.Loop = backend.NewLoop(f, backend.LoopOptions{
		Call:      func(context.Context, backend.Conn) error { return nil },
		CPUSource: func() (time.Duration, error) { return 7 * time.Second, nil },
	})
	if got := f.CPUTime(); got != 7*time.Second {
		t.Errorf("CPUTime() = %v, want 7s", got)
	}
}

func TestCallEventsBracketEachConnection(t *testing.T) {
	rt := newFake(func(_ context.Context, c backend.Conn) error {
		c.Stream.Close()
		return nil
	})

	conns := queue.New[backend.Conn]()
	conns.Send(pipeConn(t))
	conns.Send(pipeConn(t))
	conns.Close()

	calls := queue.New[backend.CallEvent]()
	if err := waitErr(t, serveAsync(context.Background(), rt, conns, backend.ServeHooks{Calls: calls})); err != nil {
		t.Fatalf("Serve() = %v", err)
	}

	var got []bool
	var prev time.Time
	for {
		ev, ok := calls.TryRecv()
		if !ok {
			break
		}
		if ev.At.Before(prev) {
			t.Errorf("call event at %v precedes %v", ev.At, prev)
		}
		prev = ev.At
		got = append(got, ev.Started)
	}
	want := []bool{true, false, true, false}
	if len(got) != len(want) {
		t.Fatalf("call events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call events = %v, want %v", got, want)
		}
	}
}
