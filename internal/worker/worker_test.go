package worker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/hearth/internal/backend"
	"github.com/seantiz/hearth/internal/cancel"
	"github.com/seantiz/hearth/internal/model"
	"github.com/seantiz/hearth/internal/queue"
	"github.com/seantiz/hearth/internal/supervisor"
)

type loopRuntime struct {
	*backend.Loop
	closed chan struct{}
}

func (r *loopRuntime) Close(context.Context) error {
	close(r.closed)
	return nil
}

type fakeBooter struct {
	call   backend.CallFunc
	err    error
	panics bool
	last   *loopRuntime
}

func (b *fakeBooter) Boot(context.Context, backend.BootOptions) (backend.Runtime, error) {
	if b.panics {
		panic("boot exploded")
	}
	if b.err != nil {
		return nil, b.err
	}
	rt := &loopRuntime{closed: make(chan struct{})}
	rt.Loop = backend.NewLoop(rt, backend.LoopOptions{
		Call:           b.call,
		SampleInterval: 2 * time.Millisecond,
	})
	b.last = rt
	return rt, nil
}

func (b *fakeBooter) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake"}
}

func echoCall(_ context.Context, c backend.Conn) error {
	defer c.Stream.Close()
	_, err := c.Stream.Write([]byte("ok"))
	return err
}

func spinCall(ctx context.Context, c backend.Conn) error {
	defer c.Stream.Close()
	<-ctx.Done()
	return ctx.Err()
}

type harness struct {
	worker *Worker
	key    model.WorkerKey
	conns  *queue.Unbounded[backend.Conn]
	pool   *queue.Unbounded[model.PoolMsg]
	events *queue.Unbounded[model.WorkerEventWithMetadata]
	cancel *cancel.Signal
	boot   chan error
}

func newHarness(kind model.WorkerKind) *harness {
	h := &harness{
		conns:  queue.New[backend.Conn](),
		pool:   queue.New[model.PoolMsg](),
		events: queue.New[model.WorkerEventWithMetadata](),
		cancel: cancel.New(),
		boot:   NewBootSignal(),
	}
	if kind.IsUser() {
		h.key = model.NewWorkerKey()
	}
	h.worker = New(Conf{
		Kind:           kind,
		Key:            h.key,
		Pool:           h.pool,
		Events:         h.events,
		Cancel:         h.cancel,
		Metadata:       model.EventMetadata{ServicePath: "/svc/test", ExecutionID: "exec-1"},
		SupervisorTick: 2 * time.Millisecond,
	})
	return h
}

func (h *harness) start(b backend.Booter, timing supervisor.Timing) {
	h.worker.Start(InitOptions{Booter: b, Timing: timing}, h.conns, h.boot)
}

func (h *harness) bootErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.boot:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no boot signal")
		return nil
	}
}

func (h *harness) wait(t *testing.T) model.WorkerEvent {
	t.Helper()
	select {
	case <-h.worker.Done():
		return h.worker.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
		return model.WorkerEvent{}
	}
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	if err := h.conns.Send(backend.Conn{Stream: server}); err != nil {
		t.Fatalf("send conn: %v", err)
	}
	return client
}

// drainPool returns every message sent to the pool so far.
func (h *harness) drainPool() []model.PoolMsg {
	var out []model.PoolMsg
	for {
		m, ok := h.pool.TryRecv()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func (h *harness) onlyEvent(t *testing.T) model.WorkerEventWithMetadata {
	t.Helper()
	if n := h.events.Len(); n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
	ev, _ := h.events.TryRecv()
	return ev
}

func (h *harness) assertShutdownOnce(t *testing.T) {
	t.Helper()
	var shutdowns int
	for _, m := range h.drainPool() {
		if m.Kind == model.PoolShutdown {
			shutdowns++
			if m.Key != h.key {
				t.Errorf("shutdown key = %s, want %s", m.Key, h.key)
			}
		}
	}
	if shutdowns != 1 {
		t.Fatalf("shutdown messages = %d, want 1", shutdowns)
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNaturalCompletion(t *testing.T) {
	h := newHarness(model.KindUser)
	h.start(&fakeBooter{call: echoCall}, supervisor.Timing{})

	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}

	client := h.dial(t)
	buf := make([]byte, 2)
	if _, err := client.Read(buf); err != nil || string(buf) != "ok" {
		t.Fatalf("read = %q, %v", buf, err)
	}
	h.conns.Close()

	ev := h.wait(t)
	if ev.Type != model.EventShutdown || ev.Reason != model.ReasonFinished {
		t.Fatalf("outcome = %+v, want shutdown finished", ev)
	}

	got := h.onlyEvent(t)
	if got.WorkerKey != h.key.String() {
		t.Errorf("worker key = %q", got.WorkerKey)
	}
	if got.Metadata.ServicePath != "/svc/test" || got.Metadata.ExecutionID != "exec-1" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Errorf("envelope missing id or timestamp: %+v", got)
	}
	h.assertShutdownOnce(t)
}

func TestBootFailure(t *testing.T) {
	h := newHarness(model.KindUser)
	h.start(&fakeBooter{err: errors.New("bad module")}, supervisor.Timing{})

	err := h.bootErr(t)
	if !errors.Is(err, ErrBoot) {
		t.Fatalf("boot error = %v, want ErrBoot", err)
	}

	ev := h.wait(t)
	if ev.Type != model.EventBootFailure || ev.Message != "bad module" {
		t.Fatalf("outcome = %+v", ev)
	}
	if got := h.onlyEvent(t); got.Event.Type != model.EventBootFailure {
		t.Errorf("sink event = %+v", got.Event)
	}
	h.assertShutdownOnce(t)
}

func TestBootPanicIsRecovered(t *testing.T) {
	h := newHarness(model.KindUser)
	h.start(&fakeBooter{panics: true}, supervisor.Timing{})

	if err := h.bootErr(t); !errors.Is(err, ErrBoot) {
		t.Fatalf("boot error = %v, want ErrBoot", err)
	}
	ev := h.wait(t)
	if ev.Type != model.EventBootFailure {
		t.Fatalf("outcome = %+v, want boot failure", ev)
	}
	h.assertShutdownOnce(t)
}

func TestMissingBooter(t *testing.T) {
	h := newHarness(model.KindUser)
	h.start(nil, supervisor.Timing{})

	if err := h.bootErr(t); !errors.Is(err, ErrBoot) {
		t.Fatalf("boot error = %v, want ErrBoot", err)
	}
	h.wait(t)
	h.assertShutdownOnce(t)
}

func TestInvalidPolicyFailsBoot(t *testing.T) {
	h := newHarness(model.KindUser)
	h.worker.SetSupervisorPolicy(supervisor.Policy{CPUBudget: -time.Second})
	h.start(&fakeBooter{call: echoCall}, supervisor.Timing{})

	if err := h.bootErr(t); !errors.Is(err, ErrBoot) {
		t.Fatalf("boot error = %v, want ErrBoot", err)
	}
	if ev := h.wait(t); ev.Type != model.EventBootFailure {
		t.Fatalf("outcome = %+v", ev)
	}
}

func TestCPUBudgetTerminates(t *testing.T) {
	h := newHarness(model.KindUser)
	h.worker.SetSupervisorPolicy(supervisor.Policy{Kind: supervisor.PerWorker, CPUBudget: 30 * time.Millisecond})
	b := &fakeBooter{call: spinCall}
	h.start(b, supervisor.Timing{})

	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}
	h.dial(t)

	ev := h.wait(t)
	if ev.Type != model.EventShutdown || ev.Reason != model.ReasonCPUBudget {
		t.Fatalf("outcome = %+v, want shutdown cpu_budget", ev)
	}
	if ev.CPUTimeUsed < 30*time.Millisecond {
		t.Errorf("cpu = %v, want at least the budget", ev.CPUTimeUsed)
	}
	select {
	case <-b.last.closed:
	default:
		t.Error("runtime was not closed")
	}
	if !h.conns.Closed() {
		t.Error("connection stream was not closed")
	}
	h.assertShutdownOnce(t)
}

func TestCancelAtZeroCPU(t *testing.T) {
	h := newHarness(model.KindUser)
	h.start(&fakeBooter{call: echoCall}, supervisor.Timing{})
	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}

	h.cancel.Raise()
	ev := h.wait(t)
	if ev.Type != model.EventShutdown || ev.Reason != model.ReasonCancelled {
		t.Fatalf("outcome = %+v, want shutdown cancelled", ev)
	}
	if ev.CPUTimeUsed != 0 {
		t.Errorf("cpu = %v, want 0", ev.CPUTimeUsed)
	}
	h.assertShutdownOnce(t)
}

func TestUncaughtFault(t *testing.T) {
	h := newHarness(model.KindUser)
	h.start(&fakeBooter{call: func(_ context.Context, c backend.Conn) error {
		c.Stream.Close()
		return &backend.UncaughtError{Err: errors.New("unreachable executed")}
	}}, supervisor.Timing{})
	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}
	h.dial(t)

	ev := h.wait(t)
	if ev.Type != model.EventUncaughtException || ev.Message != "unreachable executed" {
		t.Fatalf("outcome = %+v", ev)
	}
	h.assertShutdownOnce(t)
}

func TestTimingReachesSupervisor(t *testing.T) {
	h := newHarness(model.KindUser)
	h.worker.SetSupervisorPolicy(supervisor.Policy{Kind: supervisor.PerRequest, WallClockLimit: 20 * time.Millisecond})
	requests := queue.New[supervisor.RequestEvent]()
	h.start(&fakeBooter{call: spinCall}, supervisor.Timing{Requests: requests})
	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}

	// Routed but not yet served: no window is open.
	requests.Send(supervisor.RequestEvent{Kind: supervisor.RequestRouted, At: time.Now()})
	time.Sleep(40 * time.Millisecond)
	select {
	case <-h.worker.Done():
		t.Fatalf("terminated before the request was served: %+v", h.worker.Outcome())
	default:
	}

	h.dial(t)

	ev := h.wait(t)
	if ev.Reason != model.ReasonWallClock {
		t.Fatalf("reason = %q, want wall_clock", ev.Reason)
	}
}

func TestPrivilegedWorker(t *testing.T) {
	h := newHarness(model.KindMain)
	h.start(&fakeBooter{call: echoCall}, supervisor.Timing{})
	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if h.worker.Interrupter() == nil {
		t.Fatal("interrupter not set after boot")
	}

	h.cancel.Raise()
	ev := h.wait(t)
	if ev.Reason != model.ReasonCancelled {
		t.Fatalf("outcome = %+v, want cancelled", ev)
	}
	if got := h.onlyEvent(t); got.WorkerKey != "" {
		t.Errorf("privileged event carries key %q", got.WorkerKey)
	}
	if msgs := h.drainPool(); len(msgs) != 0 {
		t.Errorf("privileged worker sent pool messages: %+v", msgs)
	}
}

func TestClosedInboxesAreIgnored(t *testing.T) {
	h := newHarness(model.KindUser)
	h.pool.Close()
	h.events.Close()
	before := counterValue(t, notificationFailures.WithLabelValues(targetPool))

	h.start(&fakeBooter{call: echoCall}, supervisor.Timing{})
	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}
	h.conns.Close()
	h.wait(t)

	if got := counterValue(t, notificationFailures.WithLabelValues(targetPool)); got != before+1 {
		t.Errorf("pool notification failures = %v, want %v", got, before+1)
	}
}

func TestNoEventSink(t *testing.T) {
	pool := queue.New[model.PoolMsg]()
	key := model.NewWorkerKey()
	w := New(Conf{Kind: model.KindUser, Key: key, Pool: pool})
	conns := queue.New[backend.Conn]()
	boot := NewBootSignal()
	w.Start(InitOptions{Booter: &fakeBooter{call: echoCall}}, conns, boot)
	if err := <-boot; err != nil {
		t.Fatalf("boot: %v", err)
	}
	conns.Close()
	<-w.Done()

	m, ok := pool.TryRecv()
	if !ok || m.Kind != model.PoolShutdown || m.Key != key {
		t.Fatalf("pool msg = %+v, %v", m, ok)
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(model.KindUser)
	h.start(&fakeBooter{call: echoCall}, supervisor.Timing{})
	if err := h.bootErr(t); err != nil {
		t.Fatalf("boot: %v", err)
	}

	second := NewBootSignal()
	h.worker.Start(InitOptions{Booter: &fakeBooter{call: echoCall}}, h.conns, second)
	if err := <-second; !errors.Is(err, ErrBoot) {
		t.Fatalf("second start = %v, want ErrBoot", err)
	}
	h.conns.Close()
	h.wait(t)
}

func TestOutcomeOf(t *testing.T) {
	cpu := 7 * time.Millisecond
	tests := []struct {
		name   string
		err    error
		typ    model.EventType
		reason model.ShutdownReason
	}{
		{"finished", nil, model.EventShutdown, model.ReasonFinished},
		{"terminated", backend.ErrTerminated, model.EventShutdown, model.ReasonCancelled},
		{"uncaught", &backend.UncaughtError{Err: errors.New("trap")}, model.EventUncaughtException, ""},
		{"other", errors.New("io"), model.EventUncaughtException, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := outcomeOf(tt.err, cpu)
			if ev.Type != tt.typ || ev.Reason != tt.reason || ev.CPUTimeUsed != cpu {
				t.Fatalf("outcomeOf(%v) = %+v", tt.err, ev)
			}
		})
	}
}

func TestShutdownFollowsEvent(t *testing.T) {
	tests := []struct {
		name   string
		booter *fakeBooter
		finish func(h *harness)
	}{
		{
			name:   "natural completion",
			booter: &fakeBooter{call: echoCall},
			finish: func(h *harness) { h.conns.Close() },
		},
		{
			name:   "boot failure",
			booter: &fakeBooter{err: errors.New("no such module")},
			finish: func(*harness) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(model.KindUser)

			// Consume pool messages as the registry would and record how
			// many events were queued when Shutdown arrived.
			queued := make(chan int, 1)
			go func() {
				ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelFn()
				for {
					msg, ok := h.pool.Recv(ctx)
					if !ok {
						queued <- -1
						return
					}
					if msg.Kind == model.PoolShutdown {
						queued <- h.events.Len()
						return
					}
				}
			}()

			h.start(tt.booter, supervisor.Timing{})
			h.bootErr(t)
			tt.finish(h)
			h.wait(t)

			select {
			case n := <-queued:
				if n != 1 {
					t.Fatalf("events queued when Shutdown arrived = %d, want 1", n)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("no Shutdown received")
			}
		})
	}
}
