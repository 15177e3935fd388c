package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/execlog"
	"github.com/schedulezero/schedulezero/internal/infrastructure/memory"
	"github.com/schedulezero/schedulezero/internal/registry"
	"github.com/schedulezero/schedulezero/pkg/socket"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePool struct {
	addr string

	mu     sync.Mutex
	calls  int
	closed bool
	fn     func(call *wire.Call) (*wire.Result, error)
}

func (p *fakePool) Call(_ context.Context, call *wire.Call) (*wire.Result, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	return fn(call)
}

func (p *fakePool) Addr() string { return p.addr }

func (p *fakePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePool) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type eventLog struct {
	mu     sync.Mutex
	topics []string
}

func (e *eventLog) publish(topic string, _ map[string]any) {
	e.mu.Lock()
	e.topics = append(e.topics, topic)
	e.mu.Unlock()
}

func (e *eventLog) has(topic string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type dispatcherFixture struct {
	disp     *Dispatcher
	registry *registry.Registry
	ring     *execlog.Ring
	store    *memory.Store
	events   *eventLog
	pools    *poolFactory
}

type poolFactory struct {
	mu      sync.Mutex
	fn      func(call *wire.Call) (*wire.Result, error)
	created []*fakePool
}

func (f *poolFactory) new(addr string, _ int) callerPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePool{addr: addr, fn: f.fn}
	f.created = append(f.created, p)
	return p
}

func newDispatcherFixture(t *testing.T, fn func(call *wire.Call) (*wire.Result, error)) *dispatcherFixture {
	t.Helper()

	events := &eventLog{}
	reg, err := registry.New(15*time.Second, 0, "", events.publish, testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	st := memory.New()
	ring := execlog.NewRing(100, events.publish)
	factory := &poolFactory{fn: fn}

	disp := NewDispatcher(DispatcherConfig{
		PoolSize:              4,
		PerHandlerConcurrency: 2,
		DefaultMaxAttempts:    3,
		DefaultAttemptTimeout: time.Second,
	}, reg, ring, st, events.publish, testLogger())
	disp.newPool = factory.new
	disp.backoff = func(int) time.Duration { return time.Millisecond }

	return &dispatcherFixture{disp: disp, registry: reg, ring: ring, store: st, events: events, pools: factory}
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

func (fx *dispatcherFixture) finalRecord(t *testing.T, firingID string) domain.ExecutionRecord {
	t.Helper()
	var final domain.ExecutionRecord
	waitFor(t, "final record for "+firingID, func() bool {
		for _, r := range fx.ring.Query(execlog.Filter{}) {
			if r.FiringID == firingID && r.IsFinal {
				final = r
				return true
			}
		}
		return false
	})
	return final
}

func testFiring(handlerID, method string) domain.Firing {
	return domain.Firing{
		FiringID:    "f-1",
		HandlerID:   handlerID,
		Method:      method,
		Params:      map[string]any{"x": 1},
		Attempt:     1,
		ScheduledAt: domain.UTCMillis(time.Now()),
		MaxAttempts: 3,
	}
}

func TestDispatcherSuccess(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return wire.NewOKResult(call.FiringID, call.Params), nil
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)

	if !fx.disp.TryDispatch(testFiring("h1", "echo")) {
		t.Fatal("dispatch rejected with free slots")
	}

	rec := fx.finalRecord(t, "f-1")
	if rec.Status != domain.ExecSuccess {
		t.Fatalf("status = %s, want success", rec.Status)
	}
	if rec.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", rec.Attempt)
	}
	if !fx.events.has("job.executed") {
		t.Fatal("job.executed was not published")
	}
}

func TestDispatcherMethodUnknownIsTerminal(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		t.Error("transport must not be called for an unknown method")
		return nil, nil
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)

	fx.disp.TryDispatch(testFiring("h1", "nope"))

	rec := fx.finalRecord(t, "f-1")
	if rec.Status != domain.ExecError {
		t.Fatalf("status = %s, want error", rec.Status)
	}
	if got := len(fx.ring.Query(execlog.Filter{})); got != 1 {
		t.Fatalf("records = %d, want 1 (no retries)", got)
	}
	if !fx.events.has("job.failed") {
		t.Fatal("job.failed was not published")
	}
}

func TestDispatcherRetriesUntilBudgetExhausted(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return wire.NewErrorResult(call.FiringID, "boom", true), nil
	})
	fx.registry.Register("h2", "127.0.0.1:1111", []string{"boom"}, false)

	fx.disp.TryDispatch(testFiring("h2", "boom"))

	final := fx.finalRecord(t, "f-1")
	if final.Attempt != 3 {
		t.Fatalf("final attempt = %d, want 3", final.Attempt)
	}

	records := fx.ring.Query(execlog.Filter{})
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	finals := 0
	for _, r := range records {
		if r.Status != domain.ExecError {
			t.Fatalf("record attempt %d status = %s, want error", r.Attempt, r.Status)
		}
		if r.IsFinal {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("final records = %d, want exactly 1", finals)
	}
}

func TestDispatcherRespectsNonRetryableReply(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return wire.NewErrorResult(call.FiringID, "bad input", false), nil
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)

	fx.disp.TryDispatch(testFiring("h1", "echo"))

	fx.finalRecord(t, "f-1")
	if got := len(fx.ring.Query(execlog.Filter{})); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}

func TestDispatcherTimeoutIsRetryable(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return nil, socket.ErrCallTimeout
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)

	f := testFiring("h1", "echo")
	f.MaxAttempts = 2
	fx.disp.TryDispatch(f)

	final := fx.finalRecord(t, "f-1")
	if final.Status != domain.ExecTimeout {
		t.Fatalf("status = %s, want timeout", final.Status)
	}
	if final.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", final.Attempt)
	}
}

func TestDispatcherScheduleRemovalSuppressesRetries(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return wire.NewErrorResult(call.FiringID, "boom", true), nil
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)

	// The schedule does not exist in the store, which is what the
	// dispatcher sees after a DELETE raced an in-flight attempt.
	f := testFiring("h1", "echo")
	f.ScheduleID = "gone"
	fx.disp.TryDispatch(f)

	fx.finalRecord(t, "f-1")
	if got := len(fx.ring.Query(execlog.Filter{})); got != 1 {
		t.Fatalf("records = %d, want 1 (retries suppressed)", got)
	}
	if !fx.events.has("job.removed") {
		t.Fatal("job.removed was not published")
	}
}

func TestDispatcherReRegistrationRetiresOldAddress(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return wire.NewOKResult(call.FiringID, nil), nil
	})
	fx.registry.Register("h3", "127.0.0.1:1111", []string{"echo"}, false)

	fx.disp.TryDispatch(testFiring("h3", "echo"))
	fx.finalRecord(t, "f-1")

	fx.registry.Register("h3", "127.0.0.1:2222", []string{"echo"}, true)

	f2 := testFiring("h3", "echo")
	f2.FiringID = "f-2"
	fx.disp.TryDispatch(f2)
	fx.finalRecord(t, "f-2")

	fx.pools.mu.Lock()
	defer fx.pools.mu.Unlock()
	if len(fx.pools.created) != 2 {
		t.Fatalf("pools created = %d, want 2", len(fx.pools.created))
	}
	old, fresh := fx.pools.created[0], fx.pools.created[1]
	if old.addr != "127.0.0.1:1111" || fresh.addr != "127.0.0.1:2222" {
		t.Fatalf("pool addresses = %s, %s", old.addr, fresh.addr)
	}
	if !old.closed {
		t.Fatal("pool for the old address was not closed")
	}
	if old.callCount() != 1 {
		t.Fatalf("old address calls = %d, want 1 (none after re-registration)", old.callCount())
	}
}

func TestRunNowValidatesTarget(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return wire.NewOKResult(call.FiringID, nil), nil
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)

	ctx := context.Background()
	if _, err := fx.disp.RunNow(ctx, "missing", "echo", nil); !errors.Is(err, domain.ErrHandlerUnknown) {
		t.Fatalf("unknown handler error = %v, want ErrHandlerUnknown", err)
	}
	if _, err := fx.disp.RunNow(ctx, "h1", "nope", nil); !errors.Is(err, domain.ErrMethodUnknown) {
		t.Fatalf("unknown method error = %v, want ErrMethodUnknown", err)
	}

	firingID, err := fx.disp.RunNow(ctx, "h1", "echo", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	rec := fx.finalRecord(t, firingID)
	if rec.Status != domain.ExecSuccess {
		t.Fatalf("status = %s, want success", rec.Status)
	}
	if rec.ScheduleID != "" {
		t.Fatalf("ad-hoc firing carries schedule id %q", rec.ScheduleID)
	}
}

func TestStopInterruptsRetryBackoff(t *testing.T) {
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		return wire.NewErrorResult(call.FiringID, "boom", true), nil
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)
	fx.disp.backoff = func(int) time.Duration { return 30 * time.Second }

	fx.disp.TryDispatch(testFiring("h1", "echo"))
	waitFor(t, "first attempt recorded", func() bool {
		return len(fx.ring.Query(execlog.Filter{})) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	fx.disp.Stop(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %s with a worker sleeping in backoff", elapsed)
	}
	if fx.disp.InFlight() != 0 {
		t.Fatalf("in flight = %d after stop", fx.disp.InFlight())
	}
}

func TestDispatcherSaturationRejectsWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	fx := newDispatcherFixture(t, func(call *wire.Call) (*wire.Result, error) {
		<-release
		return wire.NewOKResult(call.FiringID, nil), nil
	})
	fx.registry.Register("h1", "127.0.0.1:1111", []string{"echo"}, false)

	for i := 0; i < 4; i++ {
		f := testFiring("h1", "echo")
		f.FiringID = "f-slot"
		f.MaxAttempts = 1
		if !fx.disp.TryDispatch(f) {
			t.Fatalf("dispatch %d rejected below capacity", i)
		}
	}
	waitFor(t, "pool saturation", func() bool { return fx.disp.InFlight() == 4 })

	if fx.disp.TryDispatch(testFiring("h1", "echo")) {
		t.Fatal("dispatch accepted beyond pool capacity")
	}

	close(release)
	select {
	case <-fx.disp.SlotFreed():
	case <-time.After(5 * time.Second):
		t.Fatal("no slot-freed signal after workers finished")
	}
}
