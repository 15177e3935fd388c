package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/execlog"
	"github.com/schedulezero/schedulezero/internal/metrics"
	"github.com/schedulezero/schedulezero/internal/registry"
	"github.com/schedulezero/schedulezero/internal/store"
	"github.com/schedulezero/schedulezero/pkg/socket"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

// ErrDispatcherStopped rejects work submitted after Stop began.
var ErrDispatcherStopped = errors.New("dispatcher is stopped")

// PublishFunc emits a bus event. A nil func drops events.
type PublishFunc func(topic string, payload map[string]any)

// callerPool is the per-address request/reply surface the dispatcher
// drives. *socket.CallerPool satisfies it; tests substitute fakes.
type callerPool interface {
	Call(ctx context.Context, call *wire.Call) (*wire.Result, error)
	Addr() string
	Close()
}

type DispatcherConfig struct {
	PoolSize              int
	PerHandlerConcurrency int
	DefaultMaxAttempts    int
	DefaultAttemptTimeout time.Duration
}

// Dispatcher drives firings to a terminal execution record: resolve the
// handler, call the method over the transport, retry on retryable
// failures, record every attempt in the ring.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *registry.Registry
	ring     *execlog.Ring
	store    store.ScheduleStore
	publish  PublishFunc
	logger   *slog.Logger

	sem      chan struct{}
	slotFree chan struct{}
	stop     chan struct{}
	newPool  func(addr string, size int) callerPool
	backoff  func(attempt int) time.Duration

	mu      sync.Mutex
	pools   map[string]callerPool // keyed by handler id
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, reg *registry.Registry, ring *execlog.Ring, st store.ScheduleStore, publish PublishFunc, logger *slog.Logger) *Dispatcher {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.PerHandlerConcurrency < 1 {
		cfg.PerHandlerConcurrency = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		ring:     ring,
		store:    st,
		publish:  publish,
		logger:   logger.With("component", "dispatcher"),
		sem:      make(chan struct{}, cfg.PoolSize),
		slotFree: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		newPool: func(addr string, size int) callerPool {
			return socket.NewCallerPool(addr, size)
		},
		backoff: retryBackoff,
		pools:   make(map[string]callerPool),
	}
}

// TryDispatch takes a claimed firing if a worker slot is free. A false
// return means the pool is saturated; the caller releases its claim and
// stops claiming until a slot frees.
func (d *Dispatcher) TryDispatch(f domain.Firing) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	select {
	case d.sem <- struct{}{}:
	default:
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(f)
	return true
}

// RunNow dispatches an independent ad-hoc firing for a registered handler
// method. It validates the target up front so the control plane can map
// failures before any slot is taken, then blocks for a worker slot.
func (d *Dispatcher) RunNow(ctx context.Context, handlerID, method string, params map[string]any) (string, error) {
	entry, err := d.registry.Lookup(handlerID)
	if err != nil {
		return "", err
	}
	if !entry.HasMethod(method) {
		return "", fmt.Errorf("%w: %s.%s", domain.ErrMethodUnknown, handlerID, method)
	}

	f := domain.Firing{
		FiringID:       uuid.NewString(),
		HandlerID:      handlerID,
		Method:         method,
		Params:         params,
		Attempt:        1,
		ScheduledAt:    domain.UTCMillis(time.Now()),
		MaxAttempts:    d.cfg.DefaultMaxAttempts,
		AttemptTimeout: d.cfg.DefaultAttemptTimeout,
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return "", ErrDispatcherStopped
	}
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	d.wg.Add(1)
	go d.run(f)
	return f.FiringID, nil
}

// InFlight reports occupied worker slots.
func (d *Dispatcher) InFlight() int { return len(d.sem) }

// SlotFreed signals after a worker slot frees. The loop parks on it
// after a saturation release instead of re-claiming in a tight cycle.
func (d *Dispatcher) SlotFreed() <-chan struct{} { return d.slotFree }

// Stop refuses new firings, waits for in-flight attempts (bounded by ctx)
// and closes every caller pool. Workers sleeping in a retry backoff wake
// immediately and abandon their remaining attempts.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stop)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out with firings in flight")
	}

	d.mu.Lock()
	for id, pool := range d.pools {
		pool.Close()
		delete(d.pools, id)
	}
	d.mu.Unlock()
}

// run owns one firing from first attempt to terminal record.
func (d *Dispatcher) run(f domain.Firing) {
	defer d.wg.Done()
	defer func() {
		<-d.sem
		select {
		case d.slotFree <- struct{}{}:
		default:
		}
	}()

	metrics.DispatchInFlight.Inc()
	defer metrics.DispatchInFlight.Dec()

	d.emit("job.scheduled", map[string]any{
		"firing_id":   f.FiringID,
		"schedule_id": f.ScheduleID,
		"handler_id":  f.HandlerID,
		"method":      f.Method,
		"attempt":     f.Attempt,
	})

	for {
		out := d.attempt(&f)

		removed := d.scheduleRemoved(f.ScheduleID)
		final := out.terminal || f.Attempt >= f.MaxAttempts || removed

		if err := d.ring.RecordTerminal(out.recordID, out.status, out.result, out.errMsg, final); err != nil {
			d.logger.Error("finalize execution record", "firing_id", f.FiringID, "error", err)
		}

		if final {
			d.finish(&f, out, removed)
			return
		}

		metrics.RetriesTotal.Inc()
		delay := d.backoff(f.Attempt)
		d.logger.Warn("attempt failed, will retry",
			"firing_id", f.FiringID,
			"handler_id", f.HandlerID,
			"method", f.Method,
			"attempt", f.Attempt,
			"max_attempts", f.MaxAttempts,
			"error", out.errMsg,
			"retry_in", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			d.logger.Warn("shutdown during retry backoff, abandoning firing",
				"firing_id", f.FiringID, "attempt", f.Attempt, "max_attempts", f.MaxAttempts)
			return
		}
		f.Attempt++
	}
}

// outcome is the result of one attempt. terminal means no retry may
// follow regardless of the attempt budget.
type outcome struct {
	recordID uint64
	status   domain.ExecStatus
	kind     domain.FailureKind
	result   any
	errMsg   string
	terminal bool
}

// attempt performs exactly one remote call, opening a running record
// before the call and describing how to close it.
func (d *Dispatcher) attempt(f *domain.Firing) outcome {
	recordID := d.ring.RecordStart(*f)
	start := time.Now()

	out := d.call(f)
	out.recordID = recordID

	metrics.DispatchDuration.WithLabelValues(string(out.status)).Observe(time.Since(start).Seconds())
	return out
}

func (d *Dispatcher) call(f *domain.Firing) outcome {
	entry, err := d.registry.Lookup(f.HandlerID)
	if err != nil {
		return outcome{status: domain.ExecError, kind: domain.FailHandlerUnknown, errMsg: "handler not registered"}
	}
	if entry.Status == domain.HandlerUnreachable {
		// The handler may come back before the attempt budget runs out.
		return outcome{status: domain.ExecError, kind: domain.FailHandlerUnknown, errMsg: "handler unreachable"}
	}
	if !entry.HasMethod(f.Method) {
		return outcome{
			status:   domain.ExecError,
			kind:     domain.FailMethodUnknown,
			errMsg:   fmt.Sprintf("method %q not advertised by handler %q", f.Method, f.HandlerID),
			terminal: true,
		}
	}

	timeout := f.AttemptTimeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultAttemptTimeout
	}
	call := wire.NewCall(f.FiringID, f.Method, f.Params, timeout.Milliseconds())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	res, err := d.pool(entry).Call(ctx, call)
	cancel()

	switch {
	case errors.Is(err, socket.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcome{status: domain.ExecTimeout, kind: domain.FailTimeout, errMsg: "attempt timed out after " + timeout.String()}
	case err != nil:
		return outcome{status: domain.ExecError, kind: domain.FailTransport, errMsg: err.Error()}
	case res.Status == wire.StatusOK:
		return outcome{status: domain.ExecSuccess, result: res.Result, terminal: true}
	default:
		return outcome{
			status:   domain.ExecError,
			kind:     domain.FailHandlerError,
			errMsg:   res.Error,
			terminal: !res.IsRetryable(),
		}
	}
}

func (d *Dispatcher) finish(f *domain.Firing, out outcome, removed bool) {
	metrics.FiringsTotal.WithLabelValues(string(out.status)).Inc()

	payload := map[string]any{
		"firing_id":   f.FiringID,
		"schedule_id": f.ScheduleID,
		"handler_id":  f.HandlerID,
		"method":      f.Method,
		"attempt":     f.Attempt,
		"status":      string(out.status),
	}

	switch {
	case out.status == domain.ExecSuccess:
		d.logger.Info("firing succeeded", "firing_id", f.FiringID, "handler_id", f.HandlerID, "method", f.Method, "attempt", f.Attempt)
		d.emit("job.executed", payload)
	case removed:
		d.logger.Info("schedule removed, suppressing retries", "firing_id", f.FiringID, "schedule_id", f.ScheduleID)
		d.emit("job.removed", payload)
	default:
		payload["error"] = out.errMsg
		payload["failure"] = string(out.kind)
		d.logger.Warn("firing failed permanently",
			"firing_id", f.FiringID,
			"handler_id", f.HandlerID,
			"method", f.Method,
			"attempt", f.Attempt,
			"failure", string(out.kind),
			"error", out.errMsg,
		)
		d.emit("job.failed", payload)
	}
}

// scheduleRemoved reports whether the firing's schedule disappeared while
// the attempt ran. Ad-hoc firings have no schedule to remove, and a store
// outage never suppresses a retry.
func (d *Dispatcher) scheduleRemoved(scheduleID string) bool {
	if scheduleID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.store.Get(ctx, scheduleID)
	return errors.Is(err, domain.ErrScheduleNotFound)
}

// pool returns the caller pool for the handler's current address,
// retiring any pool bound to a previous address. After a re-registration
// no request is ever sent to the old endpoint.
func (d *Dispatcher) pool(entry domain.HandlerEntry) callerPool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[entry.ID]
	if ok && p.Addr() == entry.Address {
		return p
	}
	if ok {
		p.Close()
	}
	p = d.newPool(entry.Address, d.cfg.PerHandlerConcurrency)
	d.pools[entry.ID] = p
	return p
}

func (d *Dispatcher) emit(topic string, payload map[string]any) {
	if d.publish != nil {
		d.publish(topic, payload)
	}
}

// retryBackoff doubles a 1s base per attempt, caps at 30s and spreads
// callers with ±25% jitter.
func retryBackoff(attempt int) time.Duration {
	base := time.Second
	delay := base << uint(attempt-1)
	if delay > 30*time.Second || delay <= 0 {
		delay = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2)) - delay/4
	return delay + jitter
}
