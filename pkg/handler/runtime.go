// Package handler is the runtime embedded in handler processes: it binds
// an ephemeral reply socket, registers the advertised methods with the
// scheduler, heartbeats, and serves incoming calls one at a time per
// connection.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schedulezero/schedulezero/pkg/socket"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

// Func is one method exposed by a handler. A returned *wire.HandlerError
// controls the retryable flag; any other error, and any panic, is
// reported terminal.
type Func func(ctx context.Context, params map[string]any) (any, error)

type Config struct {
	HandlerID string
	// ServerAddr is the scheduler's registration endpoint.
	ServerAddr string
	// ListenHost is the interface the reply socket binds to; the port is
	// always ephemeral and reported at registration.
	ListenHost string
	Methods    map[string]Func

	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Runtime is one handler process's server loop.
type Runtime struct {
	cfg       Config
	logger    *slog.Logger
	responder *socket.Responder
	control   *socket.Caller

	mu     sync.Mutex
	addr   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const controlCallTimeout = 5 * time.Second

func New(cfg Config) (*Runtime, error) {
	if cfg.HandlerID == "" {
		return nil, errors.New("handler: HandlerID is required")
	}
	if cfg.ServerAddr == "" {
		return nil, errors.New("handler: ServerAddr is required")
	}
	if len(cfg.Methods) == 0 {
		return nil, errors.New("handler: at least one method is required")
	}
	for name := range cfg.Methods {
		if name == "" || name[0] == '$' {
			return nil, fmt.Errorf("handler: invalid method name %q", name)
		}
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rt := &Runtime{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "handler_runtime", "handler_id", cfg.HandlerID),
	}
	rt.responder = socket.NewResponder(rt.serve, rt.logger)
	rt.control = socket.NewCaller(cfg.ServerAddr)
	return rt, nil
}

// Start binds the reply socket, registers with the scheduler and begins
// heartbeating. It returns once registration succeeded.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.responder.Start(rt.cfg.ListenHost + ":0"); err != nil {
		return fmt.Errorf("bind reply socket: %w", err)
	}
	rt.mu.Lock()
	rt.addr = rt.responder.Addr()
	rt.mu.Unlock()

	if err := rt.register(ctx, false); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		rt.responder.Stop(stopCtx)
		cancel()
		return err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.cancel = cancel
	rt.mu.Unlock()

	rt.wg.Add(1)
	go rt.heartbeatLoop(hbCtx)

	rt.logger.Info("handler running", "address", rt.Addr(), "methods", rt.methodNames())
	return nil
}

// Addr is the reply address reported to the scheduler.
func (rt *Runtime) Addr() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.addr
}

// Stop unregisters best-effort and closes both sockets.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	cancel := rt.cancel
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	rt.wg.Wait()

	callCtx, cancelCall := context.WithTimeout(ctx, controlCallTimeout)
	_, err := rt.control.Call(callCtx, rt.controlCall(wire.MethodUnregister, map[string]any{
		"handler_id": rt.cfg.HandlerID,
	}))
	cancelCall()
	if err != nil {
		rt.logger.Warn("unregister failed", "error", err)
	}

	rt.control.Close()
	return rt.responder.Stop(ctx)
}

func (rt *Runtime) register(ctx context.Context, force bool) error {
	callCtx, cancel := context.WithTimeout(ctx, controlCallTimeout)
	defer cancel()

	res, err := rt.control.Call(callCtx, rt.controlCall(wire.MethodRegister, map[string]any{
		"handler_id": rt.cfg.HandlerID,
		"address":    rt.Addr(),
		"methods":    rt.methodNames(),
		"force":      force,
	}))
	if err != nil {
		return fmt.Errorf("register with %s: %w", rt.cfg.ServerAddr, err)
	}
	if res.Status != wire.StatusOK {
		return fmt.Errorf("registration rejected: %s", res.Error)
	}
	rt.logger.Info("registered", "server", rt.cfg.ServerAddr, "address", rt.Addr())
	return nil
}

// heartbeatLoop pings once per interval. Three consecutive failures mean
// the scheduler lost us (restart, network partition); re-register with
// force so a stale entry for our own id cannot block the comeback.
func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	defer rt.wg.Done()

	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, controlCallTimeout)
		res, err := rt.control.Call(callCtx, rt.controlCall(wire.MethodHeartbeat, map[string]any{
			"handler_id": rt.cfg.HandlerID,
		}))
		cancel()

		if err == nil && res.Status == wire.StatusOK {
			failures = 0
			continue
		}
		failures++
		rt.logger.Warn("heartbeat failed", "failures", failures, "error", err)
		if failures < 3 {
			continue
		}

		if err := rt.register(ctx, true); err != nil {
			rt.logger.Error("re-register failed", "error", err)
			continue
		}
		failures = 0
	}
}

// serve runs one method call. User code failures never escape: panics and
// plain errors become terminal error results, *wire.HandlerError keeps
// its retryable flag.
func (rt *Runtime) serve(ctx context.Context, call *wire.Call) (res *wire.Result) {
	fn, ok := rt.cfg.Methods[call.Method]
	if !ok {
		return wire.NewErrorResult(call.FiringID, fmt.Sprintf("unknown method %q", call.Method), false)
	}

	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("method panicked", "method", call.Method, "panic", r, "stack", string(debug.Stack()))
			res = wire.NewErrorResult(call.FiringID, fmt.Sprintf("panic: %v", r), false)
		}
	}()

	result, err := fn(ctx, call.Params)
	if err != nil {
		var he *wire.HandlerError
		if errors.As(err, &he) {
			return wire.NewErrorResult(call.FiringID, he.Message, he.Retryable)
		}
		return wire.NewErrorResult(call.FiringID, err.Error(), false)
	}
	return wire.NewOKResult(call.FiringID, result)
}

func (rt *Runtime) controlCall(method string, params map[string]any) *wire.Call {
	return wire.NewCall(uuid.NewString(), method, params, controlCallTimeout.Milliseconds())
}

func (rt *Runtime) methodNames() []string {
	names := make([]string, 0, len(rt.cfg.Methods))
	for name := range rt.cfg.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
