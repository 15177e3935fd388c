package handler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/schedulezero/schedulezero/internal/registry"
	"github.com/schedulezero/schedulezero/pkg/handler"
	"github.com/schedulezero/schedulezero/pkg/socket"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer brings up a registry with its registration endpoint on an
// ephemeral loopback port.
func startServer(t *testing.T) (*registry.Registry, *registry.Server) {
	t.Helper()
	reg, err := registry.New(15*time.Second, 0, "", nil, testLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	srv := registry.NewServer(reg, testLogger())
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start registration endpoint: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return reg, srv
}

func startRuntime(t *testing.T, serverAddr string, methods map[string]handler.Func) *handler.Runtime {
	t.Helper()
	rt, err := handler.New(handler.Config{
		HandlerID:         "worker-1",
		ServerAddr:        serverAddr,
		Methods:           methods,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	return rt
}

func callRuntime(t *testing.T, addr, method string, params map[string]any) *wire.Result {
	t.Helper()
	caller := socket.NewCaller(addr)
	defer caller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := caller.Call(ctx, wire.NewCall("f-test", method, params, 5000))
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	return res
}

func TestRuntimeRegistersAndServes(t *testing.T) {
	reg, srv := startServer(t)

	rt := startRuntime(t, srv.Addr(), map[string]handler.Func{
		"echo": func(_ context.Context, params map[string]any) (any, error) {
			return params, nil
		},
	})

	entry, err := reg.Lookup("worker-1")
	if err != nil {
		t.Fatalf("runtime did not register: %v", err)
	}
	if entry.Address != rt.Addr() {
		t.Fatalf("registered address = %s, want %s", entry.Address, rt.Addr())
	}
	if !entry.HasMethod("echo") {
		t.Fatalf("methods = %v, want echo", entry.Methods)
	}

	res := callRuntime(t, rt.Addr(), "echo", map[string]any{"x": "y"})
	if res.Status != wire.StatusOK {
		t.Fatalf("status = %s, error %s", res.Status, res.Error)
	}
	echoed, _ := res.Result.(map[string]any)
	if echoed["x"] != "y" {
		t.Fatalf("result = %v", res.Result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("stop runtime: %v", err)
	}
	if _, err := reg.Lookup("worker-1"); err == nil {
		t.Fatal("runtime did not unregister on stop")
	}
}

func TestRuntimeErrorMapping(t *testing.T) {
	_, srv := startServer(t)

	rt := startRuntime(t, srv.Addr(), map[string]handler.Func{
		"plain": func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("bad input")
		},
		"flagged": func(context.Context, map[string]any) (any, error) {
			return nil, &wire.HandlerError{Message: "db busy", Retryable: true}
		},
		"panics": func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		},
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Stop(ctx)
	}()

	res := callRuntime(t, rt.Addr(), "plain", nil)
	if res.Status != wire.StatusError || res.IsRetryable() {
		t.Fatalf("plain error: status %s retryable %v, want terminal error", res.Status, res.IsRetryable())
	}

	res = callRuntime(t, rt.Addr(), "flagged", nil)
	if res.Status != wire.StatusError || !res.IsRetryable() {
		t.Fatalf("flagged error: status %s retryable %v, want retryable error", res.Status, res.IsRetryable())
	}

	res = callRuntime(t, rt.Addr(), "panics", nil)
	if res.Status != wire.StatusError || res.IsRetryable() {
		t.Fatalf("panic: status %s retryable %v, want terminal error", res.Status, res.IsRetryable())
	}

	res = callRuntime(t, rt.Addr(), "no-such-method", nil)
	if res.Status != wire.StatusError || res.IsRetryable() {
		t.Fatalf("unknown method: status %s retryable %v, want terminal error", res.Status, res.IsRetryable())
	}
}

func TestRuntimeHeartbeatsKeepEntryAlive(t *testing.T) {
	reg, srv := startServer(t)

	rt := startRuntime(t, srv.Addr(), map[string]handler.Func{
		"noop": func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Stop(ctx)
	}()

	before, err := reg.Lookup("worker-1")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := reg.Lookup("worker-1")
		if err != nil {
			t.Fatalf("entry vanished: %v", err)
		}
		if entry.LastSeen.After(before.LastSeen) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no heartbeat observed")
}

func TestRuntimeRejectsReservedMethodNames(t *testing.T) {
	_, err := handler.New(handler.Config{
		HandlerID:  "worker-1",
		ServerAddr: "127.0.0.1:7070",
		Methods: map[string]handler.Func{
			"$register": func(context.Context, map[string]any) (any, error) { return nil, nil },
		},
	})
	if err == nil {
		t.Fatal("reserved method name accepted")
	}
}

func TestRegistrationConflict(t *testing.T) {
	_, srv := startServer(t)

	rt1 := startRuntime(t, srv.Addr(), map[string]handler.Func{
		"noop": func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt1.Stop(ctx)
	}()

	// Same id from a second live process at another address must be
	// rejected while rt1's heartbeats are fresh.
	rt2, err := handler.New(handler.Config{
		HandlerID:  "worker-1",
		ServerAddr: srv.Addr(),
		Methods: map[string]handler.Func{
			"noop": func(context.Context, map[string]any) (any, error) { return nil, nil },
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rt2.Start(context.Background()); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		rt2.Stop(ctx)
		cancel()
		t.Fatal("conflicting registration accepted")
	}
}
