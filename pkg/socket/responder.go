// Package socket provides the brokerless message primitives: blocking
// request/reply between one caller and one responder, and fire-and-forget
// publish/subscribe with topic-prefix filtering. Frames are the JSON
// envelopes from pkg/wire carried over WebSocket connections.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schedulezero/schedulezero/pkg/wire"
)

const (
	// maxFrameSize caps a single envelope (512KB). The connection is
	// closed when exceeded.
	maxFrameSize = 512 * 1024

	readIdleTimeout = 60 * time.Second
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
)

// ServeFunc handles one call and returns its result. The responder
// overwrites the result's firing id with the call's, so the echo contract
// holds no matter what the function returns.
type ServeFunc func(ctx context.Context, call *wire.Call) *wire.Result

// Responder binds a TCP address and answers calls, strictly one at a time
// per connection. Callers open more connections for parallelism.
type Responder struct {
	serve    ServeFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	ln     net.Listener
	srv    *http.Server
	cancel context.CancelFunc
}

func NewResponder(serve ServeFunc, logger *slog.Logger) *Responder {
	return &Responder{
		serve:  serve,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Start binds addr (port 0 picks an ephemeral port; read it back with
// Addr) and serves until Stop.
func (r *Responder) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("upgrade failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		go r.serveConn(ctx, conn)
	})

	srv := &http.Server{Handler: mux}
	r.mu.Lock()
	r.ln = ln
	r.srv = srv
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("responder serve", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound host:port, usable as a handler address.
func (r *Responder) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *Responder) Stop(ctx context.Context) error {
	r.mu.Lock()
	srv, cancel := r.srv, r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// serveConn runs the strict read → serve → reply loop. The idle deadline
// drops callers that pool a connection without using it; they redial.
func (r *Responder) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxFrameSize)

	for {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				r.logger.Debug("responder read", "error", err)
			}
			return
		}

		res := r.handleFrame(ctx, data)
		out, err := json.Marshal(res)
		if err != nil {
			r.logger.Error("marshal result", "error", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func (r *Responder) handleFrame(ctx context.Context, data []byte) *wire.Result {
	op, err := wire.ParseOp(data)
	if err != nil || op != wire.OpCall {
		return wire.NewErrorResult("", "expected a call envelope", false)
	}
	var call wire.Call
	if err := json.Unmarshal(data, &call); err != nil {
		return wire.NewErrorResult("", "malformed call: "+err.Error(), false)
	}

	callCtx := ctx
	if call.DeadlineMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(call.DeadlineMS)*time.Millisecond)
		defer cancel()
	}

	res := r.serve(callCtx, &call)
	if res == nil {
		res = wire.NewErrorResult(call.FiringID, "no result", false)
	}
	res.FiringID = call.FiringID
	return res
}
