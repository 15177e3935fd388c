package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schedulezero/schedulezero/pkg/wire"
)

var (
	// ErrCallTimeout is returned when no reply arrived before the call
	// deadline. The underlying connection is discarded.
	ErrCallTimeout = errors.New("socket: call timed out")

	// ErrCallerClosed is returned for calls issued after Close.
	ErrCallerClosed = errors.New("socket: caller closed")
)

const dialTimeout = 5 * time.Second

// Caller is a request socket bound to one responder address. It dials
// lazily and keeps the connection for reuse. A mutex serializes calls,
// so one Caller carries exactly one in-flight request; pools stack
// Callers for parallelism.
type Caller struct {
	addr string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewCaller(addr string) *Caller {
	return &Caller{addr: addr}
}

// Call sends one call envelope and blocks for its result. The deadline
// comes from ctx when set, otherwise from the envelope's deadline_ms.
// Timeouts and reply mismatches poison the connection; the next Call
// redials.
func (c *Caller) Call(ctx context.Context, call *wire.Call) (*wire.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCallerClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		wait := time.Duration(call.DeadlineMS) * time.Millisecond
		if wait <= 0 {
			wait = 30 * time.Second
		}
		deadline = time.Now().Add(wait)
	}

	data, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	if err := c.send(ctx, data); err != nil {
		return nil, err
	}

	c.conn.SetReadDeadline(deadline)
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.drop()
		if isTimeout(err) {
			return nil, ErrCallTimeout
		}
		return nil, fmt.Errorf("read result: %w", err)
	}

	var res wire.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		c.drop()
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if res.FiringID != call.FiringID {
		// A stray reply means the connection state is unknowable.
		c.drop()
		return nil, fmt.Errorf("mismatched reply: got firing %q want %q", res.FiringID, call.FiringID)
	}
	return &res, nil
}

// send writes the frame, redialing once when the pooled connection went
// stale since the last call.
func (c *Caller) send(ctx context.Context, data []byte) error {
	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			return err
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err == nil {
		return nil
	}
	c.drop()
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.drop()
		return fmt.Errorf("write call: %w", err)
	}
	return nil
}

func (c *Caller) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, "ws://"+c.addr+"/", nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	conn.SetReadLimit(maxFrameSize)
	c.conn = conn
	return nil
}

func (c *Caller) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Caller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.drop()
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
