package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schedulezero/schedulezero/pkg/wire"
)

const (
	subHandshakeTimeout = 10 * time.Second

	// sendQueueSize buffers outbound events per subscriber. Slow
	// subscribers lose frames rather than stall the publisher.
	sendQueueSize = 256
)

// Publisher fans events out to connected subscribers. Delivery is
// fire-and-forget: no acknowledgements, no replay, frames to a full
// subscriber queue are dropped.
type Publisher struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*pubConn]struct{}
	ln     net.Listener
	srv    *http.Server
	closed bool
}

type pubConn struct {
	conn     *websocket.Conn
	send     chan []byte
	prefixes []string
}

func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		subs: make(map[*pubConn]struct{}),
	}
}

// Start binds addr and accepts subscribers. Each connection's first frame
// must be a sub envelope naming topic prefixes; an empty list subscribes
// to everything.
func (p *Publisher) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleSubscribe)
	srv := &http.Server{Handler: mux}

	p.mu.Lock()
	p.ln = ln
	p.srv = srv
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("publisher serve", "error", err)
		}
	}()
	return nil
}

func (p *Publisher) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

func (p *Publisher) handleSubscribe(w http.ResponseWriter, req *http.Request) {
	conn, err := p.upgrader.Upgrade(w, req, nil)
	if err != nil {
		p.logger.Warn("subscriber upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	conn.SetReadDeadline(time.Now().Add(subHandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var sub wire.Sub
	if op, err := wire.ParseOp(data); err != nil || op != wire.OpSub {
		p.logger.Warn("subscriber handshake rejected", "remote", req.RemoteAddr)
		conn.Close()
		return
	}
	if err := json.Unmarshal(data, &sub); err != nil {
		conn.Close()
		return
	}

	pc := &pubConn{
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		prefixes: sub.Topics,
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.subs[pc] = struct{}{}
	p.mu.Unlock()

	go p.writePump(pc)
	go p.readPump(pc)
}

// Publish sends topic+payload to every subscriber whose prefix list
// matches. It never blocks on a slow subscriber.
func (p *Publisher) Publish(topic string, payload map[string]any) {
	data, err := json.Marshal(wire.NewEvent(topic, payload))
	if err != nil {
		p.logger.Error("marshal event", "topic", topic, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for pc := range p.subs {
		if !topicMatches(topic, pc.prefixes) {
			continue
		}
		select {
		case pc.send <- data:
		default:
			p.logger.Warn("subscriber queue full, dropping event", "topic", topic)
		}
	}
}

// Subscribers reports the number of attached connections.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	srv := p.srv
	for pc := range p.subs {
		close(pc.send)
	}
	p.subs = make(map[*pubConn]struct{})
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (p *Publisher) detach(pc *pubConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[pc]; ok {
		delete(p.subs, pc)
		close(pc.send)
	}
}

// readPump discards inbound frames; its job is noticing the peer is gone.
func (p *Publisher) readPump(pc *pubConn) {
	defer func() {
		p.detach(pc)
		pc.conn.Close()
	}()
	pc.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})
	for {
		if _, _, err := pc.conn.ReadMessage(); err != nil {
			return
		}
		pc.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	}
}

func (p *Publisher) writePump(pc *pubConn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		pc.conn.Close()
	}()
	for {
		select {
		case data, ok := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				pc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func topicMatches(topic string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, pre := range prefixes {
		if pre == "" || strings.HasPrefix(topic, pre) {
			return true
		}
	}
	return false
}
