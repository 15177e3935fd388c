package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schedulezero/schedulezero/pkg/wire"
)

const (
	redialBase = time.Second
	redialMax  = 30 * time.Second
)

// Message is one delivered event.
type Message struct {
	Topic   string
	Payload map[string]any
}

// Subscriber attaches to one or more publisher endpoints and delivers
// matching events on a channel. Lost connections are redialed with
// exponential backoff; events published while disconnected are gone,
// matching the bus's fire-and-forget contract.
type Subscriber struct {
	endpoints []string
	prefixes  []string
	logger    *slog.Logger

	out    chan Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSubscriber(endpoints, prefixes []string, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		endpoints: endpoints,
		prefixes:  prefixes,
		logger:    logger,
		out:       make(chan Message, sendQueueSize),
	}
}

func (s *Subscriber) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, ep := range s.endpoints {
		s.wg.Add(1)
		go s.run(ctx, ep)
	}
}

// Events delivers received messages. The channel is buffered; when the
// consumer falls behind, new events are dropped.
func (s *Subscriber) Events() <-chan Message { return s.out }

func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	close(s.out)
}

func (s *Subscriber) run(ctx context.Context, endpoint string) {
	defer s.wg.Done()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.attach(ctx, endpoint); err != nil {
			attempt++
			wait := redialWait(attempt)
			s.logger.Debug("subscriber reconnect", "endpoint", endpoint, "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		attempt = 0
	}
}

// attach dials, sends the sub handshake and pumps events until the
// connection dies or ctx is done.
func (s *Subscriber) attach(ctx context.Context, endpoint string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, "ws://"+endpoint+"/", nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	hello, err := json.Marshal(wire.NewSub(s.prefixes))
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(2 * readIdleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		op, err := wire.ParseOp(data)
		if err != nil || op != wire.OpEvent {
			continue
		}
		var ev wire.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case s.out <- Message{Topic: ev.Topic, Payload: ev.Payload}:
		default:
			s.logger.Warn("event channel full, dropping", "topic", ev.Topic)
		}
	}
}

func redialWait(attempt int) time.Duration {
	wait := redialBase << uint(attempt-1)
	if wait > redialMax || wait <= 0 {
		wait = redialMax
	}
	// Quarter jitter keeps reconnect storms apart.
	jitter := time.Duration(rand.Int63n(int64(wait) / 4))
	return wait - jitter
}
