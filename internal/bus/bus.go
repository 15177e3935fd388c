// Package bus connects scheduler instances over the publish/subscribe
// transport: every instance publishes its own events and heartbeats,
// subscribes to its peers, and elects the claim leader from the live
// instance set. Delivery is best-effort; the store stays authoritative.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/metrics"
	"github.com/schedulezero/schedulezero/pkg/socket"
)

// Config wires one instance into the bus.
type Config struct {
	Enabled           bool
	InstanceID        string
	PID               int
	PublishListen     string   // host:port this instance publishes on
	Subscribe         []string // peer publish endpoints
	HeartbeatInterval time.Duration
}

// Bus publishes this instance's events and tracks peers. With the bus
// disabled every Publish is a no-op and this instance is always leader.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	pub *socket.Publisher
	sub *socket.Subscriber

	mu        sync.Mutex
	instances map[string]*domain.InstanceDescriptor
	leaderID  string
	seq       uint64

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Bus {
	return &Bus{
		cfg:       cfg,
		logger:    logger.With("component", "bus"),
		instances: make(map[string]*domain.InstanceDescriptor),
		wake:      make(chan struct{}, 1),
	}
}

// Start binds the publish endpoint, attaches to peers and begins
// heartbeating. A disabled bus starts nothing.
func (b *Bus) Start() error {
	if !b.cfg.Enabled {
		b.logger.Info("event bus disabled, instance acts as sole leader")
		metrics.LeaderState.Set(1)
		return nil
	}

	b.pub = socket.NewPublisher(b.logger)
	if err := b.pub.Start(b.cfg.PublishListen); err != nil {
		return fmt.Errorf("bind publish endpoint: %w", err)
	}

	now := time.Now()
	self := &domain.InstanceDescriptor{
		InstanceID:      b.cfg.InstanceID,
		PID:             b.cfg.PID,
		PublishEndpoint: b.pub.Addr(),
		FirstSeen:       now,
		LastSeen:        now,
	}
	b.mu.Lock()
	b.instances[self.InstanceID] = self
	leader := b.electLocked()
	b.mu.Unlock()
	b.announceLeader(leader)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	if len(b.cfg.Subscribe) > 0 {
		b.sub = socket.NewSubscriber(b.cfg.Subscribe, nil, b.logger)
		b.sub.Start()
		b.wg.Add(1)
		go b.consume(ctx)
	}

	b.wg.Add(1)
	go b.heartbeatLoop(ctx)

	b.logger.Info("event bus started", "publish", b.pub.Addr(), "peers", len(b.cfg.Subscribe))
	return nil
}

// Publish emits an event to all subscribers. Safe to call on a disabled
// bus.
func (b *Bus) Publish(topic string, payload map[string]any) {
	if b.pub == nil {
		return
	}
	b.pub.Publish(topic, payload)
	metrics.BusEventsTotal.WithLabelValues("published").Inc()
}

// IsLeader reports whether this instance currently holds the claim role.
func (b *Bus) IsLeader() bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaderID == b.cfg.InstanceID
}

// Leader returns the current leader's instance id.
func (b *Bus) Leader() string {
	if !b.cfg.Enabled {
		return b.cfg.InstanceID
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaderID
}

// Instances snapshots the live instance view, self included.
func (b *Bus) Instances() []domain.InstanceDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.InstanceDescriptor, 0, len(b.instances))
	for _, inst := range b.instances {
		out = append(out, *inst)
	}
	return out
}

// Wake signals when a peer changed schedules and sleep targets must be
// recomputed. The channel never blocks publishers.
func (b *Bus) Wake() <-chan struct{} { return b.wake }

// Stop announces departure and tears the bus down.
func (b *Bus) Stop(ctx context.Context) {
	if !b.cfg.Enabled {
		return
	}
	b.Publish("instance.left", map[string]any{"instance_id": b.cfg.InstanceID})
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		b.sub.Stop()
	}
	b.wg.Wait()
	if b.pub != nil {
		b.pub.Stop(ctx)
	}
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	b.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.beat()
		}
	}
}

func (b *Bus) beat() {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	now := time.Now()
	if self, ok := b.instances[b.cfg.InstanceID]; ok {
		self.LastSeen = now
		self.Seq = seq
	}
	b.evictLocked(now)
	changed := b.electLocked()
	endpoint := b.pub.Addr()
	b.mu.Unlock()
	b.announceLeader(changed)

	b.Publish("instance.heartbeat", map[string]any{
		"instance_id":      b.cfg.InstanceID,
		"pid":              b.cfg.PID,
		"publish_endpoint": endpoint,
		"seq":              seq,
	})
}

func (b *Bus) consume(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.sub.Events():
			if !ok {
				return
			}
			metrics.BusEventsTotal.WithLabelValues("received").Inc()
			b.handle(msg)
		}
	}
}

func (b *Bus) handle(msg socket.Message) {
	switch msg.Topic {
	case "instance.heartbeat":
		b.observeHeartbeat(msg.Payload)
	case "instance.left":
		id, _ := msg.Payload["instance_id"].(string)
		b.removeInstance(id)
	case "schedule.added", "schedule.removed", "schedule.updated":
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) observeHeartbeat(payload map[string]any) {
	id, _ := payload["instance_id"].(string)
	if id == "" || id == b.cfg.InstanceID {
		return
	}
	pid, _ := payload["pid"].(float64)
	endpoint, _ := payload["publish_endpoint"].(string)
	seq, _ := payload["seq"].(float64)

	now := time.Now()
	b.mu.Lock()
	inst, ok := b.instances[id]
	if !ok {
		inst = &domain.InstanceDescriptor{InstanceID: id, FirstSeen: now}
		b.instances[id] = inst
		b.logger.Info("peer instance discovered", "instance_id", id, "pid", int(pid))
	}
	if uint64(seq) < inst.Seq {
		// Stale or reordered heartbeat.
		b.mu.Unlock()
		return
	}
	inst.PID = int(pid)
	inst.PublishEndpoint = endpoint
	inst.LastSeen = now
	inst.Seq = uint64(seq)
	changed := b.electLocked()
	b.mu.Unlock()
	b.announceLeader(changed)
}

func (b *Bus) removeInstance(id string) {
	if id == "" || id == b.cfg.InstanceID {
		return
	}
	b.mu.Lock()
	if _, ok := b.instances[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.instances, id)
	b.logger.Info("peer instance left", "instance_id", id)
	changed := b.electLocked()
	b.mu.Unlock()
	b.announceLeader(changed)
}

// evictLocked drops peers silent for three heartbeat intervals.
func (b *Bus) evictLocked(now time.Time) {
	cutoff := now.Add(-3 * b.cfg.HeartbeatInterval)
	for id, inst := range b.instances {
		if id == b.cfg.InstanceID {
			continue
		}
		if inst.LastSeen.Before(cutoff) {
			delete(b.instances, id)
			b.logger.Warn("peer instance evicted", "instance_id", id, "last_seen", inst.LastSeen)
		}
	}
}

// electLocked picks the live instance with the smallest (pid,
// instance_id) pair and returns a snapshot of the new leader on a
// change, nil otherwise. Callers announce the change after releasing
// b.mu. Caller holds b.mu.
func (b *Bus) electLocked() *domain.InstanceDescriptor {
	var leader *domain.InstanceDescriptor
	for _, inst := range b.instances {
		if leader == nil ||
			inst.PID < leader.PID ||
			(inst.PID == leader.PID && inst.InstanceID < leader.InstanceID) {
			leader = inst
		}
	}
	if leader == nil || leader.InstanceID == b.leaderID {
		return nil
	}
	b.leaderID = leader.InstanceID
	isSelf := b.leaderID == b.cfg.InstanceID
	if isSelf {
		metrics.LeaderState.Set(1)
	} else {
		metrics.LeaderState.Set(0)
	}
	b.logger.Info("leader elected", "leader", b.leaderID, "self", isSelf)
	elected := *leader
	return &elected
}

func (b *Bus) announceLeader(leader *domain.InstanceDescriptor) {
	if leader == nil {
		return
	}
	b.Publish("leader.elected", map[string]any{
		"instance_id": leader.InstanceID,
		"pid":         leader.PID,
	})
}
