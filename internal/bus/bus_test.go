package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/schedulezero/schedulezero/pkg/socket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T, id string, pid int) *Bus {
	t.Helper()
	b := New(Config{
		Enabled:           true,
		InstanceID:        id,
		PID:               pid,
		PublishListen:     "127.0.0.1:0",
		HeartbeatInterval: 20 * time.Millisecond,
	}, testLogger())
	if err := b.Start(); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return b
}

// subscribeLeader attaches to the bus's own publisher and waits until the
// connection is up so no election event can slip past it.
func subscribeLeader(t *testing.T, b *Bus) *socket.Subscriber {
	t.Helper()
	sub := socket.NewSubscriber([]string{b.pub.Addr()}, []string{"leader."}, testLogger())
	sub.Start()
	t.Cleanup(sub.Stop)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.pub.Subscribers() >= 1 {
			return sub
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscriber never attached")
	return nil
}

func peerHeartbeat(id string, pid, seq int) map[string]any {
	return map[string]any{
		"instance_id":      id,
		"pid":              float64(pid),
		"publish_endpoint": "127.0.0.1:1",
		"seq":              float64(seq),
	}
}

func waitLeader(t *testing.T, b *Bus, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.Leader() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("leader = %s, want %s", b.Leader(), want)
}

func TestDisabledBusActsAsSoleLeader(t *testing.T) {
	b := New(Config{Enabled: false, InstanceID: "solo"}, testLogger())
	if err := b.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !b.IsLeader() || b.Leader() != "solo" {
		t.Fatalf("leader = %s, is leader = %v", b.Leader(), b.IsLeader())
	}

	// Publishing on a disabled bus must be a safe no-op.
	b.Publish("schedule.added", map[string]any{"schedule_id": "s1"})
	b.Stop(context.Background())
}

func TestElectionPrefersSmallestPIDThenID(t *testing.T) {
	b := startBus(t, "m-self", 500)
	if b.Leader() != "m-self" {
		t.Fatalf("initial leader = %s, want self", b.Leader())
	}

	b.observeHeartbeat(peerHeartbeat("zz", 300, 1))
	if b.Leader() != "zz" {
		t.Fatalf("leader = %s, want zz (smaller pid)", b.Leader())
	}

	b.observeHeartbeat(peerHeartbeat("aa", 300, 1))
	if b.Leader() != "aa" {
		t.Fatalf("leader = %s, want aa (pid tie, smaller id)", b.Leader())
	}

	b.observeHeartbeat(peerHeartbeat("bb", 1, 1))
	if b.Leader() != "bb" {
		t.Fatalf("leader = %s, want bb (smallest pid)", b.Leader())
	}
}

func TestStaleHeartbeatIgnored(t *testing.T) {
	b := startBus(t, "m-self", 5)

	b.observeHeartbeat(peerHeartbeat("peer", 9, 5))
	if b.Leader() != "m-self" {
		t.Fatalf("leader = %s, want self (pid 5 < 9)", b.Leader())
	}

	// A reordered older heartbeat must not rewrite the peer's pid.
	b.observeHeartbeat(peerHeartbeat("peer", 1, 3))
	if b.Leader() != "m-self" {
		t.Fatalf("leader = %s, stale heartbeat was applied", b.Leader())
	}
}

func TestLeadershipChangeRepublishes(t *testing.T) {
	b := startBus(t, "zz-self", 500)
	sub := subscribeLeader(t, b)

	b.observeHeartbeat(peerHeartbeat("aa-peer", 1, 1))

	select {
	case msg := <-sub.Events():
		if msg.Topic != "leader.elected" || msg.Payload["instance_id"] != "aa-peer" {
			t.Fatalf("event = %s %v, want leader.elected aa-peer", msg.Topic, msg.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no leader.elected after leadership changed to the peer")
	}

	b.removeInstance("aa-peer")

	select {
	case msg := <-sub.Events():
		if msg.Topic != "leader.elected" || msg.Payload["instance_id"] != "zz-self" {
			t.Fatalf("event = %s %v, want leader.elected zz-self", msg.Topic, msg.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no leader.elected after leadership returned to self")
	}
}

func TestSilentPeerEvicted(t *testing.T) {
	b := startBus(t, "m-self", 500)

	b.observeHeartbeat(peerHeartbeat("aa-peer", 1, 1))
	if b.Leader() != "aa-peer" {
		t.Fatalf("leader = %s, want aa-peer", b.Leader())
	}

	// Three silent heartbeat intervals and the peer is gone, leadership
	// falls back to self.
	waitLeader(t, b, "m-self")
	for _, inst := range b.Instances() {
		if inst.InstanceID == "aa-peer" {
			t.Fatal("evicted peer still listed")
		}
	}
}

func TestPeerDiscoveryOverLoopback(t *testing.T) {
	b1 := startBus(t, "aa", 1)

	b2 := New(Config{
		Enabled:           true,
		InstanceID:        "bb",
		PID:               2,
		PublishListen:     "127.0.0.1:0",
		Subscribe:         []string{b1.pub.Addr()},
		HeartbeatInterval: 20 * time.Millisecond,
	}, testLogger())
	if err := b2.Start(); err != nil {
		t.Fatalf("start peer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b2.Stop(ctx)
	})

	waitLeader(t, b2, "aa")
	if len(b2.Instances()) != 2 {
		t.Fatalf("instances = %d, want 2", len(b2.Instances()))
	}
	if b2.IsLeader() {
		t.Fatal("follower believes it is leader")
	}
}

func TestPeerScheduleEventsWake(t *testing.T) {
	b := startBus(t, "m-self", 500)

	b.handle(socket.Message{Topic: "schedule.added", Payload: map[string]any{"schedule_id": "s1"}})

	select {
	case <-b.Wake():
	case <-time.After(time.Second):
		t.Fatal("schedule change did not wake the bus")
	}
}
