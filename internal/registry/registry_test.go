package registry

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

type capturedEvent struct {
	topic   string
	payload map[string]any
}

type eventSink struct {
	events []capturedEvent
}

func (s *eventSink) publish(topic string, payload map[string]any) {
	s.events = append(s.events, capturedEvent{topic: topic, payload: payload})
}

func (s *eventSink) topics() []string {
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.topic)
	}
	return out
}

func newTestRegistry(t *testing.T, snapshotPath string) (*Registry, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(15*time.Second, 10*time.Minute, snapshotPath, sink.publish, logger)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r, sink
}

func TestRegisterLookupList(t *testing.T) {
	r, sink := newTestRegistry(t, "")

	replaced, err := r.Register("worker-1", "127.0.0.1:9001", []string{"send_email", "cleanup"}, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if replaced {
		t.Fatal("first registration reported replaced")
	}

	entry, err := r.Lookup("worker-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Address != "127.0.0.1:9001" || entry.Status != domain.HandlerConnected {
		t.Fatalf("entry = %+v", entry)
	}
	if !entry.HasMethod("cleanup") || entry.HasMethod("reboot") {
		t.Fatalf("methods = %v", entry.Methods)
	}

	if _, err := r.Lookup("nobody"); !errors.Is(err, domain.ErrHandlerUnknown) {
		t.Fatalf("lookup unknown: %v", err)
	}

	r.Register("worker-0", "127.0.0.1:9000", []string{"noop"}, false)
	list := r.List()
	if len(list) != 2 || list[0].ID != "worker-0" || list[1].ID != "worker-1" {
		t.Fatalf("list = %+v", list)
	}

	if got := sink.topics(); len(got) != 2 || got[0] != "handler.registered" {
		t.Fatalf("events = %v", got)
	}
}

func TestReRegisterSameAddressUpdatesMethods(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	r.Register("worker-1", "127.0.0.1:9001", []string{"a"}, false)

	replaced, err := r.Register("worker-1", "127.0.0.1:9001", []string{"a", "b"}, false)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !replaced {
		t.Fatal("re-registration not reported as replaced")
	}
	entry, _ := r.Lookup("worker-1")
	if len(entry.Methods) != 2 {
		t.Fatalf("methods = %v", entry.Methods)
	}
}

func TestRegisterConflictOnLiveDifferentAddress(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	r.Register("worker-1", "127.0.0.1:9001", []string{"a"}, false)

	_, err := r.Register("worker-1", "127.0.0.1:9999", []string{"a"}, false)
	if !errors.Is(err, domain.ErrRegistrationConflict) {
		t.Fatalf("err = %v, want ErrRegistrationConflict", err)
	}

	// force takes the id over.
	replaced, err := r.Register("worker-1", "127.0.0.1:9999", []string{"a"}, true)
	if err != nil || !replaced {
		t.Fatalf("forced register: replaced=%v err=%v", replaced, err)
	}
	entry, _ := r.Lookup("worker-1")
	if entry.Address != "127.0.0.1:9999" {
		t.Fatalf("address = %q, old address still admissible", entry.Address)
	}
}

func TestReRegisterAfterSilenceIsAccepted(t *testing.T) {
	r, _ := newTestRegistry(t, "")
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Register("worker-1", "127.0.0.1:9001", []string{"a"}, false)

	// Past the heartbeat timeout the old claim to the id is stale.
	r.now = func() time.Time { return base.Add(16 * time.Second) }
	replaced, err := r.Register("worker-1", "127.0.0.1:9999", []string{"a"}, false)
	if err != nil {
		t.Fatalf("register after silence: %v", err)
	}
	if !replaced {
		t.Fatal("expected replacement")
	}
}

func TestHeartbeatRevivesUnreachable(t *testing.T) {
	r, sink := newTestRegistry(t, "")
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Register("worker-1", "127.0.0.1:9001", []string{"a"}, false)

	r.Sweep(base.Add(20 * time.Second))
	entry, _ := r.Lookup("worker-1")
	if entry.Status != domain.HandlerUnreachable {
		t.Fatalf("status after sweep = %q", entry.Status)
	}

	if err := r.Heartbeat("worker-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	entry, _ = r.Lookup("worker-1")
	if entry.Status != domain.HandlerConnected {
		t.Fatalf("status after heartbeat = %q", entry.Status)
	}

	if err := r.Heartbeat("nobody"); !errors.Is(err, domain.ErrHandlerUnknown) {
		t.Fatalf("heartbeat unknown: %v", err)
	}

	topics := sink.topics()
	want := []string{"handler.registered", "handler.status", "handler.status"}
	if len(topics) != len(want) {
		t.Fatalf("events = %v", topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("events = %v, want %v", topics, want)
		}
	}
}

func TestUnregister(t *testing.T) {
	r, sink := newTestRegistry(t, "")
	r.Register("worker-1", "127.0.0.1:9001", []string{"a"}, false)

	if err := r.Unregister("worker-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := r.Lookup("worker-1"); !errors.Is(err, domain.ErrHandlerUnknown) {
		t.Fatalf("lookup after unregister: %v", err)
	}
	if err := r.Unregister("worker-1"); !errors.Is(err, domain.ErrHandlerUnknown) {
		t.Fatalf("double unregister: %v", err)
	}
	if topics := sink.topics(); topics[len(topics)-1] != "handler.unregistered" {
		t.Fatalf("events = %v", topics)
	}
}

func TestSweepPurgesLongSilentEntries(t *testing.T) {
	r, sink := newTestRegistry(t, "")
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Register("worker-1", "127.0.0.1:9001", []string{"a"}, false)

	r.Sweep(base.Add(time.Minute))
	if _, err := r.Lookup("worker-1"); err != nil {
		t.Fatalf("entry purged too early: %v", err)
	}

	r.Sweep(base.Add(11 * time.Minute))
	if _, err := r.Lookup("worker-1"); !errors.Is(err, domain.ErrHandlerUnknown) {
		t.Fatalf("entry should be purged: %v", err)
	}

	last := sink.events[len(sink.events)-1]
	if last.topic != "handler.unregistered" || last.payload["purged"] != true {
		t.Fatalf("last event = %+v", last)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handlers.json")

	r, _ := newTestRegistry(t, path)
	r.Register("worker-1", "127.0.0.1:9001", []string{"send_email"}, false)
	r.Register("worker-2", "127.0.0.1:9002", []string{"cleanup"}, false)

	restarted, _ := newTestRegistry(t, path)
	list := restarted.List()
	if len(list) != 2 {
		t.Fatalf("restarted list = %+v", list)
	}
	for _, e := range list {
		if e.Status != domain.HandlerUnreachable {
			t.Fatalf("snapshot entry %s status = %q, want unreachable", e.ID, e.Status)
		}
	}

	// Re-registration flips the loaded entry back to connected.
	restarted.Register("worker-1", "127.0.0.1:9005", []string{"send_email"}, false)
	entry, _ := restarted.Lookup("worker-1")
	if entry.Status != domain.HandlerConnected || entry.Address != "127.0.0.1:9005" {
		t.Fatalf("entry = %+v", entry)
	}
}
