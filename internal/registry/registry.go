// Package registry tracks live handler processes: who is registered,
// at which address, advertising which methods. Memory is authoritative;
// handlers rebuild it by re-registering after a server restart.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

// PublishFunc emits a bus event. A nil func drops events.
type PublishFunc func(topic string, payload map[string]any)

type Registry struct {
	heartbeatTimeout time.Duration
	purgeAfter       time.Duration
	publish          PublishFunc
	snapshot         *snapshotFile
	logger           *slog.Logger
	now              func() time.Time

	mu      sync.Mutex
	entries map[string]*domain.HandlerEntry
}

// New builds the registry. snapshotPath may be empty to disable the
// on-disk snapshot. Entries found in an existing snapshot are loaded as
// unreachable so listings mention handlers known before a restart.
func New(heartbeatTimeout, purgeAfter time.Duration, snapshotPath string, publish PublishFunc, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		heartbeatTimeout: heartbeatTimeout,
		purgeAfter:       purgeAfter,
		publish:          publish,
		logger:           logger,
		now:              time.Now,
		entries:          make(map[string]*domain.HandlerEntry),
	}
	if snapshotPath != "" {
		snap, err := newSnapshotFile(snapshotPath)
		if err != nil {
			return nil, fmt.Errorf("open handler snapshot: %w", err)
		}
		r.snapshot = snap
		loaded, err := snap.load()
		if err != nil {
			logger.Warn("handler snapshot unreadable, starting empty", "path", snapshotPath, "error", err)
		}
		for _, e := range loaded {
			e.Status = domain.HandlerUnreachable
			r.entries[e.ID] = e
		}
		if len(loaded) > 0 {
			logger.Info("loaded handler snapshot", "handlers", len(loaded))
		}
	}
	return r, nil
}

// Register adds or replaces the entry for id. Re-registration moves the
// id to the new address and method set; the old address is gone from
// lookups the moment this returns. It reports whether an existing entry
// was replaced.
//
// When the id is held by a connected registration at a different address
// with a recent heartbeat, registration fails with
// ErrRegistrationConflict unless force is set.
func (r *Registry) Register(id, address string, methods []string, force bool) (bool, error) {
	now := r.now()

	r.mu.Lock()
	prev, exists := r.entries[id]
	if exists && !force && prev.Address != address &&
		prev.Status == domain.HandlerConnected && now.Sub(prev.LastSeen) <= r.heartbeatTimeout {
		r.mu.Unlock()
		return false, domain.ErrRegistrationConflict
	}
	entry := &domain.HandlerEntry{
		ID:           id,
		Address:      address,
		Methods:      append([]string(nil), methods...),
		Status:       domain.HandlerConnected,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.entries[id] = entry
	r.writeSnapshotLocked()
	r.mu.Unlock()

	r.logger.Info("handler registered", "handler_id", id, "address", address, "methods", len(methods), "replaced", exists)
	r.emit("handler.registered", map[string]any{
		"handler_id": id,
		"address":    address,
		"methods":    methods,
		"replaced":   exists,
	})
	return exists, nil
}

// Heartbeat bumps last_seen and revives unreachable entries.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrHandlerUnknown
	}
	entry.LastSeen = r.now()
	revived := entry.Status == domain.HandlerUnreachable
	if revived {
		entry.Status = domain.HandlerConnected
	}
	r.mu.Unlock()

	if revived {
		r.logger.Info("handler reachable again", "handler_id", id)
		r.emit("handler.status", map[string]any{"handler_id": id, "status": string(domain.HandlerConnected)})
	}
	return nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; !ok {
		r.mu.Unlock()
		return domain.ErrHandlerUnknown
	}
	delete(r.entries, id)
	r.writeSnapshotLocked()
	r.mu.Unlock()

	r.logger.Info("handler unregistered", "handler_id", id)
	r.emit("handler.unregistered", map[string]any{"handler_id": id})
	return nil
}

func (r *Registry) Lookup(id string) (domain.HandlerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return domain.HandlerEntry{}, domain.ErrHandlerUnknown
	}
	return cloneEntry(entry), nil
}

// List returns all entries sorted by id.
func (r *Registry) List() []domain.HandlerEntry {
	r.mu.Lock()
	out := make([]domain.HandlerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneEntry(e))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep flips silent entries to unreachable and purges entries not seen
// for the purge window.
func (r *Registry) Sweep(now time.Time) {
	type change struct {
		id     string
		purged bool
	}
	var changes []change

	r.mu.Lock()
	for id, e := range r.entries {
		silent := now.Sub(e.LastSeen)
		switch {
		case r.purgeAfter > 0 && silent > r.purgeAfter:
			delete(r.entries, id)
			changes = append(changes, change{id: id, purged: true})
		case e.Status == domain.HandlerConnected && silent > r.heartbeatTimeout:
			e.Status = domain.HandlerUnreachable
			changes = append(changes, change{id: id})
		}
	}
	if len(changes) > 0 {
		r.writeSnapshotLocked()
	}
	r.mu.Unlock()

	for _, c := range changes {
		if c.purged {
			r.logger.Info("handler purged", "handler_id", c.id)
			r.emit("handler.unregistered", map[string]any{"handler_id": c.id, "purged": true})
		} else {
			r.logger.Warn("handler unreachable", "handler_id", c.id, "timeout", r.heartbeatTimeout)
			r.emit("handler.status", map[string]any{"handler_id": c.id, "status": string(domain.HandlerUnreachable)})
		}
	}
}

// RunSweeper sweeps on a ticker until ctx is done. Run it in a goroutine.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

func (r *Registry) emit(topic string, payload map[string]any) {
	if r.publish != nil {
		r.publish(topic, payload)
	}
}

func (r *Registry) writeSnapshotLocked() {
	if r.snapshot == nil {
		return
	}
	if err := r.snapshot.store(r.entries); err != nil {
		r.logger.Warn("write handler snapshot", "error", err)
	}
}

func cloneEntry(e *domain.HandlerEntry) domain.HandlerEntry {
	out := *e
	out.Methods = append([]string(nil), e.Methods...)
	return out
}
