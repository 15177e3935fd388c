// Package memory is the in-process schedule store backing the memory://
// scheme. Single-node deployments and tests use it; semantics match the
// SQL backends, with a mutex standing in for the conditional UPDATE.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/store"
)

type Store struct {
	mu    sync.Mutex
	items map[string]*domain.Schedule
}

func New() *Store {
	return &Store{items: make(map[string]*domain.Schedule)}
}

func (m *Store) Add(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[s.ID]; exists {
		return domain.ErrDuplicateSchedule
	}
	now := domain.UTCMillis(time.Now())
	cp := clone(s)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.NextFire != nil {
		nf := domain.UTCMillis(*cp.NextFire)
		cp.NextFire = &nf
	}
	m.items[cp.ID] = cp

	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

func (m *Store) Get(_ context.Context, id string) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return clone(s), nil
}

func (m *Store) List(_ context.Context, f store.Filter) ([]*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Schedule, 0, len(m.items))
	for _, s := range m.items {
		if f.HandlerID != "" && s.HandlerID != f.HandlerID {
			continue
		}
		if f.Status != "" && s.Status() != f.Status {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Store) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return domain.ErrScheduleNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *Store) Pause(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	if s.Paused {
		return domain.ErrScheduleAlreadyPaused
	}
	s.Paused = true
	s.UpdatedAt = domain.UTCMillis(time.Now())
	return nil
}

func (m *Store) Resume(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	if !s.Paused {
		return domain.ErrScheduleNotPaused
	}
	s.Paused = false
	s.UpdatedAt = domain.UTCMillis(time.Now())
	return nil
}

func (m *Store) DueBefore(_ context.Context, t time.Time, limit int) ([]*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t = domain.UTCMillis(t)
	var due []*domain.Schedule
	for _, s := range m.items {
		if s.Paused || s.NextFire == nil || s.NextFire.After(t) {
			continue
		}
		due = append(due, clone(s))
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextFire.Equal(*due[j].NextFire) {
			return due[i].NextFire.Before(*due[j].NextFire)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Store) Claim(_ context.Context, id string, scheduledAt time.Time, claimant string, ttl time.Duration, next *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok || s.Paused || s.NextFire == nil {
		return false, nil
	}
	if !s.NextFire.Equal(domain.UTCMillis(scheduledAt)) {
		return false, nil
	}

	now := domain.UTCMillis(time.Now())
	deadline := now.Add(ttl)
	s.ClaimOwner = &claimant
	s.ClaimDeadline = &deadline
	if next != nil {
		nf := domain.UTCMillis(*next)
		s.NextFire = &nf
	} else {
		s.NextFire = nil
	}
	s.UpdatedAt = now
	return true, nil
}

func (m *Store) Release(_ context.Context, id string, scheduledAt time.Time, claimant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok || s.ClaimOwner == nil || *s.ClaimOwner != claimant {
		return nil
	}
	restored := domain.UTCMillis(scheduledAt)
	s.NextFire = &restored
	s.ClaimOwner = nil
	s.ClaimDeadline = nil
	s.UpdatedAt = domain.UTCMillis(time.Now())
	return nil
}

func (m *Store) EarliestNextFire(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest *time.Time
	for _, s := range m.items {
		if s.Paused || s.NextFire == nil {
			continue
		}
		if earliest == nil || s.NextFire.Before(*earliest) {
			nf := *s.NextFire
			earliest = &nf
		}
	}
	return earliest, nil
}

func (m *Store) Ping(context.Context) error { return nil }

func (m *Store) Close() error { return nil }

func clone(s *domain.Schedule) *domain.Schedule {
	cp := *s
	cp.Params = maps.Clone(s.Params)
	if s.NextFire != nil {
		nf := *s.NextFire
		cp.NextFire = &nf
	}
	if s.ClaimOwner != nil {
		co := *s.ClaimOwner
		cp.ClaimOwner = &co
	}
	if s.ClaimDeadline != nil {
		cd := *s.ClaimDeadline
		cp.ClaimDeadline = &cd
	}
	return &cp
}
