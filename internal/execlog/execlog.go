// Package execlog keeps a bounded in-memory ring of execution records,
// one per attempt. The ring is the observability surface for firings;
// nothing reads it on the hot dispatch path.
package execlog

import (
	"strings"
	"sync"
	"time"

	"github.com/schedulezero/schedulezero/internal/domain"
)

// PublishFunc emits a bus event. A nil func drops events.
type PublishFunc func(topic string, payload map[string]any)

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	HandlerID  string
	ScheduleID string
	Status     domain.ExecStatus
	Limit      int
}

// Stats is the aggregate view over the current ring contents.
type Stats struct {
	Total             int                     `json:"total"`
	RunningCount      int                     `json:"running_count"`
	SuccessCount      int                     `json:"success_count"`
	ErrorCount        int                     `json:"error_count"`
	SuccessRate       float64                 `json:"success_rate"`
	AvgDurationMS     float64                 `json:"avg_duration_ms"`
	ByHandler         map[string]HandlerStats `json:"by_handler"`
	BufferUtilization float64                 `json:"buffer_utilization"`
}

type HandlerStats struct {
	Count         int     `json:"count"`
	SuccessCount  int     `json:"success_count"`
	ErrorCount    int     `json:"error_count"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Ring is a fixed-capacity circular buffer of execution records. Oldest
// records are evicted on overflow. Terminal records never change.
type Ring struct {
	publish PublishFunc
	now     func() time.Time

	mu     sync.Mutex
	buf    []*domain.ExecutionRecord
	head   int
	size   int
	byID   map[uint64]*domain.ExecutionRecord
	nextID uint64
}

func NewRing(capacity int, publish PublishFunc) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		publish: publish,
		now:     time.Now,
		buf:     make([]*domain.ExecutionRecord, capacity),
		byID:    make(map[uint64]*domain.ExecutionRecord, capacity),
	}
}

// RecordStart appends a running record for one attempt and returns its id.
func (r *Ring) RecordStart(f domain.Firing) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	rec := &domain.ExecutionRecord{
		RecordID:   r.nextID,
		FiringID:   f.FiringID,
		ScheduleID: f.ScheduleID,
		HandlerID:  f.HandlerID,
		Method:     f.Method,
		StartedAt:  r.now(),
		Status:     domain.ExecRunning,
		Attempt:    f.Attempt,
	}

	idx := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		delete(r.byID, r.buf[r.head].RecordID)
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.size++
	}
	r.buf[idx] = rec
	r.byID[rec.RecordID] = rec
	return rec.RecordID
}

// RecordTerminal finalizes the record id. Already-terminal records are
// immutable and rejected with ErrRecordTerminal; records evicted in the
// meantime are silently gone.
func (r *Ring) RecordTerminal(id uint64, status domain.ExecStatus, result any, errMsg string, isFinal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil
	}
	if rec.Terminal() {
		return domain.ErrRecordTerminal
	}
	completed := r.now()
	rec.CompletedAt = &completed
	rec.DurationMS = completed.Sub(rec.StartedAt).Milliseconds()
	rec.Status = status
	rec.Result = result
	rec.Error = errMsg
	rec.IsFinal = isFinal
	return nil
}

// Query snapshots matching records, newest first. Limit 0 means all.
func (r *Ring) Query(f Filter) []domain.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ExecutionRecord, 0, min(r.size, queryCap(f.Limit, r.size)))
	for i := r.size - 1; i >= 0; i-- {
		rec := r.buf[(r.head+i)%len(r.buf)]
		if f.HandlerID != "" && rec.HandlerID != f.HandlerID {
			continue
		}
		if f.ScheduleID != "" && rec.ScheduleID != f.ScheduleID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, *rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Errors returns failed records (error or timeout), newest first.
func (r *Ring) Errors(limit int) []domain.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ExecutionRecord, 0, queryCap(limit, r.size))
	for i := r.size - 1; i >= 0; i-- {
		rec := r.buf[(r.head+i)%len(r.buf)]
		if rec.Status != domain.ExecError && rec.Status != domain.ExecTimeout {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats aggregates the ring. A non-zero window restricts it to records
// started within that window.
func (r *Ring) Stats(window time.Duration) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = r.now().Add(-window)
	}

	st := Stats{ByHandler: make(map[string]HandlerStats)}
	var durTotal int64
	var durCount int
	handlerDur := make(map[string]int64)

	for i := 0; i < r.size; i++ {
		rec := r.buf[(r.head+i)%len(r.buf)]
		if window > 0 && rec.StartedAt.Before(cutoff) {
			continue
		}
		st.Total++
		hs := st.ByHandler[rec.HandlerID]
		hs.Count++
		switch rec.Status {
		case domain.ExecRunning:
			st.RunningCount++
		case domain.ExecSuccess:
			st.SuccessCount++
			hs.SuccessCount++
		case domain.ExecError, domain.ExecTimeout:
			st.ErrorCount++
			hs.ErrorCount++
		}
		if rec.CompletedAt != nil {
			durTotal += rec.DurationMS
			durCount++
			handlerDur[rec.HandlerID] += rec.DurationMS
		}
		st.ByHandler[rec.HandlerID] = hs
	}

	if terminal := st.SuccessCount + st.ErrorCount; terminal > 0 {
		st.SuccessRate = float64(st.SuccessCount) / float64(terminal)
	}
	if durCount > 0 {
		st.AvgDurationMS = float64(durTotal) / float64(durCount)
	}
	for id, hs := range st.ByHandler {
		if n := hs.SuccessCount + hs.ErrorCount; n > 0 {
			hs.AvgDurationMS = float64(handlerDur[id]) / float64(n)
			st.ByHandler[id] = hs
		}
	}
	// Utilization is a property of the whole ring, not the window.
	st.BufferUtilization = float64(r.size) / float64(len(r.buf))
	return st
}

// Clear drops every record and reports how many were dropped.
func (r *Ring) Clear() int {
	r.mu.Lock()
	dropped := r.size
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.head = 0
	r.size = 0
	r.byID = make(map[uint64]*domain.ExecutionRecord, len(r.buf))
	r.mu.Unlock()

	if r.publish != nil {
		r.publish("log.cleared", map[string]any{"records_cleared": dropped})
	}
	return dropped
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring) Capacity() int { return len(r.buf) }

func queryCap(limit, size int) int {
	if limit > 0 && limit < size {
		return limit
	}
	return size
}

// StatusFromString parses a query-string status filter. The second
// return is false for unknown values.
func StatusFromString(s string) (domain.ExecStatus, bool) {
	switch strings.ToLower(s) {
	case "":
		return "", true
	case string(domain.ExecRunning):
		return domain.ExecRunning, true
	case string(domain.ExecSuccess):
		return domain.ExecSuccess, true
	case string(domain.ExecError):
		return domain.ExecError, true
	case string(domain.ExecTimeout):
		return domain.ExecTimeout, true
	}
	return "", false
}
