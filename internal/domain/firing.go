package domain

import (
	"errors"
	"time"
)

var ErrRecordTerminal = errors.New("execution record is already terminal")

type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecError   ExecStatus = "error"
	ExecTimeout ExecStatus = "timeout"
)

// FailureKind classifies why an attempt did not succeed.
type FailureKind string

const (
	FailHandlerUnknown FailureKind = "handler_unknown"
	FailMethodUnknown  FailureKind = "method_unknown"
	FailTimeout        FailureKind = "timeout"
	FailTransport      FailureKind = "transport"
	FailHandlerError   FailureKind = "handler_error"
	FailInternal       FailureKind = "internal"
)

// Firing is the in-memory work item for one attempt of one schedule.
// Ad-hoc run-now firings carry an empty ScheduleID.
type Firing struct {
	FiringID   string
	ScheduleID string
	HandlerID  string
	Method     string
	Params     map[string]any

	Attempt       int
	ScheduledAt   time.Time
	ClaimDeadline time.Time

	MaxAttempts    int
	AttemptTimeout time.Duration
}

type ExecutionRecord struct {
	RecordID   uint64
	FiringID   string
	ScheduleID string
	HandlerID  string
	Method     string

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMS  int64

	Status  ExecStatus
	Result  any
	Error   string
	Attempt int
	IsFinal bool
}

func (r *ExecutionRecord) Terminal() bool {
	return r.Status != ExecRunning
}
