// Package wire defines the JSON envelopes exchanged between the scheduler
// and handler processes. Handler-side code imports this package and
// pkg/socket; nothing here depends on the server internals.
package wire

import "encoding/json"

// Envelope version. Future versions may add optional fields; readers
// ignore fields they do not know.
const Version = 1

// Envelope ops.
const (
	OpCall   = "call"
	OpResult = "result"
	OpEvent  = "event"
	OpSub    = "sub"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reserved method names served by the scheduler's registration endpoint.
// User methods must not start with '$'.
const (
	MethodRegister   = "$register"
	MethodHeartbeat  = "$heartbeat"
	MethodUnregister = "$unregister"
)

// Call asks a responder to run one method once.
type Call struct {
	V          int            `json:"v"`
	Op         string         `json:"op"` // always "call"
	FiringID   string         `json:"firing_id"`
	Method     string         `json:"method"`
	Params     map[string]any `json:"params,omitempty"`
	DeadlineMS int64          `json:"deadline_ms,omitempty"`
}

// Result answers exactly one Call. FiringID must echo the call verbatim;
// the caller treats a mismatch as a transport error.
type Result struct {
	V        int    `json:"v"`
	Op       string `json:"op"` // always "result"
	FiringID string `json:"firing_id"`
	Status   string `json:"status"` // "ok" | "error"
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`

	// Retryable qualifies an error result. Absent means retryable: the
	// dispatcher only gives up early when the handler says so.
	Retryable *bool `json:"retryable,omitempty"`
}

// Event is one publish/subscribe frame: fire-and-forget, best-effort.
type Event struct {
	V       int            `json:"v"`
	Op      string         `json:"op"` // always "event"
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Sub is the first frame a subscriber sends: the topic prefixes it wants.
// An empty list subscribes to everything.
type Sub struct {
	V      int      `json:"v"`
	Op     string   `json:"op"` // always "sub"
	Topics []string `json:"topics"`
}

func NewCall(firingID, method string, params map[string]any, deadlineMS int64) *Call {
	return &Call{V: Version, Op: OpCall, FiringID: firingID, Method: method, Params: params, DeadlineMS: deadlineMS}
}

func NewOKResult(firingID string, result any) *Result {
	return &Result{V: Version, Op: OpResult, FiringID: firingID, Status: StatusOK, Result: result}
}

func NewErrorResult(firingID, errMsg string, retryable bool) *Result {
	return &Result{V: Version, Op: OpResult, FiringID: firingID, Status: StatusError, Error: errMsg, Retryable: &retryable}
}

func NewEvent(topic string, payload map[string]any) *Event {
	return &Event{V: Version, Op: OpEvent, Topic: topic, Payload: payload}
}

func NewSub(topics []string) *Sub {
	return &Sub{V: Version, Op: OpSub, Topics: topics}
}

// IsRetryable reports whether a failed result may be retried. Errors
// without an explicit flag are retryable.
func (r *Result) IsRetryable() bool {
	return r.Retryable == nil || *r.Retryable
}

// ParseOp sniffs the op of a raw frame so readers can decode into the
// right envelope type.
func ParseOp(data []byte) (string, error) {
	var head struct {
		V  int    `json:"v"`
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.V < Version {
		return "", ErrBadEnvelope
	}
	return head.Op, nil
}

// RegisterParams is the params object of a $register call.
type RegisterParams struct {
	HandlerID string   `json:"handler_id"`
	Address   string   `json:"address"`
	Methods   []string `json:"methods"`
	Force     bool     `json:"force,omitempty"`
}

// HandlerIDParams is the params object of $heartbeat and $unregister.
type HandlerIDParams struct {
	HandlerID string `json:"handler_id"`
}
