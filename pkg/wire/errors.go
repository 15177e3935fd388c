package wire

import "errors"

// ErrBadEnvelope marks frames that do not parse as a known envelope.
var ErrBadEnvelope = errors.New("malformed wire envelope")

// Error codes carried in result envelopes and control-plane error bodies.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidTrigger   = "invalid_trigger"
	CodeDuplicate        = "duplicate"
	CodeHandlerUnknown   = "handler_unknown"
	CodeMethodUnknown    = "method_unknown"
	CodeTimeout          = "timeout"
	CodeTransport        = "transport"
	CodeHandlerError     = "handler_error"
	CodeStoreUnavailable = "store_unavailable"
	CodeConflict         = "conflict"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal"
)

// HandlerError lets method code report a failure with an explicit
// retryable flag; the handler runtime maps it onto the result envelope.
// Any other error (or panic) from method code is terminal.
type HandlerError struct {
	Message   string
	Retryable bool
}

func (e *HandlerError) Error() string { return e.Message }

// Retryable wraps err as a handler failure the dispatcher may retry.
func Retryable(err error) *HandlerError {
	return &HandlerError{Message: err.Error(), Retryable: true}
}
