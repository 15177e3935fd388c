package wire

import (
	"encoding/json"
	"testing"
)

func TestParseOp(t *testing.T) {
	data, err := json.Marshal(NewCall("f-1", "echo", map[string]any{"x": 1}, 30000))
	if err != nil {
		t.Fatal(err)
	}
	op, err := ParseOp(data)
	if err != nil {
		t.Fatalf("ParseOp: %v", err)
	}
	if op != OpCall {
		t.Fatalf("op: got %q, want %q", op, OpCall)
	}

	if _, err := ParseOp([]byte(`{"v":0,"op":"call"}`)); err != ErrBadEnvelope {
		t.Fatalf("v=0 must be rejected, got %v", err)
	}
	if _, err := ParseOp([]byte(`not json`)); err == nil {
		t.Fatal("garbage must not parse")
	}
}

func TestResultRetryableDefaults(t *testing.T) {
	// An error result without the flag stays retryable.
	var r Result
	if err := json.Unmarshal([]byte(`{"v":1,"op":"result","firing_id":"f","status":"error","error":"boom"}`), &r); err != nil {
		t.Fatal(err)
	}
	if !r.IsRetryable() {
		t.Fatal("absent retryable flag must default to retryable")
	}

	terminal := NewErrorResult("f", "boom", false)
	if terminal.IsRetryable() {
		t.Fatal("explicit retryable=false must be terminal")
	}

	again := NewErrorResult("f", "boom", true)
	if !again.IsRetryable() {
		t.Fatal("explicit retryable=true must be retryable")
	}
}

func TestCallRoundTripKeepsFiringID(t *testing.T) {
	data, err := json.Marshal(NewCall("f-42", "work", nil, 0))
	if err != nil {
		t.Fatal(err)
	}
	var c Call
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatal(err)
	}
	if c.FiringID != "f-42" || c.V != Version || c.Op != OpCall {
		t.Fatalf("round trip mangled call: %+v", c)
	}
}

func TestHandlerErrorRetryable(t *testing.T) {
	err := Retryable(ErrBadEnvelope)
	if !err.Retryable {
		t.Fatal("Retryable must mark the error retryable")
	}
	if err.Error() != ErrBadEnvelope.Error() {
		t.Fatalf("message: %q", err.Error())
	}
}
