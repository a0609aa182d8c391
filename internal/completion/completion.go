package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Request is one structured-output completion.
type Request struct {
	System string
	Prompt string
	// Schema is the JSON schema the response must follow. Adapters that cannot
	// enforce it natively embed it in the instructions.
	Schema      json.RawMessage
	Temperature float32
	Seed        *int
}

// Completer returns the raw JSON text produced for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Reason distinguishes completion failures.
type Reason string

const (
	ReasonRateLimited Reason = "rate_limited"
	ReasonTimeout     Reason = "timeout"
	ReasonUnavailable Reason = "unavailable"
	ReasonRejected    Reason = "rejected"
	ReasonEmpty       Reason = "empty"
)

// Error is returned by Completer implementations for every failed call.
type Error struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := "completion " + string(e.Reason)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable is false for hard errors the service will keep refusing.
func (e *Error) IsRetryable() bool {
	return e.Reason != ReasonRejected
}

// AsError extracts a completion error from a chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Func adapts a function to Completer.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }
