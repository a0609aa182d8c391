package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error is a classified failure carrying structured details.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Details  map[string]any
	// Permanent marks an error that must not be retried regardless of budget.
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind exposes the kind to callers that only know the string form.
func (e *Error) ErrorKind() string {
	if e == nil {
		return ""
	}
	return string(e.Kind)
}

// Retryable reports whether the kind allows retries and the error is not permanent.
func (e *Error) Retryable(p Policies) bool {
	if e == nil || e.Permanent {
		return false
	}
	return p.For(e.Kind).MaxRetries > 0
}

// New builds a classified error with the default severity of its kind.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{
		Kind:     kind,
		Severity: defaultPolicies()[kind].Severity,
		Message:  message,
		Details:  details,
	}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, message string, details map[string]any) *Error {
	e := New(kind, message, details)
	e.Err = err
	return e
}

// MarkPermanent flags the error as non-retryable and returns it.
func (e *Error) MarkPermanent() *Error {
	e.Permanent = true
	return e
}

// WithDetail adds one key to the details bag.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// As extracts a classified error from a chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsKind reports whether err carries a classified error of kind.
func IsKind(err error, kind Kind) bool {
	fe, ok := As(err)
	return ok && fe.Kind == kind
}

// Classify maps any error onto the taxonomy. Classified errors pass through,
// deadline overruns become ProcessingTimeout, everything else becomes fallback.
func Classify(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindProcessingTimeout, err, "stage deadline exceeded", nil)
	}
	return Wrap(fallback, err, "", nil)
}

// DeferredError reports that a retry was scheduled for later instead of run inline.
type DeferredError struct {
	Cause  *Error
	Record *Record
}

func (d *DeferredError) Error() string {
	return fmt.Sprintf("deferred retry %s: %v", d.Record.ID, d.Cause)
}

func (d *DeferredError) Unwrap() error { return d.Cause }

// ErrResolvedElsewhere means another actor resolved the error while a retry was pending.
var ErrResolvedElsewhere = errors.New("processing error already resolved")
