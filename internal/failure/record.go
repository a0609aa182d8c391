package failure

import (
	"context"
	"time"
)

// Record is the persisted ProcessingError for one failure episode of a call.
// Only the Coordinator mutates it.
type Record struct {
	ID          string         `json:"id"`
	CallID      string         `json:"call_id"`
	Kind        Kind           `json:"kind"`
	Severity    Severity       `json:"severity"`
	Stage       string         `json:"stage,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Terminal    bool           `json:"terminal"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Open reports whether the episode can still be retried or resolved.
func (r *Record) Open() bool {
	return r.ResolvedAt == nil && !r.Terminal
}

// Due reports whether a scheduled retry may fire at now.
func (r *Record) Due(now time.Time) bool {
	return r.Open() && r.NextRetryAt != nil && !now.Before(*r.NextRetryAt)
}

// Store persists records and the call notes terminal errors leave behind.
type Store interface {
	InsertProcessingError(ctx context.Context, rec *Record) error
	UpdateProcessingError(ctx context.Context, rec *Record) error
	GetProcessingError(ctx context.Context, id string) (*Record, error)
	// OpenProcessingError returns the latest open record for (call, kind), or nil.
	OpenProcessingError(ctx context.Context, callID string, kind Kind) (*Record, error)
	AppendCallNote(ctx context.Context, callID, note string) error
}
