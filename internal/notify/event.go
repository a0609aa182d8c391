package notify

import (
	"context"
	"errors"
	"time"
)

// Event types emitted by the pipeline.
const (
	EventAppointmentExtracted         = "appointmentExtracted"
	EventExtractionFailed             = "extractionFailed"
	EventMultipleAppointmentsDetected = "multipleAppointmentsDetected"
	EventOperatorAlert                = "operatorAlert"
	// Audit events are "processingError." + the transition name.
	EventProcessingErrorPrefix = "processingError."
)

type Event struct {
	Type     string         `json:"type"`
	CallID   string         `json:"call_id,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
	At       time.Time      `json:"at"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Sink delivers events to one destination.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
