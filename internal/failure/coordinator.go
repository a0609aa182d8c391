package failure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
	"voice-jobs-go/internal/notify"
)

// Publisher is the best-effort event emission the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event)
}

// Transition names carried on audit events.
const (
	TransitionOpened         = "opened"
	TransitionRecorded       = "recorded"
	TransitionRetryScheduled = "retry_scheduled"
	TransitionRetryAttempt   = "retry_attempt"
	TransitionDeferred       = "deferred"
	TransitionClaimed        = "claimed"
	TransitionResolved       = "resolved"
	TransitionTerminal       = "terminal"
	TransitionCancelled      = "cancelled"
)

// Coordinator runs operations under the retry policy of the error kinds they
// produce and keeps the ProcessingError records in step.
type Coordinator struct {
	store    Store
	policies Policies
	backoff  Backoff
	audit    Publisher
	operator Publisher
	log      *logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

type Option func(*Coordinator)

// WithSleeper replaces the context-aware sleep, mainly for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithAudit sets the sink receiving every record transition.
func WithAudit(p Publisher) Option {
	return func(c *Coordinator) { c.audit = p }
}

// WithOperator sets the sink alerted on terminal high/critical errors.
func WithOperator(p Publisher) Option {
	return func(c *Coordinator) { c.operator = p }
}

func NewCoordinator(store Store, policies Policies, b Backoff, log *logger.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = logger.Discard()
	}
	c := &Coordinator{
		store:    store,
		policies: policies,
		backoff:  b,
		log:      log.Component("retry"),
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Policies() Policies { return c.policies }

func (c *Coordinator) Backoff() Backoff { return c.backoff }

// RunOptions tune one Run.
type RunOptions struct {
	// Fallback classifies errors that carry no kind of their own.
	Fallback Kind
	// Defer, when it returns true for a retryable error, schedules the retry
	// for the Scheduler instead of sleeping inline.
	Defer func(*Error) bool
}

// Run executes op until it succeeds, its error is terminal or deferred, or ctx ends.
// The loop state is the attempt counter kept on each kind's Record.
func (c *Coordinator) Run(ctx context.Context, callID, stage string, opts RunOptions, op func(ctx context.Context) error) error {
	if opts.Fallback == "" {
		opts.Fallback = KindAPIError
	}
	opened := map[Kind]*Record{}
	for {
		err := op(ctx)
		if err == nil {
			c.resolveAll(ctx, opened)
			return nil
		}
		if ctx.Err() != nil {
			c.cancelAll(ctx, opened)
			return ctx.Err()
		}

		cls := Classify(err, opts.Fallback)
		rec, trackErr := c.track(ctx, callID, stage, cls, opened)
		if trackErr != nil {
			c.log.WithError(trackErr).WithField("call_id", callID).Error("cannot persist processing error")
			return cls
		}
		retryable := cls.Retryable(c.policies) && rec.RetryCount < rec.MaxRetries

		if retryable && opts.Defer != nil && opts.Defer(cls) {
			next := c.now().UTC().Add(c.backoff.Delay(rec.RetryCount))
			rec.NextRetryAt = &next
			c.save(ctx, rec, TransitionDeferred)
			return &DeferredError{Cause: cls, Record: rec}
		}
		if !retryable {
			c.terminate(ctx, rec, cls)
			for kind, other := range opened {
				if kind != rec.Kind {
					other.Terminal = true
					c.save(ctx, other, TransitionTerminal)
				}
			}
			return cls
		}

		delay := c.backoff.Delay(rec.RetryCount)
		next := c.now().UTC().Add(delay)
		rec.NextRetryAt = &next
		c.save(ctx, rec, TransitionRetryScheduled)
		c.log.WithField("call_id", callID).WithField("kind", rec.Kind).
			WithField("attempt", rec.RetryCount+1).WithField("delay", delay.String()).
			WithError(cls).Warn("retrying after classified error")

		if err := c.sleep(ctx, delay); err != nil {
			c.cancelAll(ctx, opened)
			return err
		}

		fresh, err := c.store.GetProcessingError(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("reload processing error: %w", err)
		}
		if fresh == nil || fresh.ResolvedAt != nil {
			return ErrResolvedElsewhere
		}
		rec.RetryCount = fresh.RetryCount + 1
		rec.NextRetryAt = nil
		c.save(ctx, rec, TransitionRetryAttempt)
		metrics.Retries.WithLabelValues(string(rec.Kind)).Inc()
	}
}

// Record persists an outcome classification that is never retried.
func (c *Coordinator) Record(ctx context.Context, callID, stage string, err error) (*Record, error) {
	cls := Classify(err, KindExtractionFailed)
	now := c.now().UTC()
	rec := c.newRecord(callID, stage, cls, now)
	rec.Terminal = true
	if insertErr := c.store.InsertProcessingError(ctx, rec); insertErr != nil {
		return nil, fmt.Errorf("insert processing error: %w", insertErr)
	}
	metrics.ProcessingErrors.WithLabelValues(string(rec.Kind), string(rec.Severity)).Inc()
	c.emit(ctx, rec, TransitionRecorded)
	return rec, nil
}

// Claim is the scheduled-retry callback. It returns false, doing nothing, when
// the record is gone, no longer open, not scheduled or not yet due, so
// replaying a callback is harmless.
func (c *Coordinator) Claim(ctx context.Context, id string) (*Record, bool, error) {
	rec, err := c.store.GetProcessingError(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get processing error: %w", err)
	}
	if rec == nil || !rec.Due(c.now().UTC()) {
		return rec, false, nil
	}
	rec.RetryCount++
	rec.NextRetryAt = nil
	c.save(ctx, rec, TransitionClaimed)
	metrics.Retries.WithLabelValues(string(rec.Kind)).Inc()
	return rec, true, nil
}

// Terminate closes a record that cannot be continued, for example after a
// claimed resume found nothing to resume.
func (c *Coordinator) Terminate(ctx context.Context, rec *Record, cause *Error) {
	c.terminate(ctx, rec, cause)
}

// Resolve marks a record resolved outside a Run, for example by a human.
func (c *Coordinator) Resolve(ctx context.Context, id, reason string) error {
	rec, err := c.store.GetProcessingError(ctx, id)
	if err != nil {
		return fmt.Errorf("get processing error: %w", err)
	}
	if rec == nil {
		return errors.New("processing error not found")
	}
	if rec.ResolvedAt != nil {
		return nil
	}
	now := c.now().UTC()
	rec.ResolvedAt = &now
	rec.NextRetryAt = nil
	if reason != "" {
		rec = rec.withDetail("resolution", reason)
	}
	c.save(ctx, rec, TransitionResolved)
	return nil
}

// Cancel clears any scheduled retry on an open record so it never fires.
func (c *Coordinator) Cancel(ctx context.Context, rec *Record) {
	if rec == nil || rec.NextRetryAt == nil {
		return
	}
	rec.NextRetryAt = nil
	rec.Terminal = true
	c.save(ctx, rec, TransitionCancelled)
}

func (c *Coordinator) track(ctx context.Context, callID, stage string, cls *Error, opened map[Kind]*Record) (*Record, error) {
	if rec, ok := opened[cls.Kind]; ok {
		rec.Message = cls.Error()
		rec.Details = mergeDetails(rec.Details, cls.Details)
		return rec, nil
	}
	rec, err := c.store.OpenProcessingError(ctx, callID, cls.Kind)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rec.Message = cls.Error()
		rec.Details = mergeDetails(rec.Details, cls.Details)
		opened[cls.Kind] = rec
		return rec, nil
	}
	rec = c.newRecord(callID, stage, cls, c.now().UTC())
	if err := c.store.InsertProcessingError(ctx, rec); err != nil {
		return nil, err
	}
	metrics.ProcessingErrors.WithLabelValues(string(rec.Kind), string(rec.Severity)).Inc()
	c.emit(ctx, rec, TransitionOpened)
	opened[cls.Kind] = rec
	return rec, nil
}

func (c *Coordinator) newRecord(callID, stage string, cls *Error, now time.Time) *Record {
	pol := c.policies.For(cls.Kind)
	severity := cls.Severity
	if severity == "" {
		severity = pol.Severity
	}
	return &Record{
		ID:         uuid.NewString(),
		CallID:     callID,
		Kind:       cls.Kind,
		Severity:   severity,
		Stage:      stage,
		Message:    cls.Error(),
		Details:    mergeDetails(nil, cls.Details),
		MaxRetries: pol.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (c *Coordinator) terminate(ctx context.Context, rec *Record, cause *Error) {
	rec.Terminal = true
	rec.NextRetryAt = nil
	c.save(ctx, rec, TransitionTerminal)

	note := fmt.Sprintf("%s: %s failed after %d retries: %s", c.now().UTC().Format(time.RFC3339), rec.Kind, rec.RetryCount, cause.Error())
	if err := c.store.AppendCallNote(ctx, rec.CallID, note); err != nil {
		c.log.WithError(err).WithField("call_id", rec.CallID).Warn("append call note failed")
	}
	c.log.WithField("call_id", rec.CallID).WithField("kind", rec.Kind).
		WithField("severity", rec.Severity).WithError(cause).Error("processing error is terminal")

	if rec.Severity.Alerts() && c.operator != nil {
		c.operator.Publish(ctx, notify.Event{
			Type:    notify.EventOperatorAlert,
			CallID:  rec.CallID,
			At:      c.now().UTC(),
			Payload: recordPayload(rec),
		})
	}
}

func (c *Coordinator) resolveAll(ctx context.Context, opened map[Kind]*Record) {
	now := c.now().UTC()
	for _, rec := range opened {
		rec.ResolvedAt = &now
		rec.NextRetryAt = nil
		c.save(ctx, rec, TransitionResolved)
	}
}

func (c *Coordinator) cancelAll(ctx context.Context, opened map[Kind]*Record) {
	ctx = context.WithoutCancel(ctx)
	for _, rec := range opened {
		rec.NextRetryAt = nil
		rec.Terminal = true
		c.save(ctx, rec, TransitionCancelled)
	}
}

func (c *Coordinator) save(ctx context.Context, rec *Record, transition string) {
	rec.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateProcessingError(context.WithoutCancel(ctx), rec); err != nil {
		c.log.WithError(err).WithField("error_id", rec.ID).WithField("transition", transition).
			Error("update processing error failed")
	}
	c.emit(ctx, rec, transition)
}

func (c *Coordinator) emit(ctx context.Context, rec *Record, transition string) {
	if c.audit == nil {
		return
	}
	c.audit.Publish(ctx, notify.Event{
		Type:    notify.EventProcessingErrorPrefix + transition,
		CallID:  rec.CallID,
		At:      c.now().UTC(),
		Payload: recordPayload(rec),
	})
}

func (r *Record) withDetail(key string, value any) *Record {
	r.Details = mergeDetails(r.Details, map[string]any{key: value})
	return r
}

func recordPayload(rec *Record) map[string]any {
	p := map[string]any{
		"error_id":    rec.ID,
		"kind":        string(rec.Kind),
		"severity":    string(rec.Severity),
		"stage":       rec.Stage,
		"message":     rec.Message,
		"retry_count": rec.RetryCount,
		"max_retries": rec.MaxRetries,
		"terminal":    rec.Terminal,
	}
	if rec.NextRetryAt != nil {
		p["next_retry_at"] = rec.NextRetryAt.Format(time.RFC3339Nano)
	}
	if rec.ResolvedAt != nil {
		p["resolved_at"] = rec.ResolvedAt.Format(time.RFC3339Nano)
	}
	return p
}

func mergeDetails(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
