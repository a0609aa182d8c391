package failure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/notify"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
	notes   map[string][]string
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*Record{}, notes: map[string][]string{}}
}

func (m *memStore) InsertProcessingError(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) UpdateProcessingError(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return fmt.Errorf("no record %s", rec.ID)
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) GetProcessingError(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) OpenProcessingError(_ context.Context, callID string, kind Kind) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.CallID == callID && rec.Kind == kind && rec.Open() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) AppendCallNote(_ context.Context, callID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[callID] = append(m.notes[callID], note)
	return nil
}

func (m *memStore) only(t *testing.T) *Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) != 1 {
		t.Fatalf("expected one record, got %d", len(m.records))
	}
	for _, rec := range m.records {
		cp := *rec
		return &cp
	}
	return nil
}

type capture struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capture) Publish(_ context.Context, ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store    *memStore
	audit    *capture
	operator *capture
	sleeps   []time.Duration
	coord    *Coordinator
}

func newHarness(onSleep func()) *harness {
	h := &harness{store: newMemStore(), audit: &capture{}, operator: &capture{}}
	sleeper := func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		if onSleep != nil {
			onSleep()
		}
		return ctx.Err()
	}
	h.coord = NewCoordinator(h.store, NewPolicies(nil),
		Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Max: time.Second},
		logger.Discard(), WithSleeper(sleeper), WithAudit(h.audit), WithOperator(h.operator))
	return h
}

func TestBackoffDelayIsCappedExponential(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, w, got)
		}
	}
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: time.Minute, Jitter: 0.25}
	for i := 0; i < 200; i++ {
		d := b.Delay(2)
		if d < 3*time.Second || d > 5*time.Second {
			t.Fatalf("delay %v outside 4s +-25%%", d)
		}
	}
}

func TestRunExhaustsAPIErrorBudget(t *testing.T) {
	h := newHarness(nil)
	attempts := 0
	err := h.coord.Run(context.Background(), "call-1", "extraction", RunOptions{}, func(context.Context) error {
		attempts++
		return New(KindAPIError, "rate limited", map[string]any{"reason": "rate_limited"})
	})
	if !IsKind(err, KindAPIError) {
		t.Fatalf("expected api error, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d", attempts)
	}
	rec := h.store.only(t)
	if rec.RetryCount != 3 || !rec.Terminal || rec.NextRetryAt != nil || rec.ResolvedAt != nil {
		t.Fatalf("unexpected record state %+v", rec)
	}
	if len(h.store.notes["call-1"]) != 1 {
		t.Fatalf("expected one closing note, got %v", h.store.notes["call-1"])
	}
	if got := h.operator.types(); len(got) != 1 || got[0] != notify.EventOperatorAlert {
		t.Fatalf("expected one operator alert, got %v", got)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if fmt.Sprint(h.sleeps) != fmt.Sprint(want) {
		t.Fatalf("expected sleeps %v, got %v", want, h.sleeps)
	}
}

func TestRunLeavesTraceWhenRetrySucceeds(t *testing.T) {
	h := newHarness(nil)
	attempts := 0
	err := h.coord.Run(context.Background(), "call-2", "transcript", RunOptions{}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return New(KindTranscriptionFailed, "service busy", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	rec := h.store.only(t)
	if rec.ResolvedAt == nil || rec.RetryCount != 2 || rec.Terminal {
		t.Fatalf("expected resolved record with two retries, got %+v", rec)
	}
	types := h.audit.types()
	if types[0] != notify.EventProcessingErrorPrefix+TransitionOpened ||
		types[len(types)-1] != notify.EventProcessingErrorPrefix+TransitionResolved {
		t.Fatalf("unexpected audit trail %v", types)
	}
	if len(h.operator.types()) != 0 {
		t.Fatal("no operator alert expected on success")
	}
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	h := newHarness(nil)
	attempts := 0
	err := h.coord.Run(context.Background(), "call-3", "extraction", RunOptions{}, func(context.Context) error {
		attempts++
		return New(KindExtractionFailed, "no JSON object", nil).MarkPermanent()
	})
	if !IsKind(err, KindExtractionFailed) || attempts != 1 {
		t.Fatalf("expected single attempt, got %d (%v)", attempts, err)
	}
	if len(h.sleeps) != 0 {
		t.Fatalf("unexpected sleeps %v", h.sleeps)
	}
}

func TestRunNoRetryKindsAreTerminalWithoutAlarmForLowSeverity(t *testing.T) {
	h := newHarness(nil)
	err := h.coord.Run(context.Background(), "call-4", "extraction", RunOptions{}, func(context.Context) error {
		return New(KindInsufficientData, "too short", nil)
	})
	if !IsKind(err, KindInsufficientData) {
		t.Fatalf("unexpected error %v", err)
	}
	if len(h.operator.types()) != 0 {
		t.Fatal("low severity must not alert")
	}
}

func TestRunStopsWhenResolvedElsewhere(t *testing.T) {
	var h *harness
	h = newHarness(func() {
		for id := range h.store.records {
			_ = h.coord.Resolve(context.Background(), id, "manual override")
		}
	})
	attempts := 0
	err := h.coord.Run(context.Background(), "call-5", "extraction", RunOptions{}, func(context.Context) error {
		attempts++
		return New(KindAPIError, "upstream 503", nil)
	})
	if !errors.Is(err, ErrResolvedElsewhere) {
		t.Fatalf("expected ErrResolvedElsewhere, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("retry must not run after resolution, attempts=%d", attempts)
	}
}

func TestRunCancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(cancel)
	err := h.coord.Run(ctx, "call-6", "extraction", RunOptions{}, func(context.Context) error {
		return New(KindAPIError, "timeout", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	rec := h.store.only(t)
	if rec.NextRetryAt != nil || !rec.Terminal {
		t.Fatalf("cancelled record must not stay scheduled: %+v", rec)
	}
}

func TestDeferAndClaimAreIdempotent(t *testing.T) {
	h := newHarness(nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.coord.now = func() time.Time { return now }

	err := h.coord.Run(context.Background(), "call-7", "transcript", RunOptions{
		Defer: func(e *Error) bool { return e.Kind == KindCallDropped },
	}, func(context.Context) error {
		return New(KindCallDropped, "caller hung up", nil)
	})
	var deferred *DeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("expected deferred error, got %v", err)
	}
	if len(h.sleeps) != 0 {
		t.Fatal("deferred retry must not sleep inline")
	}
	id := deferred.Record.ID

	if _, ok, _ := h.coord.Claim(context.Background(), id); ok {
		t.Fatal("claim before due time must be a no-op")
	}
	now = now.Add(time.Second)
	rec, ok, err := h.coord.Claim(context.Background(), id)
	if err != nil || !ok || rec.RetryCount != 1 {
		t.Fatalf("expected first claim to succeed, got ok=%v rec=%+v err=%v", ok, rec, err)
	}
	if _, ok, _ := h.coord.Claim(context.Background(), id); ok {
		t.Fatal("replayed claim must be a no-op")
	}
}

func TestClaimAfterResolveIsNoop(t *testing.T) {
	h := newHarness(nil)
	err := h.coord.Run(context.Background(), "call-8", "transcript", RunOptions{
		Defer: func(*Error) bool { return true },
	}, func(context.Context) error {
		return New(KindCallDropped, "dropped", nil)
	})
	var deferred *DeferredError
	if !errors.As(err, &deferred) {
		t.Fatalf("expected deferral, got %v", err)
	}
	if err := h.coord.Resolve(context.Background(), deferred.Record.ID, "reviewed"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.coord.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, ok, _ := h.coord.Claim(context.Background(), deferred.Record.ID); ok {
		t.Fatal("claim of resolved record must be a no-op")
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindAPIError); got.Kind != KindProcessingTimeout {
		t.Fatalf("deadline should classify as timeout, got %s", got.Kind)
	}
	orig := New(KindAudioQuality, "noise", nil)
	if got := Classify(fmt.Errorf("stage: %w", orig), KindAPIError); got != orig {
		t.Fatalf("classified errors must pass through, got %v", got)
	}
	if got := Classify(errors.New("disk full"), KindAPIError); got.Kind != KindAPIError || got.Severity != SeverityHigh {
		t.Fatalf("fallback not applied: %+v", got)
	}
}

func TestPoliciesOverrideBudgets(t *testing.T) {
	p := NewPolicies(map[string]int{"api_error": 5, "bogus": 9, "call_dropped": -1})
	if p.For(KindAPIError).MaxRetries != 5 {
		t.Fatal("override not applied")
	}
	if p.For(KindCallDropped).MaxRetries != 2 {
		t.Fatal("negative override must be ignored")
	}
	if New(KindNoAppointment, "", nil).Retryable(p) {
		t.Fatal("no_appointment must never be retryable")
	}
	if KindNoAppointment.IsFailure() || KindInsufficientData.IsFailure() || !KindCallDropped.IsFailure() {
		t.Fatal("unexpected IsFailure classification")
	}
}
