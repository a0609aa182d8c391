package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voice-jobs-go/internal/dedup"
	"voice-jobs-go/internal/failure"
	"voice-jobs-go/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "voicejobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createCall(t *testing.T, s *Store, tenant string) *types.CallRecord {
	t.Helper()
	c := &types.CallRecord{TenantID: tenant, CallerPhone: "5551234567", Transcript: "hello"}
	if err := s.CreateCall(context.Background(), c); err != nil {
		t.Fatalf("create call: %v", err)
	}
	return c
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "voicejobs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSchemaVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicejobs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = s.Close()
	if _, err := Open(path); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestCallLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	if c.ID == "" || c.Status != types.StatusPending {
		t.Fatalf("defaults not applied: %+v", c)
	}

	ok, err := s.TransitionCall(ctx, c.ID, types.StatusPending, types.StatusProcessing, "")
	if err != nil || !ok {
		t.Fatalf("pending->processing: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionCall(ctx, c.ID, types.StatusPending, types.StatusProcessing, "")
	if err != nil || ok {
		t.Fatalf("stale transition should lose: ok=%v err=%v", ok, err)
	}
	if _, err := s.TransitionCall(ctx, c.ID, types.StatusCompleted, types.StatusProcessing, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	ok, err = s.TransitionCall(ctx, c.ID, types.StatusProcessing, types.StatusInterrupted, "call dropped")
	if err != nil || !ok {
		t.Fatalf("processing->interrupted: ok=%v err=%v", ok, err)
	}
	ok, err = s.ResumeCall(ctx, c.ID)
	if err != nil || !ok {
		t.Fatalf("first resume: ok=%v err=%v", ok, err)
	}
	if _, err := s.TransitionCall(ctx, c.ID, types.StatusProcessing, types.StatusInterrupted, ""); err != nil {
		t.Fatalf("interrupt again: %v", err)
	}
	ok, err = s.ResumeCall(ctx, c.ID)
	if err != nil || ok {
		t.Fatalf("second resume must be refused: ok=%v err=%v", ok, err)
	}

	if _, err := s.TransitionCall(ctx, c.ID, types.StatusInterrupted, types.StatusInterrupted, "still down"); err != nil {
		t.Fatalf("note-only transition: %v", err)
	}
	got, err := s.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.ResumeCount != 1 {
		t.Fatalf("resume count = %d, want 1", got.ResumeCount)
	}
	if got.ProcessingNotes != "call dropped\nstill down" {
		t.Fatalf("notes = %q", got.ProcessingNotes)
	}
	if got.ProcessedAt != nil {
		t.Fatalf("processed_at set on non-terminal call")
	}
}

func TestTerminalTransitionStampsProcessedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	_, _ = s.TransitionCall(ctx, c.ID, types.StatusPending, types.StatusProcessing, "")
	if _, err := s.TransitionCall(ctx, c.ID, types.StatusProcessing, types.StatusCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := s.GetCall(ctx, c.ID)
	if got.Status != types.StatusCompleted || got.ProcessedAt == nil {
		t.Fatalf("unexpected call: %+v", got)
	}
	counts, err := s.CountCallsByStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[types.StatusCompleted] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestListCallsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createCall(t, s, "t1")
	createCall(t, s, "t1")
	createCall(t, s, "t2")

	calls, err := s.ListCalls(ctx, CallFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls for t1", len(calls))
	}
	calls, _ = s.ListCalls(ctx, CallFilter{Status: types.StatusPending, Limit: 1})
	if len(calls) != 1 {
		t.Fatalf("limit ignored: %d", len(calls))
	}
}

func TestUpsertAppointmentKeepsIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	price := 150.0

	first := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 0.6}
	first.ServiceType = "plumbing"
	first.Issues = []string{"missing service address"}
	first.HasIssues = true
	if err := s.UpsertAppointment(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 0.9}
	second.ServiceType = "plumbing"
	second.ServiceAddress = "123 Oak St"
	second.QuotedPrice = &price
	second.SubAppointments = []types.AppointmentDetails{{ServiceType: "electrical"}}
	if err := s.UpsertAppointment(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("id changed on upsert: %s != %s", second.ID, first.ID)
	}

	got, err := s.GetAppointmentByCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConfidenceScore != 0.9 || got.ServiceAddress != "123 Oak St" || got.HasIssues || len(got.Issues) != 0 {
		t.Fatalf("fields not replaced: %+v", got)
	}
	if got.QuotedPrice == nil || *got.QuotedPrice != 150 {
		t.Fatalf("quoted price = %v", got.QuotedPrice)
	}
	if len(got.SubAppointments) != 1 || got.SubAppointments[0].ServiceType != "electrical" {
		t.Fatalf("sub appointments = %+v", got.SubAppointments)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed")
	}
}

func TestCustomerUniquenessPerTenant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		c      *types.Customer
		wantOK bool
	}{
		{"first", &types.Customer{TenantID: "t1", Name: "A", Phone: "5551234567"}, true},
		{"same phone", &types.Customer{TenantID: "t1", Name: "B", Phone: "5551234567"}, false},
		{"other tenant", &types.Customer{TenantID: "t2", Name: "C", Phone: "5551234567"}, true},
		{"no phone", &types.Customer{TenantID: "t1", Name: "D"}, true},
		{"no phone again", &types.Customer{TenantID: "t1", Name: "E"}, true},
		{"email", &types.Customer{TenantID: "t1", Email: "a@example.com"}, true},
		{"same email", &types.Customer{TenantID: "t1", Email: "a@example.com"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := s.InsertCustomer(ctx, tc.c)
			if err != nil {
				t.Fatalf("insert: %v", err)
			}
			if ok != tc.wantOK {
				t.Fatalf("inserted = %v, want %v", ok, tc.wantOK)
			}
		})
	}

	list, err := s.ListCustomers(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 4 || list[0].Name != "A" {
		t.Fatalf("unexpected customers: %d first=%q", len(list), list[0].Name)
	}
}

func TestUpdateAndRecordCustomerJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := &types.Customer{TenantID: "t1", Name: "John Smith", Phone: "5551234567", Tags: []string{"vip"}}
	if _, err := s.InsertCustomer(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	c.Address = "123 Oak St"
	c.Tags = append(c.Tags, "repeat")
	if err := s.UpdateCustomer(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.RecordCustomerJob(ctx, c.ID, 200); err != nil {
		t.Fatalf("record job: %v", err)
	}
	got, err := s.CustomerByPhone(ctx, "t1", "5551234567")
	if err != nil || got == nil {
		t.Fatalf("by phone: %v %v", got, err)
	}
	if got.Address != "123 Oak St" || len(got.Tags) != 2 || got.TotalJobs != 1 || got.TotalSpend != 200 {
		t.Fatalf("unexpected customer: %+v", got)
	}
	if none, _ := s.CustomerByEmail(ctx, "t1", ""); none != nil {
		t.Fatalf("empty email must not match")
	}
}

func TestCreateJobOncePerExtraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	a := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true}
	a.ServiceType = "plumbing"
	if err := s.UpsertAppointment(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	job, created, err := s.CreateJob(ctx, types.JobFromExtraction(a))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	again, created, err := s.CreateJob(ctx, types.JobFromExtraction(a))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("duplicate job: created=%v id=%s want %s", created, again.ID, job.ID)
	}
	jobs, _ := s.ListJobs(ctx, "t1", 0)
	if len(jobs) != 1 || jobs[0].Status != types.JobStatusScheduled {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestApplyFeedbackIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	a := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 0.7}
	a.CustomerName = "John Smith"
	if err := s.UpsertAppointment(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	corrected := "Jane Smith"
	ch, err := s.ApplyFeedback(ctx, c.ID, func(cur *types.ExtractedAppointment) (*types.FeedbackChange, error) {
		if cur == nil || cur.CustomerName != "John Smith" {
			t.Fatalf("current extraction = %+v", cur)
		}
		cur.CustomerName = corrected
		cur.ConfidenceScore = 0.75
		cur.FeedbackCount++
		rec := &types.FeedbackRecord{
			CallID: c.ID, Type: types.FeedbackCustomerName,
			OriginalValue: "John Smith", CorrectedValue: &corrected, Rating: types.RatingPoor,
			ConfidenceBefore: 0.7, ConfidenceAfter: 0.75, IsModelImprovement: true,
		}
		imp := &types.ModelImprovement{CallID: c.ID, Type: rec.Type, Rating: rec.Rating, OriginalValue: "John Smith", CorrectedValue: corrected}
		return &types.FeedbackChange{Appointment: cur, Record: rec, Improvement: imp}, nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ch.Record.ExtractionID != a.ID {
		t.Fatalf("record extraction = %s, want %s", ch.Record.ExtractionID, a.ID)
	}

	got, _ := s.GetAppointment(ctx, a.ID)
	if got.CustomerName != corrected || got.FeedbackCount != 1 || got.ConfidenceScore != 0.75 {
		t.Fatalf("appointment not updated: %+v", got)
	}
	fb, err := s.ListFeedback(ctx, FeedbackFilter{TenantID: "t1"})
	if err != nil || len(fb) != 1 {
		t.Fatalf("feedback: %v %v", fb, err)
	}
	if fb[0].CorrectedValue == nil || *fb[0].CorrectedValue != corrected || !fb[0].IsModelImprovement {
		t.Fatalf("feedback record = %+v", fb[0])
	}
	pending, _ := s.ListModelImprovements(ctx, true, 0)
	if len(pending) != 1 || pending[0].FeedbackID != ch.Record.ID {
		t.Fatalf("improvements = %+v", pending)
	}
	ok, err := s.MarkModelImprovementProcessed(ctx, pending[0].ID)
	if err != nil || !ok {
		t.Fatalf("mark processed: %v %v", ok, err)
	}
	if ok, _ := s.MarkModelImprovementProcessed(ctx, pending[0].ID); ok {
		t.Fatalf("second mark must report false")
	}

	// A rejected edit writes nothing and comes back unwrapped.
	rejected := errors.New("rejected")
	_, err = s.ApplyFeedback(ctx, c.ID, func(cur *types.ExtractedAppointment) (*types.FeedbackChange, error) {
		return nil, rejected
	})
	if err != rejected {
		t.Fatalf("edit error = %v", err)
	}
	fb, _ = s.ListFeedback(ctx, FeedbackFilter{CallID: c.ID})
	if len(fb) != 1 {
		t.Fatalf("rejected feedback leaked: %d records", len(fb))
	}
}

func TestApplyFeedbackCreatesMissingExtraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")

	ch, err := s.ApplyFeedback(ctx, c.ID, func(cur *types.ExtractedAppointment) (*types.FeedbackChange, error) {
		if cur != nil {
			t.Fatalf("unexpected extraction %+v", cur)
		}
		a := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 1, IsManualOverride: true}
		return &types.FeedbackChange{Appointment: a, Record: &types.FeedbackRecord{CallID: c.ID, Type: types.FeedbackManualOverride, Rating: types.RatingExcellent}}, nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := s.GetAppointmentByCall(ctx, c.ID)
	if got == nil || got.ID != ch.Appointment.ID || !got.IsManualOverride {
		t.Fatalf("stored = %+v", got)
	}
}

func TestConcurrentFeedbackKeepsEveryUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	a := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 0.5}
	if err := s.UpsertAppointment(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cust := &types.Customer{TenantID: "t1", Name: "Ana", Phone: "5559876543"}
	if _, err := s.InsertCustomer(ctx, cust); err != nil {
		t.Fatalf("insert customer: %v", err)
	}

	const reviewers = 20
	var wg sync.WaitGroup
	errs := make(chan error, reviewers)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyFeedback(ctx, c.ID, func(cur *types.ExtractedAppointment) (*types.FeedbackChange, error) {
				cur.FeedbackCount++
				return &types.FeedbackChange{Appointment: cur, Record: &types.FeedbackRecord{CallID: c.ID, Type: types.FeedbackPricing, Rating: types.RatingGood}}, nil
			})
			errs <- err
		}()
	}
	// Linking a customer concurrently must survive the full-row writes.
	if err := s.LinkCustomer(ctx, a.ID, cust.ID); err != nil {
		t.Fatalf("link: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	got, _ := s.GetAppointment(ctx, a.ID)
	if got.FeedbackCount != reviewers {
		t.Fatalf("feedback_count = %d, want %d", got.FeedbackCount, reviewers)
	}
	if got.CustomerID != cust.ID {
		t.Fatalf("customer link lost: %q", got.CustomerID)
	}
	fb, _ := s.ListFeedback(ctx, FeedbackFilter{CallID: c.ID})
	if len(fb) != reviewers {
		t.Fatalf("records = %d", len(fb))
	}
}

func TestUpsertKeepsManualOverride(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	ov := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 1, IsManualOverride: true}
	ov.ServiceType = "roofing"
	if err := s.UpsertAppointment(ctx, ov); err != nil {
		t.Fatalf("override: %v", err)
	}

	model := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 0.9}
	model.ServiceType = "plumbing"
	if err := s.UpsertAppointment(ctx, model); err != nil {
		t.Fatalf("model upsert: %v", err)
	}
	if !model.IsManualOverride || model.ServiceType != "roofing" || model.ID != ov.ID {
		t.Fatalf("caller not handed the override: %+v", model)
	}
	got, _ := s.GetAppointmentByCall(ctx, c.ID)
	if !got.IsManualOverride || got.ServiceType != "roofing" || got.ConfidenceScore != 1 {
		t.Fatalf("override replaced: %+v", got)
	}

	// A newer override still wins.
	again := &types.ExtractedAppointment{CallID: c.ID, TenantID: "t1", HasAppointment: true, ConfidenceScore: 1, IsManualOverride: true}
	again.ServiceType = "hvac"
	if err := s.UpsertAppointment(ctx, again); err != nil {
		t.Fatalf("second override: %v", err)
	}
	if got, _ := s.GetAppointmentByCall(ctx, c.ID); got.ServiceType != "hvac" {
		t.Fatalf("service type = %q", got.ServiceType)
	}
}

func TestProcessingErrorQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createCall(t, s, "t1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	past := now.Add(-time.Second)
	future := now.Add(time.Hour)
	due := &failure.Record{CallID: c.ID, Kind: failure.KindCallDropped, Severity: failure.SeverityHigh, MaxRetries: 2, NextRetryAt: &past, Details: map[string]any{"stage": "transcription"}}
	later := &failure.Record{CallID: c.ID, Kind: failure.KindAPIError, Severity: failure.SeverityHigh, MaxRetries: 3, NextRetryAt: &future}
	closed := &failure.Record{CallID: c.ID, Kind: failure.KindNoAppointment, Severity: failure.SeverityLow, Terminal: true}
	for _, r := range []*failure.Record{due, later, closed} {
		if err := s.InsertProcessingError(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	open, err := s.OpenProcessingError(ctx, c.ID, failure.KindCallDropped)
	if err != nil || open == nil || open.ID != due.ID {
		t.Fatalf("open record: %+v %v", open, err)
	}
	if open.Details["stage"] != "transcription" {
		t.Fatalf("details lost: %v", open.Details)
	}
	if none, _ := s.OpenProcessingError(ctx, c.ID, failure.KindNoAppointment); none != nil {
		t.Fatalf("terminal record reported open")
	}

	dueList, err := s.DueProcessingErrors(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(dueList) != 1 || dueList[0].ID != due.ID {
		t.Fatalf("due = %+v", dueList)
	}

	due.RetryCount = 1
	due.NextRetryAt = nil
	resolved := now
	due.ResolvedAt = &resolved
	if err := s.UpdateProcessingError(ctx, due); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetProcessingError(ctx, due.ID)
	if got.Open() || got.RetryCount != 1 {
		t.Fatalf("update not persisted: %+v", got)
	}

	counts, _ := s.CountOpenProcessingErrors(ctx)
	if counts[failure.KindAPIError] != 1 || counts[failure.KindCallDropped] != 0 {
		t.Fatalf("open counts = %v", counts)
	}
	all, _ := s.ListProcessingErrors(ctx, c.ID)
	if len(all) != 3 {
		t.Fatalf("history has %d records", len(all))
	}
	opens, _ := s.OpenProcessingErrors(ctx, c.ID)
	if len(opens) != 1 || opens[0].ID != later.ID {
		t.Fatalf("open list = %+v", opens)
	}
}

func TestTimestampsSortLexically(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 5, 100000000, time.UTC)
	b := time.Date(2026, 1, 1, 0, 0, 5, 150000000, time.UTC)
	if !(a.Format(timeLayout) < b.Format(timeLayout)) {
		t.Fatalf("%s should sort before %s", a.Format(timeLayout), b.Format(timeLayout))
	}
}

func TestResolverAgainstSQLite(t *testing.T) {
	s := openTestStore(t)
	r := dedup.NewResolver(s, nil, dedup.DefaultConfig(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "t1", dedup.Candidate{Name: "John Smith", Phone: "(555) 123-4567"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	list, err := s.ListCustomers(context.Background(), "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Phone != "+15551234567" {
		t.Fatalf("customers = %+v", list)
	}
}
