// Package pipeline composes extraction, customer resolution and the
// auto-creation gate into the per-call flow and owns the call state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"voice-jobs-go/internal/dedup"
	"voice-jobs-go/internal/failure"
	"voice-jobs-go/internal/gate"
	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
	"voice-jobs-go/internal/notify"
	"voice-jobs-go/internal/types"
)

var (
	ErrNotFound     = errors.New("call not found")
	ErrInvalidState = errors.New("call is not in a processable state")
	ErrCancelled    = errors.New("processing cancelled")
)

// Pipeline stage names recorded on processing errors.
const (
	StageExtraction = "extraction"
	StagePersist    = "persist"
	StageResume     = "resume"
)

type Store interface {
	GetCall(ctx context.Context, id string) (*types.CallRecord, error)
	TransitionCall(ctx context.Context, id string, from, to types.CallStatus, note string) (bool, error)
	ResumeCall(ctx context.Context, id string) (bool, error)
	AppendCallNote(ctx context.Context, callID, note string) error
	SetTranscript(ctx context.Context, callID, transcript string) error

	GetAppointmentByCall(ctx context.Context, callID string) (*types.ExtractedAppointment, error)
	UpsertAppointment(ctx context.Context, a *types.ExtractedAppointment) error
	LinkCustomer(ctx context.Context, appointmentID, customerID string) error

	CreateJob(ctx context.Context, j *types.Job) (*types.Job, bool, error)
	GetJobByExtraction(ctx context.Context, extractionID string) (*types.Job, error)
	RecordCustomerJob(ctx context.Context, customerID string, spend float64) error

	GetProcessingError(ctx context.Context, id string) (*failure.Record, error)
	OpenProcessingErrors(ctx context.Context, callID string) ([]*failure.Record, error)
	DueProcessingErrors(ctx context.Context, now time.Time, limit int) ([]*failure.Record, error)
}

type Extractor interface {
	ExtractCall(ctx context.Context, call *types.CallRecord) (*types.ExtractedAppointment, error)
	MinTranscriptLength() int
}

type CustomerResolver interface {
	Resolve(ctx context.Context, tenantID string, cand dedup.Candidate) (*dedup.Match, error)
}

type TranscriptSource interface {
	Transcript(ctx context.Context, call *types.CallRecord, partial bool) (string, error)
}

// Publisher is best-effort; notify.Dispatcher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev notify.Event)
}

type Config struct {
	StageTimeout       time.Duration
	MinUsableRecording time.Duration
	Workers            int
}

func DefaultConfig() Config {
	return Config{StageTimeout: time.Minute, MinUsableRecording: 10 * time.Second, Workers: 4}
}

type Deps struct {
	Store       Store
	Extractor   Extractor
	Customers   CustomerResolver
	Transcripts TranscriptSource
	Gate        gate.Gate
	Coordinator *failure.Coordinator
	Events      Publisher
	Log         *logger.Logger
}

// Result is the outcome of one ProcessCall.
type Result struct {
	CallID     string                      `json:"call_id"`
	Status     types.CallStatus            `json:"status"`
	Extraction *types.ExtractedAppointment `json:"extraction,omitempty"`
	Customer   *dedup.Match                `json:"customer,omitempty"`
	Decision   *gate.Decision              `json:"decision,omitempty"`
	Job        *types.Job                  `json:"job,omitempty"`
	// Reused is set when a finished call was asked again and nothing ran.
	Reused bool   `json:"reused"`
	Error  string `json:"error,omitempty"`
}

// Orchestrator runs calls through the pipeline. It is safe for concurrent use;
// distinct calls never share mutable state except through the store.
type Orchestrator struct {
	store       Store
	extractor   Extractor
	customers   CustomerResolver
	transcripts TranscriptSource
	gate        gate.Gate
	coord       *failure.Coordinator
	events      Publisher
	cfg         Config
	log         *logger.Logger
	now         func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(d Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store required")
	case d.Extractor == nil:
		return nil, errors.New("pipeline: extractor required")
	case d.Customers == nil:
		return nil, errors.New("pipeline: customer resolver required")
	case d.Coordinator == nil:
		return nil, errors.New("pipeline: retry coordinator required")
	}
	def := DefaultConfig()
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.MinUsableRecording <= 0 {
		cfg.MinUsableRecording = def.MinUsableRecording
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if d.Gate.Threshold == 0 {
		d.Gate = gate.New(gate.DefaultThreshold)
	}
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	return &Orchestrator{
		store:       d.Store,
		extractor:   d.Extractor,
		customers:   d.Customers,
		transcripts: d.Transcripts,
		gate:        d.Gate,
		coord:       d.Coordinator,
		events:      d.Events,
		cfg:         cfg,
		log:         d.Log.Component("pipeline"),
		now:         time.Now,
		running:     map[string]context.CancelFunc{},
	}, nil
}

// ProcessCall runs a PENDING call end to end. Asking again for a finished call
// returns the stored result; a manually overridden extraction is carried
// through to customer and job instead.
func (o *Orchestrator) ProcessCall(ctx context.Context, callID string) (*Result, error) {
	call, err := o.store.GetCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}
	if call == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}

	switch {
	case call.Status.Terminal():
		return o.reprocess(ctx, call)
	case call.Status == types.StatusProcessing:
		return nil, fmt.Errorf("%w: %s is already processing", ErrInvalidState, callID)
	case call.Status == types.StatusInterrupted:
		return nil, fmt.Errorf("%w: %s is awaiting a scheduled resume", ErrInvalidState, callID)
	}

	ok, err := o.store.TransitionCall(ctx, callID, types.StatusPending, types.StatusProcessing, "")
	if err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s was claimed by another worker", ErrInvalidState, callID)
	}
	call.Status = types.StatusProcessing
	o.log.WithCall(callID).WithField("tenant_id", call.TenantID).Info("processing call")
	return o.run(ctx, call, false)
}

// run drives one PROCESSING call to its next status.
func (o *Orchestrator) run(parent context.Context, call *types.CallRecord, partial bool) (*Result, error) {
	ctx, cancel := context.WithCancel(parent)
	o.register(call.ID, cancel)
	defer func() {
		o.unregister(call.ID)
		cancel()
	}()

	res := &Result{CallID: call.ID}

	var (
		appt    *types.ExtractedAppointment
		outcome *failure.Error
	)
	err := o.coord.Run(ctx, call.ID, StageExtraction, failure.RunOptions{
		Fallback: failure.KindAPIError,
		Defer:    o.deferDropped(call, partial),
	}, func(ctx context.Context) error {
		a, cls, err := o.extract(ctx, call, partial)
		if err != nil {
			return err
		}
		appt, outcome = a, cls
		return nil
	})
	if err != nil {
		return o.halt(ctx, parent, call, res, err)
	}
	res.Extraction = appt

	var (
		stored bool
		match  *dedup.Match
		linked bool
		job    *types.Job
	)
	decision := o.decide(appt, outcome)
	err = o.coord.Run(ctx, call.ID, StagePersist, failure.RunOptions{Fallback: failure.KindAPIError}, func(ctx context.Context) error {
		sctx, done := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer done()
		if !stored {
			if err := o.store.UpsertAppointment(sctx, appt); err != nil {
				return err
			}
			stored = true
			// A reviewer overrode the call during the run; their fields stand.
			if appt.IsManualOverride {
				outcome = nil
				d := o.gate.Decide(appt)
				decision = &d
				o.log.WithCall(call.ID).Info("manual override kept over model extraction")
			}
		}
		if appt.HasAppointment && !linked {
			m, err := o.linkCustomer(sctx, appt)
			if err != nil {
				return err
			}
			match, linked = m, true
		}
		if decision != nil && decision.AutoCreate() && job == nil {
			j, err := o.createJob(sctx, appt)
			if err != nil {
				return err
			}
			job = j
		}
		return nil
	})
	if err != nil {
		return o.halt(ctx, parent, call, res, err)
	}
	res.Customer, res.Decision, res.Job = match, decision, job

	if outcome != nil {
		if _, err := o.coord.Record(ctx, call.ID, StageExtraction, outcome); err != nil {
			o.log.WithError(err).WithField("call_id", call.ID).Warn("cannot record extraction outcome")
		}
	}

	status, note := o.finalStatus(appt, outcome, decision, job)
	o.emitOutcome(ctx, call, appt, outcome)
	return o.finish(ctx, call, res, status, note)
}

// extract fetches the transcript and runs the extraction engine under the
// stage timeout. Valid non-job outcomes come back as cls with a nil error.
func (o *Orchestrator) extract(ctx context.Context, call *types.CallRecord, partial bool) (*types.ExtractedAppointment, *failure.Error, error) {
	sctx, done := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer done()

	if o.transcripts != nil {
		text, err := o.transcripts.Transcript(sctx, call, partial)
		if err != nil {
			return nil, nil, err
		}
		if text != strings.TrimSpace(call.Transcript) {
			if err := o.store.SetTranscript(sctx, call.ID, text); err != nil {
				return nil, nil, err
			}
			call.Transcript = text
		}
	}
	if call.Dropped && utf8.RuneCountInString(strings.TrimSpace(call.Transcript)) < o.extractor.MinTranscriptLength() {
		return nil, nil, failure.New(failure.KindCallDropped, "call ended before a usable transcript",
			map[string]any{"recording_url": call.RecordingURL, "recording_seconds": call.RecordingSeconds, "partial": partial})
	}

	appt, err := o.extractor.ExtractCall(sctx, call)
	if err == nil {
		return appt, nil, nil
	}
	if cls, ok := failure.As(err); ok && appt != nil {
		switch cls.Kind {
		case failure.KindNoAppointment, failure.KindInsufficientData, failure.KindMultipleAppointments:
			return appt, cls, nil
		}
	}
	return nil, nil, err
}

// deferDropped hands the first CallDropped of a call with usable audio to the
// scheduler instead of retrying inline.
func (o *Orchestrator) deferDropped(call *types.CallRecord, partial bool) func(*failure.Error) bool {
	minSeconds := int(o.cfg.MinUsableRecording / time.Second)
	return func(e *failure.Error) bool {
		return e.Kind == failure.KindCallDropped && !partial && call.ResumeCount == 0 &&
			call.HasUsableRecording(minSeconds)
	}
}

func (o *Orchestrator) decide(appt *types.ExtractedAppointment, outcome *failure.Error) *gate.Decision {
	if outcome != nil && outcome.Kind != failure.KindMultipleAppointments {
		return nil
	}
	d := o.gate.Decide(appt)
	return &d
}

func (o *Orchestrator) linkCustomer(ctx context.Context, appt *types.ExtractedAppointment) (*dedup.Match, error) {
	m, err := o.customers.Resolve(ctx, appt.TenantID, candidateFrom(appt, o.now()))
	if errors.Is(err, dedup.ErrNoIdentity) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if appt.CustomerID != m.Customer.ID {
		if err := o.store.LinkCustomer(ctx, appt.ID, m.Customer.ID); err != nil {
			return nil, err
		}
		appt.CustomerID = m.Customer.ID
	}
	return m, nil
}

func (o *Orchestrator) createJob(ctx context.Context, appt *types.ExtractedAppointment) (*types.Job, error) {
	j, created, err := o.store.CreateJob(ctx, types.JobFromExtraction(appt))
	if err != nil {
		return nil, err
	}
	if created && j.CustomerID != "" {
		var spend float64
		if j.QuotedPrice != nil {
			spend = *j.QuotedPrice
		}
		if err := o.store.RecordCustomerJob(ctx, j.CustomerID, spend); err != nil {
			o.log.WithError(err).WithField("customer_id", j.CustomerID).Warn("customer stats not updated")
		}
	}
	if created {
		o.log.WithCall(appt.CallID).WithField("job_id", j.ID).Info("job auto-created")
	}
	return j, nil
}

func (o *Orchestrator) finalStatus(appt *types.ExtractedAppointment, outcome *failure.Error, decision *gate.Decision, job *types.Job) (types.CallStatus, string) {
	if outcome != nil {
		switch outcome.Kind {
		case failure.KindInsufficientData:
			return types.StatusNoAppointmentDetected, "transcript too short to extract"
		case failure.KindNoAppointment:
			return types.StatusNoAppointmentDetected, "no appointment detected"
		case failure.KindMultipleAppointments:
			return types.StatusRequiresReview, fmt.Sprintf("%d appointments detected, review required", len(appt.SubAppointments))
		}
	}
	if job == nil {
		reason := "queued for review"
		if decision != nil {
			reason = "queued for review: " + decision.Reason
		}
		return types.StatusRequiresReview, reason
	}
	if appt.HasIssues {
		return types.StatusCompletedWithWarnings, "job " + job.ID + " created with issues: " + strings.Join(appt.Issues, "; ")
	}
	return types.StatusCompleted, "job " + job.ID + " created"
}

// halt maps a Run that did not succeed onto the call state machine.
func (o *Orchestrator) halt(ctx, parent context.Context, call *types.CallRecord, res *Result, err error) (*Result, error) {
	var deferred *failure.DeferredError
	switch {
	case errors.As(err, &deferred):
		note := fmt.Sprintf("%s: interrupted, resume scheduled for %s", o.now().UTC().Format(time.RFC3339),
			deferred.Record.NextRetryAt.UTC().Format(time.RFC3339))
		res.Error = deferred.Cause.Error()
		return o.finish(ctx, call, res, types.StatusInterrupted, note)

	case ctx.Err() != nil:
		res.Error = ErrCancelled.Error()
		bg := context.WithoutCancel(ctx)
		if _, ferr := o.finish(bg, call, res, types.StatusFailed, ErrCancelled.Error()); ferr != nil {
			return res, ferr
		}
		if parent.Err() != nil {
			return res, fmt.Errorf("%w: %v", ErrCancelled, parent.Err())
		}
		return res, ErrCancelled

	case errors.Is(err, failure.ErrResolvedElsewhere):
		res.Error = err.Error()
		return o.finish(ctx, call, res, types.StatusRequiresReview, "pending retry resolved by another actor")
	}

	cls := failure.Classify(err, failure.KindAPIError)
	res.Error = cls.Error()
	o.publish(ctx, notify.EventExtractionFailed, call, map[string]any{
		"kind":     string(cls.Kind),
		"severity": string(cls.Severity),
		"message":  cls.Error(),
	})
	return o.finish(ctx, call, res, types.StatusFailed, "")
}

func (o *Orchestrator) finish(ctx context.Context, call *types.CallRecord, res *Result, status types.CallStatus, note string) (*Result, error) {
	if note != "" && status != types.StatusInterrupted {
		note = o.now().UTC().Format(time.RFC3339) + ": " + note
	}
	ok, err := o.store.TransitionCall(ctx, call.ID, types.StatusProcessing, status, note)
	if err != nil {
		return res, fmt.Errorf("finish call: %w", err)
	}
	if !ok {
		o.log.WithCall(call.ID).WithField("status", status).Warn("call left PROCESSING before the run finished")
		fresh, gerr := o.store.GetCall(ctx, call.ID)
		if gerr == nil && fresh != nil {
			res.Status = fresh.Status
		}
		return res, nil
	}
	res.Status = status
	metrics.CallsProcessed.WithLabelValues(string(status)).Inc()
	o.log.WithCall(call.ID).WithField("status", status).Info("call finished")
	return res, nil
}

func (o *Orchestrator) emitOutcome(ctx context.Context, call *types.CallRecord, appt *types.ExtractedAppointment, outcome *failure.Error) {
	if appt == nil {
		return
	}
	payload := map[string]any{
		"extraction_id":    appt.ID,
		"confidence_score": appt.ConfidenceScore,
		"has_issues":       appt.HasIssues,
	}
	switch {
	case outcome != nil && outcome.Kind == failure.KindMultipleAppointments:
		payload["count"] = len(appt.SubAppointments)
		o.publish(ctx, notify.EventMultipleAppointmentsDetected, call, payload)
	case appt.HasAppointment:
		payload["service_type"] = appt.ServiceType
		payload["customer_id"] = appt.CustomerID
		o.publish(ctx, notify.EventAppointmentExtracted, call, payload)
	}
}

func (o *Orchestrator) publish(ctx context.Context, typ string, call *types.CallRecord, payload map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, notify.Event{
		Type:     typ,
		CallID:   call.ID,
		TenantID: call.TenantID,
		At:       o.now().UTC(),
		Payload:  payload,
	})
}

// reprocess answers ProcessCall for a call that already reached a terminal status.
func (o *Orchestrator) reprocess(ctx context.Context, call *types.CallRecord) (*Result, error) {
	appt, err := o.store.GetAppointmentByCall(ctx, call.ID)
	if err != nil {
		return nil, fmt.Errorf("load extraction: %w", err)
	}
	if appt == nil {
		return nil, fmt.Errorf("%w: %s finished as %s without an extraction", ErrInvalidState, call.ID, call.Status)
	}
	res := &Result{CallID: call.ID, Status: call.Status, Extraction: appt}
	job, err := o.store.GetJobByExtraction(ctx, appt.ID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	res.Job = job
	if !appt.IsManualOverride {
		res.Reused = true
		return res, nil
	}

	if appt.HasAppointment && appt.CustomerID == "" {
		m, err := o.linkCustomer(ctx, appt)
		if err != nil {
			return nil, fmt.Errorf("resolve customer: %w", err)
		}
		res.Customer = m
	}
	d := o.gate.Decide(appt)
	res.Decision = &d
	note := "manual override reviewed: " + d.Reason
	if job == nil && d.AutoCreate() {
		j, err := o.createJob(ctx, appt)
		if err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		res.Job = j
		note = "manual override applied: job " + j.ID + " created"
	}
	if err := o.store.AppendCallNote(ctx, call.ID, o.now().UTC().Format(time.RFC3339)+": "+note); err != nil {
		o.log.WithError(err).WithField("call_id", call.ID).Warn("append call note failed")
	}
	return res, nil
}

// Resume is the scheduled-retry callback for an interrupted call. Replaying it
// for a record that was already claimed, resolved or cancelled does nothing
// and returns a nil result.
func (o *Orchestrator) Resume(ctx context.Context, recordID string) (*Result, error) {
	rec, err := o.store.GetProcessingError(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("load processing error: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	call, err := o.store.GetCall(ctx, rec.CallID)
	if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}
	// Inline retries also carry next_retry_at while they sleep; only an
	// interrupted call is the scheduler's to resume.
	if call == nil || call.Status != types.StatusInterrupted {
		return nil, nil
	}

	rec, claimed, err := o.coord.Claim(ctx, recordID)
	if err != nil || !claimed {
		return nil, err
	}
	ok, err := o.store.ResumeCall(ctx, call.ID)
	if err != nil {
		return nil, fmt.Errorf("resume call: %w", err)
	}
	if !ok {
		o.coord.Terminate(ctx, rec, failure.New(rec.Kind, "call could not be resumed", map[string]any{"status": string(call.Status)}))
		return nil, nil
	}
	call.Status = types.StatusProcessing
	call.ResumeCount++
	o.log.WithCall(call.ID).WithField("error_id", rec.ID).Info("resuming interrupted call")

	res, runErr := o.run(ctx, call, true)
	o.settleClaimed(ctx, rec.ID, res)
	return res, runErr
}

// settleClaimed closes the claimed record once the resumed run is over and did
// not pick it back up itself.
func (o *Orchestrator) settleClaimed(ctx context.Context, id string, res *Result) {
	ctx = context.WithoutCancel(ctx)
	rec, err := o.store.GetProcessingError(ctx, id)
	if err != nil || rec == nil || !rec.Open() || res == nil {
		return
	}
	if res.Status == types.StatusFailed {
		o.coord.Terminate(ctx, rec, failure.New(rec.Kind, "resumed run failed", nil))
		return
	}
	if err := o.coord.Resolve(ctx, rec.ID, "resumed"); err != nil {
		o.log.WithError(err).WithField("error_id", rec.ID).Warn("resolve resumed error failed")
	}
}

// Cancel stops an in-flight run of the call and clears any scheduled retry.
func (o *Orchestrator) Cancel(ctx context.Context, callID string) error {
	call, err := o.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}
	if call == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}

	o.mu.Lock()
	cancel, running := o.running[callID]
	o.mu.Unlock()
	if running {
		cancel()
	}

	recs, err := o.store.OpenProcessingErrors(ctx, callID)
	if err != nil {
		return fmt.Errorf("load open errors: %w", err)
	}
	for _, rec := range recs {
		o.coord.Cancel(ctx, rec)
	}

	switch {
	case running:
		o.log.WithCall(callID).Info("in-flight run cancelled")
		return nil
	case call.Status == types.StatusInterrupted:
		note := o.now().UTC().Format(time.RFC3339) + ": " + ErrCancelled.Error()
		if err := o.store.AppendCallNote(ctx, callID, note); err != nil {
			return err
		}
		o.log.WithCall(callID).Info("scheduled resume cancelled")
		return nil
	}
	return fmt.Errorf("%w: %s has nothing to cancel (%s)", ErrInvalidState, callID, call.Status)
}

// Running reports whether a run for the call is in flight in this process.
func (o *Orchestrator) Running(callID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[callID]
	return ok
}

func (o *Orchestrator) register(callID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[callID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(callID string) {
	o.mu.Lock()
	delete(o.running, callID)
	o.mu.Unlock()
}

func candidateFrom(appt *types.ExtractedAppointment, now time.Time) dedup.Candidate {
	c := dedup.Candidate{
		Name:    appt.CustomerName,
		Phone:   appt.CustomerPhone,
		Email:   appt.CustomerEmail,
		Address: appt.ServiceAddress,
	}
	if appt.ServiceType != "" {
		c.Tags = []string{appt.ServiceType}
	}
	if desc := strings.TrimSpace(appt.JobDescription); desc != "" {
		c.Notes = now.UTC().Format("2006-01-02") + ": " + desc
	}
	return c
}
