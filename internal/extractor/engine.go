package extractor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"voice-jobs-go/internal/completion"
	"voice-jobs-go/internal/failure"
	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
	"voice-jobs-go/internal/types"
)

// Quality issues flagged by the post-parse gate.
const (
	IssueNoAppointment   = "no appointment detected"
	IssueMissingService  = "missing service type"
	IssueMissingAddress  = "missing service address"
	IssueMissingContact  = "missing customer name and phone"
	IssueShortTranscript = "transcript too short to extract"
)

type Config struct {
	// MinTranscriptLength is counted in runes after trimming.
	MinTranscriptLength int
	IssuePenalty        float64
	ConfidenceFloor     float64
	Temperature         float32
	Seed                *int
}

func DefaultConfig() Config {
	return Config{
		MinTranscriptLength: 50,
		IssuePenalty:        0.15,
		ConfidenceFloor:     0.1,
	}
}

// Engine turns transcripts into scored appointment extractions.
type Engine struct {
	completer completion.Completer
	cfg       Config
	log       *logger.Logger
}

func New(c completion.Completer, cfg Config, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MinTranscriptLength <= 0 {
		cfg.MinTranscriptLength = def.MinTranscriptLength
	}
	if cfg.IssuePenalty < 0 {
		cfg.IssuePenalty = def.IssuePenalty
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = def.ConfidenceFloor
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{completer: c, cfg: cfg, log: log.Component("extractor")}
}

func (e *Engine) MinTranscriptLength() int { return e.cfg.MinTranscriptLength }

// Extract runs one transcript through the completion service.
//
// Besides transport failures, the returned error classifies two valid outcomes
// that still carry an extraction: NoAppointment and MultipleAppointments.
// InsufficientData is returned without contacting the service.
func (e *Engine) Extract(ctx context.Context, transcript string) (*types.ExtractedAppointment, error) {
	return e.extract(ctx, transcript, "")
}

// ExtractCall extracts the call's transcript and tags the result with the
// call's identity. The caller id stands in for a phone the caller never said.
func (e *Engine) ExtractCall(ctx context.Context, call *types.CallRecord) (*types.ExtractedAppointment, error) {
	appt, err := e.extract(ctx, call.Transcript, call.CallerPhone)
	if appt != nil {
		appt.CallID = call.ID
		appt.TenantID = call.TenantID
	}
	return appt, err
}

func (e *Engine) extract(ctx context.Context, transcript, fallbackPhone string) (*types.ExtractedAppointment, error) {
	transcript = strings.TrimSpace(transcript)
	if n := utf8.RuneCountInString(transcript); n < e.cfg.MinTranscriptLength {
		appt := &types.ExtractedAppointment{HasIssues: true, Issues: []string{IssueShortTranscript}}
		return appt, failure.New(failure.KindInsufficientData,
			fmt.Sprintf("transcript has %d characters, need %d", n, e.cfg.MinTranscriptLength),
			map[string]any{"length": n, "min_length": e.cfg.MinTranscriptLength})
	}

	raw, err := e.completer.Complete(ctx, completion.Request{
		System:      SystemPrompt,
		Prompt:      BuildPrompt(transcript),
		Schema:      Schema,
		Temperature: e.cfg.Temperature,
		Seed:        e.cfg.Seed,
	})
	if err != nil {
		return nil, e.completionFailure(ctx, err)
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		e.log.WithError(err).WithField("output_len", len(raw)).Warn("model output did not parse")
		return nil, failure.Wrap(failure.KindExtractionFailed, err, "model output is not valid extraction JSON",
			map[string]any{"raw_output": truncate(raw, 2000)}).MarkPermanent()
	}

	appt := e.assess(parsed, fallbackPhone)
	appt.RawModelOutput = raw
	if appt.HasAppointment {
		metrics.ExtractionConfidence.Observe(appt.ConfidenceScore)
	}

	switch {
	case !appt.HasAppointment:
		return appt, failure.New(failure.KindNoAppointment, "no appointment requested", nil)
	case appt.MultipleAppointments:
		return appt, failure.New(failure.KindMultipleAppointments,
			fmt.Sprintf("%d appointments requested in one call", len(appt.SubAppointments)),
			map[string]any{"count": len(appt.SubAppointments)})
	}
	return appt, nil
}

// assess applies the quality gate: structural issues each cost a fixed
// penalty off the model's own confidence, down to the floor.
func (e *Engine) assess(p *parsedResponse, fallbackPhone string) *types.ExtractedAppointment {
	appt := &types.ExtractedAppointment{
		HasAppointment:  p.HasAppointment,
		ModelConfidence: p.Confidence,
	}
	if p.HasAppointment {
		appt.AppointmentDetails = p.Appointments[0]
		if appt.CustomerPhone == "" && fallbackPhone != "" {
			appt.CustomerPhone = fallbackPhone
		}
		if len(p.Appointments) > 1 {
			appt.MultipleAppointments = true
			appt.SubAppointments = append([]types.AppointmentDetails(nil), p.Appointments...)
		}
	}

	issues := qualityIssues(appt)
	appt.ConfidenceScore = e.score(p.Confidence, len(issues))
	issues = append(issues, p.Issues...)
	appt.Issues = issues
	appt.HasIssues = len(issues) > 0
	return appt
}

func qualityIssues(appt *types.ExtractedAppointment) []string {
	if !appt.HasAppointment {
		return []string{IssueNoAppointment}
	}
	var issues []string
	if appt.ServiceType == "" {
		issues = append(issues, IssueMissingService)
	}
	if appt.ServiceAddress == "" {
		issues = append(issues, IssueMissingAddress)
	}
	if appt.CustomerName == "" && appt.CustomerPhone == "" {
		issues = append(issues, IssueMissingContact)
	}
	return issues
}

func (e *Engine) score(model float64, issues int) float64 {
	c := clamp(model, 0, 1) - e.cfg.IssuePenalty*float64(issues)
	c = math.Max(e.cfg.ConfidenceFloor, c)
	c = math.Min(1, c)
	return math.Round(c*10000) / 10000
}

func (e *Engine) completionFailure(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.KindProcessingTimeout, err, "extraction stage deadline exceeded", nil)
	}
	ce, ok := completion.AsError(err)
	if !ok {
		return failure.Wrap(failure.KindAPIError, err, "completion request failed", nil)
	}
	if ce.Reason == completion.ReasonEmpty {
		return failure.Wrap(failure.KindExtractionFailed, err, "completion returned no content", nil)
	}
	fe := failure.Wrap(failure.KindAPIError, err, "completion request failed",
		map[string]any{"reason": string(ce.Reason), "status": ce.StatusCode})
	if !ce.IsRetryable() {
		fe.MarkPermanent()
	}
	return fe
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
