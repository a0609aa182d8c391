// Package feedback recalibrates stored extraction confidence from human
// review and queues severe corrections for model improvement.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
	"voice-jobs-go/internal/types"
)

var (
	ErrInvalidFeedback = errors.New("invalid feedback")
	ErrNotFound        = errors.New("not found")
)

// Store is the persistence the loop needs.
type Store interface {
	GetCall(ctx context.Context, id string) (*types.CallRecord, error)
	// ApplyFeedback loads the call's extraction, runs edit on it and stores the
	// returned change as one atomic unit.
	ApplyFeedback(ctx context.Context, callID string, edit func(a *types.ExtractedAppointment) (*types.FeedbackChange, error)) (*types.FeedbackChange, error)
	ListModelImprovements(ctx context.Context, pendingOnly bool, limit int) ([]*types.ModelImprovement, error)
	MarkModelImprovementProcessed(ctx context.Context, id string) (bool, error)
}

type Params struct {
	CallID         string             `json:"-"`
	Type           types.FeedbackType `json:"type"`
	Rating         types.Rating       `json:"rating"`
	CorrectedValue *string            `json:"corrected_value,omitempty"`
	Comment        string             `json:"comment,omitempty"`
	SubmittedBy    string             `json:"submitted_by,omitempty"`
}

// Override carries the fields a reviewer replaces. Nil fields keep the stored value.
type Override struct {
	HasAppointment  *bool    `json:"has_appointment,omitempty"`
	CustomerName    *string  `json:"customer_name,omitempty"`
	CustomerPhone   *string  `json:"customer_phone,omitempty"`
	CustomerEmail   *string  `json:"customer_email,omitempty"`
	ServiceType     *string  `json:"service_type,omitempty"`
	JobDescription  *string  `json:"job_description,omitempty"`
	Urgency         *string  `json:"urgency,omitempty"`
	PreferredDate   *string  `json:"preferred_date,omitempty"`
	PreferredTime   *string  `json:"preferred_time,omitempty"`
	TimeFlexibility *string  `json:"time_flexibility,omitempty"`
	ServiceAddress  *string  `json:"service_address,omitempty"`
	QuotedPrice     *float64 `json:"quoted_price,omitempty"`
	BudgetMentioned *float64 `json:"budget_mentioned,omitempty"`
	Notes           *string  `json:"notes,omitempty"`
	SubmittedBy     string   `json:"submitted_by,omitempty"`
}

type Service struct {
	store   Store
	weights Weights
	log     *logger.Logger
	now     func() time.Time
}

func NewService(store Store, w Weights, log *logger.Logger) *Service {
	if w.Rating == nil || w.Type == nil {
		w = DefaultWeights()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{store: store, weights: w, log: log.Component("feedback"), now: time.Now}
}

// SubmitFeedback records one reviewer judgement against the call's extraction,
// shifts its confidence and applies the correction when one is given.
func (s *Service) SubmitFeedback(ctx context.Context, p Params) (*types.FeedbackRecord, error) {
	if p.Type == types.FeedbackManualOverride {
		return nil, fmt.Errorf("%w: use a manual override instead", ErrInvalidFeedback)
	}
	if _, err := types.ParseFeedbackType(string(p.Type)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	if !p.Rating.Valid() {
		return nil, fmt.Errorf("%w: rating must be 1-5", ErrInvalidFeedback)
	}

	ch, err := s.store.ApplyFeedback(ctx, p.CallID, func(appt *types.ExtractedAppointment) (*types.FeedbackChange, error) {
		if appt == nil {
			return nil, fmt.Errorf("%w: no extraction for call %s", ErrNotFound, p.CallID)
		}
		return s.feedbackChange(appt, p)
	})
	if err != nil {
		return nil, err
	}
	rec := ch.Record

	metrics.FeedbackSubmitted.WithLabelValues(string(p.Type)).Inc()
	s.log.WithCall(p.CallID).WithField("type", p.Type).WithField("rating", p.Rating.String()).
		WithField("confidence_before", rec.ConfidenceBefore).WithField("confidence_after", rec.ConfidenceAfter).
		WithField("model_improvement", rec.IsModelImprovement).Info("feedback recorded")
	return rec, nil
}

// CreateManualOverride replaces the extraction with reviewer-supplied ground
// truth and returns its id. A call without an extraction gets one.
func (s *Service) CreateManualOverride(ctx context.Context, callID string, ov Override, reason string) (string, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return "", err
	}
	if call == nil {
		return "", fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	ch, err := s.store.ApplyFeedback(ctx, callID, func(appt *types.ExtractedAppointment) (*types.FeedbackChange, error) {
		if appt == nil {
			appt = &types.ExtractedAppointment{CallID: call.ID, TenantID: call.TenantID}
		}
		return s.overrideChange(appt, ov, reason)
	})
	if err != nil {
		return "", err
	}
	appt := ch.Appointment

	metrics.FeedbackSubmitted.WithLabelValues(string(types.FeedbackManualOverride)).Inc()
	s.log.WithCall(callID).WithField("extraction_id", appt.ID).WithField("reason", appt.OverrideReason).
		Info("manual override applied")
	return appt.ID, nil
}

// feedbackChange applies one judgement to appt in memory.
func (s *Service) feedbackChange(appt *types.ExtractedAppointment, p Params) (*types.FeedbackChange, error) {
	before := appt.ConfidenceScore
	original := currentValue(appt, p.Type)
	if p.CorrectedValue != nil {
		if err := applyCorrection(appt, p.Type, *p.CorrectedValue); err != nil {
			return nil, err
		}
	}
	delta := s.weights.Delta(p.Rating, p.Type)
	appt.ConfidenceScore = Adjust(before, delta)
	appt.FeedbackCount++

	rec := &types.FeedbackRecord{
		CallID:             p.CallID,
		ExtractionID:       appt.ID,
		Type:               p.Type,
		OriginalValue:      original,
		CorrectedValue:     p.CorrectedValue,
		Rating:             p.Rating,
		ConfidenceDelta:    delta,
		ConfidenceBefore:   before,
		ConfidenceAfter:    appt.ConfidenceScore,
		IsModelImprovement: IsModelImprovement(p.Type, p.Rating),
		Comment:            p.Comment,
		SubmittedBy:        p.SubmittedBy,
		CreatedAt:          s.now().UTC(),
	}
	ch := &types.FeedbackChange{Appointment: appt, Record: rec}
	if rec.IsModelImprovement {
		ch.Improvement = &types.ModelImprovement{
			CallID:         p.CallID,
			Type:           p.Type,
			Rating:         p.Rating,
			OriginalValue:  original,
			RawModelOutput: appt.RawModelOutput,
		}
		if p.CorrectedValue != nil {
			ch.Improvement.CorrectedValue = *p.CorrectedValue
		}
	}
	return ch, nil
}

// overrideChange turns appt into reviewer ground truth. Invalid input leaves
// nothing to write.
func (s *Service) overrideChange(appt *types.ExtractedAppointment, ov Override, reason string) (*types.FeedbackChange, error) {
	before := appt.ConfidenceScore
	if err := ov.apply(appt); err != nil {
		return nil, err
	}
	appt.ConfidenceScore = maxConfidence
	appt.IsManualOverride = true
	appt.OverrideReason = strings.TrimSpace(reason)
	appt.Issues = nil
	appt.HasIssues = false
	appt.FeedbackCount++

	body, _ := json.Marshal(ov)
	corrected := string(body)
	rec := &types.FeedbackRecord{
		CallID:           appt.CallID,
		ExtractionID:     appt.ID,
		Type:             types.FeedbackManualOverride,
		CorrectedValue:   &corrected,
		Rating:           types.RatingExcellent,
		ConfidenceDelta:  round4(maxConfidence - before),
		ConfidenceBefore: before,
		ConfidenceAfter:  maxConfidence,
		IsManualOverride: true,
		Comment:          appt.OverrideReason,
		SubmittedBy:      ov.SubmittedBy,
		CreatedAt:        s.now().UTC(),
	}
	return &types.FeedbackChange{Appointment: appt, Record: rec}, nil
}

// PendingImprovements lists queued model-improvement signals, oldest first.
func (s *Service) PendingImprovements(ctx context.Context, limit int) ([]*types.ModelImprovement, error) {
	return s.store.ListModelImprovements(ctx, true, limit)
}

// MarkProcessed consumes one queued signal. It reports false when already consumed.
func (s *Service) MarkProcessed(ctx context.Context, id string) (bool, error) {
	return s.store.MarkModelImprovementProcessed(ctx, id)
}

func (ov Override) apply(a *types.ExtractedAppointment) error {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&a.CustomerName, ov.CustomerName)
	set(&a.CustomerPhone, ov.CustomerPhone)
	set(&a.CustomerEmail, ov.CustomerEmail)
	a.CustomerEmail = strings.ToLower(a.CustomerEmail)
	set(&a.ServiceType, ov.ServiceType)
	a.ServiceType = strings.ToLower(a.ServiceType)
	set(&a.JobDescription, ov.JobDescription)
	set(&a.PreferredDate, ov.PreferredDate)
	set(&a.PreferredTime, ov.PreferredTime)
	set(&a.ServiceAddress, ov.ServiceAddress)
	set(&a.Notes, ov.Notes)
	if ov.ServiceAddress != nil && a.ServiceAddress != "" {
		a.AddressConfidence = 1
	}
	if ov.Urgency != nil {
		u := types.ParseUrgency(*ov.Urgency)
		if u == "" && strings.TrimSpace(*ov.Urgency) != "" {
			return fmt.Errorf("%w: unknown urgency %q", ErrInvalidFeedback, *ov.Urgency)
		}
		a.Urgency = u
	}
	if ov.TimeFlexibility != nil {
		f := types.ParseFlexibility(*ov.TimeFlexibility)
		if f == "" && strings.TrimSpace(*ov.TimeFlexibility) != "" {
			return fmt.Errorf("%w: unknown time flexibility %q", ErrInvalidFeedback, *ov.TimeFlexibility)
		}
		a.TimeFlexibility = f
	}
	for _, p := range []*float64{ov.QuotedPrice, ov.BudgetMentioned} {
		if p != nil && *p < 0 {
			return fmt.Errorf("%w: negative price", ErrInvalidFeedback)
		}
	}
	if ov.QuotedPrice != nil {
		a.QuotedPrice = ov.QuotedPrice
	}
	if ov.BudgetMentioned != nil {
		a.BudgetMentioned = ov.BudgetMentioned
	}
	if ov.HasAppointment != nil {
		a.HasAppointment = *ov.HasAppointment
	} else {
		a.HasAppointment = true
	}
	// A reviewer picking the fields settles any multi-appointment ambiguity.
	a.MultipleAppointments = false
	return nil
}
