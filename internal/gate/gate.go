// Package gate decides whether an extraction becomes a job automatically.
package gate

import (
	"fmt"

	"voice-jobs-go/internal/metrics"
	"voice-jobs-go/internal/types"
)

type Action string

const (
	ActionAutoCreate     Action = "auto_create"
	ActionQueueForReview Action = "queue_for_review"
)

const DefaultThreshold = 0.6

type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

func (d Decision) AutoCreate() bool { return d.Action == ActionAutoCreate }

// Gate holds the single tunable boundary between automation and review.
type Gate struct {
	Threshold float64
}

func New(threshold float64) Gate {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return Gate{Threshold: threshold}
}

// Decide auto-creates only a single appointment whose confidence reaches the
// threshold. The boundary is inclusive.
func (g Gate) Decide(appt *types.ExtractedAppointment) Decision {
	d := g.decide(appt)
	metrics.GateDecisions.WithLabelValues(string(d.Action)).Inc()
	return d
}

func (g Gate) decide(appt *types.ExtractedAppointment) Decision {
	switch {
	case appt == nil || !appt.HasAppointment:
		return Decision{Action: ActionQueueForReview, Reason: "no appointment detected"}
	case appt.MultipleAppointments:
		return Decision{Action: ActionQueueForReview, Reason: fmt.Sprintf("%d appointments need disambiguation", len(appt.SubAppointments))}
	case appt.ConfidenceScore < g.Threshold:
		return Decision{Action: ActionQueueForReview, Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", appt.ConfidenceScore, g.Threshold)}
	}
	return Decision{Action: ActionAutoCreate, Reason: fmt.Sprintf("confidence %.2f meets threshold %.2f", appt.ConfidenceScore, g.Threshold)}
}
