// Package actionable turns a feedback summary into one tuning recommendation.
package actionable

import (
	"fmt"

	"voice-jobs-go/internal/aggregator"
	"voice-jobs-go/internal/types"
)

type ActionCard struct {
	Insight string             `json:"insight"`
	Action  string             `json:"action"`
	Impact  string             `json:"impact"`
	Field   types.FeedbackType `json:"field,omitempty"`
}

// Thresholds below which no field is singled out.
const (
	MinSamples      = 3
	MinNegativeRate = 0.35
)

var fieldActions = map[types.FeedbackType]string{
	types.FeedbackServiceType:          "Add trade keywords and examples of ambiguous requests to the service_type prompt section",
	types.FeedbackServiceAddress:       "Ask the model to copy the spoken address verbatim and to leave it empty when only a city is given",
	types.FeedbackCustomerName:         "Add examples of callers spelling their names and of third parties calling on someone's behalf",
	types.FeedbackCustomerPhone:        "Prefer the caller id when the spoken number is incomplete",
	types.FeedbackAppointmentDate:      "Resolve relative dates against the call date before extraction",
	types.FeedbackAppointmentTime:      "Normalize spoken times to 24h and separate windows from exact times",
	types.FeedbackUrgency:              "Tighten urgency definitions with examples of emergencies versus routine work",
	types.FeedbackAppointmentExists:    "Add negative examples of informational calls that request no visit",
	types.FeedbackNoAppointment:        "Add examples of indirect booking requests the model misses",
	types.FeedbackMultipleAppointments: "Clarify when several problems form one job versus separate appointments",
}

func Generate(s aggregator.Summary) ActionCard {
	if s.Total == 0 {
		return ActionCard{
			Insight: "No reviewer feedback yet",
			Action:  "Collect feedback on extracted appointments",
			Impact:  "None until feedback arrives",
		}
	}

	var worst *aggregator.TypeStats
	for i := range s.ByType {
		st := &s.ByType[i]
		if st.Count < MinSamples || st.Type == types.FeedbackManualOverride {
			continue
		}
		if worst == nil || st.NegativeRate() > worst.NegativeRate() {
			worst = st
		}
	}

	if worst != nil && worst.NegativeRate() >= MinNegativeRate {
		action, ok := fieldActions[worst.Type]
		if !ok {
			action = fmt.Sprintf("Review the %s instructions in the extraction prompt", worst.Type)
		}
		return ActionCard{
			Insight: fmt.Sprintf("%s is rated poor in %.0f%% of %d reviews", worst.Type, worst.NegativeRate()*100, worst.Count),
			Action:  action,
			Impact:  fmt.Sprintf("Fewer %s corrections and %d queued model improvements to replay", worst.Type, s.ModelImprovements),
			Field:   worst.Type,
		}
	}
	if s.ManualOverrides*2 >= s.Total {
		return ActionCard{
			Insight: fmt.Sprintf("%d of %d reviews were manual overrides", s.ManualOverrides, s.Total),
			Action:  "Lower the auto-create threshold only after checking override reasons",
			Impact:  "Less manual job entry",
		}
	}
	return ActionCard{
		Insight: fmt.Sprintf("No field stands out (average rating %.2f)", s.AverageRating),
		Action:  "Monitor and collect more feedback",
		Impact:  "Low immediate intervention",
	}
}
