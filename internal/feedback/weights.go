package feedback

import (
	"fmt"
	"math"

	"voice-jobs-go/internal/config"
	"voice-jobs-go/internal/types"
)

const (
	minConfidence = 0.1
	maxConfidence = 1.0
)

// Weights are the recalibration tables: a signed multiplier per rating and a
// load-bearing weight per feedback type.
type Weights struct {
	Rating map[types.Rating]float64
	Type   map[types.FeedbackType]float64
}

func DefaultWeights() Weights {
	return Weights{
		Rating: map[types.Rating]float64{
			types.RatingVeryPoor:  -0.3,
			types.RatingPoor:      -0.2,
			types.RatingFair:      -0.05,
			types.RatingGood:      0.1,
			types.RatingExcellent: 0.2,
		},
		Type: map[types.FeedbackType]float64{
			types.FeedbackServiceType:          1.0,
			types.FeedbackServiceAddress:       1.0,
			types.FeedbackAppointmentExists:    1.0,
			types.FeedbackNoAppointment:        1.0,
			types.FeedbackMultipleAppointments: 1.0,
			types.FeedbackCustomerName:         0.9,
			types.FeedbackCustomerPhone:        0.9,
			types.FeedbackAppointmentDate:      0.8,
			types.FeedbackAppointmentTime:      0.8,
			types.FeedbackUrgency:              0.7,
			types.FeedbackCustomerEmail:        0.7,
			types.FeedbackJobDescription:       0.6,
			types.FeedbackPricing:              0.5,
			types.FeedbackGeneral:              0.5,
		},
	}
}

// WeightsFromConfig converts the name-keyed config tables. Missing entries
// fall back to the defaults so a partial override is enough.
func WeightsFromConfig(cfg config.FeedbackConfig) (Weights, error) {
	w := DefaultWeights()
	for name, m := range cfg.RatingMultipliers {
		r, err := types.ParseRating(name)
		if err != nil {
			return Weights{}, fmt.Errorf("rating multiplier %q: %w", name, err)
		}
		w.Rating[r] = m
	}
	for name, weight := range cfg.TypeWeights {
		t, err := types.ParseFeedbackType(name)
		if err != nil {
			return Weights{}, fmt.Errorf("type weight %q: %w", name, err)
		}
		w.Type[t] = weight
	}
	return w, nil
}

// Delta is ratingMultiplier x typeWeight, rounded to 4 decimals.
func (w Weights) Delta(r types.Rating, t types.FeedbackType) float64 {
	return round4(w.Rating[r] * w.Type[t])
}

// Adjust applies delta to a stored confidence and clamps the result to [0.1, 1].
func Adjust(confidence, delta float64) float64 {
	return round4(math.Min(maxConfidence, math.Max(minConfidence, confidence+delta)))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// criticalTypes are the categories whose negative feedback is queued for
// prompt tuning.
var criticalTypes = map[types.FeedbackType]bool{
	types.FeedbackCustomerName:         true,
	types.FeedbackServiceType:          true,
	types.FeedbackServiceAddress:       true,
	types.FeedbackAppointmentExists:    true,
	types.FeedbackNoAppointment:        true,
	types.FeedbackMultipleAppointments: true,
}

// IsModelImprovement reports whether a feedback event should feed upstream retraining.
func IsModelImprovement(t types.FeedbackType, r types.Rating) bool {
	return criticalTypes[t] && r <= types.RatingFair
}
