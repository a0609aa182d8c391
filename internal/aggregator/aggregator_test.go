package aggregator

import (
	"testing"

	"voice-jobs-go/internal/types"
)

func fb(t types.FeedbackType, r types.Rating, delta float64) *types.FeedbackRecord {
	return &types.FeedbackRecord{Type: t, Rating: r, ConfidenceDelta: delta}
}

func TestAggregate(t *testing.T) {
	recs := []*types.FeedbackRecord{
		fb(types.FeedbackServiceAddress, types.RatingVeryPoor, -0.3),
		fb(types.FeedbackServiceAddress, types.RatingPoor, -0.2),
		fb(types.FeedbackServiceAddress, types.RatingGood, 0.1),
		fb(types.FeedbackUrgency, types.RatingFair, -0.035),
		{Type: types.FeedbackManualOverride, Rating: types.RatingExcellent, IsManualOverride: true},
	}
	recs[0].IsModelImprovement = true
	recs[1].IsModelImprovement = true

	s := Aggregate(recs)
	if s.Total != 5 || s.ModelImprovements != 2 || s.ManualOverrides != 1 {
		t.Fatalf("counts = %+v", s)
	}
	if s.AverageRating != 3 {
		t.Fatalf("average rating = %v", s.AverageRating)
	}
	if s.AverageDelta != -0.087 {
		t.Fatalf("average delta = %v", s.AverageDelta)
	}
	if s.RatingCounts["very_poor"] != 1 || s.RatingCounts["excellent"] != 1 {
		t.Fatalf("rating counts = %v", s.RatingCounts)
	}
	top := s.ByType[0]
	if top.Type != types.FeedbackServiceAddress || top.Count != 3 || top.Negative != 2 {
		t.Fatalf("top = %+v", top)
	}
	if top.AverageDelta != -0.1333 || top.AverageRating != 2.3333 {
		t.Fatalf("top averages = %+v", top)
	}
	if len(s.ByType) != 3 || s.ByType[1].Type != types.FeedbackManualOverride {
		t.Fatalf("order = %+v", s.ByType)
	}
}

func TestAggregateEmpty(t *testing.T) {
	s := Aggregate(nil)
	if s.Total != 0 || s.AverageRating != 0 || len(s.ByType) != 0 {
		t.Fatalf("summary = %+v", s)
	}
}
