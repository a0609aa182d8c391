// Package aggregator summarizes reviewer feedback.
package aggregator

import (
	"math"
	"sort"

	"voice-jobs-go/internal/types"
)

type TypeStats struct {
	Type          types.FeedbackType `json:"type"`
	Count         int                `json:"count"`
	Negative      int                `json:"negative"`
	AverageRating float64            `json:"average_rating"`
	AverageDelta  float64            `json:"average_delta"`
}

// NegativeRate is the share of this type's feedback rated poor or worse.
func (s TypeStats) NegativeRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Negative) / float64(s.Count)
}

type Summary struct {
	Total             int            `json:"total"`
	AverageRating     float64        `json:"average_rating"`
	AverageDelta      float64        `json:"average_delta"`
	ModelImprovements int            `json:"model_improvements"`
	ManualOverrides   int            `json:"manual_overrides"`
	RatingCounts      map[string]int `json:"rating_counts"`
	// ByType is ordered by negatives, then count, then name.
	ByType []TypeStats `json:"by_type"`
}

// Negative reports whether a rating counts against the extraction.
func Negative(r types.Rating) bool {
	return r <= types.RatingPoor
}

func Aggregate(records []*types.FeedbackRecord) Summary {
	s := Summary{Total: len(records), RatingCounts: map[string]int{}}
	if len(records) == 0 {
		return s
	}
	type acc struct {
		stats               TypeStats
		ratingSum, deltaSum float64
	}
	byType := map[types.FeedbackType]*acc{}
	var ratingSum, deltaSum float64
	for _, r := range records {
		ratingSum += float64(r.Rating)
		deltaSum += r.ConfidenceDelta
		s.RatingCounts[r.Rating.String()]++
		if r.IsModelImprovement {
			s.ModelImprovements++
		}
		if r.IsManualOverride {
			s.ManualOverrides++
		}

		a, ok := byType[r.Type]
		if !ok {
			a = &acc{stats: TypeStats{Type: r.Type}}
			byType[r.Type] = a
		}
		a.stats.Count++
		a.ratingSum += float64(r.Rating)
		a.deltaSum += r.ConfidenceDelta
		if Negative(r.Rating) {
			a.stats.Negative++
		}
	}
	n := float64(len(records))
	s.AverageRating = round(ratingSum / n)
	s.AverageDelta = round(deltaSum / n)

	for _, a := range byType {
		c := float64(a.stats.Count)
		a.stats.AverageRating = round(a.ratingSum / c)
		a.stats.AverageDelta = round(a.deltaSum / c)
		s.ByType = append(s.ByType, a.stats)
	}
	sort.Slice(s.ByType, func(i, j int) bool {
		a, b := s.ByType[i], s.ByType[j]
		if a.Negative != b.Negative {
			return a.Negative > b.Negative
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Type < b.Type
	})
	return s
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
