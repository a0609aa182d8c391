package config

import (
	"errors"
	"fmt"
	"strings"

	"voice-jobs-go/internal/types"
)

var ratingKeys = []string{"very_poor", "poor", "fair", "good", "excellent"}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		add("database.path is required")
	}

	p := c.Pipeline
	if p.MinTranscriptLength < 0 {
		add("pipeline.min_transcript_length must not be negative")
	}
	if !unit(p.IssuePenalty) {
		add("pipeline.issue_penalty %.3f outside [0,1]", p.IssuePenalty)
	}
	if !unit(p.ConfidenceFloor) {
		add("pipeline.confidence_floor %.3f outside [0,1]", p.ConfidenceFloor)
	}
	if !unit(p.AutoCreateThreshold) {
		add("pipeline.auto_create_threshold %.3f outside [0,1]", p.AutoCreateThreshold)
	}
	if p.Workers < 1 {
		add("pipeline.workers must be at least 1")
	}
	if p.StageTimeout <= 0 {
		add("pipeline.stage_timeout must be positive")
	}

	r := c.Retry
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		add("retry.base_delay must be positive and not above retry.max_delay")
	}
	if r.ExponentialBase < 1 {
		add("retry.exponential_base must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		add("retry.jitter %.2f outside [0,1)", r.Jitter)
	}
	for kind, n := range r.MaxRetries {
		if n < 0 {
			add("retry.max_retries.%s must not be negative", kind)
		}
	}

	if c.Dedup.FuzzyThreshold < 0 || c.Dedup.FuzzyThreshold > 100 {
		add("dedup.fuzzy_threshold %d outside [0,100]", c.Dedup.FuzzyThreshold)
	}

	for _, key := range ratingKeys {
		m, ok := c.Feedback.RatingMultipliers[key]
		if !ok {
			add("feedback.rating_multipliers.%s missing", key)
			continue
		}
		if m < -1 || m > 1 {
			add("feedback.rating_multipliers.%s %.3f outside [-1,1]", key, m)
		}
	}
	for _, t := range types.FeedbackTypes {
		w, ok := c.Feedback.TypeWeights[string(t)]
		if !ok {
			add("feedback.type_weights.%s missing", t)
			continue
		}
		if !unit(w) {
			add("feedback.type_weights.%s %.3f outside [0,1]", t, w)
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }
