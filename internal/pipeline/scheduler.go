package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"voice-jobs-go/internal/logger"
)

// BatchItem is the outcome of one call in ProcessBatch.
type BatchItem struct {
	CallID string  `json:"call_id"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// ProcessBatch runs up to limit calls concurrently. A failing call never
// stops the others; its error is reported on its item.
func (o *Orchestrator) ProcessBatch(ctx context.Context, ids []string, limit int) []BatchItem {
	if limit <= 0 {
		limit = o.cfg.Workers
	}
	out := make([]BatchItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		out[i].CallID = id
		g.Go(func() error {
			res, err := o.ProcessCall(gctx, id)
			out[i].Result = res
			if err != nil {
				out[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Scheduler fires the deferred retries of interrupted calls once they are due.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	limit    int
	log      *logger.Logger
}

func NewScheduler(o *Orchestrator, interval time.Duration, limit int) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	return &Scheduler{orch: o, interval: interval, limit: limit, log: o.log.Component("scheduler")}
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).Info("retry scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("retry scheduler stopped")
			return nil
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.log.WithError(err).Warn("scheduled retry pass failed")
			} else if n > 0 {
				s.log.WithField("resumed", n).Info("scheduled retries fired")
			}
		}
	}
}

// RunOnce resumes every due record and reports how many calls actually resumed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.orch.store.DueProcessingErrors(ctx, s.orch.now().UTC(), s.limit)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}
	resumed := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.orch.cfg.Workers)
	for i, rec := range due {
		g.Go(func() error {
			res, err := s.orch.Resume(gctx, rec.ID)
			if err != nil {
				s.log.WithError(err).WithField("error_id", rec.ID).WithField("call_id", rec.CallID).Warn("resume failed")
				return nil
			}
			resumed[i] = res != nil
			return nil
		})
	}
	_ = g.Wait()
	n := 0
	for _, ok := range resumed {
		if ok {
			n++
		}
	}
	return n, nil
}
