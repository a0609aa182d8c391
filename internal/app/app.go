// Package app assembles stores, sinks and the pipeline from configuration.
// Both binaries build through it so they process calls identically.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"voice-jobs-go/internal/completion"
	"voice-jobs-go/internal/config"
	"voice-jobs-go/internal/dedup"
	"voice-jobs-go/internal/extractor"
	"voice-jobs-go/internal/failure"
	"voice-jobs-go/internal/feedback"
	"voice-jobs-go/internal/gate"
	"voice-jobs-go/internal/lock"
	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
	"voice-jobs-go/internal/notify"
	"voice-jobs-go/internal/pipeline"
	"voice-jobs-go/internal/store"
	"voice-jobs-go/internal/transcription"
)

// schedulerBatch caps how many due retries one scheduler pass picks up.
const schedulerBatch = 100

type App struct {
	Config    *config.Config
	Log       *logger.Logger
	Store     *store.Store
	Pipeline  *pipeline.Orchestrator
	Scheduler *pipeline.Scheduler
	Feedback  *feedback.Service
	Bus       *notify.Bus

	// Remote is the Redis event channel; nil when Redis is not configured.
	Remote *notify.RedisPublisher

	redis goredis.UniversalClient
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config) *logger.Logger {
	return logger.NewWithOptions(logger.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Environment: cfg.Environment,
	})
}

func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if log == nil {
		log = NewLogger(cfg)
	}
	metrics.Init()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Store: st, Bus: notify.NewBus()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	base := notify.Multi{notify.NewLogSink(log), a.Bus}
	var locker lock.Locker
	if cfg.Redis.Enabled() {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.redis = rdb
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		rl, err := lock.NewRedis(rdb, cfg.Redis.LockTTL, log)
		if err != nil {
			return err
		}
		locker = rl
		if a.Remote, err = notify.NewRedisPublisher(rdb, cfg.Redis.Channel); err != nil {
			return err
		}
		base = append(base, a.Remote)
		log.WithField("addr", cfg.Redis.Addr).Info("redis lock and event channel enabled")
	}

	eventSinks := append(notify.Multi{}, base...)
	if url := cfg.Notify.EventWebhookURL; url != "" {
		eventSinks = append(eventSinks, notify.NewWebhook(url, nil))
	}
	operatorSinks := append(notify.Multi{}, base...)
	if url := cfg.Notify.OperatorWebhookURL; url != "" {
		operatorSinks = append(operatorSinks, notify.NewWebhook(url, nil))
	}
	events := notify.NewDispatcher(eventSinks, cfg.Pipeline.NotifyTimeout, log)
	operator := notify.NewDispatcher(operatorSinks, cfg.Pipeline.NotifyTimeout, log)

	coord := failure.NewCoordinator(a.Store,
		failure.NewPolicies(cfg.Retry.MaxRetries),
		failure.Backoff{
			Base:       cfg.Retry.BaseDelay,
			Multiplier: cfg.Retry.ExponentialBase,
			Max:        cfg.Retry.MaxDelay,
			Jitter:     cfg.Retry.Jitter,
		},
		log,
		failure.WithAudit(events),
		failure.WithOperator(operator),
	)

	completer, err := newCompleter(cfg.LLM, log)
	if err != nil {
		return err
	}
	fetcher, err := newFetcher(cfg.Transcription, log)
	if err != nil {
		return err
	}

	seed := cfg.LLM.Seed
	engine := extractor.New(completer, extractor.Config{
		MinTranscriptLength: cfg.Pipeline.MinTranscriptLength,
		IssuePenalty:        cfg.Pipeline.IssuePenalty,
		ConfidenceFloor:     cfg.Pipeline.ConfidenceFloor,
		Temperature:         cfg.LLM.Temperature,
		Seed:                &seed,
	}, log)
	resolver := dedup.NewResolver(a.Store, locker, dedup.Config{
		FuzzyThreshold: cfg.Dedup.FuzzyThreshold,
		NotesSeparator: cfg.Dedup.NotesSeparator,
	}, log)

	weights, err := feedback.WeightsFromConfig(cfg.Feedback)
	if err != nil {
		return err
	}
	a.Feedback = feedback.NewService(a.Store, weights, log)

	a.Pipeline, err = pipeline.New(pipeline.Deps{
		Store:       a.Store,
		Extractor:   engine,
		Customers:   resolver,
		Transcripts: transcription.NewSource(fetcher, log),
		Gate:        gate.New(cfg.Pipeline.AutoCreateThreshold),
		Coordinator: coord,
		Events:      events,
		Log:         log,
	}, pipeline.Config{
		StageTimeout:       cfg.Pipeline.StageTimeout,
		MinUsableRecording: cfg.Pipeline.MinUsableRecording,
		Workers:            cfg.Pipeline.Workers,
	})
	if err != nil {
		return err
	}
	a.Scheduler = pipeline.NewScheduler(a.Pipeline, cfg.Pipeline.SchedulerInterval, schedulerBatch)
	return nil
}

func newCompleter(cfg config.LLMConfig, log *logger.Logger) (completion.Completer, error) {
	if cfg.UseMock {
		log.Warn("llm.use_mock set; extracting with the local heuristic")
		return extractor.HeuristicCompleter{}, nil
	}
	c, err := completion.NewOpenAI(completion.OpenAIConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w (set llm.use_mock for local runs)", err)
	}
	return c, nil
}

// newFetcher returns nil when no transcription service is configured; calls
// then run on their inline transcript only.
func newFetcher(cfg config.TranscriptionConfig, log *logger.Logger) (transcription.Fetcher, error) {
	switch {
	case cfg.UseMock:
		log.Warn("transcription.use_mock set; recordings resolve to the canned transcript")
		return transcription.Mock{}, nil
	case cfg.BaseURL == "":
		log.Info("no transcription service configured; recordings will not be fetched")
		return nil, nil
	}
	c, err := transcription.NewClient(transcription.ClientConfig{
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.Timeout,
		PollInterval: cfg.PollInterval,
		PollAttempts: cfg.PollAttempts,
	}, log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
