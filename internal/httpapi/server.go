// Package httpapi exposes calls, processing and review over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"voice-jobs-go/internal/failure"
	"voice-jobs-go/internal/feedback"
	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/pipeline"
	"voice-jobs-go/internal/store"
	"voice-jobs-go/internal/types"
)

type Store interface {
	Ping(ctx context.Context) error
	CreateCall(ctx context.Context, c *types.CallRecord) error
	GetCall(ctx context.Context, id string) (*types.CallRecord, error)
	ListCalls(ctx context.Context, f store.CallFilter) ([]*types.CallRecord, error)
	GetAppointmentByCall(ctx context.Context, callID string) (*types.ExtractedAppointment, error)
	GetJobByExtraction(ctx context.Context, extractionID string) (*types.Job, error)
	ListProcessingErrors(ctx context.Context, callID string) ([]*failure.Record, error)
	ListFeedback(ctx context.Context, f store.FeedbackFilter) ([]*types.FeedbackRecord, error)
}

type Processor interface {
	ProcessCall(ctx context.Context, callID string) (*pipeline.Result, error)
	Cancel(ctx context.Context, callID string) error
}

type Reviews interface {
	SubmitFeedback(ctx context.Context, p feedback.Params) (*types.FeedbackRecord, error)
	CreateManualOverride(ctx context.Context, callID string, ov feedback.Override, reason string) (string, error)
	PendingImprovements(ctx context.Context, limit int) ([]*types.ModelImprovement, error)
	MarkProcessed(ctx context.Context, id string) (bool, error)
}

type Deps struct {
	Store    Store
	Pipeline Processor
	Feedback Reviews
	Log      *logger.Logger

	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// DefaultTenant is used by imports that name no tenant.
	DefaultTenant string
}

type Server struct {
	store         Store
	pipeline      Processor
	feedback      Reviews
	metrics       http.Handler
	log           *logger.Logger
	defaultTenant string

	// Background runs started with ?async=1 outlive their request but not Close.
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		store:         d.Store,
		pipeline:      d.Pipeline,
		feedback:      d.Feedback,
		metrics:       d.Metrics,
		log:           d.Log.Component("http"),
		defaultTenant: d.DefaultTenant,
		baseCtx:       ctx,
		stop:          stop,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("POST /api/calls", s.createCall)
	mux.HandleFunc("GET /api/calls", s.listCalls)
	mux.HandleFunc("POST /api/calls/import", s.importCalls)
	mux.HandleFunc("GET /api/calls/{id}", s.getCall)
	mux.HandleFunc("POST /api/calls/{id}/process", s.processCall)
	mux.HandleFunc("POST /api/calls/{id}/cancel", s.cancelCall)
	mux.HandleFunc("POST /api/calls/{id}/feedback", s.submitFeedback)
	mux.HandleFunc("GET /api/calls/{id}/feedback", s.listCallFeedback)
	mux.HandleFunc("POST /api/calls/{id}/override", s.override)
	mux.HandleFunc("GET /api/calls/{id}/errors", s.listErrors)

	mux.HandleFunc("GET /api/feedback/summary", s.feedbackSummary)
	mux.HandleFunc("GET /api/model-improvements", s.listImprovements)
	mux.HandleFunc("POST /api/model-improvements/{id}/processed", s.markImprovement)
	return s.withRequestLog(mux)
}

// Close cancels background runs and waits for them to record their outcome.
func (s *Server) Close(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("X-Request-ID", logger.RequestID(r))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		entry := s.log.WithRequest(r).WithField("status", rec.status).WithField("duration_ms", time.Since(start).Milliseconds())
		if rec.status >= 500 {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, feedback.ErrNotFound), errors.Is(err, errNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, feedback.ErrInvalidFeedback), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrCancelled):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.WithRequest(r).WithField("error", err.Error()).Error("handler error")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
