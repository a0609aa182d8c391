package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voice-jobs-go/internal/actionable"
	"voice-jobs-go/internal/aggregator"
	"voice-jobs-go/internal/dataset"
	"voice-jobs-go/internal/failure"
	"voice-jobs-go/internal/feedback"
	"voice-jobs-go/internal/store"
	"voice-jobs-go/internal/types"
)

var (
	errNotFound   = errors.New("not found")
	errBadRequest = errors.New("bad request")
)

const maxImportBytes = 32 << 20

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

type createCallRequest struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	CallerPhone      string `json:"caller_phone"`
	Transcript       string `json:"transcript"`
	TranscriptRef    string `json:"transcript_ref"`
	RecordingURL     string `json:"recording_url"`
	RecordingSeconds int    `json:"recording_seconds"`
	Dropped          bool   `json:"dropped"`
}

func (s *Server) createCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: tenant_id required", errBadRequest))
		return
	}
	if req.Transcript == "" && req.RecordingURL == "" {
		s.writeError(w, r, fmt.Errorf("%w: transcript or recording_url required", errBadRequest))
		return
	}
	if req.RecordingSeconds < 0 {
		s.writeError(w, r, fmt.Errorf("%w: recording_seconds must not be negative", errBadRequest))
		return
	}
	c := &types.CallRecord{
		ID:               req.ID,
		TenantID:         req.TenantID,
		CallerPhone:      req.CallerPhone,
		Transcript:       req.Transcript,
		TranscriptRef:    req.TranscriptRef,
		RecordingURL:     req.RecordingURL,
		RecordingSeconds: req.RecordingSeconds,
		Dropped:          req.Dropped,
	}
	if err := s.store.CreateCall(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.WithRequest(r).WithField("call_id", c.ID).WithField("tenant_id", c.TenantID).Info("call created")
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := store.CallFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		Status:   types.CallStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Limit:    limit,
	}
	calls, err := s.store.ListCalls(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if calls == nil {
		calls = []*types.CallRecord{}
	}
	writeJSON(w, http.StatusOK, calls)
}

type callView struct {
	Call       *types.CallRecord           `json:"call"`
	Extraction *types.ExtractedAppointment `json:"extraction,omitempty"`
	Job        *types.Job                  `json:"job,omitempty"`
}

func (s *Server) loadCall(ctx context.Context, id string) (*types.CallRecord, error) {
	c, err := s.store.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: call %s", errNotFound, id)
	}
	return c, nil
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := callView{Call: c}
	if view.Extraction, err = s.store.GetAppointmentByCall(r.Context(), c.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if view.Extraction != nil {
		if view.Job, err = s.store.GetJobByExtraction(r.Context(), view.Extraction.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) processCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if queryBool(r, "async") {
		if _, err := s.loadCall(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.pipeline.ProcessCall(s.baseCtx, id); err != nil {
				s.log.WithError(err).WithField("call_id", id).Warn("background processing failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"call_id": id, "status": "accepted"})
		return
	}

	res, err := s.pipeline.ProcessCall(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"call_id": id, "status": "cancelled"})
}

// feedbackRequest accepts the rating as a number or a name ("poor").
type feedbackRequest struct {
	Type           string          `json:"type"`
	Rating         json.RawMessage `json:"rating"`
	CorrectedValue *string         `json:"corrected_value"`
	Comment        string          `json:"comment"`
	SubmittedBy    string          `json:"submitted_by"`
}

func parseRating(raw json.RawMessage) (types.Rating, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: rating required", feedback.ErrInvalidFeedback)
	}
	switch t := v.(type) {
	case float64:
		r := types.Rating(int(t))
		if float64(r) != t || !r.Valid() {
			return 0, fmt.Errorf("%w: rating %v out of range", feedback.ErrInvalidFeedback, t)
		}
		return r, nil
	case string:
		r, err := types.ParseRating(t)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", feedback.ErrInvalidFeedback, err)
		}
		return r, nil
	}
	return 0, fmt.Errorf("%w: rating must be a number or a name", feedback.ErrInvalidFeedback)
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	typ, err := types.ParseFeedbackType(req.Type)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", feedback.ErrInvalidFeedback, err))
		return
	}
	rating, err := parseRating(req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.feedback.SubmitFeedback(r.Context(), feedback.Params{
		CallID:         r.PathValue("id"),
		Type:           typ,
		Rating:         rating,
		CorrectedValue: req.CorrectedValue,
		Comment:        req.Comment,
		SubmittedBy:    req.SubmittedBy,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listCallFeedback(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.store.ListFeedback(r.Context(), store.FeedbackFilter{CallID: c.ID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*types.FeedbackRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type overrideRequest struct {
	feedback.Override
	Reason string `json:"reason"`
	// Reprocess carries the override through to customer and job right away.
	Reprocess bool `json:"reprocess"`
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	extractionID, err := s.feedback.CreateManualOverride(r.Context(), id, req.Override, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"call_id": id, "extraction_id": extractionID}
	if req.Reprocess {
		res, err := s.pipeline.ProcessCall(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out["result"] = res
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	c, err := s.loadCall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.store.ListProcessingErrors(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*failure.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type summaryView struct {
	Summary aggregator.Summary    `json:"summary"`
	Action  actionable.ActionCard `json:"action"`
}

func (s *Server) feedbackSummary(w http.ResponseWriter, r *http.Request) {
	f := store.FeedbackFilter{TenantID: r.URL.Query().Get("tenant_id")}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: since must be RFC3339", errBadRequest))
			return
		}
		f.Since = since
	}
	recs, err := s.store.ListFeedback(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum := aggregator.Aggregate(recs)
	writeJSON(w, http.StatusOK, summaryView{Summary: sum, Action: actionable.Generate(sum)})
}

func (s *Server) listImprovements(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.feedback.PendingImprovements(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*types.ModelImprovement{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) markImprovement(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.feedback.MarkProcessed(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: model improvement %s is unknown or already processed", errNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "processed"})
}

// importCalls takes an xlsx body and creates one call per usable row.
func (s *Server) importCalls(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		tenant = s.defaultTenant
	}
	calls, rep, err := dataset.LoadReader(http.MaxBytesReader(w, r.Body, maxImportBytes), dataset.Options{
		Sheet:    r.URL.Query().Get("sheet"),
		TenantID: tenant,
	})
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, err := dataset.Import(r.Context(), s.store, calls, 4, s.log)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep, "import": res})
}
