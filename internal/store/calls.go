package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"voice-jobs-go/internal/types"
)

const callColumns = "id, tenant_id, caller_phone, transcript, transcript_ref, recording_url, recording_seconds, dropped, status, processing_notes, resume_count, created_at, updated_at, processed_at"

// ErrInvalidTransition is returned when a status change violates the call state machine.
var ErrInvalidTransition = errors.New("invalid call status transition")

func scanCall(row scanner) (*types.CallRecord, error) {
	var (
		c                                           types.CallRecord
		callerPhone, transcript, transcriptRef, url sql.NullString
		notes, createdRaw, updatedRaw, processedRaw sql.NullString
		status                                      string
		dropped                                     int
	)
	if err := row.Scan(
		&c.ID, &c.TenantID, &callerPhone, &transcript, &transcriptRef, &url,
		&c.RecordingSeconds, &dropped, &status, &notes, &c.ResumeCount,
		&createdRaw, &updatedRaw, &processedRaw,
	); err != nil {
		return nil, err
	}
	c.CallerPhone = callerPhone.String
	c.Transcript = transcript.String
	c.TranscriptRef = transcriptRef.String
	c.RecordingURL = url.String
	c.Dropped = dropped != 0
	c.Status = types.CallStatus(status)
	c.ProcessingNotes = notes.String
	c.CreatedAt = parseTime(createdRaw)
	c.UpdatedAt = parseTime(updatedRaw)
	c.ProcessedAt = parseTimePtr(processedRaw)
	return &c, nil
}

// CreateCall inserts a new call. Missing id and status default to a UUID and PENDING.
func (s *Store) CreateCall(ctx context.Context, c *types.CallRecord) error {
	if c == nil {
		return errors.New("call is nil")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant id required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = types.StatusPending
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	ts := s.timestamp()
	_, err := s.execWithRetry(ctx,
		`INSERT INTO call_records (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID,
		nullableString(c.CallerPhone), nullableString(c.Transcript), nullableString(c.TranscriptRef),
		nullableString(c.RecordingURL), c.RecordingSeconds, boolToInt(c.Dropped), c.Status,
		nullableString(c.ProcessingNotes), c.ResumeCount, ts, ts, nullableTime(c.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id string) (*types.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_records WHERE id = ?`, id)
	c, err := scanCall(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

type CallFilter struct {
	TenantID string
	Status   types.CallStatus
	Limit    int
}

// ListCalls returns calls newest first.
func (s *Store) ListCalls(ctx context.Context, f CallFilter) ([]*types.CallRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + callColumns + ` FROM call_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()
	var out []*types.CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCall moves a call from one status to another only if it is still
// in from. It reports false, without error, when another writer got there first.
func (s *Store) TransitionCall(ctx context.Context, id string, from, to types.CallStatus, note string) (bool, error) {
	if from != to && !types.CanTransition(from, to, 0) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	ts := s.timestamp()
	var processed any
	if to.Terminal() {
		processed = ts
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE call_records
         SET status = ?, updated_at = ?, processed_at = COALESCE(?, processed_at),
             processing_notes = CASE
                 WHEN ? IS NULL THEN processing_notes
                 WHEN processing_notes IS NULL OR processing_notes = '' THEN ?
                 ELSE processing_notes || char(10) || ?
             END
         WHERE id = ? AND status = ?`,
		to, ts, processed,
		nullableString(note), note, note,
		id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition call rows: %w", err)
	}
	return n == 1, nil
}

// ResumeCall claims the single resume an INTERRUPTED call is allowed.
func (s *Store) ResumeCall(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE call_records
         SET status = ?, resume_count = resume_count + 1, updated_at = ?
         WHERE id = ? AND status = ? AND resume_count = 0`,
		types.StatusProcessing, s.timestamp(), id, types.StatusInterrupted,
	)
	if err != nil {
		return false, fmt.Errorf("resume call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resume call rows: %w", err)
	}
	return n == 1, nil
}

// AppendCallNote adds a line to the call's processing notes.
func (s *Store) AppendCallNote(ctx context.Context, callID, note string) error {
	if strings.TrimSpace(note) == "" {
		return nil
	}
	_, err := s.execWithRetry(ctx,
		`UPDATE call_records
         SET processing_notes = CASE
                 WHEN processing_notes IS NULL OR processing_notes = '' THEN ?
                 ELSE processing_notes || char(10) || ?
             END,
             updated_at = ?
         WHERE id = ?`,
		note, note, s.timestamp(), callID,
	)
	if err != nil {
		return fmt.Errorf("append call note: %w", err)
	}
	return nil
}

// SetTranscript stores a transcript fetched after the call was created.
func (s *Store) SetTranscript(ctx context.Context, callID, transcript string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE call_records SET transcript = ?, updated_at = ? WHERE id = ?`,
		nullableString(transcript), s.timestamp(), callID,
	)
	if err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}
	return nil
}

// CountCallsByStatus feeds the dashboard summary.
func (s *Store) CountCallsByStatus(ctx context.Context, tenantID string) (map[types.CallStatus]int, error) {
	query := `SELECT status, COUNT(1) FROM call_records`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count calls: %w", err)
	}
	defer rows.Close()
	out := map[types.CallStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan call count: %w", err)
		}
		out[types.CallStatus(status)] = n
	}
	return out, rows.Err()
}
