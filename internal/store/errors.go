package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voice-jobs-go/internal/failure"
)

const errorColumns = "id, call_id, kind, severity, stage, message, details_json, retry_count, max_retries, next_retry_at, resolved_at, terminal, created_at, updated_at"

var _ failure.Store = (*Store)(nil)

func scanProcessingError(row scanner) (*failure.Record, error) {
	var (
		r                                            failure.Record
		kind, severity                               string
		stage, message, details                      sql.NullString
		nextRaw, resolvedRaw, createdRaw, updatedRaw sql.NullString
		terminal                                     int
	)
	if err := row.Scan(
		&r.ID, &r.CallID, &kind, &severity, &stage, &message, &details,
		&r.RetryCount, &r.MaxRetries, &nextRaw, &resolvedRaw, &terminal, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	r.Kind = failure.Kind(kind)
	r.Severity = failure.Severity(severity)
	r.Stage = stage.String
	r.Message = message.String
	decodeJSON(details, &r.Details)
	r.NextRetryAt = parseTimePtr(nextRaw)
	r.ResolvedAt = parseTimePtr(resolvedRaw)
	r.Terminal = terminal != 0
	r.CreatedAt = parseTime(createdRaw)
	r.UpdatedAt = parseTime(updatedRaw)
	return &r, nil
}

func (s *Store) InsertProcessingError(ctx context.Context, r *failure.Record) error {
	if r == nil || r.CallID == "" {
		return errors.New("processing error with call id required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	details, err := nullableJSON(r.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = s.execWithRetry(ctx,
		`INSERT INTO processing_errors (`+errorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CallID, r.Kind, r.Severity, nullableString(r.Stage), nullableString(r.Message), details,
		r.RetryCount, r.MaxRetries, nullableTime(r.NextRetryAt), nullableTime(r.ResolvedAt),
		boolToInt(r.Terminal), nullableTime(&r.CreatedAt), nullableTime(&r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert processing error: %w", err)
	}
	return nil
}

func (s *Store) UpdateProcessingError(ctx context.Context, r *failure.Record) error {
	if r == nil {
		return errors.New("processing error is nil")
	}
	details, err := nullableJSON(r.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	_, err = s.execWithRetry(ctx,
		`UPDATE processing_errors
         SET severity = ?, stage = ?, message = ?, details_json = ?, retry_count = ?, max_retries = ?,
             next_retry_at = ?, resolved_at = ?, terminal = ?, updated_at = ?
         WHERE id = ?`,
		r.Severity, nullableString(r.Stage), nullableString(r.Message), details, r.RetryCount, r.MaxRetries,
		nullableTime(r.NextRetryAt), nullableTime(r.ResolvedAt), boolToInt(r.Terminal), nullableTime(&updated),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update processing error: %w", err)
	}
	return nil
}

func (s *Store) GetProcessingError(ctx context.Context, id string) (*failure.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+errorColumns+` FROM processing_errors WHERE id = ?`, id)
	r, err := scanProcessingError(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get processing error: %w", err)
	}
	return r, nil
}

func (s *Store) OpenProcessingError(ctx context.Context, callID string, kind failure.Kind) (*failure.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+errorColumns+` FROM processing_errors
         WHERE call_id = ? AND kind = ? AND resolved_at IS NULL AND terminal = 0
         ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		callID, kind,
	)
	r, err := scanProcessingError(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open processing error: %w", err)
	}
	return r, nil
}

func (s *Store) queryProcessingErrors(ctx context.Context, what, query string, args ...any) ([]*failure.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()
	var out []*failure.Record
	for rows.Next() {
		r, err := scanProcessingError(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processing error: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListProcessingErrors returns the error history of a call, oldest first.
func (s *Store) ListProcessingErrors(ctx context.Context, callID string) ([]*failure.Record, error) {
	return s.queryProcessingErrors(ctx, "list processing errors",
		`SELECT `+errorColumns+` FROM processing_errors WHERE call_id = ? ORDER BY created_at, rowid`, callID)
}

// OpenProcessingErrors returns every open record of a call.
func (s *Store) OpenProcessingErrors(ctx context.Context, callID string) ([]*failure.Record, error) {
	return s.queryProcessingErrors(ctx, "open processing errors",
		`SELECT `+errorColumns+` FROM processing_errors
         WHERE call_id = ? AND resolved_at IS NULL AND terminal = 0
         ORDER BY created_at, rowid`, callID)
}

// DueProcessingErrors returns open records whose scheduled retry is at or before now.
func (s *Store) DueProcessingErrors(ctx context.Context, now time.Time, limit int) ([]*failure.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryProcessingErrors(ctx, "due processing errors",
		`SELECT `+errorColumns+` FROM processing_errors
         WHERE next_retry_at IS NOT NULL AND next_retry_at <= ? AND resolved_at IS NULL AND terminal = 0
         ORDER BY next_retry_at, rowid LIMIT ?`,
		now.UTC().Format(timeLayout), limit)
}

// CountOpenProcessingErrors feeds the dashboard summary.
func (s *Store) CountOpenProcessingErrors(ctx context.Context) (map[failure.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(1) FROM processing_errors WHERE resolved_at IS NULL AND terminal = 0 GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count processing errors: %w", err)
	}
	defer rows.Close()
	out := map[failure.Kind]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan processing error count: %w", err)
		}
		out[failure.Kind(kind)] = n
	}
	return out, rows.Err()
}
