package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voice-jobs-go/internal/types"
)

const feedbackColumns = "id, call_id, extraction_id, type, original_value, corrected_value, rating, confidence_delta, confidence_before, confidence_after, is_manual_override, is_model_improvement, comment, submitted_by, created_at"

const improvementColumns = "id, feedback_id, call_id, type, rating, original_value, corrected_value, raw_model_output, created_at, processed_at"

func scanFeedback(row scanner) (*types.FeedbackRecord, error) {
	var (
		f                                            types.FeedbackRecord
		typ                                          string
		rating, override, improvement                int
		original, corrected, comment, by, createdRaw sql.NullString
	)
	if err := row.Scan(
		&f.ID, &f.CallID, &f.ExtractionID, &typ, &original, &corrected, &rating,
		&f.ConfidenceDelta, &f.ConfidenceBefore, &f.ConfidenceAfter, &override, &improvement,
		&comment, &by, &createdRaw,
	); err != nil {
		return nil, err
	}
	f.Type = types.FeedbackType(typ)
	f.OriginalValue = original.String
	f.CorrectedValue = stringPtr(corrected)
	f.Rating = types.Rating(rating)
	f.IsManualOverride = override != 0
	f.IsModelImprovement = improvement != 0
	f.Comment = comment.String
	f.SubmittedBy = by.String
	f.CreatedAt = parseTime(createdRaw)
	return &f, nil
}

func scanImprovement(row scanner) (*types.ModelImprovement, error) {
	var (
		m                                                  types.ModelImprovement
		typ                                                string
		rating                                             int
		original, corrected, raw, createdRaw, processedRaw sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.FeedbackID, &m.CallID, &typ, &rating, &original, &corrected, &raw, &createdRaw, &processedRaw,
	); err != nil {
		return nil, err
	}
	m.Type = types.FeedbackType(typ)
	m.Rating = types.Rating(rating)
	m.OriginalValue = original.String
	m.CorrectedValue = corrected.String
	m.RawModelOutput = raw.String
	m.CreatedAt = parseTime(createdRaw)
	m.ProcessedAt = parseTimePtr(processedRaw)
	return &m, nil
}

// ApplyFeedback reads the call's extraction, hands it to edit and writes the
// returned change in the same immediate transaction, so reviewers of one call
// serialize. edit gets nil when the call has no extraction yet and must then
// return a new one. It may run more than once when SQLite is busy. An error
// from edit is returned as is and nothing is written.
func (s *Store) ApplyFeedback(ctx context.Context, callID string, edit func(a *types.ExtractedAppointment) (*types.FeedbackChange, error)) (*types.FeedbackChange, error) {
	var (
		change  *types.FeedbackChange
		editErr error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := s.timestamp()
		cur, err := scanAppointment(tx.QueryRowContext(ctx,
			`SELECT `+appointmentColumns+` FROM extracted_appointments WHERE call_id = ?`, callID))
		if noRows(err) {
			cur, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		ch, err := edit(cur)
		if err != nil {
			editErr = err
			return err
		}
		if ch == nil || ch.Appointment == nil || ch.Record == nil {
			return errors.New("appointment and feedback record required")
		}
		appt, rec := ch.Appointment, ch.Record
		if appt.ID == "" {
			if err := insertAppointmentTx(ctx, tx, appt, ts); err != nil {
				return err
			}
		} else if err := updateAppointmentTx(ctx, tx, appt, ts); err != nil {
			return err
		}

		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now().UTC()
		}
		rec.ExtractionID = appt.ID
		var corrected any
		if rec.CorrectedValue != nil {
			corrected = *rec.CorrectedValue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO feedback_records (`+feedbackColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.CallID, rec.ExtractionID, rec.Type, nullableString(rec.OriginalValue), corrected,
			int(rec.Rating), rec.ConfidenceDelta, rec.ConfidenceBefore, rec.ConfidenceAfter,
			boolToInt(rec.IsManualOverride), boolToInt(rec.IsModelImprovement),
			nullableString(rec.Comment), nullableString(rec.SubmittedBy), nullableTime(&rec.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
		change = ch
		imp := ch.Improvement
		if imp == nil {
			return nil
		}
		if imp.ID == "" {
			imp.ID = uuid.NewString()
		}
		imp.FeedbackID = rec.ID
		if imp.CreatedAt.IsZero() {
			imp.CreatedAt = rec.CreatedAt
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_improvement_queue (`+improvementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			imp.ID, imp.FeedbackID, imp.CallID, imp.Type, int(imp.Rating),
			nullableString(imp.OriginalValue), nullableString(imp.CorrectedValue), nullableString(imp.RawModelOutput),
			nullableTime(&imp.CreatedAt), nullableTime(imp.ProcessedAt),
		); err != nil {
			return fmt.Errorf("queue model improvement: %w", err)
		}
		return nil
	})
	if editErr != nil {
		return nil, editErr
	}
	if err != nil {
		return nil, fmt.Errorf("apply feedback: %w", err)
	}
	return change, nil
}

type FeedbackFilter struct {
	CallID   string
	TenantID string
	Since    time.Time
	Limit    int
}

// ListFeedback returns feedback records oldest first.
func (s *Store) ListFeedback(ctx context.Context, f FeedbackFilter) ([]*types.FeedbackRecord, error) {
	query := `SELECT ` + prefixed("f.", feedbackColumns) + ` FROM feedback_records f`
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		query += ` JOIN call_records c ON c.id = f.call_id`
		where = append(where, "c.tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.CallID != "" {
		where = append(where, "f.call_id = ?")
		args = append(args, f.CallID)
	}
	if !f.Since.IsZero() {
		where = append(where, "f.created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += ` ORDER BY f.created_at, f.rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	var out []*types.FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListModelImprovements returns queued signals oldest first.
func (s *Store) ListModelImprovements(ctx context.Context, pendingOnly bool, limit int) ([]*types.ModelImprovement, error) {
	query := `SELECT ` + improvementColumns + ` FROM model_improvement_queue`
	var args []any
	if pendingOnly {
		query += ` WHERE processed_at IS NULL`
	}
	query += ` ORDER BY created_at, rowid`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list model improvements: %w", err)
	}
	defer rows.Close()
	var out []*types.ModelImprovement
	for rows.Next() {
		m, err := scanImprovement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model improvement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkModelImprovementProcessed reports false when the item was already processed or is unknown.
func (s *Store) MarkModelImprovementProcessed(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE model_improvement_queue SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		s.timestamp(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark model improvement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark model improvement rows: %w", err)
	}
	return n == 1, nil
}
