package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"voice-jobs-go/internal/types"
)

const jobColumns = "id, tenant_id, call_id, extraction_id, customer_id, service_type, description, urgency, scheduled_date, scheduled_time, address, quoted_price, status, created_at"

func scanJob(row scanner) (*types.Job, error) {
	var (
		j                                                  types.Job
		customerID, service, desc, urgency, date, tm, addr sql.NullString
		createdRaw                                         sql.NullString
		quoted                                             sql.NullFloat64
	)
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.CallID, &j.ExtractionID, &customerID, &service, &desc, &urgency,
		&date, &tm, &addr, &quoted, &j.Status, &createdRaw,
	); err != nil {
		return nil, err
	}
	j.CustomerID = customerID.String
	j.ServiceType = service.String
	j.Description = desc.String
	j.Urgency = types.Urgency(urgency.String)
	j.ScheduledDate = date.String
	j.ScheduledTime = tm.String
	j.Address = addr.String
	j.QuotedPrice = floatPtr(quoted)
	j.CreatedAt = parseTime(createdRaw)
	return &j, nil
}

// CreateJob inserts a job unless one already exists for the extraction. It
// returns the stored job and whether this call created it.
func (s *Store) CreateJob(ctx context.Context, j *types.Job) (*types.Job, bool, error) {
	if j == nil || j.ExtractionID == "" {
		return nil, false, errors.New("job with extraction id required")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = types.JobStatusScheduled
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(extraction_id) DO NOTHING`,
		j.ID, j.TenantID, j.CallID, j.ExtractionID, nullableString(j.CustomerID),
		nullableString(j.ServiceType), nullableString(j.Description), nullableString(string(j.Urgency)),
		nullableString(j.ScheduledDate), nullableString(j.ScheduledTime), nullableString(j.Address),
		nullableFloat(j.QuotedPrice), j.Status, s.timestamp(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert job rows: %w", err)
	}
	stored, err := s.GetJobByExtraction(ctx, j.ExtractionID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("job for extraction %s missing after insert", j.ExtractionID)
	}
	return stored, n == 1, nil
}

func (s *Store) GetJobByExtraction(ctx context.Context, extractionID string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE extraction_id = ?`, extractionID)
	j, err := scanJob(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs newest first; an empty tenant lists all tenants.
func (s *Store) ListJobs(ctx context.Context, tenantID string, limit int) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
