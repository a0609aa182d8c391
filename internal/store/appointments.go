package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"voice-jobs-go/internal/types"
)

const appointmentColumns = "id, call_id, tenant_id, has_appointment, customer_name, customer_phone, customer_email, service_type, job_description, urgency, preferred_date, preferred_time, time_flexibility, service_address, address_confidence, quoted_price, budget_mentioned, notes, confidence_score, model_confidence, has_issues, issues_json, multiple_appointments, sub_appointments_json, customer_id, raw_model_output, is_manual_override, override_reason, feedback_count, created_at, updated_at"

func scanAppointment(row scanner) (*types.ExtractedAppointment, error) {
	var (
		a                                               types.ExtractedAppointment
		hasAppt, hasIssues, multiple, override          int
		name, phone, email, service, desc, urgency      sql.NullString
		date, tm, flex, address, notes, issues, subs    sql.NullString
		customerID, raw, reason, createdRaw, updatedRaw sql.NullString
		quoted, budget                                  sql.NullFloat64
	)
	if err := row.Scan(
		&a.ID, &a.CallID, &a.TenantID, &hasAppt,
		&name, &phone, &email, &service, &desc, &urgency, &date, &tm, &flex, &address,
		&a.AddressConfidence, &quoted, &budget, &notes,
		&a.ConfidenceScore, &a.ModelConfidence, &hasIssues, &issues, &multiple, &subs,
		&customerID, &raw, &override, &reason, &a.FeedbackCount, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	a.HasAppointment = hasAppt != 0
	a.CustomerName = name.String
	a.CustomerPhone = phone.String
	a.CustomerEmail = email.String
	a.ServiceType = service.String
	a.JobDescription = desc.String
	a.Urgency = types.Urgency(urgency.String)
	a.PreferredDate = date.String
	a.PreferredTime = tm.String
	a.TimeFlexibility = types.Flexibility(flex.String)
	a.ServiceAddress = address.String
	a.QuotedPrice = floatPtr(quoted)
	a.BudgetMentioned = floatPtr(budget)
	a.Notes = notes.String
	a.HasIssues = hasIssues != 0
	decodeJSON(issues, &a.Issues)
	a.MultipleAppointments = multiple != 0
	decodeJSON(subs, &a.SubAppointments)
	a.CustomerID = customerID.String
	a.RawModelOutput = raw.String
	a.IsManualOverride = override != 0
	a.OverrideReason = reason.String
	a.CreatedAt = parseTime(createdRaw)
	a.UpdatedAt = parseTime(updatedRaw)
	return &a, nil
}

func appointmentArgs(a *types.ExtractedAppointment) ([]any, error) {
	issues, err := nullableJSON(a.Issues)
	if err != nil {
		return nil, fmt.Errorf("encode issues: %w", err)
	}
	var subs any
	if len(a.SubAppointments) > 0 {
		if subs, err = nullableJSON(a.SubAppointments); err != nil {
			return nil, fmt.Errorf("encode sub appointments: %w", err)
		}
	}
	return []any{
		boolToInt(a.HasAppointment),
		nullableString(a.CustomerName), nullableString(a.CustomerPhone), nullableString(a.CustomerEmail),
		nullableString(a.ServiceType), nullableString(a.JobDescription), nullableString(string(a.Urgency)),
		nullableString(a.PreferredDate), nullableString(a.PreferredTime), nullableString(string(a.TimeFlexibility)),
		nullableString(a.ServiceAddress), a.AddressConfidence,
		nullableFloat(a.QuotedPrice), nullableFloat(a.BudgetMentioned), nullableString(a.Notes),
		a.ConfidenceScore, a.ModelConfidence, boolToInt(a.HasIssues), issues,
		boolToInt(a.MultipleAppointments), subs,
		nullableString(a.CustomerID), nullableString(a.RawModelOutput),
		boolToInt(a.IsManualOverride), nullableString(a.OverrideReason), a.FeedbackCount,
	}, nil
}

// UpsertAppointment stores the single extraction of a call. A later write for
// the same call replaces the fields but keeps the original id and creation time.
// A reviewer's manual override is only replaced by another override; when a
// model extraction loses to one, a is overwritten with the stored override.
func (s *Store) UpsertAppointment(ctx context.Context, a *types.ExtractedAppointment) error {
	if a == nil || a.CallID == "" {
		return errors.New("appointment with call id required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	args, err := appointmentArgs(a)
	if err != nil {
		return err
	}
	ts := s.timestamp()
	all := append([]any{a.ID, a.CallID, a.TenantID}, args...)
	all = append(all, ts, ts)
	_, err = s.execWithRetry(ctx,
		`INSERT INTO extracted_appointments (`+appointmentColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(call_id) DO UPDATE SET
             tenant_id = excluded.tenant_id,
             has_appointment = excluded.has_appointment,
             customer_name = excluded.customer_name,
             customer_phone = excluded.customer_phone,
             customer_email = excluded.customer_email,
             service_type = excluded.service_type,
             job_description = excluded.job_description,
             urgency = excluded.urgency,
             preferred_date = excluded.preferred_date,
             preferred_time = excluded.preferred_time,
             time_flexibility = excluded.time_flexibility,
             service_address = excluded.service_address,
             address_confidence = excluded.address_confidence,
             quoted_price = excluded.quoted_price,
             budget_mentioned = excluded.budget_mentioned,
             notes = excluded.notes,
             confidence_score = excluded.confidence_score,
             model_confidence = excluded.model_confidence,
             has_issues = excluded.has_issues,
             issues_json = excluded.issues_json,
             multiple_appointments = excluded.multiple_appointments,
             sub_appointments_json = excluded.sub_appointments_json,
             customer_id = excluded.customer_id,
             raw_model_output = excluded.raw_model_output,
             is_manual_override = excluded.is_manual_override,
             override_reason = excluded.override_reason,
             feedback_count = excluded.feedback_count,
             updated_at = excluded.updated_at
         WHERE extracted_appointments.is_manual_override = 0 OR excluded.is_manual_override = 1`,
		all...,
	)
	if err != nil {
		return fmt.Errorf("upsert appointment: %w", err)
	}

	stored, err := s.GetAppointmentByCall(ctx, a.CallID)
	if err != nil {
		return err
	}
	if stored != nil && stored.IsManualOverride && !a.IsManualOverride {
		*a = *stored
		return nil
	}
	if stored != nil {
		a.ID = stored.ID
		a.CreatedAt = stored.CreatedAt
		a.UpdatedAt = stored.UpdatedAt
	}
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, id string) (*types.ExtractedAppointment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM extracted_appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *Store) GetAppointmentByCall(ctx context.Context, callID string) (*types.ExtractedAppointment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM extracted_appointments WHERE call_id = ?`, callID)
	a, err := scanAppointment(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment by call: %w", err)
	}
	return a, nil
}

// LinkCustomer records the resolved customer of an extraction.
func (s *Store) LinkCustomer(ctx context.Context, appointmentID, customerID string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE extracted_appointments SET customer_id = ?, updated_at = ? WHERE id = ?`,
		nullableString(customerID), s.timestamp(), appointmentID,
	)
	if err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

func insertAppointmentTx(ctx context.Context, tx *sql.Tx, a *types.ExtractedAppointment, ts string) error {
	args, err := appointmentArgs(a)
	if err != nil {
		return err
	}
	a.ID = uuid.NewString()
	all := append([]any{a.ID, a.CallID, a.TenantID}, args...)
	all = append(all, ts, ts)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO extracted_appointments (`+appointmentColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		all...,
	); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func updateAppointmentTx(ctx context.Context, tx *sql.Tx, a *types.ExtractedAppointment, ts string) error {
	args, err := appointmentArgs(a)
	if err != nil {
		return err
	}
	args = append(args, ts, a.ID)
	res, err := tx.ExecContext(ctx,
		`UPDATE extracted_appointments
         SET has_appointment = ?, customer_name = ?, customer_phone = ?, customer_email = ?,
             service_type = ?, job_description = ?, urgency = ?, preferred_date = ?,
             preferred_time = ?, time_flexibility = ?, service_address = ?, address_confidence = ?,
             quoted_price = ?, budget_mentioned = ?, notes = ?, confidence_score = ?,
             model_confidence = ?, has_issues = ?, issues_json = ?, multiple_appointments = ?,
             sub_appointments_json = ?, customer_id = ?, raw_model_output = ?,
             is_manual_override = ?, override_reason = ?, feedback_count = ?, updated_at = ?
         WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("update appointment %s: not found", a.ID)
	}
	return nil
}
