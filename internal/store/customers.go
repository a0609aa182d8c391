package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"voice-jobs-go/internal/types"
)

const customerColumns = "id, tenant_id, name, phone, email, address, tags_json, notes, total_jobs, total_spend, last_contact_at, created_at, updated_at"

func scanCustomer(row scanner) (*types.Customer, error) {
	var (
		c                                        types.Customer
		name, phone, email, address, tags, notes sql.NullString
		lastContactRaw, createdRaw, updatedRaw   sql.NullString
	)
	if err := row.Scan(
		&c.ID, &c.TenantID, &name, &phone, &email, &address, &tags, &notes,
		&c.TotalJobs, &c.TotalSpend, &lastContactRaw, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	c.Name = name.String
	c.Phone = phone.String
	c.Email = email.String
	c.Address = address.String
	decodeJSON(tags, &c.Tags)
	c.Notes = notes.String
	c.LastContactAt = parseTime(lastContactRaw)
	c.CreatedAt = parseTime(createdRaw)
	c.UpdatedAt = parseTime(updatedRaw)
	return &c, nil
}

func (s *Store) queryCustomer(ctx context.Context, what, where string, args ...any) (*types.Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE `+where+` LIMIT 1`, args...)
	c, err := scanCustomer(row)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return c, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*types.Customer, error) {
	return s.queryCustomer(ctx, "get customer", "id = ?", id)
}

// CustomerByPhone expects an already normalized phone.
func (s *Store) CustomerByPhone(ctx context.Context, tenantID, phone string) (*types.Customer, error) {
	if phone == "" {
		return nil, nil
	}
	return s.queryCustomer(ctx, "customer by phone", "tenant_id = ? AND phone = ?", tenantID, phone)
}

// CustomerByEmail expects an already lowercased email.
func (s *Store) CustomerByEmail(ctx context.Context, tenantID, email string) (*types.Customer, error) {
	if email == "" {
		return nil, nil
	}
	return s.queryCustomer(ctx, "customer by email", "tenant_id = ? AND email = ?", tenantID, email)
}

// ListCustomers returns every customer of the tenant, oldest first.
func (s *Store) ListCustomers(ctx context.Context, tenantID string) ([]*types.Customer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = ? ORDER BY created_at, rowid`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()
	var out []*types.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCustomer reports false, without error, when the tenant already has a
// customer with the same phone or email.
func (s *Store) InsertCustomer(ctx context.Context, c *types.Customer) (bool, error) {
	if c == nil {
		return false, errors.New("customer is nil")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tags, err := nullableJSON(c.Tags)
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}
	ts := s.timestamp()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO customers (`+customerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT DO NOTHING`,
		c.ID, c.TenantID, nullableString(c.Name), nullableString(c.Phone), nullableString(c.Email),
		nullableString(c.Address), tags, nullableString(c.Notes), c.TotalJobs, c.TotalSpend,
		nullableTime(&c.LastContactAt), nullableTime(&c.CreatedAt), ts,
	)
	if err != nil {
		return false, fmt.Errorf("insert customer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert customer rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, c *types.Customer) error {
	if c == nil {
		return errors.New("customer is nil")
	}
	tags, err := nullableJSON(c.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.execWithRetry(ctx,
		`UPDATE customers
         SET name = ?, phone = ?, email = ?, address = ?, tags_json = ?, notes = ?,
             last_contact_at = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(c.Name), nullableString(c.Phone), nullableString(c.Email), nullableString(c.Address),
		tags, nullableString(c.Notes), nullableTime(&c.LastContactAt), s.timestamp(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	return nil
}

// RecordCustomerJob bumps the customer's job count and spend.
func (s *Store) RecordCustomerJob(ctx context.Context, customerID string, spend float64) error {
	if customerID == "" {
		return nil
	}
	_, err := s.execWithRetry(ctx,
		`UPDATE customers SET total_jobs = total_jobs + 1, total_spend = total_spend + ?, updated_at = ? WHERE id = ?`,
		spend, s.timestamp(), customerID,
	)
	if err != nil {
		return fmt.Errorf("record customer job: %w", err)
	}
	return nil
}
