// Package dedup links extracted customer references to existing customers.
//
// Matching is strictly ordered: exact normalized phone, then exact lowercase
// email, then the best fuzzy name match at or above the threshold. A matched
// customer is merged in place; otherwise a new customer is created. Work on a
// given identity is serialized through a lock.Locker and backed by unique
// indexes in the store, so concurrent calls from one number yield one row.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"voice-jobs-go/internal/lock"
	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
	"voice-jobs-go/internal/types"
)

// Confidence reported for each match kind; name matches report their similarity.
const (
	ConfidencePhone = 100
	ConfidenceEmail = 95
	ConfidenceNew   = 100
)

// ErrNoIdentity is returned for a candidate with no name, phone or email.
var ErrNoIdentity = errors.New("candidate has no name, phone or email")

// Store is the customer persistence the resolver needs.
type Store interface {
	CustomerByPhone(ctx context.Context, tenantID, phone string) (*types.Customer, error)
	CustomerByEmail(ctx context.Context, tenantID, email string) (*types.Customer, error)
	// ListCustomers returns the tenant's customers, oldest first.
	ListCustomers(ctx context.Context, tenantID string) ([]*types.Customer, error)
	// InsertCustomer reports false when a unique (tenant, phone) or
	// (tenant, email) row already exists.
	InsertCustomer(ctx context.Context, c *types.Customer) (bool, error)
	UpdateCustomer(ctx context.Context, c *types.Customer) error
}

// Candidate is the customer reference taken from an extraction.
type Candidate struct {
	Name    string
	Phone   string
	Email   string
	Address string
	Tags    []string
	Notes   string
}

func (c Candidate) normalized() Candidate {
	c.Name = CleanName(c.Name)
	c.Phone = NormalizePhone(c.Phone)
	c.Email = NormalizeEmail(c.Email)
	c.Address = strings.TrimSpace(c.Address)
	c.Notes = strings.TrimSpace(c.Notes)
	return c
}

// Match is the outcome of Resolve.
type Match struct {
	Customer   *types.Customer `json:"customer"`
	MatchedBy  types.MatchedBy `json:"matched_by"`
	Confidence int             `json:"confidence"`
	Created    bool            `json:"created"`
}

type Config struct {
	FuzzyThreshold int
	NotesSeparator string
}

func DefaultConfig() Config {
	return Config{FuzzyThreshold: 80, NotesSeparator: "\n---\n"}
}

type Resolver struct {
	store  Store
	locker lock.Locker
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

func NewResolver(store Store, locker lock.Locker, cfg Config, log *logger.Logger) *Resolver {
	def := DefaultConfig()
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = def.FuzzyThreshold
	}
	if cfg.NotesSeparator == "" {
		cfg.NotesSeparator = def.NotesSeparator
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{store: store, locker: locker, cfg: cfg, log: log.Component("dedup"), now: time.Now}
}

// Resolve finds or creates the tenant customer for cand.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, cand Candidate) (*Match, error) {
	cand = cand.normalized()
	key, ok := lockKey(tenantID, cand)
	if !ok {
		return nil, ErrNoIdentity
	}

	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock customer %s: %w", key, err)
	}
	defer unlock()

	// A second pass only happens when another process won the insert race
	// on a unique index; the winner is then found by phone or email.
	for attempt := 0; attempt < 2; attempt++ {
		m, err := r.match(ctx, tenantID, cand)
		if err != nil {
			return nil, err
		}
		if m != nil {
			r.merge(m.Customer, cand)
			if err := r.store.UpdateCustomer(ctx, m.Customer); err != nil {
				return nil, fmt.Errorf("update customer: %w", err)
			}
			metrics.DedupMatches.WithLabelValues(string(m.MatchedBy)).Inc()
			r.log.WithField("customer_id", m.Customer.ID).WithField("matched_by", m.MatchedBy).
				WithField("confidence", m.Confidence).Debug("customer matched")
			return m, nil
		}

		c := r.newCustomer(tenantID, cand)
		inserted, err := r.store.InsertCustomer(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("insert customer: %w", err)
		}
		if inserted {
			metrics.DedupMatches.WithLabelValues(string(types.MatchedByNone)).Inc()
			r.log.WithField("customer_id", c.ID).Debug("customer created")
			return &Match{Customer: c, MatchedBy: types.MatchedByNone, Confidence: ConfidenceNew, Created: true}, nil
		}
		r.log.WithField("tenant_id", tenantID).Debug("customer insert conflicted, re-resolving")
	}
	return nil, errors.New("customer insert conflicted twice")
}

func (r *Resolver) match(ctx context.Context, tenantID string, cand Candidate) (*Match, error) {
	if cand.Phone != "" {
		c, err := r.store.CustomerByPhone(ctx, tenantID, cand.Phone)
		if err != nil {
			return nil, fmt.Errorf("lookup by phone: %w", err)
		}
		if c != nil {
			return &Match{Customer: c, MatchedBy: types.MatchedByPhone, Confidence: ConfidencePhone}, nil
		}
	}
	if cand.Email != "" {
		c, err := r.store.CustomerByEmail(ctx, tenantID, cand.Email)
		if err != nil {
			return nil, fmt.Errorf("lookup by email: %w", err)
		}
		if c != nil {
			return &Match{Customer: c, MatchedBy: types.MatchedByEmail, Confidence: ConfidenceEmail}, nil
		}
	}
	name := NormalizeName(cand.Name)
	if name == "" {
		return nil, nil
	}
	all, err := r.store.ListCustomers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	var best *types.Customer
	bestScore := -1
	for _, c := range all {
		if c.Name == "" {
			continue
		}
		// strictly greater keeps the earliest-created customer on ties
		if s := Similarity(name, NormalizeName(c.Name)); s > bestScore {
			best, bestScore = c, s
		}
	}
	if best == nil || bestScore < r.cfg.FuzzyThreshold {
		return nil, nil
	}
	return &Match{Customer: best, MatchedBy: types.MatchedByName, Confidence: bestScore}, nil
}

// merge fills empty fields only; existing values always win.
func (r *Resolver) merge(c *types.Customer, cand Candidate) {
	if c.Name == "" {
		c.Name = cand.Name
	}
	if c.Phone == "" {
		c.Phone = cand.Phone
	}
	if c.Email == "" {
		c.Email = cand.Email
	}
	if c.Address == "" {
		c.Address = cand.Address
	}
	c.Tags = UnionTags(c.Tags, cand.Tags)
	c.Notes = AppendNotes(c.Notes, cand.Notes, r.cfg.NotesSeparator)
	now := r.now().UTC()
	c.LastContactAt = now
	c.UpdatedAt = now
}

func (r *Resolver) newCustomer(tenantID string, cand Candidate) *types.Customer {
	now := r.now().UTC()
	return &types.Customer{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Name:          cand.Name,
		Phone:         cand.Phone,
		Email:         cand.Email,
		Address:       cand.Address,
		Tags:          UnionTags(nil, cand.Tags),
		Notes:         cand.Notes,
		LastContactAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// UnionTags appends unseen tags of b to a, preserving first-seen order.
func UnionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// AppendNotes appends note to existing with sep, never replacing.
func AppendNotes(existing, note, sep string) string {
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	}
	return existing + sep + note
}

func lockKey(tenantID string, cand Candidate) (string, bool) {
	switch {
	case cand.Phone != "":
		return "customer:" + tenantID + ":phone:" + cand.Phone, true
	case cand.Email != "":
		return "customer:" + tenantID + ":email:" + cand.Email, true
	case cand.Name != "":
		return "customer:" + tenantID + ":name:" + NormalizeName(cand.Name), true
	}
	return "", false
}
