package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"voice-jobs-go/internal/types"
)

type memStore struct {
	mu        sync.Mutex
	customers []*types.Customer
	// beforeInsert lets a test inject a competing row.
	beforeInsert func(c *types.Customer)
	inserts      int
}

func clone(c *types.Customer) *types.Customer {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	return &cp
}

func (m *memStore) CustomerByPhone(ctx context.Context, tenantID, phone string) (*types.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.customers {
		if c.TenantID == tenantID && c.Phone == phone {
			return clone(c), nil
		}
	}
	return nil, nil
}

func (m *memStore) CustomerByEmail(ctx context.Context, tenantID, email string) (*types.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.customers {
		if c.TenantID == tenantID && c.Email == email {
			return clone(c), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListCustomers(ctx context.Context, tenantID string) ([]*types.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Customer
	for _, c := range m.customers {
		if c.TenantID == tenantID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (m *memStore) InsertCustomer(ctx context.Context, c *types.Customer) (bool, error) {
	if m.beforeInsert != nil {
		hook := m.beforeInsert
		m.beforeInsert = nil
		hook(c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	for _, e := range m.customers {
		if e.TenantID != c.TenantID {
			continue
		}
		if (c.Phone != "" && e.Phone == c.Phone) || (c.Email != "" && e.Email == c.Email) {
			return false, nil
		}
	}
	m.customers = append(m.customers, clone(c))
	return true, nil
}

func (m *memStore) UpdateCustomer(ctx context.Context, c *types.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.customers {
		if e.ID == c.ID {
			m.customers[i] = clone(c)
		}
	}
	return nil
}

func (m *memStore) seed(c types.Customer) {
	m.customers = append(m.customers, &c)
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"(555) 123-4567":   "+15551234567",
		"555.123.4567":     "+15551234567",
		"+1 555 123 4567":  "+15551234567",
		"1-555-123-4567":   "+15551234567",
		"+44 20 7946 0958": "+442079460958",
		"ext only":         "",
		"":                 "",
		"  +15551234567  ": "+15551234567",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	cases := map[string]string{
		"  José   García ": "jose garcia",
		"JOHN SMITH":       "john smith",
		"Zoë\tO'Neil":      "zoe o'neil",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"john smith", "john smith", 100},
		{"john smith", "joan smyth", 80},
		{"jonathan smith", "jonathon smyte", 79},
		{"", "", 0},
		{"abc", "", 0},
		{"josé", "jose", 75},
	}
	for _, tc := range cases {
		if got := Similarity(tc.a, tc.b); got != tc.want {
			t.Errorf("Similarity(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func newTestResolver(store Store) *Resolver {
	r := NewResolver(store, nil, DefaultConfig(), nil)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestResolveCreatesNewCustomer(t *testing.T) {
	store := &memStore{}
	m, err := newTestResolver(store).Resolve(context.Background(), "t1", Candidate{
		Name: " John  Smith ", Phone: "(555) 123-4567", Email: "John@Example.com ", Tags: []string{"plumbing", "plumbing"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !m.Created || m.MatchedBy != types.MatchedByNone || m.Confidence != 100 {
		t.Fatalf("unexpected match %+v", m)
	}
	c := m.Customer
	if c.Name != "John Smith" || c.Phone != "+15551234567" || c.Email != "john@example.com" {
		t.Fatalf("fields not normalized: %+v", c)
	}
	if len(c.Tags) != 1 {
		t.Fatalf("tags not deduplicated: %v", c.Tags)
	}
}

func TestResolvePrecedence(t *testing.T) {
	seeded := func() *memStore {
		store := &memStore{}
		store.seed(types.Customer{ID: "by-phone", TenantID: "t1", Name: "Alice Jones", Phone: "+15551234567"})
		store.seed(types.Customer{ID: "by-email", TenantID: "t1", Name: "John Smith", Email: "john@example.com"})
		store.seed(types.Customer{ID: "other-tenant", TenantID: "t2", Phone: "+15559999999"})
		return store
	}

	cases := []struct {
		name  string
		cand  Candidate
		id    string
		by    types.MatchedBy
		score int
	}{
		{"phone beats email and name", Candidate{Name: "John Smith", Phone: "555-123-4567", Email: "john@example.com"}, "by-phone", types.MatchedByPhone, 100},
		{"email beats name", Candidate{Name: "Alice Jones", Email: "JOHN@example.com"}, "by-email", types.MatchedByEmail, 95},
		{"fuzzy name", Candidate{Name: "Joan Smyth"}, "by-email", types.MatchedByName, 80},
		{"name below threshold", Candidate{Name: "Jonathon Smyte"}, "", types.MatchedByNone, 100},
		{"other tenant phone ignored", Candidate{Phone: "555-999-9999"}, "", types.MatchedByNone, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := newTestResolver(seeded()).Resolve(context.Background(), "t1", tc.cand)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if m.MatchedBy != tc.by || m.Confidence != tc.score {
				t.Fatalf("got matchedBy=%s confidence=%d", m.MatchedBy, m.Confidence)
			}
			if tc.id != "" && m.Customer.ID != tc.id {
				t.Fatalf("matched %s, want %s", m.Customer.ID, tc.id)
			}
		})
	}
}

func TestResolveFuzzyTieKeepsEarliest(t *testing.T) {
	store := &memStore{}
	store.seed(types.Customer{ID: "first", TenantID: "t1", Name: "Maria Lopez"})
	store.seed(types.Customer{ID: "second", TenantID: "t1", Name: "Maria Lopez"})
	m, err := newTestResolver(store).Resolve(context.Background(), "t1", Candidate{Name: "maria lopez"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Customer.ID != "first" {
		t.Fatalf("tie should keep earliest, got %s", m.Customer.ID)
	}
}

func TestResolveMergeNeverOverwrites(t *testing.T) {
	store := &memStore{}
	store.seed(types.Customer{
		ID: "c1", TenantID: "t1", Name: "John Smith", Phone: "+15551234567",
		Tags: []string{"plumbing"}, Notes: "gate code 1234",
	})
	m, err := newTestResolver(store).Resolve(context.Background(), "t1", Candidate{
		Name: "Johnny S", Phone: "5551234567", Email: "js@example.com", Address: "123 Oak St",
		Tags: []string{"electrical", "plumbing"}, Notes: "dog in yard",
	})
	if err != nil {
		t.Fatal(err)
	}
	c := m.Customer
	if c.Name != "John Smith" {
		t.Fatalf("existing name overwritten: %q", c.Name)
	}
	if c.Email != "js@example.com" || c.Address != "123 Oak St" {
		t.Fatalf("empty fields not filled: %+v", c)
	}
	if len(c.Tags) != 2 || c.Tags[0] != "plumbing" || c.Tags[1] != "electrical" {
		t.Fatalf("tags = %v", c.Tags)
	}
	if c.Notes != "gate code 1234\n---\ndog in yard" {
		t.Fatalf("notes = %q", c.Notes)
	}
	if c.LastContactAt.IsZero() {
		t.Fatal("last contact not refreshed")
	}
	stored, _ := store.CustomerByPhone(context.Background(), "t1", "+15551234567")
	if stored.Email != "js@example.com" {
		t.Fatal("merge not persisted")
	}
}

func TestResolveRepeatCallerMatchesByPhone(t *testing.T) {
	store := &memStore{}
	r := newTestResolver(store)
	first, err := r.Resolve(context.Background(), "t1", Candidate{Name: "John Smith", Phone: "555-123-4567", Tags: []string{"plumbing"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve(context.Background(), "t1", Candidate{Name: "John Smith", Phone: "(555) 123 4567", Tags: []string{"hvac"}})
	if err != nil {
		t.Fatal(err)
	}
	if second.Created || second.MatchedBy != types.MatchedByPhone || second.Confidence != 100 {
		t.Fatalf("unexpected second match %+v", second)
	}
	if second.Customer.ID != first.Customer.ID || len(store.customers) != 1 {
		t.Fatalf("duplicate customer created")
	}
}

func TestResolveLostInsertRaceReResolves(t *testing.T) {
	store := &memStore{}
	store.beforeInsert = func(c *types.Customer) {
		store.seed(types.Customer{ID: "winner", TenantID: c.TenantID, Phone: c.Phone})
	}
	m, err := newTestResolver(store).Resolve(context.Background(), "t1", Candidate{Name: "Sam Lee", Phone: "5550001111"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Customer.ID != "winner" || m.MatchedBy != types.MatchedByPhone {
		t.Fatalf("expected to merge into winner, got %+v", m)
	}
	if m.Customer.Name != "Sam Lee" {
		t.Fatalf("merge should fill the winner's name, got %q", m.Customer.Name)
	}
}

func TestResolveConcurrentSamePhone(t *testing.T) {
	store := &memStore{}
	r := newTestResolver(store)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "t1", Candidate{Name: "Pat Doe", Phone: "+1 (555) 222-3333"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(store.customers) != 1 {
		t.Fatalf("expected one customer, got %d", len(store.customers))
	}
}

func TestResolveRejectsEmptyCandidate(t *testing.T) {
	if _, err := newTestResolver(&memStore{}).Resolve(context.Background(), "t1", Candidate{Notes: "hi"}); err != ErrNoIdentity {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}
