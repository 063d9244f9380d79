package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory. One mutex serializes every mutation,
// which gives the same all-or-nothing behaviour as a database transaction.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]*domain.CreditBalance
	transactions map[string][]domain.CreditTransaction
	reservations map[string]*domain.Reservation
	appliedEvent map[string]bool
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:     make(map[string]*domain.CreditBalance),
		transactions: make(map[string][]domain.CreditTransaction),
		reservations: make(map[string]*domain.Reservation),
		appliedEvent: make(map[string]bool),
	}
}

func (s *MemoryStore) current(tenantID string, now time.Time) *domain.CreditBalance {
	var found *domain.CreditBalance
	for _, b := range s.balances {
		if b.TenantID != tenantID || now.Before(b.PeriodStart) || !now.Before(b.PeriodEnd) {
			continue
		}
		if found == nil || b.PeriodStart.After(found.PeriodStart) {
			found = b
		}
	}
	return found
}

func (s *MemoryStore) latest(tenantID string) *domain.CreditBalance {
	var found *domain.CreditBalance
	for _, b := range s.balances {
		if b.TenantID != tenantID {
			continue
		}
		if found == nil || b.PeriodStart.After(found.PeriodStart) {
			found = b
		}
	}
	return found
}

func (s *MemoryStore) record(b *domain.CreditBalance, tx domain.CreditTransaction) {
	tx.ID = uuid.NewString()
	tx.BalanceID = b.ID
	s.transactions[b.ID] = append(s.transactions[b.ID], tx)
}

func eventKey(eventID string, t domain.TransactionType) string {
	return eventID + "|" + string(t)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *MemoryStore) Reserve(_ context.Context, p ReserveParams) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.current(p.TenantID, p.Now)
	if b == nil {
		return nil, domain.ErrNoActiveBalance
	}
	if b.Used+p.Amount > b.Included+b.PurchasedCredits {
		return nil, &domain.InsufficientCreditsError{
			TenantID:  p.TenantID,
			Requested: p.Amount,
			Available: b.Available(),
		}
	}

	b.Used += p.Amount
	b.UpdatedAt = p.Now
	s.record(b, domain.CreditTransaction{
		Amount:        p.Amount,
		Type:          domain.TransactionUsage,
		ToolSlug:      strPtr(p.ToolSlug),
		JobID:         strPtr(p.JobID),
		ReservationID: strPtr(p.ReservationID),
		Description:   "reservation for " + p.ToolSlug,
		CreatedAt:     p.Now,
	})

	r := &domain.Reservation{
		ID:        p.ReservationID,
		BalanceID: b.ID,
		TenantID:  p.TenantID,
		JobID:     p.JobID,
		ToolSlug:  p.ToolSlug,
		Amount:    p.Amount,
		Status:    domain.ReservationHeld,
		CreatedAt: p.Now,
	}
	s.reservations[r.ID] = r

	out := *r
	return &out, nil
}

func (s *MemoryStore) Settle(_ context.Context, p SettleParams) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[p.ReservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	if r.Status != domain.ReservationHeld {
		return nil, domain.ErrReservationSettled
	}

	b := s.balances[r.BalanceID]
	tx, ok := settlementEntry(r, p)
	if ok {
		applyEntry(b, tx.Type, tx.Amount)
		b.UpdatedAt = p.Now
		s.record(b, tx)
	}

	now := p.Now
	r.Status = p.Status
	r.SettledAt = &now

	out := *r
	return &out, nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, p EntryParams) (*domain.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.current(p.TenantID, p.Now)
	if b == nil {
		return nil, domain.ErrNoActiveBalance
	}

	if p.SourceEventID != "" {
		key := eventKey(p.SourceEventID, p.Type)
		if s.appliedEvent[key] {
			out := *b
			return &out, nil
		}
		s.appliedEvent[key] = true
	}

	applyEntry(b, p.Type, p.Amount)
	b.UpdatedAt = p.Now
	s.record(b, domain.CreditTransaction{
		Amount:        p.Amount,
		Type:          p.Type,
		SourceEventID: strPtr(p.SourceEventID),
		Description:   p.Description,
		CreatedAt:     p.Now,
	})

	out := *b
	return &out, nil
}

func (s *MemoryStore) OpenPeriod(_ context.Context, p PeriodParams) (*domain.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.balances {
		if b.TenantID == p.TenantID && b.PeriodStart.Equal(p.Start) {
			out := *b
			return &out, nil
		}
	}

	var carry int64
	if prev := s.latest(p.TenantID); prev != nil && p.CarryPurchased {
		carry = prev.RemainingPurchased()
	}

	b := &domain.CreditBalance{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		CreatedAt:   p.Now,
		UpdatedAt:   p.Now,
	}
	s.balances[b.ID] = b

	for _, e := range periodEntries(p, carry) {
		applyEntry(b, e.Type, e.Amount)
		if e.SourceEventID != nil {
			s.appliedEvent[eventKey(*e.SourceEventID, e.Type)] = true
		}
		s.record(b, e)
	}

	out := *b
	return &out, nil
}

func (s *MemoryStore) CurrentBalance(_ context.Context, tenantID string, now time.Time) (*domain.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.current(tenantID, now)
	if b == nil {
		return nil, domain.ErrNoActiveBalance
	}
	out := *b
	return &out, nil
}

func (s *MemoryStore) LatestBalance(_ context.Context, tenantID string) (*domain.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.latest(tenantID)
	if b == nil {
		return nil, domain.ErrNoActiveBalance
	}
	out := *b
	return &out, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, tenantID string) ([]domain.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CreditBalance
	for _, b := range s.balances {
		if tenantID == "" || b.TenantID == tenantID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out, nil
}

func (s *MemoryStore) Transactions(_ context.Context, balanceID string) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.CreditTransaction(nil), s.transactions[balanceID]...), nil
}

func (s *MemoryStore) GetReservation(_ context.Context, reservationID string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) HeldReservations(_ context.Context, createdBefore time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, r := range s.reservations {
		if r.Status == domain.ReservationHeld && r.CreatedAt.Before(createdBefore) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
