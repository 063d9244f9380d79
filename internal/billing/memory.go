package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps billing state in process memory
type MemoryStore struct {
	mu            sync.Mutex
	events        map[string]*EventRecord
	subscriptions map[string]*Subscription
	tenantLocks   map[string]*sync.Mutex
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[string]*EventRecord),
		subscriptions: make(map[string]*Subscription),
		tenantLocks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) RecordEvent(_ context.Context, rec *EventRecord) (*EventRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[rec.ID]; ok {
		out := *existing
		return &out, false, nil
	}
	stored := *rec
	s.events[rec.ID] = &stored
	out := stored
	return &out, true, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, eventID string) (*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) MarkEvent(_ context.Context, eventID string, status EventStatus, tenantID, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	rec.Status = status
	if tenantID != "" {
		rec.TenantID = &tenantID
	}
	rec.Error = nil
	if errMsg != "" {
		rec.Error = &errMsg
	}
	rec.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, status EventStatus, limit int) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EventRecord
	for _, rec := range s.events {
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindTenant(_ context.Context, subscriptionID, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subscriptionID != "" {
		for _, sub := range s.subscriptions {
			if sub.SubscriptionID == subscriptionID {
				return sub.TenantID, nil
			}
		}
	}
	if customerID != "" {
		for _, sub := range s.subscriptions {
			if sub.CustomerID == customerID {
				return sub.TenantID, nil
			}
		}
	}
	return "", ErrTenantNotResolved
}

func (s *MemoryStore) GetSubscription(_ context.Context, tenantID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[tenantID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	out := *sub
	return &out, nil
}

func (s *MemoryStore) SaveSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.SubscriptionID != "" {
		for tenantID, other := range s.subscriptions {
			if tenantID != sub.TenantID && other.SubscriptionID == sub.SubscriptionID {
				return ErrSubscriptionTaken
			}
		}
	}

	stored := *sub
	s.subscriptions[sub.TenantID] = &stored
	return nil
}

func (s *MemoryStore) LockTenant(ctx context.Context, tenantID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.tenantLocks[tenantID] = l
	}
	s.mu.Unlock()

	l.Lock()
	if err := ctx.Err(); err != nil {
		l.Unlock()
		return nil, err
	}
	return l.Unlock, nil
}
