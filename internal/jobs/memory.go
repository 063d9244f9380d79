package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// MemoryStore keeps jobs in process memory behind one mutex
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.ToolJob
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.ToolJob)}
}

func clone(j *domain.ToolJob) *domain.ToolJob {
	out := *j
	return &out
}

func (s *MemoryStore) owned(jobID, workerID string) (*domain.ToolJob, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusProcessing || j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return nil, domain.ErrJobAlreadyClaimed
	}
	return j, nil
}

func (s *MemoryStore) Create(_ context.Context, job *domain.ToolJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(j), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ToolJob
	for _, j := range s.jobs {
		if f.OwnerID != "" && j.OwnerID != f.OwnerID {
			continue
		}
		if f.ToolSlug != "" && j.ToolSlug != f.ToolSlug {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Cursor != nil && !before(j.CreatedAt, j.ID, f.Cursor.CreatedAt, f.Cursor.JobID) {
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(a, b int) bool {
		return before(out[b].CreatedAt, out[b].ID, out[a].CreatedAt, out[a].ID)
	})
	if f.PageSize > 0 && len(out) > f.PageSize+1 {
		out = out[:f.PageSize+1]
	}
	return out, nil
}

// before reports whether (t1, id1) sorts before (t2, id2) in ascending order
func before(t1 time.Time, id1 string, t2 time.Time, id2 string) bool {
	if !t1.Equal(t2) {
		return t1.Before(t2)
	}
	return id1 < id2
}

func (s *MemoryStore) ClaimNext(_ context.Context, workerID string, now time.Time) (*domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.ToolJob
	for _, j := range s.jobs {
		if j.Status != domain.JobStatusPending || j.ProcessAfter.After(now) || !j.ExpiresAt.After(now) || j.Attempts >= j.MaxAttempts {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, domain.ErrNoClaimableJob
	}

	worker := workerID
	started := now
	next.Status = domain.JobStatusProcessing
	next.Attempts++
	next.ClaimedBy = &worker
	next.StartedAt = &started
	next.HeartbeatAt = &started
	next.UpdatedAt = now
	return clone(next), nil
}

func claimsBefore(a, b *domain.ToolJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ProcessAfter.Equal(b.ProcessAfter) {
		return a.ProcessAfter.Before(b.ProcessAfter)
	}
	return before(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

func (s *MemoryStore) Heartbeat(_ context.Context, jobID, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}
	j.HeartbeatAt = &now
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, jobID, workerID string, output domain.Payload, actualCost int64, now time.Time) (*domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatusCompleted
	j.Output = append(domain.Payload(nil), output...)
	j.ActualCost = &actualCost
	j.CompletedAt = &now
	j.UpdatedAt = now
	return clone(j), nil
}

func (s *MemoryStore) Retry(_ context.Context, jobID, workerID, errMsg string, processAfter, now time.Time) (*domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatusPending
	j.LastError = &errMsg
	j.ClaimedBy = nil
	j.HeartbeatAt = nil
	j.ProcessAfter = processAfter
	j.UpdatedAt = now
	return clone(j), nil
}

func (s *MemoryStore) Requeue(_ context.Context, jobID, workerID string, now time.Time) (*domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	j.Status = domain.JobStatusPending
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.ClaimedBy = nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.ProcessAfter = now
	j.UpdatedAt = now
	return clone(j), nil
}

func (s *MemoryStore) Fail(_ context.Context, jobID, workerID, errMsg string, now time.Time) (*domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	fail(j, errMsg, now)
	return clone(j), nil
}

func fail(j *domain.ToolJob, errMsg string, now time.Time) {
	j.Status = domain.JobStatusFailed
	j.Error = &errMsg
	j.LastError = &errMsg
	j.CompletedAt = &now
	j.UpdatedAt = now
}

func (s *MemoryStore) Cancel(_ context.Context, jobID string, now time.Time) (*domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !j.Status.CanTransition(domain.JobStatusCancelled) {
		return nil, domain.ErrInvalidTransition
	}
	j.Status = domain.JobStatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return clone(j), nil
}

func (s *MemoryStore) RecordLateOutput(_ context.Context, jobID string, output domain.Payload, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusCancelled {
		return domain.ErrInvalidTransition
	}
	j.LateOutput = append(domain.Payload(nil), output...)
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, now time.Time, limit int) ([]domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ToolJob
	for _, j := range s.jobs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Status.IsTerminal() || j.ExpiresAt.After(now) {
			continue
		}
		fail(j, timeoutError, now)
		out = append(out, *j)
	}
	return out, nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, staleBefore, now time.Time, limit int) ([]domain.ToolJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ToolJob
	for _, j := range s.jobs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Status != domain.JobStatusProcessing || j.HeartbeatAt == nil || !j.HeartbeatAt.Before(staleBefore) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			fail(j, attemptsExhausted, now)
		} else {
			j.Status = domain.JobStatusPending
			j.ClaimedBy = nil
			j.HeartbeatAt = nil
			j.ProcessAfter = now
			j.UpdatedAt = now
		}
		out = append(out, *j)
	}
	return out, nil
}
