package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLocker struct {
	held     bool
	released int
}

func (l *stubLocker) TryLock(context.Context) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

type recordingPurger struct {
	before time.Time
}

func (p *recordingPurger) Purge(_ context.Context, before time.Time) (int64, error) {
	p.before = before
	return 3, nil
}

var _ ratelimit.Purger = (*recordingPurger)(nil)

func newSweeper(h *harness, locker Locker, purger ratelimit.Purger, at time.Time) *Sweeper {
	s := NewSweeper(SweeperConfig{
		StaleAfter:         time.Minute,
		SettleAfter:        10 * time.Minute,
		RateLimitRetention: time.Hour,
	}, SweeperDependencies{
		Store:   h.store,
		Ledger:  h.ledger,
		Settler: h.settler,
		Purger:  purger,
		Locker:  locker,
		Logger:  h.logger,
	})
	s.now = func() time.Time { return at }
	return s
}

func TestSweeper_ExpiresJobsPastTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)
	pending := h.submit(t, 3)
	running := h.submit(t, 3)
	_, err := h.store.ClaimNext(ctx, "test-0", time.Now().UTC())
	require.NoError(t, err)

	report, err := newSweeper(h, nil, nil, time.Now().Add(2*time.Hour)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)

	for _, job := range []*domain.ToolJob{pending, running} {
		got := h.job(t, job.ID)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, domain.ReservationReleased, h.reservation(t, job))
	}
	assert.Equal(t, int64(0), h.used(t))
}

func TestSweeper_RecoversStaleClaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)
	retryable := h.submit(t, 3)
	exhausted := h.submit(t, 1)
	for range 2 {
		_, err := h.store.ClaimNext(ctx, "crashed-0", time.Now().UTC())
		require.NoError(t, err)
	}

	// nobody heartbeats for five minutes
	at := time.Now().UTC().Add(5 * time.Minute)
	h.worker.now = func() time.Time { return at }
	report, err := newSweeper(h, nil, nil, at).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Abandoned)

	got := h.job(t, retryable.ID)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Nil(t, got.ClaimedBy)
	assert.Equal(t, domain.ReservationHeld, h.reservation(t, retryable))

	got = h.job(t, exhausted.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, domain.ReservationReleased, h.reservation(t, exhausted))

	// the requeued job is claimable again and completes normally
	require.True(t, h.worker.processNext(ctx, "test-0"))
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, retryable.ID).Status)
	assert.Equal(t, int64(7), h.used(t))
}

func TestSweeper_RepairsUnsettledReservations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)

	// a worker completed the job but crashed before settling
	completed := h.submit(t, 3)
	claimed, err := h.store.ClaimNext(ctx, "crashed-0", time.Now().UTC())
	require.NoError(t, err)
	_, err = h.store.Complete(ctx, claimed.ID, "crashed-0", domain.Payload(`{}`), 4, time.Now().UTC())
	require.NoError(t, err)

	// the api reserved credits but died before creating the job
	orphan, err := h.ledger.Reserve(ctx, "acme", testTool, uuid.NewString(), 10)
	require.NoError(t, err)

	// still queued, so its reservation must stay held
	queued := h.submit(t, 3)

	at := time.Now().UTC().Add(15 * time.Minute)
	report, err := newSweeper(h, nil, nil, at).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)

	assert.Equal(t, domain.ReservationFinalized, h.reservation(t, completed))
	r, err := h.ledger.Reservation(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleased, r.Status)
	assert.Equal(t, domain.ReservationHeld, h.reservation(t, queued))
	assert.Equal(t, int64(14), h.used(t))

	report, err = newSweeper(h, nil, nil, at).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Repaired)
	assert.Equal(t, int64(14), h.used(t))
}

func TestSweeper_Leadership(t *testing.T) {
	ctx := context.Background()

	t.Run("skips when another process sweeps", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		job := h.submit(t, 3)

		report, err := newSweeper(h, &stubLocker{held: true}, nil, time.Now().Add(2*time.Hour)).Sweep(ctx)
		require.NoError(t, err)
		assert.True(t, report.Skipped)
		assert.Equal(t, domain.JobStatusPending, h.job(t, job.ID).Status)
	})

	t.Run("releases the lock after sweeping", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		locker := &stubLocker{}

		_, err := newSweeper(h, locker, nil, time.Now()).Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, locker.released)
	})
}

func TestSweeper_PurgesRateLimitWindows(t *testing.T) {
	h := newHarness(t, time.Minute)
	purger := &recordingPurger{}
	at := time.Now().UTC()

	report, err := newSweeper(h, nil, purger, at).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Purged)
	assert.Equal(t, at.Add(-time.Hour), purger.before)
}

func TestSweeper_StepFailuresDoNotStopOtherSteps(t *testing.T) {
	h := newHarness(t, time.Minute)
	purger := &recordingPurger{}
	s := newSweeper(h, nil, purger, time.Now().UTC())
	s.ledger = failingLedger{ReservationLedger: h.ledger}

	report, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "held reservations")
	assert.Equal(t, int64(3), report.Purged)
}

type failingLedger struct {
	ReservationLedger
}

func (failingLedger) HeldReservations(context.Context, time.Time, int) ([]domain.Reservation, error) {
	return nil, errors.New("connection refused")
}
