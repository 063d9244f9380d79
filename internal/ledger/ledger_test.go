package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, now *time.Time) *Ledger {
	t.Helper()
	l := NewLedger(NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return *now }
	return l
}

func openMonth(t *testing.T, l *Ledger, tenantID string, included int64) *domain.CreditBalance {
	t.Helper()
	b, err := l.OpenPeriod(context.Background(), OpenPeriod{
		TenantID: tenantID,
		Start:    periodStart,
		End:      periodStart.AddDate(0, 1, 0),
		Included: included,
		EventID:  "evt_open_" + tenantID,
	})
	require.NoError(t, err)
	return b
}

func assertNoDrift(t *testing.T, l *Ledger, tenantID string) {
	t.Helper()
	reports, err := l.Audit(context.Background(), tenantID)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	for _, r := range reports {
		assert.False(t, r.Drift, "balance %s drifted: cached %+v derived %+v", r.Balance.ID, r.Balance.Totals(), r.Derived)
	}
}

func TestLedger_ExhaustIncludedPlan(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)
	openMonth(t, l, "t1", 500)

	_, err := l.Reserve(ctx, "t1", "text-analysis", "job-1", 500)
	require.NoError(t, err)

	b, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Used)
	assert.Equal(t, int64(0), b.Overage)

	_, err = l.Reserve(ctx, "t1", "text-analysis", "job-2", 1)
	var insufficient *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(0), insufficient.Available)
	assert.Equal(t, int64(1), insufficient.Requested)

	assertNoDrift(t, l, "t1")
}

func TestLedger_ConcurrentReservationsNeverOvercommit(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)

	const n = 20
	const cost = 7
	openMonth(t, l, "t1", n*cost)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	for i := 0; i < n+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, "t1", "text-analysis", "", cost)
			mu.Lock()
			defer mu.Unlock()
			var ice *domain.InsufficientCreditsError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &ice):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, successes)
	assert.Equal(t, 1, insufficient)

	b, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(n*cost), b.Used)
	assertNoDrift(t, l, "t1")
}

func TestLedger_Finalize(t *testing.T) {
	tests := []struct {
		name       string
		estimated  int64
		actual     int64
		wantUsed   int64
		wantLastTx domain.TransactionType
	}{
		{name: "actual above estimate charges the difference", estimated: 10, actual: 15, wantUsed: 15, wantLastTx: domain.TransactionUsage},
		{name: "actual below estimate refunds the difference", estimated: 10, actual: 4, wantUsed: 4, wantLastTx: domain.TransactionRefund},
		{name: "exact estimate writes nothing", estimated: 10, actual: 10, wantUsed: 10, wantLastTx: domain.TransactionUsage},
		{name: "finalize may exceed the allowance", estimated: 90, actual: 130, wantUsed: 130, wantLastTx: domain.TransactionUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			now := periodStart.Add(time.Hour)
			l := newTestLedger(t, &now)
			b := openMonth(t, l, "t1", 100)

			r, err := l.Reserve(ctx, "t1", "document-analysis", "job-1", tt.estimated)
			require.NoError(t, err)

			settled, err := l.Finalize(ctx, r.ID, tt.actual)
			require.NoError(t, err)
			assert.Equal(t, domain.ReservationFinalized, settled.Status)
			assert.NotNil(t, settled.SettledAt)

			current, err := l.Balance(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantUsed, current.Used)
			assert.Equal(t, int64(0), current.Overage)

			txs, err := l.Transactions(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLastTx, txs[len(txs)-1].Type)

			_, err = l.Finalize(ctx, r.ID, tt.actual)
			assert.ErrorIs(t, err, domain.ErrReservationSettled)

			assertNoDrift(t, l, "t1")
		})
	}
}

func TestLedger_ReleaseIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)
	openMonth(t, l, "t1", 100)

	r, err := l.Reserve(ctx, "t1", "text-analysis", "job-1", 30)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Release(ctx, r.ID, "job cancelled")
		}(i)
	}
	wg.Wait()

	released := 0
	for _, err := range errs {
		if err == nil {
			released++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrReservationSettled)
	}
	assert.Equal(t, 1, released)

	b, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Used)

	_, err = l.Release(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)

	assertNoDrift(t, l, "t1")
}

func TestLedger_UsedEqualsUsageMinusRefunds(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)
	b := openMonth(t, l, "t1", 1000)

	_, err := l.Purchase(ctx, "t1", 200, "", "top-up")
	require.NoError(t, err)

	for i, actual := range []int64{5, 50, 0, 25} {
		r, err := l.Reserve(ctx, "t1", "document-analysis", "", 20)
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = l.Finalize(ctx, r.ID, actual)
		} else {
			_, err = l.Release(ctx, r.ID, "failed")
		}
		require.NoError(t, err)
	}

	txs, err := l.Transactions(ctx, b.ID)
	require.NoError(t, err)

	var expected int64
	for _, tx := range txs {
		switch tx.Type {
		case domain.TransactionUsage, domain.TransactionOverage:
			expected += tx.Amount
		case domain.TransactionRefund:
			expected -= tx.Amount
		}
	}

	current, err := l.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, expected, current.Used)
	assert.Equal(t, int64(5), current.Used)
	assertNoDrift(t, l, "t1")
}

func TestLedger_OpenPeriod(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)
	first := openMonth(t, l, "t1", 100)

	_, err := l.Purchase(ctx, "t1", 50, "evt_purchase", "top-up")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "t1", "text-analysis", "", 120)
	require.NoError(t, err)

	t.Run("renewal resets used and carries unconsumed purchases", func(t *testing.T) {
		now = periodStart.AddDate(0, 1, 0).Add(time.Minute)
		next := OpenPeriod{
			TenantID:       "t1",
			Start:          periodStart.AddDate(0, 1, 0),
			End:            periodStart.AddDate(0, 2, 0),
			Included:       100,
			CarryPurchased: true,
			EventID:        "evt_renew",
		}
		b, err := l.OpenPeriod(ctx, next)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, b.ID)
		assert.Equal(t, int64(0), b.Used)
		assert.Equal(t, int64(100), b.Included)
		assert.Equal(t, int64(30), b.PurchasedCredits)

		again, err := l.OpenPeriod(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, b.ID, again.ID)
		assert.Equal(t, b.Totals(), again.Totals())
	})

	t.Run("previous period is no longer current", func(t *testing.T) {
		b, err := l.Balance(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, periodStart.AddDate(0, 1, 0), b.PeriodStart)
	})

	t.Run("invalid boundaries", func(t *testing.T) {
		_, err := l.OpenPeriod(ctx, OpenPeriod{TenantID: "t1", Start: periodStart, End: periodStart})
		var validation *domain.ValidationError
		assert.True(t, errors.As(err, &validation))
	})

	assertNoDrift(t, l, "t1")
}

func TestLedger_AdjustIncludedIsIdempotentPerEvent(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)
	openMonth(t, l, "t1", 100)

	for i := 0; i < 3; i++ {
		b, err := l.AdjustIncluded(ctx, "t1", 400, "evt_upgrade", "plan upgrade")
		require.NoError(t, err)
		assert.Equal(t, int64(500), b.Included)
	}
	assertNoDrift(t, l, "t1")
}

func TestLedger_NoActiveBalance(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)

	_, err := l.Reserve(ctx, "nobody", "text-analysis", "", 1)
	assert.ErrorIs(t, err, domain.ErrNoActiveBalance)

	openMonth(t, l, "t1", 100)
	now = periodStart.AddDate(0, 1, 0)

	_, err = l.Reserve(ctx, "t1", "text-analysis", "", 1)
	assert.ErrorIs(t, err, domain.ErrNoActiveBalance)

	_, err = l.Grant(ctx, "t1", 10, "goodwill")
	assert.ErrorIs(t, err, domain.ErrNoActiveBalance)

	latest, err := l.LatestBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, periodStart, latest.PeriodStart)
}

func TestLedger_RejectsBadAmounts(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)
	openMonth(t, l, "t1", 100)

	var validation *domain.ValidationError

	_, err := l.Reserve(ctx, "t1", "text-analysis", "", -1)
	assert.True(t, errors.As(err, &validation))

	_, err = l.Grant(ctx, "t1", 0, "nothing")
	assert.True(t, errors.As(err, &validation))

	_, err = l.Purchase(ctx, "t1", -5, "", "negative")
	assert.True(t, errors.As(err, &validation))
}

func TestLedger_HeldReservations(t *testing.T) {
	ctx := context.Background()
	now := periodStart.Add(time.Hour)
	l := newTestLedger(t, &now)
	openMonth(t, l, "t1", 100)

	held, err := l.Reserve(ctx, "t1", "text-analysis", "job-1", 10)
	require.NoError(t, err)
	settled, err := l.Reserve(ctx, "t1", "text-analysis", "job-2", 10)
	require.NoError(t, err)
	_, err = l.Release(ctx, settled.ID, "done")
	require.NoError(t, err)

	list, err := l.HeldReservations(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, held.ID, list[0].ID)

	list, err = l.HeldReservations(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}
