package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/ledger"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"github.com/cuongbtq/toolmeter/internal/ratelimit"
	"github.com/cuongbtq/toolmeter/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.JobNotice
}

func (n *recordingNotifier) NotifyJobAvailable(_ context.Context, notice domain.JobNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

type failingCreateStore struct {
	*MemoryStore
}

func (failingCreateStore) Create(context.Context, *domain.ToolJob) error {
	return errors.New("connection reset")
}

type fixture struct {
	service  *Service
	store    Store
	ledger   *ledger.Ledger
	notifier *recordingNotifier
}

func newFixture(t *testing.T, store Store, limits ratelimit.Limits) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	catalog, err := processor.NewCatalog([]processor.Tool{
		{Slug: tools.SlugTextAnalysis, BaseCost: 10, MaxAttempts: 3, TTL: time.Hour, Timeout: time.Minute, Anonymous: true},
		{Slug: tools.SlugTranscriptAnalysis, BaseCost: 1, UnitCost: 5, MaxAttempts: 3, TTL: time.Hour, Timeout: time.Minute},
	})
	require.NoError(t, err)
	registry, err := processor.NewRegistry(tools.Processors(catalog)...)
	require.NoError(t, err)

	l := ledger.NewLedger(ledger.NewMemoryStore(), logger)
	_, err = l.OpenPeriod(context.Background(), ledger.OpenPeriod{
		TenantID: "acme",
		Start:    time.Now().Add(-time.Hour),
		End:      time.Now().Add(30 * 24 * time.Hour),
		Included: 25,
	})
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		Default: ratelimit.Policy{Authenticated: limits, Anonymous: limits},
	}, logger)

	notifier := &recordingNotifier{}
	return &fixture{
		service: NewService(Dependencies{
			Store:    store,
			Ledger:   l,
			Limiter:  limiter,
			Registry: registry,
			Catalog:  catalog,
			Notifier: notifier,
			Logger:   logger,
		}),
		store:    store,
		ledger:   l,
		notifier: notifier,
	}
}

var (
	generous = ratelimit.Limits{Limit: 100, Window: "1h"}
	member   = domain.Actor{TenantID: "acme", UserID: "u1", IP: "10.0.0.1"}
	textIn   = []byte(`{"text":"Hello there."}`)
)

func (f *fixture) used(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "acme")
	require.NoError(t, err)
	return b.Used
}

func TestService_Submit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), generous)

	job, err := f.service.Submit(ctx, tools.SlugTextAnalysis, textIn, member, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "u1", job.OwnerID)
	assert.Equal(t, int64(10), job.EstimatedCost)
	assert.Equal(t, 3, job.MaxAttempts)
	require.NotNil(t, job.ReservationID)

	r, err := f.ledger.Reservation(ctx, *job.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationHeld, r.Status)
	assert.Equal(t, job.ID, r.JobID)
	assert.Equal(t, int64(10), f.used(t))

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)

	assert.Equal(t, []domain.JobNotice{{JobID: job.ID, ToolSlug: tools.SlugTextAnalysis}}, f.notifier.notices)
}

func TestService_SubmitRejectionsCreateNoJob(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		limits ratelimit.Limits
		prior  int
		slug   string
		input  []byte
		actor  domain.Actor
		check  func(t *testing.T, err error)
	}{
		{
			name:   "insufficient credits",
			limits: generous,
			prior:  2,
			slug:   tools.SlugTextAnalysis,
			input:  textIn,
			actor:  member,
			check: func(t *testing.T, err error) {
				var insufficient *domain.InsufficientCreditsError
				require.True(t, errors.As(err, &insufficient))
				assert.Equal(t, int64(5), insufficient.Available)
			},
		},
		{
			name:   "rate limited",
			limits: ratelimit.Limits{Limit: 1, Window: "1h"},
			prior:  1,
			slug:   tools.SlugTextAnalysis,
			input:  textIn,
			actor:  member,
			check: func(t *testing.T, err error) {
				var limited *domain.RateLimitedError
				require.True(t, errors.As(err, &limited))
				assert.Greater(t, limited.RetryAfter, time.Duration(0))
			},
		},
		{
			name:   "malformed input",
			limits: generous,
			slug:   tools.SlugTextAnalysis,
			input:  []byte(`{"txt":"typo"}`),
			actor:  member,
			check: func(t *testing.T, err error) {
				var validation *domain.ValidationError
				assert.True(t, errors.As(err, &validation))
			},
		},
		{
			name:   "unknown tool",
			limits: generous,
			slug:   "image-generation",
			input:  textIn,
			actor:  member,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, domain.ErrUnknownTool)
			},
		},
		{
			name:   "anonymous caller on a members-only tool",
			limits: generous,
			slug:   tools.SlugTranscriptAnalysis,
			input:  []byte(`{"filename":"a.txt","content":"hello"}`),
			actor:  domain.Actor{SessionID: "s1", IP: "10.0.0.2"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)
			},
		},
		{
			name:   "authenticated caller without tenant",
			limits: generous,
			slug:   tools.SlugTextAnalysis,
			input:  textIn,
			actor:  domain.Actor{UserID: "u1"},
			check: func(t *testing.T, err error) {
				var validation *domain.ValidationError
				assert.True(t, errors.As(err, &validation))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, NewMemoryStore(), tt.limits)
			for i := 0; i < tt.prior; i++ {
				_, err := f.service.Submit(ctx, tt.slug, tt.input, tt.actor, SubmitOptions{})
				require.NoError(t, err)
			}
			usedBefore := f.used(t)

			_, err := f.service.Submit(ctx, tt.slug, tt.input, tt.actor, SubmitOptions{})
			tt.check(t, err)

			jobs, err := f.store.List(ctx, ListFilter{PageSize: 100})
			require.NoError(t, err)
			assert.Len(t, jobs, tt.prior)
			assert.Equal(t, usedBefore, f.used(t))
		})
	}
}

func TestService_SubmitAnonymous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), generous)
	anon := domain.Actor{SessionID: "s1", IP: "10.0.0.2"}

	job, err := f.service.Submit(ctx, tools.SlugTextAnalysis, textIn, anon, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "anon:s1", job.OwnerID)
	assert.Nil(t, job.ReservationID)
	assert.Nil(t, job.TenantID)
	assert.Equal(t, int64(0), f.used(t))

	got, err := f.service.Get(ctx, job.ID, anon)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = f.service.Get(ctx, job.ID, domain.Actor{SessionID: "s2"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_CreateFailureReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingCreateStore{NewMemoryStore()}, generous)

	_, err := f.service.Submit(ctx, tools.SlugTextAnalysis, textIn, member, SubmitOptions{})
	require.Error(t, err)
	assert.Equal(t, int64(0), f.used(t))

	reports, err := f.ledger.Audit(ctx, "acme")
	require.NoError(t, err)
	for _, r := range reports {
		assert.False(t, r.Drift)
	}
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), generous)

	job, err := f.service.Submit(ctx, tools.SlugTextAnalysis, textIn, member, SubmitOptions{})
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, job.ID, domain.Actor{TenantID: "acme", UserID: "intruder"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	cancelled, err := f.service.Cancel(ctx, job.ID, member)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(0), f.used(t))

	r, err := f.ledger.Reservation(ctx, *job.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleased, r.Status)

	_, err = f.service.Cancel(ctx, job.ID, member)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, int64(0), f.used(t))

	_, err = f.store.ClaimNext(ctx, "w", time.Now())
	assert.ErrorIs(t, err, domain.ErrNoClaimableJob)
}

func TestService_ListPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore(), generous)
	anon := domain.Actor{SessionID: "s1", IP: "10.0.0.2"}

	var submitted []string
	for i := 0; i < 5; i++ {
		job, err := f.service.Submit(ctx, tools.SlugTextAnalysis, textIn, anon, SubmitOptions{})
		require.NoError(t, err)
		submitted = append(submitted, job.ID)
	}
	_, err := f.service.Submit(ctx, tools.SlugTextAnalysis, textIn, member, SubmitOptions{})
	require.NoError(t, err)

	var seen []string
	filter := ListFilter{PageSize: 2}
	for pages := 0; pages < 5; pages++ {
		page, err := f.service.List(ctx, anon, filter)
		require.NoError(t, err)
		for _, j := range page.Jobs {
			seen = append(seen, j.ID)
		}
		if page.NextCursor == nil {
			break
		}
		filter.Cursor = page.NextCursor
	}
	assert.ElementsMatch(t, submitted, seen)
	assert.Len(t, seen, 5)

	_, err = f.service.List(ctx, anon, ListFilter{Status: "DONE"})
	var validation *domain.ValidationError
	assert.True(t, errors.As(err, &validation))
}
