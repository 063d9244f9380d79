package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(store Store, config Config, now *time.Time) *Limiter {
	l := NewLimiter(store, config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return *now }
	return l
}

func TestLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(NewMemoryStore(), Config{}, &now)
	limits := Limits{Limit: 3, Window: "60s"}

	for i := 1; i <= 3; i++ {
		d, err := l.Check(ctx, "X", "Y", limits)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, i, d.Count)
		now = now.Add(10 * time.Second)
	}

	d, err := l.Check(ctx, "X", "Y", limits)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 4, d.Count)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	now = now.Add(31 * time.Second)
	d, err = l.Check(ctx, "X", "Y", limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
	assert.Equal(t, now, d.WindowStart)
	assert.Equal(t, now.Add(time.Minute), d.WindowEnd)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(NewMemoryStore(), Config{}, &now)
	limits := Limits{Limit: 1, Window: "1h"}

	d, err := l.Check(ctx, "X", "Y", limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Check(ctx, "X", "Z", limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Check(ctx, "W", "Y", limits)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Check(ctx, "X", "Y", limits)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestLimiter_InvalidWindow(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(NewMemoryStore(), Config{}, &now)

	_, err := l.Check(context.Background(), "X", "Y", Limits{Limit: 1, Window: "soon"})
	require.Error(t, err)
}

func TestLimiter_CheckActor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	config := Config{
		Default: Policy{
			Authenticated: Limits{Limit: 2, Window: "1h"},
			Anonymous:     Limits{Limit: 1, Window: "1d"},
		},
	}
	l := newTestLimiter(NewMemoryStore(), config, &now)

	t.Run("anonymous caller uses the anonymous ceiling", func(t *testing.T) {
		anon := domain.Actor{IP: "10.0.0.1"}
		require.NoError(t, l.CheckActor(ctx, anon, "text-analysis"))

		err := l.CheckActor(ctx, anon, "text-analysis")
		var limited *domain.RateLimitedError
		require.True(t, errors.As(err, &limited))
		assert.Equal(t, "ip:10.0.0.1", limited.Identifier)
		assert.Equal(t, 24*time.Hour, limited.RetryAfter)
	})

	t.Run("authenticated identity takes precedence over IP", func(t *testing.T) {
		user := domain.Actor{UserID: "u1", IP: "10.0.0.1"}
		require.NoError(t, l.CheckActor(ctx, user, "text-analysis"))
		require.NoError(t, l.CheckActor(ctx, user, "text-analysis"))

		err := l.CheckActor(ctx, user, "text-analysis")
		var limited *domain.RateLimitedError
		require.True(t, errors.As(err, &limited))
		assert.Equal(t, "user:u1", limited.Identifier)
	})

	t.Run("missing identity is a validation error", func(t *testing.T) {
		err := l.CheckActor(ctx, domain.Actor{}, "text-analysis")
		var validation *domain.ValidationError
		assert.True(t, errors.As(err, &validation))
	})
}

func TestConfig_PolicyForAndValidate(t *testing.T) {
	config := Config{
		Default: Policy{
			Authenticated: Limits{Limit: 60, Window: "1h"},
			Anonymous:     Limits{Limit: 5, Window: "1d"},
		},
		Tools: map[string]Policy{
			"document-analysis": {
				Authenticated: Limits{Limit: 10, Window: "1h"},
				Anonymous:     Limits{Limit: 1, Window: "1d"},
			},
		},
	}
	require.NoError(t, config.Validate())
	assert.Equal(t, 10, config.PolicyFor("document-analysis").Authenticated.Limit)
	assert.Equal(t, 60, config.PolicyFor("text-analysis").Authenticated.Limit)

	config.Tools["broken"] = Policy{Authenticated: Limits{Limit: 1, Window: "1x"}, Anonymous: Limits{Limit: 1, Window: "1d"}}
	assert.Error(t, config.Validate())
}

func TestMemoryStore_Purge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Increment(ctx, "X", "Y", time.Minute, start)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "X", "Y", time.Minute, start.Add(2*time.Minute))
	require.NoError(t, err)

	purged, err := store.Purge(ctx, start.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	w, err := store.Increment(ctx, "X", "Y", time.Minute, start.Add(150*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, w.Count)
}
