package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/toolmeter/internal/billing"
	"github.com/cuongbtq/toolmeter/internal/domain"
	"github.com/cuongbtq/toolmeter/internal/ledger"
	"github.com/cuongbtq/toolmeter/shared/postgresql"
)

type fakeReviews struct {
	events map[billing.EventStatus][]billing.EventRecord
}

func (f *fakeReviews) ListEvents(_ context.Context, status billing.EventStatus, limit int) ([]billing.EventRecord, error) {
	out := f.events[status]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeSchema struct {
	up, down int
	statuses []postgresql.MigrationStatus
	err      error
}

func (f *fakeSchema) MigrateUp(context.Context) error { f.up++; return f.err }

func (f *fakeSchema) MigrateDown(context.Context) error { f.down++; return f.err }

func (f *fakeSchema) MigrationStatuses(context.Context) ([]postgresql.MigrationStatus, error) {
	return f.statuses, f.err
}

type harness struct {
	ledger  *ledger.Ledger
	reviews *fakeReviews
	schema  *fakeSchema
	closed  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := ledger.NewLedger(ledger.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := l.OpenPeriod(context.Background(), ledger.OpenPeriod{
		TenantID: "acme",
		Start:    time.Now().Add(-time.Hour),
		End:      time.Now().Add(30 * 24 * time.Hour),
		Included: 100,
	})
	require.NoError(t, err)

	return &harness{
		ledger:  l,
		reviews: &fakeReviews{events: map[billing.EventStatus][]billing.EventRecord{}},
		schema:  &fakeSchema{},
	}
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func(*rootOptions) (*backend, error) {
		return &backend{
			ledger:  h.ledger,
			reviews: h.reviews,
			schema:  h.schema,
			close:   func() { h.closed++ },
		}, nil
	})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBalance(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "balance", "acme", "--json")
	require.NoError(t, err)

	var b domain.CreditBalance
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, "acme", b.TenantID)
	assert.Equal(t, int64(100), b.Included)
	assert.Equal(t, 1, h.closed)

	_, err = h.run(t, "balance", "nobody")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoActiveBalance))
	assert.Equal(t, 2, h.closed, "backend is released when a command fails")
}

func TestGrantAndPurchase(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "grant", "acme", "--amount", "50", "--reason", "incident 42")
	require.NoError(t, err)
	assert.Contains(t, out, "Included:")

	for i := 0; i < 2; i++ {
		_, err = h.run(t, "purchase", "acme", "--amount", "30", "--ref", "inv_1")
		require.NoError(t, err)
	}

	b, err := h.ledger.Balance(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(150), b.Included)
	assert.Equal(t, int64(30), b.PurchasedCredits, "a repeated reference is applied once")

	_, err = h.run(t, "grant", "acme", "--amount=-5")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.run(t, "grant", "acme")
	require.Error(t, err, "amount is required")
}

func TestAudit(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Grant(context.Background(), "acme", 10, "bonus")
	require.NoError(t, err)

	out, err := h.run(t, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "TENANT")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "ok")

	out, err = h.run(t, "audit", "--tenant", "acme", "--json")
	require.NoError(t, err)
	var reports []ledger.AuditReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Drift)
	assert.Equal(t, int64(110), reports[0].Derived.Included)
}

func TestReviews(t *testing.T) {
	h := newHarness(t)
	tenant := "acme"
	reason := "no tenant for customer cus_9"
	h.reviews.events[billing.EventNeedsReview] = []billing.EventRecord{
		{ID: "evt_1", Type: "subscription.created", ReceivedAt: time.Now(), Error: &reason},
		{ID: "evt_2", Type: "plan.changed", ReceivedAt: time.Now(), TenantID: &tenant},
	}
	h.reviews.events[billing.EventFailed] = []billing.EventRecord{
		{ID: "evt_3", Type: "invoice.paid", ReceivedAt: time.Now()},
	}

	out, err := h.run(t, "reviews")
	require.NoError(t, err)
	assert.Contains(t, out, "evt_1")
	assert.Contains(t, out, reason)
	assert.Contains(t, out, "evt_2")
	assert.NotContains(t, out, "evt_3")

	out, err = h.run(t, "reviews", "--failed", "--json")
	require.NoError(t, err)
	var events []billing.EventRecord
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "evt_3", events[0].ID)

	out, err = h.run(t, "reviews", "--limit", "1")
	require.NoError(t, err)
	assert.NotContains(t, out, "evt_2")
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)
	h.schema.statuses = []postgresql.MigrationStatus{
		{Version: 1, Source: "00001_tool_jobs.sql", Applied: true, AppliedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{Version: 2, Source: "00002_credit_ledger.sql"},
	}

	_, err := h.run(t, "migrate", "up")
	require.NoError(t, err)
	_, err = h.run(t, "migrate", "down")
	require.NoError(t, err)
	assert.Equal(t, 1, h.schema.up)
	assert.Equal(t, 1, h.schema.down)

	out, err := h.run(t, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "00001  00001_tool_jobs.sql")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "pending")

	h.schema.err = errors.New("connection refused")
	_, err = h.run(t, "migrate", "up")
	require.Error(t, err)
}
