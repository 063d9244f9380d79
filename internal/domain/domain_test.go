package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		want bool
	}{
		{name: "claim", from: JobStatusPending, to: JobStatusProcessing, want: true},
		{name: "cancel pending", from: JobStatusPending, to: JobStatusCancelled, want: true},
		{name: "expire pending", from: JobStatusPending, to: JobStatusFailed, want: true},
		{name: "complete", from: JobStatusProcessing, to: JobStatusCompleted, want: true},
		{name: "retry", from: JobStatusProcessing, to: JobStatusPending, want: true},
		{name: "fail", from: JobStatusProcessing, to: JobStatusFailed, want: true},
		{name: "cancel processing", from: JobStatusProcessing, to: JobStatusCancelled, want: true},
		{name: "pending cannot complete", from: JobStatusPending, to: JobStatusCompleted, want: false},
		{name: "completed is terminal", from: JobStatusCompleted, to: JobStatusPending, want: false},
		{name: "failed is terminal", from: JobStatusFailed, to: JobStatusProcessing, want: false},
		{name: "cancelled is terminal", from: JobStatusCancelled, to: JobStatusCompleted, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatus("RUNNING").IsValid())
}

func TestFold(t *testing.T) {
	txs := []CreditTransaction{
		{Type: TransactionGrant, Amount: 500},
		{Type: TransactionPurchase, Amount: 100},
		{Type: TransactionUsage, Amount: 30},
		{Type: TransactionUsage, Amount: 20},
		{Type: TransactionRefund, Amount: 20},
		{Type: TransactionAdjustment, Amount: -50},
		{Type: TransactionOverage, Amount: 5},
	}

	totals := Fold(txs)
	assert.Equal(t, int64(450), totals.Included)
	assert.Equal(t, int64(100), totals.PurchasedCredits)
	assert.Equal(t, int64(35), totals.Used)
	assert.Equal(t, int64(5), totals.Overage)
}

func TestCreditBalance_RemainingPurchased(t *testing.T) {
	tests := []struct {
		name    string
		balance CreditBalance
		want    int64
	}{
		{name: "untouched", balance: CreditBalance{Included: 100, Used: 40, PurchasedCredits: 50}, want: 50},
		{name: "partly consumed", balance: CreditBalance{Included: 100, Used: 130, PurchasedCredits: 50}, want: 20},
		{name: "fully consumed", balance: CreditBalance{Included: 100, Used: 150, PurchasedCredits: 50}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.balance.RemainingPurchased())
		})
	}
}

func TestActor_RateLimitIdentifier(t *testing.T) {
	assert.Equal(t, "user:u1", Actor{UserID: "u1", IP: "10.0.0.1", SessionID: "s1"}.RateLimitIdentifier())
	assert.Equal(t, "ip:10.0.0.1", Actor{IP: "10.0.0.1", SessionID: "s1"}.RateLimitIdentifier())
	assert.Equal(t, "session:s1", Actor{SessionID: "s1"}.RateLimitIdentifier())
	assert.Equal(t, "", Actor{}.RateLimitIdentifier())
}

func TestActor_CanSee(t *testing.T) {
	session := "s1"
	owned := &ToolJob{OwnerID: "u1"}
	anonymous := &ToolJob{OwnerID: "anon:s1", SessionID: &session}

	assert.True(t, Actor{UserID: "u1"}.CanSee(owned))
	assert.False(t, Actor{UserID: "u2"}.CanSee(owned))
	assert.True(t, Actor{SessionID: "s1"}.CanSee(anonymous))
	assert.False(t, Actor{SessionID: "s2"}.CanSee(anonymous))
	assert.False(t, Actor{}.CanSee(nil))
}

func TestPayload_JSONAndSQL(t *testing.T) {
	var job struct {
		Output Payload `json:"output,omitempty"`
		Input  Payload `json:"input"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"input":{"a":1},"output":null}`), &job))
	assert.JSONEq(t, `{"a":1}`, string(job.Input))
	assert.Nil(t, job.Output)

	encoded, err := json.Marshal(job)
	require.NoError(t, err)
	assert.JSONEq(t, `{"input":{"a":1}}`, string(encoded))

	value, err := job.Input.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, value)

	var scanned Payload
	require.NoError(t, scanned.Scan(nil))
	assert.Nil(t, scanned)
	require.NoError(t, scanned.Scan([]byte(`[1]`)))
	assert.Equal(t, Payload(`[1]`), scanned)
	assert.Error(t, scanned.Scan(42))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("bad input"))))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", NewValidationError("text", "is required"))))
	assert.False(t, IsPermanent(Transient(errors.New("timeout"))))
	assert.False(t, IsPermanent(errors.New("unknown")))
	assert.Nil(t, Permanent(nil))
}
