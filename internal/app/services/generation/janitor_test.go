package generation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/pkg/logger"
)

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

func TestJanitorFailsOnlyStaleProcessingRequests(t *testing.T) {
	store := newLedger(t, 100)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stale := seedProcessing(t, store, dalleParams(), 80, now.Add(-15*time.Minute))
	fresh := seedProcessing(t, store, generation.Parameters{Prompt: "p", Count: 1, Width: 256, Height: 256, Provider: "openai"}, 10, now.Add(-time.Minute))
	done := seedProcessing(t, store, generation.Parameters{Prompt: "p", Count: 1, Width: 256, Height: 256, Provider: "openai"}, 10, now.Add(-20*time.Minute))

	r := NewReconciler(ReconcilerConfig{Store: store, Policy: fastSettlement}, logger.NewNop())
	require.NoError(t, r.Finalize(context.Background(), done, generation.StatusCompleted, media(done, 1), ""))
	afterDone, _ := store.GetAccount(context.Background(), "u1")

	j := NewJanitor(store, r, nil, JanitorConfig{}, logger.NewNop())
	j.now = func() time.Time { return now }

	repaired, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	got, err := store.GetRequest(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusError, got.Status)
	assert.Equal(t, ReasonTimedOut, got.Error)

	got, _ = store.GetRequest(context.Background(), fresh.ID)
	assert.Equal(t, generation.StatusProcessing, got.Status)
	got, _ = store.GetRequest(context.Background(), done.ID)
	assert.Equal(t, generation.StatusCompleted, got.Status)

	acct, _ := store.GetAccount(context.Background(), "u1")
	assert.Equal(t, afterDone.Available, acct.Available)
	assert.Equal(t, int64(10), acct.Pending, "only the fresh reservation remains")

	repaired, err = j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

func TestJanitorRefundMatchesProviderFailure(t *testing.T) {
	store := newLedger(t, 100)
	now := time.Now()
	seedProcessing(t, store, dalleParams(), 80, now.Add(-15*time.Minute))

	r := NewReconciler(ReconcilerConfig{Store: store, Policy: fastSettlement}, logger.NewNop())
	j := NewJanitor(store, r, nil, JanitorConfig{StaleAfter: 10 * time.Minute}, logger.NewNop())
	_, err := j.Sweep(context.Background())
	require.NoError(t, err)

	acct, _ := store.GetAccount(context.Background(), "u1")
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(100), acct.Available)
	assert.Zero(t, acct.Lifetime)
}

func TestJanitorSkipsWhenLockHeld(t *testing.T) {
	store := newLedger(t, 100)
	req := seedProcessing(t, store, dalleParams(), 80, time.Now().Add(-time.Hour))

	r := NewReconciler(ReconcilerConfig{Store: store, Policy: fastSettlement}, logger.NewNop())
	j := NewJanitor(store, r, heldLocker{}, JanitorConfig{}, logger.NewNop())
	repaired, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, repaired)

	got, _ := store.GetRequest(context.Background(), req.ID)
	assert.Equal(t, generation.StatusProcessing, got.Status)
}

func TestJanitorLifecycle(t *testing.T) {
	store := newLedger(t, 100)
	r := NewReconciler(ReconcilerConfig{Store: store, Policy: fastSettlement}, logger.NewNop())

	bad := NewJanitor(store, r, nil, JanitorConfig{Schedule: "every tuesday"}, logger.NewNop())
	require.Error(t, bad.Start(context.Background()))

	j := NewJanitor(store, r, nil, JanitorConfig{Schedule: "@every 1h"}, logger.NewNop())
	assert.Equal(t, "generation-janitor", j.Name())
	require.NoError(t, j.Start(context.Background()))
	require.NoError(t, j.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))
	require.NoError(t, j.Stop(ctx))
}
