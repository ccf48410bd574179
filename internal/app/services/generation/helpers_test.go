package generation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/internal/app/storage/memory"
	"github.com/inkframe/backend/internal/maintenance"
	"github.com/inkframe/backend/internal/moderation"
	"github.com/inkframe/backend/internal/retry"
	"github.com/inkframe/backend/pkg/logger"
	"github.com/inkframe/backend/pkg/testutil"
)

var fastSettlement = retry.Policy{Interval: time.Millisecond, MaxAttempts: 6}

type harness struct {
	store      *memory.Store
	blobs      *testutil.CountingBlobs
	push       *testutil.MockPushSender
	gate       *maintenance.Static
	pool       *Pool
	reconciler *Reconciler
	svc        *Service
	openai     *testutil.MockAdapter
	modal      *testutil.MockAdapter
}

type harnessOptions struct {
	workers, queue int
	moderation     moderation.Checker
}

func newHarness(t *testing.T, available int64, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	ho := harnessOptions{workers: 2, queue: 8}
	for _, o := range opts {
		o(&ho)
	}

	h := &harness{
		store:  memory.New(),
		blobs:  testutil.NewCountingBlobs(),
		push:   &testutil.MockPushSender{},
		gate:   maintenance.NewStatic(false),
		openai: testutil.NewMockAdapter("openai", providers.StyleSync),
		modal:  testutil.NewMockAdapter("modal", providers.StyleWebhook),
	}
	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) { return testutil.Images(2), nil })
	h.modal.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		return nil, providers.ErrAwaitingCallback
	})

	_, err := h.store.CreateAccount(context.Background(), account.Account{UserID: "u1", Available: available})
	require.NoError(t, err)

	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(providers.Entry{
		Key:     providers.Key{Provider: "openai", Model: "dall-e-2"},
		Adapter: h.openai,
		Limits: providers.Limits{
			Sizes:           []providers.Size{{Width: 256, Height: 256}, {Width: 512, Height: 512}, {Width: 1024, Height: 1024}},
			MaxCount:        4,
			MaxPromptLength: 1000,
		},
		BaseRate: 40,
		Default:  true,
	}))
	require.NoError(t, registry.Register(providers.Entry{
		Key:      providers.Key{Provider: "modal", Model: "flux-schnell"},
		Adapter:  h.modal,
		Limits:   providers.Limits{MinSide: 256, MaxSide: 1536, MaxCount: 4, AcceptsInputImage: true},
		BaseRate: 10,
		Default:  true,
	}))
	registry.Alias("dalle", "openai")

	log := logger.NewNop()
	h.pool = NewPool(ho.workers, ho.queue, log)
	require.NoError(t, h.pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.pool.Stop(ctx)
	})

	h.reconciler = NewReconciler(ReconcilerConfig{
		Store:   h.store,
		Blobs:   h.blobs,
		Pricing: registry.Pricing(),
		Policy:  fastSettlement,
		Push:    h.push,
	}, log)

	h.svc, err = New(Options{
		Store:         h.store,
		Registry:      registry,
		Pool:          h.pool,
		Materializer:  NewMaterializer(h.blobs, nil, retry.Policy{Interval: time.Millisecond, MaxAttempts: 3}, log),
		Reconciler:    h.reconciler,
		Moderation:    ho.moderation,
		Gate:          h.gate,
		PublicBaseURL: "https://api.example.test/",
	}, log)
	require.NoError(t, err)
	return h
}

func (h *harness) account(t *testing.T) account.Account {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	return acct
}

func (h *harness) waitTerminal(t *testing.T, id string) generation.Request {
	t.Helper()
	var req generation.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = h.store.GetRequest(context.Background(), id)
		return err == nil && req.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return req
}

// seedProcessing inserts a processing request with its reservation, as
// Submit would, but without queueing it.
func seedProcessing(t *testing.T, store storage.Store, p generation.Parameters, reserved int64, createdAt time.Time) generation.Request {
	t.Helper()
	req := generation.Request{
		ID:           "req-" + createdAt.Format("150405.000000000"),
		UserID:       "u1",
		Status:       generation.StatusProcessing,
		Parameters:   p,
		ReservedCost: reserved,
		CreatedAt:    createdAt,
	}
	require.NoError(t, store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		ok, err := tx.ReserveInk(ctx, req.UserID, reserved)
		if err != nil {
			return err
		}
		require.True(t, ok)
		return tx.InsertRequest(ctx, req)
	}))
	return req
}

func catParams() generation.Parameters {
	return generation.Parameters{Prompt: "a cat", Count: 2, Width: 512, Height: 512, Provider: "dalle"}
}
