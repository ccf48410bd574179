package generation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/ink"
	"github.com/inkframe/backend/internal/moderation"
	"github.com/inkframe/backend/pkg/testutil"
)

func TestSubmitCompletesAndCharges(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	release := make(chan struct{})
	h.openai.Set(func(ctx context.Context, job providers.Job) ([]providers.Image, error) {
		<-release
		return testutil.Images(2), nil
	})

	req, err := h.svc.Submit(ctx, "u1", catParams())
	require.NoError(t, err)
	assert.Equal(t, generation.StatusProcessing, req.Status)
	assert.Equal(t, "openai", req.Parameters.Provider)
	assert.Equal(t, "dall-e-2", req.Parameters.Model)

	cost := ink.CalculateCost(catParams(), nil)
	assert.Equal(t, int64(80), cost)
	assert.Equal(t, cost, req.ReservedCost)
	assert.Equal(t, cost, h.account(t).Pending)

	close(release)
	final := h.waitTerminal(t, req.ID)
	assert.Equal(t, generation.StatusCompleted, final.Status)
	assert.Empty(t, final.Error)
	require.NotNil(t, final.FinishedAt)

	acct := h.account(t)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(100)-cost, acct.Available)
	assert.Equal(t, cost, acct.Lifetime)

	detail, err := h.svc.Get(ctx, "u1", req.ID)
	require.NoError(t, err)
	require.Len(t, detail.Media, 2)
	for _, m := range detail.Media {
		assert.Equal(t, "openai", m.Provider)
		assert.Equal(t, 512, m.Width)
		assert.NotEmpty(t, m.FileID)
		assert.NotEmpty(t, m.PostID)
	}
	assert.Equal(t, 2, h.blobs.Len())
	assert.Equal(t, 1, h.push.Count())
}

func TestSubmitProviderFailureRefunds(t *testing.T) {
	h := newHarness(t, 100)
	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		return nil, errors.New("upstream 503 after retries")
	})

	req, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.NoError(t, err)

	final := h.waitTerminal(t, req.ID)
	assert.Equal(t, generation.StatusError, final.Status)
	assert.Equal(t, ReasonProviderFailed, final.Error)

	acct := h.account(t)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(100), acct.Available)
	assert.Zero(t, acct.Lifetime)

	media, err := h.store.ListMedia(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, media)
	assert.Zero(t, h.push.Count())
}

func TestSubmitPartialOutputChargesProduced(t *testing.T) {
	h := newHarness(t, 100)
	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		return testutil.Images(1), nil
	})

	req, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.NoError(t, err)
	final := h.waitTerminal(t, req.ID)
	assert.Equal(t, generation.StatusCompleted, final.Status)

	one := 1
	charged := ink.CalculateCost(catParams(), &one)
	assert.Less(t, charged, req.ReservedCost)

	acct := h.account(t)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, 100-charged, acct.Available)
	assert.Equal(t, charged, acct.Lifetime)
}

func TestSubmitCapsMediaAtCount(t *testing.T) {
	h := newHarness(t, 100)
	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		return testutil.Images(5), nil
	})

	req, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.NoError(t, err)
	h.waitTerminal(t, req.ID)

	media, err := h.store.ListMedia(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Len(t, media, 2)
	assert.Equal(t, int64(20), h.account(t).Available)
}

func TestSubmitFatalAndTimeoutReasons(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"refused", providers.ErrProviderFatal, ReasonRejected},
		{"timeout", providers.ErrTimeout, ReasonTimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 100)
			h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) { return nil, tt.err })
			req, err := h.svc.Submit(context.Background(), "u1", catParams())
			require.NoError(t, err)
			final := h.waitTerminal(t, req.ID)
			assert.Equal(t, generation.StatusError, final.Status)
			assert.Equal(t, tt.reason, final.Error)
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(p *generation.Parameters)
	}{
		{"unknown provider", func(p *generation.Parameters) { p.Provider = "midjourney" }},
		{"unknown model", func(p *generation.Parameters) { p.Model = "dall-e-9" }},
		{"empty prompt", func(p *generation.Parameters) { p.Prompt = "   " }},
		{"unsupported size", func(p *generation.Parameters) { p.Width = 640 }},
		{"count too high", func(p *generation.Parameters) { p.Count = 5 }},
		{"zero count", func(p *generation.Parameters) { p.Count = 0 }},
		{"input image refused", func(p *generation.Parameters) { p.InputImage = "https://example.test/in.png" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := catParams()
			tt.mutate(&p)
			_, err := h.svc.Submit(ctx, "u1", p)
			require.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, http.StatusBadRequest, StatusOf(err))
			assert.NotEmpty(t, MessageOf(err))
		})
	}

	reqs, err := h.svc.List(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assert.Zero(t, h.account(t).Pending)
	assert.Zero(t, h.openai.Calls())
}

func TestSubmitInsufficientCredit(t *testing.T) {
	h := newHarness(t, 50)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, "u1", catParams())
	require.ErrorIs(t, err, ErrInsufficientCredit)
	assert.Equal(t, http.StatusPaymentRequired, StatusOf(err))

	reqs, err := h.svc.List(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
	acct := h.account(t)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(50), acct.Available)
}

func TestSubmitUnknownAccount(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.svc.Submit(context.Background(), "ghost", catParams())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitRefusedDuringMaintenance(t *testing.T) {
	h := newHarness(t, 100)
	require.NoError(t, h.gate.Set(context.Background(), true))

	_, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.ErrorIs(t, err, ErrMaintenance)
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
	assert.Zero(t, h.account(t).Pending)
}

func TestSubmitModeration(t *testing.T) {
	flagged := func(o *harnessOptions) {
		o.moderation = testutil.MockModeration{Verdict: moderation.Verdict{Flagged: true, Categories: []string{"violence"}}}
	}
	h := newHarness(t, 100, flagged)
	_, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.ErrorIs(t, err, ErrModerationRejected)
	assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(err))

	broken := func(o *harnessOptions) {
		o.moderation = testutil.MockModeration{Err: errors.New("moderation endpoint down")}
	}
	h = newHarness(t, 100, broken)
	req, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCompleted, h.waitTerminal(t, req.ID).Status)
}

func TestSubmitBusyWhenQueueIsFull(t *testing.T) {
	h := newHarness(t, 1000, func(o *harnessOptions) { o.workers, o.queue = 1, 1 })
	ctx := context.Background()

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		started <- struct{}{}
		<-release
		return testutil.Images(2), nil
	})
	defer close(release)

	_, err := h.svc.Submit(ctx, "u1", catParams())
	require.NoError(t, err)
	<-started

	_, err = h.svc.Submit(ctx, "u1", catParams())
	require.NoError(t, err)

	before := h.account(t)
	_, err = h.svc.Submit(ctx, "u1", catParams())
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, before.Pending, h.account(t).Pending)

	reqs, err := h.svc.List(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, generation.StatusProcessing, r.Status)
	}
}

func TestWorkerPanicFinalizesAsError(t *testing.T) {
	h := newHarness(t, 100)
	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		panic("adapter bug")
	})

	req, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.NoError(t, err)
	final := h.waitTerminal(t, req.ID)
	assert.Equal(t, generation.StatusError, final.Status)
	assert.Equal(t, ReasonInternal, final.Error)
	assert.Zero(t, h.account(t).Pending)

	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) { return testutil.Images(2), nil })
	req, err = h.svc.Submit(context.Background(), "u1", catParams())
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCompleted, h.waitTerminal(t, req.ID).Status)
}

func TestWebhookCallbackCompletesOnce(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	var callbackURL string
	dispatched := make(chan struct{})
	h.modal.Set(func(_ context.Context, job providers.Job) ([]providers.Image, error) {
		callbackURL = job.CallbackURL
		close(dispatched)
		return nil, providers.ErrAwaitingCallback
	})

	p := generation.Parameters{Prompt: "a lighthouse", Count: 2, Width: 512, Height: 512, Provider: "modal"}
	req, err := h.svc.Submit(ctx, "u1", p)
	require.NoError(t, err)
	<-dispatched
	assert.Equal(t, "https://api.example.test/webhooks/modal", callbackURL)

	// the worker leaves the request processing
	time.Sleep(20 * time.Millisecond)
	stored, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusProcessing, stored.Status)

	body := []byte(`{"request_id":"` + req.ID + `","images":["a","b"]}`)
	require.NoError(t, h.svc.CompleteCallback(ctx, "modal", body))
	require.NoError(t, h.svc.CompleteCallback(ctx, "modal", body))

	stored, err = h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCompleted, stored.Status)

	cost := h.reconciler.pricing.Cost(stored.Parameters, nil)
	acct := h.account(t)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, 100-cost, acct.Available)
	assert.Equal(t, cost, acct.Lifetime)

	media, err := h.store.ListMedia(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, media, 2)
}

func TestWebhookCallbackOutlivesCallerDisconnect(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	dispatched := make(chan struct{})
	h.modal.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		close(dispatched)
		return nil, providers.ErrAwaitingCallback
	})

	p := generation.Parameters{Prompt: "a harbor", Count: 1, Width: 512, Height: 512, Provider: "modal"}
	req, err := h.svc.Submit(ctx, "u1", p)
	require.NoError(t, err)
	<-dispatched
	time.Sleep(20 * time.Millisecond)

	gone, cancel := context.WithCancel(ctx)
	cancel()
	body := []byte(`{"request_id":"` + req.ID + `","images":["a"]}`)
	require.NoError(t, h.svc.CompleteCallback(gone, "modal", body))

	stored, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCompleted, stored.Status)
	media, err := h.store.ListMedia(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, media, 1)
	assert.Zero(t, h.account(t).Pending)
}

func TestWebhookCallbackErrors(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	err := h.svc.CompleteCallback(ctx, "horde", []byte(`{}`))
	require.ErrorIs(t, err, ErrNotFound)

	err = h.svc.CompleteCallback(ctx, "openai", []byte(`{}`))
	require.ErrorIs(t, err, ErrNotFound)

	err = h.svc.CompleteCallback(ctx, "modal", []byte(`not json`))
	require.ErrorIs(t, err, ErrValidation)

	err = h.svc.CompleteCallback(ctx, "modal", []byte(`{"request_id":"missing"}`))
	require.ErrorIs(t, err, ErrNotFound)

	p := generation.Parameters{Prompt: "x", Count: 1, Width: 512, Height: 512, Provider: "modal"}
	req, err := h.svc.Submit(ctx, "u1", p)
	require.NoError(t, err)
	require.NoError(t, h.svc.CompleteCallback(ctx, "modal", []byte(`{"request_id":"`+req.ID+`","error":"OOM"}`)))

	stored, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusError, stored.Status)
	assert.Equal(t, int64(100), h.account(t).Available)
	assert.Zero(t, h.account(t).Pending)
}

func TestCancelRefundsAndDiscardsLateResult(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	h.openai.Set(func(context.Context, providers.Job) ([]providers.Image, error) {
		close(started)
		<-release
		return testutil.Images(2), nil
	})

	req, err := h.svc.Submit(ctx, "u1", catParams())
	require.NoError(t, err)
	<-started

	_, err = h.svc.Cancel(ctx, "someone-else", req.ID)
	require.ErrorIs(t, err, ErrNotFound)

	canceled, err := h.svc.Cancel(ctx, "u1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCanceled, canceled.Status)
	assert.Equal(t, ReasonCanceled, canceled.Error)

	acct := h.account(t)
	assert.Zero(t, acct.Pending)
	assert.Equal(t, int64(100), acct.Available)

	_, err = h.svc.Cancel(ctx, "u1", req.ID)
	require.ErrorIs(t, err, ErrConflict)

	close(release)
	require.Eventually(t, func() bool { return h.blobs.Deletes() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.blobs.Len())

	final, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCanceled, final.Status)
	assert.Equal(t, int64(100), h.account(t).Available)
}

func TestGetHidesOtherUsersRequests(t *testing.T) {
	h := newHarness(t, 100)
	req, err := h.svc.Submit(context.Background(), "u1", catParams())
	require.NoError(t, err)
	h.waitTerminal(t, req.ID)

	_, err = h.svc.Get(context.Background(), "u2", req.ID)
	require.ErrorIs(t, err, ErrNotFound)

	reqs, err := h.svc.List(context.Background(), "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestQuote(t *testing.T) {
	h := newHarness(t, 0)
	cost, err := h.svc.Quote(catParams())
	require.NoError(t, err)
	assert.Equal(t, int64(80), cost)

	_, err = h.svc.Quote(generation.Parameters{Provider: "nope"})
	require.ErrorIs(t, err, ErrValidation)
}
