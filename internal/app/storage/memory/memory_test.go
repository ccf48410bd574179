package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/storage"
)

func TestInTxRollsBackOnError(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.CreateAccount(ctx, account.Account{UserID: "u1", Available: 100}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if ok, err := tx.ReserveInk(ctx, "u1", 40); err != nil || !ok {
			t.Fatalf("reserve: ok=%v err=%v", ok, err)
		}
		if err := tx.InsertRequest(ctx, generation.Request{ID: "r1", UserID: "u1", Status: generation.StatusProcessing}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	acct, _ := store.GetAccount(ctx, "u1")
	if acct.Pending != 0 {
		t.Fatalf("pending leaked from rolled back tx: %d", acct.Pending)
	}
	if _, err := store.GetRequest(ctx, "r1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("request leaked from rolled back tx: %v", err)
	}
}

func TestReserveRefusesOverdraft(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, _ = store.CreateAccount(ctx, account.Account{UserID: "u1", Available: 50, Pending: 20})

	err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ok, err := tx.ReserveInk(ctx, "u1", 31)
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("reserve should fail when spendable is 30")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("in tx: %v", err)
	}
}

func TestTransitionIsGuarded(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, _ = store.CreateAccount(ctx, account.Account{UserID: "u1"})
	_ = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertRequest(ctx, generation.Request{ID: "r1", UserID: "u1", Status: generation.StatusProcessing})
	})

	now := time.Now()
	var first, second bool
	_ = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		first, _ = tx.TransitionRequest(ctx, "r1", generation.StatusProcessing, generation.StatusCompleted, "", now)
		return nil
	})
	_ = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		second, _ = tx.TransitionRequest(ctx, "r1", generation.StatusProcessing, generation.StatusError, "timed out", now)
		return nil
	})
	if !first || second {
		t.Fatalf("first=%v second=%v, want true/false", first, second)
	}
	req, _ := store.GetRequest(ctx, "r1")
	if req.Status != generation.StatusCompleted || req.FinishedAt == nil {
		t.Fatalf("unexpected request state: %+v", req)
	}
}

func TestCreatePostLinksMedia(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, _ = store.CreateAccount(ctx, account.Account{UserID: "u1"})
	_ = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertRequest(ctx, generation.Request{ID: "r1", UserID: "u1", Status: generation.StatusProcessing}); err != nil {
			return err
		}
		return tx.InsertMedia(ctx, []generation.Media{{ID: "m1", RequestID: "r1"}, {ID: "m2", RequestID: "r1"}})
	})

	post, err := store.CreatePost(ctx, generation.Post{UserID: "u1", RequestID: "r1"}, []string{"m1", "m2"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	media, _ := store.ListMedia(ctx, "r1")
	for _, m := range media {
		if m.PostID != post.ID {
			t.Fatalf("media %s not linked to post", m.ID)
		}
	}
}

func TestListStaleRequests(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()
	_ = store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_ = tx.InsertRequest(ctx, generation.Request{ID: "old", Status: generation.StatusProcessing, CreatedAt: now.Add(-time.Hour)})
		_ = tx.InsertRequest(ctx, generation.Request{ID: "new", Status: generation.StatusProcessing, CreatedAt: now})
		_ = tx.InsertRequest(ctx, generation.Request{ID: "done", Status: generation.StatusCompleted, CreatedAt: now.Add(-time.Hour)})
		return nil
	})

	stale, err := store.ListStaleRequests(ctx, generation.StatusProcessing, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("unexpected stale set: %+v", stale)
	}
}
