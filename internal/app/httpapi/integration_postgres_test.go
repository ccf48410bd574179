//go:build integration && postgres

package httpapi

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/inkframe/backend/internal/app"
	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/app/storage/sqlstore"
	"github.com/inkframe/backend/internal/platform/migrations"
	"github.com/inkframe/backend/internal/retry"
	"github.com/inkframe/backend/pkg/logger"
)

// Runs a full submission against Postgres so the ledger and request rows go
// through the SQL store.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sqlstore.Open(ctx, "postgres", dsn, 5)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db.DB, "postgres"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqlstore.New(db)
	acct, err := store.CreateAccount(ctx, account.Account{Available: 500})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	up := newUpstream(t)
	registry, err := providers.Build(providers.Settings{
		OpenAI: providers.OpenAIConfig{APIKey: "sk-test", BaseURL: up.URL, Retry: retry.Policy{Interval: time.Millisecond, MaxAttempts: 1}},
	}, providers.DefaultCatalog())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	application, err := app.New(app.Stores{Store: store}, app.Dependencies{Registry: registry}, app.Options{Workers: 2}, logger.NewNop())
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	handler, err := NewHandler(application, Config{JWTSecret: testSecret}, logger.NewNop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	token := issue(t, acct.UserID)

	resp := serve(handler, authed(http.MethodPost, "/v1/generations", token, marshal(map[string]any{
		"prompt": "a lighthouse", "width": 256, "height": 256, "count": 1, "provider": "openai",
	})))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	var req generation.Request
	decode(t, resp, &req)

	detail := waitStatus(t, handler, token, req.ID)
	if detail.Status != generation.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", detail.Status, detail.Error)
	}
	after, err := store.GetAccount(ctx, acct.UserID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if after.Available != 490 || after.Pending != 0 {
		t.Fatalf("expected 490/0, got %d/%d", after.Available, after.Pending)
	}

	if resp := serve(handler, authed(http.MethodGet, "/healthz", "", nil)); resp.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.Code)
	}
}
