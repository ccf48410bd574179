// Command inkctl performs operator tasks against the inkframe database and
// Redis: provisioning accounts, granting ink, issuing tokens and flipping
// the maintenance flag.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/inkframe/backend/internal/app/domain/account"
	"github.com/inkframe/backend/internal/app/httpapi"
	"github.com/inkframe/backend/internal/app/runtime"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/internal/app/storage/sqlstore"
	"github.com/inkframe/backend/internal/config"
	"github.com/inkframe/backend/internal/ink"
	"github.com/inkframe/backend/internal/maintenance"
	"github.com/inkframe/backend/internal/platform/migrations"
	"github.com/inkframe/backend/pkg/logger"
)

const usage = `usage: inkctl <command> [flags]

commands:
  migrate                          apply database migrations
  account  -user ID -ink N         create an account
  grant    -user ID -ink N         add ink to an account
  balance  -user ID                print an account
  token    -user ID [-ttl 24h]     issue an API token
  maintenance on|off|status        toggle submissions
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "inkctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	amount := fs.Int64("ink", 0, "ink amount")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch cmd {
	case "token":
		if *user == "" {
			return fmt.Errorf("token: -user is required")
		}
		secret, err := runtime.DecodeSecret(cfg.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("JWT_SECRET: %w", err)
		}
		token, err := httpapi.IssueToken(secret, *user, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil
	case "maintenance":
		return maintenanceCmd(ctx, cfg, fs.Args(), out)
	case "migrate", "account", "grant", "balance":
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.URL, 1)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db.DB, cfg.Database.Driver); err != nil {
		return err
	}
	store := sqlstore.New(db)
	ledger := ink.NewManager(store, logger.NewDefault("inkctl"))

	switch cmd {
	case "migrate":
		version, _, err := migrations.Version(ctx, db.DB, cfg.Database.Driver)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema at version %d\n", version)
		return nil
	case "account":
		acct, err := store.CreateAccount(ctx, account.Account{UserID: *user, Available: *amount})
		if err != nil {
			return err
		}
		return printJSON(out, acct)
	case "grant":
		if *user == "" || *amount <= 0 {
			return fmt.Errorf("grant: -user and a positive -ink are required")
		}
		acct, err := ledger.Grant(ctx, *user, *amount)
		if err != nil {
			return err
		}
		return printJSON(out, acct)
	default:
		acct, err := ledger.GetBalance(ctx, *user)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("account %q not found", *user)
		}
		if err != nil {
			return err
		}
		return printJSON(out, acct)
	}
}

func maintenanceCmd(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("maintenance: REDIS_ADDR is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()
	gate := maintenance.NewRedisGate(client, "")

	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "on", "off":
		if err := gate.Set(ctx, action == "on"); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("maintenance: expected on, off or status")
	}
	on, err := gate.Enabled(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "maintenance: %v\n", on)
	return nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
