// Package runtime assembles the process: configuration, persistence, the
// provider registry, the generation application and its HTTP server.
package runtime

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	app "github.com/inkframe/backend/internal/app"
	"github.com/inkframe/backend/internal/app/httpapi"
	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/app/services/generation"
	"github.com/inkframe/backend/internal/app/storage/sqlstore"
	"github.com/inkframe/backend/internal/blob"
	"github.com/inkframe/backend/internal/config"
	"github.com/inkframe/backend/internal/maintenance"
	"github.com/inkframe/backend/internal/moderation"
	"github.com/inkframe/backend/internal/platform/migrations"
	"github.com/inkframe/backend/internal/push"
	"github.com/inkframe/backend/pkg/logger"
)

const minSecretLen = 32

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	db      *sqlx.DB
	redis   *redis.Client
	app     *app.Application
	handler *httpapi.Handler
	server  *http.Server
}

// NewApplication connects to the configured backends and builds the HTTP
// handler. Nothing is started until Run.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	jwtSecret, err := DecodeSecret(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("JWT_SECRET: %w", err)
	}

	db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &Application{cfg: cfg, log: log, db: db}
	if err := migrations.Apply(ctx, db.DB, cfg.Database.Driver); err != nil {
		a.closeBackends()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	store := sqlstore.New(db)

	deps := app.Dependencies{}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.closeBackends()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.Gate = maintenance.NewRedisGate(a.redis, "")
		deps.Locker = maintenance.NewRedisLocker(a.redis)
	} else {
		log.Warn("REDIS_ADDR not set; maintenance flag and janitor lock are process-local")
	}

	catalog, err := config.LoadProvidersOrDefault(cfg.ProvidersFile)
	if err != nil {
		a.closeBackends()
		return nil, err
	}
	deps.Registry, err = providers.Build(providers.Settings{
		OpenAI: providers.OpenAIConfig{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL},
		Horde:  providers.HordeConfig{APIKey: cfg.Horde.APIKey, BaseURL: cfg.Horde.BaseURL, Budget: cfg.Horde.Budget},
		Modal:  providers.ModalConfig{Endpoint: cfg.Modal.Endpoint, Token: cfg.Modal.Token},
	}, catalog)
	if err != nil {
		a.closeBackends()
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	if cfg.Azure.Enabled() {
		deps.Blobs, err = blob.NewAzureStore(blob.AzureConfig{
			TenantID:     cfg.Azure.TenantID,
			ClientID:     cfg.Azure.ClientID,
			ClientSecret: cfg.Azure.ClientSecret,
			Account:      cfg.Azure.Account,
			Container:    cfg.Azure.Container,
			PublicURL:    cfg.Azure.PublicURL,
		})
		if err != nil {
			a.closeBackends()
			return nil, err
		}
	}

	if cfg.Moderation.Enabled && cfg.OpenAI.APIKey != "" {
		deps.Moderation = moderation.NewOpenAI(moderation.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.Moderation.Model,
		})
	}
	if cfg.Expo.Enabled {
		deps.Push = push.NewExpo(push.ExpoConfig{AccessToken: cfg.Expo.AccessToken}, store)
	}

	a.app, err = app.New(app.Stores{Store: store}, deps, app.Options{
		Workers:       cfg.Workers.Count,
		QueueSize:     cfg.Workers.QueueSize,
		JobTimeout:    cfg.Workers.JobTimeout,
		PublicBaseURL: cfg.PublicBaseURL,
		Janitor: generation.JanitorConfig{
			Schedule:   cfg.Janitor.Schedule,
			StaleAfter: cfg.Janitor.StaleAfter,
		},
	}, log.Named("app"))
	if err != nil {
		a.closeBackends()
		return nil, err
	}

	a.handler, err = httpapi.NewHandler(a.app, httpapi.Config{
		JWTSecret:      jwtSecret,
		WebhookSecret:  cfg.Auth.WebhookSecret,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		AuditLogPath:   cfg.HTTP.AuditLogPath,
	}, log.Named("http"))
	if err != nil {
		a.closeBackends()
		return nil, err
	}
	a.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return a, nil
}

// App exposes the assembled application.
func (a *Application) App() *app.Application { return a.app }

// Handler exposes the root HTTP handler.
func (a *Application) Handler() http.Handler { return a.handler }

// Run starts the background services and the HTTP server, then blocks until
// ctx is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", ln.Addr().String()).Info("HTTP server listening")
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, drains the worker pool and closes the
// backends.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop services: %w", err))
	}
	if err := a.handler.Close(); err != nil {
		a.log.WithError(err).Warn("error closing audit log")
	}
	a.closeBackends()
	return errors.Join(errs...)
}

func (a *Application) closeBackends() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
}

// DecodeSecret accepts a raw string or a base64:/hex: prefixed encoding of at
// least minSecretLen bytes.
func DecodeSecret(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("missing secret")
	}

	var (
		secret []byte
		err    error
	)
	switch {
	case strings.HasPrefix(value, "base64:"):
		secret, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "base64:"))
	case strings.HasPrefix(value, "hex:"):
		secret, err = hex.DecodeString(strings.TrimPrefix(value, "hex:"))
	default:
		secret = []byte(value)
	}
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("must be at least %d bytes", minSecretLen)
	}
	return secret, nil
}
