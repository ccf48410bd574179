package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/app/services/generation"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/internal/app/storage/memory"
	"github.com/inkframe/backend/internal/app/system"
	"github.com/inkframe/backend/internal/blob"
	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/ink"
	"github.com/inkframe/backend/internal/maintenance"
	"github.com/inkframe/backend/internal/moderation"
	"github.com/inkframe/backend/internal/push"
	"github.com/inkframe/backend/internal/retry"
	"github.com/inkframe/backend/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil Store defaults to the
// in-memory implementation.
type Stores struct {
	Store storage.Store
}

// Dependencies are the outward-facing collaborators. Nil values default to
// in-process or no-op implementations.
type Dependencies struct {
	Registry   *providers.Registry
	Blobs      blob.Store
	Fetcher    generation.Fetcher
	Moderation moderation.Checker
	Gate       maintenance.Switch
	Locker     maintenance.Locker
	Push       push.Sender
}

// Options tunes the generation pipeline.
type Options struct {
	Workers       int
	QueueSize     int
	JobTimeout    time.Duration
	PublicBaseURL string
	Janitor       generation.JanitorConfig
	// Settlement overrides the finalize retry policy; zero uses retry.Settlement.
	Settlement retry.Policy
	Uploads    retry.Policy
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store       storage.Store
	Registry    *providers.Registry
	Ink         *ink.Manager
	Generations *generation.Service
	Janitor     *generation.Janitor
	Maintenance maintenance.Switch
}

// New builds a fully initialised application.
func New(stores Stores, deps Dependencies, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Store == nil {
		stores.Store = memory.New()
	}
	if deps.Registry == nil {
		reg, err := providers.Build(providers.Settings{}, providers.DefaultCatalog())
		if err != nil {
			return nil, fmt.Errorf("build provider registry: %w", err)
		}
		deps.Registry = reg
	}
	if deps.Blobs == nil {
		log.Warn("no blob store configured; media is kept in memory")
		deps.Blobs = blob.NewMemoryStore("")
	}
	if deps.Fetcher == nil {
		deps.Fetcher = httputil.NewClient(httputil.ClientConfig{
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
			Retry:      retry.Outbound,
		})
	}
	if deps.Gate == nil {
		deps.Gate = maintenance.NewStatic(false)
	}
	if opts.Uploads.MaxAttempts == 0 {
		opts.Uploads = retry.Outbound
	}

	manager := system.NewManager()

	pool := generation.NewPool(opts.Workers, opts.QueueSize, log.Named("generation-pool"))
	reconciler := generation.NewReconciler(generation.ReconcilerConfig{
		Store:   stores.Store,
		Blobs:   deps.Blobs,
		Pricing: deps.Registry.Pricing(),
		Policy:  opts.Settlement,
		Push:    deps.Push,
	}, log.Named("generation-reconciler"))
	materializer := generation.NewMaterializer(deps.Blobs, deps.Fetcher, opts.Uploads, log.Named("generation-materializer"))

	svc, err := generation.New(generation.Options{
		Store:         stores.Store,
		Registry:      deps.Registry,
		Pool:          pool,
		Materializer:  materializer,
		Reconciler:    reconciler,
		Moderation:    deps.Moderation,
		Gate:          deps.Gate,
		PublicBaseURL: opts.PublicBaseURL,
		JobTimeout:    opts.JobTimeout,
	}, log.Named("generation"))
	if err != nil {
		return nil, err
	}
	janitor := generation.NewJanitor(stores.Store, reconciler, deps.Locker, opts.Janitor, log.Named("generation-janitor"))

	for _, s := range []system.Service{pool, janitor} {
		if err := manager.Register(s); err != nil {
			return nil, fmt.Errorf("register %s: %w", s.Name(), err)
		}
	}

	return &Application{
		manager:     manager,
		log:         log,
		Store:       stores.Store,
		Registry:    deps.Registry,
		Ink:         ink.NewManager(stores.Store, log.Named("ink")),
		Generations: svc,
		Janitor:     janitor,
		Maintenance: deps.Gate,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Ready reports whether the store answers.
func (a *Application) Ready(ctx context.Context) error {
	if _, err := a.Store.GetRequest(ctx, "00000000-0000-0000-0000-000000000000"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
