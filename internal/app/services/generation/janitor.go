package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/metrics"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/internal/app/system"
	"github.com/inkframe/backend/internal/maintenance"
	"github.com/inkframe/backend/pkg/logger"
)

const (
	defaultJanitorSchedule = "@every 10m"
	defaultStaleAfter      = 600 * time.Second
	janitorLockKey         = "inkframe:janitor:sweep"
)

// JanitorConfig tunes the sweep. Zero values select the defaults.
type JanitorConfig struct {
	Schedule   string
	StaleAfter time.Duration
}

var _ system.Service = (*Janitor)(nil)

// Janitor fails requests that stayed in processing past StaleAfter. It
// repairs jobs lost to crashes or shutdown and webhooks that never arrived.
type Janitor struct {
	store      storage.RequestStore
	reconciler *Reconciler
	locker     maintenance.Locker
	schedule   string
	staleAfter time.Duration
	log        *logger.Logger
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewJanitor creates a janitor. locker may be nil when a single replica runs.
func NewJanitor(store storage.RequestStore, reconciler *Reconciler, locker maintenance.Locker, cfg JanitorConfig, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewDefault("generation-janitor")
	}
	if locker == nil {
		locker = maintenance.NoopLocker{}
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultJanitorSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Janitor{
		store:      store,
		reconciler: reconciler,
		locker:     locker,
		schedule:   cfg.Schedule,
		staleAfter: cfg.StaleAfter,
		log:        log,
		now:        time.Now,
	}
}

func (j *Janitor) Name() string { return "generation-janitor" }

func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := cronLogger{log: j.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			j.log.WithError(err).Warn("janitor sweep failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("janitor schedule %q: %w", j.schedule, err)
	}
	c.Start()

	j.cron = c
	j.cancel = cancel
	j.running = true
	j.log.WithField("schedule", j.schedule).WithField("stale_after", j.staleAfter).Info("janitor started")
	return nil
}

func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	c, cancel := j.cron, j.cancel
	j.cron, j.cancel = nil, nil
	j.running = false
	j.mu.Unlock()

	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	j.log.Info("janitor stopped")
	return nil
}

// Sweep finalizes every stale processing request as an error with a full
// refund. It returns how many requests it repaired. When another replica
// holds the sweep lock it does nothing.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	release, ok, err := j.locker.Acquire(ctx, janitorLockKey, j.staleAfter)
	if err != nil {
		metrics.RecordJanitorSweep("error", 0)
		return 0, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		metrics.RecordJanitorSweep("skipped", 0)
		j.log.Debug("sweep lock held elsewhere")
		return 0, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			j.log.WithError(err).Warn("release sweep lock failed")
		}
	}()

	cutoff := j.now().Add(-j.staleAfter)
	stale, err := j.store.ListStaleRequests(ctx, generation.StatusProcessing, cutoff)
	if err != nil {
		metrics.RecordJanitorSweep("error", 0)
		return 0, fmt.Errorf("list stale requests: %w", err)
	}

	repaired := 0
	for _, req := range stale {
		if ctx.Err() != nil {
			break
		}
		err := j.reconciler.Finalize(ctx, req, generation.StatusError, nil, ReasonTimedOut)
		switch {
		case errors.Is(err, ErrAlreadyFinalized):
		case err != nil:
			j.log.WithError(err).WithField("request_id", req.ID).Warn("janitor could not finalize request")
		default:
			repaired++
			j.log.WithField("request_id", req.ID).WithField("created_at", req.CreatedAt).Info("stale request timed out")
		}
	}
	metrics.RecordJanitorSweep("ok", repaired)
	return repaired, ctx.Err()
}

// cronLogger routes cron's internal logging through logrus.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
