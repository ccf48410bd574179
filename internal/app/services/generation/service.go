// Package generation runs the lifecycle of generation requests: admission
// and reservation on submit, provider execution on a bounded worker pool,
// and settlement through the Reconciler.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/metrics"
	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/internal/ink"
	"github.com/inkframe/backend/internal/maintenance"
	"github.com/inkframe/backend/internal/moderation"
	"github.com/inkframe/backend/pkg/logger"
)

// Detail is a request together with its media.
type Detail struct {
	generation.Request
	Media []generation.Media `json:"media"`
}

// Options wires the service. Store, Registry, Pool, Materializer and
// Reconciler are required.
type Options struct {
	Store        storage.Store
	Registry     *providers.Registry
	Pool         *Pool
	Materializer *Materializer
	Reconciler   *Reconciler
	Moderation   moderation.Checker
	Gate         maintenance.Gate
	// PublicBaseURL prefixes webhook callback URLs handed to providers.
	PublicBaseURL string
	// JobTimeout bounds one adapter call. Zero means 15 minutes.
	JobTimeout time.Duration
}

// Service is the job supervisor.
type Service struct {
	store        storage.Store
	registry     *providers.Registry
	pricing      ink.Pricing
	pool         *Pool
	materializer *Materializer
	reconciler   *Reconciler
	moderation   moderation.Checker
	gate         maintenance.Gate
	callbackBase string
	jobTimeout   time.Duration
	log          *logger.Logger
	now          func() time.Time
}

// New builds the service.
func New(opts Options, log *logger.Logger) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("generation: store is required")
	case opts.Registry == nil:
		return nil, errors.New("generation: registry is required")
	case opts.Pool == nil:
		return nil, errors.New("generation: pool is required")
	case opts.Materializer == nil || opts.Reconciler == nil:
		return nil, errors.New("generation: materializer and reconciler are required")
	}
	if log == nil {
		log = logger.NewDefault("generation")
	}
	if opts.Moderation == nil {
		opts.Moderation = moderation.Noop{}
	}
	if opts.Gate == nil {
		opts.Gate = maintenance.NewStatic(false)
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 15 * time.Minute
	}
	return &Service{
		store:        opts.Store,
		registry:     opts.Registry,
		pricing:      opts.Registry.Pricing(),
		pool:         opts.Pool,
		materializer: opts.Materializer,
		reconciler:   opts.Reconciler,
		moderation:   opts.Moderation,
		gate:         opts.Gate,
		callbackBase: strings.TrimRight(opts.PublicBaseURL, "/"),
		jobTimeout:   opts.JobTimeout,
		log:          log,
		now:          time.Now,
	}, nil
}

// Quote returns the ink a submission of p would reserve.
func (s *Service) Quote(p generation.Parameters) (int64, error) {
	entry, err := s.registry.Lookup(p.Provider, p.Model)
	if err != nil {
		return 0, invalidParameters(err)
	}
	p.Provider, p.Model = entry.Key.Provider, entry.Key.Model
	return s.pricing.Cost(p, nil), nil
}

// Submit admits a request, reserves its ink, persists it as processing and
// queues it. It returns once the request is durable.
func (s *Service) Submit(ctx context.Context, userID string, p generation.Parameters) (generation.Request, error) {
	req, err := s.submit(ctx, userID, p)
	outcome := "accepted"
	if err != nil {
		outcome = "internal"
		var e *Error
		if errors.As(err, &e) {
			outcome = string(e.Kind)
		}
	}
	metrics.RecordSubmission(p.Provider, outcome)
	return req, err
}

func (s *Service) submit(ctx context.Context, userID string, p generation.Parameters) (generation.Request, error) {
	if strings.TrimSpace(userID) == "" {
		return generation.Request{}, newError(KindValidation, "user id is required", nil)
	}

	on, err := s.gate.Enabled(ctx)
	if err != nil {
		s.log.WithError(err).Warn("maintenance gate unavailable; admitting request")
	} else if on {
		return generation.Request{}, ErrMaintenance
	}

	entry, err := s.registry.Lookup(p.Provider, p.Model)
	if err != nil {
		return generation.Request{}, invalidParameters(err)
	}
	p.Provider, p.Model = entry.Key.Provider, entry.Key.Model
	p.Prompt = strings.TrimSpace(p.Prompt)
	if err := entry.Limits.Validate(p); err != nil {
		return generation.Request{}, invalidParameters(err)
	}

	verdict, err := s.moderation.Check(ctx, p.Prompt)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("moderation check failed; treating prompt as clean")
	} else if verdict.Flagged {
		s.log.WithField("user_id", userID).WithField("categories", verdict.Categories).Info("prompt rejected by moderation")
		return generation.Request{}, ErrModerationRejected
	}

	if !s.pool.Running() || s.pool.Saturated() {
		return generation.Request{}, ErrBusy
	}

	now := s.now().UTC()
	req := generation.Request{
		ID:           uuid.NewString(),
		UserID:       userID,
		Status:       generation.StatusProcessing,
		Parameters:   p,
		ReservedCost: s.pricing.Cost(p, nil),
		CreatedAt:    now,
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := ink.Reserve(ctx, tx, userID, req.ID, req.ReservedCost, now); err != nil {
			return err
		}
		return tx.InsertRequest(ctx, req)
	})
	switch {
	case errors.Is(err, ink.ErrInsufficientCredit):
		return generation.Request{}, ErrInsufficientCredit
	case errors.Is(err, storage.ErrNotFound):
		return generation.Request{}, newError(KindNotFound, "account not found", nil)
	case err != nil:
		return generation.Request{}, fmt.Errorf("create request: %w", err)
	}

	log := s.log.WithField("request_id", req.ID).WithField("user_id", userID)
	job := req.Clone()
	if err := s.pool.TrySubmit(func(ctx context.Context) { s.process(ctx, job) }); err != nil {
		log.WithError(err).Warn("enqueue lost to saturation; refunding")
		ctx := context.WithoutCancel(ctx)
		ferr := s.reconciler.Finalize(ctx, req, generation.StatusError, nil, ReasonInternal)
		if ferr == nil || errors.Is(ferr, ErrAlreadyFinalized) {
			if stored, gerr := s.store.GetRequest(ctx, req.ID); gerr == nil {
				req = stored
			}
		}
		return req, nil
	}

	log.WithField("provider", p.Provider).
		WithField("model", p.Model).
		WithField("reserved", req.ReservedCost).
		Info("generation request accepted")
	return req, nil
}

// process is the worker body for one request.
func (s *Service) process(ctx context.Context, req generation.Request) {
	log := s.log.WithField("request_id", req.ID).WithField("provider", req.Parameters.Provider)
	defer func() {
		if r := recover(); r != nil {
			log.WithError(fmt.Errorf("panic: %v", r)).Error("generation worker panicked")
			s.finalize(ctx, req, generation.StatusError, nil, ReasonInternal)
		}
	}()

	entry, err := s.registry.Lookup(req.Parameters.Provider, req.Parameters.Model)
	if err != nil {
		log.WithError(err).Error("registry entry vanished")
		s.finalize(ctx, req, generation.StatusError, nil, ReasonInternal)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	start := time.Now()
	images, err := entry.Adapter.Generate(callCtx, providers.Job{
		Request:     req,
		CallbackURL: s.callbackURL(entry.Key.Provider),
		PerCall:     entry.Limits.PerCall,
	})
	cancel()

	switch {
	case errors.Is(err, providers.ErrAwaitingCallback):
		metrics.RecordProviderCall(req.Parameters.Provider, "dispatched", time.Since(start))
		log.Debug("job dispatched, awaiting callback")
		return
	case err != nil && len(images) == 0:
		metrics.RecordProviderCall(req.Parameters.Provider, "error", time.Since(start))
		log.WithError(err).Warn("provider returned no images")
		s.finalize(ctx, req, generation.StatusError, nil, failureReason(err))
		return
	case err != nil:
		log.WithError(err).WithField("images", len(images)).Warn("provider failed after partial output")
	}
	metrics.RecordProviderCall(req.Parameters.Provider, "ok", time.Since(start))

	media := s.materializer.Materialize(ctx, req, images)
	s.finalize(ctx, req, generation.StatusCompleted, media, "")
}

func (s *Service) finalize(ctx context.Context, req generation.Request, status generation.Status, media []generation.Media, reason string) {
	err := s.reconciler.Finalize(ctx, req, status, media, reason)
	if err != nil && !errors.Is(err, ErrAlreadyFinalized) {
		s.log.WithError(err).WithField("request_id", req.ID).Error("request left processing for the janitor")
	}
}

func (s *Service) callbackURL(provider string) string {
	if s.callbackBase == "" {
		return ""
	}
	return s.callbackBase + "/webhooks/" + provider
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, providers.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimedOut
	case providers.IsFatal(err):
		return ReasonRejected
	}
	return ReasonProviderFailed
}

// CompleteCallback settles a webhook-style request from the provider's
// inbound payload. Repeated deliveries for a finished request succeed
// without effect.
func (s *Service) CompleteCallback(ctx context.Context, provider string, body []byte) error {
	adapter, ok := s.registry.Adapter(provider)
	if !ok {
		return newError(KindNotFound, "unknown provider", nil)
	}
	decoder, ok := adapter.(providers.CallbackDecoder)
	if !ok {
		return newError(KindNotFound, "provider does not accept callbacks", nil)
	}
	cb, err := decoder.DecodeCallback(body)
	if err != nil {
		return newError(KindValidation, "malformed callback payload", err)
	}

	req, err := s.store.GetRequest(ctx, cb.RequestID)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(KindNotFound, "request not found", nil)
	}
	if err != nil {
		return fmt.Errorf("load request %s: %w", cb.RequestID, err)
	}
	log := s.log.WithField("request_id", req.ID).WithField("provider", adapter.Name())
	if req.Parameters.Provider != adapter.Name() {
		return newError(KindNotFound, "request not found", nil)
	}
	if req.Status.Terminal() {
		log.WithField("status", req.Status).Info("duplicate callback ignored")
		return nil
	}

	// The provider may hang up before settlement finishes.
	work := context.WithoutCancel(ctx)
	if cb.Error != "" {
		log.WithField("provider_error", cb.Error).Warn("provider reported job failure")
		s.finalize(work, req, generation.StatusError, nil, ReasonProviderFailed)
		return nil
	}

	media := s.materializer.Materialize(work, req, cb.Images)
	err = s.reconciler.Finalize(work, req, generation.StatusCompleted, media, "")
	if err != nil && !errors.Is(err, ErrAlreadyFinalized) {
		return err
	}
	return nil
}

// Get returns a request owned by userID with its media.
func (s *Service) Get(ctx context.Context, userID, id string) (Detail, error) {
	req, err := s.owned(ctx, userID, id)
	if err != nil {
		return Detail{}, err
	}
	media, err := s.store.ListMedia(ctx, id)
	if err != nil {
		return Detail{}, fmt.Errorf("list media: %w", err)
	}
	if media == nil {
		media = []generation.Media{}
	}
	return Detail{Request: req, Media: media}, nil
}

// List returns the most recent requests of userID.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]generation.Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	reqs, err := s.store.ListRequests(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return reqs, nil
}

// Cancel finalizes a processing request as canceled with a full refund.
// A late provider result for it is discarded.
func (s *Service) Cancel(ctx context.Context, userID, id string) (generation.Request, error) {
	req, err := s.owned(ctx, userID, id)
	if err != nil {
		return generation.Request{}, err
	}
	if req.Status.Terminal() {
		return req, ErrConflict
	}
	err = s.reconciler.Finalize(ctx, req, generation.StatusCanceled, nil, ReasonCanceled)
	if errors.Is(err, ErrAlreadyFinalized) {
		return req, ErrConflict
	}
	if err != nil {
		return generation.Request{}, err
	}
	return s.store.GetRequest(ctx, id)
}

func (s *Service) owned(ctx context.Context, userID, id string) (generation.Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && req.UserID != userID) {
		return generation.Request{}, newError(KindNotFound, "generation not found", nil)
	}
	if err != nil {
		return generation.Request{}, fmt.Errorf("load request %s: %w", id, err)
	}
	return req, nil
}
