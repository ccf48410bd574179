package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/metrics"
	"github.com/inkframe/backend/internal/app/storage"
	"github.com/inkframe/backend/internal/blob"
	"github.com/inkframe/backend/internal/ink"
	"github.com/inkframe/backend/internal/push"
	"github.com/inkframe/backend/internal/retry"
	"github.com/inkframe/backend/pkg/logger"
)

// Reasons recorded on requests that end without media.
const (
	ReasonNoImages       = "no images produced"
	ReasonTimedOut       = "timed out"
	ReasonCanceled       = "canceled by user"
	ReasonProviderFailed = "provider failed"
	ReasonRejected       = "provider rejected the request"
	ReasonInternal       = "internal error"
)

// Reconciler is the only code path that moves a request out of processing.
// The status change, the media rows and the ink settlement commit together.
type Reconciler struct {
	store   storage.Store
	blobs   blob.Store
	pricing ink.Pricing
	policy  retry.Policy
	push    push.Sender
	log     *logger.Logger
	now     func() time.Time
}

// ReconcilerConfig collects the reconciler collaborators. Blobs and Push
// are optional.
type ReconcilerConfig struct {
	Store   storage.Store
	Blobs   blob.Store
	Pricing ink.Pricing
	Policy  retry.Policy
	Push    push.Sender
}

// NewReconciler creates a reconciler. A zero Policy uses retry.Settlement.
func NewReconciler(cfg ReconcilerConfig, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("generation-reconciler")
	}
	if cfg.Pricing == nil {
		cfg.Pricing = ink.DefaultPricing
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.Settlement
	}
	if cfg.Push == nil {
		cfg.Push = push.Noop{}
	}
	return &Reconciler{
		store:   cfg.Store,
		blobs:   cfg.Blobs,
		pricing: cfg.Pricing,
		policy:  cfg.Policy,
		push:    cfg.Push,
		log:     log,
		now:     time.Now,
	}
}

// Finalize moves req from processing to status, stores media and settles
// the reservation by the number of media kept. A completed status without
// media is recorded as an error. It returns ErrAlreadyFinalized when another
// finalizer moved the request first; the blobs behind media are deleted in
// that case. A retry that finds its own earlier commit counts as success.
func (r *Reconciler) Finalize(ctx context.Context, req generation.Request, status generation.Status, media []generation.Media, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize %s: %q is not a terminal status", req.ID, status)
	}
	if status == generation.StatusCompleted && len(media) == 0 {
		status, reason = generation.StatusError, ReasonNoImages
	}
	if status != generation.StatusCompleted && len(media) > 0 {
		discard(ctx, r.blobs, r.log, media)
		media = nil
	}
	if status == generation.StatusCompleted {
		reason = ""
	}

	produced := len(media)
	actual := r.pricing.Cost(req.Parameters, &produced)
	if actual > req.ReservedCost {
		actual = req.ReservedCost
	}

	log := r.log.WithField("request_id", req.ID).WithField("status", status)
	attempts := 0
	err := retry.Run(ctx, r.policy, settleTransient, func(err error, attempt int, wait time.Duration) {
		log.WithError(err).WithField("attempt", attempt).WithField("retry_in", wait).Warn("finalize failed, retrying")
	}, func(ctx context.Context) error {
		attempts++
		at := r.now().UTC()
		return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			moved, err := tx.TransitionRequest(ctx, req.ID, generation.StatusProcessing, status, reason, at)
			if err != nil {
				return err
			}
			if !moved {
				return ErrAlreadyFinalized
			}
			if len(media) > 0 {
				if err := tx.InsertMedia(ctx, media); err != nil {
					return err
				}
			}
			return ink.Settle(ctx, tx, req.UserID, req.ID, req.ReservedCost, actual, at)
		})
	})

	if err != nil && (attempts > 1 || !errors.Is(err, ErrAlreadyFinalized)) {
		// A failed attempt may have committed without reporting it.
		ok, checkErr := r.committed(context.WithoutCancel(ctx), req.ID, status, reason, media)
		if checkErr != nil {
			log.WithError(checkErr).Warn("verify earlier finalize attempt failed")
		}
		if ok {
			log.Info("finalize attempt had committed despite error")
			err = nil
		}
	}

	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		log.Info("request already finalized")
		discard(ctx, r.blobs, r.log, media)
		return ErrAlreadyFinalized
	case err != nil:
		metrics.RecordSettlementFailure()
		log.WithError(err).
			WithField("critical", true).
			WithField("reserved", req.ReservedCost).
			Error("finalize exhausted retries; ink left pending")
		discard(context.WithoutCancel(ctx), r.blobs, r.log, media)
		return fmt.Errorf("finalize %s: %w", req.ID, err)
	}

	metrics.RecordFinalization(req.Parameters.Provider, string(status))
	log.WithField("media", produced).WithField("charged", actual).Info("request finalized")

	if status == generation.StatusCompleted {
		r.publish(context.WithoutCancel(ctx), req, media)
	}
	return nil
}

// committed reports whether the stored request already carries status,
// reason and exactly the given media, meaning this finalizer's own
// transaction landed.
func (r *Reconciler) committed(ctx context.Context, id string, status generation.Status, reason string, media []generation.Media) (bool, error) {
	stored, err := r.store.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	if stored.Status != status || stored.Error != reason {
		return false, nil
	}
	rows, err := r.store.ListMedia(ctx, id)
	if err != nil {
		return false, err
	}
	if len(rows) != len(media) {
		return false, nil
	}
	ours := make(map[string]bool, len(media))
	for _, m := range media {
		ours[m.ID] = true
	}
	for _, row := range rows {
		if !ours[row.ID] {
			return false, nil
		}
	}
	return true, nil
}

// publish creates the feed post and notifies the owner. Both are best-effort.
func (r *Reconciler) publish(ctx context.Context, req generation.Request, media []generation.Media) {
	ids := make([]string, 0, len(media))
	for _, m := range media {
		ids = append(ids, m.ID)
	}
	post, err := r.store.CreatePost(ctx, generation.Post{UserID: req.UserID, RequestID: req.ID, CreatedAt: r.now().UTC()}, ids)
	if err != nil {
		r.log.WithError(err).WithField("request_id", req.ID).Warn("create post failed")
	}

	note := push.Notification{
		Title:    "Your images are ready",
		Body:     fmt.Sprintf("%d new image(s) from %q", len(media), truncate(req.Parameters.Prompt, 60)),
		DeepLink: "inkframe://generations/" + req.ID,
	}
	if post.ID != "" {
		note.DeepLink = "inkframe://posts/" + post.ID
	}
	if err := r.push.Send(ctx, req.UserID, note); err != nil {
		r.log.WithError(err).WithField("request_id", req.ID).Warn("push notification failed")
	}
}

func settleTransient(err error) bool {
	if errors.Is(err, ErrAlreadyFinalized) || errors.Is(err, storage.ErrNotFound) || errors.Is(err, ink.ErrInvalidAmount) {
		return false
	}
	return retry.Always(err)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
