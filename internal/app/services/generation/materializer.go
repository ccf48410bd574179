package generation

import (
	"context"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/app/providers"
	"github.com/inkframe/backend/internal/blob"
	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/retry"
	"github.com/inkframe/backend/pkg/logger"
)

// maxImageBytes bounds a fetched provider image.
const maxImageBytes = 32 << 20

var (
	errNoFetcher  = errors.New("generation: no fetcher configured for url image")
	errEmptyImage = errors.New("generation: empty image")
)

// Fetcher downloads URL images. *httputil.Client implements it with its own
// retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, url string, limit int64) ([]byte, string, error)
}

// Materializer turns adapter images into stored media rows.
type Materializer struct {
	blobs   blob.Store
	fetcher Fetcher
	policy  retry.Policy
	log     *logger.Logger
	now     func() time.Time
}

// NewMaterializer wires the blob store and fetcher. policy governs uploads;
// only network failures, 5xx and 429 responses are retried.
func NewMaterializer(blobs blob.Store, fetcher Fetcher, policy retry.Policy, log *logger.Logger) *Materializer {
	if log == nil {
		log = logger.NewDefault("generation-materializer")
	}
	return &Materializer{blobs: blobs, fetcher: fetcher, policy: policy, log: log, now: time.Now}
}

// Materialize stores up to req.Parameters.Count images. Images that cannot
// be fetched or uploaded are dropped; the returned slice may be empty.
func (m *Materializer) Materialize(ctx context.Context, req generation.Request, images []providers.Image) []generation.Media {
	want := req.Parameters.Count
	if want <= 0 || len(images) < want {
		want = len(images)
	}
	out := make([]generation.Media, 0, want)
	for i, img := range images {
		if len(out) == want {
			break
		}
		media, err := m.store(ctx, req, img)
		if err != nil {
			m.log.WithError(err).
				WithField("request_id", req.ID).
				WithField("image", i).
				Warn("dropping generated image")
			continue
		}
		out = append(out, media)
	}
	return out
}

func (m *Materializer) store(ctx context.Context, req generation.Request, img providers.Image) (generation.Media, error) {
	data, mimeType := img.Data, img.MimeType
	if len(data) == 0 && img.URL != "" {
		if m.fetcher == nil {
			return generation.Media{}, errNoFetcher
		}
		fetched, contentType, err := m.fetcher.Fetch(ctx, img.URL, maxImageBytes)
		if err != nil {
			return generation.Media{}, err
		}
		data = fetched
		if mimeType == "" {
			mimeType = contentType
		}
	}
	if len(data) == 0 {
		return generation.Media{}, errEmptyImage
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	hint := path.Join(req.UserID, req.ID)
	obj, err := retry.Do(ctx, m.policy, httputil.IsTransient, nil, func(ctx context.Context) (blob.Object, error) {
		return m.blobs.Upload(ctx, data, mimeType, hint)
	})
	if err != nil {
		return generation.Media{}, err
	}

	return generation.Media{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		UserID:    req.UserID,
		FileID:    obj.FileID,
		URL:       obj.URL,
		Width:     req.Parameters.Width,
		Height:    req.Parameters.Height,
		MimeType:  mimeType,
		Provider:  req.Parameters.Provider,
		Model:     req.Parameters.Model,
		Seed:      img.Seed,
		CreatedAt: m.now().UTC(),
	}, nil
}

// Discard deletes the blobs behind media. Failures are logged only.
func (m *Materializer) Discard(ctx context.Context, media []generation.Media) {
	discard(ctx, m.blobs, m.log, media)
}

func discard(ctx context.Context, blobs blob.Store, log *logger.Logger, media []generation.Media) {
	if blobs == nil {
		return
	}
	for _, item := range media {
		if item.FileID == "" {
			continue
		}
		if err := blobs.Delete(ctx, item.FileID); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.WithError(err).WithField("file_id", item.FileID).Warn("delete orphaned blob failed")
		}
	}
}
