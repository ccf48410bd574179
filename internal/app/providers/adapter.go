// Package providers holds the generation adapters and the static registry
// that selects one per (provider, model).
//
// An adapter turns a validated request into zero or more images. Adapters
// come in three styles: sync returns images from one call, poll creates a
// remote job and polls it to completion, and webhook fires the job and
// returns ErrAwaitingCallback; its result arrives later through an inbound
// callback decoded by the adapter's CallbackDecoder.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/retry"
)

// Style is the interaction style of an adapter.
type Style string

const (
	StyleSync    Style = "sync"
	StylePoll    Style = "poll"
	StyleWebhook Style = "webhook"
)

var (
	// ErrProviderFatal marks an explicit provider refusal or fault. Never retried.
	ErrProviderFatal = errors.New("provider: fatal error")
	// ErrTimeout is returned when a poll budget is exhausted.
	ErrTimeout = errors.New("provider: timed out")
	// ErrAwaitingCallback is returned by webhook adapters once the job is accepted.
	ErrAwaitingCallback = errors.New("provider: awaiting callback")
	// ErrMalformedResponse marks an unparseable provider response. Retried.
	ErrMalformedResponse = errors.New("provider: malformed response")
	// ErrUnknownModel is returned by Registry.Lookup.
	ErrUnknownModel = errors.New("provider: unknown provider or model")
	// ErrInvalidParameters wraps every limit violation.
	ErrInvalidParameters = errors.New("provider: invalid parameters")
)

// Image is one generated image: inline bytes or a URL to fetch.
type Image struct {
	Data     []byte
	URL      string
	MimeType string
	Seed     *int64
}

// Job is the unit of work handed to an adapter.
type Job struct {
	Request     generation.Request
	CallbackURL string
	// PerCall is the model's per-call image cap; zero means unlimited.
	PerCall int
}

// Adapter is the generation capability of one provider.
type Adapter interface {
	Name() string
	Style() Style
	Generate(ctx context.Context, job Job) ([]Image, error)
}

// Callback is a decoded completion delivered to the webhook endpoint.
type Callback struct {
	RequestID string
	Images    []Image
	// Error is set when the provider reports a failed job.
	Error string
}

// CallbackDecoder is implemented by webhook adapters.
type CallbackDecoder interface {
	DecodeCallback(body []byte) (Callback, error)
}

func fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProviderFatal, fmt.Sprintf(format, args...))
}

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}

// IsTransient classifies adapter errors for retry. Malformed responses and
// transient transport failures are retried; refusals, timeouts and client
// errors are not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrProviderFatal), errors.Is(err, ErrTimeout), errors.Is(err, ErrAwaitingCallback):
		return false
	case errors.Is(err, ErrMalformedResponse):
		return true
	}
	return httputil.IsTransient(err)
}

// classify turns 4xx responses into fatal errors so they read as provider
// refusals upstream.
func classify(err error) error {
	var statusErr *httputil.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 && statusErr.StatusCode != 429 {
		return fmt.Errorf("%w: %v", ErrProviderFatal, err)
	}
	return err
}

// call runs one provider round trip under policy.
func call[T any](ctx context.Context, policy retry.Policy, op func(ctx context.Context) (T, error)) (T, error) {
	out, err := retry.Do(ctx, policy, IsTransient, nil, op)
	if err != nil {
		return out, classify(err)
	}
	return out, nil
}

// IsFatal reports whether err is a provider refusal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProviderFatal)
}
