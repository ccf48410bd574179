// Package moderation screens prompts before any ink is reserved.
package moderation

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/retry"
)

// Verdict is the outcome of a moderation check.
type Verdict struct {
	Flagged    bool
	Categories []string
}

// Checker screens text.
type Checker interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

// Noop never flags anything.
type Noop struct{}

func (Noop) Check(context.Context, string) (Verdict, error) { return Verdict{}, nil }

// OpenAIConfig configures the OpenAI moderation client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAI calls the /v1/moderations endpoint.
type OpenAI struct {
	client *httputil.Client
	model  string
}

var _ Checker = (*OpenAI)(nil)

// NewOpenAI creates the client. Moderation runs on the request path, so it
// gets a short timeout and a single retry.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "omni-moderation-latest"
	}
	return &OpenAI{
		client: httputil.NewClient(httputil.ClientConfig{
			HTTPClient: cfg.HTTPClient,
			BaseURL:    cfg.BaseURL,
			Header:     map[string]string{"Authorization": "Bearer " + cfg.APIKey},
			Timeout:    5 * time.Second,
			Retry:      retry.Policy{Interval: 250 * time.Millisecond, MaxAttempts: 2},
		}),
		model: cfg.Model,
	}
}

func (o *OpenAI) Check(ctx context.Context, text string) (Verdict, error) {
	raw, err := o.client.JSON(ctx, http.MethodPost, "/v1/moderations", map[string]string{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return Verdict{}, err
	}

	var v Verdict
	for _, result := range gjson.GetBytes(raw, "results").Array() {
		if !result.Get("flagged").Bool() {
			continue
		}
		v.Flagged = true
		result.Get("categories").ForEach(func(key, value gjson.Result) bool {
			if value.Bool() {
				v.Categories = append(v.Categories, key.String())
			}
			return true
		})
	}
	return v, nil
}
