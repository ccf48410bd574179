package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/retry"
)

// OpenAIConfig configures the DALL·E adapter.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Retry      retry.Policy
}

// OpenAI is the synchronous DALL·E adapter. Images come back base64 encoded
// in the response body.
type OpenAI struct {
	client *httputil.Client
	policy retry.Policy
}

var _ Adapter = (*OpenAI)(nil)

// NewOpenAI creates the adapter.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Outbound
	}
	return &OpenAI{
		client: httputil.NewClient(httputil.ClientConfig{
			HTTPClient: cfg.HTTPClient,
			BaseURL:    cfg.BaseURL,
			Header:     map[string]string{"Authorization": "Bearer " + cfg.APIKey},
			Timeout:    2 * time.Minute,
		}),
		policy: cfg.Retry,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Style() Style { return StyleSync }

type openAIRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

// Generate asks for the whole count in one call unless job.PerCall is
// smaller, in which case it issues one call per batch of PerCall images. A
// failed batch drops its images; a refusal stops the rest.
func (o *OpenAI) Generate(ctx context.Context, job Job) ([]Image, error) {
	p := job.Request.Parameters
	req := openAIRequest{
		Model:          p.Model,
		Prompt:         p.Prompt,
		N:              p.Count,
		Size:           fmt.Sprintf("%dx%d", p.Width, p.Height),
		ResponseFormat: "b64_json",
	}
	if job.PerCall <= 0 || job.PerCall >= p.Count {
		return o.create(ctx, req)
	}

	var (
		images  []Image
		lastErr error
	)
	for remaining := p.Count; remaining > 0; remaining -= req.N {
		req.N = min(job.PerCall, remaining)
		batch, err := o.create(ctx, req)
		if err != nil {
			lastErr = err
			if IsTransient(err) || ctx.Err() != nil {
				continue
			}
			break
		}
		images = append(images, batch...)
	}
	if len(images) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return images, nil
}

func (o *OpenAI) create(ctx context.Context, req openAIRequest) ([]Image, error) {
	return call(ctx, o.policy, func(ctx context.Context) ([]Image, error) {
		raw, err := o.client.JSONOnce(ctx, http.MethodPost, "/v1/images/generations", req)
		if err != nil {
			return nil, err
		}
		return parseOpenAIImages(raw)
	})
}

func parseOpenAIImages(raw []byte) ([]Image, error) {
	if !gjson.ValidBytes(raw) {
		return nil, malformedf("openai: invalid json")
	}
	data := gjson.GetBytes(raw, "data")
	if !data.IsArray() {
		return nil, malformedf("openai: missing data array")
	}
	var images []Image
	for _, item := range data.Array() {
		encoded := item.Get("b64_json").String()
		if encoded == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, malformedf("openai: bad base64: %v", err)
		}
		images = append(images, Image{Data: decoded, MimeType: "image/png"})
	}
	return images, nil
}
