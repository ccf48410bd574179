package providers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/retry"
)

// ModalConfig configures the webhook-completed adapter.
type ModalConfig struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	Retry      retry.Policy
}

// Modal fires a job at a Modal web endpoint and waits for it to call back.
type Modal struct {
	client   *httputil.Client
	endpoint string
	policy   retry.Policy
}

var (
	_ Adapter         = (*Modal)(nil)
	_ CallbackDecoder = (*Modal)(nil)
)

// NewModal creates the adapter.
func NewModal(cfg ModalConfig) *Modal {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Outbound
	}
	header := map[string]string{}
	if cfg.Token != "" {
		header["Authorization"] = "Bearer " + cfg.Token
	}
	return &Modal{
		client: httputil.NewClient(httputil.ClientConfig{
			HTTPClient: cfg.HTTPClient,
			Header:     header,
			Timeout:    30 * time.Second,
		}),
		endpoint: cfg.Endpoint,
		policy:   cfg.Retry,
	}
}

func (m *Modal) Name() string { return "modal" }

func (m *Modal) Style() Style { return StyleWebhook }

type modalRequest struct {
	RequestID   string `json:"request_id"`
	CallbackURL string `json:"callback_url"`
	Prompt      string `json:"prompt"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Count       int    `json:"count"`
	Model       string `json:"model"`
	InputImage  string `json:"input_image,omitempty"`
}

// Generate returns ErrAwaitingCallback once the endpoint acknowledges the
// job with any 2xx.
func (m *Modal) Generate(ctx context.Context, job Job) ([]Image, error) {
	if m.endpoint == "" {
		return nil, fatalf("modal: endpoint not configured")
	}
	if job.CallbackURL == "" {
		return nil, fatalf("modal: callback url not configured")
	}
	p := job.Request.Parameters
	_, err := call(ctx, m.policy, func(ctx context.Context) ([]byte, error) {
		return m.client.JSONOnce(ctx, http.MethodPost, m.endpoint, modalRequest{
			RequestID:   job.Request.ID,
			CallbackURL: job.CallbackURL,
			Prompt:      p.Prompt,
			Width:       p.Width,
			Height:      p.Height,
			Count:       p.Count,
			Model:       p.Model,
			InputImage:  p.InputImage,
		})
	})
	if err != nil {
		return nil, err
	}
	return nil, ErrAwaitingCallback
}

// DecodeCallback parses {request_id, output:[{seed,url}], error?}.
func (m *Modal) DecodeCallback(body []byte) (Callback, error) {
	if !gjson.ValidBytes(body) {
		return Callback{}, malformedf("modal: invalid callback json")
	}
	res := gjson.ParseBytes(body)
	cb := Callback{
		RequestID: res.Get("request_id").String(),
		Error:     res.Get("error").String(),
	}
	if cb.RequestID == "" {
		return Callback{}, malformedf("modal: callback without request_id")
	}
	for _, out := range res.Get("output").Array() {
		u := out.Get("url").String()
		if u == "" {
			continue
		}
		img := Image{URL: u, MimeType: out.Get("mime_type").String()}
		if s := out.Get("seed"); s.Exists() {
			if seed, err := strconv.ParseInt(s.String(), 10, 64); err == nil {
				img.Seed = &seed
			}
		}
		cb.Images = append(cb.Images, img)
	}
	return cb, nil
}
