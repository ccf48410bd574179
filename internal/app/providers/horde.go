package providers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/retry"
)

const (
	defaultHordeMinWait = 3 * time.Second
	defaultHordeMaxWait = 60 * time.Second
	defaultHordeBudget  = 600 * time.Second
)

// HordeConfig configures the AI Horde adapter.
type HordeConfig struct {
	APIKey     string
	BaseURL    string
	MinWait    time.Duration
	MaxWait    time.Duration
	Budget     time.Duration
	HTTPClient *http.Client
	Retry      retry.Policy
}

// Horde is the poll-until-done adapter for the AI Horde.
type Horde struct {
	client  *httputil.Client
	policy  retry.Policy
	minWait time.Duration
	maxWait time.Duration
	budget  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Adapter = (*Horde)(nil)

// NewHorde creates the adapter.
func NewHorde(cfg HordeConfig) *Horde {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://aihorde.net/api/v2"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "0000000000"
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = defaultHordeMinWait
	}
	if cfg.MaxWait < cfg.MinWait {
		cfg.MaxWait = defaultHordeMaxWait
	}
	if cfg.Budget <= 0 {
		cfg.Budget = defaultHordeBudget
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Outbound
	}
	return &Horde{
		client: httputil.NewClient(httputil.ClientConfig{
			HTTPClient: cfg.HTTPClient,
			BaseURL:    cfg.BaseURL,
			Header: map[string]string{
				"apikey":       cfg.APIKey,
				"Client-Agent": "inkframe:1:backend",
			},
			Timeout: 30 * time.Second,
		}),
		policy:  cfg.Retry,
		minWait: cfg.MinWait,
		maxWait: cfg.MaxWait,
		budget:  cfg.Budget,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func (h *Horde) Name() string { return "horde" }

func (h *Horde) Style() Style { return StylePoll }

type hordeParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	N      int `json:"n"`
}

type hordeRequest struct {
	Prompt     string      `json:"prompt"`
	Params     hordeParams `json:"params"`
	Models     []string    `json:"models,omitempty"`
	NSFW       bool        `json:"nsfw"`
	CensorNSFW bool        `json:"censor_nsfw"`
	R2         bool        `json:"r2"`
}

// hordeCheck is the subset of /generate/check the poll loop reads.
type hordeCheck struct {
	Done       bool
	Faulted    bool
	IsPossible bool
	WaitTime   time.Duration
}

// Generate submits the job and polls it until done, faulted or the budget
// runs out. Censored generations are dropped.
func (h *Horde) Generate(ctx context.Context, job Job) ([]Image, error) {
	p := job.Request.Parameters
	started := h.now()

	id, err := call(ctx, h.policy, func(ctx context.Context) (string, error) {
		raw, err := h.client.JSONOnce(ctx, http.MethodPost, "/generate/async", hordeRequest{
			Prompt:     p.Prompt,
			Params:     hordeParams{Width: p.Width, Height: p.Height, N: p.Count},
			Models:     []string{p.Model},
			CensorNSFW: true,
			R2:         true,
		})
		if err != nil {
			return "", err
		}
		id := gjson.GetBytes(raw, "id").String()
		if id == "" {
			if msg := gjson.GetBytes(raw, "message").String(); msg != "" {
				return "", fatalf("horde: %s", msg)
			}
			return "", malformedf("horde: async response without id")
		}
		return id, nil
	})
	if err != nil {
		return nil, err
	}

	for {
		check, err := call(ctx, h.policy, func(ctx context.Context) (hordeCheck, error) {
			raw, err := h.client.JSONOnce(ctx, http.MethodGet, "/generate/check/"+url.PathEscape(id), nil)
			if err != nil {
				return hordeCheck{}, err
			}
			return parseHordeCheck(raw)
		})
		if err != nil {
			return nil, err
		}
		if check.Faulted {
			return nil, fatalf("horde: job %s faulted", id)
		}
		if !check.IsPossible {
			return nil, fatalf("horde: job %s cannot be served by any worker", id)
		}
		if check.Done {
			break
		}

		elapsed := h.now().Sub(started)
		if elapsed >= h.budget {
			return nil, ErrTimeout
		}
		wait := h.clamp(check.WaitTime)
		if remaining := h.budget - elapsed; wait > remaining {
			wait = remaining
		}
		if err := h.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return call(ctx, h.policy, func(ctx context.Context) ([]Image, error) {
		raw, err := h.client.JSONOnce(ctx, http.MethodGet, "/generate/status/"+url.PathEscape(id), nil)
		if err != nil {
			return nil, err
		}
		return parseHordeStatus(raw)
	})
}

func (h *Horde) clamp(d time.Duration) time.Duration {
	if d < h.minWait {
		return h.minWait
	}
	if d > h.maxWait {
		return h.maxWait
	}
	return d
}

func parseHordeCheck(raw []byte) (hordeCheck, error) {
	if !gjson.ValidBytes(raw) {
		return hordeCheck{}, malformedf("horde: invalid check json")
	}
	res := gjson.ParseBytes(raw)
	done := res.Get("done")
	if !done.Exists() {
		return hordeCheck{}, malformedf("horde: check without done flag")
	}
	possible := res.Get("is_possible")
	return hordeCheck{
		Done:       done.Bool(),
		Faulted:    res.Get("faulted").Bool(),
		IsPossible: !possible.Exists() || possible.Bool(),
		WaitTime:   time.Duration(res.Get("wait_time").Float() * float64(time.Second)),
	}, nil
}

func parseHordeStatus(raw []byte) ([]Image, error) {
	if !gjson.ValidBytes(raw) {
		return nil, malformedf("horde: invalid status json")
	}
	res := gjson.ParseBytes(raw)
	if res.Get("faulted").Bool() {
		return nil, fatalf("horde: job faulted")
	}
	gens := res.Get("generations")
	if !gens.IsArray() {
		return nil, malformedf("horde: status without generations")
	}
	var images []Image
	for _, g := range gens.Array() {
		if g.Get("censored").Bool() {
			continue
		}
		img := g.Get("img").String()
		if img == "" {
			continue
		}
		image := Image{URL: img, MimeType: "image/webp"}
		if seed, err := strconv.ParseInt(g.Get("seed").String(), 10, 64); err == nil {
			image.Seed = &seed
		}
		images = append(images, image)
	}
	return images, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
