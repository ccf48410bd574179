package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/inkframe/backend/internal/app/domain/generation"
	"github.com/inkframe/backend/internal/ink"
)

// Key identifies a registry entry.
type Key struct {
	Provider string
	Model    string
}

func (k Key) String() string { return k.Provider + "/" + k.Model }

// Size is an explicit width x height pair.
type Size struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Limits bounds the parameters a model accepts. When Sizes is set it is
// the exhaustive list of dimensions; otherwise each side must lie within
// [MinSide, MaxSide] and be a multiple of SizeStep.
type Limits struct {
	MinSide           int    `yaml:"min_side" json:"min_side"`
	MaxSide           int    `yaml:"max_side" json:"max_side"`
	SizeStep          int    `yaml:"size_step" json:"size_step"`
	Sizes             []Size `yaml:"sizes" json:"sizes,omitempty"`
	MaxCount          int    `yaml:"max_count" json:"max_count"`
	MaxPromptLength   int    `yaml:"max_prompt_length" json:"max_prompt_length"`
	AcceptsInputImage bool   `yaml:"accepts_input_image" json:"accepts_input_image"`
	// PerCall caps the images one provider call may return. Zero means the
	// whole count goes in one call.
	PerCall int `yaml:"per_call" json:"per_call,omitempty"`
}

// Validate checks p against the limits.
func (l Limits) Validate(p generation.Parameters) error {
	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" {
		return invalid("prompt is required")
	}
	if l.MaxPromptLength > 0 && len([]rune(prompt)) > l.MaxPromptLength {
		return invalid("prompt exceeds %d characters", l.MaxPromptLength)
	}
	if p.Count < 1 {
		return invalid("count must be at least 1")
	}
	if l.MaxCount > 0 && p.Count > l.MaxCount {
		return invalid("count must be at most %d", l.MaxCount)
	}
	if p.InputImage != "" && !l.AcceptsInputImage {
		return invalid("model does not accept an input image")
	}

	if len(l.Sizes) > 0 {
		for _, s := range l.Sizes {
			if s.Width == p.Width && s.Height == p.Height {
				return nil
			}
		}
		return invalid("size %dx%d is not supported", p.Width, p.Height)
	}
	step := l.SizeStep
	if step <= 0 {
		step = 64
	}
	for _, side := range []int{p.Width, p.Height} {
		if side < l.MinSide || (l.MaxSide > 0 && side > l.MaxSide) {
			return invalid("width and height must be within [%d, %d]", l.MinSide, l.MaxSide)
		}
		if side%step != 0 {
			return invalid("width and height must be multiples of %d", step)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}

// Entry binds one model to its adapter, limits and price.
type Entry struct {
	Key      Key
	Adapter  Adapter
	Limits   Limits
	BaseRate int64
	// Default marks the model used when a request names none.
	Default bool
}

// Registry is the static table of servable (provider, model) pairs. It is
// filled at startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	entries  map[Key]Entry
	defaults map[string]string
	aliases  map[string]string
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[Key]Entry),
		defaults: make(map[string]string),
		aliases:  make(map[string]string),
		adapters: make(map[string]Adapter),
	}
}

// Register adds e. Registering the same key twice is an error.
func (r *Registry) Register(e Entry) error {
	if e.Key.Provider == "" || e.Key.Model == "" {
		return fmt.Errorf("register: provider and model are required")
	}
	if e.Adapter == nil {
		return fmt.Errorf("register %s: adapter is required", e.Key)
	}
	if e.Adapter.Name() != e.Key.Provider {
		return fmt.Errorf("register %s: adapter serves %q", e.Key, e.Adapter.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Key]; exists {
		return fmt.Errorf("register %s: already registered", e.Key)
	}
	r.entries[e.Key] = e
	r.adapters[e.Key.Provider] = e.Adapter
	if _, ok := r.defaults[e.Key.Provider]; !ok || e.Default {
		r.defaults[e.Key.Provider] = e.Key.Model
	}
	return nil
}

// Alias makes name resolve to provider.
func (r *Registry) Alias(name, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[name] = provider
}

// Resolve maps a requested provider and model onto a registered key.
func (r *Registry) Resolve(provider, model string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if canonical, ok := r.aliases[provider]; ok {
		provider = canonical
	}
	if model == "" {
		model = r.defaults[provider]
	}
	key := Key{Provider: provider, Model: model}
	_, ok := r.entries[key]
	return key, ok
}

// Lookup returns the entry serving provider/model.
func (r *Registry) Lookup(provider, model string) (Entry, error) {
	key, ok := r.Resolve(provider, model)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s/%s", ErrUnknownModel, provider, model)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key], nil
}

// Adapter returns the adapter registered for provider.
func (r *Registry) Adapter(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[provider]; ok {
		provider = canonical
	}
	a, ok := r.adapters[provider]
	return a, ok
}

// Entries lists every entry ordered by key.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Pricing derives per-provider base rates, aliases included. When models of
// one provider disagree the highest rate wins.
func (r *Registry) Pricing() ink.Pricing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(ink.Pricing, len(r.entries)+len(r.aliases))
	for key, e := range r.entries {
		if e.BaseRate > out[key.Provider] {
			out[key.Provider] = e.BaseRate
		}
	}
	for alias, provider := range r.aliases {
		if rate, ok := out[provider]; ok {
			out[alias] = rate
		}
	}
	return out
}
