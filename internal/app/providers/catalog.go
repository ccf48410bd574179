package providers

import (
	"fmt"
	"net/http"
)

// ModelSpec describes one servable model. The compiled-in catalog can be
// extended or overridden from a YAML file.
type ModelSpec struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseRate int64  `yaml:"base_rate"`
	Default  bool   `yaml:"default"`
	Disabled bool   `yaml:"disabled"`
	Limits   Limits `yaml:"limits"`
}

// Settings carries the adapter configurations used by Build.
type Settings struct {
	HTTPClient *http.Client
	OpenAI     OpenAIConfig
	Horde      HordeConfig
	Modal      ModalConfig
}

func squares(sides ...int) []Size {
	out := make([]Size, 0, len(sides))
	for _, s := range sides {
		out = append(out, Size{Width: s, Height: s})
	}
	return out
}

// DefaultCatalog returns the compiled-in models.
func DefaultCatalog() []ModelSpec {
	return []ModelSpec{
		{
			Provider: "openai", Model: "dall-e-2", BaseRate: 40, Default: true,
			Limits: Limits{Sizes: squares(256, 512, 1024), MaxCount: 4, MaxPromptLength: 1000},
		},
		{
			Provider: "openai", Model: "dall-e-3", BaseRate: 40,
			Limits: Limits{
				Sizes:           []Size{{1024, 1024}, {1792, 1024}, {1024, 1792}},
				MaxCount:        4,
				MaxPromptLength: 4000,
				PerCall:         1,
			},
		},
		{
			Provider: "horde", Model: "stable_diffusion", BaseRate: 4, Default: true,
			Limits: Limits{MinSide: 256, MaxSide: 1024, SizeStep: 64, MaxCount: 4, MaxPromptLength: 1000},
		},
		{
			Provider: "horde", Model: "AlbedoBase XL (SDXL)", BaseRate: 4,
			Limits: Limits{MinSide: 512, MaxSide: 1024, SizeStep: 64, MaxCount: 4, MaxPromptLength: 1000},
		},
		{
			Provider: "modal", Model: "flux-schnell", BaseRate: 10, Default: true,
			Limits: Limits{MinSide: 256, MaxSide: 1536, SizeStep: 64, MaxCount: 4, MaxPromptLength: 2000, AcceptsInputImage: true},
		},
	}
}

// MergeCatalog overlays overrides onto base by (provider, model). A
// disabled override removes the model.
func MergeCatalog(base, overrides []ModelSpec) []ModelSpec {
	index := make(map[Key]int, len(base))
	out := append([]ModelSpec(nil), base...)
	for i, spec := range out {
		index[Key{spec.Provider, spec.Model}] = i
	}
	for _, o := range overrides {
		k := Key{o.Provider, o.Model}
		if i, ok := index[k]; ok {
			out[i] = o
			continue
		}
		index[k] = len(out)
		out = append(out, o)
	}
	kept := out[:0]
	for _, spec := range out {
		if !spec.Disabled {
			kept = append(kept, spec)
		}
	}
	return kept
}

// Build instantiates one adapter per provider and registers every spec.
// "dalle" is registered as an alias of openai.
func Build(settings Settings, specs []ModelSpec) (*Registry, error) {
	if settings.HTTPClient != nil {
		settings.OpenAI.HTTPClient = settings.HTTPClient
		settings.Horde.HTTPClient = settings.HTTPClient
		settings.Modal.HTTPClient = settings.HTTPClient
	}
	adapters := map[string]Adapter{
		"openai": NewOpenAI(settings.OpenAI),
		"horde":  NewHorde(settings.Horde),
		"modal":  NewModal(settings.Modal),
	}

	reg := NewRegistry()
	for _, spec := range specs {
		adapter, ok := adapters[spec.Provider]
		if !ok {
			return nil, fmt.Errorf("catalog: no adapter for provider %q", spec.Provider)
		}
		if spec.BaseRate <= 0 {
			return nil, fmt.Errorf("catalog: %s/%s needs a positive base_rate", spec.Provider, spec.Model)
		}
		err := reg.Register(Entry{
			Key:      Key{Provider: spec.Provider, Model: spec.Model},
			Adapter:  adapter,
			Limits:   spec.Limits,
			BaseRate: spec.BaseRate,
			Default:  spec.Default,
		})
		if err != nil {
			return nil, err
		}
	}
	reg.Alias("dalle", "openai")
	return reg, nil
}
