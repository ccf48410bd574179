package ink

import (
	"testing"

	"github.com/inkframe/backend/internal/app/domain/generation"
)

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name   string
		params generation.Parameters
		want   int64
	}{
		{"dalle two squares", generation.Parameters{Provider: "dalle", Width: 512, Height: 512, Count: 2}, 80},
		{"openai 1024", generation.Parameters{Provider: "openai", Width: 1024, Height: 1024, Count: 1}, 160},
		{"horde single", generation.Parameters{Provider: "horde", Width: 512, Height: 512, Count: 1}, 4},
		{"horde rounds half up", generation.Parameters{Provider: "horde", Width: 448, Height: 320, Count: 1}, 2},
		{"modal four", generation.Parameters{Provider: "modal", Width: 768, Height: 512, Count: 4}, 60},
		{"zero count", generation.Parameters{Provider: "modal", Width: 512, Height: 512, Count: 0}, 0},
	}
	for _, tt := range tests {
		if got := CalculateCost(tt.params, nil); got != tt.want {
			t.Fatalf("%s: cost = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCalculateCostUsesProducedCount(t *testing.T) {
	p := generation.Parameters{Provider: "dalle", Width: 512, Height: 512, Count: 2}
	one := 1
	zero := 0
	if got := CalculateCost(p, &one); got != 40 {
		t.Fatalf("produced=1 cost = %d, want 40", got)
	}
	if got := CalculateCost(p, &zero); got != 0 {
		t.Fatalf("produced=0 cost = %d, want 0", got)
	}
}

func TestCalculateCostMonotonic(t *testing.T) {
	for _, provider := range []string{"openai", "modal", "horde"} {
		base := generation.Parameters{Provider: provider, Width: 512, Height: 512, Count: 4}
		reserved := CalculateCost(base, nil)
		var prev int64 = -1
		for k := 0; k <= base.Count; k++ {
			k := k
			got := CalculateCost(base, &k)
			if got < prev {
				t.Fatalf("%s: cost decreased at k=%d", provider, k)
			}
			if got > reserved {
				t.Fatalf("%s: cost(%d)=%d exceeds reservation %d", provider, k, got, reserved)
			}
			prev = got
		}

		prev = -1
		for _, side := range []int{256, 320, 448, 512, 640, 1024} {
			p := base
			p.Width, p.Height = side, side
			got := CalculateCost(p, nil)
			if got < prev {
				t.Fatalf("%s: cost decreased at %dpx", provider, side)
			}
			prev = got
		}
	}
}

func TestUnknownProviderPricedAtHighestRate(t *testing.T) {
	if got := DefaultPricing.Rate("mystery"); got != 40 {
		t.Fatalf("rate = %d, want 40", got)
	}
}
