// Package ink prices generations and moves ink between the available and
// pending balances of an account.
//
// Reservation and settlement are expressed as conditional row updates on the
// store (see storage.LedgerTx); nothing here reads a balance and writes it
// back.
package ink

import "github.com/inkframe/backend/internal/app/domain/generation"

// unitPixels is the area one base-rate unit pays for.
const unitPixels = 512 * 512

// Pricing maps a provider name to its base rate per 512x512 image.
type Pricing map[string]int64

// DefaultPricing holds the compiled-in base rates. "dalle" is the legacy
// name of the openai provider.
var DefaultPricing = Pricing{
	"openai": 40,
	"dalle":  40,
	"modal":  10,
	"horde":  4,
}

// Rate returns the base rate for provider. Providers missing from the table
// are priced at the highest known rate.
func (p Pricing) Rate(provider string) int64 {
	if rate, ok := p[provider]; ok {
		return rate
	}
	var highest int64
	for _, rate := range p {
		if rate > highest {
			highest = rate
		}
	}
	return highest
}

// Cost prices params. With produced nil the requested count is used, which
// is the reservation; otherwise produced is the settlement count.
func (p Pricing) Cost(params generation.Parameters, produced *int) int64 {
	count := params.Count
	if produced != nil {
		count = *produced
	}
	if count <= 0 || params.Width <= 0 || params.Height <= 0 {
		return 0
	}
	scaled := int64(count) * int64(params.Width) * int64(params.Height) * p.Rate(params.Provider)
	// round half up: floor(scaled/unit + 1/2)
	return (2*scaled + unitPixels) / (2 * unitPixels)
}

// CalculateCost prices params with DefaultPricing.
func CalculateCost(params generation.Parameters, produced *int) int64 {
	return DefaultPricing.Cost(params, produced)
}
