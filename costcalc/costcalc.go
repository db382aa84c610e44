// Package costcalc implements the cost calculator (C7): mapping usage
// records to monetary cost via provider/model price tables, emitting a
// structured breakdown alongside the scalar total for telemetry. Image
// generation is priced by the first applicable of three modes: a
// (quality, size) type-price table, a megapixel price, and a default
// per-image fallback.
package costcalc

import "fmt"

// CompletionRate is the per-token price for one model, expressed per
// million tokens to match provider-published pricing pages.
type CompletionRate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// ImagePriceKey selects a per-image price by (quality, size) in the
// type-price table.
type ImagePriceKey struct {
	Quality string
	Size    string
}

// ImageRate configures the three image-cost modes in precedence order:
// a type-price table, a megapixel price, and a default per-image fallback.
// Precedence follows the field order below: TypePrices is consulted
// first, then PricePerMP, then Default.
type ImageRate struct {
	TypePrices map[ImagePriceKey]float64
	PricePerMP float64
	Default    float64
}

// PriceTable maps a provider/model pair to its rates. Both CompletionRate
// and ImageRate are independently optional: a chat-only model need not
// populate ImageRate, and vice versa.
type PriceTable struct {
	Completion map[string]CompletionRate
	Image      map[string]ImageRate
}

// key formats a provider/model lookup key for PriceTable's maps.
func key(provider, model string) string {
	return provider + "/" + model
}

// Breakdown is the structured cost detail accompanying the scalar total.
type Breakdown struct {
	TotalUSD float64

	// InputRatePerToken and OutputRatePerToken are populated for completion
	// usage (already divided down from the per-million published rate).
	InputRatePerToken  float64
	OutputRatePerToken float64

	// ImageVariant names which image pricing mode produced TotalUSD:
	// "type_price", "megapixel", or "default". Empty for completion usage.
	ImageVariant string

	// Degenerate reports that the usage record had a non-positive Count or
	// Steps; TotalUSD is zero and no pricing mode ran. The calculator
	// returns this instead of erroring or dividing by zero, since it sits
	// at the end of the pipeline after the response is already committed.
	Degenerate bool
}

// Calculator computes cost from usage records against a fixed price table.
type Calculator struct {
	table PriceTable
}

// New builds a Calculator over table.
func New(table PriceTable) *Calculator {
	return &Calculator{table: table}
}

// Completion computes cost for a token-usage record:
//
//	cost = input_tokens * price_per_input_token * 1e-6
//	     + output_tokens * price_per_output_token * 1e-6
//
// Unknown provider/model pairs cost zero; negative token counts are not
// clamped and simply flow through the linear formula.
func (c *Calculator) Completion(provider, model string, inputTokens, outputTokens int) Breakdown {
	rate := c.table.Completion[key(provider, model)]
	inputRate := rate.InputPerMillion * 1e-6
	outputRate := rate.OutputPerMillion * 1e-6
	return Breakdown{
		TotalUSD:           float64(inputTokens)*inputRate + float64(outputTokens)*outputRate,
		InputRatePerToken:  inputRate,
		OutputRatePerToken: outputRate,
	}
}

// ImageUsage describes the billing-relevant parameters of an
// image-generation call.
type ImageUsage struct {
	Quality string
	Size    string
	Width   int
	Height  int
	Count   int
	Steps   int
}

// Image computes cost for an image-generation usage record using the first
// applicable mode in precedence order: type-price table, megapixel price,
// default fallback. A usage with Count<=0 or Steps<=0 costs zero regardless
// of mode rather than erroring or dividing by zero.
func (c *Calculator) Image(provider, model string, u ImageUsage) (Breakdown, error) {
	if u.Count <= 0 || u.Steps <= 0 {
		return Breakdown{Degenerate: true}, nil
	}
	rate, ok := c.table.Image[key(provider, model)]
	if !ok {
		return Breakdown{}, fmt.Errorf("costcalc: no image rate configured for %s/%s", provider, model)
	}

	if rate.TypePrices != nil {
		// A configured type-price table always prices in this mode: a
		// (quality, size) miss falls back to the per-image default, never
		// to the megapixel formula.
		perImage, ok := rate.TypePrices[ImagePriceKey{Quality: u.Quality, Size: u.Size}]
		if !ok {
			perImage = rate.Default
		}
		return Breakdown{
			TotalUSD:     float64(u.Count) * float64(u.Steps) * perImage,
			ImageVariant: "type_price",
		}, nil
	}

	if rate.PricePerMP > 0 && u.Width > 0 && u.Height > 0 {
		// total_megapixels already folds in Count once; the gateway's
		// formula multiplies by Count again when scaling by Steps*Count, so
		// this mode is intentionally not linear in Count (see
		// calculate_cost(usage+usage') non-additivity noted in DESIGN.md).
		totalMegapixels := float64(u.Width) * float64(u.Height) * float64(u.Count) / (1024 * 1024)
		return Breakdown{
			TotalUSD:     rate.PricePerMP * totalMegapixels * float64(u.Steps) * float64(u.Count),
			ImageVariant: "megapixel",
		}, nil
	}

	return Breakdown{
		TotalUSD:     rate.Default * float64(u.Steps) * float64(u.Count),
		ImageVariant: "default",
	}, nil
}
