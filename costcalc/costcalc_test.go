package costcalc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompletion_RoundTripFromSpecExample(t *testing.T) {
	c := New(PriceTable{Completion: map[string]CompletionRate{
		"openai/gpt-4o": {InputPerMillion: 1.00, OutputPerMillion: 2.00},
	}})
	bd := c.Completion("openai", "gpt-4o", 1000, 500)
	require.InDelta(t, 0.002, bd.TotalUSD, 1e-12)
}

func TestCompletion_Additive(t *testing.T) {
	c := New(PriceTable{Completion: map[string]CompletionRate{
		"openai/gpt-4o": {InputPerMillion: 3, OutputPerMillion: 6},
	}})
	a := c.Completion("openai", "gpt-4o", 100, 50)
	b := c.Completion("openai", "gpt-4o", 400, 150)
	combined := c.Completion("openai", "gpt-4o", 500, 200)
	require.InDelta(t, combined.TotalUSD, a.TotalUSD+b.TotalUSD, 1e-9)
}

func TestCompletion_UnknownModelIsZero(t *testing.T) {
	c := New(PriceTable{})
	bd := c.Completion("openai", "ghost", 1000, 1000)
	require.Zero(t, bd.TotalUSD)
}

func TestImage_TypePriceTable(t *testing.T) {
	c := New(PriceTable{Image: map[string]ImageRate{
		"openai/dall-e-3": {TypePrices: map[ImagePriceKey]float64{
			{Quality: "hd", Size: "1024x1024"}: 0.08,
		}},
	}})
	bd, err := c.Image("openai", "dall-e-3", ImageUsage{Quality: "hd", Size: "1024x1024", Count: 2, Steps: 1})
	require.NoError(t, err)
	require.InDelta(t, 0.16, bd.TotalUSD, 1e-9)
	require.Equal(t, "type_price", bd.ImageVariant)
}

func TestImage_TypePriceKeyMissUsesDefaultWithinTypeMode(t *testing.T) {
	c := New(PriceTable{Image: map[string]ImageRate{
		"openai/dall-e-3": {
			TypePrices: map[ImagePriceKey]float64{
				{Quality: "hd", Size: "1024x1024"}: 0.08,
			},
			PricePerMP: 0.01,
			Default:    0.02,
		},
	}})
	bd, err := c.Image("openai", "dall-e-3", ImageUsage{Quality: "standard", Size: "512x512", Width: 512, Height: 512, Count: 3, Steps: 1})
	require.NoError(t, err)
	require.Equal(t, "type_price", bd.ImageVariant)
	require.InDelta(t, 0.06, bd.TotalUSD, 1e-9)
}

func TestImage_MegapixelModeWhenNoTypeTable(t *testing.T) {
	c := New(PriceTable{Image: map[string]ImageRate{
		"stability/sd3": {PricePerMP: 0.01},
	}})
	bd, err := c.Image("stability", "sd3", ImageUsage{Width: 1024, Height: 1024, Count: 1, Steps: 20})
	require.NoError(t, err)
	require.Equal(t, "megapixel", bd.ImageVariant)
	require.Greater(t, bd.TotalUSD, 0.0)
}

func TestImage_DefaultFallback(t *testing.T) {
	c := New(PriceTable{Image: map[string]ImageRate{
		"proxy/unknown-model": {Default: 0.04},
	}})
	bd, err := c.Image("proxy", "unknown-model", ImageUsage{Count: 1, Steps: 1})
	require.NoError(t, err)
	require.InDelta(t, 0.04, bd.TotalUSD, 1e-9)
	require.Equal(t, "default", bd.ImageVariant)
}

func TestImage_NotLinearInCount(t *testing.T) {
	c := New(PriceTable{Image: map[string]ImageRate{
		"stability/sd3": {PricePerMP: 0.01},
	}})
	one, err := c.Image("stability", "sd3", ImageUsage{Width: 512, Height: 512, Count: 1, Steps: 1})
	require.NoError(t, err)
	two, err := c.Image("stability", "sd3", ImageUsage{Width: 512, Height: 512, Count: 2, Steps: 1})
	require.NoError(t, err)
	// The megapixel mode is quadratic in Count by construction, so
	// cost(2) != 2*cost(1).
	require.Greater(t, math.Abs(2*one.TotalUSD-two.TotalUSD), 1e-9)
}

func TestImage_ZeroUsageIsNoOp(t *testing.T) {
	c := New(PriceTable{})
	bd, err := c.Image("openai", "dall-e-3", ImageUsage{Count: 0, Steps: 0})
	require.NoError(t, err)
	require.Zero(t, bd.TotalUSD)
	require.True(t, bd.Degenerate)
}

func TestImage_UnknownModelErrors(t *testing.T) {
	c := New(PriceTable{})
	_, err := c.Image("openai", "ghost", ImageUsage{Count: 1, Steps: 1})
	require.Error(t, err)
}
