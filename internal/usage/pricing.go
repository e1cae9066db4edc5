package usage

import "strings"

// ModelPricing is the USD cost per million tokens for one model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// pricingTable maps model name patterns to direct API list prices. Lookup is
// exact match first, then substring, so family entries like "claude-sonnet"
// catch dated variants.
var pricingTable = map[string]ModelPricing{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-haiku-4-5":  {0.80, 4.00},

	"gpt-5-codex": {8.00, 24.00},
	"gpt-5":       {10.00, 30.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4o":      {2.50, 10.00},
	"o3-mini":     {1.10, 4.40},

	"gemini-2.5-pro":   {1.25, 5.00},
	"gemini-2.5-flash": {0.15, 0.60},
	"gemini-2.0-flash": {0.10, 0.40},

	"qwen3-coder-plus":  {0.80, 2.00},
	"qwen3-coder-flash": {0.30, 0.60},
	"k2-0711":           {0.60, 2.50},
	"glm-4.6":           {1.20, 3.60},
	"qwen3-max":         {2.40, 9.60},
}

// lookupPricing resolves pricing for a model name, tolerating vendor
// prefixes and dated suffixes.
func lookupPricing(model string) (ModelPricing, bool) {
	m := strings.ToLower(model)
	if pricing, ok := pricingTable[m]; ok {
		return pricing, true
	}
	for pattern, pricing := range pricingTable {
		if strings.Contains(m, pattern) {
			return pricing, true
		}
	}
	return ModelPricing{}, false
}

// EstimateCost returns the direct API cost in USD for the given token usage,
// false when the model has no list price.
func EstimateCost(model string, inputTokens, outputTokens int64) (float64, bool) {
	pricing, ok := lookupPricing(model)
	if !ok {
		return 0, false
	}
	cost := float64(inputTokens)*pricing.InputPerMillion/1_000_000 +
		float64(outputTokens)*pricing.OutputPerMillion/1_000_000
	return cost, true
}
