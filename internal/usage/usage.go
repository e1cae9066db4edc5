// Package usage tracks request and token consumption per provider and
// account. Counters are exported as prometheus metrics; token counts come
// from upstream terminal events in any of the three dialects.
package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "byokey_requests_total",
		Help: "Upstream requests by provider, account, streaming flag and outcome.",
	}, []string{"provider", "account", "streaming", "outcome"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "byokey_tokens_total",
		Help: "Tokens consumed by provider, model and direction.",
	}, []string{"provider", "model", "direction"})

	costTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "byokey_cost_dollars_total",
		Help: "Estimated cost in USD at direct API list prices.",
	}, []string{"provider", "model"})
)

// Reporter accumulates the outcome of one upstream exchange. Exactly one of
// Success or Failure is called per exchange.
type Reporter struct {
	provider  string
	account   string
	model     string
	streaming bool
}

// Begin starts tracking one exchange.
func Begin(provider, account, model string, streaming bool) *Reporter {
	return &Reporter{provider: provider, account: account, model: model, streaming: streaming}
}

func (r *Reporter) streamLabel() string {
	if r.streaming {
		return "true"
	}
	return "false"
}

// Success records a completed exchange and its token consumption.
func (r *Reporter) Success(inputTokens, outputTokens int64) {
	requestsTotal.WithLabelValues(r.provider, r.account, r.streamLabel(), "success").Inc()
	if inputTokens > 0 {
		tokensTotal.WithLabelValues(r.provider, r.model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		tokensTotal.WithLabelValues(r.provider, r.model, "output").Add(float64(outputTokens))
	}
	if cost, ok := EstimateCost(r.model, inputTokens, outputTokens); ok && cost > 0 {
		costTotal.WithLabelValues(r.provider, r.model).Add(cost)
	}
}

// Failure records a failed exchange.
func (r *Reporter) Failure() {
	requestsTotal.WithLabelValues(r.provider, r.account, r.streamLabel(), "failure").Inc()
}

// ParseTokens extracts token usage from an upstream payload in any dialect:
// OpenAI usage, Anthropic usage, or Gemini usageMetadata. Terminal stream
// events and buffered responses share these shapes.
func ParseTokens(data []byte) (input, output int64, ok bool) {
	payload := gjson.ParseBytes(data)
	if usage := payload.Get("usage"); usage.Exists() {
		if v := usage.Get("prompt_tokens"); v.Exists() {
			return v.Int(), usage.Get("completion_tokens").Int(), true
		}
		if v := usage.Get("input_tokens"); v.Exists() || usage.Get("output_tokens").Exists() {
			return v.Int(), usage.Get("output_tokens").Int(), true
		}
	}
	// Anthropic stream events nest usage under message (message_start) or
	// alongside delta (message_delta).
	if usage := payload.Get("message.usage"); usage.Exists() {
		return usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int(), true
	}
	if meta := payload.Get("usageMetadata"); meta.Exists() {
		return meta.Get("promptTokenCount").Int(), meta.Get("candidatesTokenCount").Int(), true
	}
	return 0, 0, false
}
