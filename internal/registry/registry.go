// Package registry maps client-facing model ids to providers and upstream
// model names. A Registry is an immutable snapshot derived from the model
// catalog and one config snapshot; config reloads build a fresh one.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	apperrors "github.com/byokey/byokey/internal/errors"
)

// Dialect names a provider's native wire protocol.
type Dialect string

const (
	// DialectOpenAI is the chat-completions protocol.
	DialectOpenAI Dialect = "openai"
	// DialectAnthropic is the messages protocol.
	DialectAnthropic Dialect = "anthropic"
	// DialectGemini is the generateContent protocol.
	DialectGemini Dialect = "gemini"
)

// Model is one catalog entry.
type Model struct {
	// ID is the client-facing model id.
	ID string
	// Provider serves the model.
	Provider string
	// Upstream is the model id sent to the provider, after any vendor
	// prefix is stripped.
	Upstream string
}

// Resolution is the routing outcome for one request.
type Resolution struct {
	Provider string
	Model    string
	Dialect  Dialect
	// Fallback is the provider to try when the primary fails hard, empty
	// when unconfigured.
	Fallback string
}

// providerDialects records each provider's native protocol.
var providerDialects = map[string]Dialect{
	auth.ProviderClaude:      DialectAnthropic,
	auth.ProviderKiro:        DialectAnthropic,
	auth.ProviderCodex:       DialectOpenAI,
	auth.ProviderCopilot:     DialectOpenAI,
	auth.ProviderQwen:        DialectOpenAI,
	auth.ProviderKimi:        DialectOpenAI,
	auth.ProviderIFlow:       DialectOpenAI,
	auth.ProviderGemini:      DialectGemini,
	auth.ProviderAntigravity: DialectGemini,
}

// catalog is the static model table. Vendor-prefixed entries (ag-, kiro-)
// carry the upstream id separately; everything else passes through as-is.
var catalog = []Model{
	{ID: "claude-opus-4-6", Provider: auth.ProviderClaude},
	{ID: "claude-opus-4-5", Provider: auth.ProviderClaude},
	{ID: "claude-sonnet-4-5", Provider: auth.ProviderClaude},
	{ID: "claude-haiku-4-5-20251001", Provider: auth.ProviderClaude},

	{ID: "o4-mini", Provider: auth.ProviderCodex},
	{ID: "o3", Provider: auth.ProviderCodex},
	{ID: "gpt-4o", Provider: auth.ProviderCodex},
	{ID: "gpt-4o-mini", Provider: auth.ProviderCodex},

	{ID: "copilot-gpt-4o", Provider: auth.ProviderCopilot, Upstream: "gpt-4o"},
	{ID: "copilot-gpt-4o-mini", Provider: auth.ProviderCopilot, Upstream: "gpt-4o-mini"},
	{ID: "copilot-claude-3.5-sonnet", Provider: auth.ProviderCopilot, Upstream: "claude-3.5-sonnet"},
	{ID: "copilot-o3-mini", Provider: auth.ProviderCopilot, Upstream: "o3-mini"},

	{ID: "gemini-2.0-flash", Provider: auth.ProviderGemini},
	{ID: "gemini-2.0-flash-lite", Provider: auth.ProviderGemini},
	{ID: "gemini-1.5-pro", Provider: auth.ProviderGemini},
	{ID: "gemini-1.5-flash", Provider: auth.ProviderGemini},

	{ID: "ag-gemini-2.5-pro", Provider: auth.ProviderAntigravity, Upstream: "gemini-2.5-pro"},
	{ID: "ag-gemini-2.5-flash", Provider: auth.ProviderAntigravity, Upstream: "gemini-2.5-flash"},
	{ID: "ag-claude-sonnet-4-5", Provider: auth.ProviderAntigravity, Upstream: "claude-sonnet-4-5"},

	{ID: "kiro-default", Provider: auth.ProviderKiro, Upstream: "claude-sonnet-4-5"},

	{ID: "qwen3-coder-plus", Provider: auth.ProviderQwen},
	{ID: "qwen3-coder-flash", Provider: auth.ProviderQwen},

	{ID: "kimi-k2-0711", Provider: auth.ProviderKimi, Upstream: "k2-0711"},
	{ID: "kimi-k2-turbo", Provider: auth.ProviderKimi, Upstream: "k2-turbo"},

	{ID: "glm-4.6", Provider: auth.ProviderIFlow},
	{ID: "qwen3-max", Provider: auth.ProviderIFlow},
}

// Registry is an immutable resolution snapshot.
type Registry struct {
	models    map[string]Model
	aliases   map[string]string
	fallbacks map[string]string
	list      []string
}

// New builds a registry from the config snapshot: disabled providers drop
// out of the table, exclusions hide individual models, and aliases add
// alternate client-facing names.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		models:    make(map[string]Model, len(catalog)),
		aliases:   make(map[string]string),
		fallbacks: make(map[string]string),
	}
	excluded := make(map[string]bool)
	for _, provider := range auth.Providers {
		pc := cfg.Provider(provider)
		for _, model := range pc.ModelExclusions {
			excluded[model] = true
		}
		if pc.Fallback != "" {
			r.fallbacks[provider] = pc.Fallback
		}
	}
	for _, entry := range catalog {
		pc := cfg.Provider(entry.Provider)
		if !pc.IsEnabled() || excluded[entry.ID] {
			continue
		}
		if entry.Upstream == "" {
			entry.Upstream = entry.ID
		}
		if backend := pc.Backend; backend != "" && auth.ValidProvider(backend) {
			entry.Provider = backend
		}
		r.models[entry.ID] = entry
		r.list = append(r.list, entry.ID)
	}
	for _, provider := range auth.Providers {
		for from, to := range cfg.Provider(provider).ModelAliases {
			if _, ok := r.models[to]; ok && !excluded[from] {
				r.aliases[from] = to
			}
		}
	}
	sort.Strings(r.list)
	return r
}

// Resolve maps a requested model to its provider, upstream model, and
// dialect. Unknown or excluded models return a ModelUnknown error.
func (r *Registry) Resolve(model string) (Resolution, error) {
	name := strings.TrimSpace(model)
	if name == "" {
		return Resolution{}, apperrors.New(apperrors.KindInvalidRequest, "missing model field")
	}
	entry, ok := r.models[name]
	if !ok {
		if target, aliased := r.aliases[name]; aliased {
			entry, ok = r.models[target]
		}
	}
	if !ok {
		return Resolution{}, apperrors.New(apperrors.KindModelUnknown, fmt.Sprintf("unknown model %q", model))
	}
	return Resolution{
		Provider: entry.Provider,
		Model:    entry.Upstream,
		Dialect:  providerDialects[entry.Provider],
		Fallback: r.fallbacks[entry.Provider],
	}, nil
}

// Models returns the enabled, non-excluded client-facing model ids in
// lexicographic order.
func (r *Registry) Models() []string {
	out := make([]string, len(r.list))
	copy(out, r.list)
	return out
}

// ProviderModels returns the catalog entries served by one provider in the
// snapshot.
func (r *Registry) ProviderModels(provider string) []Model {
	var out []Model
	for _, id := range r.list {
		if r.models[id].Provider == provider {
			out = append(out, r.models[id])
		}
	}
	return out
}

// ProviderDialect returns a provider's native dialect.
func ProviderDialect(provider string) Dialect {
	if d, ok := providerDialects[provider]; ok {
		return d
	}
	return DialectOpenAI
}
