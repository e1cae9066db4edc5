package executor

import (
	"bytes"
	"context"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	"github.com/byokey/byokey/internal/util"
)

const (
	// claudeEndpoint is the Anthropic Messages API with the beta flag the
	// OAuth token class requires.
	claudeEndpoint = "https://api.anthropic.com/v1/messages?beta=true"

	anthropicVersion = "2023-06-01"

	// anthropicBeta enables the feature set the Claude CLI negotiates;
	// oauth-2025-04-20 is mandatory for Bearer tokens.
	anthropicBeta = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14,prompt-caching-2024-07-31"

	claudeUserAgent = "claude-cli/2.1.44 (external, sdk-cli)"
)

// ClaudeExecutor speaks the Anthropic Messages dialect. API keys authenticate
// with x-api-key, OAuth tokens with Authorization Bearer.
type ClaudeExecutor struct {
	cfg *config.Config
}

// NewClaudeExecutor returns a Claude executor.
func NewClaudeExecutor(cfg *config.Config) *ClaudeExecutor {
	return &ClaudeExecutor{cfg: cfg}
}

// Identifier returns the provider id.
func (e *ClaudeExecutor) Identifier() string { return auth.ProviderClaude }

func (e *ClaudeExecutor) send(ctx context.Context, rec *auth.Record, req Request, stream bool) (*http.Response, error) {
	body := bytes.Clone(req.Payload)
	body = applyPayloadRules(e.cfg.Provider(e.Identifier()), body)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "stream", stream)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, transportError(e.Identifier(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("anthropic-beta", anthropicBeta)
	httpReq.Header.Set("anthropic-dangerous-direct-browser-access", "true")
	httpReq.Header.Set("x-app", "cli")
	httpReq.Header.Set("User-Agent", claudeUserAgent)
	if rec != nil && rec.Credential.IsAPIKey() {
		httpReq.Header.Set("x-api-key", rec.Credential.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+bearerToken(rec))
	}
	applyConfigHeaders(httpReq.Header, e.cfg, e.Identifier())

	timeout := util.RequestTimeout
	if stream {
		timeout = 0
	}
	httpResp, err := httpClientFor(e.cfg, e.Identifier(), timeout).Do(httpReq)
	if err != nil {
		return nil, transportError(e.Identifier(), err)
	}
	if err = checkResponse(e.Identifier(), httpResp); err != nil {
		return nil, err
	}
	return httpResp, nil
}

// Execute performs a buffered Messages exchange.
func (e *ClaudeExecutor) Execute(ctx context.Context, rec *auth.Record, req Request) (Response, error) {
	httpResp, err := e.send(ctx, rec, req, false)
	if err != nil {
		return Response{}, err
	}
	data, err := readBody(e.Identifier(), httpResp)
	if err != nil {
		return Response{}, err
	}
	return Response{Payload: data}, nil
}

// ExecuteStream performs a streaming Messages exchange.
func (e *ClaudeExecutor) ExecuteStream(ctx context.Context, rec *auth.Record, req Request) (<-chan StreamChunk, error) {
	httpResp, err := e.send(ctx, rec, req, true)
	if err != nil {
		return nil, err
	}
	body, err := streamBody(e.Identifier(), httpResp)
	if err != nil {
		return nil, err
	}
	return streamEvents(ctx, e.Identifier(), body, idleTimeout(e.cfg)), nil
}
