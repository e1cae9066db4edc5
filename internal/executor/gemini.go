package executor

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	"github.com/byokey/byokey/internal/util"
)

// geminiBase is the Generative Language API root.
const geminiBase = "https://generativelanguage.googleapis.com/v1beta/models/"

// GeminiExecutor speaks the native Gemini generateContent dialect. API keys
// ride the ?key= query parameter, OAuth tokens the Authorization header.
type GeminiExecutor struct {
	cfg *config.Config
}

// NewGeminiExecutor returns a Gemini executor.
func NewGeminiExecutor(cfg *config.Config) *GeminiExecutor {
	return &GeminiExecutor{cfg: cfg}
}

// Identifier returns the provider id.
func (e *GeminiExecutor) Identifier() string { return auth.ProviderGemini }

func (e *GeminiExecutor) requestURL(rec *auth.Record, model string, stream bool) string {
	action := "generateContent"
	query := url.Values{}
	if stream {
		action = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	if rec != nil && rec.Credential.IsAPIKey() {
		query.Set("key", rec.Credential.APIKey)
	}
	u := geminiBase + url.PathEscape(model) + ":" + action
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func (e *GeminiExecutor) send(ctx context.Context, rec *auth.Record, req Request, stream bool) (*http.Response, error) {
	body := bytes.Clone(req.Payload)
	body = applyPayloadRules(e.cfg.Provider(e.Identifier()), body)
	// Gemini carries the model in the URL, not the body.
	body, _ = sjson.DeleteBytes(body, "model")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.requestURL(rec, req.Model, stream), bytes.NewReader(body))
	if err != nil {
		return nil, transportError(e.Identifier(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if rec == nil || !rec.Credential.IsAPIKey() {
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

// Execute performs a buffered generateContent exchange.
func (e *GeminiExecutor) Execute(ctx context.Context, rec *auth.Record, req Request) (Response, error) {
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

// ExecuteStream performs a streamGenerateContent exchange.
func (e *GeminiExecutor) ExecuteStream(ctx context.Context, rec *auth.Record, req Request) (<-chan StreamChunk, error) {
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
