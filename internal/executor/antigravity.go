package executor

import (
	"bytes"
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	"github.com/byokey/byokey/internal/translator"
	"github.com/byokey/byokey/internal/util"
)

const (
	antigravityPrimaryURL  = "https://daily-cloudcode-pa.googleapis.com"
	antigravityFallbackURL = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	antigravityUserAgent   = "antigravity/1.104.0 darwin/arm64"
)

// AntigravityExecutor speaks the Gemini dialect wrapped in the Cloud Code
// envelope. Streaming chunks arrive as envelopes whose response field holds
// the Gemini chunk; the executor unwraps before handing events on. A 429
// from the primary host retries once against the sandbox host.
type AntigravityExecutor struct {
	cfg *config.Config
}

// NewAntigravityExecutor returns an Antigravity executor.
func NewAntigravityExecutor(cfg *config.Config) *AntigravityExecutor {
	return &AntigravityExecutor{cfg: cfg}
}

// Identifier returns the provider id.
func (e *AntigravityExecutor) Identifier() string { return auth.ProviderAntigravity }

// wrapEnvelope builds the Cloud Code request envelope around a Gemini body.
// Safety settings are dropped; the backend rejects them.
func wrapEnvelope(model string, geminiBody []byte) []byte {
	geminiBody, _ = sjson.DeleteBytes(geminiBody, "safetySettings")
	geminiBody, _ = sjson.DeleteBytes(geminiBody, "model")

	id := uuid.NewString()
	out := `{"userAgent":"antigravity","requestType":"agent"}`
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "project", "useful-wave-"+id[:5])
	out, _ = sjson.Set(out, "requestId", "agent-"+id)
	outBytes, _ := sjson.SetRawBytes([]byte(out), "request", geminiBody)
	return outBytes
}

func (e *AntigravityExecutor) post(ctx context.Context, base, path, token string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", antigravityUserAgent)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	applyConfigHeaders(httpReq.Header, e.cfg, e.Identifier())

	timeout := util.RequestTimeout
	if stream {
		timeout = 0
	}
	return httpClientFor(e.cfg, e.Identifier(), timeout).Do(httpReq)
}

func (e *AntigravityExecutor) send(ctx context.Context, rec *auth.Record, req Request, stream bool) (*http.Response, error) {
	body := bytes.Clone(req.Payload)
	body = applyPayloadRules(e.cfg.Provider(e.Identifier()), body)
	body = wrapEnvelope(req.Model, body)

	path := "/v1internal:generateContent"
	if stream {
		path = "/v1internal:streamGenerateContent?alt=sse"
	}
	token := bearerToken(rec)

	httpResp, err := e.post(ctx, antigravityPrimaryURL, path, token, body, stream)
	if err != nil || httpResp.StatusCode == http.StatusTooManyRequests {
		if httpResp != nil {
			_ = httpResp.Body.Close()
		}
		httpResp, err = e.post(ctx, antigravityFallbackURL, path, token, body, stream)
		if err != nil {
			return nil, transportError(e.Identifier(), err)
		}
	}
	if err = checkResponse(e.Identifier(), httpResp); err != nil {
		return nil, err
	}
	return httpResp, nil
}

// Execute performs a buffered generateContent exchange and unwraps the
// envelope.
func (e *AntigravityExecutor) Execute(ctx context.Context, rec *auth.Record, req Request) (Response, error) {
	httpResp, err := e.send(ctx, rec, req, false)
	if err != nil {
		return Response{}, err
	}
	data, err := readBody(e.Identifier(), httpResp)
	if err != nil {
		return Response{}, err
	}
	if inner := gjson.GetBytes(data, "response"); inner.Exists() {
		data = []byte(inner.Raw)
	}
	return Response{Payload: data}, nil
}

// ExecuteStream performs a streaming exchange, unwrapping each envelope into
// the bare Gemini chunk.
func (e *AntigravityExecutor) ExecuteStream(ctx context.Context, rec *auth.Record, req Request) (<-chan StreamChunk, error) {
	httpResp, err := e.send(ctx, rec, req, true)
	if err != nil {
		return nil, err
	}
	body, err := streamBody(e.Identifier(), httpResp)
	if err != nil {
		return nil, err
	}
	raw := streamEvents(ctx, e.Identifier(), body, idleTimeout(e.cfg))
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for chunk := range raw {
			if chunk.Err == nil && len(chunk.Event.Data) > 0 {
				if inner := gjson.GetBytes(chunk.Event.Data, "response"); inner.Exists() {
					chunk.Event = translator.Event{Name: chunk.Event.Name, Data: []byte(inner.Raw)}
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
