package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	"github.com/byokey/byokey/internal/util"
)

const (
	codexEndpoint = "https://api.openai.com/v1/chat/completions"
	qwenEndpoint  = "https://portal.qwen.ai/v1/chat/completions"
	kimiEndpoint  = "https://api.kimi.com/coding/v1/chat/completions"
	iflowEndpoint = "https://apis.iflow.cn/v1/chat/completions"
)

// OpenAICompatExecutor serves any upstream speaking the OpenAI chat
// completions dialect. Codex, Qwen, Kimi and iFlow differ only in endpoint
// and extra headers; both hooks receive the live credential.
type OpenAICompatExecutor struct {
	cfg      *config.Config
	provider string
	endpoint func(rec *auth.Record) string
	headers  func(h http.Header, rec *auth.Record)
}

// Identifier returns the provider id.
func (e *OpenAICompatExecutor) Identifier() string { return e.provider }

func (e *OpenAICompatExecutor) send(ctx context.Context, rec *auth.Record, req Request, stream bool) (*http.Response, error) {
	body := bytes.Clone(req.Payload)
	body = applyPayloadRules(e.cfg.Provider(e.provider), body)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	if stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	} else {
		body, _ = sjson.DeleteBytes(body, "stream")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(rec), bytes.NewReader(body))
	if err != nil {
		return nil, transportError(e.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken(rec))
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if e.headers != nil {
		e.headers(httpReq.Header, rec)
	}
	applyConfigHeaders(httpReq.Header, e.cfg, e.provider)

	timeout := util.RequestTimeout
	if stream {
		timeout = 0
	}
	httpResp, err := httpClientFor(e.cfg, e.provider, timeout).Do(httpReq)
	if err != nil {
		return nil, transportError(e.provider, err)
	}
	if err = checkResponse(e.provider, httpResp); err != nil {
		return nil, err
	}
	return httpResp, nil
}

// Execute performs a buffered chat completions exchange.
func (e *OpenAICompatExecutor) Execute(ctx context.Context, rec *auth.Record, req Request) (Response, error) {
	httpResp, err := e.send(ctx, rec, req, false)
	if err != nil {
		return Response{}, err
	}
	data, err := readBody(e.provider, httpResp)
	if err != nil {
		return Response{}, err
	}
	return Response{Payload: data}, nil
}

// ExecuteStream performs a streaming chat completions exchange.
func (e *OpenAICompatExecutor) ExecuteStream(ctx context.Context, rec *auth.Record, req Request) (<-chan StreamChunk, error) {
	httpResp, err := e.send(ctx, rec, req, true)
	if err != nil {
		return nil, err
	}
	body, err := streamBody(e.provider, httpResp)
	if err != nil {
		return nil, err
	}
	return streamEvents(ctx, e.provider, body, idleTimeout(e.cfg)), nil
}

// NewCodexExecutor returns the executor for the OpenAI Codex backend.
func NewCodexExecutor(cfg *config.Config) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{
		cfg:      cfg,
		provider: auth.ProviderCodex,
		endpoint: func(*auth.Record) string { return codexEndpoint },
	}
}

// NewQwenExecutor returns the executor for the Qwen portal backend.
func NewQwenExecutor(cfg *config.Config) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{
		cfg:      cfg,
		provider: auth.ProviderQwen,
		endpoint: func(*auth.Record) string { return qwenEndpoint },
		headers: func(h http.Header, _ *auth.Record) {
			h.Set("User-Agent", "QwenCode/0.10.3 (darwin; arm64)")
			h.Set("x-dashscope-useragent", "QwenCode/0.10.3 (darwin; arm64)")
			h.Set("x-dashscope-authtype", "qwen-oauth")
			h.Set("x-dashscope-cachecontrol", "enable")
		},
	}
}

// kimiDeviceID is stable per process, matching how the desktop client pins
// one id per installation.
var kimiDeviceID = uuid.NewString()

// NewKimiExecutor returns the executor for the Kimi coding backend.
func NewKimiExecutor(cfg *config.Config) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{
		cfg:      cfg,
		provider: auth.ProviderKimi,
		endpoint: func(*auth.Record) string { return kimiEndpoint },
		headers: func(h http.Header, _ *auth.Record) {
			h.Set("User-Agent", "KimiCLI/1.10.6")
			h.Set("x-msh-platform", "kimi_cli")
			h.Set("x-msh-version", "1.10.6")
			h.Set("x-msh-device-name", "byokey-client")
			h.Set("x-msh-device-model", "MacBookPro")
			h.Set("x-msh-device-id", kimiDeviceID)
		},
	}
}

// NewIFlowExecutor returns the executor for the iFlow backend. Every request
// carries a fresh session id and an HMAC-SHA256 signature over
// "iFlow-Cli:{session}:{timestamp}" keyed by the API key.
func NewIFlowExecutor(cfg *config.Config) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{
		cfg:      cfg,
		provider: auth.ProviderIFlow,
		endpoint: func(*auth.Record) string { return iflowEndpoint },
		headers: func(h http.Header, rec *auth.Record) {
			sessionID := "session-" + uuid.NewString()
			timestamp := time.Now().UnixMilli()
			h.Set("User-Agent", "iFlow-Cli")
			h.Set("session-id", sessionID)
			h.Set("x-iflow-timestamp", fmt.Sprintf("%d", timestamp))
			h.Set("x-iflow-signature", iflowSignature(bearerToken(rec), sessionID, timestamp))
		},
	}
}

func iflowSignature(apiKey, sessionID string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	fmt.Fprintf(mac, "iFlow-Cli:%s:%d", sessionID, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}
