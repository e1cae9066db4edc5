package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	apperrors "github.com/byokey/byokey/internal/errors"
	"github.com/byokey/byokey/internal/executor"
	"github.com/byokey/byokey/internal/translator"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(_ context.Context, _ string, cred *auth.Credential) (*auth.Credential, error) {
	fresh := cred.Clone()
	fresh.AccessToken = "tok-refreshed"
	fresh.ExpiresAt = time.Now().Add(time.Hour).Unix()
	return fresh, nil
}

type stubExecutor struct {
	provider string
	execute  func(ctx context.Context, rec *auth.Record, req executor.Request) (executor.Response, error)
	stream   func(ctx context.Context, rec *auth.Record, req executor.Request) (<-chan executor.StreamChunk, error)
}

func (s *stubExecutor) Identifier() string { return s.provider }

func (s *stubExecutor) Execute(ctx context.Context, rec *auth.Record, req executor.Request) (executor.Response, error) {
	return s.execute(ctx, rec, req)
}

func (s *stubExecutor) ExecuteStream(ctx context.Context, rec *auth.Record, req executor.Request) (<-chan executor.StreamChunk, error) {
	return s.stream(ctx, rec, req)
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, auth.TokenStore) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	tokens := auth.NewMemoryStore()
	mgr := auth.NewManager(tokens, stubRefresher{})
	return NewServer(config.NewStore("", cfg), mgr), tokens
}

func seedAccount(t *testing.T, store auth.TokenStore, provider, accountID string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), &auth.Record{
		Provider:  provider,
		AccountID: accountID,
		Credential: &auth.Credential{
			AccessToken:  "tok-live",
			RefreshToken: "ref-1",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		},
	}))
}

func postJSON(s *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestClaudeMessagesPassthrough(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderClaude, "alice")

	var gotModel string
	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			execute: func(_ context.Context, rec *auth.Record, req executor.Request) (executor.Response, error) {
				gotModel = req.Model
				assert.Equal(t, "tok-live", rec.Credential.AccessToken)
				return executor.Response{Payload: []byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":2}}`)}, nil
			},
		}, nil
	}

	rr := postJSON(s, "/v1/messages", `{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "claude-sonnet-4-5", gotModel)
	assert.Equal(t, "hi", gjson.Get(rr.Body.String(), "content.0.text").String())
}

func TestOpenAIChatTranslatesToClaude(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderClaude, "alice")

	var sentPayload []byte
	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			execute: func(_ context.Context, _ *auth.Record, req executor.Request) (executor.Response, error) {
				sentPayload = req.Payload
				return executor.Response{Payload: []byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"hello back"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":3}}`)}, nil
			},
		}, nil
	}

	rr := postJSON(s, "/v1/chat/completions", `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// The upstream body is in the messages dialect.
	assert.Equal(t, "hello", gjson.GetBytes(sentPayload, "messages.0.content").String())
	assert.EqualValues(t, 4096, gjson.GetBytes(sentPayload, "max_tokens").Int())

	// The client response is back in the chat-completions dialect.
	body := rr.Body.String()
	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "hello back", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
}

func TestUnknownModelIs404(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := postJSON(s, "/v1/chat/completions", `{"model":"does-not-exist","messages":[]}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, string(apperrors.KindModelUnknown), gjson.Get(rr.Body.String(), "error.code").String())
}

func TestMissingModelIs400(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := postJSON(s, "/v1/chat/completions", `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(apperrors.KindInvalidRequest), gjson.Get(rr.Body.String(), "error.code").String())
}

func TestEmptyMessagesIs400(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := postJSON(s, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(apperrors.KindInvalidRequest), gjson.Get(rr.Body.String(), "error.code").String())
}

func TestNoCredentialIs401(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := postJSON(s, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, string(apperrors.KindNotAuthenticated), gjson.Get(rr.Body.String(), "error.code").String())
}

func TestCredentialExpiredRefreshesAndRetriesOnce(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderCodex, "alice")

	calls := 0
	var retryToken string
	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			execute: func(_ context.Context, rec *auth.Record, _ executor.Request) (executor.Response, error) {
				calls++
				if calls == 1 {
					return executor.Response{}, apperrors.New(apperrors.KindCredentialExpired, "upstream rejected credential")
				}
				retryToken = rec.Credential.AccessToken
				return executor.Response{Payload: []byte(`{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)}, nil
			},
		}, nil
	}

	rr := postJSON(s, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 2, calls)
	assert.Equal(t, "tok-refreshed", retryToken)
}

func TestCredentialExpiredTwiceIsFinal(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderCodex, "alice")

	calls := 0
	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			execute: func(_ context.Context, _ *auth.Record, _ executor.Request) (executor.Response, error) {
				calls++
				return executor.Response{}, apperrors.New(apperrors.KindCredentialExpired, "upstream rejected credential")
			},
		}, nil
	}

	rr := postJSON(s, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 2, calls)
}

func TestFallbackProviderServesWhenPrimaryUnauthenticated(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		auth.ProviderClaude: {Fallback: auth.ProviderKiro},
	}}
	s, tokens := newTestServer(t, cfg)
	seedAccount(t, tokens, auth.ProviderKiro, "bob")

	var gotProvider string
	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			execute: func(_ context.Context, _ *auth.Record, _ executor.Request) (executor.Response, error) {
				gotProvider = provider
				return executor.Response{Payload: []byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":"via kiro"}],"stop_reason":"end_turn"}`)}, nil
			},
		}, nil
	}

	rr := postJSON(s, "/v1/messages", `{"model":"claude-sonnet-4-5","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, auth.ProviderKiro, gotProvider)
}

func TestStreamOpenAIPassthrough(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderCodex, "alice")

	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			stream: func(_ context.Context, _ *auth.Record, req executor.Request) (<-chan executor.StreamChunk, error) {
				require.True(t, req.Stream)
				ch := make(chan executor.StreamChunk, 3)
				ch <- executor.StreamChunk{Event: chunkEvent(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"he"}}]}`)}
				ch <- executor.StreamChunk{Event: chunkEvent(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":"stop"}]}`)}
				ch <- executor.StreamChunk{Event: translator.Event{Done: true}}
				close(ch)
				return ch, nil
			},
		}, nil
	}

	rr := postJSON(s, "/v1/chat/completions", `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, `"content":"he"`)
	assert.Contains(t, body, `"content":"llo"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)
}

func TestStreamUpstreamErrorRendersInStream(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderCodex, "alice")

	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			stream: func(_ context.Context, _ *auth.Record, _ executor.Request) (<-chan executor.StreamChunk, error) {
				ch := make(chan executor.StreamChunk, 2)
				ch <- executor.StreamChunk{Event: chunkEvent(`{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"par"}}]}`)}
				ch <- executor.StreamChunk{Err: apperrors.New(apperrors.KindUpstreamTimeout, "idle timeout")}
				close(ch)
				return ch, nil
			},
		}, nil
	}

	rr := postJSON(s, "/v1/chat/completions", `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "upstream_timeout")
}

func TestGeminiRouteActionParsing(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderGemini, "alice")

	var gotStream bool
	var gotModel string
	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			execute: func(_ context.Context, _ *auth.Record, req executor.Request) (executor.Response, error) {
				gotStream = req.Stream
				gotModel = req.Model
				return executor.Response{Payload: []byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}],"role":"model"},"finishReason":"STOP"}]}`)}, nil
			},
		}, nil
	}

	rr := postJSON(s, "/v1beta/models/gemini-2.0-flash:generateContent", `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, gotStream)
	assert.Equal(t, "gemini-2.0-flash", gotModel)
}

func TestGeminiRouteRejectsUnknownAction(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := postJSON(s, "/v1beta/models/gemini-2.0-flash:countTokens", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(apperrors.KindInvalidRequest), gjson.Get(rr.Body.String(), "error.code").String())
}

func TestListModelsReflectsRegistry(t *testing.T) {
	disabled := false
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		auth.ProviderKimi: {Enabled: &disabled},
	}}
	s, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	ids := make([]string, 0)
	for _, item := range gjson.Get(body, "data").Array() {
		ids = append(ids, item.Get("id").String())
	}
	assert.Contains(t, ids, "claude-sonnet-4-5")
	assert.NotContains(t, ids, "kimi-k2-0711")
}

func TestTransientAuthSetsRetryAfter(t *testing.T) {
	s, tokens := newTestServer(t, nil)
	seedAccount(t, tokens, auth.ProviderCodex, "alice")

	s.newExecutor = func(provider string, _ *config.Config) (executor.Executor, error) {
		return &stubExecutor{
			provider: provider,
			execute: func(_ context.Context, _ *auth.Record, _ executor.Request) (executor.Response, error) {
				return executor.Response{}, apperrors.New(apperrors.KindTransientAuth, "refresh endpoint unavailable")
			},
		}, nil
	}

	rr := postJSON(s, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))
}

func chunkEvent(data string) translator.Event {
	return translator.Event{Data: []byte(data)}
}
