package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/auth/oauth"
	"github.com/byokey/byokey/internal/config"
	apperrors "github.com/byokey/byokey/internal/errors"
)

func oauthRecord(provider, token string) *auth.Record {
	return &auth.Record{
		Provider:   provider,
		AccountID:  "acct",
		Credential: &auth.Credential{AccessToken: token, RefreshToken: "r"},
	}
}

func compatExecutor(cfg *config.Config, provider, url string) *OpenAICompatExecutor {
	return &OpenAICompatExecutor{
		cfg:      cfg,
		provider: provider,
		endpoint: func(*auth.Record) string { return url },
	}
}

func TestCompatExecuteSubstitutesModelAndAuth(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[]}`))
	}))
	defer srv.Close()

	ex := compatExecutor(&config.Config{}, auth.ProviderQwen, srv.URL)
	resp, err := ex.Execute(context.Background(), oauthRecord("qwen", "tok-123"), Request{
		Model:   "qwen3-coder-plus",
		Payload: []byte(`{"model":"client-facing","messages":[],"stream":true}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "qwen3-coder-plus", gjson.GetBytes(gotBody, "model").String())
	assert.False(t, gjson.GetBytes(gotBody, "stream").Exists())
	assert.Equal(t, "chatcmpl-1", gjson.GetBytes(resp.Payload, "id").String())
}

func TestCompatExecuteAppliesPayloadRules(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"qwen": {PayloadRules: config.PayloadRules{
			Strip: []string{"temperature"},
			Set:   map[string]any{"top_p": 0.9},
		}},
	}}
	ex := compatExecutor(cfg, auth.ProviderQwen, srv.URL)
	_, err := ex.Execute(context.Background(), oauthRecord("qwen", "t"), Request{
		Model:   "m",
		Payload: []byte(`{"model":"m","temperature":1.5,"messages":[]}`),
	})
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(gotBody, "temperature").Exists())
	assert.InDelta(t, 0.9, gjson.GetBytes(gotBody, "top_p").Float(), 1e-9)
}

func TestCompatUnauthorizedIsCredentialExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad token"}`))
	}))
	defer srv.Close()

	ex := compatExecutor(&config.Config{}, auth.ProviderCodex, srv.URL)
	_, err := ex.Execute(context.Background(), oauthRecord("codex", "stale"), Request{Model: "m", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindCredentialExpired))
}

func TestForbiddenExpiredTokenBodyIsCredentialExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"reason":"expired_token"}`))
	}))
	defer srv.Close()

	ex := compatExecutor(&config.Config{}, auth.ProviderKiro, srv.URL)
	_, err := ex.Execute(context.Background(), oauthRecord("kiro", "stale"), Request{Model: "m", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindCredentialExpired))
}

func TestPlainForbiddenIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"reason":"quota"}`))
	}))
	defer srv.Close()

	ex := compatExecutor(&config.Config{}, auth.ProviderCodex, srv.URL)
	_, err := ex.Execute(context.Background(), oauthRecord("codex", "t"), Request{Model: "m", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUpstream))
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, http.StatusForbidden, appErr.StatusCode())
}

func TestServerErrorCollapsesTo502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ex := compatExecutor(&config.Config{}, auth.ProviderCodex, srv.URL)
	_, err := ex.Execute(context.Background(), oauthRecord("codex", "t"), Request{Model: "m", Payload: []byte(`{}`)})
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, http.StatusBadGateway, appErr.StatusCode())
}

func TestCompatExecuteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	ex := compatExecutor(&config.Config{}, auth.ProviderQwen, srv.URL)
	stream, err := ex.ExecuteStream(context.Background(), oauthRecord("qwen", "t"), Request{
		Model:   "m",
		Payload: []byte(`{"model":"m","messages":[]}`),
		Stream:  true,
	})
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "hi", gjson.GetBytes(chunks[0].Event.Data, "choices.0.delta.content").String())
	assert.True(t, chunks[1].Event.Done)
}

func TestCopilotEndpointFromCredentialHint(t *testing.T) {
	ex := NewCopilotExecutor(&config.Config{})
	rec := oauthRecord("copilot", "gho_x")
	rec.Credential.SetExtra(oauth.ExtraCopilotEndpoint, "https://proxy.enterprise.example/")

	assert.Equal(t, "https://proxy.enterprise.example/chat/completions", ex.endpoint(rec))
	assert.Equal(t, copilotDefaultEndpoint+"/chat/completions", ex.endpoint(oauthRecord("copilot", "gho_y")))
}

func TestCopilotRequiredHeaders(t *testing.T) {
	h := http.Header{}
	NewCopilotExecutor(&config.Config{}).headers(h, nil)
	assert.NotEmpty(t, h.Get("Editor-Version"))
	assert.NotEmpty(t, h.Get("Editor-Plugin-Version"))
	assert.NotEmpty(t, h.Get("Copilot-Integration-Id"))
}

func TestGeminiRequestURL(t *testing.T) {
	ex := NewGeminiExecutor(&config.Config{})

	apiKey := &auth.Record{Credential: &auth.Credential{APIKey: "AIza-test"}}
	u := ex.requestURL(apiKey, "gemini-2.5-pro", false)
	assert.Equal(t, geminiBase+"gemini-2.5-pro:generateContent?key=AIza-test", u)

	oauthRec := oauthRecord("gemini", "ya29.x")
	u = ex.requestURL(oauthRec, "gemini-2.5-flash", true)
	assert.True(t, strings.Contains(u, ":streamGenerateContent"))
	assert.True(t, strings.Contains(u, "alt=sse"))
	assert.False(t, strings.Contains(u, "key="))
}

func TestKiroURLFromRegion(t *testing.T) {
	assert.Equal(t, "https://q.us-east-1.amazonaws.com/v1/messages", kiroURL(nil))

	rec := oauthRecord("kiro", "t")
	rec.Credential.SetExtra(oauth.ExtraKiroRegion, "eu-west-1")
	assert.Equal(t, "https://q.eu-west-1.amazonaws.com/v1/messages", kiroURL(rec))
}

func TestWrapEnvelope(t *testing.T) {
	body := wrapEnvelope("gemini-2.5-pro", []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"safetySettings":[{"category":"X"}]}`))

	assert.Equal(t, "gemini-2.5-pro", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "antigravity", gjson.GetBytes(body, "userAgent").String())
	assert.Equal(t, "agent", gjson.GetBytes(body, "requestType").String())
	assert.True(t, strings.HasPrefix(gjson.GetBytes(body, "requestId").String(), "agent-"))
	assert.True(t, strings.HasPrefix(gjson.GetBytes(body, "project").String(), "useful-wave-"))
	assert.True(t, gjson.GetBytes(body, "request.contents").Exists())
	assert.False(t, gjson.GetBytes(body, "request.safetySettings").Exists())
}

func TestKimiDeviceIDStableAcrossExecutors(t *testing.T) {
	// The dispatcher builds a fresh executor per request; the device id must
	// not rotate with it.
	cfg := &config.Config{}
	first := http.Header{}
	NewKimiExecutor(cfg).headers(first, nil)
	second := http.Header{}
	NewKimiExecutor(cfg).headers(second, nil)

	assert.NotEmpty(t, first.Get("x-msh-device-id"))
	assert.Equal(t, first.Get("x-msh-device-id"), second.Get("x-msh-device-id"))
	assert.Equal(t, "kimi_cli", first.Get("x-msh-platform"))
}

func TestIFlowSignatureDeterministic(t *testing.T) {
	a := iflowSignature("key", "session-1", 1700000000000)
	b := iflowSignature("key", "session-1", 1700000000000)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, iflowSignature("other", "session-1", 1700000000000))
}

func TestBearerTokenPrefersAPIKey(t *testing.T) {
	rec := &auth.Record{Credential: &auth.Credential{APIKey: "sk-1", AccessToken: "at-1"}}
	assert.Equal(t, "sk-1", bearerToken(rec))
	assert.Equal(t, "", bearerToken(nil))
}

func TestNewCoversEveryProvider(t *testing.T) {
	cfg := &config.Config{}
	for _, provider := range auth.Providers {
		ex, err := New(provider, cfg)
		require.NoError(t, err, provider)
		assert.Equal(t, provider, ex.Identifier())
	}
	_, err := New("nope", cfg)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInternal))
}
