package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/byokey/byokey/internal/config"
)

func TestAmpLoginRedirect(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/amp/v1/login", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://ampcode.com/login", rr.Header().Get("Location"))
}

func TestAmpLoginRedirectHonorsUpstreamOverride(t *testing.T) {
	cfg := &config.Config{Amp: config.AmpConfig{UpstreamURL: "https://amp.example.test/"}}
	s, _ := newTestServer(t, cfg)
	req := httptest.NewRequest(http.MethodGet, "/amp/v1/login", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://amp.example.test/login", rr.Header().Get("Location"))
}

func TestAmpManagementForwardsAndInjectsUpstreamKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/management/settings", r.URL.Path)
		assert.Equal(t, "a=1", r.URL.RawQuery)
		assert.Equal(t, "Bearer amp-key", r.Header.Get("Authorization"))
		assert.Equal(t, "amp-key", r.Header.Get("X-Api-Key"))
		assert.Empty(t, r.Header.Get("Transfer-Encoding"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{Amp: config.AmpConfig{
		UpstreamURL: upstream.URL,
		UpstreamKey: "amp-key",
	}}
	s, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/amp/v0/management/settings?a=1", nil)
	req.Header.Set("Authorization", "Bearer client-key")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, gjson.Get(rr.Body.String(), "ok").Bool())
}

func TestAmpManagementPreservesClientAuthWithoutKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer client-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	cfg := &config.Config{Amp: config.AmpConfig{UpstreamURL: upstream.URL}}
	s, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodDelete, "/amp/v0/management/sessions/abc", nil)
	req.Header.Set("Authorization", "Bearer client-key")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAmpManagementHidesFreeTierModels(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"smart"},{"id":"gpt-free-tier"},{"id":"fast"}]}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{Amp: config.AmpConfig{
		UpstreamURL:  upstream.URL,
		HideFreeTier: true,
	}}
	s, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/amp/v0/management/models", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	ids := make([]string, 0)
	for _, item := range gjson.Get(rr.Body.String(), "data").Array() {
		ids = append(ids, item.Get("id").String())
	}
	assert.Equal(t, []string{"smart", "fast"}, ids)
}

func TestFilterFreeTierModelsUnknownShapePassesThrough(t *testing.T) {
	body := []byte(`{"settings":{"theme":"dark"}}`)
	assert.Equal(t, body, filterFreeTierModels(body))
}

func TestFilterFreeTierModelsBySlug(t *testing.T) {
	out := filterFreeTierModels([]byte(`{"models":[{"slug":"free-basic"},{"slug":"pro"}]}`))
	models := gjson.GetBytes(out, "models").Array()
	require.Len(t, models, 1)
	assert.Equal(t, "pro", models[0].Get("slug").String())
}

func TestAmpChatSharesOpenAIHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := postJSON(s, "/amp/v1/chat/completions", `{"model":"does-not-exist","messages":[]}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "model_unknown"))
}
