package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byokey/byokey/internal/auth"
	apperrors "github.com/byokey/byokey/internal/errors"
)

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := GeneratePKCE()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.NotEqual(t, verifier, challenge)
	assert.NotContains(t, verifier, "=")

	verifier2, _, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, verifier2)
}

func TestRandomState(t *testing.T) {
	state, err := RandomState()
	require.NoError(t, err)
	assert.Len(t, state, 32)
	for _, c := range state {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
	state2, err := RandomState()
	require.NoError(t, err)
	assert.NotEqual(t, state, state2)
}

func makeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString(payload) + ".sig"
}

func TestDeriveIdentityFromIDToken(t *testing.T) {
	cred := &auth.Credential{
		IDToken: makeIDToken(t, map[string]any{"sub": "user-123", "email": "a@b.test"}),
	}
	id, label := deriveIdentity(cred)
	assert.Equal(t, "user-123", id)
	assert.Equal(t, "a@b.test", label)
}

func TestDeriveIdentityFromRefreshToken(t *testing.T) {
	cred := &auth.Credential{RefreshToken: "ref-abcdefghijklmnop"}
	id, label := deriveIdentity(cred)
	assert.NotEmpty(t, id)
	assert.Contains(t, label, "Account ")

	// Same refresh token prefix derives the same id.
	id2, _ := deriveIdentity(cred)
	assert.Equal(t, id, id2)
}

func TestDeriveIdentityRandomFallback(t *testing.T) {
	id1, label1 := deriveIdentity(&auth.Credential{AccessToken: "tok"})
	id2, _ := deriveIdentity(&auth.Credential{AccessToken: "tok"})
	assert.NotEqual(t, id1, id2)
	assert.Contains(t, label1, "Account ")
}

func TestDeriveIdentityMalformedIDTokenFallsBack(t *testing.T) {
	cred := &auth.Credential{IDToken: "garbage", RefreshToken: "ref-xyz"}
	id, _ := deriveIdentity(cred)
	assert.NotEmpty(t, id)
}

func TestRefreshFormSuccess(t *testing.T) {
	var gotGrantType atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrantType.Store(r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-new","expires_in":3600}`))
	}))
	defer server.Close()

	svc := NewService(server.Client())
	old := &auth.Credential{
		AccessToken:  "tok-old",
		RefreshToken: "ref-1",
		Extras:       map[string]string{"region": "us-east-1"},
	}
	cred, err := svc.refreshForm(context.Background(), "claude", server.URL, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"ref-1"},
	}, nil, old)
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", gotGrantType.Load())
	assert.Equal(t, "tok-new", cred.AccessToken)
	assert.Equal(t, "ref-1", cred.RefreshToken, "old refresh token must carry over")
	assert.Equal(t, "us-east-1", cred.Extra("region"), "extras must carry over")
	assert.Positive(t, cred.ExpiresAt)
}

func TestRefreshFormHardRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer server.Close()

	svc := NewService(server.Client())
	_, err := svc.refreshForm(context.Background(), "codex", server.URL, url.Values{}, nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotAuthenticated))
	assert.Contains(t, err.Error(), "refresh token revoked")
}

func TestRefreshFormTransientFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc := NewService(server.Client())
	_, err := svc.refreshForm(context.Background(), "qwen", server.URL, url.Values{}, nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransientAuth))
}

func TestCopilotSessionExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token gh-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"copilot-session","expires_at":1900000000,"endpoints":{"api":"https://api.business.githubcopilot.com"}}`))
	}))
	defer server.Close()

	svc := NewService(server.Client())
	cred := &auth.Credential{RefreshToken: "gh-token"}
	err := svc.exchangeCopilotSessionAt(context.Background(), server.URL, cred)
	require.NoError(t, err)
	assert.Equal(t, "copilot-session", cred.AccessToken)
	assert.EqualValues(t, 1900000000, cred.ExpiresAt)
	assert.Equal(t, "https://api.business.githubcopilot.com", cred.Extra(ExtraCopilotEndpoint))
}

func TestTokenEndpointErrorMapping(t *testing.T) {
	err := tokenEndpointError("kimi", http.StatusUnauthorized, []byte(`{"error":"invalid_grant"}`))
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotAuthenticated))

	err = tokenEndpointError("kimi", http.StatusBadGateway, []byte(`oops`))
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransientAuth))
}

func TestCredentialFromTokenResponseMissingAccessToken(t *testing.T) {
	_, err := credentialFromTokenResponse([]byte(`{"refresh_token":"ref"}`), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransientAuth))
}
