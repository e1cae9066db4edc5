package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCredentialState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		cred *Credential
		want CredentialState
	}{
		{"nil", nil, StateNotAuthenticated},
		{"empty", &Credential{}, StateNotAuthenticated},
		{"api key", &Credential{APIKey: "sk-1"}, StateValid},
		{"live token", &Credential{AccessToken: "tok", ExpiresAt: now.Add(time.Hour).Unix()}, StateValid},
		{"no expiry", &Credential{AccessToken: "tok"}, StateValid},
		{"expired refreshable", &Credential{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: now.Add(-time.Minute).Unix()}, StateExpired},
		{"expired terminal", &Credential{AccessToken: "tok", ExpiresAt: now.Add(-time.Minute).Unix()}, StateNotAuthenticated},
		{"expires exactly now", &Credential{AccessToken: "tok", RefreshToken: "ref", ExpiresAt: now.Unix()}, StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.State(now))
		})
	}
}

func TestDecodeEncodePreservesUnknownFields(t *testing.T) {
	blob := []byte(`{"access_token":"tok-old","refresh_token":"ref","expires_at":100,"scope":"user:inference","org_uuid":"abc-123"}`)
	cred, err := DecodeCredential(blob)
	require.NoError(t, err)

	cred.AccessToken = "tok-new"
	cred.ExpiresAt = 200
	out, err := cred.Encode()
	require.NoError(t, err)

	assert.Equal(t, "tok-new", gjson.GetBytes(out, "access_token").String())
	assert.EqualValues(t, 200, gjson.GetBytes(out, "expires_at").Int())
	assert.Equal(t, "user:inference", gjson.GetBytes(out, "scope").String())
	assert.Equal(t, "abc-123", gjson.GetBytes(out, "org_uuid").String())
}

func TestEncodeDropsClearedTokens(t *testing.T) {
	blob := []byte(`{"access_token":"tok","refresh_token":"ref","extra":"keep"}`)
	cred, err := DecodeCredential(blob)
	require.NoError(t, err)

	cred.RefreshToken = ""
	out, err := cred.Encode()
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(out, "refresh_token").Exists())
	assert.Equal(t, "tok", gjson.GetBytes(out, "access_token").String())
	assert.Equal(t, "keep", gjson.GetBytes(out, "extra").String())
}

func TestCredentialCloneIsDeep(t *testing.T) {
	cred := &Credential{AccessToken: "tok", Extras: map[string]string{"region": "us-east-1"}}
	dup := cred.Clone()
	dup.SetExtra("region", "eu-west-1")
	assert.Equal(t, "us-east-1", cred.Extra("region"))
}

func TestValidProvider(t *testing.T) {
	assert.True(t, ValidProvider("claude"))
	assert.True(t, ValidProvider(" Gemini "))
	assert.False(t, ValidProvider("openai"))
	assert.False(t, ValidProvider(""))
}
