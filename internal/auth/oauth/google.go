package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/byokey/byokey/internal/auth"
	apperrors "github.com/byokey/byokey/internal/errors"
)

// Gemini and Antigravity both ride Google's OAuth endpoints; the app
// credentials come from the bootstrap CDN so no client secret ships in the
// binary. Only the scopes and the callback port differ.
const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	geminiCallbackPort      = 8085
	antigravityCallbackPort = 51121
)

var googleScopes = map[string][]string{
	auth.ProviderGemini: {
		"openid",
		"email",
		"https://www.googleapis.com/auth/generative-language.retriever",
	},
	auth.ProviderAntigravity: {
		"openid",
		"email",
		"profile",
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
	},
}

func googleCallbackPort(provider string) int {
	if provider == auth.ProviderAntigravity {
		return antigravityCallbackPort
	}
	return geminiCallbackPort
}

func (s *Service) googleConfig(ctx context.Context, provider string) (*oauth2.Config, error) {
	creds, err := s.bootstrapCreds(ctx, provider)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth,
			fmt.Sprintf("cannot load OAuth app credentials for %s", provider), err)
	}
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  googleAuthURL,
			TokenURL: googleTokenURL,
		},
		RedirectURL: fmt.Sprintf("http://localhost:%d/callback", googleCallbackPort(provider)),
		Scopes:      googleScopes[provider],
	}, nil
}

func (s *Service) loginGoogle(ctx context.Context, provider string) (*auth.Credential, error) {
	conf, err := s.googleConfig(ctx, provider)
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	state, err := RandomState()
	if err != nil {
		return nil, err
	}

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)

	server, err := newCallbackServer(googleCallbackPort(provider), "/callback", state)
	if err != nil {
		return nil, err
	}
	defer server.Close()
	openBrowser(authURL)

	code, err := server.Wait(ctx)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%s token exchange failed: %w", provider, err)
	}
	return credentialFromOAuth2Token(token), nil
}

// refreshGoogle renews the access token. Google does not return a new
// refresh token on refresh, so the old one carries over.
func (s *Service) refreshGoogle(ctx context.Context, provider string, cred *auth.Credential) (*auth.Credential, error) {
	conf, err := s.googleConfig(ctx, provider)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, tokenEndpointError(provider, retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return nil, apperrors.Wrap(apperrors.KindTransientAuth,
			fmt.Sprintf("%s token refresh failed", provider), err)
	}
	next := credentialFromOAuth2Token(token)
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.IDToken == "" {
		next.IDToken = cred.IDToken
	}
	return next, nil
}

func credentialFromOAuth2Token(token *oauth2.Token) *auth.Credential {
	cred := &auth.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		cred.ExpiresAt = token.Expiry.UTC().Truncate(time.Second).Unix()
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		cred.IDToken = idToken
	}
	return cred
}
