// Package oauth implements the interactive login flows and the token refresh
// path for every supported provider. Authorization-code providers run a
// one-shot loopback callback server; device-code providers poll the token
// endpoint. The resulting credentials are handed to the auth manager for
// persistence.
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/byokey/byokey/internal/auth"
	apperrors "github.com/byokey/byokey/internal/errors"
)

// Service runs login flows and implements auth.Refresher.
type Service struct {
	http *http.Client
	sf   singleflight.Group

	mu    sync.Mutex
	creds map[string]appCredentials
}

// NewService builds a Service around the given HTTP client.
func NewService(client *http.Client) *Service {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Service{
		http:  client,
		creds: make(map[string]appCredentials),
	}
}

// Login runs the provider's interactive flow and returns the resulting
// record, ready for the manager to persist.
func (s *Service) Login(ctx context.Context, provider string) (*auth.Record, error) {
	var (
		cred *auth.Credential
		err  error
	)
	switch provider {
	case auth.ProviderClaude:
		cred, err = s.loginClaude(ctx)
	case auth.ProviderCodex:
		cred, err = s.loginCodex(ctx)
	case auth.ProviderCopilot:
		return s.loginCopilot(ctx)
	case auth.ProviderGemini:
		cred, err = s.loginGoogle(ctx, auth.ProviderGemini)
	case auth.ProviderAntigravity:
		cred, err = s.loginGoogle(ctx, auth.ProviderAntigravity)
	case auth.ProviderKiro:
		cred, err = s.loginKiro(ctx)
	case auth.ProviderQwen:
		cred, err = s.loginQwen(ctx)
	case auth.ProviderKimi:
		cred, err = s.loginKimi(ctx)
	case auth.ProviderIFlow:
		cred, err = s.loginIFlow(ctx)
	default:
		return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("unknown provider %q", provider))
	}
	if err != nil {
		return nil, err
	}
	accountID, label := deriveIdentity(cred)
	return &auth.Record{
		Provider:   provider,
		AccountID:  accountID,
		Label:      label,
		Credential: cred,
	}, nil
}

// Refresh implements auth.Refresher. Hard rejections from the token endpoint
// surface as KindNotAuthenticated so the manager revokes the credential;
// everything else is transient.
func (s *Service) Refresh(ctx context.Context, provider string, cred *auth.Credential) (*auth.Credential, error) {
	switch provider {
	case auth.ProviderClaude:
		return s.refreshClaude(ctx, cred)
	case auth.ProviderCodex:
		return s.refreshCodex(ctx, cred)
	case auth.ProviderCopilot:
		return s.refreshCopilot(ctx, cred)
	case auth.ProviderGemini, auth.ProviderAntigravity:
		return s.refreshGoogle(ctx, provider, cred)
	case auth.ProviderKiro:
		return s.refreshKiro(ctx, cred)
	case auth.ProviderQwen:
		return s.refreshForm(ctx, provider, qwenTokenURL, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {qwenClientID},
			"refresh_token": {cred.RefreshToken},
		}, nil, cred)
	case auth.ProviderKimi:
		return s.refreshForm(ctx, provider, kimiTokenURL, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {kimiClientID},
			"refresh_token": {cred.RefreshToken},
		}, kimiHeaders(), cred)
	case auth.ProviderIFlow:
		return s.refreshIFlow(ctx, cred)
	default:
		return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("unknown provider %q", provider))
	}
}

// refreshForm runs a standard grant_type=refresh_token form POST and parses
// the response.
func (s *Service) refreshForm(ctx context.Context, provider, endpoint string, params url.Values, headers map[string]string, old *auth.Credential) (*auth.Credential, error) {
	body, status, err := postForm(ctx, s.http, endpoint, params, headers)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth,
			fmt.Sprintf("%s token endpoint unreachable", provider), err)
	}
	if status != http.StatusOK {
		return nil, tokenEndpointError(provider, status, body)
	}
	return credentialFromTokenResponse(body, old)
}

// tokenEndpointError maps a non-2xx token endpoint response to the error
// taxonomy: 400/401 means the refresh token is no longer good.
func tokenEndpointError(provider string, status int, body []byte) error {
	desc := gjson.GetBytes(body, "error_description").String()
	if desc == "" {
		desc = gjson.GetBytes(body, "error").String()
	}
	if desc == "" {
		desc = apperrors.Excerpt(body, 200)
	}
	msg := fmt.Sprintf("%s token refresh rejected (%d): %s", provider, status, desc)
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return apperrors.New(apperrors.KindNotAuthenticated, msg)
	}
	return apperrors.New(apperrors.KindTransientAuth, msg)
}

// credentialFromTokenResponse builds a credential from a token endpoint JSON
// body. The refresh token carries over from old when the response omits one.
func credentialFromTokenResponse(body []byte, old *auth.Credential) (*auth.Credential, error) {
	access := gjson.GetBytes(body, "access_token").String()
	if access == "" {
		return nil, apperrors.New(apperrors.KindTransientAuth, "token response missing access_token")
	}
	cred := &auth.Credential{
		AccessToken:  access,
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
		IDToken:      gjson.GetBytes(body, "id_token").String(),
	}
	if expiresIn := gjson.GetBytes(body, "expires_in").Int(); expiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second).Unix()
	}
	if old != nil {
		if cred.RefreshToken == "" {
			cred.RefreshToken = old.RefreshToken
		}
		if cred.IDToken == "" {
			cred.IDToken = old.IDToken
		}
		for key, value := range old.Extras {
			cred.SetExtra(key, value)
		}
	}
	return cred, nil
}

// openBrowser opens the authorization URL, falling back to printing it.
func openBrowser(authURL string) {
	log.Infof("Opening browser: %s", authURL)
	if err := browser.OpenURL(authURL); err != nil {
		log.WithError(err).Warn("failed to open browser automatically")
		log.Infof("Open the following URL manually to complete login:\n%s", authURL)
	}
}
