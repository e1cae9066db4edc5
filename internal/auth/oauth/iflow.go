package oauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/byokey/byokey/internal/auth"
	apperrors "github.com/byokey/byokey/internal/errors"
)

// iFlow authorization code flow. Token exchange authenticates with HTTP
// Basic; the resulting OAuth access token is then traded for a long-lived
// API key via the userInfo endpoint, and that key is what executors send.
const (
	iflowCallbackPort = 11451
	iflowAuthURL      = "https://iflow.cn/oauth"
	iflowTokenURL     = "https://iflow.cn/oauth/token"
	iflowRedirectURI  = "http://localhost:11451/callback"
	iflowUserInfoURL  = "https://iflow.cn/api/oauth/getUserInfo"
)

func iflowBasicAuth(clientID, clientSecret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))
}

func (s *Service) loginIFlow(ctx context.Context) (*auth.Credential, error) {
	creds, err := s.bootstrapCreds(ctx, auth.ProviderIFlow)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth, "cannot load OAuth app credentials for iflow", err)
	}
	state, err := RandomState()
	if err != nil {
		return nil, err
	}

	authURL := iflowAuthURL + "?" + url.Values{
		"response_type": {"code"},
		"client_id":     {creds.ClientID},
		"redirect_uri":  {iflowRedirectURI},
		"state":         {state},
		"loginMethod":   {"phone"},
		"type":          {"phone"},
	}.Encode()

	server, err := newCallbackServer(iflowCallbackPort, "/callback", state)
	if err != nil {
		return nil, err
	}
	defer server.Close()
	openBrowser(authURL)

	code, err := server.Wait(ctx)
	if err != nil {
		return nil, err
	}

	body, status, err := postForm(ctx, s.http, iflowTokenURL, url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {creds.ClientID},
		"code":         {code},
		"redirect_uri": {iflowRedirectURI},
	}, map[string]string{
		"Authorization": iflowBasicAuth(creds.ClientID, creds.ClientSecret),
	})
	if err != nil {
		return nil, fmt.Errorf("iflow token exchange failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("iflow token exchange failed with status %d", status)
	}
	cred, err := credentialFromTokenResponse(body, nil)
	if err != nil {
		return nil, err
	}
	return s.swapIFlowAPIKey(ctx, cred)
}

// refreshIFlow refreshes the OAuth token with Basic auth and re-derives the
// API key from the new access token.
func (s *Service) refreshIFlow(ctx context.Context, cred *auth.Credential) (*auth.Credential, error) {
	creds, err := s.bootstrapCreds(ctx, auth.ProviderIFlow)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth, "cannot load OAuth app credentials for iflow", err)
	}
	next, err := s.refreshForm(ctx, auth.ProviderIFlow, iflowTokenURL, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}, map[string]string{
		"Authorization": iflowBasicAuth(creds.ClientID, creds.ClientSecret),
	}, cred)
	if err != nil {
		return nil, err
	}
	return s.swapIFlowAPIKey(ctx, next)
}

// swapIFlowAPIKey replaces the credential's access token with the API key
// from the userInfo endpoint; iFlow's inference API only accepts the key.
func (s *Service) swapIFlowAPIKey(ctx context.Context, cred *auth.Credential) (*auth.Credential, error) {
	endpoint := iflowUserInfoURL + "?accessToken=" + url.QueryEscape(cred.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth, "iflow userInfo endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth, "iflow userInfo read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, tokenEndpointError(auth.ProviderIFlow, resp.StatusCode, body)
	}
	apiKey := gjson.GetBytes(body, "data.apiKey").String()
	if apiKey == "" {
		return nil, apperrors.New(apperrors.KindTransientAuth, "iflow userInfo response missing apiKey")
	}
	cred.AccessToken = apiKey
	return cred, nil
}
