package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/byokey/byokey/internal/auth"
)

// Codex CLI OAuth app.
const (
	codexClientID     = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexCallbackPort = 1455
	codexAuthURL      = "https://auth.openai.com/oauth/authorize"
	codexTokenURL     = "https://auth.openai.com/oauth/token"
	codexRedirectURI  = "http://localhost:1455/auth/callback"
	codexScope        = "openid email profile offline_access"
)

func (s *Service) loginCodex(ctx context.Context) (*auth.Credential, error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := RandomState()
	if err != nil {
		return nil, err
	}

	authURL := codexAuthURL + "?" + url.Values{
		"client_id":                  {codexClientID},
		"code_challenge":             {challenge},
		"code_challenge_method":      {"S256"},
		"codex_cli_simplified_flow":  {"true"},
		"id_token_add_organizations": {"true"},
		"prompt":                     {"login"},
		"redirect_uri":               {codexRedirectURI},
		"response_type":              {"code"},
		"scope":                      {codexScope},
		"state":                      {state},
	}.Encode()

	server, err := newCallbackServer(codexCallbackPort, "/auth/callback", state)
	if err != nil {
		return nil, err
	}
	defer server.Close()
	openBrowser(authURL)

	code, err := server.Wait(ctx)
	if err != nil {
		return nil, err
	}

	body, status, err := postForm(ctx, s.http, codexTokenURL, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {codexClientID},
		"code":          {code},
		"redirect_uri":  {codexRedirectURI},
		"code_verifier": {verifier},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("codex token exchange failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("codex token exchange failed with status %d", status)
	}
	return credentialFromTokenResponse(body, nil)
}

func (s *Service) refreshCodex(ctx context.Context, cred *auth.Credential) (*auth.Credential, error) {
	return s.refreshForm(ctx, auth.ProviderCodex, codexTokenURL, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {codexClientID},
		"refresh_token": {cred.RefreshToken},
	}, nil, cred)
}
