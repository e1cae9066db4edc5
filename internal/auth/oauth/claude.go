package oauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	apperrors "github.com/byokey/byokey/internal/errors"
)

// Claude OAuth app. Only user-level scopes are requested;
// org:create_api_key would require Anthropic Console billing, which Claude
// subscription accounts do not have.
const (
	claudeClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeCallbackPort = 54545
	claudeAuthURL      = "https://claude.ai/oauth/authorize"
	claudeTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	claudeRedirectURI  = "http://localhost:54545/callback"
	claudeScope        = "user:profile user:inference"
)

func (s *Service) loginClaude(ctx context.Context) (*auth.Credential, error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := RandomState()
	if err != nil {
		return nil, err
	}

	authURL := claudeAuthURL + "?" + url.Values{
		"client_id":             {claudeClientID},
		"code":                  {"true"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"redirect_uri":          {claudeRedirectURI},
		"response_type":         {"code"},
		"scope":                 {claudeScope},
		"state":                 {state},
	}.Encode()

	server, err := newCallbackServer(claudeCallbackPort, "/callback", state)
	if err != nil {
		return nil, err
	}
	defer server.Close()
	openBrowser(authURL)

	code, err := server.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return s.exchangeClaudeCode(ctx, code, verifier, state)
}

// exchangeClaudeCode swaps the authorization code for tokens. Anthropic's
// token endpoint takes a JSON body rather than a form.
func (s *Service) exchangeClaudeCode(ctx context.Context, code, verifier, state string) (*auth.Credential, error) {
	body := []byte(`{"grant_type":"authorization_code"}`)
	body, _ = sjson.SetBytes(body, "client_id", claudeClientID)
	body, _ = sjson.SetBytes(body, "code", code)
	body, _ = sjson.SetBytes(body, "redirect_uri", claudeRedirectURI)
	body, _ = sjson.SetBytes(body, "code_verifier", verifier)
	body, _ = sjson.SetBytes(body, "state", state)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claude token exchange failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claude token exchange failed with status %d: %s", resp.StatusCode, apperrors.Excerpt(respBody, 200))
	}
	return credentialFromTokenResponse(respBody, nil)
}

func (s *Service) refreshClaude(ctx context.Context, cred *auth.Credential) (*auth.Credential, error) {
	return s.refreshForm(ctx, auth.ProviderClaude, claudeTokenURL, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {claudeClientID},
		"refresh_token": {cred.RefreshToken},
	}, nil, cred)
}
