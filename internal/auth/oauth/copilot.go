package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/byokey/byokey/internal/auth"
	apperrors "github.com/byokey/byokey/internal/errors"
)

// GitHub Copilot device flow. The GitHub OAuth token never expires; it is
// stored as the refresh token and exchanged for short-lived Copilot session
// tokens on demand.
const (
	copilotClientID      = "Iv1.b507a08c87ecfe98"
	copilotDeviceCodeURL = "https://github.com/login/device/code"
	copilotTokenURL      = "https://github.com/login/oauth/access_token"
	copilotScope         = "read:user"
	copilotExchangeURL   = "https://api.github.com/copilot_internal/v2/token"
	githubUserURL        = "https://api.github.com/user"
)

// ExtraCopilotEndpoint is the per-session API endpoint hint returned by the
// Copilot token exchange.
const ExtraCopilotEndpoint = "copilot_endpoint"

func (s *Service) loginCopilot(ctx context.Context) (*auth.Record, error) {
	grant, err := requestDeviceCode(ctx, s.http, copilotDeviceCodeURL, url.Values{
		"client_id": {copilotClientID},
		"scope":     {copilotScope},
	}, nil)
	if err != nil {
		return nil, err
	}

	log.Infof("Visit: %s", grant.VerificationURI)
	log.Infof("Enter verification code: %s", grant.UserCode)
	openBrowser(grant.VerificationURI)

	body, err := pollDeviceToken(ctx, s.http, copilotTokenURL, grant, url.Values{
		"client_id":   {copilotClientID},
		"device_code": {grant.DeviceCode},
		"grant_type":  {deviceGrantType},
	}, nil, false)
	if err != nil {
		return nil, err
	}

	githubToken := gjson.GetBytes(body, "access_token").String()
	cred := &auth.Credential{RefreshToken: githubToken}
	if err = s.exchangeCopilotSession(ctx, cred); err != nil {
		return nil, err
	}

	login, err := s.githubLogin(ctx, githubToken)
	if err != nil {
		log.WithError(err).Warn("could not resolve GitHub login, using generated account id")
	}
	accountID, label := login, login
	if accountID == "" {
		accountID, label = deriveIdentity(cred)
	}
	return &auth.Record{
		Provider:   auth.ProviderCopilot,
		AccountID:  accountID,
		Label:      label,
		Credential: cred,
	}, nil
}

// refreshCopilot mints a new Copilot session token from the stored GitHub
// token. There is no OAuth refresh; a rejected GitHub token means the user
// revoked the app.
func (s *Service) refreshCopilot(ctx context.Context, cred *auth.Credential) (*auth.Credential, error) {
	next := cred.Clone()
	if err := s.exchangeCopilotSession(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// exchangeCopilotSession fills cred's access token, expiry, and endpoint
// hint from the Copilot internal token endpoint, authenticated by the GitHub
// token held in RefreshToken.
func (s *Service) exchangeCopilotSession(ctx context.Context, cred *auth.Credential) error {
	return s.exchangeCopilotSessionAt(ctx, copilotExchangeURL, cred)
}

func (s *Service) exchangeCopilotSessionAt(ctx context.Context, endpoint string, cred *auth.Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+cred.RefreshToken)
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientAuth, "copilot token exchange unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientAuth, "copilot token exchange read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return tokenEndpointError(auth.ProviderCopilot, resp.StatusCode, body)
	}

	token := gjson.GetBytes(body, "token").String()
	if token == "" {
		return apperrors.New(apperrors.KindTransientAuth, "copilot token exchange response missing token")
	}
	cred.AccessToken = token
	cred.ExpiresAt = gjson.GetBytes(body, "expires_at").Int()
	if endpoint := gjson.GetBytes(body, "endpoints.api").String(); endpoint != "" {
		cred.SetExtra(ExtraCopilotEndpoint, endpoint)
	}
	return nil
}

// githubLogin resolves the authenticated user's login name for the account
// id.
func (s *Service) githubLogin(ctx context.Context, githubToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubUserURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github /user returned %s", strconv.Itoa(resp.StatusCode))
	}
	return gjson.GetBytes(body, "login").String(), nil
}
