package oauth

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	apperrors "github.com/byokey/byokey/internal/errors"
)

// Kiro desktop auth service.
const (
	kiroAuthHost      = "prod.us-east-1.auth.desktop.kiro.dev"
	kiroDeviceCodeURL = "https://" + kiroAuthHost + "/oauth/device/code"
	kiroTokenURL      = "https://" + kiroAuthHost + "/oauth/device/token"
	kiroRefreshURL    = "https://" + kiroAuthHost + "/refreshToken"
)

// Kiro session extras. The region and profile ARN arrive with the token and
// are copied verbatim across refreshes.
const (
	ExtraKiroRegion     = "kiro_region"
	ExtraKiroProfileARN = "kiro_profile_arn"
)

func (s *Service) loginKiro(ctx context.Context) (*auth.Credential, error) {
	grant, err := requestDeviceCode(ctx, s.http, kiroDeviceCodeURL, url.Values{}, nil)
	if err != nil {
		return nil, err
	}

	log.Infof("Visit: %s", grant.VerificationURI)
	log.Infof("Enter verification code: %s", grant.UserCode)
	if grant.VerificationURI != "" {
		openBrowser(grant.VerificationURI)
	}

	body, err := pollDeviceToken(ctx, s.http, kiroTokenURL, grant, url.Values{
		"device_code": {grant.DeviceCode},
		"grant_type":  {deviceGrantType},
	}, nil, false)
	if err != nil {
		return nil, err
	}
	cred, err := credentialFromTokenResponse(body, nil)
	if err != nil {
		return nil, err
	}
	applyKiroExtras(cred, body)
	return cred, nil
}

// refreshKiro renews a Kiro session. The endpoint takes a JSON body and
// returns a fresh access/refresh pair; region and profile ARN are preserved
// from the previous session when the response omits them.
func (s *Service) refreshKiro(ctx context.Context, cred *auth.Credential) (*auth.Credential, error) {
	reqBody, _ := sjson.SetBytes([]byte(`{}`), "refreshToken", cred.RefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroRefreshURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth, "kiro refresh endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransientAuth, "kiro refresh read failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, tokenEndpointError(auth.ProviderKiro, resp.StatusCode, body)
	}

	access := gjson.GetBytes(body, "accessToken").String()
	if access == "" {
		access = gjson.GetBytes(body, "access_token").String()
	}
	if access == "" {
		return nil, apperrors.New(apperrors.KindTransientAuth, "kiro refresh response missing access token")
	}
	next := cred.Clone()
	next.AccessToken = access
	if refresh := gjson.GetBytes(body, "refreshToken").String(); refresh != "" {
		next.RefreshToken = refresh
	}
	if expiresIn := gjson.GetBytes(body, "expiresIn").Int(); expiresIn > 0 {
		next.ExpiresAt = time.Now().Unix() + expiresIn
	}
	applyKiroExtras(next, body)
	return next, nil
}

func applyKiroExtras(cred *auth.Credential, body []byte) {
	if region := gjson.GetBytes(body, "region").String(); region != "" {
		cred.SetExtra(ExtraKiroRegion, region)
	}
	if arn := gjson.GetBytes(body, "profileArn").String(); arn != "" {
		cred.SetExtra(ExtraKiroProfileARN, arn)
	}
}
