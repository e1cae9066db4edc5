package oauth

import (
	"context"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/byokey/byokey/internal/auth"
)

// Qwen device flow. The device code request carries a PKCE challenge and the
// token poll its verifier; slow_down grows the interval multiplicatively.
const (
	qwenClientID      = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenDeviceCodeURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL      = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenScope         = "openid profile email model.completion"
)

func (s *Service) loginQwen(ctx context.Context) (*auth.Credential, error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	grant, err := requestDeviceCode(ctx, s.http, qwenDeviceCodeURL, url.Values{
		"client_id":             {qwenClientID},
		"scope":                 {qwenScope},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}, nil)
	if err != nil {
		return nil, err
	}

	log.Infof("Visit: %s", grant.VerificationURI)
	log.Infof("Enter verification code: %s", grant.UserCode)
	openBrowser(grant.VerificationURI)

	body, err := pollDeviceToken(ctx, s.http, qwenTokenURL, grant, url.Values{
		"client_id":     {qwenClientID},
		"device_code":   {grant.DeviceCode},
		"grant_type":    {deviceGrantType},
		"code_verifier": {verifier},
	}, nil, true)
	if err != nil {
		return nil, err
	}
	return credentialFromTokenResponse(body, nil)
}
