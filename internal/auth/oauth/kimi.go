package oauth

import (
	"context"
	"net/url"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/byokey/byokey/internal/auth"
)

// Kimi device flow. The auth service requires X-Msh-* platform headers on
// every request, matching what the Kimi desktop client sends.
const (
	kimiClientID      = "17e5f671-d194-4dfb-9706-5516cb48c098"
	kimiDeviceCodeURL = "https://auth.kimi.com/api/oauth/device_authorization"
	kimiTokenURL      = "https://auth.kimi.com/api/oauth/token"
	kimiScope         = "openid offline_access"

	kimiPlatform    = "mac"
	kimiVersion     = "0.13.0"
	kimiDeviceModel = "MacBookPro"
	kimiDeviceName  = "byokey-client"
)

func kimiHeaders() map[string]string {
	return map[string]string{
		"X-Msh-Platform":     kimiPlatform,
		"X-Msh-Version":      kimiVersion,
		"X-Msh-Device-Name":  kimiDeviceName,
		"X-Msh-Device-Model": kimiDeviceModel,
		"X-Msh-Device-Id":    uuid.NewString(),
	}
}

func (s *Service) loginKimi(ctx context.Context) (*auth.Credential, error) {
	headers := kimiHeaders()
	grant, err := requestDeviceCode(ctx, s.http, kimiDeviceCodeURL, url.Values{
		"client_id": {kimiClientID},
		"scope":     {kimiScope},
	}, headers)
	if err != nil {
		return nil, err
	}

	log.Infof("Visit: %s", grant.VerificationURI)
	log.Infof("Enter verification code: %s", grant.UserCode)
	openBrowser(grant.VerificationURI)

	body, err := pollDeviceToken(ctx, s.http, kimiTokenURL, grant, url.Values{
		"client_id":   {kimiClientID},
		"device_code": {grant.DeviceCode},
		"grant_type":  {deviceGrantType},
	}, headers, false)
	if err != nil {
		return nil, err
	}
	return credentialFromTokenResponse(body, nil)
}
