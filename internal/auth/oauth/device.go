package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// deviceGrant is the parsed device authorization response.
type deviceGrant struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       time.Duration
	Interval        time.Duration
}

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// requestDeviceCode starts an OAuth 2.0 device authorization grant.
func requestDeviceCode(ctx context.Context, client *http.Client, endpoint string, params url.Values, headers map[string]string) (*deviceGrant, error) {
	body, status, err := postForm(ctx, client, endpoint, params, headers)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed with status %d: %s", status, body)
	}
	grant := &deviceGrant{
		DeviceCode:      gjson.GetBytes(body, "device_code").String(),
		UserCode:        gjson.GetBytes(body, "user_code").String(),
		VerificationURI: gjson.GetBytes(body, "verification_uri").String(),
		ExpiresIn:       600 * time.Second,
		Interval:        5 * time.Second,
	}
	if grant.DeviceCode == "" || grant.UserCode == "" {
		return nil, fmt.Errorf("device authorization response missing device_code or user_code")
	}
	if v := gjson.GetBytes(body, "expires_in").Int(); v > 0 {
		grant.ExpiresIn = time.Duration(v) * time.Second
	}
	if v := gjson.GetBytes(body, "interval").Int(); v > 0 {
		grant.Interval = time.Duration(v) * time.Second
	}
	return grant, nil
}

// pollDeviceToken polls the token endpoint until the user completes
// authorization. slow_down responses grow the interval: qwen multiplies by
// 1.5, everyone else adds 5 seconds per the RFC.
func pollDeviceToken(ctx context.Context, client *http.Client, endpoint string, grant *deviceGrant, params url.Values, headers map[string]string, multiplicative bool) ([]byte, error) {
	deadline := time.Now().Add(grant.ExpiresIn)
	interval := grant.Interval
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device code expired before authorization completed")
		}

		body, status, err := postForm(ctx, client, endpoint, params, headers)
		if err != nil {
			log.WithError(err).Debug("device token poll failed, retrying")
			continue
		}
		switch gjson.GetBytes(body, "error").String() {
		case "":
		case "authorization_pending":
			continue
		case "slow_down":
			if multiplicative {
				interval = interval * 3 / 2
			} else {
				interval += 5 * time.Second
			}
			continue
		case "expired_token":
			return nil, fmt.Errorf("device code expired")
		case "access_denied":
			return nil, fmt.Errorf("authorization denied by user")
		default:
			return nil, fmt.Errorf("device flow error: %s", gjson.GetBytes(body, "error").String())
		}
		if status != http.StatusOK {
			continue
		}
		if gjson.GetBytes(body, "access_token").String() != "" {
			return body, nil
		}
	}
}

// postForm sends a form-urlencoded POST and returns the body and status.
func postForm(ctx context.Context, client *http.Client, endpoint string, params url.Values, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
