package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// credentialsBaseURL serves per-provider OAuth app credentials as static
// JSON. Secrets for the Google-backed providers are not baked into the
// binary; they are fetched once per process at login or refresh time.
const credentialsBaseURL = "https://assets.byokey.io/oauth"

// appCredentials are the OAuth app fields returned by the credentials CDN.
type appCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
}

// bootstrapCreds fetches (and caches) the OAuth app credentials for a
// provider. Concurrent callers for the same provider share one fetch.
func (s *Service) bootstrapCreds(ctx context.Context, provider string) (appCredentials, error) {
	s.mu.Lock()
	cached, ok := s.creds[provider]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	result, err, _ := s.sf.Do("creds/"+provider, func() (any, error) {
		url := fmt.Sprintf("%s/%s.json", credentialsBaseURL, provider)
		req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if errReq != nil {
			return nil, errReq
		}
		resp, errDo := s.http.Do(req)
		if errDo != nil {
			return nil, fmt.Errorf("failed to fetch OAuth credentials for %s: %w", provider, errDo)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("credentials endpoint returned %d for %s", resp.StatusCode, provider)
		}
		body, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if errRead != nil {
			return nil, errRead
		}
		var creds appCredentials
		if errJSON := json.Unmarshal(body, &creds); errJSON != nil {
			return nil, fmt.Errorf("failed to parse credentials for %s: %w", provider, errJSON)
		}
		if creds.ClientID == "" {
			return nil, fmt.Errorf("credentials for %s missing client_id", provider)
		}
		s.mu.Lock()
		s.creds[provider] = creds
		s.mu.Unlock()
		return creds, nil
	})
	if err != nil {
		return appCredentials{}, err
	}
	return result.(appCredentials), nil
}
