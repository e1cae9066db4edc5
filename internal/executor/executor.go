// Package executor sends translated requests to upstream providers. Each
// provider has an executor that knows its endpoint, auth scheme, and header
// conventions; the dispatcher hands it a body already in the provider's
// dialect together with a live credential.
package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	apperrors "github.com/byokey/byokey/internal/errors"
	"github.com/byokey/byokey/internal/translator"
	"github.com/byokey/byokey/internal/util"
)

// Request is one upstream exchange. Payload is already translated into the
// provider's dialect; Model is the canonical upstream model id.
type Request struct {
	Model   string
	Payload []byte
	Stream  bool
}

// Response is a buffered non-streaming upstream response in the provider's
// dialect.
type Response struct {
	Payload []byte
}

// StreamChunk is one parsed upstream SSE event, or a terminal error. After a
// chunk with Err set the channel is closed.
type StreamChunk struct {
	Event translator.Event
	Err   error
}

// Executor performs upstream exchanges for one provider.
type Executor interface {
	// Identifier returns the provider id the executor serves.
	Identifier() string
	// Execute performs a buffered exchange. A 401, or a 403 whose body
	// signals token expiry, surfaces as KindCredentialExpired so the
	// dispatcher can refresh and retry once.
	Execute(ctx context.Context, rec *auth.Record, req Request) (Response, error)
	// ExecuteStream performs a streaming exchange. The returned channel
	// yields upstream events in arrival order and closes on EOF.
	ExecuteStream(ctx context.Context, rec *auth.Record, req Request) (<-chan StreamChunk, error)
}

// New returns the executor for a provider id.
func New(provider string, cfg *config.Config) (Executor, error) {
	switch provider {
	case auth.ProviderClaude:
		return NewClaudeExecutor(cfg), nil
	case auth.ProviderCodex:
		return NewCodexExecutor(cfg), nil
	case auth.ProviderCopilot:
		return NewCopilotExecutor(cfg), nil
	case auth.ProviderGemini:
		return NewGeminiExecutor(cfg), nil
	case auth.ProviderKiro:
		return NewKiroExecutor(cfg), nil
	case auth.ProviderAntigravity:
		return NewAntigravityExecutor(cfg), nil
	case auth.ProviderQwen:
		return NewQwenExecutor(cfg), nil
	case auth.ProviderKimi:
		return NewKimiExecutor(cfg), nil
	case auth.ProviderIFlow:
		return NewIFlowExecutor(cfg), nil
	}
	return nil, apperrors.New(apperrors.KindInternal, fmt.Sprintf("no executor for provider %q", provider))
}

// bearerToken returns the credential's upstream secret: the config API key
// when present, otherwise the OAuth access token.
func bearerToken(rec *auth.Record) string {
	if rec == nil || rec.Credential == nil {
		return ""
	}
	if rec.Credential.APIKey != "" {
		return rec.Credential.APIKey
	}
	return rec.Credential.AccessToken
}

// applyPayloadRules mutates the translated body per the provider's config:
// strip paths first, then set paths.
func applyPayloadRules(pc config.ProviderConfig, body []byte) []byte {
	for _, path := range pc.PayloadRules.Strip {
		body, _ = sjson.DeleteBytes(body, path)
	}
	for path, value := range pc.PayloadRules.Set {
		body, _ = sjson.SetBytes(body, path, value)
	}
	return body
}

// applyConfigHeaders sets config-declared extra headers for the provider.
func applyConfigHeaders(h http.Header, cfg *config.Config, provider string) {
	if cfg == nil {
		return
	}
	for name, value := range cfg.Provider(provider).Headers {
		h.Set(name, value)
	}
}

// httpClientFor returns the shared outbound client honoring the provider's
// proxy override. A zero timeout is used for streaming requests.
func httpClientFor(cfg *config.Config, provider string, timeout time.Duration) *http.Client {
	var providerProxy string
	if cfg != nil {
		providerProxy = cfg.Provider(provider).ProxyURL
	}
	return util.NewHTTPClient(cfg, providerProxy, timeout)
}

// idleTimeout returns the configured streaming idle deadline.
func idleTimeout(cfg *config.Config) time.Duration {
	seconds := config.StreamingConfig{}.IdleTimeoutOrDefault()
	if cfg != nil {
		seconds = cfg.Streaming.IdleTimeoutOrDefault()
	}
	return time.Duration(seconds) * time.Second
}

// statusError classifies a non-2xx upstream status. A 401, or a 403 whose
// body mentions an expired token, means the credential the gateway believed
// fresh was rejected; everything else passes through as an upstream error.
func statusError(provider string, status int, body []byte) *apperrors.AppError {
	if status == http.StatusUnauthorized ||
		(status == http.StatusForbidden && bytes.Contains(body, []byte("expired_token"))) {
		err := apperrors.New(apperrors.KindCredentialExpired, "upstream rejected credential")
		err.Provider = provider
		err.BodyExcerpt = apperrors.Excerpt(body, 512)
		return err
	}
	err := apperrors.Upstream(provider, status, body)
	return err
}

// transportError classifies a failed send: deadline and net timeouts map to
// KindUpstreamTimeout, the rest to KindUpstream.
func transportError(provider string, err error) *apperrors.AppError {
	kind := apperrors.KindUpstream
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		kind = apperrors.KindUpstreamTimeout
	}
	appErr := apperrors.Wrap(kind, "upstream request failed", err)
	appErr.Provider = provider
	return appErr
}

// checkResponse drains and classifies a non-2xx response. On 2xx it returns
// nil and leaves the body unread.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	return statusError(provider, resp.StatusCode, body)
}

// readBody buffers a 2xx response body, decoding any content encoding the
// transport did not already strip.
func readBody(provider string, resp *http.Response) ([]byte, error) {
	body, err := util.DecodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, transportError(provider, err)
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, transportError(provider, err)
	}
	return data, nil
}

// streamBody returns the decoded response body for SSE reading.
func streamBody(provider string, resp *http.Response) (io.ReadCloser, error) {
	body, err := util.DecodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, transportError(provider, err)
	}
	return body, nil
}
