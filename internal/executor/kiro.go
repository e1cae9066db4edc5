package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/auth/oauth"
	"github.com/byokey/byokey/internal/config"
	"github.com/byokey/byokey/internal/util"
)

// kiroDefaultRegion hosts accounts whose device grant carried no region.
const kiroDefaultRegion = "us-east-1"

// KiroExecutor speaks the Anthropic Messages dialect against the Kiro
// backend. The host derives from the session region stored with the
// credential.
type KiroExecutor struct {
	cfg *config.Config
}

// NewKiroExecutor returns a Kiro executor.
func NewKiroExecutor(cfg *config.Config) *KiroExecutor {
	return &KiroExecutor{cfg: cfg}
}

// Identifier returns the provider id.
func (e *KiroExecutor) Identifier() string { return auth.ProviderKiro }

func kiroURL(rec *auth.Record) string {
	region := kiroDefaultRegion
	if rec != nil && rec.Credential != nil {
		if r := rec.Credential.Extra(oauth.ExtraKiroRegion); r != "" {
			region = r
		}
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com/v1/messages", region)
}

func (e *KiroExecutor) send(ctx context.Context, rec *auth.Record, req Request, stream bool) (*http.Response, error) {
	body := bytes.Clone(req.Payload)
	body = applyPayloadRules(e.cfg.Provider(e.Identifier()), body)
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "stream", stream)
	if rec != nil && rec.Credential != nil {
		if arn := rec.Credential.Extra(oauth.ExtraKiroProfileARN); arn != "" {
			body, _ = sjson.SetBytes(body, "profileArn", arn)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroURL(rec), bytes.NewReader(body))
	if err != nil {
		return nil, transportError(e.Identifier(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken(rec))
	applyConfigHeaders(httpReq.Header, e.cfg, e.Identifier())

	timeout := util.RequestTimeout
	if stream {
		timeout = 0
	}
	httpResp, err := httpClientFor(e.cfg, e.Identifier(), timeout).Do(httpReq)
	if err != nil {
		return nil, transportError(e.Identifier(), err)
	}
	if err = checkResponse(e.Identifier(), httpResp); err != nil {
		return nil, err
	}
	return httpResp, nil
}

// Execute performs a buffered Messages exchange.
func (e *KiroExecutor) Execute(ctx context.Context, rec *auth.Record, req Request) (Response, error) {
	httpResp, err := e.send(ctx, rec, req, false)
	if err != nil {
		return Response{}, err
	}
	data, err := readBody(e.Identifier(), httpResp)
	if err != nil {
		return Response{}, err
	}
	return Response{Payload: data}, nil
}

// ExecuteStream performs a streaming Messages exchange.
func (e *KiroExecutor) ExecuteStream(ctx context.Context, rec *auth.Record, req Request) (<-chan StreamChunk, error) {
	httpResp, err := e.send(ctx, rec, req, true)
	if err != nil {
		return nil, err
	}
	body, err := streamBody(e.Identifier(), httpResp)
	if err != nil {
		return nil, err
	}
	return streamEvents(ctx, e.Identifier(), body, idleTimeout(e.cfg)), nil
}
