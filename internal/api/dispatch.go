package api

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	apperrors "github.com/byokey/byokey/internal/errors"
	"github.com/byokey/byokey/internal/executor"
	"github.com/byokey/byokey/internal/registry"
	"github.com/byokey/byokey/internal/translator"
	"github.com/byokey/byokey/internal/usage"
)

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 32 << 20

func formatFor(d registry.Dialect) translator.Format {
	switch d {
	case registry.DialectAnthropic:
		return translator.FormatClaude
	case registry.DialectGemini:
		return translator.FormatGemini
	default:
		return translator.FormatOpenAI
	}
}

func asAppError(err error) *apperrors.AppError {
	if appErr, ok := err.(*apperrors.AppError); ok {
		return appErr
	}
	return apperrors.Wrap(apperrors.KindInternal, "unexpected error", err)
}

func (s *Server) renderError(c *gin.Context, err error) {
	appErr := asAppError(err)
	if appErr.Kind == apperrors.KindTransientAuth {
		c.Header("Retry-After", "30")
	}
	c.Data(appErr.StatusCode(), "application/json", appErr.ToJSON())
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidRequest, "failed to read request body", err)
	}
	return body, nil
}

func (s *Server) handleOpenAIChat(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()
	s.dispatch(c, translator.FormatOpenAI, model, stream, body)
}

func (s *Server) handleClaudeMessages(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()
	s.dispatch(c, translator.FormatClaude, model, stream, body)
}

// handleGeminiGenerate serves the native route
// /v1beta/models/{model}:{generateContent|streamGenerateContent}.
func (s *Server) handleGeminiGenerate(c *gin.Context) {
	raw := strings.TrimPrefix(c.Param("action"), "/")
	model, action, ok := strings.Cut(raw, ":")
	if !ok || (action != "generateContent" && action != "streamGenerateContent") {
		s.renderError(c, apperrors.New(apperrors.KindInvalidRequest, "unsupported action, expected generateContent or streamGenerateContent"))
		return
	}
	body, err := readBody(c)
	if err != nil {
		s.renderError(c, err)
		return
	}
	// The model rides the URL in this dialect; downstream translation wants
	// it in the body.
	body, _ = sjson.SetBytes(body, "model", model)
	s.dispatch(c, translator.FormatGemini, model, action == "streamGenerateContent", body)
}

func (s *Server) handleListModels(c *gin.Context) {
	models := s.registry().Models()
	data := make([]gin.H, 0, len(models))
	for _, id := range models {
		data = append(data, gin.H{"id": id, "object": "model", "owned_by": "byokey"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// validateInbound rejects requests with no conversation turns.
func validateInbound(in translator.Format, body []byte) error {
	field := "messages"
	if in == translator.FormatGemini {
		field = "contents"
	}
	list := gjson.GetBytes(body, field)
	if !list.IsArray() || len(list.Array()) == 0 {
		return apperrors.New(apperrors.KindInvalidRequest, "request has no "+field)
	}
	return nil
}

// selector picks the account strategy configured for a provider.
func selector(cfg *config.Config, provider string) auth.Selector {
	if cfg.Provider(provider).RoundRobin {
		return auth.RoundRobin
	}
	return auth.Active
}

// acquire obtains a live credential for the resolution, falling over to the
// configured fallback provider when the primary has none. A fallback changes
// the resolution's provider and dialect.
func (s *Server) acquire(ctx context.Context, cfg *config.Config, res registry.Resolution) (registry.Resolution, *auth.Record, error) {
	rec, err := s.auth.Acquire(ctx, res.Provider, selector(cfg, res.Provider))
	if err == nil {
		return res, rec, nil
	}
	if res.Fallback == "" || !apperrors.IsKind(err, apperrors.KindNotAuthenticated) {
		return res, nil, err
	}
	rec, errFallback := s.auth.Acquire(ctx, res.Fallback, selector(cfg, res.Fallback))
	if errFallback != nil {
		// The primary's error names the provider the caller asked for.
		return res, nil, err
	}
	res.Provider = res.Fallback
	res.Dialect = registry.ProviderDialect(res.Fallback)
	return res, rec, nil
}

// dispatch is the request path shared by all three dialect endpoints.
func (s *Server) dispatch(c *gin.Context, in translator.Format, model string, stream bool, body []byte) {
	ctx := c.Request.Context()
	cfg := s.config()

	base, thinkingBudget := translator.ParseThinkingModel(model)
	res, err := s.registry().Resolve(base)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if err = validateInbound(in, body); err != nil {
		s.renderError(c, err)
		return
	}
	res, rec, err := s.acquire(ctx, cfg, res)
	if err != nil {
		s.renderError(c, err)
		return
	}
	out := formatFor(res.Dialect)

	payload, err := translator.TranslateRequest(in, out, body)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if out == translator.FormatClaude {
		if res.Provider == auth.ProviderClaude {
			payload = translator.InjectCacheControl(payload)
		}
		if thinkingBudget > 0 {
			payload = translator.InjectThinking(payload, thinkingBudget)
		}
	}

	ex, err := s.newExecutor(res.Provider, cfg)
	if err != nil {
		s.renderError(c, err)
		return
	}
	req := executor.Request{Model: res.Model, Payload: payload, Stream: stream}
	reporter := usage.Begin(res.Provider, rec.AccountID, res.Model, stream)

	if stream {
		s.dispatchStream(c, in, out, res, rec, ex, req, reporter)
		return
	}
	s.dispatchBuffered(c, in, out, res, rec, ex, req, reporter)
}

// retryOnce re-acquires after a typed credential-expired failure. The force
// refresh bypasses the local expiry check; a second upstream rejection is
// final.
func (s *Server) retryOnce(ctx context.Context, res registry.Resolution, rec *auth.Record, err error) (*auth.Record, error) {
	if !apperrors.IsKind(err, apperrors.KindCredentialExpired) {
		return nil, err
	}
	fresh, errRefresh := s.auth.ForceRefresh(ctx, res.Provider, rec.AccountID)
	if errRefresh != nil {
		return nil, errRefresh
	}
	return fresh, nil
}

func (s *Server) dispatchBuffered(c *gin.Context, in, out translator.Format, res registry.Resolution, rec *auth.Record, ex executor.Executor, req executor.Request, reporter *usage.Reporter) {
	ctx := c.Request.Context()

	resp, err := ex.Execute(ctx, rec, req)
	if err != nil {
		fresh, errRetry := s.retryOnce(ctx, res, rec, err)
		if errRetry != nil {
			reporter.Failure()
			s.renderError(c, errRetry)
			return
		}
		resp, err = ex.Execute(ctx, fresh, req)
		if err != nil {
			reporter.Failure()
			s.renderError(c, err)
			return
		}
	}

	if inTok, outTok, ok := usage.ParseTokens(resp.Payload); ok {
		reporter.Success(inTok, outTok)
	} else {
		reporter.Success(0, 0)
	}

	translated, err := translator.TranslateResponse(out, in, resp.Payload)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", translated)
}

func (s *Server) dispatchStream(c *gin.Context, in, out translator.Format, res registry.Resolution, rec *auth.Record, ex executor.Executor, req executor.Request, reporter *usage.Reporter) {
	ctx := c.Request.Context()

	stream, err := ex.ExecuteStream(ctx, rec, req)
	if err != nil {
		fresh, errRetry := s.retryOnce(ctx, res, rec, err)
		if errRetry != nil {
			reporter.Failure()
			s.renderError(c, errRetry)
			return
		}
		stream, err = ex.ExecuteStream(ctx, fresh, req)
		if err != nil {
			reporter.Failure()
			s.renderError(c, err)
			return
		}
	}

	writer := newStreamWriter(c, in)
	tr := translator.NewStream(out, in, res.Model)

	var inTok, outTok int64
	for chunk := range stream {
		if chunk.Err != nil {
			writer.writeAll(tr.Fail(asAppError(chunk.Err)))
			reporter.Failure()
			return
		}
		if len(chunk.Event.Data) > 0 {
			if i, o, ok := usage.ParseTokens(chunk.Event.Data); ok {
				if i > inTok {
					inTok = i
				}
				if o > outTok {
					outTok = o
				}
			}
		}
		writer.writeAll(tr.Next(chunk.Event))
	}
	writer.writeAll(tr.Finish())
	reporter.Success(inTok, outTok)
}
