package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apperrors "github.com/byokey/byokey/internal/errors"
	"github.com/byokey/byokey/internal/util"
)

const ampDefaultUpstream = "https://ampcode.com"

// hopByHopHeaders are stripped when proxying in either direction.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// clientAuthHeaders are replaced by the configured upstream key.
var clientAuthHeaders = []string{"Authorization", "X-Api-Key", "X-Goog-Api-Key"}

func (s *Server) ampUpstream() string {
	if u := s.config().Amp.UpstreamURL; u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return ampDefaultUpstream
}

func (s *Server) handleAmpLogin(c *gin.Context) {
	c.Redirect(http.StatusFound, s.ampUpstream()+"/login")
}

// handleAmpManagement forwards management calls to the amp upstream
// verbatim, minus hop-by-hop headers. When an upstream key is configured the
// client's own auth headers are replaced by it.
func (s *Server) handleAmpManagement(c *gin.Context) {
	cfg := s.config()
	target := s.ampUpstream() + "/v0/management" + c.Param("path")
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		s.renderError(c, apperrors.Wrap(apperrors.KindInternal, "failed to build amp upstream request", err))
		return
	}
	for name, values := range c.Request.Header {
		if hopByHopHeaders[strings.ToLower(name)] || strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if key := cfg.Amp.UpstreamKey; key != "" {
		for _, name := range clientAuthHeaders {
			req.Header.Del(name)
		}
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set("X-Api-Key", key)
	}

	resp, err := util.NewHTTPClient(cfg, "", util.RequestTimeout).Do(req)
	if err != nil {
		s.renderError(c, apperrors.Wrap(apperrors.KindUpstream, "amp upstream unreachable", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.renderError(c, apperrors.Wrap(apperrors.KindUpstream, "failed to read amp upstream response", err))
		return
	}
	if cfg.Amp.HideFreeTier && resp.StatusCode == http.StatusOK && strings.Contains(c.Param("path"), "models") {
		body = filterFreeTierModels(body)
	}

	header := c.Writer.Header()
	for name, values := range resp.Header {
		if hopByHopHeaders[strings.ToLower(name)] || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := c.Writer.Write(body); err != nil {
		log.WithError(err).Debug("amp management response write failed")
	}
}

// filterFreeTierModels drops free-tier entries from a model listing. Both
// the OpenAI-style "data" array and a bare "models" array are handled; any
// other shape passes through untouched.
func filterFreeTierModels(body []byte) []byte {
	for _, field := range []string{"data", "models"} {
		list := gjson.GetBytes(body, field)
		if !list.IsArray() {
			continue
		}
		kept := make([]string, 0, len(list.Array()))
		for _, item := range list.Array() {
			id := item.Get("id").String()
			if id == "" {
				id = item.Get("slug").String()
			}
			if strings.Contains(strings.ToLower(id), "free") {
				continue
			}
			kept = append(kept, item.Raw)
		}
		filtered, err := sjson.SetRawBytes(body, field, []byte("["+strings.Join(kept, ",")+"]"))
		if err != nil {
			return body
		}
		return filtered
	}
	return body
}
