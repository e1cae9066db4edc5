package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCodeByKind(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindModelUnknown, http.StatusNotFound},
		{KindNotAuthenticated, http.StatusUnauthorized},
		{KindCredentialExpired, http.StatusUnauthorized},
		{KindTransientAuth, http.StatusBadGateway},
		{KindUpstreamTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.kind, "x").StatusCode())
		})
	}
}

func TestUpstreamStatusPassThrough(t *testing.T) {
	e := Upstream("claude", 429, []byte(`{"error":"rate limited"}`))
	assert.Equal(t, 429, e.StatusCode())

	e = Upstream("claude", 503, []byte("overloaded"))
	assert.Equal(t, http.StatusBadGateway, e.StatusCode())
}

func TestExcerptBounded(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'a'
	}
	e := Upstream("gemini", 500, long)
	assert.LessOrEqual(t, len(e.BodyExcerpt), 512+3)
}

func TestToJSONEnvelope(t *testing.T) {
	e := New(KindModelUnknown, "model not found")
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(e.ToJSON(), &decoded))
	assert.Equal(t, "model_unknown", decoded["error"]["code"])
	assert.Equal(t, "model not found", decoded["error"]["message"])
}

func TestUnwrapChain(t *testing.T) {
	base := stderrors.New("socket closed")
	e := Wrap(KindUpstream, "call failed", base)
	assert.True(t, stderrors.Is(e, base))
	assert.Contains(t, e.Error(), "socket closed")
}

func TestIsKind(t *testing.T) {
	e := New(KindCredentialExpired, "401")
	assert.True(t, IsKind(e, KindCredentialExpired))
	assert.False(t, IsKind(e, KindUpstream))
	assert.False(t, IsKind(fmt.Errorf("plain"), KindCredentialExpired))
}

func TestErrorIncludesProvider(t *testing.T) {
	e := &AppError{Kind: KindNotAuthenticated, Provider: "copilot", Message: "login required"}
	assert.Equal(t, "copilot: login required", e.Error())
}
