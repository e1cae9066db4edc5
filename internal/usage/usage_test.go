package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokensOpenAI(t *testing.T) {
	input, output, ok := ParseTokens([]byte(`{"usage":{"prompt_tokens":12,"completion_tokens":7}}`))
	require.True(t, ok)
	assert.EqualValues(t, 12, input)
	assert.EqualValues(t, 7, output)
}

func TestParseTokensAnthropic(t *testing.T) {
	input, output, ok := ParseTokens([]byte(`{"usage":{"input_tokens":30,"output_tokens":4}}`))
	require.True(t, ok)
	assert.EqualValues(t, 30, input)
	assert.EqualValues(t, 4, output)
}

func TestParseTokensAnthropicMessageStart(t *testing.T) {
	input, output, ok := ParseTokens([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":9,"output_tokens":0}}}`))
	require.True(t, ok)
	assert.EqualValues(t, 9, input)
	assert.EqualValues(t, 0, output)
}

func TestParseTokensGemini(t *testing.T) {
	input, output, ok := ParseTokens([]byte(`{"usageMetadata":{"promptTokenCount":21,"candidatesTokenCount":3}}`))
	require.True(t, ok)
	assert.EqualValues(t, 21, input)
	assert.EqualValues(t, 3, output)
}

func TestParseTokensAbsent(t *testing.T) {
	_, _, ok := ParseTokens([]byte(`{"choices":[{"delta":{"content":"hi"}}]}`))
	assert.False(t, ok)
}

func TestEstimateCost(t *testing.T) {
	cost, ok := EstimateCost("claude-sonnet-4-5", 1_000_000, 1_000_000)
	require.True(t, ok)
	assert.InDelta(t, 18.00, cost, 1e-9)
}

func TestEstimateCostSubstringMatch(t *testing.T) {
	cost, ok := EstimateCost("ag-gemini-2.5-pro", 2_000_000, 0)
	require.True(t, ok)
	assert.InDelta(t, 2.50, cost, 1e-9)
}

func TestEstimateCostUnknownModel(t *testing.T) {
	_, ok := EstimateCost("totally-unknown", 1, 1)
	assert.False(t, ok)
}

func TestReporterDoesNotPanic(t *testing.T) {
	r := Begin("claude", "acct-1", "claude-sonnet-4-5", true)
	r.Success(100, 50)
	Begin("codex", "acct-2", "gpt-5", false).Failure()
}
