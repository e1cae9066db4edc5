// Package translator converts requests and responses between the three wire
// dialects the gateway speaks: OpenAI chat completions, Anthropic messages,
// and Gemini generateContent. All translation operates on raw JSON bytes with
// gjson/sjson; no intermediate structs. Translators are pure and do no I/O.
//
// Anthropic<->Gemini translation is composed through the OpenAI shape, so
// each pairwise direction only has to be written once.
package translator

import (
	"bytes"

	apperrors "github.com/byokey/byokey/internal/errors"
)

// Format identifies a wire dialect.
type Format string

const (
	// FormatOpenAI is the chat-completions request/response shape.
	FormatOpenAI Format = "openai"
	// FormatClaude is the Anthropic messages shape.
	FormatClaude Format = "claude"
	// FormatGemini is the Google generateContent shape.
	FormatGemini Format = "gemini"
)

// TranslateRequest converts a request body from one dialect to another. The
// same-dialect case returns a copy so callers can mutate freely.
func TranslateRequest(from, to Format, rawJSON []byte) ([]byte, error) {
	if from == to {
		return bytes.Clone(rawJSON), nil
	}
	switch {
	case from == FormatOpenAI && to == FormatClaude:
		return OpenAIRequestToClaude(rawJSON)
	case from == FormatClaude && to == FormatOpenAI:
		return ClaudeRequestToOpenAI(rawJSON)
	case from == FormatOpenAI && to == FormatGemini:
		return OpenAIRequestToGemini(rawJSON)
	case from == FormatGemini && to == FormatOpenAI:
		return GeminiRequestToOpenAI(rawJSON)
	case from == FormatClaude && to == FormatGemini:
		openai, err := ClaudeRequestToOpenAI(rawJSON)
		if err != nil {
			return nil, err
		}
		return OpenAIRequestToGemini(openai)
	case from == FormatGemini && to == FormatClaude:
		openai, err := GeminiRequestToOpenAI(rawJSON)
		if err != nil {
			return nil, err
		}
		return OpenAIRequestToClaude(openai)
	}
	return nil, apperrors.New(apperrors.KindInternal, "unsupported request translation "+string(from)+" to "+string(to))
}

// TranslateResponse converts a buffered (non-streaming) response body from
// the provider dialect to the caller dialect.
func TranslateResponse(from, to Format, rawJSON []byte) ([]byte, error) {
	if from == to {
		return bytes.Clone(rawJSON), nil
	}
	switch {
	case from == FormatClaude && to == FormatOpenAI:
		return ClaudeResponseToOpenAI(rawJSON), nil
	case from == FormatOpenAI && to == FormatClaude:
		return OpenAIResponseToClaude(rawJSON), nil
	case from == FormatGemini && to == FormatOpenAI:
		return GeminiResponseToOpenAI(rawJSON), nil
	case from == FormatOpenAI && to == FormatGemini:
		return OpenAIResponseToGemini(rawJSON), nil
	case from == FormatClaude && to == FormatGemini:
		return OpenAIResponseToGemini(ClaudeResponseToOpenAI(rawJSON)), nil
	case from == FormatGemini && to == FormatClaude:
		return OpenAIResponseToClaude(GeminiResponseToOpenAI(rawJSON)), nil
	}
	return nil, apperrors.New(apperrors.KindInternal, "unsupported response translation "+string(from)+" to "+string(to))
}
