package translator

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// mapGeminiFinishReason converts a Gemini finishReason to an OpenAI
// finish_reason. hasTools wins because Gemini reports STOP for tool turns.
func mapGeminiFinishReason(finishReason string, hasTools bool) string {
	if hasTools {
		return "tool_calls"
	}
	switch strings.ToUpper(finishReason) {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

// GeminiResponseToOpenAI converts a buffered generateContent response into a
// chat completion.
func GeminiResponseToOpenAI(rawJSON []byte) []byte {
	var texts []string
	toolCalls := "[]"
	for _, part := range gjson.GetBytes(rawJSON, "candidates.0.content.parts").Array() {
		switch {
		case part.Get("functionCall").Exists():
			name := part.Get("functionCall.name").String()
			call, _ := sjson.Set(`{"type":"function"}`, "id", "call_"+name)
			call, _ = sjson.Set(call, "function.name", name)
			args := part.Get("functionCall.args")
			if args.Exists() {
				call, _ = sjson.Set(call, "function.arguments", args.Raw)
			} else {
				call, _ = sjson.Set(call, "function.arguments", "{}")
			}
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
		case part.Get("text").Exists():
			texts = append(texts, part.Get("text").String())
		}
	}

	out := `{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":""}]}`
	out, _ = sjson.Set(out, "id", "chatcmpl-"+gjson.GetBytes(rawJSON, "responseId").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	if model := gjson.GetBytes(rawJSON, "modelVersion"); model.Exists() {
		out, _ = sjson.Set(out, "model", model.String())
	}

	hasTools := gjson.Get(toolCalls, "#").Int() > 0
	if len(texts) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(texts, ""))
	} else if hasTools {
		out, _ = sjson.SetRaw(out, "choices.0.message.content", "null")
	} else {
		out, _ = sjson.Set(out, "choices.0.message.content", "")
	}
	if hasTools {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", toolCalls)
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason",
		mapGeminiFinishReason(gjson.GetBytes(rawJSON, "candidates.0.finishReason").String(), hasTools))

	prompt := gjson.GetBytes(rawJSON, "usageMetadata.promptTokenCount").Int()
	completion := gjson.GetBytes(rawJSON, "usageMetadata.candidatesTokenCount").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", prompt+completion)
	return []byte(out)
}

// OpenAIResponseToGemini converts a buffered chat completion into the
// generateContent response shape.
func OpenAIResponseToGemini(rawJSON []byte) []byte {
	message := gjson.GetBytes(rawJSON, "choices.0.message")

	parts := "[]"
	if content := message.Get("content"); content.Type == gjson.String && content.String() != "" {
		part, _ := sjson.Set(`{}`, "text", content.String())
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	for _, call := range message.Get("tool_calls").Array() {
		part, _ := sjson.Set(`{"functionCall":{}}`, "functionCall.name", call.Get("function.name").String())
		args := gjson.Parse(call.Get("function.arguments").String())
		if args.IsObject() {
			part, _ = sjson.SetRaw(part, "functionCall.args", args.Raw)
		} else {
			part, _ = sjson.SetRaw(part, "functionCall.args", `{}`)
		}
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	if gjson.Get(parts, "#").Int() == 0 {
		parts = `[{"text":""}]`
	}

	finishReason := "STOP"
	if gjson.GetBytes(rawJSON, "choices.0.finish_reason").String() == "length" {
		finishReason = "MAX_TOKENS"
	}

	out := `{"candidates":[{"content":{"role":"model"},"index":0}]}`
	out, _ = sjson.SetRaw(out, "candidates.0.content.parts", parts)
	out, _ = sjson.Set(out, "candidates.0.finishReason", finishReason)
	if model := gjson.GetBytes(rawJSON, "model"); model.Exists() {
		out, _ = sjson.Set(out, "modelVersion", model.String())
	}
	prompt := gjson.GetBytes(rawJSON, "usage.prompt_tokens").Int()
	completion := gjson.GetBytes(rawJSON, "usage.completion_tokens").Int()
	out, _ = sjson.Set(out, "usageMetadata.promptTokenCount", prompt)
	out, _ = sjson.Set(out, "usageMetadata.candidatesTokenCount", completion)
	out, _ = sjson.Set(out, "usageMetadata.totalTokenCount", prompt+completion)
	return []byte(out)
}
