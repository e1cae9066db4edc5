package translator

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// mapClaudeStopReason converts an Anthropic stop_reason to an OpenAI
// finish_reason.
func mapClaudeStopReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// mapOpenAIFinishReason converts an OpenAI finish_reason to an Anthropic
// stop_reason.
func mapOpenAIFinishReason(finishReason string) string {
	switch finishReason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// ClaudeResponseToOpenAI converts a buffered Anthropic messages response into
// a chat completion. Thinking blocks surface as reasoning_content; tool_use
// blocks become tool_calls with re-serialized JSON-string arguments.
func ClaudeResponseToOpenAI(rawJSON []byte) []byte {
	var texts, thinking []string
	toolCalls := "[]"
	for _, block := range gjson.GetBytes(rawJSON, "content").Array() {
		switch block.Get("type").String() {
		case "text":
			texts = append(texts, block.Get("text").String())
		case "thinking":
			thinking = append(thinking, block.Get("thinking").String())
		case "tool_use":
			call, _ := sjson.Set(`{"type":"function"}`, "id", block.Get("id").String())
			call, _ = sjson.Set(call, "function.name", block.Get("name").String())
			call, _ = sjson.Set(call, "function.arguments", toolArgumentsString(block.Get("input")))
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
		}
	}

	out := `{"object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":""}]}`
	out, _ = sjson.Set(out, "id", "chatcmpl-"+gjson.GetBytes(rawJSON, "id").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", gjson.GetBytes(rawJSON, "model").String())

	hasTools := gjson.Get(toolCalls, "#").Int() > 0
	if len(texts) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(texts, "\n\n"))
	} else if hasTools {
		out, _ = sjson.SetRaw(out, "choices.0.message.content", "null")
	} else {
		out, _ = sjson.Set(out, "choices.0.message.content", "")
	}
	if len(thinking) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", strings.Join(thinking, "\n\n"))
	}
	if hasTools {
		out, _ = sjson.SetRaw(out, "choices.0.message.tool_calls", toolCalls)
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason",
		mapClaudeStopReason(gjson.GetBytes(rawJSON, "stop_reason").String()))

	prompt := gjson.GetBytes(rawJSON, "usage.input_tokens").Int()
	completion := gjson.GetBytes(rawJSON, "usage.output_tokens").Int()
	out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
	out, _ = sjson.Set(out, "usage.completion_tokens", completion)
	out, _ = sjson.Set(out, "usage.total_tokens", prompt+completion)
	return []byte(out)
}

// OpenAIResponseToClaude converts a buffered chat completion into the
// Anthropic messages response shape.
func OpenAIResponseToClaude(rawJSON []byte) []byte {
	message := gjson.GetBytes(rawJSON, "choices.0.message")

	blocks := "[]"
	if reasoning := message.Get("reasoning_content"); reasoning.String() != "" {
		block, _ := sjson.Set(`{"type":"thinking"}`, "thinking", reasoning.String())
		blocks, _ = sjson.SetRaw(blocks, "-1", block)
	}
	if content := message.Get("content"); content.Type == gjson.String && content.String() != "" {
		block, _ := sjson.Set(`{"type":"text"}`, "text", content.String())
		blocks, _ = sjson.SetRaw(blocks, "-1", block)
	}
	for _, call := range message.Get("tool_calls").Array() {
		block, _ := sjson.Set(`{"type":"tool_use"}`, "id", call.Get("id").String())
		block, _ = sjson.Set(block, "name", call.Get("function.name").String())
		block = setToolInput(block, call.Get("function.arguments"))
		blocks, _ = sjson.SetRaw(blocks, "-1", block)
	}

	out := `{"type":"message","role":"assistant","stop_sequence":null}`
	id := gjson.GetBytes(rawJSON, "id").String()
	out, _ = sjson.Set(out, "id", "msg_"+strings.TrimPrefix(id, "chatcmpl-"))
	out, _ = sjson.Set(out, "model", gjson.GetBytes(rawJSON, "model").String())
	out, _ = sjson.SetRaw(out, "content", blocks)
	out, _ = sjson.Set(out, "stop_reason",
		mapOpenAIFinishReason(gjson.GetBytes(rawJSON, "choices.0.finish_reason").String()))
	out, _ = sjson.Set(out, "usage.input_tokens", gjson.GetBytes(rawJSON, "usage.prompt_tokens").Int())
	out, _ = sjson.Set(out, "usage.output_tokens", gjson.GetBytes(rawJSON, "usage.completion_tokens").Int())
	return []byte(out)
}
