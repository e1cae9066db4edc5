package translator

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// thinkingHardCap bounds the extended thinking budget accepted upstream.
const thinkingHardCap = 32000

// StripThinkingBlocks removes thinking content blocks from every message of
// an Anthropic request body and drops the top-level thinking setting.
// Anthropic rejects thinking blocks when tool_choice forces a tool call.
func StripThinkingBlocks(rawJSON []byte) []byte {
	rawJSON, _ = sjson.DeleteBytes(rawJSON, "thinking")

	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() {
		return rawJSON
	}
	for i, msg := range messages.Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		kept := "[]"
		changed := false
		for _, block := range content.Array() {
			if block.Get("type").String() == "thinking" {
				changed = true
				continue
			}
			kept, _ = sjson.SetRaw(kept, "-1", block.Raw)
		}
		if changed {
			rawJSON, _ = sjson.SetRawBytes(rawJSON, "messages."+strconv.Itoa(i)+".content", []byte(kept))
		}
	}
	return rawJSON
}

// ParseThinkingModel splits a model name of the form <model>-thinking-<N>
// into the clean model name and the requested budget. Zero budget means the
// suffix was absent or malformed.
func ParseThinkingModel(model string) (string, int) {
	idx := strings.LastIndex(model, "-thinking-")
	if idx < 0 {
		return model, 0
	}
	budget, err := strconv.Atoi(model[idx+len("-thinking-"):])
	if err != nil || budget <= 0 {
		return model, 0
	}
	return model[:idx], budget
}

// InjectThinking enables extended thinking on an Anthropic request with the
// given budget, capped at 32000 tokens. max_tokens is raised when it would
// not leave headroom above the budget.
func InjectThinking(rawJSON []byte, budget int) []byte {
	if budget > thinkingHardCap {
		budget = thinkingHardCap
	}
	headroom := budget / 10
	if headroom < 1024 {
		headroom = 1024
	}
	current := gjson.GetBytes(rawJSON, "max_tokens").Int()
	if current <= int64(budget) {
		rawJSON, _ = sjson.SetBytes(rawJSON, "max_tokens", budget+headroom)
	}
	rawJSON, _ = sjson.SetRawBytes(rawJSON, "thinking", []byte(`{"type":"enabled","budget_tokens":`+strconv.Itoa(budget)+`}`))
	return rawJSON
}
