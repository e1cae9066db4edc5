package translator

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apperrors "github.com/byokey/byokey/internal/errors"
)

const defaultMaxTokens = 4096

// OpenAIRequestToClaude translates a chat-completions request into the
// Anthropic messages shape. System messages merge into the top-level system
// field, assistant tool_calls become tool_use blocks, and tool-role messages
// become user messages carrying tool_result blocks.
func OpenAIRequestToClaude(rawJSON []byte) ([]byte, error) {
	model := gjson.GetBytes(rawJSON, "model")
	messages := gjson.GetBytes(rawJSON, "messages")
	if !model.Exists() || model.String() == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "missing model field")
	}
	if !messages.IsArray() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "missing messages field")
	}

	out := `{}`
	out, _ = sjson.Set(out, "model", model.String())

	if system := collectSystemText(messages); system != "" {
		out, _ = sjson.Set(out, "system", system)
	}

	claudeMessages := "[]"
	toolResults := "[]"
	flushResults := func() {
		if gjson.Get(toolResults, "#").Int() == 0 {
			return
		}
		msg, _ := sjson.SetRaw(`{"role":"user"}`, "content", toolResults)
		claudeMessages, _ = sjson.SetRaw(claudeMessages, "-1", msg)
		toolResults = "[]"
	}

	for _, msg := range messages.Array() {
		role := msg.Get("role").String()
		switch role {
		case "system":
			continue
		case "tool":
			block := `{"type":"tool_result"}`
			block, _ = sjson.Set(block, "tool_use_id", msg.Get("tool_call_id").String())
			block = setContentValue(block, "content", msg.Get("content"))
			toolResults, _ = sjson.SetRaw(toolResults, "-1", block)
		case "assistant":
			flushResults()
			claudeMessages, _ = sjson.SetRaw(claudeMessages, "-1", assistantToClaude(msg))
		default:
			flushResults()
			entry, _ := sjson.Set(`{}`, "role", role)
			entry = setContentValue(entry, "content", msg.Get("content"))
			claudeMessages, _ = sjson.SetRaw(claudeMessages, "-1", entry)
		}
	}
	flushResults()

	outBytes := []byte(out)
	outBytes, _ = sjson.SetRawBytes(outBytes, "messages", MergeAdjacentMessages([]byte(claudeMessages)))

	maxTokens := gjson.GetBytes(rawJSON, "max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	outBytes, _ = sjson.SetBytes(outBytes, "max_tokens", maxTokens)
	outBytes = copyFields(rawJSON, outBytes, map[string]string{
		"temperature": "temperature",
		"top_p":       "top_p",
		"stream":      "stream",
		"stop":        "stop_sequences",
	})

	if tools := gjson.GetBytes(rawJSON, "tools"); tools.IsArray() {
		outBytes = setClaudeTools(outBytes, tools)
	}

	forced := false
	if tc := gjson.GetBytes(rawJSON, "tool_choice"); tc.Exists() {
		outBytes, forced = setClaudeToolChoice(outBytes, tc)
	}
	if forced {
		outBytes = StripThinkingBlocks(outBytes)
	}
	return outBytes, nil
}

// assistantToClaude converts one assistant message. tool_calls become
// tool_use blocks; unparseable JSON-string arguments fall back to
// input={"_raw": s}.
func assistantToClaude(msg gjson.Result) string {
	toolCalls := msg.Get("tool_calls")
	if !toolCalls.IsArray() {
		entry := `{"role":"assistant"}`
		entry = setContentValue(entry, "content", msg.Get("content"))
		return entry
	}

	blocks := "[]"
	if text := msg.Get("content").String(); text != "" {
		block, _ := sjson.Set(`{"type":"text"}`, "text", text)
		blocks, _ = sjson.SetRaw(blocks, "-1", block)
	}
	for _, call := range toolCalls.Array() {
		block := `{"type":"tool_use"}`
		block, _ = sjson.Set(block, "id", call.Get("id").String())
		block, _ = sjson.Set(block, "name", call.Get("function.name").String())
		block = setToolInput(block, call.Get("function.arguments"))
		blocks, _ = sjson.SetRaw(blocks, "-1", block)
	}
	entry, _ := sjson.SetRaw(`{"role":"assistant"}`, "content", blocks)
	return entry
}

// setToolInput parses a JSON-string arguments field into the tool_use input
// object. A malformed string passes through under the _raw key so the call is
// not lost.
func setToolInput(block string, arguments gjson.Result) string {
	args := strings.TrimSpace(arguments.String())
	if args == "" {
		block, _ = sjson.SetRaw(block, "input", `{}`)
		return block
	}
	if parsed := gjson.Parse(args); parsed.IsObject() {
		block, _ = sjson.SetRaw(block, "input", parsed.Raw)
		return block
	}
	log.Warnf("tool call arguments are not valid JSON, passing through raw")
	block, _ = sjson.Set(block, "input._raw", args)
	return block
}

func setClaudeTools(out []byte, tools gjson.Result) []byte {
	claudeTools := "[]"
	for _, tool := range tools.Array() {
		fn := tool.Get("function")
		if !fn.Exists() {
			continue
		}
		entry, _ := sjson.Set(`{}`, "name", fn.Get("name").String())
		if desc := fn.Get("description"); desc.Exists() {
			entry, _ = sjson.Set(entry, "description", desc.String())
		}
		schema := fn.Get("parameters")
		if schema.Exists() {
			entry, _ = sjson.SetRaw(entry, "input_schema", schema.Raw)
		} else {
			entry, _ = sjson.SetRaw(entry, "input_schema", `{"type":"object"}`)
		}
		claudeTools, _ = sjson.SetRaw(claudeTools, "-1", entry)
	}
	if gjson.Get(claudeTools, "#").Int() > 0 {
		out, _ = sjson.SetRawBytes(out, "tools", []byte(claudeTools))
	}
	return out
}

// setClaudeToolChoice maps the OpenAI tool_choice value and reports whether
// the choice forces a tool call.
func setClaudeToolChoice(out []byte, tc gjson.Result) ([]byte, bool) {
	if tc.Type == gjson.String {
		switch tc.String() {
		case "auto":
			out, _ = sjson.SetRawBytes(out, "tool_choice", []byte(`{"type":"auto"}`))
		case "required":
			out, _ = sjson.SetRawBytes(out, "tool_choice", []byte(`{"type":"any"}`))
			return out, true
		}
		return out, false
	}
	if name := tc.Get("function.name").String(); name != "" {
		choice, _ := sjson.Set(`{"type":"tool"}`, "name", name)
		out, _ = sjson.SetRawBytes(out, "tool_choice", []byte(choice))
		return out, true
	}
	return out, false
}

// collectSystemText joins the text of all system messages with "\n\n".
func collectSystemText(messages gjson.Result) string {
	var parts []string
	for _, msg := range messages.Array() {
		if msg.Get("role").String() != "system" {
			continue
		}
		content := msg.Get("content")
		if content.Type == gjson.String {
			parts = append(parts, content.String())
			continue
		}
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// setContentValue writes a content value preserving its original shape, with
// missing content normalized to the empty string.
func setContentValue(entry, path string, content gjson.Result) string {
	if !content.Exists() || content.Type == gjson.Null {
		entry, _ = sjson.Set(entry, path, "")
		return entry
	}
	entry, _ = sjson.SetRaw(entry, path, content.Raw)
	return entry
}

// copyFields copies top-level fields from src when present, renaming per the
// mapping.
func copyFields(src, dst []byte, fields map[string]string) []byte {
	for from, to := range fields {
		if v := gjson.GetBytes(src, from); v.Exists() {
			dst, _ = sjson.SetRawBytes(dst, to, []byte(v.Raw))
		}
	}
	return dst
}

// ClaudeRequestToOpenAI translates an Anthropic messages request into the
// chat-completions shape. The system field becomes a leading system message,
// tool_use blocks become tool_calls, and tool_result blocks become tool-role
// messages.
func ClaudeRequestToOpenAI(rawJSON []byte) ([]byte, error) {
	model := gjson.GetBytes(rawJSON, "model")
	messages := gjson.GetBytes(rawJSON, "messages")
	if !model.Exists() || model.String() == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "missing model field")
	}
	if !messages.IsArray() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "missing messages field")
	}

	out := `{}`
	out, _ = sjson.Set(out, "model", model.String())

	openaiMessages := "[]"
	if system := claudeSystemText(gjson.GetBytes(rawJSON, "system")); system != "" {
		entry, _ := sjson.Set(`{"role":"system"}`, "content", system)
		openaiMessages, _ = sjson.SetRaw(openaiMessages, "-1", entry)
	}

	for _, msg := range messages.Array() {
		openaiMessages = claudeMessageToOpenAI(openaiMessages, msg)
	}
	out, _ = sjson.SetRaw(out, "messages", openaiMessages)

	outBytes := copyFields(rawJSON, []byte(out), map[string]string{
		"max_tokens":     "max_tokens",
		"temperature":    "temperature",
		"top_p":          "top_p",
		"stream":         "stream",
		"stop_sequences": "stop",
	})

	if tools := gjson.GetBytes(rawJSON, "tools"); tools.IsArray() {
		openaiTools := "[]"
		for _, tool := range tools.Array() {
			fn, _ := sjson.Set(`{}`, "name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "description", desc.String())
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				fn, _ = sjson.SetRaw(fn, "parameters", schema.Raw)
			}
			entry, _ := sjson.SetRaw(`{"type":"function"}`, "function", fn)
			openaiTools, _ = sjson.SetRaw(openaiTools, "-1", entry)
		}
		outBytes, _ = sjson.SetRawBytes(outBytes, "tools", []byte(openaiTools))
	}

	if tc := gjson.GetBytes(rawJSON, "tool_choice"); tc.Exists() {
		switch tc.Get("type").String() {
		case "auto":
			outBytes, _ = sjson.SetBytes(outBytes, "tool_choice", "auto")
		case "any":
			outBytes, _ = sjson.SetBytes(outBytes, "tool_choice", "required")
		case "tool":
			choice, _ := sjson.Set(`{"type":"function"}`, "function.name", tc.Get("name").String())
			outBytes, _ = sjson.SetRawBytes(outBytes, "tool_choice", []byte(choice))
		}
	}
	return outBytes, nil
}

// claudeMessageToOpenAI appends the OpenAI form of one Anthropic message.
// A message mixing tool_result blocks with other content splits into separate
// tool-role and user/assistant messages.
func claudeMessageToOpenAI(openaiMessages string, msg gjson.Result) string {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if content.Type == gjson.String {
		entry, _ := sjson.Set(`{}`, "role", role)
		entry, _ = sjson.Set(entry, "content", content.String())
		openaiMessages, _ = sjson.SetRaw(openaiMessages, "-1", entry)
		return openaiMessages
	}

	var texts []string
	toolCalls := "[]"
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			texts = append(texts, block.Get("text").String())
		case "thinking":
			// OpenAI requests carry no thinking blocks.
		case "tool_use":
			call := `{"type":"function"}`
			call, _ = sjson.Set(call, "id", block.Get("id").String())
			call, _ = sjson.Set(call, "function.name", block.Get("name").String())
			call, _ = sjson.Set(call, "function.arguments", toolArgumentsString(block.Get("input")))
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
		case "tool_result":
			entry := `{"role":"tool"}`
			entry, _ = sjson.Set(entry, "tool_call_id", block.Get("tool_use_id").String())
			entry, _ = sjson.Set(entry, "content", toolResultText(block.Get("content")))
			openaiMessages, _ = sjson.SetRaw(openaiMessages, "-1", entry)
		}
	}

	if len(texts) == 0 && gjson.Get(toolCalls, "#").Int() == 0 {
		return openaiMessages
	}

	entry, _ := sjson.Set(`{}`, "role", role)
	if len(texts) > 0 {
		entry, _ = sjson.Set(entry, "content", strings.Join(texts, "\n\n"))
	} else {
		entry, _ = sjson.SetRaw(entry, "content", "null")
	}
	if gjson.Get(toolCalls, "#").Int() > 0 {
		entry, _ = sjson.SetRaw(entry, "tool_calls", toolCalls)
	}
	openaiMessages, _ = sjson.SetRaw(openaiMessages, "-1", entry)
	return openaiMessages
}

// toolArgumentsString serializes a tool_use input object back to the OpenAI
// JSON-string form. An input holding only a _raw key unwraps to the original
// string.
func toolArgumentsString(input gjson.Result) string {
	if raw := input.Get("_raw"); raw.Exists() && len(input.Map()) == 1 {
		return raw.String()
	}
	if input.Exists() {
		return input.Raw
	}
	return "{}"
}

// toolResultText flattens a tool_result content value to a string.
func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var texts []string
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				texts = append(texts, block.Get("text").String())
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n\n")
		}
	}
	return content.Raw
}

// claudeSystemText flattens the Anthropic system field, which may be a string
// or an array of text blocks.
func claudeSystemText(system gjson.Result) string {
	if system.Type == gjson.String {
		return system.String()
	}
	var parts []string
	for _, block := range system.Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	return strings.Join(parts, "\n\n")
}
