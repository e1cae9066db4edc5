package translator

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apperrors "github.com/byokey/byokey/internal/errors"
)

// OpenAIRequestToGemini translates a chat-completions request into the
// generateContent shape. System messages become systemInstruction, assistant
// maps to the model role, tool_calls become functionCall parts, and tool-role
// messages become functionResponse parts. Adjacent same-role contents merge
// afterwards since Gemini rejects consecutive turns from one role.
func OpenAIRequestToGemini(rawJSON []byte) ([]byte, error) {
	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.IsArray() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "missing messages field")
	}

	out := `{}`
	if system := collectSystemText(messages); system != "" {
		instruction, _ := sjson.Set(`{"parts":[{"text":""}]}`, "parts.0.text", system)
		out, _ = sjson.SetRaw(out, "systemInstruction", instruction)
	}

	// Tool-call ids map to function names so functionResponse parts can name
	// the function they answer.
	callNames := map[string]string{}
	contents := "[]"
	for _, msg := range messages.Array() {
		switch msg.Get("role").String() {
		case "system":
			continue
		case "tool":
			name := callNames[msg.Get("tool_call_id").String()]
			if name == "" {
				name = msg.Get("tool_call_id").String()
			}
			part, _ := sjson.Set(`{"functionResponse":{}}`, "functionResponse.name", name)
			part, _ = sjson.Set(part, "functionResponse.response.content", toolResultText(msg.Get("content")))
			entry, _ := sjson.SetRaw(`{"role":"user"}`, "parts", "["+part+"]")
			contents, _ = sjson.SetRaw(contents, "-1", entry)
		case "assistant":
			contents = appendGeminiAssistant(contents, msg, callNames)
		default:
			entry, _ := sjson.SetRaw(`{"role":"user"}`, "parts", openaiContentToParts(msg.Get("content")))
			contents, _ = sjson.SetRaw(contents, "-1", entry)
		}
	}
	out, _ = sjson.SetRaw(out, "contents", string(mergeGeminiContents([]byte(contents))))

	outBytes := []byte(out)
	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Exists() {
		outBytes, _ = sjson.SetBytes(outBytes, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Exists() {
		outBytes, _ = sjson.SetRawBytes(outBytes, "generationConfig.temperature", []byte(v.Raw))
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Exists() {
		outBytes, _ = sjson.SetRawBytes(outBytes, "generationConfig.topP", []byte(v.Raw))
	}
	if v := gjson.GetBytes(rawJSON, "stop"); v.Exists() {
		if v.IsArray() {
			outBytes, _ = sjson.SetRawBytes(outBytes, "generationConfig.stopSequences", []byte(v.Raw))
		} else {
			outBytes, _ = sjson.SetRawBytes(outBytes, "generationConfig.stopSequences", []byte("["+v.Raw+"]"))
		}
	}

	if tools := gjson.GetBytes(rawJSON, "tools"); tools.IsArray() {
		decls := "[]"
		for _, tool := range tools.Array() {
			fn := tool.Get("function")
			if !fn.Exists() {
				continue
			}
			decl, _ := sjson.Set(`{}`, "name", fn.Get("name").String())
			if desc := fn.Get("description"); desc.Exists() {
				decl, _ = sjson.Set(decl, "description", desc.String())
			}
			if params := fn.Get("parameters"); params.Exists() {
				decl, _ = sjson.SetRaw(decl, "parameters", params.Raw)
			}
			decls, _ = sjson.SetRaw(decls, "-1", decl)
		}
		if gjson.Get(decls, "#").Int() > 0 {
			outBytes, _ = sjson.SetRawBytes(outBytes, "tools", []byte(`[{"functionDeclarations":`+decls+`}]`))
		}
	}

	if tc := gjson.GetBytes(rawJSON, "tool_choice"); tc.Exists() {
		outBytes = setGeminiToolConfig(outBytes, tc)
	}
	return outBytes, nil
}

func appendGeminiAssistant(contents string, msg gjson.Result, callNames map[string]string) string {
	parts := "[]"
	if content := msg.Get("content"); content.Type == gjson.String && content.String() != "" {
		part, _ := sjson.Set(`{}`, "text", content.String())
		parts, _ = sjson.SetRaw(parts, "-1", part)
	} else if content.IsArray() {
		parts = openaiContentToParts(content)
	}
	for _, call := range msg.Get("tool_calls").Array() {
		name := call.Get("function.name").String()
		callNames[call.Get("id").String()] = name
		part, _ := sjson.Set(`{"functionCall":{}}`, "functionCall.name", name)
		args := gjson.Parse(call.Get("function.arguments").String())
		if args.IsObject() {
			part, _ = sjson.SetRaw(part, "functionCall.args", args.Raw)
		} else {
			log.Warnf("tool call arguments are not valid JSON, passing through raw")
			part, _ = sjson.Set(part, "functionCall.args._raw", call.Get("function.arguments").String())
		}
		parts, _ = sjson.SetRaw(parts, "-1", part)
	}
	if gjson.Get(parts, "#").Int() == 0 {
		parts = `[{"text":""}]`
	}
	entry, _ := sjson.SetRaw(`{"role":"model"}`, "parts", parts)
	contents, _ = sjson.SetRaw(contents, "-1", entry)
	return contents
}

// openaiContentToParts converts string or block-array content to Gemini
// parts.
func openaiContentToParts(content gjson.Result) string {
	if content.Type == gjson.String {
		part, _ := sjson.Set(`{}`, "text", content.String())
		return "[" + part + "]"
	}
	parts := "[]"
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			part, _ := sjson.Set(`{}`, "text", block.Get("text").String())
			parts, _ = sjson.SetRaw(parts, "-1", part)
		case "image_url":
			part, _ := sjson.Set(`{}`, "fileData.fileUri", block.Get("image_url.url").String())
			parts, _ = sjson.SetRaw(parts, "-1", part)
		}
	}
	if gjson.Get(parts, "#").Int() == 0 {
		parts = `[{"text":""}]`
	}
	return parts
}

// mergeGeminiContents merges adjacent same-role contents, fusing text parts
// with "\n\n" and keeping other parts in order.
func mergeGeminiContents(contentsJSON []byte) []byte {
	parsed := gjson.ParseBytes(contentsJSON)
	out := "[]"
	lastRole := ""
	lastIndex := -1
	for _, entry := range parsed.Array() {
		role := entry.Get("role").String()
		if role != lastRole {
			out, _ = sjson.SetRaw(out, "-1", entry.Raw)
			lastIndex++
			lastRole = role
			continue
		}
		partsPath := itoa(lastIndex) + ".parts"
		for _, part := range entry.Get("parts").Array() {
			existing := gjson.Get(out, partsPath).Array()
			if part.Get("text").Exists() && len(part.Map()) == 1 && len(existing) > 0 {
				last := existing[len(existing)-1]
				if last.Get("text").Exists() && len(last.Map()) == 1 {
					fused := last.Get("text").String() + "\n\n" + part.Get("text").String()
					out, _ = sjson.Set(out, partsPath+"."+itoa(len(existing)-1)+".text", fused)
					continue
				}
			}
			out, _ = sjson.SetRaw(out, partsPath+".-1", part.Raw)
		}
	}
	return []byte(out)
}

func setGeminiToolConfig(out []byte, tc gjson.Result) []byte {
	mode := "AUTO"
	var allowed []string
	if tc.Type == gjson.String {
		switch tc.String() {
		case "none":
			mode = "NONE"
		case "required":
			mode = "ANY"
		}
	} else if name := tc.Get("function.name").String(); name != "" {
		mode = "ANY"
		allowed = []string{name}
	}
	out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.mode", mode)
	if len(allowed) > 0 {
		out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.allowedFunctionNames", allowed)
	}
	return out
}

// GeminiRequestToOpenAI translates a generateContent request into the
// chat-completions shape: systemInstruction becomes a system message, the
// model role maps back to assistant, functionCall parts become tool_calls,
// and functionResponse parts become tool-role messages.
func GeminiRequestToOpenAI(rawJSON []byte) ([]byte, error) {
	contents := gjson.GetBytes(rawJSON, "contents")
	if !contents.IsArray() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "missing contents field")
	}

	messages := "[]"
	if instruction := geminiPartsText(gjson.GetBytes(rawJSON, "systemInstruction.parts")); instruction != "" {
		entry, _ := sjson.Set(`{"role":"system"}`, "content", instruction)
		messages, _ = sjson.SetRaw(messages, "-1", entry)
	}

	for _, content := range contents.Array() {
		messages = geminiContentToOpenAI(messages, content)
	}

	out, _ := sjson.SetRaw(`{}`, "messages", messages)
	outBytes := []byte(out)
	if model := gjson.GetBytes(rawJSON, "model"); model.Exists() {
		outBytes, _ = sjson.SetBytes(outBytes, "model", model.String())
	}
	if v := gjson.GetBytes(rawJSON, "generationConfig.maxOutputTokens"); v.Exists() {
		outBytes, _ = sjson.SetBytes(outBytes, "max_tokens", v.Int())
	}
	if v := gjson.GetBytes(rawJSON, "generationConfig.temperature"); v.Exists() {
		outBytes, _ = sjson.SetRawBytes(outBytes, "temperature", []byte(v.Raw))
	}
	if v := gjson.GetBytes(rawJSON, "generationConfig.topP"); v.Exists() {
		outBytes, _ = sjson.SetRawBytes(outBytes, "top_p", []byte(v.Raw))
	}
	if v := gjson.GetBytes(rawJSON, "generationConfig.stopSequences"); v.Exists() {
		outBytes, _ = sjson.SetRawBytes(outBytes, "stop", []byte(v.Raw))
	}

	decls := gjson.GetBytes(rawJSON, "tools.#.functionDeclarations|@flatten")
	if decls.IsArray() && len(decls.Array()) > 0 {
		openaiTools := "[]"
		for _, decl := range decls.Array() {
			fn, _ := sjson.Set(`{}`, "name", decl.Get("name").String())
			if desc := decl.Get("description"); desc.Exists() {
				fn, _ = sjson.Set(fn, "description", desc.String())
			}
			if params := decl.Get("parameters"); params.Exists() {
				fn, _ = sjson.SetRaw(fn, "parameters", params.Raw)
			}
			entry, _ := sjson.SetRaw(`{"type":"function"}`, "function", fn)
			openaiTools, _ = sjson.SetRaw(openaiTools, "-1", entry)
		}
		outBytes, _ = sjson.SetRawBytes(outBytes, "tools", []byte(openaiTools))
	}

	if mode := gjson.GetBytes(rawJSON, "toolConfig.functionCallingConfig.mode"); mode.Exists() {
		switch mode.String() {
		case "NONE":
			outBytes, _ = sjson.SetBytes(outBytes, "tool_choice", "none")
		case "ANY":
			names := gjson.GetBytes(rawJSON, "toolConfig.functionCallingConfig.allowedFunctionNames")
			if first := names.Get("0"); first.Exists() {
				choice, _ := sjson.Set(`{"type":"function"}`, "function.name", first.String())
				outBytes, _ = sjson.SetRawBytes(outBytes, "tool_choice", []byte(choice))
			} else {
				outBytes, _ = sjson.SetBytes(outBytes, "tool_choice", "required")
			}
		default:
			outBytes, _ = sjson.SetBytes(outBytes, "tool_choice", "auto")
		}
	}
	return outBytes, nil
}

func geminiContentToOpenAI(messages string, content gjson.Result) string {
	role := "user"
	if content.Get("role").String() == "model" {
		role = "assistant"
	}

	var texts []string
	toolCalls := "[]"
	for _, part := range content.Get("parts").Array() {
		switch {
		case part.Get("text").Exists():
			texts = append(texts, part.Get("text").String())
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
		case part.Get("functionResponse").Exists():
			entry := `{"role":"tool"}`
			entry, _ = sjson.Set(entry, "tool_call_id", "call_"+part.Get("functionResponse.name").String())
			response := part.Get("functionResponse.response")
			if text := response.Get("content"); text.Type == gjson.String {
				entry, _ = sjson.Set(entry, "content", text.String())
			} else {
				entry, _ = sjson.Set(entry, "content", response.Raw)
			}
			messages, _ = sjson.SetRaw(messages, "-1", entry)
		}
	}

	if len(texts) == 0 && gjson.Get(toolCalls, "#").Int() == 0 {
		return messages
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
	messages, _ = sjson.SetRaw(messages, "-1", entry)
	return messages
}

// geminiPartsText joins the text fields of a parts array with "\n\n".
func geminiPartsText(parts gjson.Result) string {
	var texts []string
	for _, part := range parts.Array() {
		if text := part.Get("text"); text.Exists() {
			texts = append(texts, text.String())
		}
	}
	return strings.Join(texts, "\n\n")
}
