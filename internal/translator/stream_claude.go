package translator

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apperrors "github.com/byokey/byokey/internal/errors"
)

// claudeOpenAIStream converts an Anthropic event stream into OpenAI chunks.
// Tool-use blocks map onto tool_calls entries by arrival order; input_json
// deltas stream through as partial arguments.
type claudeOpenAIStream struct {
	model            string
	id               string
	created          int64
	promptTokens     int64
	completionTokens int64
	finish           string
	toolIndex        map[int64]int
	toolCount        int
	finished         bool
}

func newClaudeOpenAIStream(model string) *claudeOpenAIStream {
	return &claudeOpenAIStream{
		model:     model,
		id:        "chatcmpl-stream",
		created:   time.Now().Unix(),
		finish:    "stop",
		toolIndex: map[int64]int{},
	}
}

func (s *claudeOpenAIStream) chunk() string {
	out := `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{}}]}`
	out, _ = sjson.Set(out, "id", s.id)
	out, _ = sjson.Set(out, "created", s.created)
	out, _ = sjson.Set(out, "model", s.model)
	return out
}

func (s *claudeOpenAIStream) Next(ev Event) []Event {
	if ev.Heartbeat() {
		return []Event{{}}
	}
	payload := gjson.ParseBytes(ev.Data)
	eventType := ev.Name
	if eventType == "" {
		eventType = payload.Get("type").String()
	}

	switch eventType {
	case "ping":
		return []Event{{}}
	case "message_start":
		if id := payload.Get("message.id").String(); id != "" {
			s.id = "chatcmpl-" + id
		}
		if model := payload.Get("message.model").String(); model != "" {
			s.model = model
		}
		s.promptTokens = payload.Get("message.usage.input_tokens").Int()
		out, _ := sjson.Set(s.chunk(), "choices.0.delta.role", "assistant")
		out, _ = sjson.Set(out, "choices.0.delta.content", "")
		return []Event{{Data: []byte(out)}}
	case "content_block_start":
		block := payload.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		index := s.toolCount
		s.toolCount++
		s.toolIndex[payload.Get("index").Int()] = index
		call, _ := sjson.Set(`{"type":"function","function":{"arguments":""}}`, "index", index)
		call, _ = sjson.Set(call, "id", block.Get("id").String())
		call, _ = sjson.Set(call, "function.name", block.Get("name").String())
		out, _ := sjson.SetRaw(s.chunk(), "choices.0.delta.tool_calls", "["+call+"]")
		return []Event{{Data: []byte(out)}}
	case "content_block_delta":
		return s.delta(payload)
	case "message_delta":
		if reason := payload.Get("delta.stop_reason").String(); reason != "" {
			s.finish = mapClaudeStopReason(reason)
		}
		if usage := payload.Get("usage.output_tokens"); usage.Exists() {
			s.completionTokens = usage.Int()
		}
		return nil
	case "message_stop":
		return s.terminal()
	case "error":
		s.finished = true
		return errorEvents(FormatOpenAI, apperrors.New(apperrors.KindUpstream, payload.Get("error.message").String()))
	}
	return nil
}

func (s *claudeOpenAIStream) delta(payload gjson.Result) []Event {
	delta := payload.Get("delta")
	switch delta.Get("type").String() {
	case "text_delta":
		out, _ := sjson.Set(s.chunk(), "choices.0.delta.content", delta.Get("text").String())
		return []Event{{Data: []byte(out)}}
	case "thinking_delta":
		out, _ := sjson.Set(s.chunk(), "choices.0.delta.reasoning_content", delta.Get("thinking").String())
		return []Event{{Data: []byte(out)}}
	case "input_json_delta":
		index, ok := s.toolIndex[payload.Get("index").Int()]
		if !ok {
			return nil
		}
		call, _ := sjson.Set(`{"function":{}}`, "index", index)
		call, _ = sjson.Set(call, "function.arguments", delta.Get("partial_json").String())
		out, _ := sjson.SetRaw(s.chunk(), "choices.0.delta.tool_calls", "["+call+"]")
		return []Event{{Data: []byte(out)}}
	}
	return nil
}

func (s *claudeOpenAIStream) terminal() []Event {
	if s.finished {
		return nil
	}
	s.finished = true
	out, _ := sjson.Set(s.chunk(), "choices.0.finish_reason", s.finish)
	out, _ = sjson.Set(out, "usage.prompt_tokens", s.promptTokens)
	out, _ = sjson.Set(out, "usage.completion_tokens", s.completionTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", s.promptTokens+s.completionTokens)
	return []Event{{Data: []byte(out)}, {Done: true}}
}

func (s *claudeOpenAIStream) Finish() []Event { return s.terminal() }

func (s *claudeOpenAIStream) Fail(err *apperrors.AppError) []Event {
	s.finished = true
	return errorEvents(FormatOpenAI, err)
}

// openaiClaudeStream converts OpenAI chunks into an Anthropic event stream.
// Content kinds open and close content blocks; tool_calls chunks with an id
// start a tool_use block and argument fragments stream as input_json deltas.
type openaiClaudeStream struct {
	model        string
	id           string
	started      bool
	finished     bool
	blockOpen    bool
	blockType    string
	blockIndex   int
	toolBlock    map[int64]int
	finish       string
	inputTokens  int64
	outputTokens int64
}

func newOpenAIClaudeStream(model string) *openaiClaudeStream {
	return &openaiClaudeStream{
		model:      model,
		id:         "msg_stream",
		blockIndex: -1,
		toolBlock:  map[int64]int{},
		finish:     "end_turn",
	}
}

func (s *openaiClaudeStream) Next(ev Event) []Event {
	if ev.Done {
		return s.terminal()
	}
	if ev.Heartbeat() {
		return []Event{{Name: "ping", Data: []byte(`{"type":"ping"}`)}}
	}
	payload := gjson.ParseBytes(ev.Data)
	if errField := payload.Get("error"); errField.Exists() {
		s.finished = true
		return errorEvents(FormatClaude, apperrors.New(apperrors.KindUpstream, errField.Get("message").String()))
	}

	var out []Event
	if !s.started {
		s.started = true
		if id := payload.Get("id").String(); id != "" {
			s.id = "msg_" + strings.TrimPrefix(id, "chatcmpl-")
		}
		if model := payload.Get("model").String(); model != "" {
			s.model = model
		}
		start := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		start, _ = sjson.Set(start, "message.id", s.id)
		start, _ = sjson.Set(start, "message.model", s.model)
		out = append(out, Event{Name: "message_start", Data: []byte(start)})
	}

	if usage := payload.Get("usage"); usage.Exists() {
		if v := usage.Get("prompt_tokens"); v.Exists() {
			s.inputTokens = v.Int()
		}
		if v := usage.Get("completion_tokens"); v.Exists() {
			s.outputTokens = v.Int()
		}
	}
	if reason := payload.Get("choices.0.finish_reason").String(); reason != "" {
		s.finish = mapOpenAIFinishReason(reason)
	}

	delta := payload.Get("choices.0.delta")
	if reasoning := delta.Get("reasoning_content"); reasoning.String() != "" {
		out = append(out, s.ensureBlock("thinking", nil)...)
		d, _ := sjson.Set(`{"type":"content_block_delta","delta":{"type":"thinking_delta"}}`, "delta.thinking", reasoning.String())
		d, _ = sjson.Set(d, "index", s.blockIndex)
		out = append(out, Event{Name: "content_block_delta", Data: []byte(d)})
	}
	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		out = append(out, s.ensureBlock("text", nil)...)
		d, _ := sjson.Set(`{"type":"content_block_delta","delta":{"type":"text_delta"}}`, "delta.text", content.String())
		d, _ = sjson.Set(d, "index", s.blockIndex)
		out = append(out, Event{Name: "content_block_delta", Data: []byte(d)})
	}
	for _, call := range delta.Get("tool_calls").Array() {
		out = append(out, s.toolCall(call)...)
	}
	return out
}

// ensureBlock opens a content block of the given type, closing any open
// block of a different type first.
func (s *openaiClaudeStream) ensureBlock(blockType string, start []byte) []Event {
	if s.blockOpen && s.blockType == blockType && start == nil {
		return nil
	}
	var out []Event
	out = append(out, s.closeBlock()...)
	s.blockIndex++
	s.blockOpen = true
	s.blockType = blockType

	var block string
	switch {
	case start != nil:
		block = string(start)
	case blockType == "thinking":
		block = `{"type":"thinking","thinking":""}`
	default:
		block = `{"type":"text","text":""}`
	}
	d, _ := sjson.SetRaw(`{"type":"content_block_start"}`, "content_block", block)
	d, _ = sjson.Set(d, "index", s.blockIndex)
	out = append(out, Event{Name: "content_block_start", Data: []byte(d)})
	return out
}

func (s *openaiClaudeStream) closeBlock() []Event {
	if !s.blockOpen {
		return nil
	}
	s.blockOpen = false
	d, _ := sjson.Set(`{"type":"content_block_stop"}`, "index", s.blockIndex)
	return []Event{{Name: "content_block_stop", Data: []byte(d)}}
}

func (s *openaiClaudeStream) toolCall(call gjson.Result) []Event {
	var out []Event
	index := call.Get("index").Int()
	if call.Get("id").String() != "" || call.Get("function.name").String() != "" {
		block := `{"type":"tool_use","input":{}}`
		block, _ = sjson.Set(block, "id", call.Get("id").String())
		block, _ = sjson.Set(block, "name", call.Get("function.name").String())
		out = append(out, s.ensureBlock("tool_use", []byte(block))...)
		s.toolBlock[index] = s.blockIndex
	}
	if args := call.Get("function.arguments").String(); args != "" {
		blockIndex, ok := s.toolBlock[index]
		if !ok {
			return out
		}
		d, _ := sjson.Set(`{"type":"content_block_delta","delta":{"type":"input_json_delta"}}`, "delta.partial_json", args)
		d, _ = sjson.Set(d, "index", blockIndex)
		out = append(out, Event{Name: "content_block_delta", Data: []byte(d)})
	}
	return out
}

func (s *openaiClaudeStream) terminal() []Event {
	if s.finished {
		return nil
	}
	s.finished = true
	out := s.closeBlock()

	delta := `{"type":"message_delta","delta":{"stop_sequence":null},"usage":{}}`
	delta, _ = sjson.Set(delta, "delta.stop_reason", s.finish)
	delta, _ = sjson.Set(delta, "usage.output_tokens", s.outputTokens)
	out = append(out, Event{Name: "message_delta", Data: []byte(delta)})
	out = append(out, Event{Name: "message_stop", Data: []byte(`{"type":"message_stop"}`)})
	return out
}

func (s *openaiClaudeStream) Finish() []Event { return s.terminal() }

func (s *openaiClaudeStream) Fail(err *apperrors.AppError) []Event {
	s.finished = true
	return errorEvents(FormatClaude, err)
}
