package translator

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apperrors "github.com/byokey/byokey/internal/errors"
)

// geminiOpenAIStream converts Gemini streamGenerateContent chunks into
// OpenAI chunks. Gemini delivers complete functionCall objects, so tool
// calls emit their full arguments in one chunk.
type geminiOpenAIStream struct {
	model     string
	id        string
	created   int64
	toolCount int
	sawTools  bool
	finished  bool
}

func newGeminiOpenAIStream(model string) *geminiOpenAIStream {
	return &geminiOpenAIStream{
		model:   model,
		id:      "chatcmpl-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		created: time.Now().Unix(),
	}
}

func (s *geminiOpenAIStream) chunk() string {
	out := `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{}}]}`
	out, _ = sjson.Set(out, "id", s.id)
	out, _ = sjson.Set(out, "created", s.created)
	out, _ = sjson.Set(out, "model", s.model)
	return out
}

func (s *geminiOpenAIStream) Next(ev Event) []Event {
	if ev.Heartbeat() {
		return []Event{{}}
	}
	payload := gjson.ParseBytes(ev.Data)
	if errField := payload.Get("error"); errField.Exists() {
		s.finished = true
		return errorEvents(FormatOpenAI, apperrors.New(apperrors.KindUpstream, errField.Get("message").String()))
	}

	var out []Event
	var texts []string
	toolCalls := "[]"
	for _, part := range payload.Get("candidates.0.content.parts").Array() {
		switch {
		case part.Get("functionCall").Exists():
			s.sawTools = true
			name := part.Get("functionCall.name").String()
			call, _ := sjson.Set(`{"type":"function"}`, "index", s.toolCount)
			call, _ = sjson.Set(call, "id", "call_"+name+"_"+strconv.Itoa(s.toolCount))
			call, _ = sjson.Set(call, "function.name", name)
			if args := part.Get("functionCall.args"); args.Exists() {
				call, _ = sjson.Set(call, "function.arguments", args.Raw)
			} else {
				call, _ = sjson.Set(call, "function.arguments", "{}")
			}
			s.toolCount++
			toolCalls, _ = sjson.SetRaw(toolCalls, "-1", call)
		case part.Get("text").Exists():
			texts = append(texts, part.Get("text").String())
		}
	}

	if len(texts) > 0 {
		c, _ := sjson.Set(s.chunk(), "choices.0.delta.content", strings.Join(texts, ""))
		out = append(out, Event{Data: []byte(c)})
	}
	if gjson.Get(toolCalls, "#").Int() > 0 {
		c, _ := sjson.SetRaw(s.chunk(), "choices.0.delta.tool_calls", toolCalls)
		out = append(out, Event{Data: []byte(c)})
	}

	if reason := payload.Get("candidates.0.finishReason"); reason.Exists() && !s.finished {
		s.finished = true
		c, _ := sjson.Set(s.chunk(), "choices.0.finish_reason", mapGeminiFinishReason(reason.String(), s.sawTools))
		prompt := payload.Get("usageMetadata.promptTokenCount").Int()
		completion := payload.Get("usageMetadata.candidatesTokenCount").Int()
		c, _ = sjson.Set(c, "usage.prompt_tokens", prompt)
		c, _ = sjson.Set(c, "usage.completion_tokens", completion)
		c, _ = sjson.Set(c, "usage.total_tokens", prompt+completion)
		out = append(out, Event{Data: []byte(c)}, Event{Done: true})
	}
	return out
}

func (s *geminiOpenAIStream) Finish() []Event {
	if s.finished {
		return nil
	}
	s.finished = true
	c, _ := sjson.Set(s.chunk(), "choices.0.finish_reason", mapGeminiFinishReason("STOP", s.sawTools))
	return []Event{{Data: []byte(c)}, {Done: true}}
}

func (s *geminiOpenAIStream) Fail(err *apperrors.AppError) []Event {
	s.finished = true
	return errorEvents(FormatOpenAI, err)
}

// openaiGeminiStream converts OpenAI chunks into Gemini streamGenerateContent
// chunks. Partial tool-call arguments accumulate per index and flush as
// complete functionCall parts on the finish chunk, since Gemini carries no
// partial-arguments protocol.
type openaiGeminiStream struct {
	model    string
	finished bool
	finish   string
	prompt   int64
	output   int64
	order    []int64
	pending  map[int64]*pendingCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

func newOpenAIGeminiStream(model string) *openaiGeminiStream {
	return &openaiGeminiStream{
		model:   model,
		finish:  "STOP",
		pending: map[int64]*pendingCall{},
	}
}

func (s *openaiGeminiStream) chunk(parts string) string {
	out := `{"candidates":[{"content":{"role":"model"},"index":0}]}`
	out, _ = sjson.SetRaw(out, "candidates.0.content.parts", parts)
	out, _ = sjson.Set(out, "modelVersion", s.model)
	return out
}

func (s *openaiGeminiStream) Next(ev Event) []Event {
	if ev.Done {
		return s.terminal()
	}
	if ev.Heartbeat() {
		return nil
	}
	payload := gjson.ParseBytes(ev.Data)
	if errField := payload.Get("error"); errField.Exists() {
		s.finished = true
		return errorEvents(FormatGemini, apperrors.New(apperrors.KindUpstream, errField.Get("message").String()))
	}

	if usage := payload.Get("usage"); usage.Exists() {
		if v := usage.Get("prompt_tokens"); v.Exists() {
			s.prompt = v.Int()
		}
		if v := usage.Get("completion_tokens"); v.Exists() {
			s.output = v.Int()
		}
	}
	if reason := payload.Get("choices.0.finish_reason").String(); reason == "length" {
		s.finish = "MAX_TOKENS"
	}

	delta := payload.Get("choices.0.delta")
	for _, call := range delta.Get("tool_calls").Array() {
		index := call.Get("index").Int()
		entry, ok := s.pending[index]
		if !ok {
			entry = &pendingCall{}
			s.pending[index] = entry
			s.order = append(s.order, index)
		}
		if name := call.Get("function.name").String(); name != "" {
			entry.name = name
		}
		entry.args.WriteString(call.Get("function.arguments").String())
	}

	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		part, _ := sjson.Set(`{}`, "text", content.String())
		return []Event{{Data: []byte(s.chunk("[" + part + "]"))}}
	}
	return nil
}

func (s *openaiGeminiStream) terminal() []Event {
	if s.finished {
		return nil
	}
	s.finished = true

	var out []Event
	if len(s.order) > 0 {
		parts := "[]"
		for _, index := range s.order {
			call := s.pending[index]
			part, _ := sjson.Set(`{"functionCall":{}}`, "functionCall.name", call.name)
			if args := gjson.Parse(call.args.String()); args.IsObject() {
				part, _ = sjson.SetRaw(part, "functionCall.args", args.Raw)
			} else {
				part, _ = sjson.SetRaw(part, "functionCall.args", `{}`)
			}
			parts, _ = sjson.SetRaw(parts, "-1", part)
		}
		out = append(out, Event{Data: []byte(s.chunk(parts))})
	}

	final := s.chunk(`[]`)
	final, _ = sjson.Set(final, "candidates.0.finishReason", s.finish)
	final, _ = sjson.Set(final, "usageMetadata.promptTokenCount", s.prompt)
	final, _ = sjson.Set(final, "usageMetadata.candidatesTokenCount", s.output)
	final, _ = sjson.Set(final, "usageMetadata.totalTokenCount", s.prompt+s.output)
	out = append(out, Event{Data: []byte(final)})
	return out
}

func (s *openaiGeminiStream) Finish() []Event { return s.terminal() }

func (s *openaiGeminiStream) Fail(err *apperrors.AppError) []Event {
	s.finished = true
	return errorEvents(FormatGemini, err)
}
