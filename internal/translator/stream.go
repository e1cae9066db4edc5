package translator

import (
	"github.com/tidwall/sjson"

	apperrors "github.com/byokey/byokey/internal/errors"
)

// Event is one server-sent event. Anthropic streams carry a Name; OpenAI and
// Gemini streams use bare data lines. A nil Data with Done unset is a
// heartbeat; Done marks the OpenAI [DONE] sentinel.
type Event struct {
	Name string
	Data []byte
	Done bool
}

// Heartbeat reports whether the event carries no payload.
func (e Event) Heartbeat() bool {
	return !e.Done && len(e.Data) == 0
}

// machine is one direction of streaming translation. Next consumes an
// upstream event and returns zero or more caller-dialect events. Finish
// flushes terminal events on upstream EOF; Fail renders an upstream error in
// the caller dialect. Machines are not safe for concurrent use.
type machine interface {
	Next(ev Event) []Event
	Finish() []Event
	Fail(err *apperrors.AppError) []Event
}

// Stream translates a live event stream between dialects. One Stream serves
// one response.
type Stream struct {
	m machine
}

// NewStream builds the streaming translator for one direction. The model
// name fills response fields the upstream dialect omits.
func NewStream(from, to Format, model string) *Stream {
	switch {
	case from == to:
		return &Stream{m: &passthroughStream{format: to}}
	case from == FormatClaude && to == FormatOpenAI:
		return &Stream{m: newClaudeOpenAIStream(model)}
	case from == FormatOpenAI && to == FormatClaude:
		return &Stream{m: newOpenAIClaudeStream(model)}
	case from == FormatGemini && to == FormatOpenAI:
		return &Stream{m: newGeminiOpenAIStream(model)}
	case from == FormatOpenAI && to == FormatGemini:
		return &Stream{m: newOpenAIGeminiStream(model)}
	case from == FormatClaude && to == FormatGemini:
		return &Stream{m: &composedStream{
			head: newClaudeOpenAIStream(model),
			tail: newOpenAIGeminiStream(model),
		}}
	case from == FormatGemini && to == FormatClaude:
		return &Stream{m: &composedStream{
			head: newGeminiOpenAIStream(model),
			tail: newOpenAIClaudeStream(model),
		}}
	}
	return &Stream{m: &passthroughStream{format: to}}
}

// Next translates one upstream event.
func (s *Stream) Next(ev Event) []Event { return s.m.Next(ev) }

// Finish flushes terminal events after upstream EOF.
func (s *Stream) Finish() []Event { return s.m.Finish() }

// Fail renders an upstream error as caller-dialect stream events. The stream
// must not be used afterwards.
func (s *Stream) Fail(err *apperrors.AppError) []Event { return s.m.Fail(err) }

// passthroughStream forwards events unchanged for same-dialect streams.
type passthroughStream struct {
	format Format
}

func (p *passthroughStream) Next(ev Event) []Event { return []Event{ev} }

func (p *passthroughStream) Finish() []Event { return nil }

func (p *passthroughStream) Fail(err *apperrors.AppError) []Event {
	return errorEvents(p.format, err)
}

// composedStream chains two machines so Anthropic<->Gemini reuse the OpenAI
// building blocks. A Done from the head flushes the tail.
type composedStream struct {
	head machine
	tail machine
}

func (c *composedStream) pipe(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Done {
			out = append(out, c.tail.Finish()...)
			continue
		}
		out = append(out, c.tail.Next(ev)...)
	}
	return out
}

func (c *composedStream) Next(ev Event) []Event { return c.pipe(c.head.Next(ev)) }

func (c *composedStream) Finish() []Event { return c.pipe(c.head.Finish()) }

func (c *composedStream) Fail(err *apperrors.AppError) []Event { return c.tail.Fail(err) }

// errorEvents renders an upstream failure mid-stream in the caller's
// protocol. The stream is never terminated silently.
func errorEvents(format Format, err *apperrors.AppError) []Event {
	switch format {
	case FormatClaude:
		delta := `{"type":"message_delta","delta":{"stop_reason":"error","stop_sequence":null},"usage":{"output_tokens":0}}`
		delta, _ = sjson.Set(delta, "delta.error.message", err.Message)
		return []Event{
			{Name: "message_delta", Data: []byte(delta)},
			{Name: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
		}
	case FormatGemini:
		payload, _ := sjson.Set(`{"error":{}}`, "error.message", err.Message)
		payload, _ = sjson.Set(payload, "error.code", err.StatusCode())
		payload, _ = sjson.Set(payload, "error.status", string(err.Kind))
		return []Event{{Data: []byte(payload)}}
	default:
		payload, _ := sjson.Set(`{"error":{}}`, "error.message", err.Message)
		payload, _ = sjson.Set(payload, "error.code", string(err.Kind))
		if err.Provider != "" {
			payload, _ = sjson.Set(payload, "error.provider", err.Provider)
		}
		return []Event{{Data: []byte(payload)}, {Done: true}}
	}
}
