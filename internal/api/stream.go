package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/byokey/byokey/internal/translator"
)

// streamWriter renders caller-dialect events as server-sent events. Headers
// go out lazily on the first event so pre-stream failures can still render
// as JSON error bodies.
type streamWriter struct {
	c       *gin.Context
	format  translator.Format
	started bool
}

func newStreamWriter(c *gin.Context, format translator.Format) *streamWriter {
	return &streamWriter{c: c, format: format}
}

func (w *streamWriter) start() {
	h := w.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.c.Writer.WriteHeader(http.StatusOK)
	w.started = true
}

func (w *streamWriter) writeAll(events []translator.Event) {
	for _, ev := range events {
		w.write(ev)
	}
}

func (w *streamWriter) write(ev translator.Event) {
	if !w.started {
		w.start()
	}
	switch {
	case ev.Done:
		// Only the OpenAI dialect has a stream-end sentinel.
		if w.format != translator.FormatOpenAI {
			return
		}
		fmt.Fprint(w.c.Writer, "data: [DONE]\n\n")
	case ev.Heartbeat():
		if w.format != translator.FormatOpenAI {
			return
		}
		fmt.Fprint(w.c.Writer, "data: \n\n")
	case ev.Name != "":
		fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
	default:
		fmt.Fprintf(w.c.Writer, "data: %s\n\n", ev.Data)
	}
	w.c.Writer.Flush()
}
