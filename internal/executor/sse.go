package executor

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	apperrors "github.com/byokey/byokey/internal/errors"
	"github.com/byokey/byokey/internal/translator"
)

// maxEventBytes bounds a single SSE event. Oversize events are a protocol
// error, not something to buffer indefinitely.
const maxEventBytes = 64 * 1024

// streamEvents parses an SSE body into translator events on a fresh channel.
// Anthropic-style "event:" lines become the event name of the next data
// line; a bare "data:" line is forwarded as a heartbeat; "[DONE]" becomes
// the Done sentinel. The body is closed when the stream ends, the context is
// cancelled, or no bytes arrive within idle.
func streamEvents(ctx context.Context, provider string, body io.ReadCloser, idle time.Duration) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		var timedOut atomic.Bool
		watchdog := time.AfterFunc(idle, func() {
			timedOut.Store(true)
			_ = body.Close()
		})
		defer watchdog.Stop()

		stop := context.AfterFunc(ctx, func() { _ = body.Close() })
		defer stop()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 4096), maxEventBytes)

		var eventName string
		for scanner.Scan() {
			watchdog.Reset(idle)
			line := scanner.Bytes()

			switch {
			case len(bytes.TrimSpace(line)) == 0:
				eventName = ""
			case bytes.HasPrefix(line, []byte("event:")):
				eventName = string(bytes.TrimSpace(line[len("event:"):]))
			case bytes.HasPrefix(line, []byte("data:")):
				payload := bytes.TrimSpace(line[len("data:"):])
				name := eventName
				eventName = ""
				if bytes.Equal(payload, []byte("[DONE]")) {
					select {
					case out <- StreamChunk{Event: translator.Event{Done: true}}:
					case <-ctx.Done():
					}
					return
				}
				ev := translator.Event{Name: name}
				if len(payload) > 0 {
					ev.Data = bytes.Clone(payload)
				}
				select {
				case out <- StreamChunk{Event: ev}:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			appErr := streamReadError(ctx, provider, err, timedOut.Load())
			log.WithError(err).Debugf("%s stream read ended", provider)
			select {
			case out <- StreamChunk{Err: appErr}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func streamReadError(ctx context.Context, provider string, err error, timedOut bool) *apperrors.AppError {
	switch {
	case timedOut:
		appErr := apperrors.New(apperrors.KindUpstreamTimeout, "no bytes from upstream within idle timeout")
		appErr.Provider = provider
		return appErr
	case ctx.Err() != nil:
		appErr := apperrors.Wrap(apperrors.KindUpstream, "client disconnected", ctx.Err())
		appErr.Provider = provider
		return appErr
	case stderrors.Is(err, bufio.ErrTooLong):
		appErr := apperrors.New(apperrors.KindUpstream, "upstream event exceeds 64 KiB")
		appErr.Provider = provider
		return appErr
	default:
		return transportError(provider, err)
	}
}
