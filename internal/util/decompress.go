package util

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// DecodeBody wraps resp.Body with the decoder matching its Content-Encoding.
// Go's transport only transparently handles gzip when it set the header
// itself; some upstreams answer brotli or zstd regardless of what we ask for.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: gz, closers: []io.Closer{gz, resp.Body}}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: zr.IOReadCloser(), closers: []io.Closer{resp.Body}}, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &wrappedBody{Reader: fr, closers: []io.Closer{fr, resp.Body}}, nil
	default:
		return resp.Body, nil
	}
}

type wrappedBody struct {
	io.Reader
	closers []io.Closer
}

func (w *wrappedBody) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
