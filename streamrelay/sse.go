package streamrelay

import (
	"context"
	"fmt"
	"net/http"
)

// SSEWriter implements Sink over an http.ResponseWriter, flushing each frame
// immediately so the client observes it as it is produced. Construct it after
// setting the standard SSE response headers.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewSSEWriter wraps w, setting the Content-Type/Cache-Control/Connection
// headers an SSE response requires. It returns an error if w does not
// support flushing, since without it frames would buffer indefinitely.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streamrelay: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame writes frame and flushes it. It returns ctx.Err() without
// writing if ctx is already canceled, matching the relay's client-disconnect
// handling.
func (s *SSEWriter) WriteFrame(ctx context.Context, frame []byte) error {
	if s.closed {
		return fmt.Errorf("streamrelay: write on closed sink")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close marks the sink closed. Idempotent.
func (s *SSEWriter) Close() error {
	s.closed = true
	return nil
}
