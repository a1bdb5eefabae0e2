package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaximumChatCompletionRequestSize bounds the decoded size of a single
// chat-completion request body. Requests larger than this are rejected with
// HTTP 413 (spec.md §7, "Payload too large"); the fixed, user-friendly
// message is intentional -- the middleware never echoes the oversized body
// back to the client.
const MaximumChatCompletionRequestSize = 32 * 1024 * 1024

// ErrPayloadTooLarge is the fixed message surfaced for oversized requests.
var ErrPayloadTooLarge = errors.New("request payload exceeds the maximum allowed size")

// ReadLimitedBody reads r's body up to limit bytes, translating the
// http.MaxBytesReader overflow error into ErrPayloadTooLarge so callers can
// map it to a single HTTP 413 response regardless of where the overflow was
// detected.
func ReadLimitedBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, ErrPayloadTooLarge
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

// SSEWriter streams Server-Sent Events frames with the headers and
// "data: ... \n\n" framing spec.md §6 requires, flushing after every frame so
// the client sees deltas as they are produced rather than buffered by the
// transport.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for SSE streaming. It returns an error if the
// underlying ResponseWriter does not support flushing (the HTTP server's
// job, not this gateway's concern, but checked here defensively since every
// streaming chat-completion response depends on it).
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteData writes a single "data: <payload>\n\n" frame and flushes it.
func (s *SSEWriter) WriteData(payload []byte) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteDone writes the OpenAI "[DONE]" sentinel that terminates the stream.
func (s *SSEWriter) WriteDone() error {
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
