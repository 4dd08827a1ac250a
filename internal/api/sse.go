package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter wraps a ResponseWriter that supports flushing, the minimal
// contract text/event-stream needs to deliver deltas as they're written
// rather than buffered until the handler returns.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) writeDelta(text string) {
	s.writeEvent("delta", map[string]string{"text": text})
}

func (s *sseWriter) writeDone(resp CompletionResponse) {
	s.writeEvent("done", resp)
}

func (s *sseWriter) writeError(err error) {
	s.writeEvent("error", map[string]string{"message": err.Error()})
}

func (s *sseWriter) writeEvent(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}
