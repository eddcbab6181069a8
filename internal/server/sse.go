package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/pipeline"
	"github.com/jonathan/video-publisher/internal/types"
)

// Event names sent on POST /process/stream.
const (
	eventProgress = "progress"
	eventError    = "error"
	eventComplete = "complete"
)

// SSEWriter streams one pipeline run to a client of POST /process/stream:
// a progress event per stage, an error event if the run failed, then the
// stored record as the complete event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers. It fails when w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends one named event with a JSON payload.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteProgress forwards a pipeline progress event.
func (s *SSEWriter) WriteProgress(e pipeline.ProgressEvent) {
	s.WriteEvent(eventProgress, e) //nolint:errcheck
}

// WriteError reports a failed or partially successful run with its kind
// and stage.
func (s *SSEWriter) WriteError(err error) {
	payload := map[string]string{"error": err.Error(), "kind": string(failure.KindOf(err))}
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Stage != "" {
		payload["stage"] = string(fe.Stage)
	}
	s.WriteEvent(eventError, payload) //nolint:errcheck
}

// WriteComplete sends the stored record.
func (s *SSEWriter) WriteComplete(rec *types.ProcessingRecord) {
	s.WriteEvent(eventComplete, rec) //nolint:errcheck
}
