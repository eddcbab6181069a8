package server

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/db"
	"github.com/jonathan/video-publisher/internal/pipeline"
	"github.com/jonathan/video-publisher/internal/types"
)

// maxTriggerBytes bounds trigger bodies.
const maxTriggerBytes = 64 << 10

// ProcessResponse is returned by the trigger endpoints.
type ProcessResponse struct {
	Record *types.ProcessingRecord `json:"record,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// ListResponse is returned by GET /records.
type ListResponse struct {
	Records []types.ProcessingRecord `json:"records"`
	Count   int                      `json:"count"`
}

// readTrigger parses the request body into a source object.
func (s *Server) readTrigger(w http.ResponseWriter, r *http.Request) (types.SourceObject, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return types.SourceObject{}, false
	}
	obj, err := pipeline.ParseTrigger(body)
	if err != nil {
		s.logger.Warn("rejected trigger", zap.Error(err))
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return types.SourceObject{}, false
	}
	return obj, true
}

// handleProcess runs the pipeline synchronously for one trigger.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.readTrigger(w, r)
	if !ok {
		return
	}
	s.runAndRespond(w, r, obj, pipeline.RunOptions{})
}

// handleReprocess re-runs a stored source key, allowing a FAILED record to
// move back to RUNNING.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rec, err := s.records.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("failed to read record", zap.String("source_key", key), zap.Error(err))
		s.errorResponse(w, http.StatusInternalServerError, "failed to read record")
		return
	}
	if rec == nil {
		s.errorResponse(w, http.StatusNotFound, "record not found")
		return
	}
	obj := types.SourceObject{Bucket: rec.Bucket, Name: rec.SourceKey}
	s.runAndRespond(w, r, obj, pipeline.RunOptions{Reprocess: true})
}

func (s *Server) runAndRespond(w http.ResponseWriter, r *http.Request, obj types.SourceObject, opts pipeline.RunOptions) {
	// The run outlives a dropped connection so its record always lands.
	ctx := context.WithoutCancel(r.Context())
	rec, err := s.runner.Run(ctx, obj, opts)
	resp := ProcessResponse{Record: rec}
	if err != nil {
		resp.Error = err.Error()
	}
	s.jsonResponse(w, HTTPStatus(err, s.policy), resp)
}

// handleProcessStream runs the pipeline and streams progress as SSE.
func (s *Server) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.readTrigger(w, r)
	if !ok {
		return
	}
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec, err := s.runner.Run(context.WithoutCancel(r.Context()), obj, pipeline.RunOptions{
		OnProgress: sse.WriteProgress,
	})
	if err != nil {
		sse.WriteError(err)
	}
	if rec != nil {
		sse.WriteComplete(rec)
	}
}

// handleGetRecord returns the record for one source key.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		s.errorResponse(w, http.StatusBadRequest, "source key is required")
		return
	}
	rec, err := s.records.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("failed to read record", zap.String("source_key", key), zap.Error(err))
		s.errorResponse(w, http.StatusInternalServerError, "failed to read record")
		return
	}
	if rec == nil {
		s.errorResponse(w, http.StatusNotFound, "record not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, rec)
}

// handleListRecords lists records, optionally filtered by status.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	filter := db.ListFilter{Status: types.Status(r.URL.Query().Get("status"))}
	switch filter.Status {
	case "", types.StatusPending, types.StatusRunning, types.StatusSuccess,
		types.StatusPartialSuccess, types.StatusFailed:
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown status "+string(filter.Status))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	records, err := s.records.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list records", zap.Error(err))
		s.errorResponse(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []types.ProcessingRecord{}
	}
	s.jsonResponse(w, http.StatusOK, ListResponse{Records: records, Count: len(records)})
}
