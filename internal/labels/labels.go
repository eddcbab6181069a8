// Package labels derives descriptive tags for a video from a label-detection service.
package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/failure"
)

// FallbackTags is used whenever label detection fails or times out.
var FallbackTags = []string{"uncategorized", "video"}

// Defaults
const (
	DefaultTimeout      = 900 * time.Second
	DefaultPollInterval = 10 * time.Second
)

// Result is the outcome of a tag extraction. Err is informational only:
// Tags is always usable.
type Result struct {
	Tags      []string
	Synthetic bool
	Err       error
}

// Annotator runs a long-running label detection operation.
type Annotator interface {
	// Start begins label detection on uri and returns the operation name.
	Start(ctx context.Context, uri string) (string, error)
	// Poll reports whether the operation finished and, if so, its raw response.
	Poll(ctx context.Context, name string) (done bool, response []byte, err error)
	// Cancel asks the service to abandon the operation.
	Cancel(ctx context.Context, name string) error
}

// Extractor bounds an Annotator with a timeout and normalizes its labels.
type Extractor struct {
	annotator    Annotator
	timeout      time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewExtractor creates an Extractor. Zero durations use the defaults.
func NewExtractor(a Annotator, timeout, pollInterval time.Duration, logger *zap.Logger) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{annotator: a, timeout: timeout, pollInterval: pollInterval, logger: logger}
}

// ExtractTags returns normalized labels for the video at uri. It never
// fails: errors, timeouts and empty results yield the fallback tags.
func (e *Extractor) ExtractTags(ctx context.Context, uri string) Result {
	tags, err := e.extract(ctx, uri)
	if err != nil {
		e.logger.Warn("label detection failed, using fallback tags",
			zap.String("uri", uri), zap.Error(err))
		return fallback(err)
	}
	if len(tags) == 0 {
		e.logger.Info("label detection returned no labels, using fallback tags", zap.String("uri", uri))
		return fallback(nil)
	}
	return Result{Tags: tags}
}

func (e *Extractor) extract(ctx context.Context, uri string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	name, err := e.annotator.Start(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("start label detection: %w", err)
	}
	e.logger.Debug("label detection started", zap.String("operation", name))

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		done, resp, err := e.annotator.Poll(ctx, name)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("poll label detection: %w", err)
		}
		if err == nil && done {
			return ParseResponse(resp)
		}

		select {
		case <-ctx.Done():
			e.cancelOperation(name)
			return nil, failure.Transient("label detection timed out", ctx.Err())
		case <-ticker.C:
		}
	}
}

// cancelOperation is best effort and runs detached from the expired context.
func (e *Extractor) cancelOperation(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.annotator.Cancel(ctx, name); err != nil {
		e.logger.Debug("cancel label detection failed", zap.String("operation", name), zap.Error(err))
	}
}

// errDisabled marks results from a Disabled extractor.
var errDisabled = errors.New("label detection disabled")

// Disabled always yields the fallback tags without calling any service.
type Disabled struct{}

// ExtractTags implements the extractor contract for Disabled.
func (Disabled) ExtractTags(context.Context, string) Result {
	return fallback(errDisabled)
}

func fallback(err error) Result {
	tags := make([]string, len(FallbackTags))
	copy(tags, FallbackTags)
	return Result{Tags: tags, Synthetic: true, Err: err}
}

// annotateResponse is the subset of the label detection response we read.
type annotateResponse struct {
	AnnotationResults []struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		SegmentLabelAnnotations []labelAnnotation `json:"segmentLabelAnnotations"`
		ShotLabelAnnotations    []labelAnnotation `json:"shotLabelAnnotations"`
	} `json:"annotationResults"`
}

type labelAnnotation struct {
	Entity struct {
		Description string `json:"description"`
	} `json:"entity"`
}

// ParseResponse extracts normalized labels from segment and shot annotations.
func ParseResponse(raw []byte) ([]string, error) {
	var resp annotateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode label response: %w", err)
	}

	var labels []string
	for _, r := range resp.AnnotationResults {
		if r.Error != nil && len(r.SegmentLabelAnnotations) == 0 && len(r.ShotLabelAnnotations) == 0 {
			return nil, fmt.Errorf("label detection error: %s", r.Error.Message)
		}
		for _, a := range r.SegmentLabelAnnotations {
			labels = append(labels, a.Entity.Description)
		}
		for _, a := range r.ShotLabelAnnotations {
			labels = append(labels, a.Entity.Description)
		}
	}
	return NormalizeTags(labels), nil
}

// NormalizeTags trims and lower-cases labels, drops empties and
// duplicates, and sorts the result.
func NormalizeTags(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		t := strings.ToLower(strings.TrimSpace(l))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
