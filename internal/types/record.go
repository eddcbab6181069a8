package types

import (
	"errors"
	"time"
)

// ErrTerminalRecord is returned by a recorder when an update would move a
// terminal record backwards: to PENDING or RUNNING without a reprocess
// decision, or from a published status to FAILED.
var ErrTerminalRecord = errors.New("record is terminal")

// ErrClaimLost is returned by a claimer when the caller no longer owns the
// publish claim for a key.
var ErrClaimLost = errors.New("claim not held by owner")

// Status is the processing state of a source object.
type Status string

// Status constants
const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFailed         Status = "FAILED"
)

// IsTerminal reports whether no further stages will run for this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Published reports whether a listing is known to exist for this status.
func (s Status) Published() bool {
	return s == StatusSuccess || s == StatusPartialSuccess
}

// Stage names the pipeline step a record was in when it was last written.
type Stage string

// Stage constants, in execution order
const (
	StageIdempotencyCheck Stage = "idempotency_check"
	StageClaim            Stage = "claim"
	StageDownload         Stage = "download"
	StageWatermark        Stage = "watermark"
	StageUpload           Stage = "upload"
	StageSignURL          Stage = "sign_url"
	StageLabels           Stage = "labels"
	StageCreateListing    Stage = "create_listing"
	StageAttachMedia      Stage = "attach_media"
	StageComplete         Stage = "complete"
)

// ProcessingRecord is the persisted state for one source key.
type ProcessingRecord struct {
	SourceKey     string    `json:"source_key"`
	Bucket        string    `json:"bucket,omitempty"`
	Status        Status    `json:"status"`
	Stage         Stage     `json:"stage,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Title         string    `json:"title,omitempty"`
	ProcessedURL  string    `json:"processed_url,omitempty"`
	PreviewURL    string    `json:"preview_url,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	TagsSynthetic bool      `json:"tags_synthetic"`
	ListingID     string    `json:"listing_id,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecordUpdate is a partial write to a ProcessingRecord. Nil fields leave
// the stored value untouched.
type RecordUpdate struct {
	Bucket        *string
	Status        *Status
	Stage         *Stage
	ErrorMessage  *string
	Title         *string
	ProcessedURL  *string
	PreviewURL    *string
	Tags          []string
	TagsSynthetic *bool
	ListingID     *string
	RunID         *string
	// IncrementAttempts bumps the attempt counter by one.
	IncrementAttempts bool
	// Reprocess allows a terminal record to move back to PENDING or RUNNING.
	Reprocess bool
}

// Ptr returns a pointer to v. Handy for building RecordUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
