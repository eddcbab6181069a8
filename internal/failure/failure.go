// Package failure classifies pipeline errors so the orchestrator can decide
// the terminal record state and the response returned to the trigger caller.
package failure

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/jonathan/video-publisher/internal/types"
)

// Kind is the class of a pipeline failure.
type Kind string

// Kind constants
const (
	KindConfiguration    Kind = "configuration"
	KindAuth             Kind = "auth"
	KindTransientNetwork Kind = "transient_network"
	KindValidation       Kind = "validation"
	KindProcessing       Kind = "processing"
	KindPartialSuccess   Kind = "partial_success"
	KindInternal         Kind = "internal"
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Stage   types.Stage
	Message string
	Cause   error

	// StatusCode and Body carry the remote response when one was received.
	StatusCode int
	Body       string
	// Diagnostics carries engine output (e.g. ffmpeg stderr).
	Diagnostics string
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Stage != "" {
		msg += " at " + string(e.Stage)
	}
	msg += ": " + e.Message
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New returns a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Configuration returns a configuration error.
func Configuration(message string, cause error) *Error {
	return New(KindConfiguration, message, cause)
}

// Auth returns an authentication error.
func Auth(message string, cause error) *Error {
	return New(KindAuth, message, cause)
}

// Transient returns a transient network error.
func Transient(message string, cause error) *Error {
	return New(KindTransientNetwork, message, cause)
}

// Validation returns a payload validation error.
func Validation(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

// Processing returns a media processing error.
func Processing(message string, cause error) *Error {
	return New(KindProcessing, message, cause)
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal when none is classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether repeating the same idempotent call may succeed.
// Only transient network failures qualify.
func Retryable(err error) bool {
	return IsKind(err, KindTransientNetwork)
}

// WithStage returns err annotated with the stage it happened in. Errors
// that are not yet classified become KindInternal.
func WithStage(err error, stage types.Stage) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		out := *fe
		out.Stage = stage
		return &out
	}
	return &Error{Kind: KindInternal, Stage: stage, Message: "unclassified failure", Cause: err}
}

// FromStatus classifies a remote HTTP response status.
func FromStatus(code int, message string, cause error) *Error {
	var kind Kind
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = KindAuth
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity || code == http.StatusNotFound:
		kind = KindValidation
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		kind = KindTransientNetwork
	default:
		kind = KindInternal
	}
	return &Error{Kind: kind, Message: message, Cause: cause, StatusCode: code}
}

// FromGoogleAPI classifies an error returned by a Google API client.
// Errors without an HTTP status are treated as transient network failures.
func FromGoogleAPI(message string, err error) *Error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		fe := FromStatus(gerr.Code, message, err)
		fe.Body = gerr.Body
		return fe
	}
	return Transient(message, err)
}
