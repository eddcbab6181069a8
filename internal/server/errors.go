package server

import (
	"net/http"

	"github.com/jonathan/video-publisher/internal/config"
	"github.com/jonathan/video-publisher/internal/failure"
)

// HTTPStatus returns the trigger response status for a pipeline outcome.
// Partial success is reported as 200 since the listing exists. Under the
// "ok" policy every pipeline failure is masked as 200; the stored record
// still carries the real outcome.
func HTTPStatus(err error, policy string) int {
	if err == nil || failure.IsKind(err, failure.KindPartialSuccess) {
		return http.StatusOK
	}
	if policy == config.FailureResponseOK {
		return http.StatusOK
	}
	switch failure.KindOf(err) {
	case failure.KindTransientNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
