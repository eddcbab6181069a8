package pipeline

import (
	"encoding/json"

	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/schemas"
	"github.com/jonathan/video-publisher/internal/types"
)

// ParseTrigger decodes and validates a trigger body. Any problem is a
// validation failure so callers can reject it before doing work.
func ParseTrigger(body []byte) (types.SourceObject, error) {
	if err := schemas.Validate(schemas.Trigger, body); err != nil {
		return types.SourceObject{}, failure.Validation("invalid trigger payload", err)
	}
	var payload types.TriggerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return types.SourceObject{}, failure.Validation("invalid trigger payload", err)
	}
	if err := payload.Validate(); err != nil {
		return types.SourceObject{}, failure.Validation("invalid trigger payload", err)
	}
	return payload.ToSourceObject(), nil
}
