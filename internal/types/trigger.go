// Package types provides the data model shared by the video publishing pipeline.
package types

import (
	"github.com/go-playground/validator/v10"
)

// TriggerPayload is the JSON body delivered by the storage notification.
type TriggerPayload struct {
	Bucket string `json:"bucket" validate:"required"`
	Name   string `json:"name" validate:"required"`
}

// Validate validates the TriggerPayload using the validator.
func (p *TriggerPayload) Validate() error {
	validate := validator.New()
	return validate.Struct(p)
}

// ToSourceObject converts a validated payload into the object it refers to.
func (p *TriggerPayload) ToSourceObject() SourceObject {
	return SourceObject{Bucket: p.Bucket, Name: p.Name}
}

// SourceObject identifies the stored video that triggered a run.
// Name is the idempotency key.
type SourceObject struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Key returns the idempotency key for the object.
func (s SourceObject) Key() string {
	return s.Name
}
