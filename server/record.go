package server

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an image record.
type Status string

const (
	// StatusProcessing means the record exists but the upload has not been confirmed.
	StatusProcessing Status = "processing"
	// StatusActive means the upload was confirmed and the blob exists.
	StatusActive Status = "active"
	// StatusError means the client reported a failed upload.
	StatusError Status = "error"
	// StatusDeleted means the record is soft-deleted and hidden from listings.
	StatusDeleted Status = "deleted"
)

// statusTransitions lists the allowed next states for each status.
var statusTransitions = map[Status][]Status{
	StatusProcessing: {StatusActive, StatusError, StatusDeleted},
	StatusActive:     {StatusDeleted},
	StatusError:      {StatusDeleted},
	StatusDeleted:    {},
}

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusProcessing, StatusActive, StatusError, StatusDeleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status: %q", s)
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Record is the metadata for one stored image.
type Record struct {
	ID              string                 `json:"image_id"`
	OwnerID         string                 `json:"owner_id"`
	Filename        string                 `json:"filename,omitempty"`
	ContentType     string                 `json:"content_type"`
	SizeBytes       int64                  `json:"size_bytes"`
	Width           int                    `json:"width,omitempty"`
	Height          int                    `json:"height,omitempty"`
	ObjectRef       string                 `json:"object_ref"`
	Tags            []string               `json:"tags,omitempty"`
	Description     string                 `json:"description,omitempty"`
	Attributes      map[string]interface{} `json:"custom_attributes,omitempty"`
	Status          Status                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	StatusUpdatedAt time.Time              `json:"status_updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Tags != nil {
		out.Tags = make([]string, len(r.Tags))
		copy(out.Tags, r.Tags)
	}
	if r.Attributes != nil {
		out.Attributes = make(map[string]interface{}, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// ObjectRef derives the blob locator for a record. The key is a pure
// function of owner and id, so two initiations can never collide.
func ObjectRef(ownerID, recordID string) string {
	return fmt.Sprintf("images/%s/%s", ownerID, recordID)
}
