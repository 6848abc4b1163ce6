package server

import (
	"context"
	"time"
)

// RecordPatch describes the fields a conditional update may set. Nil
// pointers and nil slices leave the stored value untouched. Stores stamp
// updated_at on every patch and status_updated_at when Status is set.
type RecordPatch struct {
	Status      *Status
	SizeBytes   *int64
	Width       *int
	Height      *int
	Tags        []string
	Description *string
	Attributes  map[string]interface{}
}

// IndexCursor is a resume position inside an index: a query continues
// strictly after this position in descending (created_at, id) order.
type IndexCursor struct {
	CreatedAt int64  `json:"created_at"`
	ID        string `json:"id"`
}

// IndexQuery selects one metadata index and a key range on it. When
// OwnerID is set the owner-time index is used; otherwise the status-time
// index is queried with Status (active by default). Start is inclusive,
// End exclusive; zero times leave the bound open.
type IndexQuery struct {
	OwnerID string
	Status  Status
	Start   time.Time
	End     time.Time
	Cursor  *IndexCursor
	Limit   int
}

// IndexPage is one page of index results in descending (created_at, id)
// order. Next is nil when the index is exhausted.
type IndexPage struct {
	Records []*Record
	Next    *IndexCursor
}

// MetadataStore is the port for the record metadata backend.
type MetadataStore interface {
	// CreateIfAbsent persists a new record, failing with ErrDuplicateID if
	// the id is already taken.
	CreateIfAbsent(ctx context.Context, record *Record) error
	// Get returns the record for id or ErrRecordNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// ConditionalUpdate applies patch only while the stored status equals
	// expected, returning the updated record. A failed condition or a
	// vanished row yields ErrConflict.
	ConditionalUpdate(ctx context.Context, id string, expected Status, patch *RecordPatch) (*Record, error)
	// Delete removes the record row. Deleting an absent row is not an error.
	Delete(ctx context.Context, id string) error
	// Query reads one page from an index.
	Query(ctx context.Context, q *IndexQuery) (*IndexPage, error)
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Size int64
}

// Credential is a time-limited presigned request the client performs
// directly against the blob store.
type Credential struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// BlobStore is the port for the image byte backend.
type BlobStore interface {
	// Stat describes the blob at ref or returns ErrBlobMissing.
	Stat(ctx context.Context, ref string) (*BlobInfo, error)
	// IssueWriteCredential returns a presigned upload for ref bound to the
	// given content type.
	IssueWriteCredential(ctx context.Context, ref, contentType string, ttl time.Duration) (*Credential, error)
	// IssueReadCredential returns a presigned download for ref.
	IssueReadCredential(ctx context.Context, ref string, ttl time.Duration) (*Credential, error)
	// Delete removes the blob at ref. Deleting an absent blob is not an error.
	Delete(ctx context.Context, ref string) error
}
