package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"
)

const (
	// DefaultListLimit is the page size when the caller does not choose one.
	DefaultListLimit = 50
	// MaxListLimit caps the page size.
	MaxListLimit = 100

	// maxIndexReads bounds how many index pages one List call may consume
	// while residual filters discard rows.
	maxIndexReads = 5
)

// ListQuery carries the caller-facing listing predicates. OwnerID empty
// means an owner-less listing, which only ever surfaces active records.
// Tags match ANY (a record qualifies by having at least one of them).
// Start is inclusive and End exclusive.
type ListQuery struct {
	OwnerID     string
	Tags        []string
	ContentType string
	MinSize     int64
	MaxSize     int64
	Start       time.Time
	End         time.Time
	Limit       int
	Cursor      string
}

// ListResult is one page of listing output, newest first.
type ListResult struct {
	Records    []*Record `json:"images"`
	NextCursor string    `json:"next_cursor,omitempty"`
	Count      int       `json:"count"`
}

// QueryEngine translates listing requests into bounded index reads plus
// in-memory residual filtering. It is stateless and safe for concurrent use.
type QueryEngine struct {
	store MetadataStore
}

// NewQueryEngine creates a query engine over the metadata store.
func NewQueryEngine(store MetadataStore) *QueryEngine {
	return &QueryEngine{store: store}
}

// List returns one page of records matching q. Index selection: the
// owner-time index when OwnerID is set, otherwise the status-time index
// scoped to active. Tags, content type, and size bounds are filtered above
// the index, with the page read budget keeping latency bounded.
func (e *QueryEngine) List(ctx context.Context, q *ListQuery) (*ListResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	if q.OwnerID != "" {
		if err := ValidateOwnerID(q.OwnerID); err != nil {
			return nil, err
		}
	}
	if q.ContentType != "" {
		if err := ValidateContentType(q.ContentType); err != nil {
			return nil, err
		}
	}
	if q.MinSize < 0 || q.MaxSize < 0 {
		return nil, validationErr("size range", "bounds must not be negative")
	}
	if q.MinSize > 0 && q.MaxSize > 0 && q.MinSize > q.MaxSize {
		return nil, validationErr("size range", "min_size must not exceed max_size")
	}
	if !q.Start.IsZero() && !q.End.IsZero() && !q.Start.Before(q.End) {
		return nil, validationErr("time range", "start must be before end")
	}
	tags, err := NormalizeTags(q.Tags)
	if err != nil {
		return nil, err
	}

	cursor, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}

	iq := &IndexQuery{
		OwnerID: q.OwnerID,
		Status:  StatusActive,
		Start:   q.Start,
		End:     q.End,
		Cursor:  cursor,
		Limit:   limit,
	}

	records := make([]*Record, 0, limit)
	var next *IndexCursor
	for reads := 0; reads < maxIndexReads; reads++ {
		page, err := e.store.Query(ctx, iq)
		if err != nil {
			return nil, err
		}

		for _, record := range page.Records {
			if !matchesFilters(record, q.OwnerID, tags, q.ContentType, q.MinSize, q.MaxSize) {
				continue
			}
			records = append(records, record)
			if len(records) == limit {
				break
			}
		}

		if len(records) == limit {
			// Resume from the last record actually returned so filtered
			// leftovers of this page are revisited, never skipped.
			last := records[len(records)-1]
			next = &IndexCursor{CreatedAt: last.CreatedAt.UnixNano(), ID: last.ID}
			break
		}
		if page.Next == nil {
			next = nil
			break
		}
		iq.Cursor = page.Next
		next = page.Next
	}

	result := &ListResult{Records: records, Count: len(records)}
	if next != nil {
		result.NextCursor = encodeCursor(next)
	}
	return result, nil
}

// matchesFilters applies the residual predicates the index cannot answer.
func matchesFilters(record *Record, ownerID string, tags []string, contentType string, minSize, maxSize int64) bool {
	// Soft-deleted records are invisible to every listing. The owner-time
	// index has no status key, so the guard lives here.
	if record.Status == StatusDeleted {
		return false
	}
	if ownerID == "" && record.Status != StatusActive {
		return false
	}
	if contentType != "" && record.ContentType != contentType {
		return false
	}
	if minSize > 0 && record.SizeBytes < minSize {
		return false
	}
	if maxSize > 0 && record.SizeBytes > maxSize {
		return false
	}
	if len(tags) > 0 {
		found := false
		for _, want := range tags {
			for _, have := range record.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// encodeCursor turns an index position into an opaque page token.
func encodeCursor(cursor *IndexCursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// decodeCursor parses a page token. An empty token means "from the top";
// anything unparseable is a validation error rather than a silent restart.
func decodeCursor(token string) (*IndexCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, validationErr("cursor", "malformed pagination token")
	}
	var cursor IndexCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, validationErr("cursor", "malformed pagination token")
	}
	if cursor.CreatedAt <= 0 || cursor.ID == "" {
		return nil, validationErr("cursor", "malformed pagination token")
	}
	return &cursor, nil
}
