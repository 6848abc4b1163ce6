package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryMetadataStore is a MetadataStore backed by a process-local map.
// It reproduces the backend's conditional-write and index-order semantics,
// which makes it usable both as the dev-mode backend and in tests.
type MemoryMetadataStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryMetadataStore creates an empty in-memory metadata store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{records: make(map[string]*Record)}
}

// CreateIfAbsent persists a new record unless the id is taken.
func (s *MemoryMetadataStore) CreateIfAbsent(ctx context.Context, record *Record) error {
	if err := ctx.Err(); err != nil {
		return storeUnavailable("failed to create record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return ErrDuplicateID
	}
	s.records[record.ID] = record.Clone()
	return nil
}

// Get returns the record for id.
func (s *MemoryMetadataStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeUnavailable("failed to get record", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// ConditionalUpdate applies patch while the stored status equals expected.
func (s *MemoryMetadataStore) ConditionalUpdate(ctx context.Context, id string, expected Status, patch *RecordPatch) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeUnavailable("failed to update record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.Status != expected {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	if patch.Status != nil {
		record.Status = *patch.Status
		record.StatusUpdatedAt = now
	}
	if patch.SizeBytes != nil {
		record.SizeBytes = *patch.SizeBytes
	}
	if patch.Width != nil {
		record.Width = *patch.Width
	}
	if patch.Height != nil {
		record.Height = *patch.Height
	}
	if patch.Tags != nil {
		record.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Description != nil {
		record.Description = *patch.Description
	}
	if patch.Attributes != nil {
		attrs := make(map[string]interface{}, len(patch.Attributes))
		for k, v := range patch.Attributes {
			attrs[k] = v
		}
		record.Attributes = attrs
	}
	record.UpdatedAt = now

	return record.Clone(), nil
}

// Delete removes the record row. Absent rows are ignored.
func (s *MemoryMetadataStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return storeUnavailable("failed to delete record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Query reads one page in descending (created_at, id) order, resuming
// strictly after the cursor position.
func (s *MemoryMetadataStore) Query(ctx context.Context, q *IndexQuery) (*IndexPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeUnavailable("failed to query records", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := q.Status
	if status == "" {
		status = StatusActive
	}

	matches := make([]*Record, 0)
	for _, record := range s.records {
		if q.OwnerID != "" {
			if record.OwnerID != q.OwnerID {
				continue
			}
		} else if record.Status != status {
			continue
		}
		if !q.Start.IsZero() && record.CreatedAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && !record.CreatedAt.Before(q.End) {
			continue
		}
		matches = append(matches, record)
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	if q.Cursor != nil {
		cut := 0
		for cut < len(matches) {
			created := matches[cut].CreatedAt.UnixNano()
			if created < q.Cursor.CreatedAt || (created == q.Cursor.CreatedAt && matches[cut].ID < q.Cursor.ID) {
				break
			}
			cut++
		}
		matches = matches[cut:]
	}

	page := &IndexPage{}
	limit := q.Limit
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
		last := matches[len(matches)-1]
		page.Next = &IndexCursor{CreatedAt: last.CreatedAt.UnixNano(), ID: last.ID}
	}

	page.Records = make([]*Record, 0, len(matches))
	for _, record := range matches {
		page.Records = append(page.Records, record.Clone())
	}
	return page, nil
}

// MemoryBlobStore is a BlobStore backed by a process-local map. Credentials
// it issues are synthetic URLs; tests and dev mode write bytes directly
// with Put.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores blob bytes at ref.
func (s *MemoryBlobStore) Put(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = append([]byte(nil), data...)
}

// Stat describes the blob at ref.
func (s *MemoryBlobStore) Stat(ctx context.Context, ref string) (*BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeUnavailable("failed to stat blob", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, ErrBlobMissing
	}
	return &BlobInfo{Size: int64(len(data))}, nil
}

// IssueWriteCredential returns a synthetic upload credential for ref.
func (s *MemoryBlobStore) IssueWriteCredential(ctx context.Context, ref, contentType string, ttl time.Duration) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeUnavailable("failed to issue write credential", err)
	}
	return &Credential{
		URL:       fmt.Sprintf("memory://%s", ref),
		Method:    "PUT",
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

// IssueReadCredential returns a synthetic download credential for ref.
func (s *MemoryBlobStore) IssueReadCredential(ctx context.Context, ref string, ttl time.Duration) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeUnavailable("failed to issue read credential", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Credential{
		URL:       fmt.Sprintf("memory://%s", ref),
		Method:    "GET",
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

// Delete removes the blob at ref. Absent blobs are ignored.
func (s *MemoryBlobStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return storeUnavailable("failed to delete blob", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	return nil
}
