package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCredentialTTL is the presigned URL lifetime when the caller
	// does not ask for one (15 minutes).
	DefaultCredentialTTL = 15 * time.Minute
	// MaxCredentialTTL caps requested presigned URL lifetimes at one hour.
	MaxCredentialTTL = time.Hour

	defaultOpTimeout = 10 * time.Second
	createIDAttempts = 3
)

// Coordinator drives the record lifecycle: it validates input, generates
// ids, sequences metadata and blob store calls, and keeps the cache
// coherent. It holds no per-record state; concurrent requests race through
// the metadata store's conditional writes.
type Coordinator struct {
	store     MetadataStore
	blobStore BlobStore
	cache     Cache
	opTimeout time.Duration
}

// NewCoordinator creates a coordinator over the given ports. A zero
// opTimeout selects the default.
func NewCoordinator(store MetadataStore, blobStore BlobStore, cache Cache, opTimeout time.Duration) *Coordinator {
	if cache == nil {
		cache = &NoOpCache{}
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Coordinator{
		store:     store,
		blobStore: blobStore,
		cache:     cache,
		opTimeout: opTimeout,
	}
}

// UploadSession is the result of InitiateUpload: the new record plus the
// presigned upload the client performs directly against the blob store.
type UploadSession struct {
	Record *Record     `json:"record"`
	Upload *Credential `json:"upload"`
}

// MetaPatch carries the caller-editable metadata fields for
// UpdateRecordMeta. Nil fields are left unchanged.
type MetaPatch struct {
	Tags        []string               `json:"tags"`
	Description *string                `json:"description"`
	Attributes  map[string]interface{} `json:"custom_attributes"`
}

// InitiateUpload validates the request, creates a processing record, and
// returns it with a presigned upload credential. The request's expiry
// adjusts the credential lifetime up to MaxCredentialTTL. No blob I/O
// happens here; the client uploads on its own and then calls ConfirmUpload.
func (c *Coordinator) InitiateUpload(ctx context.Context, req *UploadRequest) (*UploadSession, error) {
	if err := ValidateUploadRequest(req); err != nil {
		return nil, err
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	ttl := clampTTL(time.Duration(req.Expiry) * time.Second)

	// Generated ids collide only in pathological cases; retry with a fresh
	// id a few times before giving up.
	var lastErr error
	for attempt := 0; attempt < createIDAttempts; attempt++ {
		id := uuid.NewString()
		ref := ObjectRef(req.OwnerID, id)

		upload, err := c.blobStore.IssueWriteCredential(ctx, ref, req.ContentType, ttl)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		record := &Record{
			ID:              id,
			OwnerID:         req.OwnerID,
			Filename:        req.Filename,
			ContentType:     req.ContentType,
			SizeBytes:       req.SizeBytes,
			ObjectRef:       ref,
			Tags:            req.Tags,
			Description:     req.Description,
			Attributes:      req.Attributes,
			Status:          StatusProcessing,
			CreatedAt:       now,
			UpdatedAt:       now,
			StatusUpdatedAt: now,
		}

		if err := c.store.CreateIfAbsent(ctx, record); err != nil {
			if errors.Is(err, ErrDuplicateID) {
				lastErr = err
				continue
			}
			return nil, err
		}

		return &UploadSession{Record: record, Upload: upload}, nil
	}

	return nil, lastErr
}

// ConfirmUpload moves a processing record to active or error. Activation
// verifies the blob actually exists first; its measured size backs the
// record when the caller does not supply one. A zero sizeBytes, width, or
// height means "not provided".
func (c *Coordinator) ConfirmUpload(ctx context.Context, id, ownerID string, target Status, sizeBytes int64, width, height int) (*Record, error) {
	if err := ValidateRecordID(id); err != nil {
		return nil, err
	}
	if err := ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	if target != StatusActive && target != StatusError {
		return nil, validationErr("status", "must be active or error")
	}
	if sizeBytes != 0 {
		if err := ValidateSizeBytes(sizeBytes); err != nil {
			return nil, err
		}
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	record, err := c.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusProcessing {
		return nil, ErrConflict
	}

	patch := &RecordPatch{Status: &target}
	if width > 0 {
		patch.Width = &width
	}
	if height > 0 {
		patch.Height = &height
	}
	if target == StatusActive {
		info, err := c.blobStore.Stat(ctx, record.ObjectRef)
		if err != nil {
			return nil, err
		}
		size := sizeBytes
		if size <= 0 {
			size = info.Size
		}
		patch.SizeBytes = &size
	}

	updated, err := c.store.ConditionalUpdate(ctx, id, StatusProcessing, patch)
	if err != nil {
		return nil, err
	}

	c.invalidate(ctx, id)
	return updated, nil
}

// GetRecord returns a record to its owner. A missing record and a record
// owned by someone else are reported identically.
func (c *Coordinator) GetRecord(ctx context.Context, id, ownerID string) (*Record, error) {
	if err := ValidateRecordID(id); err != nil {
		return nil, err
	}
	if err := ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if record, err := c.cache.GetRecord(ctx, id); err == nil {
		if record.OwnerID != ownerID {
			return nil, ErrRecordNotFound
		}
		return record, nil
	}

	record, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != ownerID {
		return nil, ErrRecordNotFound
	}

	if err := c.cache.SetRecord(ctx, record); err != nil {
		log.Printf("Warning: Failed to cache record %s: %v", id, err)
	}
	return record, nil
}

// UpdateRecordMeta replaces the caller-editable metadata on a record. The
// identity, status, and blob fields cannot be changed here. Deleted
// records reject the update.
func (c *Coordinator) UpdateRecordMeta(ctx context.Context, id, ownerID string, patch *MetaPatch) (*Record, error) {
	if err := ValidateRecordID(id); err != nil {
		return nil, err
	}
	if err := ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	tags, err := NormalizeTags(patch.Tags)
	if err != nil {
		return nil, err
	}
	if patch.Description != nil {
		if err := ValidateDescription(*patch.Description); err != nil {
			return nil, err
		}
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	record, err := c.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusDeleted {
		return nil, ErrConflict
	}

	rp := &RecordPatch{
		Description: patch.Description,
		Attributes:  patch.Attributes,
	}
	if patch.Tags != nil {
		if tags == nil {
			tags = []string{}
		}
		rp.Tags = tags
	}

	updated, err := c.store.ConditionalUpdate(ctx, id, record.Status, rp)
	if err != nil {
		return nil, err
	}

	c.invalidate(ctx, id)
	return updated, nil
}

// DeleteRecord soft-deletes a record, or purges it when hard is set. The
// soft path is a single conditional write, so exactly one of any number of
// concurrent deletes succeeds. The hard path marks the record deleted
// first, then removes the blob, then the metadata row; a crash in between
// leaves at worst an invisible deleted row.
func (c *Coordinator) DeleteRecord(ctx context.Context, id, ownerID string, hard bool) error {
	if err := ValidateRecordID(id); err != nil {
		return err
	}
	if err := ValidateOwnerID(ownerID); err != nil {
		return err
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	record, err := c.getOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}

	if !hard {
		if !record.Status.CanTransitionTo(StatusDeleted) {
			return ErrConflict
		}
		deleted := StatusDeleted
		if _, err := c.store.ConditionalUpdate(ctx, id, record.Status, &RecordPatch{Status: &deleted}); err != nil {
			return err
		}
		c.invalidate(ctx, id)
		return nil
	}

	if record.Status != StatusDeleted {
		deleted := StatusDeleted
		if _, err := c.store.ConditionalUpdate(ctx, id, record.Status, &RecordPatch{Status: &deleted}); err != nil {
			if !errors.Is(err, ErrConflict) {
				return err
			}
			// Lost the race to another transition. Purge only if the record
			// ended up deleted.
			current, gerr := c.store.Get(ctx, id)
			if gerr != nil {
				if errors.Is(gerr, ErrRecordNotFound) {
					return nil
				}
				return gerr
			}
			if current.Status != StatusDeleted {
				return ErrConflict
			}
		}
	}

	if err := c.blobStore.Delete(ctx, record.ObjectRef); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}

	c.invalidate(ctx, id)
	return nil
}

// GenerateReadAccess returns a presigned download for a record's blob.
// Deleted records refuse read access.
func (c *Coordinator) GenerateReadAccess(ctx context.Context, id, ownerID string, ttl time.Duration) (*Credential, error) {
	if err := ValidateRecordID(id); err != nil {
		return nil, err
	}
	if err := ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	ttl = clampTTL(ttl)

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	record, err := c.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusDeleted {
		return nil, ErrConflict
	}

	return c.blobStore.IssueReadCredential(ctx, record.ObjectRef, ttl)
}

// getOwned loads a record from the metadata store and checks ownership.
// Mutating paths read the store directly so the check never runs on a
// stale cache entry.
func (c *Coordinator) getOwned(ctx context.Context, id, ownerID string) (*Record, error) {
	record, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return record, nil
}

// invalidate drops a record from the cache. Cache failures are logged and
// ignored; the store remains the source of truth.
func (c *Coordinator) invalidate(ctx context.Context, id string) {
	if err := c.cache.DeleteRecord(ctx, id); err != nil {
		log.Printf("Warning: Failed to invalidate cached record %s: %v", id, err)
	}
}

// opContext applies the default timeout when the caller's context has no
// deadline of its own.
func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// clampTTL applies the default and maximum presigned URL lifetimes.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultCredentialTTL
	}
	if ttl > MaxCredentialTTL {
		return MaxCredentialTTL
	}
	return ttl
}
