package server

import (
	"context"
)

// Cache defines the interface for record caching operations
type Cache interface {
	GetRecord(ctx context.Context, id string) (*Record, error)
	SetRecord(ctx context.Context, record *Record) error
	DeleteRecord(ctx context.Context, id string) error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetRecord always reports a miss
func (c *NoOpCache) GetRecord(ctx context.Context, id string) (*Record, error) {
	return nil, ErrCacheMiss
}

// SetRecord does nothing
func (c *NoOpCache) SetRecord(ctx context.Context, record *Record) error {
	return nil
}

// DeleteRecord does nothing
func (c *NoOpCache) DeleteRecord(ctx context.Context, id string) error {
	return nil
}
