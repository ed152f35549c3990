package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no checkpoint exists under the requested id.
var ErrNotFound = errors.New("checkpoint not found")

// Record is one stored checkpoint: the opaque snapshot blob plus the
// metadata retention queries need. The store never looks inside the blob.
type Record struct {
	ID        string
	ProjectID string
	Trigger   string
	CreatedAt time.Time
	Blob      []byte
}

// Store persists checkpoint records durably.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, error)
	// List returns a project's records, newest first. limit <= 0 means all.
	List(ctx context.Context, projectID string, limit int) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
