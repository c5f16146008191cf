package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/wire"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// DocumentInfo is the persisted snapshot of a document.
type DocumentInfo struct {
	ID        string
	Content   string
	Version   doc.Version
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore persists document snapshots and the log of applied diffs.
// Implementations: MemoryStore, FirestoreStore, RedisStore, and CachedStore
// wrapping any of them.
type DocumentStore interface {
	Create(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	UpdateContent(ctx context.Context, id, content string, version doc.Version) error
	// AppendDiff records an applied diff. d.Version must be set.
	AppendDiff(ctx context.Context, id string, d wire.Diff) error
	// GetDiffs returns the recorded diffs with version >= fromVersion, oldest
	// first.
	GetDiffs(ctx context.Context, id string, fromVersion doc.Version) ([]wire.Diff, error)
}
