package remote

import (
	"context"
	"time"

	"github.com/bellaotica/optisync/internal/schema"
)

// Change is one outbound mutation, assembled from the change queue entry
// and the record's current local state at push time.
type Change struct {
	Table    string         `json:"table"`
	RecordID string         `json:"record_id"`
	Op       schema.Op      `json:"op"`
	Fields   map[string]any `json:"fields,omitempty"`

	// SyncVersion is the concurrency token: the version of the server
	// copy this change was based on. Zero for creates.
	SyncVersion int64 `json:"sync_version"`

	LastModified time.Time `json:"last_modified"`
}

// RemoteRecord is the server's copy of a record as returned by push
// acknowledgements and pull pages.
type RemoteRecord struct {
	ID          string         `json:"id"`
	Table       string         `json:"table"`
	Fields      map[string]any `json:"fields"`
	SyncVersion int64          `json:"sync_version"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Deleted     bool           `json:"deleted,omitempty"`
}

// Gateway is the transport the sync engine pushes through and pulls
// from. Implementations must map server responses onto the error
// taxonomy in this package; the engine branches on error kind, never on
// status codes.
type Gateway interface {
	// Push submits one change. On acceptance it returns the server's
	// resulting copy (carrying the new version token). A stale token
	// yields a *ConflictError, except when the change is a replay the
	// server already applied (same record, same token, identical
	// payload): that is answered with the current copy, so an
	// acknowledgement lost before it was recorded locally is safe to
	// push again.
	Push(ctx context.Context, ch Change) (*RemoteRecord, error)

	// Fetch retrieves the server's current copy of one record.
	// Returns (nil, nil) when the record does not exist remotely.
	Fetch(ctx context.Context, table, id string) (*RemoteRecord, error)

	// PullSince returns records of a table changed strictly after since,
	// ordered by UpdatedAt ascending, up to limit per page. Deletions
	// appear as records with Deleted set.
	PullSince(ctx context.Context, table string, since time.Time, limit int) ([]RemoteRecord, error)
}
