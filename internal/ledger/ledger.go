// Package ledger is the append-only system of record for documents, their
// immutable versions, and the change events between them. It enforces a
// single linear history per document via optimistic concurrency: appends are
// conditioned on the caller's view of the latest sequence number, and a
// losing writer gets sentinel.ErrConflict.
package ledger

import (
	"context"
	"time"

	"regradar/internal/content"
	"regradar/internal/diff"
	"regradar/pkg/domain"
)

// Source is a monitored origin. Immutable once created except for
// administrative URL correction.
type Source struct {
	ID        domain.SourceID
	Name      string
	URL       string
	CreatedAt time.Time
}

// Document is a logical regulatory document tracked over time. Created on
// first sighting of an external ID; never deleted while versions reference it.
type Document struct {
	ID         domain.DocumentID
	SourceID   domain.SourceID
	ExternalID string
	CreatedAt  time.Time
}

// DocumentVersion is an immutable snapshot. Seq is the per-document monotonic
// sequence number; "latest" is defined by Seq, never by wall clock.
type DocumentVersion struct {
	ID          domain.VersionID
	DocumentID  domain.DocumentID
	Seq         int64
	ContentHash content.Hash
	Content     []byte
	CreatedAt   time.Time
}

// ChangeEvent records the transition that produced a version. At most one per
// version. A document's first version does not get a change event; PrevVersionID
// is therefore never nil on a stored event.
type ChangeEvent struct {
	ID            domain.ChangeEventID
	VersionID     domain.VersionID
	PrevVersionID *domain.VersionID
	Diff          diff.Document
	CreatedAt     time.Time
}

// AppendChange carries everything needed to materialize one genuine change
// atomically: the new version and, unless this is the first version, its
// change event. PrevSeq is the optimistic-concurrency token: the sequence the
// caller last observed (0 for no versions).
type AppendChange struct {
	DocumentID  domain.DocumentID
	Content     []byte
	ContentHash content.Hash
	PrevSeq     int64
	Event       *ChangeEvent // nil for a document's first version
}

// ChangeFilter narrows ListChangeEvents. Limit and Offset page the
// newest-first result; zero Limit means no paging. CountChangeEvents ignores
// both.
type ChangeFilter struct {
	Since    *time.Time
	Until    *time.Time
	SourceID *domain.SourceID
	Limit    int
	Offset   int
}

// Store is the persistence contract for the ledger. Implementations must
// enforce uniqueness of (source_id, external_id) on documents,
// (document_id, seq) on versions, and document_version_id on change events —
// by constraints, not application logic, so a crash mid-pipeline stays
// recoverable by re-running ingestion.
type Store interface {
	// EnsureSource is an idempotent get-or-create keyed on URL.
	EnsureSource(ctx context.Context, name, url string) (*Source, error)
	GetSource(ctx context.Context, id domain.SourceID) (*Source, error)

	// EnsureDocument is an idempotent get-or-create keyed on
	// (sourceID, externalID). Safe under concurrent first sightings.
	EnsureDocument(ctx context.Context, sourceID domain.SourceID, externalID string) (*Document, error)
	GetDocument(ctx context.Context, id domain.DocumentID) (*Document, error)

	// LatestVersion returns the version with the greatest Seq, or
	// sentinel.ErrNotFound when the document has no versions. The read is
	// consistent with concurrent appends: a stale result only costs the
	// caller a conflict on its subsequent append.
	LatestVersion(ctx context.Context, documentID domain.DocumentID) (*DocumentVersion, error)

	// LatestHash returns only the content hash of the latest version,
	// skipping the content blob. It backs the fingerprint fast path, where
	// the full snapshot is not needed to decide "unchanged".
	LatestHash(ctx context.Context, documentID domain.DocumentID) (content.Hash, error)

	// AppendVersion appends an immutable version at PrevSeq+1 together
	// with its change event in one atomic write. Returns
	// sentinel.ErrConflict if a concurrent append already took that slot.
	AppendVersion(ctx context.Context, change AppendChange) (*DocumentVersion, error)

	GetVersion(ctx context.Context, id domain.VersionID) (*DocumentVersion, error)
	ListVersions(ctx context.Context, documentID domain.DocumentID) ([]*DocumentVersion, error)

	GetChangeEvent(ctx context.Context, id domain.ChangeEventID) (*ChangeEvent, error)
	// GetChangeEventByVersion returns sentinel.ErrNotFound for a first
	// version, which has no event.
	GetChangeEventByVersion(ctx context.Context, versionID domain.VersionID) (*ChangeEvent, error)
	ListChangeEvents(ctx context.Context, filter ChangeFilter) ([]*ChangeEvent, error)
	// CountChangeEvents counts the events ListChangeEvents would return
	// before paging, so callers can build pagination envelopes.
	CountChangeEvents(ctx context.Context, filter ChangeFilter) (int, error)
}
