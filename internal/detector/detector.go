// Package detector orchestrates ingestion: given a raw snapshot it decides
// "no change" vs "new version + change event" against the ledger, using the
// content fingerprint for adjacent-duplicate suppression and bounded retries
// for optimistic-concurrency conflicts.
package detector

import (
	"context"
	"errors"
	"log/slog"

	"regradar/internal/content"
	"regradar/internal/diff"
	"regradar/internal/ledger"
	"regradar/internal/platform/metrics"
	"regradar/pkg/domain"
	dErrors "regradar/pkg/domain-errors"
	"regradar/pkg/platform/sentinel"
)

// IngestStatus is the outcome of one ingestion.
type IngestStatus string

const (
	StatusUnchanged IngestStatus = "unchanged"
	StatusChanged   IngestStatus = "changed"
)

// IngestResult reports what an ingestion did. ChangeEventID is nil for
// unchanged snapshots and for a document's first version, which records a
// version but no change event.
type IngestResult struct {
	Status        IngestStatus
	Document      *ledger.Document
	Version       *ledger.DocumentVersion
	ChangeEventID *domain.ChangeEventID
}

// AssessmentQueue hands change events to the impact assessor. Enqueue must
// never block ingestion.
type AssessmentQueue interface {
	Enqueue(ctx context.Context, id domain.ChangeEventID) bool
}

// Detector ingests snapshots. Safe for concurrent use across documents and
// for racing ingestions of the same document: the ledger's append constraint
// serializes writers and the detector re-reads and re-decides on conflict.
type Detector struct {
	ledger      ledger.Store
	cache       FingerprintCache // optional fingerprint fast path
	queue       AssessmentQueue  // optional async assessment hand-off
	log         *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
}

// New creates a Detector. cache and queue may be nil.
func New(lg ledger.Store, cache FingerprintCache, queue AssessmentQueue, log *slog.Logger, m *metrics.Metrics, maxAttempts int) *Detector {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Detector{
		ledger:      lg,
		cache:       cache,
		queue:       queue,
		log:         log,
		metrics:     m,
		maxAttempts: maxAttempts,
	}
}

// Ingest runs the pipeline for one snapshot. It returns once the version and
// its change event are durably recorded; assessment happens asynchronously.
func (d *Detector) Ingest(ctx context.Context, sourceID domain.SourceID, externalID string, raw []byte) (IngestResult, error) {
	if err := content.Validate(raw); err != nil {
		d.incIngest("error")
		return IngestResult{}, err
	}
	if externalID == "" {
		d.incIngest("error")
		return IngestResult{}, dErrors.New(dErrors.CodeInvalidInput, "external id is required")
	}

	hash := content.Fingerprint(raw)

	doc, err := d.ledger.EnsureDocument(ctx, sourceID, externalID)
	if err != nil {
		d.incIngest("error")
		if errors.Is(err, sentinel.ErrNotFound) {
			return IngestResult{}, dErrors.New(dErrors.CodeNotFound, "source not found")
		}
		return IngestResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "ensure document")
	}

	// Advisory fast path: a cached fingerprint equal to the new one suggests
	// no change, but the cache can be stale (a write lost after the ledger
	// commit, racing writers landing out of order), and a stale hit would
	// swallow a genuine revert. The ledger confirms with a hash-only read
	// before we report unchanged; the saving is skipping the content fetch.
	if d.cachedHash(ctx, doc.ID) == hash {
		latestHash, err := d.ledger.LatestHash(ctx, doc.ID)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			d.incIngest("error")
			return IngestResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "confirm latest hash")
		}
		if err == nil && latestHash == hash {
			if d.metrics != nil {
				d.metrics.CacheFastPathHits.Inc()
			}
			d.incIngest(string(StatusUnchanged))
			return IngestResult{Status: StatusUnchanged, Document: doc}, nil
		}
		// Stale entry; the append below rewrites it.
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		result, err := d.tryIngest(ctx, doc, raw, hash)
		if err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				// Lost the append race: re-read latest and re-decide,
				// never blindly append on a stale comparison.
				if d.metrics != nil {
					d.metrics.IngestConflicts.Inc()
				}
				d.log.InfoContext(ctx, "ingest conflict, retrying",
					"document_id", doc.ID.String(), "attempt", attempt)
				continue
			}
			d.incIngest("error")
			return IngestResult{}, err
		}
		d.incIngest(string(result.Status))
		return result, nil
	}

	d.incIngest("error")
	return IngestResult{}, dErrors.New(dErrors.CodeConflict,
		"concurrent ingestion kept advancing the document; retry later")
}

// tryIngest performs one read-decide-append round.
func (d *Detector) tryIngest(ctx context.Context, doc *ledger.Document, raw []byte, hash content.Hash) (IngestResult, error) {
	latest, err := d.ledger.LatestVersion(ctx, doc.ID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return IngestResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "read latest version")
	}
	if err != nil {
		latest = nil
	}

	// Adjacent-duplicate suppression: identical to the immediately
	// preceding version is a no-op. Identical content further back (a
	// revert) is a legitimate new version.
	if latest != nil && latest.ContentHash == hash {
		d.setCachedHash(ctx, doc.ID, hash)
		return IngestResult{Status: StatusUnchanged, Document: doc, Version: latest}, nil
	}

	change := ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     raw,
		ContentHash: hash,
	}
	if latest != nil {
		d2, err := diff.Compute(latest.Content, raw)
		if err != nil {
			return IngestResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "compute diff")
		}
		prevID := latest.ID
		change.PrevSeq = latest.Seq
		change.Event = &ledger.ChangeEvent{
			ID:            domain.NewChangeEventID(),
			PrevVersionID: &prevID,
			Diff:          d2,
		}
	}

	version, err := d.ledger.AppendVersion(ctx, change)
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return IngestResult{}, sentinel.ErrConflict
		}
		return IngestResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "append version")
	}

	d.setCachedHash(ctx, doc.ID, hash)

	result := IngestResult{Status: StatusChanged, Document: doc, Version: version}
	if change.Event != nil {
		eventID := change.Event.ID
		result.ChangeEventID = &eventID
		if d.metrics != nil {
			d.metrics.ChangeEventsTotal.Inc()
		}
		if d.queue != nil {
			d.queue.Enqueue(ctx, eventID)
		}
		d.log.InfoContext(ctx, "change detected",
			"document_id", doc.ID.String(),
			"version_id", version.ID.String(),
			"change_event_id", eventID.String(),
			"seq", version.Seq)
	} else {
		d.log.InfoContext(ctx, "document first seen",
			"document_id", doc.ID.String(),
			"version_id", version.ID.String())
	}
	return result, nil
}

func (d *Detector) cachedHash(ctx context.Context, docID domain.DocumentID) content.Hash {
	if d.cache == nil {
		return ""
	}
	hash, err := d.cache.LatestHash(ctx, docID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			d.log.WarnContext(ctx, "fingerprint cache read failed", "error", err.Error())
		}
		return ""
	}
	return hash
}

func (d *Detector) setCachedHash(ctx context.Context, docID domain.DocumentID, hash content.Hash) {
	if d.cache == nil {
		return
	}
	// Lost writes are tolerable: a hit is always confirmed against the ledger.
	if err := d.cache.SetLatestHash(ctx, docID, hash); err != nil {
		d.log.WarnContext(ctx, "fingerprint cache write failed", "error", err.Error())
	}
}

func (d *Detector) incIngest(outcome string) {
	if d.metrics != nil {
		d.metrics.IncIngest(outcome)
	}
}
