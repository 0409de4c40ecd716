package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"regradar/internal/assess"
	"regradar/internal/ledger"
	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
)

// Enqueuer offers assessment jobs without blocking. Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, id domain.ChangeEventID) bool
}

// Sweeper re-enqueues change events whose version has no assessment. It closes
// the delivery gap: a full queue drops the hand-off at ingest time, and
// without the sweep only a manual Regenerate would ever assess that version.
type Sweeper struct {
	ledger   ledger.Store
	store    assess.Store
	queue    Enqueuer
	log      *slog.Logger
	interval time.Duration
}

// NewSweeper creates a sweeper that scans every interval.
func NewSweeper(lg ledger.Store, store assess.Store, queue Enqueuer, log *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		ledger:   lg,
		store:    store,
		queue:    queue,
		log:      log,
		interval: interval,
	}
}

// Run sweeps on a ticker until ctx is canceled. Sweep failures are logged,
// not fatal: the next tick retries from scratch.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.ErrorContext(ctx, "assessment sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				s.log.InfoContext(ctx, "re-enqueued unassessed change events", "count", n)
			}
		}
	}
}

// Sweep runs one scan and returns how many events it re-enqueued. Enqueueing
// an event whose job is still buffered is harmless: assessment is idempotent
// per version.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	events, err := s.ledger.ListChangeEvents(ctx, ledger.ChangeFilter{})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, event := range events {
		_, err := s.store.GetByVersion(ctx, event.VersionID)
		if err == nil {
			continue
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return requeued, err
		}
		if s.queue.Enqueue(ctx, event.ID) {
			requeued++
		}
	}
	return requeued, nil
}
