// Package worker decouples impact assessment from ingestion. Ingestion
// enqueues change event IDs; the worker drains them and runs the assessment
// service. Enqueue drops when the buffer is full and a crashed worker loses
// in-flight jobs, so the Sweeper periodically re-enqueues change events whose
// version has no assessment yet. Assessment is idempotent per document
// version, which makes the resulting at-least-once delivery safe.
package worker

import (
	"context"
	"log/slog"

	"regradar/internal/assess"
	"regradar/pkg/domain"
)

// Queue is a buffered in-process job channel.
type Queue struct {
	ch  chan domain.ChangeEventID
	log *slog.Logger
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(size int, log *slog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan domain.ChangeEventID, size), log: log}
}

// Enqueue offers a job without blocking ingestion. Returns false when the
// buffer is full; the job is dropped and logged, to be recovered by the
// sweeper or a manual Regenerate.
func (q *Queue) Enqueue(ctx context.Context, id domain.ChangeEventID) bool {
	select {
	case q.ch <- id:
		return true
	default:
		q.log.WarnContext(ctx, "assessment queue full, dropping job",
			"change_event_id", id.String())
		return false
	}
}

// Jobs exposes the consuming side of the queue.
func (q *Queue) Jobs() <-chan domain.ChangeEventID {
	return q.ch
}

// Assessor is the slice of the assessment service the worker needs.
type Assessor interface {
	Assess(ctx context.Context, eventID domain.ChangeEventID) (*assess.Assessment, error)
}

// Worker consumes assessment jobs until its context is canceled.
type Worker struct {
	assessor Assessor
	jobs     <-chan domain.ChangeEventID
	log      *slog.Logger
}

// NewWorker creates a worker reading from the given job channel.
func NewWorker(assessor Assessor, jobs <-chan domain.ChangeEventID, log *slog.Logger) *Worker {
	return &Worker{assessor: assessor, jobs: jobs, log: log}
}

// Run blocks until ctx is canceled. Job failures are logged, not fatal:
// the assessment service has already persisted a degraded record or the
// failure is transient and a re-run will be idempotent.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case eventID := <-w.jobs:
			a, err := w.assessor.Assess(ctx, eventID)
			if err != nil {
				w.log.ErrorContext(ctx, "assessment job failed",
					"change_event_id", eventID.String(), "error", err.Error())
				continue
			}
			w.log.InfoContext(ctx, "assessment recorded",
				"change_event_id", eventID.String(),
				"assessment_id", a.ID.String(),
				"status", string(a.Status))
		}
	}
}
