// Package assess turns change events into impact assessments. The generation
// provider is an unreliable external dependency: calls are retried with
// bounded exponential backoff, and exhaustion persists a degraded record
// rather than leaving the version unassessed. Everything is idempotent per
// document version, so at-least-once job delivery is safe.
package assess

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"regradar/internal/diff"
	"regradar/internal/ledger"
	"regradar/internal/platform/metrics"
	"regradar/pkg/domain"
	dErrors "regradar/pkg/domain-errors"
	"regradar/pkg/platform/sentinel"
)

// Status reflects how an assessment was produced.
type Status string

const (
	// StatusPublished is a complete assessment that passed the citation guard.
	StatusPublished Status = "published"
	// StatusNeedsReview is complete but cites material not present in the
	// document, so a human should check it before distribution.
	StatusNeedsReview Status = "needs_review"
	// StatusDegraded is the placeholder persisted when the generation
	// service stayed down past the retry budget. Regenerate replaces it.
	StatusDegraded Status = "degraded"
)

// Assessment is the derived judgment for one document version. Score is nil
// on degraded records; otherwise it is a severity in [0, 1].
type Assessment struct {
	ID        domain.AssessmentID
	VersionID domain.VersionID
	Summary   string
	Actions   []string
	Score     *float64
	Status    Status
	CreatedAt time.Time
}

// Request is the context handed to a provider.
type Request struct {
	ExternalID string
	DiffText   string
	Content    string
}

// Result is a provider's raw judgment before scoring and guarding.
type Result struct {
	Summary    string
	Actions    []string
	Citations  []string
	Priority   string // low | medium | high
	Confidence float64
}

// Provider is the capability interface for the external generation service.
// Implementations may be non-deterministic, slow, and fallible; the service
// layer owns retries and idempotency.
type Provider interface {
	Assess(ctx context.Context, req Request) (Result, error)
}

// Filter narrows List.
type Filter struct {
	Since    *time.Time
	Until    *time.Time
	MinScore *float64
}

// Store persists assessments. Implementations must enforce uniqueness on
// document version by constraint so racing assessors resolve to one winner.
type Store interface {
	// Create returns sentinel.ErrConflict when the version already has a row.
	Create(ctx context.Context, a *Assessment) error
	GetByID(ctx context.Context, id domain.AssessmentID) (*Assessment, error)
	GetByVersion(ctx context.Context, versionID domain.VersionID) (*Assessment, error)
	// Replace swaps the version's row atomically; never leaves two rows.
	Replace(ctx context.Context, a *Assessment) error
	List(ctx context.Context, filter Filter) ([]*Assessment, error)
}

// priorityWeights scale model confidence into a severity score.
var priorityWeights = map[string]float64{
	"low":    1,
	"medium": 2,
	"high":   3,
}

// Service orchestrates idempotent assessment of change events.
type Service struct {
	store       Store
	ledger      ledger.Store
	provider    Provider
	log         *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	backoffBase time.Duration
}

// NewService creates an assessment service. maxAttempts bounds provider
// calls per assessment (first try included); backoffBase is the first retry
// delay, doubled on each subsequent retry.
func NewService(store Store, lg ledger.Store, provider Provider, log *slog.Logger, m *metrics.Metrics, maxAttempts int, backoffBase time.Duration) *Service {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Service{
		store:       store,
		ledger:      lg,
		provider:    provider,
		log:         log,
		metrics:     m,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

// Assess produces the assessment for a change event. Idempotent on the
// event's document version: an existing row is returned untouched.
func (s *Service) Assess(ctx context.Context, eventID domain.ChangeEventID) (*Assessment, error) {
	event, err := s.ledger.GetChangeEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "change event not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load change event")
	}

	if existing, err := s.store.GetByVersion(ctx, event.VersionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "check existing assessment")
	}

	a, err := s.build(ctx, event.VersionID, event.Diff)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, a); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// A concurrent assessor won; its row is the assessment.
			return s.store.GetByVersion(ctx, event.VersionID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist assessment")
	}
	if s.metrics != nil {
		s.metrics.IncAssessment(string(a.Status))
	}
	return a, nil
}

// Regenerate replaces the assessment for a version, atomically. Works for
// first versions too, which have no change event: the diff is the initial
// marker computed from the version content.
func (s *Service) Regenerate(ctx context.Context, versionID domain.VersionID) (*Assessment, error) {
	d, err := s.diffForVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	a, err := s.build(ctx, versionID, d)
	if err != nil {
		return nil, err
	}

	if err := s.store.Replace(ctx, a); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "replace assessment")
	}
	if s.metrics != nil {
		s.metrics.IncAssessment(string(a.Status))
	}
	return a, nil
}

func (s *Service) diffForVersion(ctx context.Context, versionID domain.VersionID) (diff.Document, error) {
	event, err := s.ledger.GetChangeEventByVersion(ctx, versionID)
	if err == nil {
		return event.Diff, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return diff.Document{}, dErrors.Wrap(err, dErrors.CodeInternal, "load change event")
	}
	version, err := s.ledger.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return diff.Document{}, dErrors.New(dErrors.CodeNotFound, "version not found")
		}
		return diff.Document{}, dErrors.Wrap(err, dErrors.CodeInternal, "load version")
	}
	return diff.Compute(nil, version.Content)
}

// build runs the provider with retries and shapes the row to persist. A
// provider failure past the budget yields a degraded row, never an error:
// the record keeps the version visible for Regenerate.
func (s *Service) build(ctx context.Context, versionID domain.VersionID, d diff.Document) (*Assessment, error) {
	version, err := s.ledger.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "version not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load version")
	}
	doc, err := s.ledger.GetDocument(ctx, version.DocumentID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load document")
	}

	start := time.Now()
	result, err := s.callWithRetry(ctx, Request{
		ExternalID: doc.ExternalID,
		DiffText:   d.Unified,
		Content:    string(version.Content),
	})
	if s.metrics != nil {
		s.metrics.AssessmentDuration.Observe(time.Since(start).Seconds())
	}

	a := &Assessment{
		ID:        domain.NewAssessmentID(),
		VersionID: versionID,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		// Cancellation is not provider exhaustion: the job was interrupted,
		// not retried to the limit. Leave no row so a redelivery starts the
		// attempts over instead of being pinned to a degraded record.
		if ctx.Err() != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "assessment interrupted")
		}
		s.log.WarnContext(ctx, "assessment degraded after retries",
			"version_id", versionID.String(), "error", err.Error())
		a.Summary = "assessment pending: generation service unavailable"
		a.Actions = []string{}
		a.Status = StatusDegraded
		return a, nil
	}

	score := scoreOf(result)
	a.Summary = result.Summary
	a.Actions = result.Actions
	if a.Actions == nil {
		a.Actions = []string{}
	}
	a.Score = &score
	a.Status = StatusPublished
	if !citationsGrounded(result.Citations, version.Content) {
		a.Status = StatusNeedsReview
	}
	return a, nil
}

func (s *Service) callWithRetry(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	delay := s.backoffBase
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err := s.provider.Assess(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		if s.metrics != nil {
			s.metrics.AssessmentRetries.Inc()
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return Result{}, dErrors.Wrap(lastErr, dErrors.CodeUnavailable, "generation service failed")
}

// scoreOf maps priority weight x confidence into [0, 1].
func scoreOf(r Result) float64 {
	weight, ok := priorityWeights[strings.ToLower(r.Priority)]
	if !ok {
		weight = priorityWeights["low"]
	}
	confidence := r.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return weight * confidence / priorityWeights["high"]
}

// citationsGrounded checks every cited reference appears in the document.
func citationsGrounded(citations []string, content []byte) bool {
	text := string(content)
	for _, c := range citations {
		if c == "" {
			continue
		}
		if !strings.Contains(text, c) {
			return false
		}
	}
	return true
}
