package assess

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"regradar/internal/content"
	"regradar/internal/diff"
	"regradar/internal/ledger"
	"regradar/pkg/domain"
	dErrors "regradar/pkg/domain-errors"
	"regradar/pkg/platform/sentinel"
)

// countingProvider fails the first failures calls, then returns result.
type countingProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	lastReq  Request
	result   Result
}

func (p *countingProvider) Assess(_ context.Context, req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.calls <= p.failures {
		return Result{}, errors.New("upstream timeout")
	}
	return p.result, nil
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func publishedResult() Result {
	return Result{
		Summary:    "Reporting cadence tightened.",
		Actions:    []string{"Update the compliance calendar."},
		Priority:   "medium",
		Confidence: 0.8,
	}
}

type AssessSuite struct {
	suite.Suite
	ledger *ledger.InMemory
	store  *InMemoryStore
	doc    *ledger.Document
}

func (s *AssessSuite) SetupTest() {
	ctx := context.Background()
	s.ledger = ledger.NewInMemory()
	s.store = NewInMemoryStore()

	src, err := s.ledger.EnsureSource(ctx, "Federal Register", "https://example.gov/feed")
	s.Require().NoError(err)
	doc, err := s.ledger.EnsureDocument(ctx, src.ID, "rule-a")
	s.Require().NoError(err)
	s.doc = doc
}

func TestAssessSuite(t *testing.T) {
	suite.Run(t, new(AssessSuite))
}

// appendVersion appends body as the next version, with a change event unless
// it is the document's first version.
func (s *AssessSuite) appendVersion(body string, prev *ledger.DocumentVersion) (*ledger.DocumentVersion, *ledger.ChangeEvent) {
	ctx := context.Background()
	change := ledger.AppendChange{
		DocumentID:  s.doc.ID,
		Content:     []byte(body),
		ContentHash: content.Fingerprint([]byte(body)),
	}
	if prev != nil {
		d, err := diff.Compute(prev.Content, []byte(body))
		s.Require().NoError(err)
		prevID := prev.ID
		change.PrevSeq = prev.Seq
		change.Event = &ledger.ChangeEvent{
			ID:            domain.NewChangeEventID(),
			PrevVersionID: &prevID,
			Diff:          d,
		}
	}
	version, err := s.ledger.AppendVersion(ctx, change)
	s.Require().NoError(err)
	return version, change.Event
}

func (s *AssessSuite) service(p Provider, maxAttempts int) *Service {
	return NewService(s.store, s.ledger, p, slog.Default(), nil, maxAttempts, 0)
}

func (s *AssessSuite) TestAssessPublishesAndScores() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	v2, event := s.appendVersion("Rule A v2\n", v1)

	provider := &countingProvider{result: publishedResult()}
	svc := s.service(provider, 3)

	a, err := svc.Assess(ctx, event.ID)
	s.Require().NoError(err)
	s.Equal(v2.ID, a.VersionID)
	s.Equal(StatusPublished, a.Status)
	s.Require().NotNil(a.Score)
	// medium weight 2 x confidence 0.8 / high weight 3
	s.InDelta(2*0.8/3, *a.Score, 1e-9)
	s.Equal(1, provider.callCount())

	// Provider saw the event's diff, not the full history.
	s.Contains(provider.lastReq.DiffText, "+Rule A v2")
}

func (s *AssessSuite) TestAssessIsIdempotentPerVersion() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	_, event := s.appendVersion("Rule A v2\n", v1)

	provider := &countingProvider{result: publishedResult()}
	svc := s.service(provider, 3)

	first, err := svc.Assess(ctx, event.ID)
	s.Require().NoError(err)
	second, err := svc.Assess(ctx, event.ID)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal(1, provider.callCount())

	all, err := s.store.List(ctx, Filter{})
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *AssessSuite) TestRetriesUntilProviderRecovers() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	_, event := s.appendVersion("Rule A v2\n", v1)

	provider := &countingProvider{failures: 3, result: publishedResult()}
	svc := s.service(provider, 4)

	a, err := svc.Assess(ctx, event.ID)
	s.Require().NoError(err)
	s.Equal(StatusPublished, a.Status)
	s.Equal(4, provider.callCount())
}

func (s *AssessSuite) TestExhaustionPersistsDegradedRecord() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	v2, event := s.appendVersion("Rule A v2\n", v1)

	provider := &countingProvider{failures: 100}
	svc := s.service(provider, 3)

	a, err := svc.Assess(ctx, event.ID)
	s.Require().NoError(err)
	s.Equal(StatusDegraded, a.Status)
	s.Nil(a.Score)
	s.NotNil(a.Actions)
	s.Empty(a.Actions)
	s.Contains(a.Summary, "pending")
	s.Equal(3, provider.callCount())

	// The degraded row is persisted, not transient.
	stored, err := s.store.GetByVersion(ctx, v2.ID)
	s.Require().NoError(err)
	s.Equal(StatusDegraded, stored.Status)
}

func (s *AssessSuite) TestCancellationLeavesNoRecord() {
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	v2, event := s.appendVersion("Rule A v2\n", v1)

	provider := &countingProvider{failures: 100, result: publishedResult()}
	svc := s.service(provider, 3)

	// A worker shutdown mid-job must not burn the version's idempotency slot
	// with a degraded row after a single attempt.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Assess(ctx, event.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Equal(1, provider.callCount())

	_, err = s.store.GetByVersion(context.Background(), v2.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	// Redelivery after the provider recovers publishes normally.
	provider.mu.Lock()
	provider.failures = 0
	provider.mu.Unlock()
	a, err := svc.Assess(context.Background(), event.ID)
	s.Require().NoError(err)
	s.Equal(StatusPublished, a.Status)
}

func (s *AssessSuite) TestConcurrentAssessorsProduceOneRow() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	_, event := s.appendVersion("Rule A v2\n", v1)

	provider := &countingProvider{result: publishedResult()}
	svc := s.service(provider, 3)

	const racers = 10
	var wg sync.WaitGroup
	results := make([]*Assessment, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Assess(ctx, event.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		s.Require().NoError(errs[i])
		s.Equal(results[0].ID, results[i].ID)
	}

	all, err := s.store.List(ctx, Filter{})
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *AssessSuite) TestRegenerateReplacesDegradedRecord() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	v2, event := s.appendVersion("Rule A v2\n", v1)

	down := &countingProvider{failures: 100}
	degradedSvc := s.service(down, 2)
	degraded, err := degradedSvc.Assess(ctx, event.ID)
	s.Require().NoError(err)
	s.Equal(StatusDegraded, degraded.Status)

	recovered := &countingProvider{result: publishedResult()}
	svc := s.service(recovered, 3)
	replacement, err := svc.Regenerate(ctx, v2.ID)
	s.Require().NoError(err)
	s.Equal(StatusPublished, replacement.Status)
	s.NotEqual(degraded.ID, replacement.ID)

	stored, err := s.store.GetByVersion(ctx, v2.ID)
	s.Require().NoError(err)
	s.Equal(replacement.ID, stored.ID)

	all, err := s.store.List(ctx, Filter{})
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *AssessSuite) TestRegenerateFirstVersionUsesInitialMarker() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)

	provider := &countingProvider{result: publishedResult()}
	svc := s.service(provider, 3)

	a, err := svc.Regenerate(ctx, v1.ID)
	s.Require().NoError(err)
	s.Equal(StatusPublished, a.Status)
	s.Equal(diff.InitialMarker, provider.lastReq.DiffText)
}

func (s *AssessSuite) TestUngroundedCitationsNeedReview() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	_, event := s.appendVersion("Rule A v2\n", v1)

	result := publishedResult()
	result.Citations = []string{"Section 99: quote not in the document"}
	provider := &countingProvider{result: result}
	svc := s.service(provider, 3)

	a, err := svc.Assess(ctx, event.ID)
	s.Require().NoError(err)
	s.Equal(StatusNeedsReview, a.Status)
	s.NotNil(a.Score)
}

func (s *AssessSuite) TestGroundedCitationsPublish() {
	ctx := context.Background()
	v1, _ := s.appendVersion("Rule A v1\n", nil)
	_, event := s.appendVersion("Rule A v2\nReports are due quarterly.\n", v1)

	result := publishedResult()
	result.Citations = []string{"Reports are due quarterly."}
	provider := &countingProvider{result: result}
	svc := s.service(provider, 3)

	a, err := svc.Assess(ctx, event.ID)
	s.Require().NoError(err)
	s.Equal(StatusPublished, a.Status)
}

func (s *AssessSuite) TestAssessUnknownEvent() {
	provider := &countingProvider{result: publishedResult()}
	svc := s.service(provider, 3)

	_, err := svc.Assess(context.Background(), domain.NewChangeEventID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestScoreOf(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want float64
	}{
		{"high full confidence", Result{Priority: "high", Confidence: 1}, 1},
		{"medium", Result{Priority: "medium", Confidence: 0.6}, 2 * 0.6 / 3},
		{"low", Result{Priority: "low", Confidence: 0.9}, 0.9 / 3},
		{"unknown priority falls back to low", Result{Priority: "critical", Confidence: 1}, 1.0 / 3},
		{"confidence clamped high", Result{Priority: "high", Confidence: 1.7}, 1},
		{"confidence clamped low", Result{Priority: "high", Confidence: -0.5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreOf(tt.r)
			require.InDelta(t, tt.want, got, 1e-9)
			require.GreaterOrEqual(t, got, 0.0)
			require.LessOrEqual(t, got, 1.0)
		})
	}
}
