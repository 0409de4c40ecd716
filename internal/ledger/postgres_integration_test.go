//go:build integration

package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"regradar/internal/content"
	"regradar/internal/diff"
	"regradar/internal/ledger"
	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
	"regradar/pkg/testutil/containers"
)

type PostgresLedgerSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ledger.Postgres
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = ledger.NewPostgres(s.postgres.DB)
}

func (s *PostgresLedgerSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order
	err := s.postgres.TruncateTables(ctx,
		"impact_assessment", "change_event", "document_version", "document", "source")
	s.Require().NoError(err)
}

func (s *PostgresLedgerSuite) seedDocument(ctx context.Context) *ledger.Document {
	src, err := s.store.EnsureSource(ctx, "EUR-Lex", "https://eur-lex.example/feed")
	s.Require().NoError(err)
	doc, err := s.store.EnsureDocument(ctx, src.ID, "ext-1")
	s.Require().NoError(err)
	return doc
}

func (s *PostgresLedgerSuite) TestEnsureDocumentConcurrentFirstSighting() {
	ctx := context.Background()
	src, err := s.store.EnsureSource(ctx, "EUR-Lex", "https://eur-lex.example/feed")
	s.Require().NoError(err)

	const goroutines = 20
	var wg sync.WaitGroup
	ids := make([]domain.DocumentID, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc, err := s.store.EnsureDocument(ctx, src.ID, "ext-race")
			if s.NoError(err) {
				ids[idx] = doc.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		s.Equal(ids[0], id, "all callers must observe the same document")
	}
}

// TestConcurrentAppendsLinearHistory verifies the optimistic-concurrency
// invariant end to end: N racers against one observed latest version yield
// exactly one new version, and no two versions ever claim the same slot.
func (s *PostgresLedgerSuite) TestConcurrentAppendsLinearHistory() {
	ctx := context.Background()
	doc := s.seedDocument(ctx)

	base, err := s.store.AppendVersion(ctx, ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("base"),
		ContentHash: content.Fingerprint([]byte("base")),
		PrevSeq:     0,
	})
	s.Require().NoError(err)

	const racers = 50
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.AppendVersion(ctx, ledger.AppendChange{
				DocumentID:  doc.ID,
				Content:     []byte("contender"),
				ContentHash: content.Fingerprint([]byte("contender")),
				PrevSeq:     base.Seq,
				Event: &ledger.ChangeEvent{
					ID:            domain.NewChangeEventID(),
					PrevVersionID: &base.ID,
					Diff:          diff.Document{Kind: diff.KindEdit, Unified: "@@ -1 +1 @@\n-base\n+contender\n"},
				},
			})
			if err == nil {
				wins.Add(1)
			} else if errors.Is(err, sentinel.ErrConflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one append should win")
	s.Equal(int32(racers-1), conflicts.Load(), "all others should conflict")

	versions, err := s.store.ListVersions(ctx, doc.ID)
	s.Require().NoError(err)
	s.Len(versions, 2)
}

// TestConflictRollsBackChangeEvent verifies a losing append leaves no orphan
// change event behind.
func (s *PostgresLedgerSuite) TestConflictRollsBackChangeEvent() {
	ctx := context.Background()
	doc := s.seedDocument(ctx)

	v1, err := s.store.AppendVersion(ctx, ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("v1"),
		ContentHash: content.Fingerprint([]byte("v1")),
		PrevSeq:     0,
	})
	s.Require().NoError(err)

	_, err = s.store.AppendVersion(ctx, ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("v2"),
		ContentHash: content.Fingerprint([]byte("v2")),
		PrevSeq:     v1.Seq,
		Event: &ledger.ChangeEvent{
			ID:            domain.NewChangeEventID(),
			PrevVersionID: &v1.ID,
			Diff:          diff.Document{Kind: diff.KindEdit},
		},
	})
	s.Require().NoError(err)

	loserEvent := domain.NewChangeEventID()
	_, err = s.store.AppendVersion(ctx, ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("v2-racer"),
		ContentHash: content.Fingerprint([]byte("v2-racer")),
		PrevSeq:     v1.Seq,
		Event: &ledger.ChangeEvent{
			ID:            loserEvent,
			PrevVersionID: &v1.ID,
			Diff:          diff.Document{Kind: diff.KindEdit},
		},
	})
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	_, err = s.store.GetChangeEvent(ctx, loserEvent)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresLedgerSuite) TestLatestHashAndPaging() {
	ctx := context.Background()
	doc := s.seedDocument(ctx)

	_, err := s.store.LatestHash(ctx, doc.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	prev, err := s.store.AppendVersion(ctx, ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("v1"),
		ContentHash: content.Fingerprint([]byte("v1")),
		PrevSeq:     0,
	})
	s.Require().NoError(err)
	for _, body := range []string{"v2", "v3", "v4"} {
		prevID := prev.ID
		prev, err = s.store.AppendVersion(ctx, ledger.AppendChange{
			DocumentID:  doc.ID,
			Content:     []byte(body),
			ContentHash: content.Fingerprint([]byte(body)),
			PrevSeq:     prev.Seq,
			Event: &ledger.ChangeEvent{
				ID:            domain.NewChangeEventID(),
				PrevVersionID: &prevID,
				Diff:          diff.Document{Kind: diff.KindEdit},
			},
		})
		s.Require().NoError(err)
	}

	hash, err := s.store.LatestHash(ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(content.Fingerprint([]byte("v4")), hash)

	total, err := s.store.CountChangeEvents(ctx, ledger.ChangeFilter{})
	s.Require().NoError(err)
	s.Equal(3, total)

	page, err := s.store.ListChangeEvents(ctx, ledger.ChangeFilter{Limit: 2})
	s.Require().NoError(err)
	s.Len(page, 2)
	rest, err := s.store.ListChangeEvents(ctx, ledger.ChangeFilter{Limit: 2, Offset: 2})
	s.Require().NoError(err)
	s.Len(rest, 1)
}

func (s *PostgresLedgerSuite) TestDiffRoundTrip() {
	ctx := context.Background()
	doc := s.seedDocument(ctx)

	v1, err := s.store.AppendVersion(ctx, ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("Rule A v1"),
		ContentHash: content.Fingerprint([]byte("Rule A v1")),
		PrevSeq:     0,
	})
	s.Require().NoError(err)

	d, err := diff.Compute([]byte("Rule A v1"), []byte("Rule A v2"))
	s.Require().NoError(err)

	v2, err := s.store.AppendVersion(ctx, ledger.AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("Rule A v2"),
		ContentHash: content.Fingerprint([]byte("Rule A v2")),
		PrevSeq:     v1.Seq,
		Event: &ledger.ChangeEvent{
			ID:            domain.NewChangeEventID(),
			PrevVersionID: &v1.ID,
			Diff:          d,
		},
	})
	s.Require().NoError(err)

	event, err := s.store.GetChangeEventByVersion(ctx, v2.ID)
	s.Require().NoError(err)
	s.Equal(d, event.Diff)
}
