package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"regradar/internal/content"
	"regradar/internal/diff"
	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
)

type LedgerSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	src   *Source
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()

	src, err := s.store.EnsureSource(s.ctx, "EUR-Lex", "https://eur-lex.example/feed")
	s.Require().NoError(err)
	s.src = src
}

func (s *LedgerSuite) appendChange(docID domain.DocumentID, body string, prevSeq int64, prevID *domain.VersionID) *DocumentVersion {
	change := AppendChange{
		DocumentID:  docID,
		Content:     []byte(body),
		ContentHash: content.Fingerprint([]byte(body)),
		PrevSeq:     prevSeq,
	}
	if prevSeq > 0 {
		change.Event = &ChangeEvent{
			ID:            domain.NewChangeEventID(),
			PrevVersionID: prevID,
			Diff:          diff.Document{Kind: diff.KindEdit, Unified: "@@ -1 +1 @@\n-old\n+new\n"},
		}
	}
	v, err := s.store.AppendVersion(s.ctx, change)
	s.Require().NoError(err)
	return v
}

func (s *LedgerSuite) TestEnsureSourceIdempotent() {
	again, err := s.store.EnsureSource(s.ctx, "EUR-Lex", "https://eur-lex.example/feed")
	s.Require().NoError(err)
	s.Equal(s.src.ID, again.ID)
}

func (s *LedgerSuite) TestEnsureDocument() {
	s.Run("creates on first sighting", func() {
		doc, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-1")
		s.Require().NoError(err)
		s.Equal("ext-1", doc.ExternalID)
	})

	s.Run("idempotent on repeat sighting", func() {
		first, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-2")
		s.Require().NoError(err)
		second, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-2")
		s.Require().NoError(err)
		s.Equal(first.ID, second.ID)
	})

	s.Run("rejects unknown source", func() {
		_, err := s.store.EnsureDocument(s.ctx, domain.NewSourceID(), "ext-3")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *LedgerSuite) TestLatestVersion() {
	doc, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-1")
	s.Require().NoError(err)

	s.Run("no versions yet", func() {
		_, err := s.store.LatestVersion(s.ctx, doc.ID)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("follows sequence order", func() {
		v1 := s.appendChange(doc.ID, "v1", 0, nil)
		v2 := s.appendChange(doc.ID, "v2", v1.Seq, &v1.ID)

		latest, err := s.store.LatestVersion(s.ctx, doc.ID)
		s.Require().NoError(err)
		s.Equal(v2.ID, latest.ID)
		s.Equal(int64(2), latest.Seq)
	})
}

func (s *LedgerSuite) TestLatestHash() {
	doc, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-1")
	s.Require().NoError(err)

	s.Run("no versions yet", func() {
		_, err := s.store.LatestHash(s.ctx, doc.ID)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("tracks the latest version", func() {
		v1 := s.appendChange(doc.ID, "v1", 0, nil)
		v2 := s.appendChange(doc.ID, "v2", v1.Seq, &v1.ID)

		hash, err := s.store.LatestHash(s.ctx, doc.ID)
		s.Require().NoError(err)
		s.Equal(v2.ContentHash, hash)
	})
}

func (s *LedgerSuite) TestAppendConflictOnStaleSequence() {
	doc, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-1")
	s.Require().NoError(err)

	v1 := s.appendChange(doc.ID, "v1", 0, nil)
	s.appendChange(doc.ID, "v2", v1.Seq, &v1.ID)

	// A writer still holding the v1 view must lose.
	_, err = s.store.AppendVersion(s.ctx, AppendChange{
		DocumentID:  doc.ID,
		Content:     []byte("v2-racer"),
		ContentHash: content.Fingerprint([]byte("v2-racer")),
		PrevSeq:     v1.Seq,
		Event: &ChangeEvent{
			ID:            domain.NewChangeEventID(),
			PrevVersionID: &v1.ID,
			Diff:          diff.Document{Kind: diff.KindEdit},
		},
	})
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

// TestLinearHistoryUnderRace verifies that concurrent appends against the same
// observed latest version produce exactly one winner and no gaps.
func (s *LedgerSuite) TestLinearHistoryUnderRace() {
	doc, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-1")
	s.Require().NoError(err)
	v1 := s.appendChange(doc.ID, "base", 0, nil)

	const racers = 20
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.AppendVersion(s.ctx, AppendChange{
				DocumentID:  doc.ID,
				Content:     []byte("contender"),
				ContentHash: content.Fingerprint([]byte("contender")),
				PrevSeq:     v1.Seq,
				Event: &ChangeEvent{
					ID:            domain.NewChangeEventID(),
					PrevVersionID: &v1.ID,
					Diff:          diff.Document{Kind: diff.KindEdit},
				},
			})
			switch {
			case err == nil:
				wins.Add(1)
			default:
				s.ErrorIs(err, sentinel.ErrConflict)
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one append should win the slot")
	s.Equal(int32(racers-1), conflicts.Load())

	versions, err := s.store.ListVersions(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Len(versions, 2)
	s.Equal(int64(1), versions[0].Seq)
	s.Equal(int64(2), versions[1].Seq)
}

func (s *LedgerSuite) TestChangeEventLookups() {
	doc, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-1")
	s.Require().NoError(err)
	v1 := s.appendChange(doc.ID, "v1", 0, nil)
	v2 := s.appendChange(doc.ID, "v2", v1.Seq, &v1.ID)

	s.Run("first version has no event", func() {
		_, err := s.store.GetChangeEventByVersion(s.ctx, v1.ID)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("event is linked to both versions", func() {
		event, err := s.store.GetChangeEventByVersion(s.ctx, v2.ID)
		s.Require().NoError(err)
		s.Equal(v2.ID, event.VersionID)
		s.Require().NotNil(event.PrevVersionID)
		s.Equal(v1.ID, *event.PrevVersionID)

		byID, err := s.store.GetChangeEvent(s.ctx, event.ID)
		s.Require().NoError(err)
		s.Equal(event.VersionID, byID.VersionID)
	})
}

func (s *LedgerSuite) TestListChangeEventsFilterBySource() {
	otherSrc, err := s.store.EnsureSource(s.ctx, "W3C", "https://w3c.example/feed")
	s.Require().NoError(err)

	docA, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-a")
	s.Require().NoError(err)
	docB, err := s.store.EnsureDocument(s.ctx, otherSrc.ID, "ext-b")
	s.Require().NoError(err)

	a1 := s.appendChange(docA.ID, "a1", 0, nil)
	s.appendChange(docA.ID, "a2", a1.Seq, &a1.ID)
	b1 := s.appendChange(docB.ID, "b1", 0, nil)
	s.appendChange(docB.ID, "b2", b1.Seq, &b1.ID)

	all, err := s.store.ListChangeEvents(s.ctx, ChangeFilter{})
	s.Require().NoError(err)
	s.Len(all, 2)

	onlyA, err := s.store.ListChangeEvents(s.ctx, ChangeFilter{SourceID: &s.src.ID})
	s.Require().NoError(err)
	s.Require().Len(onlyA, 1)

	ver, err := s.store.GetVersion(s.ctx, onlyA[0].VersionID)
	s.Require().NoError(err)
	s.Equal(docA.ID, ver.DocumentID)
}

func (s *LedgerSuite) TestListChangeEventsPaging() {
	doc, err := s.store.EnsureDocument(s.ctx, s.src.ID, "ext-a")
	s.Require().NoError(err)

	prev := s.appendChange(doc.ID, "v1", 0, nil)
	for i := 2; i <= 4; i++ {
		prev = s.appendChange(doc.ID, "v"+string(rune('0'+i)), prev.Seq, &prev.ID)
	}

	total, err := s.store.CountChangeEvents(s.ctx, ChangeFilter{})
	s.Require().NoError(err)
	s.Equal(3, total)

	page, err := s.store.ListChangeEvents(s.ctx, ChangeFilter{Limit: 2})
	s.Require().NoError(err)
	s.Len(page, 2)

	rest, err := s.store.ListChangeEvents(s.ctx, ChangeFilter{Limit: 2, Offset: 2})
	s.Require().NoError(err)
	s.Len(rest, 1)

	// The count ignores paging; past-the-end offsets return an empty page.
	none, err := s.store.ListChangeEvents(s.ctx, ChangeFilter{Limit: 2, Offset: 5})
	s.Require().NoError(err)
	s.Empty(none)
}
