package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"regradar/internal/content"
	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
)

// InMemory is a Store backed by maps. It mirrors the constraints the Postgres
// store gets from the schema so unit tests exercise the same failure modes.
type InMemory struct {
	mu        sync.RWMutex
	sources   map[domain.SourceID]*Source
	documents map[domain.DocumentID]*Document
	versions  map[domain.VersionID]*DocumentVersion
	events    map[domain.ChangeEventID]*ChangeEvent

	sourceByURL   map[string]domain.SourceID
	docByKey      map[string]domain.DocumentID // sourceID + "\x00" + externalID
	eventByVer    map[domain.VersionID]domain.ChangeEventID
	versionsByDoc map[domain.DocumentID][]domain.VersionID
}

// NewInMemory creates an empty in-memory ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		sources:       make(map[domain.SourceID]*Source),
		documents:     make(map[domain.DocumentID]*Document),
		versions:      make(map[domain.VersionID]*DocumentVersion),
		events:        make(map[domain.ChangeEventID]*ChangeEvent),
		sourceByURL:   make(map[string]domain.SourceID),
		docByKey:      make(map[string]domain.DocumentID),
		eventByVer:    make(map[domain.VersionID]domain.ChangeEventID),
		versionsByDoc: make(map[domain.DocumentID][]domain.VersionID),
	}
}

func docKey(sourceID domain.SourceID, externalID string) string {
	return sourceID.String() + "\x00" + externalID
}

func (s *InMemory) EnsureSource(_ context.Context, name, url string) (*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(url)
	if id, ok := s.sourceByURL[key]; ok {
		cp := *s.sources[id]
		return &cp, nil
	}
	src := &Source{
		ID:        domain.NewSourceID(),
		Name:      name,
		URL:       key,
		CreatedAt: time.Now().UTC(),
	}
	s.sources[src.ID] = src
	s.sourceByURL[key] = src.ID
	cp := *src
	return &cp, nil
}

func (s *InMemory) GetSource(_ context.Context, id domain.SourceID) (*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (s *InMemory) EnsureDocument(_ context.Context, sourceID domain.SourceID, externalID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sources[sourceID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	key := docKey(sourceID, externalID)
	if id, ok := s.docByKey[key]; ok {
		cp := *s.documents[id]
		return &cp, nil
	}
	doc := &Document{
		ID:         domain.NewDocumentID(),
		SourceID:   sourceID,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}
	s.documents[doc.ID] = doc
	s.docByKey[key] = doc.ID
	cp := *doc
	return &cp, nil
}

func (s *InMemory) GetDocument(_ context.Context, id domain.DocumentID) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *InMemory) LatestVersion(_ context.Context, documentID domain.DocumentID) (*DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latestLocked(documentID)
}

func (s *InMemory) latestLocked(documentID domain.DocumentID) (*DocumentVersion, error) {
	ids := s.versionsByDoc[documentID]
	var latest *DocumentVersion
	for _, id := range ids {
		v := s.versions[id]
		if latest == nil || v.Seq > latest.Seq {
			latest = v
		}
	}
	if latest == nil {
		return nil, sentinel.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *InMemory) LatestHash(_ context.Context, documentID domain.DocumentID) (content.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest, err := s.latestLocked(documentID)
	if err != nil {
		return "", err
	}
	return latest.ContentHash, nil
}

func (s *InMemory) AppendVersion(_ context.Context, change AppendChange) (*DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[change.DocumentID]; !ok {
		return nil, sentinel.ErrNotFound
	}

	// Optimistic concurrency: the (document_id, seq) slot must be free.
	seq := change.PrevSeq + 1
	for _, id := range s.versionsByDoc[change.DocumentID] {
		if s.versions[id].Seq >= seq {
			return nil, sentinel.ErrConflict
		}
	}

	now := time.Now().UTC()
	version := &DocumentVersion{
		ID:          domain.NewVersionID(),
		DocumentID:  change.DocumentID,
		Seq:         seq,
		ContentHash: change.ContentHash,
		Content:     append([]byte(nil), change.Content...),
		CreatedAt:   now,
	}
	s.versions[version.ID] = version
	s.versionsByDoc[change.DocumentID] = append(s.versionsByDoc[change.DocumentID], version.ID)

	if change.Event != nil {
		event := *change.Event
		event.VersionID = version.ID
		event.CreatedAt = now
		if _, exists := s.eventByVer[event.VersionID]; exists {
			return nil, sentinel.ErrConflict
		}
		s.events[event.ID] = &event
		s.eventByVer[event.VersionID] = event.ID
	}

	cp := *version
	return &cp, nil
}

func (s *InMemory) GetVersion(_ context.Context, id domain.VersionID) (*DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *InMemory) ListVersions(_ context.Context, documentID domain.DocumentID) ([]*DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DocumentVersion
	for _, id := range s.versionsByDoc[documentID] {
		cp := *s.versions[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *InMemory) GetChangeEvent(_ context.Context, id domain.ChangeEventID) (*ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *InMemory) GetChangeEventByVersion(_ context.Context, versionID domain.VersionID) (*ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.eventByVer[versionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.events[id]
	return &cp, nil
}

func (s *InMemory) ListChangeEvents(_ context.Context, filter ChangeFilter) ([]*ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ChangeEvent
	for _, e := range s.events {
		if !s.matchesLocked(e, filter) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemory) CountChangeEvents(_ context.Context, filter ChangeFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.events {
		if s.matchesLocked(e, filter) {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) matchesLocked(e *ChangeEvent, filter ChangeFilter) bool {
	if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && e.CreatedAt.After(*filter.Until) {
		return false
	}
	if filter.SourceID != nil {
		version := s.versions[e.VersionID]
		doc := s.documents[version.DocumentID]
		if doc.SourceID != *filter.SourceID {
			return false
		}
	}
	return true
}
