package assess

import (
	"context"
	"sort"
	"sync"

	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
)

// InMemoryStore keeps assessments in maps, enforcing the same one-row-per-
// version constraint the Postgres schema does.
type InMemoryStore struct {
	mu        sync.RWMutex
	byID      map[domain.AssessmentID]*Assessment
	byVersion map[domain.VersionID]domain.AssessmentID
}

// NewInMemoryStore creates an empty assessment store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:      make(map[domain.AssessmentID]*Assessment),
		byVersion: make(map[domain.VersionID]domain.AssessmentID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byVersion[a.VersionID]; exists {
		return sentinel.ErrConflict
	}
	cp := copyAssessment(a)
	s.byID[a.ID] = cp
	s.byVersion[a.VersionID] = a.ID
	return nil
}

func (s *InMemoryStore) GetByID(_ context.Context, id domain.AssessmentID) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyAssessment(a), nil
}

func (s *InMemoryStore) GetByVersion(_ context.Context, versionID domain.VersionID) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byVersion[versionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyAssessment(s.byID[id]), nil
}

func (s *InMemoryStore) Replace(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byVersion[a.VersionID]; ok {
		delete(s.byID, prev)
	}
	cp := copyAssessment(a)
	s.byID[a.ID] = cp
	s.byVersion[a.VersionID] = a.ID
	return nil
}

func (s *InMemoryStore) List(_ context.Context, filter Filter) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Assessment
	for _, a := range s.byID {
		if filter.Since != nil && a.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && a.CreatedAt.After(*filter.Until) {
			continue
		}
		if filter.MinScore != nil && (a.Score == nil || *a.Score < *filter.MinScore) {
			continue
		}
		out = append(out, copyAssessment(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func copyAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Actions = append([]string(nil), a.Actions...)
	if a.Score != nil {
		score := *a.Score
		cp.Score = &score
	}
	return &cp
}
