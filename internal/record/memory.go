package record

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used when no Firestore project is
// configured (local development) and by tests. Documents do not survive a
// restart.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (s *MemoryStore) Create(ctx context.Context, doc *Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	stored := *doc
	stored.ID = id
	s.docs[id] = stored
	return id, nil
}

func (s *MemoryStore) Update(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		return ErrNotFound
	}
	s.docs[doc.ID] = *doc
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := doc
	return &out, nil
}

func (s *MemoryStore) List(ctx context.Context, q ListQuery) ([]*Document, error) {
	s.mu.RLock()
	matched := make([]Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if q.UserID != "" && doc.UserID != q.UserID {
			continue
		}
		if q.Status != "" && doc.Status != q.Status {
			continue
		}
		matched = append(matched, doc)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	out := make([]*Document, len(matched))
	for i := range matched {
		doc := matched[i]
		out[i] = &doc
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}
