package version

import (
	"context"
	"sync"
	"time"

	"naskahsync/internal/content"
)

// MemoryStore is a Store backed by maps, for tests and single-process use.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[string]DocumentState
	history   map[string][]Version // documentID -> versions by number
	byID      map[string]Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]DocumentState),
		history:   make(map[string][]Version),
		byID:      make(map[string]Version),
	}
}

// PutDocument creates or replaces a document's current content, as the save
// path would.
func (s *MemoryStore) PutDocument(documentID string, c content.Snapshot) DocumentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.documents[documentID]
	doc.ID = documentID
	doc.Content = c
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()
	s.documents[documentID] = doc
	return doc
}

func (s *MemoryStore) CurrentDocument(_ context.Context, documentID string) (DocumentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return DocumentState{}, ErrNotFound
	}
	return doc, nil
}

func (s *MemoryStore) AppendVersion(_ context.Context, v Version, restore bool, summarize Summarizer) (Version, DocumentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[v.DocumentID]
	if !ok {
		return Version{}, DocumentState{}, ErrNotFound
	}

	h := s.history[v.DocumentID]
	if !restore {
		v.Content = doc.Content
	}
	if summarize != nil {
		var prev *Version
		if len(h) > 0 {
			latest := h[len(h)-1]
			prev = &latest
		}
		v.Summary = summarize(prev, v.Content)
	}

	v.Number = len(h) + 1
	s.history[v.DocumentID] = append(s.history[v.DocumentID], v)
	s.byID[v.ID] = v

	if restore {
		doc.Content = v.Content
		doc.Version++
		doc.UpdatedAt = v.CreatedAt
		s.documents[v.DocumentID] = doc
	}
	return v, doc, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, versionID string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[versionID]
	if !ok {
		return Version{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, documentID string) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Version(nil), s.history[documentID]...), nil
}
