package savequeue

import (
	"sync"
)

// MemoryQueue keeps entries in process memory. It does not survive a
// restart and is meant for tests and ephemeral sessions.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]Entry
	closed  bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]Entry)}
}

func (q *MemoryQueue) Add(e Entry) error {
	return q.Put(e)
}

func (q *MemoryQueue) Put(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.entries[e.ID] = e
	return nil
}

func (q *MemoryQueue) GetAllByDocument(documentID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	var out []Entry
	for _, e := range q.entries {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	SortOldestFirst(out)
	return out, nil
}

func (q *MemoryQueue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Len is the number of queued entries across all documents.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
