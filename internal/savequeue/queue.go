// Package savequeue stores saves that could not reach the server so they can
// be replayed later.
package savequeue

import (
	"errors"
	"sort"
	"time"

	"naskahsync/internal/content"

	"github.com/segmentio/ksuid"
)

var (
	ErrClosed   = errors.New("save queue closed")
	ErrNotFound = errors.New("queued save not found")
)

// Entry is one unsaved snapshot waiting for replay.
type Entry struct {
	ID            string           `json:"id"`
	DocumentID    string           `json:"document_id"`
	Content       content.Snapshot `json:"content"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
	Attempts      int              `json:"attempts"`
	LastAttemptAt *time.Time       `json:"last_attempt_at,omitempty"`
}

// NewEntry builds a fresh entry with a time-ordered id.
func NewEntry(documentID string, c content.Snapshot, now time.Time) Entry {
	return Entry{
		ID:         ksuid.New().String(),
		DocumentID: documentID,
		Content:    c,
		EnqueuedAt: now,
	}
}

// Queue is the durable key-value store behind the auto-save engine.
type Queue interface {
	Add(e Entry) error
	GetAllByDocument(documentID string) ([]Entry, error)
	Put(e Entry) error
	Delete(id string) error
	Close() error
}

// SortOldestFirst orders entries by enqueue time, breaking ties by id.
func SortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
}
