// Package version keeps the append-only history of a document and restores
// earlier states by appending rollback versions.
package version

import (
	"context"
	"errors"
	"time"

	"naskahsync/internal/content"
)

var (
	ErrNotFound = errors.New("version: not found")
	// ErrVersionMismatch is returned when a version does not belong to the
	// document it was requested for.
	ErrVersionMismatch = errors.New("version: version belongs to another document")
)

// Version is an immutable snapshot. Numbers start at 1 and only grow.
type Version struct {
	ID             string           `json:"id"`
	DocumentID     string           `json:"document_id"`
	Number         int              `json:"number"`
	Content        content.Snapshot `json:"content"`
	AuthorID       string           `json:"author_id"`
	Summary        string           `json:"summary"`
	IsRollback     bool             `json:"is_rollback"`
	RolledBackFrom *string          `json:"rolled_back_from,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// DocumentState is the part of a document the coordinator reads and, on
// rollback, writes.
type DocumentState struct {
	ID        string           `json:"id"`
	Content   content.Snapshot `json:"content"`
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Summarizer describes the change from prev (nil for the first version) to
// the content being recorded.
type Summarizer func(prev *Version, current content.Snapshot) string

// Store persists versions. AppendVersion assigns the next number while the
// document is locked. With restore set it replaces the document content with
// v.Content; otherwise v.Content is taken from the locked document. A non-nil
// summarize fills v.Summary from the latest version read in the same lock.
type Store interface {
	AppendVersion(ctx context.Context, v Version, restore bool, summarize Summarizer) (Version, DocumentState, error)
	GetVersion(ctx context.Context, versionID string) (Version, error)
	ListVersions(ctx context.Context, documentID string) ([]Version, error)
}
