package model

import (
	"errors"
	"time"

	"naskahsync/internal/content"
	"naskahsync/internal/lock"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrUnauthorized  = errors.New("unauthorized: only owner can do this")
	ErrInvalidStatus = errors.New("invalid section status")
)

type Document struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Content   content.Snapshot `json:"content"`
	Version   int              `json:"version"`
	OwnerID   string           `json:"owner_id"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type DocumentMetadata struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
	Snippet   string    `json:"snippet"`
	IsOwner   bool      `json:"is_owner"`
	Version   int       `json:"version"`
}

type CreateDocRequest struct {
	Title string `json:"title"`
}

type UpdateDocRequest struct {
	Title string `json:"title"`
}

type SaveDocRequest struct {
	DocID   string           `json:"document_id"`
	Content content.Snapshot `json:"content"`
}

type SaveDocResponse struct {
	DocID     string    `json:"document_id"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SectionStatus string

const (
	StatusNotStarted SectionStatus = "not_started"
	StatusInProgress SectionStatus = "in_progress"
	StatusInReview   SectionStatus = "in_review"
	StatusCompleted  SectionStatus = "completed"
)

func (s SectionStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusInReview, StatusCompleted:
		return true
	}
	return false
}

// Section is an independently assignable part of a document. Lock is the
// live lease, filled in when sections are listed.
type Section struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"document_id"`
	Title      string        `json:"title"`
	Position   int           `json:"position"`
	Status     SectionStatus `json:"status"`
	AssigneeID *string       `json:"assignee_id,omitempty"`
	Deadline   *time.Time    `json:"deadline,omitempty"`
	Lock       *lock.Lease   `json:"lock,omitempty"`
}

type CreateSectionRequest struct {
	DocID      string     `json:"document_id"`
	Title      string     `json:"title"`
	Position   *int       `json:"position,omitempty"`
	AssigneeID *string    `json:"assignee_id,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

type UpdateSectionRequest struct {
	Status     *SectionStatus `json:"status,omitempty"`
	AssigneeID *string        `json:"assignee_id,omitempty"`
	Deadline   *time.Time     `json:"deadline,omitempty"`
}

type AcquireLeaseRequest struct {
	SectionID string `json:"section_id"`
	TTLMillis int64  `json:"ttl_ms"`
}

type RenewLeaseRequest struct {
	LeaseID   string `json:"lease_id"`
	TTLMillis int64  `json:"ttl_ms"`
}

type ReleaseLeaseRequest struct {
	LeaseID string `json:"lease_id"`
}

type RenewLeaseResponse struct {
	OK bool `json:"ok"`
}

type CreateVersionRequest struct {
	DocID   string `json:"document_id"`
	Summary string `json:"summary"`
}

type RollbackRequest struct {
	DocID     string `json:"document_id"`
	VersionID string `json:"version_id"`
}
