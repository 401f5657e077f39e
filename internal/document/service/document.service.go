package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"naskahsync/internal/content"
	"naskahsync/internal/document/model"
	"naskahsync/internal/document/repository"
	"naskahsync/internal/lock"
	"naskahsync/internal/version"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/tracing"
	"naskahsync/socket"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Events published on the content topic besides plain updates.
const (
	EventUpdate   = "update"
	EventSection  = "section"
	EventRollback = "rollback"
)

const (
	snippetLength = 100
	maxLeaseTTL   = 5 * time.Minute
)

type DocumentService struct {
	Repo     *repository.DocumentRepository
	Hub      *socket.Hub
	Leases   lock.LeaseStore
	Versions *version.Coordinator
	LeaseTTL time.Duration
}

func NewDocumentService(repo *repository.DocumentRepository, hub *socket.Hub, leases lock.LeaseStore, versions *version.Coordinator, leaseTTL time.Duration) *DocumentService {
	return &DocumentService{Repo: repo, Hub: hub, Leases: leases, Versions: versions, LeaseTTL: leaseTTL}
}

func (s *DocumentService) CreateDocument(ctx context.Context, userID, title string) (string, error) {
	docID := uuid.NewString()
	if title == "" {
		title = "Untitled Document"
	}
	err := s.Repo.Create(ctx, docID, userID, title, content.Empty)
	return docID, err
}

func (s *DocumentService) GetDocument(ctx context.Context, docID string) (model.Document, error) {
	return s.Repo.Get(ctx, docID)
}

// SaveDocument stores a full snapshot and relays it to the other editors.
func (s *DocumentService) SaveDocument(ctx context.Context, userID string, req model.SaveDocRequest) (resp model.SaveDocResponse, err error) {
	ctx, span := tracing.StartSpan(ctx, "document.Save", attribute.String("document.id", req.DocID))
	defer func() { tracing.EndSpan(span, err) }()

	number, updatedAt, err := s.Repo.UpdateContent(ctx, req.DocID, req.Content)
	if err != nil {
		return model.SaveDocResponse{}, err
	}

	s.publish(req.DocID, EventUpdate, userID, json.RawMessage(req.Content))
	return model.SaveDocResponse{DocID: req.DocID, Version: number, UpdatedAt: updatedAt}, nil
}

func (s *DocumentService) DeleteDocument(ctx context.Context, docID, userID string) error {
	ownerID, err := s.Repo.GetOwnerID(ctx, docID)
	if err != nil {
		return err
	}
	if ownerID != userID {
		return model.ErrUnauthorized
	}

	if err := s.Repo.Delete(ctx, docID); err != nil {
		return err
	}
	if s.Hub != nil {
		s.Hub.RemoveDocument(docID)
	}
	return nil
}

func (s *DocumentService) UpdateTitle(ctx context.Context, docID, userID, title string) error {
	rowsAffected, err := s.Repo.UpdateTitle(ctx, docID, title, userID)
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w or %w", model.ErrNotFound, model.ErrUnauthorized)
	}
	return nil
}

func (s *DocumentService) GetDocuments(ctx context.Context, userID string) ([]model.DocumentMetadata, error) {
	rows, err := s.Repo.GetDocumentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	docs := make([]model.DocumentMetadata, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, model.DocumentMetadata{
			ID:        row.ID,
			Title:     row.Title,
			UpdatedAt: row.UpdatedAt,
			Snippet:   content.Snippet(row.Content, snippetLength),
			IsOwner:   row.OwnerID == userID,
			Version:   row.Version,
		})
	}
	return docs, nil
}

// ListSections returns the sections of a document with their live lock, if
// any. A lease lookup failure leaves Lock empty rather than failing the list.
func (s *DocumentService) ListSections(ctx context.Context, docID string) ([]model.Section, error) {
	sections, err := s.Repo.ListSections(ctx, docID)
	if err != nil {
		return nil, err
	}
	for i := range sections {
		l, err := s.Leases.Get(ctx, sections[i].ID)
		if err != nil {
			logger.Sugar.Warnf("Lock lookup for section %s failed: %v", sections[i].ID, err)
			continue
		}
		sections[i].Lock = l
	}
	return sections, nil
}

func (s *DocumentService) CreateSection(ctx context.Context, userID string, req model.CreateSectionRequest) (model.Section, error) {
	ownerID, err := s.Repo.GetOwnerID(ctx, req.DocID)
	if err != nil {
		return model.Section{}, err
	}
	if ownerID != userID {
		return model.Section{}, model.ErrUnauthorized
	}
	if req.Title == "" {
		req.Title = "Untitled Section"
	}

	section, err := s.Repo.CreateSection(ctx, uuid.NewString(), req)
	if err != nil {
		return model.Section{}, err
	}
	s.publishSection(section, userID)
	return section, nil
}

func (s *DocumentService) UpdateSection(ctx context.Context, userID, sectionID string, req model.UpdateSectionRequest) (model.Section, error) {
	if req.Status != nil && !req.Status.Valid() {
		return model.Section{}, model.ErrInvalidStatus
	}
	section, err := s.Repo.UpdateSection(ctx, sectionID, req)
	if err != nil {
		return model.Section{}, err
	}
	s.publishSection(section, userID)
	return section, nil
}

// AcquireLease grants userID the section lock. The holder is always the
// authenticated user, never a value taken from the request body.
func (s *DocumentService) AcquireLease(ctx context.Context, userID string, req model.AcquireLeaseRequest) (lock.TryAcquireResult, error) {
	if req.SectionID == "" {
		return lock.TryAcquireResult{}, lock.ErrEmptySection
	}
	if _, err := s.Repo.GetSection(ctx, req.SectionID); err != nil {
		return lock.TryAcquireResult{}, err
	}
	return s.Leases.TryAcquire(ctx, req.SectionID, userID, s.ttl(req.TTLMillis))
}

func (s *DocumentService) RenewLease(ctx context.Context, req model.RenewLeaseRequest) (bool, error) {
	return s.Leases.Renew(ctx, req.LeaseID, s.ttl(req.TTLMillis))
}

func (s *DocumentService) ReleaseLease(ctx context.Context, req model.ReleaseLeaseRequest) error {
	return s.Leases.Release(ctx, req.LeaseID)
}

func (s *DocumentService) GetLease(ctx context.Context, sectionID string) (*lock.Lease, error) {
	return s.Leases.Get(ctx, sectionID)
}

func (s *DocumentService) CreateVersion(ctx context.Context, userID string, req model.CreateVersionRequest) (version.Version, error) {
	return s.Versions.CreateVersion(ctx, req.DocID, userID, req.Summary)
}

// Rollback restores an earlier version and pushes the restored content to
// every editor, the caller included.
func (s *DocumentService) Rollback(ctx context.Context, userID string, req model.RollbackRequest) (version.RollbackResult, error) {
	res, err := s.Versions.Rollback(ctx, req.DocID, req.VersionID, userID)
	if err != nil {
		return version.RollbackResult{}, err
	}
	s.publish(req.DocID, EventRollback, "", json.RawMessage(res.Document.Content))
	return res, nil
}

func (s *DocumentService) ListVersions(ctx context.Context, docID string) ([]version.Version, error) {
	return s.Versions.ListVersions(ctx, docID)
}

func (s *DocumentService) GetVersion(ctx context.Context, versionID string) (version.Version, error) {
	return s.Versions.GetVersion(ctx, versionID)
}

func (s *DocumentService) CompareVersions(ctx context.Context, fromID, toID string) (version.Comparison, error) {
	return s.Versions.CompareVersions(ctx, fromID, toID)
}

func (s *DocumentService) ttl(millis int64) time.Duration {
	ttl := time.Duration(millis) * time.Millisecond
	if ttl <= 0 || ttl > maxLeaseTTL {
		return s.LeaseTTL
	}
	return ttl
}

func (s *DocumentService) publishSection(section model.Section, userID string) {
	payload, err := json.Marshal(section)
	if err != nil {
		logger.Sugar.Errorf("Failed to encode section %s: %v", section.ID, err)
		return
	}
	s.publish(section.DocumentID, EventSection, userID, payload)
}

func (s *DocumentService) publish(docID, event, userID string, payload json.RawMessage) {
	if s.Hub == nil {
		return
	}
	s.Hub.Publish(docID, socket.TopicContent, event, userID, payload)
}
