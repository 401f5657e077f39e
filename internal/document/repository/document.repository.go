package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"naskahsync/internal/content"
	"naskahsync/internal/document/model"
	"naskahsync/pkg/logger"
)

type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func (r *DocumentRepository) Create(ctx context.Context, id, ownerID, title string, c content.Snapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents (id, content, version, updated_at, owner_id, title) VALUES ($1, $2, 0, NOW(), $3, $4)`,
		id, []byte(c), ownerID, title)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
	}
	return err
}

func (r *DocumentRepository) Get(ctx context.Context, docID string) (model.Document, error) {
	var (
		doc model.Document
		raw []byte
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id, title, content, version, owner_id, updated_at FROM documents WHERE id = $1`, docID).
		Scan(&doc.ID, &doc.Title, &raw, &doc.Version, &doc.OwnerID, &doc.UpdatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Sugar.Errorf("Failed to get doc %s: %v", docID, err)
		}
		return model.Document{}, notFound(err)
	}
	doc.Content = content.Snapshot(raw)
	return doc, nil
}

// DocumentContent lets the websocket hub check a document exists and send
// its stored content to new subscribers.
func (r *DocumentRepository) DocumentContent(ctx context.Context, docID string) (content.Snapshot, error) {
	var raw []byte
	err := r.DB.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = $1`, docID).Scan(&raw)
	if err != nil {
		return nil, notFound(err)
	}
	return content.Snapshot(raw), nil
}

func (r *DocumentRepository) GetOwnerID(ctx context.Context, docID string) (string, error) {
	var ownerID string
	err := r.DB.QueryRowContext(ctx, "SELECT owner_id FROM documents WHERE id = $1", docID).Scan(&ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get owner ID for doc %s: %v", docID, err)
	}
	return ownerID, notFound(err)
}

// UpdateContent stores a full snapshot and bumps the document version.
func (r *DocumentRepository) UpdateContent(ctx context.Context, docID string, c content.Snapshot) (int, time.Time, error) {
	var (
		version   int
		updatedAt time.Time
	)
	err := r.DB.QueryRowContext(ctx, `UPDATE documents SET content = $1, version = version + 1, updated_at = NOW() WHERE id = $2 RETURNING version, updated_at`,
		[]byte(c), docID).Scan(&version, &updatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to update content for doc %s: %v", docID, err)
		return 0, time.Time{}, notFound(err)
	}
	return version, updatedAt, nil
}

func (r *DocumentRepository) Delete(ctx context.Context, docID string) error {
	_, err := r.DB.ExecContext(ctx, "DELETE FROM documents WHERE id = $1", docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", docID, err)
	}
	return err
}

func (r *DocumentRepository) UpdateTitle(ctx context.Context, docID, title, ownerID string) (int64, error) {
	result, err := r.DB.ExecContext(ctx, "UPDATE documents SET title = $1, updated_at = NOW() WHERE id = $2 AND owner_id = $3", title, docID, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update title for doc %s: %v", docID, err)
		return 0, err
	}
	return result.RowsAffected()
}

// DocumentRow is a listing row before the snippet is derived.
type DocumentRow struct {
	ID        string
	Title     string
	UpdatedAt time.Time
	Content   content.Snapshot
	OwnerID   string
	Version   int
}

// GetDocumentsByUser lists documents the user owns or has a section assigned in.
func (r *DocumentRepository) GetDocumentsByUser(ctx context.Context, userID string) ([]DocumentRow, error) {
	query := `
		SELECT id, title, updated_at, content, owner_id, version FROM documents WHERE owner_id = $1
		UNION
		SELECT d.id, d.title, d.updated_at, d.content, d.owner_id, d.version FROM documents d JOIN sections s ON d.id = s.document_id WHERE s.assignee_id = $1
		ORDER BY updated_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get documents for user %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	var docs []DocumentRow
	for rows.Next() {
		var (
			d   DocumentRow
			raw []byte
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.UpdatedAt, &raw, &d.OwnerID, &d.Version); err != nil {
			logger.Sugar.Warnf("Skipping document row: %v", err)
			continue
		}
		d.Content = content.Snapshot(raw)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

const sectionColumns = `id, document_id, title, position, status, assignee_id, deadline`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSection(row scanner) (model.Section, error) {
	var (
		s        model.Section
		status   string
		assignee sql.NullString
		deadline sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.DocumentID, &s.Title, &s.Position, &status, &assignee, &deadline); err != nil {
		return model.Section{}, err
	}
	s.Status = model.SectionStatus(status)
	if assignee.Valid {
		a := assignee.String
		s.AssigneeID = &a
	}
	if deadline.Valid {
		d := deadline.Time
		s.Deadline = &d
	}
	return s, nil
}

func (r *DocumentRepository) ListSections(ctx context.Context, docID string) ([]model.Section, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE document_id = $1 ORDER BY position, id`, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list sections for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	sections := []model.Section{}
	for rows.Next() {
		s, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

func (r *DocumentRepository) GetSection(ctx context.Context, sectionID string) (model.Section, error) {
	s, err := scanSection(r.DB.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id = $1`, sectionID))
	if err != nil {
		return model.Section{}, notFound(err)
	}
	return s, nil
}

// CreateSection appends the section after the last one unless a position is given.
func (r *DocumentRepository) CreateSection(ctx context.Context, id string, req model.CreateSectionRequest) (model.Section, error) {
	var position sql.NullInt64
	if req.Position != nil {
		position = sql.NullInt64{Int64: int64(*req.Position), Valid: true}
	}
	var assignee sql.NullString
	if req.AssigneeID != nil {
		assignee = sql.NullString{String: *req.AssigneeID, Valid: true}
	}
	var deadline sql.NullTime
	if req.Deadline != nil {
		deadline = sql.NullTime{Time: *req.Deadline, Valid: true}
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO sections (id, document_id, title, position, status, assignee_id, deadline)
		VALUES ($1, $2, $3, COALESCE($4, (SELECT COALESCE(MAX(position), -1) + 1 FROM sections WHERE document_id = $2)), $5, $6, $7)
		RETURNING `+sectionColumns,
		id, req.DocID, req.Title, position, string(model.StatusNotStarted), assignee, deadline)
	s, err := scanSection(row)
	if err != nil {
		logger.Sugar.Errorf("Failed to create section in doc %s: %v", req.DocID, err)
		return model.Section{}, err
	}
	return s, nil
}

// UpdateSection changes only the fields that are set.
func (r *DocumentRepository) UpdateSection(ctx context.Context, sectionID string, req model.UpdateSectionRequest) (model.Section, error) {
	var status sql.NullString
	if req.Status != nil {
		status = sql.NullString{String: string(*req.Status), Valid: true}
	}
	var assignee sql.NullString
	if req.AssigneeID != nil {
		assignee = sql.NullString{String: *req.AssigneeID, Valid: true}
	}
	var deadline sql.NullTime
	if req.Deadline != nil {
		deadline = sql.NullTime{Time: *req.Deadline, Valid: true}
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE sections SET
			status = COALESCE($2, status),
			assignee_id = COALESCE($3, assignee_id),
			deadline = COALESCE($4, deadline)
		WHERE id = $1
		RETURNING `+sectionColumns,
		sectionID, status, assignee, deadline)
	s, err := scanSection(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Sugar.Errorf("Failed to update section %s: %v", sectionID, err)
		}
		return model.Section{}, notFound(err)
	}
	return s, nil
}
