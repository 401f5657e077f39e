package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"naskahsync/internal/content"
	"naskahsync/pkg/logger"
)

// PostgresStore keeps versions in document_versions. Appends lock the
// document row so numbers stay gap-free under concurrent writers.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const versionColumns = `id, document_id, number, content, author_id, summary, is_rollback, rolled_back_from, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row scanner) (Version, error) {
	var (
		v        Version
		raw      []byte
		fromID   sql.NullString
		authorID sql.NullString
	)
	if err := row.Scan(&v.ID, &v.DocumentID, &v.Number, &raw, &authorID, &v.Summary, &v.IsRollback, &fromID, &v.CreatedAt); err != nil {
		return Version{}, err
	}
	v.Content = content.Snapshot(raw)
	v.AuthorID = authorID.String
	if fromID.Valid {
		id := fromID.String
		v.RolledBackFrom = &id
	}
	return v, nil
}

func latestVersion(ctx context.Context, tx *sql.Tx, documentID string) (*Version, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions
		WHERE document_id = $1 ORDER BY number DESC LIMIT 1`, documentID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load latest version of %s: %v", documentID, err)
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) AppendVersion(ctx context.Context, v Version, restore bool, summarize Summarizer) (Version, DocumentState, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, DocumentState{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var doc DocumentState
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT id, content, version, updated_at FROM documents WHERE id = $1 FOR UPDATE`, v.DocumentID).
		Scan(&doc.ID, &raw, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, DocumentState{}, ErrNotFound
	}
	if err != nil {
		return Version{}, DocumentState{}, fmt.Errorf("lock document: %w", err)
	}
	doc.Content = content.Snapshot(raw)
	if !restore {
		v.Content = doc.Content
	}

	if summarize != nil {
		prev, err := latestVersion(ctx, tx, v.DocumentID)
		if err != nil {
			return Version{}, DocumentState{}, err
		}
		v.Summary = summarize(prev, v.Content)
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM document_versions WHERE document_id = $1`, v.DocumentID).
		Scan(&v.Number); err != nil {
		return Version{}, DocumentState{}, fmt.Errorf("next number: %w", err)
	}

	var fromID interface{}
	if v.RolledBackFrom != nil {
		fromID = *v.RolledBackFrom
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO document_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.DocumentID, v.Number, []byte(v.Content), v.AuthorID, v.Summary, v.IsRollback, fromID, v.CreatedAt); err != nil {
		logger.Sugar.Errorf("Failed to insert version %d of %s: %v", v.Number, v.DocumentID, err)
		return Version{}, DocumentState{}, fmt.Errorf("insert version: %w", err)
	}

	if restore {
		if err := tx.QueryRowContext(ctx, `UPDATE documents SET content = $1, version = version + 1, updated_at = NOW()
			WHERE id = $2 RETURNING version, updated_at`, []byte(v.Content), v.DocumentID).
			Scan(&doc.Version, &doc.UpdatedAt); err != nil {
			logger.Sugar.Errorf("Failed to restore document %s: %v", v.DocumentID, err)
			return Version{}, DocumentState{}, fmt.Errorf("restore document: %w", err)
		}
		doc.Content = v.Content
	}

	if err := tx.Commit(); err != nil {
		return Version{}, DocumentState{}, fmt.Errorf("commit: %w", err)
	}
	return v, doc, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id = $1`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load version %s: %v", versionID, err)
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM document_versions
		WHERE document_id = $1 ORDER BY number ASC`, documentID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list versions of %s: %v", documentID, err)
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
