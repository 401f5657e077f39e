package version

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"naskahsync/internal/content"
	"naskahsync/internal/diff"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/metrics"
	"naskahsync/pkg/tracing"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const initialSummary = "Initial version"

type Coordinator struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

type Option func(*Coordinator)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		log:   logger.Named("version"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RollbackResult is the restored document and the version recording it.
type RollbackResult struct {
	Document DocumentState `json:"document"`
	Version  Version       `json:"version"`
}

// Comparison describes the change between two versions.
type Comparison struct {
	From     Version        `json:"from"`
	To       Version        `json:"to"`
	Segments []diff.Segment `json:"segments"`
	Summary  string         `json:"summary"`
}

// CreateVersion snapshots the current content. An empty summary is
// generated from the diff against the previous version.
func (c *Coordinator) CreateVersion(ctx context.Context, documentID, authorID, summary string) (v Version, err error) {
	ctx, span := tracing.StartSpan(ctx, "version.create", attribute.String("document.id", documentID))
	defer func() { tracing.EndSpan(span, err) }()

	var summarize Summarizer
	if summary == "" {
		summarize = summarizeChange
	}
	v, _, err = c.store.AppendVersion(ctx, Version{
		ID:         ksuid.New().String(),
		DocumentID: documentID,
		AuthorID:   authorID,
		Summary:    summary,
		CreatedAt:  c.now().UTC(),
	}, false, summarize)
	if err != nil {
		return Version{}, fmt.Errorf("create version: %w", err)
	}

	metrics.VersionsTotal.WithLabelValues("false").Inc()
	c.log.Infow("Version created", "document_id", documentID, "number", v.Number, "author_id", authorID)
	return v, nil
}

// Rollback restores the content of versionID and records it as a new
// version. Existing versions are never modified.
func (c *Coordinator) Rollback(ctx context.Context, documentID, versionID, authorID string) (res RollbackResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "version.rollback",
		attribute.String("document.id", documentID),
		attribute.String("version.id", versionID))
	defer func() { tracing.EndSpan(span, err) }()

	target, err := c.store.GetVersion(ctx, versionID)
	if err != nil {
		return RollbackResult{}, err
	}
	if target.DocumentID != documentID {
		return RollbackResult{}, ErrVersionMismatch
	}

	from := target.ID
	v, doc, err := c.store.AppendVersion(ctx, Version{
		ID:             ksuid.New().String(),
		DocumentID:     documentID,
		Content:        target.Content,
		AuthorID:       authorID,
		Summary:        "Rolled back to version " + strconv.Itoa(target.Number),
		IsRollback:     true,
		RolledBackFrom: &from,
		CreatedAt:      c.now().UTC(),
	}, true, nil)
	if err != nil {
		return RollbackResult{}, fmt.Errorf("rollback: %w", err)
	}

	metrics.VersionsTotal.WithLabelValues("true").Inc()
	c.log.Infow("Document rolled back", "document_id", documentID, "target", target.Number, "number", v.Number, "author_id", authorID)
	return RollbackResult{Document: doc, Version: v}, nil
}

func summarizeChange(prev *Version, current content.Snapshot) string {
	if prev == nil {
		return initialSummary
	}
	return diff.Summarize(diff.Compute(content.PlainText(prev.Content), content.PlainText(current)))
}

func (c *Coordinator) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	return c.store.ListVersions(ctx, documentID)
}

func (c *Coordinator) GetVersion(ctx context.Context, versionID string) (Version, error) {
	return c.store.GetVersion(ctx, versionID)
}

// CompareVersions diffs the plain text of two versions of one document.
func (c *Coordinator) CompareVersions(ctx context.Context, fromID, toID string) (Comparison, error) {
	from, err := c.store.GetVersion(ctx, fromID)
	if err != nil {
		return Comparison{}, err
	}
	to, err := c.store.GetVersion(ctx, toID)
	if err != nil {
		return Comparison{}, err
	}
	if from.DocumentID != to.DocumentID {
		return Comparison{}, ErrVersionMismatch
	}

	segments := diff.Compute(content.PlainText(from.Content), content.PlainText(to.Content))
	return Comparison{
		From:     from,
		To:       to,
		Segments: segments,
		Summary:  diff.Summarize(segments),
	}, nil
}

// Diff is the plain-text diff used for change highlighting.
func (c *Coordinator) Diff(oldText, newText string) []diff.Segment {
	return diff.Compute(oldText, newText)
}
