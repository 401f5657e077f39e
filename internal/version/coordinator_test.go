package version

import (
	"context"
	"testing"

	"naskahsync/internal/content"
	"naskahsync/internal/diff"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackAppendsNewVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCoordinator(store)

	store.PutDocument("doc-1", content.FromText("first draft"))
	v1, err := c.CreateVersion(ctx, "doc-1", "alice", "")
	require.NoError(t, err)
	store.PutDocument("doc-1", content.FromText("second draft"))
	v2, err := c.CreateVersion(ctx, "doc-1", "alice", "")
	require.NoError(t, err)
	store.PutDocument("doc-1", content.FromText("third draft"))
	v3, err := c.CreateVersion(ctx, "doc-1", "bob", "rewrite")
	require.NoError(t, err)

	res, err := c.Rollback(ctx, "doc-1", v2.ID, "carol")
	require.NoError(t, err)

	v4 := res.Version
	assert.Equal(t, 4, v4.Number)
	assert.True(t, v4.IsRollback)
	require.NotNil(t, v4.RolledBackFrom)
	assert.Equal(t, v2.ID, *v4.RolledBackFrom)
	assert.True(t, content.Equal(v2.Content, v4.Content))
	assert.Equal(t, "Rolled back to version 2", v4.Summary)
	assert.True(t, content.Equal(v2.Content, res.Document.Content))

	doc, err := store.CurrentDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "second draft", content.PlainText(doc.Content))

	history, err := c.ListVersions(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, want := range []Version{v1, v2, v3} {
		assert.Equal(t, want.ID, history[i].ID)
		assert.Equal(t, i+1, history[i].Number)
		assert.True(t, content.Equal(want.Content, history[i].Content))
		assert.False(t, history[i].IsRollback)
	}
	assert.Equal(t, "third draft", content.PlainText(history[2].Content))
}

func TestCreateVersionSummaries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCoordinator(store)

	store.PutDocument("doc-1", content.FromText("hello world"))
	v1, err := c.CreateVersion(ctx, "doc-1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "Initial version", v1.Summary)
	assert.Equal(t, 1, v1.Number)

	store.PutDocument("doc-1", content.FromText("hello there world"))
	v2, err := c.CreateVersion(ctx, "doc-1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "Added 6 characters", v2.Summary)
}

func TestCompareVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCoordinator(store)

	store.PutDocument("doc-1", content.FromText("hello world"))
	v1, err := c.CreateVersion(ctx, "doc-1", "alice", "")
	require.NoError(t, err)
	store.PutDocument("doc-1", content.FromText("hello there world"))
	v2, err := c.CreateVersion(ctx, "doc-1", "alice", "")
	require.NoError(t, err)

	cmp, err := c.CompareVersions(ctx, v1.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, []diff.Segment{
		{Type: diff.Same, Text: "hello "},
		{Type: diff.Added, Text: "there "},
		{Type: diff.Same, Text: "world"},
	}, cmp.Segments)
	assert.Equal(t, "Added 6 characters", cmp.Summary)
}

func TestRollbackRejectsForeignVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCoordinator(store)

	store.PutDocument("doc-1", content.FromText("one"))
	store.PutDocument("doc-2", content.FromText("two"))
	other, err := c.CreateVersion(ctx, "doc-2", "bob", "")
	require.NoError(t, err)

	_, err = c.Rollback(ctx, "doc-1", other.ID, "alice")
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = c.Rollback(ctx, "doc-1", "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.CreateVersion(ctx, "missing", "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := c.ListVersions(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
