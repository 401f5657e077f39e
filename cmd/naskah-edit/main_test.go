package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"naskahsync/config"
	"naskahsync/internal/content"
	"naskahsync/internal/document/model"
	"naskahsync/internal/savequeue"
	"naskahsync/socket"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-doc", "doc-1", "-section", "s1"})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", o.docID)
	assert.Equal(t, "s1", o.sectionID)

	_, err = parseFlags([]string{"-section", "s1"})
	assert.EqualError(t, err, "-doc is required")
}

func TestSubjectFromToken(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("any"))
	require.NoError(t, err)

	sub, err := subjectFromToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	_, err = subjectFromToken("not-a-jwt")
	assert.Error(t, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type docSource struct{}

func (docSource) DocumentContent(context.Context, string) (content.Snapshot, error) {
	return content.FromText("stored\n"), nil
}

// fakeServer serves the document and save endpoints, and the hub when
// withHub is set. The token is the user id.
type fakeServer struct {
	mu    sync.Mutex
	saves []model.SaveDocRequest
}

func (f *fakeServer) start(t *testing.T, withHub bool) *httptest.Server {
	t.Helper()
	hub := socket.NewHub(docSource{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/documents/doc-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Document{ID: "doc-1", Title: "Draft", Content: content.FromText("stored\n"), Version: 2})
	})
	mux.HandleFunc("/api/documents/save", func(w http.ResponseWriter, r *http.Request) {
		var req model.SaveDocRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.saves = append(f.saves, req)
		n := len(f.saves)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(model.SaveDocResponse{DocID: req.DocID, Version: 2 + n})
	})
	if withHub {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			socket.ServeWs(hub, w, r, r.URL.Query().Get("token"))
		})
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func (f *fakeServer) lastSave() (model.SaveDocRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return model.SaveDocRequest{}, false
	}
	return f.saves[len(f.saves)-1], true
}

func TestRunSavesLinesOnExit(t *testing.T) {
	fake := &fakeServer{}
	srv := fake.start(t, true)
	cfg := &config.Config{APIURL: srv.URL, APIToken: "alice", QueueDir: t.TempDir()}
	out := &syncBuffer{}

	err := run(context.Background(), cfg, options{docID: "doc-1", userID: "alice"}, strings.NewReader("one\ntwo\n"), out)
	require.NoError(t, err)

	last, ok := fake.lastSave()
	require.True(t, ok)
	assert.Equal(t, "doc-1", last.DocID)
	assert.Equal(t, "stored\none\ntwo\n", content.PlainText(last.Content))
	assert.Contains(t, out.String(), `editing "Draft" (version 2)`)
	assert.Contains(t, out.String(), "[connection] connected")
}

func TestRunQueuesWhenOffline(t *testing.T) {
	fake := &fakeServer{}
	srv := fake.start(t, false)
	dir := t.TempDir()
	cfg := &config.Config{APIURL: srv.URL, APIToken: "alice", QueueDir: dir}
	out := &syncBuffer{}

	err := run(context.Background(), cfg, options{docID: "doc-1", userID: "alice"}, strings.NewReader("offline edit\n"), out)
	require.NoError(t, err)

	_, saved := fake.lastSave()
	assert.False(t, saved)
	assert.Contains(t, out.String(), "offline, edits will be queued")

	q, err := savequeue.OpenFileQueue(dir)
	require.NoError(t, err)
	defer q.Close()
	entries, err := q.GetAllByDocument("doc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stored\noffline edit\n", content.PlainText(entries[0].Content))
}
