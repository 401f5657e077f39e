package savequeue

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"naskahsync/pkg/logger"
)

// FileQueue persists each entry as <dir>/<documentID>/<id>.json. Writes go
// to a temp file that is synced and renamed, so a crash leaves either the
// old entry or the new one.
type FileQueue struct {
	dir string

	mu     sync.Mutex
	index  map[string]string // entry id -> document id
	closed bool
}

// OpenFileQueue creates dir if needed and indexes existing entries.
func OpenFileQueue(dir string) (*FileQueue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	q := &FileQueue{dir: dir, index: make(map[string]string)}

	docs, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	for _, d := range docs {
		if !d.IsDir() {
			continue
		}
		docID, err := url.PathUnescape(d.Name())
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("read queue dir: %w", err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			q.index[strings.TrimSuffix(name, ".json")] = docID
		}
	}
	return q, nil
}

func (q *FileQueue) docDir(documentID string) string {
	return filepath.Join(q.dir, url.PathEscape(documentID))
}

func (q *FileQueue) entryPath(documentID, id string) string {
	return filepath.Join(q.docDir(documentID), url.PathEscape(id)+".json")
}

func (q *FileQueue) Add(e Entry) error {
	return q.Put(e)
}

func (q *FileQueue) Put(e Entry) error {
	if e.ID == "" || e.DocumentID == "" {
		return fmt.Errorf("put: entry needs id and document id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := os.MkdirAll(q.docDir(e.DocumentID), 0o700); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	if err := writeFileAtomic(q.entryPath(e.DocumentID, e.ID), data); err != nil {
		logger.Sugar.Errorf("Failed to persist queued save %s: %v", e.ID, err)
		return err
	}
	q.index[e.ID] = e.DocumentID
	return nil
}

func (q *FileQueue) GetAllByDocument(documentID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	files, err := os.ReadDir(q.docDir(documentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document dir: %w", err)
	}

	var out []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.docDir(documentID), f.Name()))
		if err != nil {
			return nil, fmt.Errorf("read entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			logger.Sugar.Warnf("Skipping unreadable queued save %s: %v", f.Name(), err)
			continue
		}
		q.index[e.ID] = documentID
		out = append(out, e)
	}
	SortOldestFirst(out)
	return out, nil
}

func (q *FileQueue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	docID, ok := q.index[id]
	if !ok {
		var err error
		if docID, ok, err = q.findLocked(id); err != nil || !ok {
			return err
		}
	}
	if err := os.Remove(q.entryPath(docID, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete entry: %w", err)
	}
	delete(q.index, id)
	return nil
}

// findLocked looks for an entry written by another FileQueue on the same
// directory after this one indexed it.
func (q *FileQueue) findLocked(id string) (string, bool, error) {
	docs, err := os.ReadDir(q.dir)
	if err != nil {
		return "", false, fmt.Errorf("read queue dir: %w", err)
	}
	name := url.PathEscape(id) + ".json"
	for _, d := range docs {
		if !d.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(q.dir, d.Name(), name)); err != nil {
			continue
		}
		docID, err := url.PathUnescape(d.Name())
		if err != nil {
			continue
		}
		return docID, true, nil
	}
	return "", false, nil
}

func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
