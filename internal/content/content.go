// Package content holds the document snapshot type shared by the save,
// version and broadcast paths. Snapshots are Quill deltas stored as raw JSON.
package content

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Snapshot is the tree-structured rich text of a document.
type Snapshot json.RawMessage

// Empty is the content of a freshly created document.
var Empty = Snapshot(`{"ops":[]}`)

type quillOp struct {
	Insert interface{} `json:"insert"`
}

type quillDelta struct {
	Ops []quillOp `json:"ops"`
}

// MarshalJSON keeps the snapshot verbatim when embedded in other JSON.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return []byte(s), nil
}

// UnmarshalJSON stores a copy of the raw JSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	*s = append((*s)[0:0], data...)
	return nil
}

// IsZero reports whether the snapshot carries no content at all.
func (s Snapshot) IsZero() bool {
	trimmed := bytes.TrimSpace(s)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// Canonical returns the serialization used to decide whether two snapshots
// are the same save. Objects are re-encoded with sorted keys and numbers keep
// their literal text; snapshots that are not valid JSON fall back to their
// trimmed bytes.
func (s Snapshot) Canonical() string {
	dec := json.NewDecoder(bytes.NewReader(s))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return string(bytes.TrimSpace(s))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(bytes.TrimSpace(s))
	}
	return string(out)
}

// Equal compares canonical serializations.
func Equal(a, b Snapshot) bool {
	return a.Canonical() == b.Canonical()
}

// PlainText concatenates the string inserts of a Quill delta. Embeds
// (images, formulas) contribute nothing. Non-delta JSON strings are
// returned as-is so plain text documents still diff.
func PlainText(s Snapshot) string {
	var delta quillDelta
	if err := json.Unmarshal(s, &delta); err == nil && delta.Ops != nil {
		var sb strings.Builder
		for _, op := range delta.Ops {
			if str, ok := op.Insert.(string); ok {
				sb.WriteString(str)
			}
		}
		return sb.String()
	}
	var str string
	if err := json.Unmarshal(s, &str); err == nil {
		return str
	}
	return ""
}

// Snippet returns a single-line preview of at most max characters.
func Snippet(s Snapshot, max int) string {
	res := strings.TrimSpace(PlainText(s))
	res = strings.ReplaceAll(res, "\n", " ")
	runes := []rune(res)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return res
}

// FromText builds a single-insert delta, mostly useful in tests and seeds.
func FromText(text string) Snapshot {
	b, _ := json.Marshal(quillDelta{Ops: []quillOp{{Insert: text}}})
	return Snapshot(b)
}
