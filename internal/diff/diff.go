// Package diff computes a single-region edit description between two texts.
//
// The algorithm takes the longest common prefix, then the longest common
// suffix of what remains, and reports everything in between as one removed
// block and one added block. It is linear in the input size. Edits touching
// several separate regions come back as one large removed/added pair rather
// than a minimal diff; that is accepted.
package diff

import (
	"fmt"
	"strings"
)

type Kind string

const (
	Same    Kind = "same"
	Added   Kind = "added"
	Removed Kind = "removed"
)

// Segment is one run of text with its change kind.
type Segment struct {
	Type Kind   `json:"type"`
	Text string `json:"text"`
}

// Compute returns the segments that turn oldText into newText.
// Comparison is by rune so multi-byte characters are never split.
func Compute(oldText, newText string) []Segment {
	a := []rune(oldText)
	b := []rune(newText)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	segments := make([]Segment, 0, 4)
	appendSegment := func(kind Kind, r []rune) {
		if len(r) > 0 {
			segments = append(segments, Segment{Type: kind, Text: string(r)})
		}
	}

	appendSegment(Same, a[:prefix])
	appendSegment(Removed, a[prefix:len(a)-suffix])
	appendSegment(Added, b[prefix:len(b)-suffix])
	appendSegment(Same, a[len(a)-suffix:])

	return segments
}

// Stats counts changed characters.
type Stats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Count tallies added and removed runes across segments.
func Count(segments []Segment) Stats {
	var s Stats
	for _, seg := range segments {
		switch seg.Type {
		case Added:
			s.Added += len([]rune(seg.Text))
		case Removed:
			s.Removed += len([]rune(seg.Text))
		}
	}
	return s
}

// Summarize renders a short human-readable change summary.
func Summarize(segments []Segment) string {
	s := Count(segments)
	var parts []string
	if s.Added > 0 {
		parts = append(parts, fmt.Sprintf("added %d %s", s.Added, plural(s.Added, "character")))
	}
	if s.Removed > 0 {
		parts = append(parts, fmt.Sprintf("removed %d %s", s.Removed, plural(s.Removed, "character")))
	}
	if len(parts) == 0 {
		return "No changes"
	}
	summary := strings.Join(parts, ", ")
	return strings.ToUpper(summary[:1]) + summary[1:]
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
