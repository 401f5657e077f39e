package connection

import (
	"hash/fnv"
	"time"
)

type PresenceStatus string

const (
	PresenceActive PresenceStatus = "active"
	PresenceIdle   PresenceStatus = "idle"
	PresenceAway   PresenceStatus = "away"
)

// CursorRange is a selection in the document, in characters.
type CursorRange struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

type PresenceEntry struct {
	UserID       string         `json:"user_id"`
	Color        string         `json:"color"`
	Status       PresenceStatus `json:"status"`
	Cursor       *CursorRange   `json:"cursor,omitempty"`
	SectionID    *string        `json:"section_id,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
}

// CursorMove is the payload of cursor topic events.
type CursorMove struct {
	UserID    string       `json:"user_id"`
	Cursor    *CursorRange `json:"cursor"`
	SectionID *string      `json:"section_id,omitempty"`
}

// DocumentUpdate is a content-topic event from another participant or the
// server. Event is "update" for saves, "snapshot" for the stored content sent
// on subscribe, and "section" or "rollback" for server-side changes.
type DocumentUpdate struct {
	UserID    string
	Event     string
	Timestamp time.Time
	Payload   []byte
}

// derivePresence maps time since the last local activity to a status.
func derivePresence(connected bool, lastActivity, now time.Time, activeWindow, idleWindow time.Duration) PresenceStatus {
	if !connected {
		return PresenceAway
	}
	since := now.Sub(lastActivity)
	switch {
	case since < activeWindow:
		return PresenceActive
	case since < idleWindow:
		return PresenceIdle
	default:
		return PresenceAway
	}
}

var palette = []string{
	"#E57373", "#F06292", "#BA68C8", "#7986CB",
	"#4FC3F7", "#4DB6AC", "#81C784", "#FFB74D",
}

// ColorFor picks a stable display color for a user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
