package socket

import (
	"encoding/json"
	"time"
)

// Frame types exchanged between the hub and its clients.
const (
	SubscribeType   = "SUBSCRIBE"   // Client joins a topic of its document
	UnsubscribeType = "UNSUBSCRIBE" // Client leaves a topic
	BroadcastType   = "BROADCAST"   // Event on a topic, relayed to the other subscribers
	AckType         = "ACK"         // Hub accepted the frame carrying the same ref
	ErrorType       = "ERROR"       // Hub rejected the frame carrying the same ref
)

// Topics multiplexed over one connection.
const (
	TopicContent  = "content"
	TopicCursor   = "cursor"
	TopicPresence = "presence"
)

// Events sent on the presence topic by the hub itself.
const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventState = "state" // roster snapshot sent to a new presence subscriber
)

// Message is the wire envelope. DocID and UserID are always overwritten by
// the hub with the authenticated values before relaying.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Event     string          `json:"event,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	DocID     string          `json:"document_id"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the body of an ERROR frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ValidTopic reports whether topic is one the hub relays.
func ValidTopic(topic string) bool {
	switch topic {
	case TopicContent, TopicCursor, TopicPresence:
		return true
	}
	return false
}
