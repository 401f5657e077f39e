package connection

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"naskahsync/socket"
)

var (
	ErrNotConnected = errors.New("connection: not connected")
	ErrAckTimeout   = errors.New("connection: ack timeout")
	ErrStopped      = errors.New("connection: manager stopped")
)

type Topic string

const (
	TopicContent  Topic = socket.TopicContent
	TopicCursor   Topic = socket.TopicCursor
	TopicPresence Topic = socket.TopicPresence
)

// Topics lists every topic a document connection subscribes to.
var Topics = []Topic{TopicContent, TopicCursor, TopicPresence}

// ChannelStatus is reported by a Channel after it has been established.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "subscribed"
	ChannelError      ChannelStatus = "error"
	ChannelTimeout    ChannelStatus = "timeout"
	ChannelClosed     ChannelStatus = "closed"
)

// Incoming is one event received on a topic.
type Incoming struct {
	Topic     Topic
	Event     string
	UserID    string
	Timestamp time.Time
	Payload   json.RawMessage
}

// Channel is a realtime broadcast connection for one document.
type Channel interface {
	// Subscribe registers handler for topic and waits for the server to
	// confirm the subscription.
	Subscribe(ctx context.Context, topic Topic, handler func(Incoming)) error
	// Send publishes an event and waits for the server ack.
	Send(ctx context.Context, topic Topic, event string, payload interface{}) error
	// OnStatus registers fn for status changes after establishment.
	OnStatus(fn func(ChannelStatus, error))
	Close() error
}

// Dialer opens channels. The Manager dials a fresh channel per attempt.
type Dialer interface {
	Dial(ctx context.Context, documentID, userID string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, documentID, userID string) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, documentID, userID string) (Channel, error) {
	return f(ctx, documentID, userID)
}
