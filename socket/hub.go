package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"naskahsync/internal/content"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/metrics"
)

// DocumentSource loads the stored content of a document.
type DocumentSource interface {
	DocumentContent(ctx context.Context, docID string) (content.Snapshot, error)
}

// EventSnapshot carries the stored content to a new content subscriber so a
// reconnecting client catches up on anything it missed.
const EventSnapshot = "snapshot"

const snapshotTimeout = 5 * time.Second

type frame struct {
	client *Client
	msg    Message
}

type Hub struct {
	Rooms      map[string]map[*Client]bool
	Broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	frames     chan frame
	snapshots  chan frame
	source     DocumentSource
	mu         sync.Mutex
	// Last presence payload per user, replayed to new presence subscribers.
	Presence map[string]map[string]json.RawMessage // docID -> userID -> payload
	done     chan struct{}
}

func NewHub(source DocumentSource) *Hub {
	return &Hub{
		Rooms:      make(map[string]map[*Client]bool),
		Broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		frames:     make(chan frame, 256),
		snapshots:  make(chan frame, 64),
		source:     source,
		Presence:   make(map[string]map[string]json.RawMessage),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and frames until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.Register:
			h.mu.Lock()
			if h.Rooms[client.DocID] == nil {
				h.Rooms[client.DocID] = make(map[*Client]bool)
				h.Presence[client.DocID] = make(map[string]json.RawMessage)
			}
			h.Rooms[client.DocID][client] = true
			h.mu.Unlock()
			metrics.ConnectedClients.Inc()
			logger.Sugar.Debugf("Client %s joined document %s", client.UserID, client.DocID)

		case client := <-h.Unregister:
			h.removeClient(client)

		case msg := <-h.Broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			h.relay(msg, nil)

		case f := <-h.frames:
			h.handleFrame(ctx, f.client, f.msg)

		case f := <-h.snapshots:
			h.mu.Lock()
			_, registered := h.Rooms[f.client.DocID][f.client]
			h.mu.Unlock()
			if registered {
				h.reply(f.client, f.msg)
			}
		}
	}
}

// Publish relays a server-originated event to every subscriber of topic
// except userID's own connections.
func (h *Hub) Publish(docID, topic, event, userID string, payload json.RawMessage) {
	msg := Message{
		Type:      BroadcastType,
		Topic:     topic,
		Event:     event,
		DocID:     docID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	select {
	case h.Broadcast <- msg:
	case <-h.done:
	}
}

// RemoveDocument disconnects every client of a deleted document. Their read
// pumps then unregister them.
func (h *Hub) RemoveDocument(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.Rooms[docID] {
		client.Conn.Close()
	}
	delete(h.Presence, docID)
}

// ClientCount returns the number of connections to docID.
func (h *Hub) ClientCount(docID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Rooms[docID])
}

func (h *Hub) handleFrame(ctx context.Context, c *Client, msg Message) {
	h.mu.Lock()
	_, registered := h.Rooms[c.DocID][c]
	h.mu.Unlock()
	if !registered {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	switch msg.Type {
	case SubscribeType:
		if !ValidTopic(msg.Topic) {
			h.reject(c, msg, "unknown topic "+msg.Topic)
			return
		}
		h.mu.Lock()
		c.topics[msg.Topic] = true
		h.mu.Unlock()
		h.ack(c, msg)

		switch msg.Topic {
		case TopicPresence:
			h.sendRoster(c)
			h.relay(Message{
				Type:      BroadcastType,
				Topic:     TopicPresence,
				Event:     EventJoin,
				DocID:     c.DocID,
				UserID:    c.UserID,
				Timestamp: msg.Timestamp,
			}, c)
		case TopicContent:
			go h.loadSnapshot(ctx, c)
		}

	case UnsubscribeType:
		h.mu.Lock()
		delete(c.topics, msg.Topic)
		h.mu.Unlock()
		h.ack(c, msg)

	case BroadcastType:
		if !ValidTopic(msg.Topic) {
			h.reject(c, msg, "unknown topic "+msg.Topic)
			return
		}
		if msg.Topic == TopicPresence && len(msg.Payload) > 0 {
			h.mu.Lock()
			if roster := h.Presence[c.DocID]; roster != nil {
				roster[c.UserID] = msg.Payload
			}
			h.mu.Unlock()
		}
		h.ack(c, msg)
		msg.Ref = ""
		h.relay(msg, c)

	default:
		h.reject(c, msg, "unknown frame type "+msg.Type)
	}
}

// relay sends msg to the room's subscribers of msg.Topic, skipping every
// connection of the sending user.
func (h *Hub) relay(msg Message, from *Client) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return
	}

	h.mu.Lock()
	clientsToSend := make([]*Client, 0, len(h.Rooms[msg.DocID]))
	for client := range h.Rooms[msg.DocID] {
		if client == from || client.UserID == msg.UserID || !client.topics[msg.Topic] {
			continue
		}
		clientsToSend = append(clientsToSend, client)
	}
	h.mu.Unlock()

	for _, client := range clientsToSend {
		h.deliver(client, payload)
	}
}

func (h *Hub) ack(c *Client, msg Message) {
	h.reply(c, Message{Type: AckType, Topic: msg.Topic, Ref: msg.Ref, DocID: c.DocID, Timestamp: time.Now().UTC()})
}

func (h *Hub) reject(c *Client, msg Message, reason string) {
	logger.Sugar.Warnf("Rejected frame from %s on document %s: %s", c.UserID, c.DocID, reason)
	body, _ := json.Marshal(ErrorPayload{Message: reason})
	h.reply(c, Message{Type: ErrorType, Topic: msg.Topic, Ref: msg.Ref, DocID: c.DocID, Timestamp: time.Now().UTC(), Payload: body})
}

func (h *Hub) reply(c *Client, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling reply: %v", err)
		return
	}
	h.deliver(c, payload)
}

func (h *Hub) sendRoster(c *Client) {
	h.mu.Lock()
	roster := make([]json.RawMessage, 0, len(h.Presence[c.DocID]))
	for userID, entry := range h.Presence[c.DocID] {
		if userID != c.UserID {
			roster = append(roster, entry)
		}
	}
	h.mu.Unlock()

	payload, err := json.Marshal(roster)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling presence roster: %v", err)
		return
	}
	h.reply(c, Message{Type: BroadcastType, Topic: TopicPresence, Event: EventState, DocID: c.DocID, Timestamp: time.Now().UTC(), Payload: payload})
}

// loadSnapshot reads the stored content off the hub loop and hands the
// snapshot back to Run, which delivers it if c is still connected.
func (h *Hub) loadSnapshot(ctx context.Context, c *Client) {
	if h.source == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	snapshot, err := h.source.DocumentContent(loadCtx, c.DocID)
	if err != nil {
		logger.Sugar.Errorf("Failed to load document %s for snapshot: %v", c.DocID, err)
		return
	}
	msg := Message{Type: BroadcastType, Topic: TopicContent, Event: EventSnapshot, DocID: c.DocID, Timestamp: time.Now().UTC(), Payload: json.RawMessage(snapshot)}
	select {
	case h.snapshots <- frame{client: c, msg: msg}:
	case <-h.done:
	}
}

// deliver queues payload for the client's write pump. A client whose buffer
// is full is lagging and gets dropped.
func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.Send <- payload:
	default:
		logger.Sugar.Warnf("Client %s's send buffer is full. Unregistering.", c.UserID)
		h.removeClient(c)
		c.Conn.Close()
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.Rooms[c.DocID][c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.Rooms[c.DocID], c)
	close(c.Send)

	stillHere := false
	for other := range h.Rooms[c.DocID] {
		if other.UserID == c.UserID {
			stillHere = true
			break
		}
	}
	if !stillHere && h.Presence[c.DocID] != nil {
		delete(h.Presence[c.DocID], c.UserID)
	}
	empty := len(h.Rooms[c.DocID]) == 0
	if empty {
		delete(h.Rooms, c.DocID)
		delete(h.Presence, c.DocID)
		logger.Sugar.Infof("Closed and cleaned up empty room: %s", c.DocID)
	}
	h.mu.Unlock()
	metrics.ConnectedClients.Dec()

	if !stillHere && !empty {
		h.relay(Message{
			Type:      BroadcastType,
			Topic:     TopicPresence,
			Event:     EventLeave,
			DocID:     c.DocID,
			UserID:    c.UserID,
			Timestamp: time.Now().UTC(),
		}, c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.Rooms {
		for client := range clients {
			client.Conn.Close()
		}
	}
}
