package socket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"naskahsync/internal/content"
	"naskahsync/internal/document/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]content.Snapshot

func (m mapSource) DocumentContent(_ context.Context, docID string) (content.Snapshot, error) {
	c, ok := m[docID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return c, nil
}

// slowSource blocks loads of doc until release is closed.
type slowSource struct {
	mapSource
	doc     string
	release chan struct{}
}

func (s slowSource) DocumentContent(ctx context.Context, docID string) (content.Snapshot, error) {
	if docID == s.doc {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.mapSource.DocumentContent(ctx, docID)
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	return startHubWith(t, mapSource{
		"doc-1": content.FromText("stored text"),
		"doc-2": content.Empty,
	})
}

func startHubWith(t *testing.T, source DocumentSource) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(source)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// For simplicity, the user ID comes from the query in tests.
		ServeWs(hub, w, r, r.URL.Query().Get("user_id"))
	}))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, docID, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?docId=" + docID + "&user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readMessage reads one frame with a deadline so tests never hang.
func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	var msg Message
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message from WebSocket")
	require.NoError(t, json.Unmarshal(p, &msg))
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, p, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", p)
	var netErr net.Error
	if assert.ErrorAs(t, err, &netErr) {
		assert.True(t, netErr.Timeout())
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, topic, ref string) {
	t.Helper()
	send(t, conn, Message{Type: SubscribeType, Topic: topic, Ref: ref})
	ack := readMessage(t, conn)
	require.Equal(t, AckType, ack.Type)
	require.Equal(t, ref, ack.Ref)
}

func TestSubscribeAcksAndSendsSnapshot(t *testing.T) {
	_, server := startHub(t)
	alice := dial(t, server, "doc-1", "alice")

	subscribe(t, alice, TopicContent, "1")

	snap := readMessage(t, alice)
	assert.Equal(t, BroadcastType, snap.Type)
	assert.Equal(t, TopicContent, snap.Topic)
	assert.Equal(t, EventSnapshot, snap.Event)
	assert.Equal(t, "stored text", content.PlainText(content.Snapshot(snap.Payload)))
}

func TestSlowSnapshotDoesNotStallOtherRooms(t *testing.T) {
	release := make(chan struct{})
	_, server := startHubWith(t, slowSource{
		mapSource: mapSource{"doc-1": content.FromText("stored text"), "doc-2": content.Empty},
		doc:       "doc-1",
		release:   release,
	})
	alice := dial(t, server, "doc-1", "alice")
	bob := dial(t, server, "doc-2", "bob")

	subscribe(t, alice, TopicContent, "a1")

	// The hub keeps serving while doc-1 is still loading.
	subscribe(t, bob, TopicContent, "b1")
	assert.Equal(t, EventSnapshot, readMessage(t, bob).Event)

	close(release)
	snap := readMessage(t, alice)
	assert.Equal(t, EventSnapshot, snap.Event)
	assert.Equal(t, "stored text", content.PlainText(content.Snapshot(snap.Payload)))
}

func TestBroadcastRelayAndEchoSuppression(t *testing.T) {
	_, server := startHub(t)
	alice := dial(t, server, "doc-2", "alice")
	aliceTab := dial(t, server, "doc-2", "alice")
	bob := dial(t, server, "doc-2", "bob")
	carol := dial(t, server, "doc-2", "carol")

	for i, c := range []*websocket.Conn{alice, aliceTab, bob} {
		subscribe(t, c, TopicContent, "s"+string(rune('0'+i)))
		readMessage(t, c) // snapshot
	}
	subscribe(t, carol, TopicCursor, "c1")

	send(t, alice, Message{
		Type:    BroadcastType,
		Topic:   TopicContent,
		Event:   "update",
		Ref:     "7",
		UserID:  "mallory",
		Payload: json.RawMessage(`{"ops":[{"insert":"hi"}]}`),
	})

	ack := readMessage(t, alice)
	assert.Equal(t, AckType, ack.Type)
	assert.Equal(t, "7", ack.Ref)

	got := readMessage(t, bob)
	assert.Equal(t, BroadcastType, got.Type)
	assert.Equal(t, "update", got.Event)
	assert.Equal(t, "alice", got.UserID, "identity is taken from the connection")
	assert.Equal(t, "doc-2", got.DocID)
	assert.Empty(t, got.Ref)
	assert.JSONEq(t, `{"ops":[{"insert":"hi"}]}`, string(got.Payload))

	expectSilence(t, aliceTab)
	expectSilence(t, carol)
}

func TestPresenceRosterJoinAndLeave(t *testing.T) {
	hub, server := startHub(t)
	alice := dial(t, server, "doc-1", "alice")

	subscribe(t, alice, TopicPresence, "p1")
	roster := readMessage(t, alice)
	assert.Equal(t, EventState, roster.Event)
	assert.JSONEq(t, `[]`, string(roster.Payload))

	send(t, alice, Message{Type: BroadcastType, Topic: TopicPresence, Event: "update", Ref: "p2",
		Payload: json.RawMessage(`{"user_id":"alice","status":"active"}`)})
	require.Equal(t, AckType, readMessage(t, alice).Type)

	bob := dial(t, server, "doc-1", "bob")
	subscribe(t, bob, TopicPresence, "b1")
	roster = readMessage(t, bob)
	assert.Equal(t, EventState, roster.Event)
	assert.JSONEq(t, `[{"user_id":"alice","status":"active"}]`, string(roster.Payload))

	join := readMessage(t, alice)
	assert.Equal(t, EventJoin, join.Event)
	assert.Equal(t, "bob", join.UserID)

	bob.Close()
	leave := readMessage(t, alice)
	assert.Equal(t, EventLeave, leave.Event)
	assert.Equal(t, "bob", leave.UserID)

	require.Eventually(t, func() bool { return hub.ClientCount("doc-1") == 1 }, time.Second, 10*time.Millisecond)
}

func TestUnknownTopicAndFrameAreRejected(t *testing.T) {
	_, server := startHub(t)
	alice := dial(t, server, "doc-1", "alice")

	send(t, alice, Message{Type: SubscribeType, Topic: "chat", Ref: "1"})
	rej := readMessage(t, alice)
	assert.Equal(t, ErrorType, rej.Type)
	assert.Equal(t, "1", rej.Ref)

	send(t, alice, Message{Type: "EDIT", Topic: TopicContent, Ref: "2"})
	rej = readMessage(t, alice)
	assert.Equal(t, ErrorType, rej.Type)
	var body ErrorPayload
	require.NoError(t, json.Unmarshal(rej.Payload, &body))
	assert.Contains(t, body.Message, "EDIT")
}

func TestPublishSkipsOriginatingUser(t *testing.T) {
	hub, server := startHub(t)
	alice := dial(t, server, "doc-2", "alice")
	bob := dial(t, server, "doc-2", "bob")
	for _, c := range []*websocket.Conn{alice, bob} {
		subscribe(t, c, TopicContent, "s")
		readMessage(t, c)
	}

	hub.Publish("doc-2", TopicContent, "update", "alice", json.RawMessage(`{"ops":[]}`))

	got := readMessage(t, bob)
	assert.Equal(t, "update", got.Event)
	assert.Equal(t, "alice", got.UserID)
	expectSilence(t, alice)

	hub.Publish("doc-2", TopicContent, "rollback", "", json.RawMessage(`{"ops":[]}`))
	assert.Equal(t, "rollback", readMessage(t, alice).Event)
	assert.Equal(t, "rollback", readMessage(t, bob).Event)
}

func TestServeWsRejectsBadRequests(t *testing.T) {
	_, server := startHub(t)
	base := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?user_id=alice"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"&docId=unknown", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
