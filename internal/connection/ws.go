package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"naskahsync/pkg/logger"
	"naskahsync/socket"

	"github.com/gorilla/websocket"
)

const (
	defaultAckTimeout   = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	writeWait           = 10 * time.Second
)

// WSDialer connects to the hub's /ws endpoint.
type WSDialer struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token returns the bearer token sent with each dial.
	Token        func() string
	AckTimeout   time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	Dialer       *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context, documentID, userID string) (Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("docId", documentID)
	header := http.Header{}
	if d.Token != nil {
		token := d.Token()
		q.Set("token", token)
		header.Set("Authorization", "Bearer "+token)
	}
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	ch := &wsChannel{
		conn:         conn,
		docID:        documentID,
		userID:       userID,
		ackTimeout:   orDefault(d.AckTimeout, defaultAckTimeout),
		pingInterval: orDefault(d.PingInterval, defaultPingInterval),
		pongWait:     orDefault(d.PongWait, defaultPongWait),
		pending:      make(map[string]chan error),
		handlers:     make(map[Topic]func(Incoming)),
		inbox:        make(chan Incoming, 256),
		done:         make(chan struct{}),
	}
	ch.start()
	return ch, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type wsChannel struct {
	conn         *websocket.Conn
	docID        string
	userID       string
	ackTimeout   time.Duration
	pingInterval time.Duration
	pongWait     time.Duration

	writeMu sync.Mutex

	mu         sync.Mutex
	nextRef    uint64
	pending    map[string]chan error
	handlers   map[Topic]func(Incoming)
	statusFns  []func(ChannelStatus, error)
	closed     bool
	exitStatus ChannelStatus
	exitErr    error

	// inbox decouples handlers from the read loop, so a handler may call
	// Send without waiting on its own ack.
	inbox chan Incoming

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsChannel) start() {
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	go c.readPump()
	go c.pingPump()
	go c.dispatchPump()
}

func (c *wsChannel) Subscribe(ctx context.Context, topic Topic, handler func(Incoming)) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	if err := c.request(ctx, socket.Message{Type: socket.SubscribeType, Topic: string(topic)}); err != nil {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *wsChannel) Send(ctx context.Context, topic Topic, event string, payload interface{}) error {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	return c.request(ctx, socket.Message{Type: socket.BroadcastType, Topic: string(topic), Event: event, Payload: raw})
}

func (c *wsChannel) OnStatus(fn func(ChannelStatus, error)) {
	c.mu.Lock()
	if c.closed {
		s, err := c.exitStatus, c.exitErr
		c.mu.Unlock()
		go fn(s, err)
		return
	}
	c.statusFns = append(c.statusFns, fn)
	c.mu.Unlock()
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		// Mark closed first so the read loop's error is not reported instead.
		c.finish(ChannelClosed, nil)
		err = c.conn.Close()
	})
	return err
}

// request writes msg with a fresh ref and waits for the matching ack.
func (c *wsChannel) request(ctx context.Context, msg socket.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.nextRef++
	ref := strconv.FormatUint(c.nextRef, 10)
	ack := make(chan error, 1)
	c.pending[ref] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	msg.Ref = ref
	msg.DocID = c.docID
	msg.UserID = c.userID
	msg.Timestamp = time.Now().UTC()
	if err := c.write(msg); err != nil {
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotConnected
	}
}

func (c *wsChannel) write(msg socket.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *wsChannel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.conn.Close()
			c.finish(classify(err), err)
			return
		}

		var msg socket.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Sugar.Warnf("Dropping malformed frame on document %s: %v", c.docID, err)
			continue
		}

		switch msg.Type {
		case socket.AckType:
			c.resolve(msg.Ref, nil)
		case socket.ErrorType:
			var body socket.ErrorPayload
			_ = json.Unmarshal(msg.Payload, &body)
			c.resolve(msg.Ref, fmt.Errorf("hub rejected frame: %s", body.Message))
		case socket.BroadcastType:
			in := Incoming{
				Topic:     Topic(msg.Topic),
				Event:     msg.Event,
				UserID:    msg.UserID,
				Timestamp: msg.Timestamp,
				Payload:   msg.Payload,
			}
			select {
			case c.inbox <- in:
			case <-c.done:
				return
			}
		}
	}
}

func (c *wsChannel) dispatchPump() {
	for {
		select {
		case <-c.done:
			return
		case in := <-c.inbox:
			c.mu.Lock()
			handler := c.handlers[in.Topic]
			c.mu.Unlock()
			if handler != nil {
				handler(in)
			}
		}
	}
}

func (c *wsChannel) pingPump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (c *wsChannel) resolve(ref string, err error) {
	c.mu.Lock()
	ack, ok := c.pending[ref]
	c.mu.Unlock()
	if ok {
		select {
		case ack <- err:
		default:
		}
	}
}

// finish marks the channel dead and notifies status listeners once.
func (c *wsChannel) finish(s ChannelStatus, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.exitStatus, c.exitErr = s, err
	fns := c.statusFns
	c.statusFns = nil
	c.mu.Unlock()

	close(c.done)
	for _, fn := range fns {
		fn(s, err)
	}
}

func classify(err error) ChannelStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ChannelTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ChannelClosed
	}
	return ChannelError
}
