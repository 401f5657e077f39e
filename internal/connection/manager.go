// Package connection keeps one document's realtime channel alive. It
// multiplexes the content, cursor and presence topics, reconnects with
// exponential backoff and derives this client's presence from local activity.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"naskahsync/internal/events"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/metrics"
	"naskahsync/socket"

	"go.uber.org/zap"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

const (
	EventUpdate = "update"
	EventMove   = "move"

	// EventSnapshot carries the stored content, sent by the hub right
	// after a content subscription.
	EventSnapshot = "snapshot"
)

const (
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 16 * time.Second
	DefaultMaxAttempts      = 5
	DefaultActiveWindow     = 2 * time.Minute
	DefaultIdleWindow       = 5 * time.Minute
	DefaultPresenceInterval = 15 * time.Second
)

type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of scheduled reconnects before giving up.
	MaxAttempts      int
	ActiveWindow     time.Duration
	IdleWindow       time.Duration
	PresenceInterval time.Duration
	Color            string
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = DefaultActiveWindow
	}
	if c.IdleWindow <= c.ActiveWindow {
		c.IdleWindow = c.ActiveWindow + DefaultIdleWindow - DefaultActiveWindow
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	return c
}

// Backoff returns min(base*2^attempt, max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// AfterFunc schedules fn and returns a function that cancels it.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

func realAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

type Option func(*Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAfterFunc replaces the timer used for reconnect backoff.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// Manager owns the realtime connection of one user to one document.
type Manager struct {
	docID  string
	userID string
	dialer Dialer
	cfg    Config
	log    *zap.SugaredLogger

	now       func() time.Time
	afterFunc AfterFunc

	life   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       Status
	attempt      int
	gen          uint64
	ch           Channel
	retryStop    func() bool
	stopped      bool
	lastActivity time.Time
	presence     PresenceStatus
	cursor       *CursorRange
	sectionID    *string
	peers        map[string]PresenceEntry
	tickerOn     bool

	documentUpdates events.Bus[DocumentUpdate]
	cursorMoves     events.Bus[CursorMove]
	presenceChanges events.Bus[PresenceEntry]
	userJoined      events.Bus[PresenceEntry]
	userLeft        events.Bus[string]
	statusChanges   events.Bus[Status]
}

func NewManager(documentID, userID string, dialer Dialer, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	if cfg.Color == "" {
		cfg.Color = ColorFor(userID)
	}
	life, cancel := context.WithCancel(context.Background())
	m := &Manager{
		docID:     documentID,
		userID:    userID,
		dialer:    dialer,
		cfg:       cfg,
		log:       logger.Named("connection"),
		now:       time.Now,
		afterFunc: realAfterFunc,
		life:      life,
		cancel:    cancel,
		status:    StatusDisconnected,
		presence:  PresenceAway,
		peers:     make(map[string]PresenceEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActivity = m.now()
	return m
}

func (m *Manager) OnDocumentUpdate(fn func(DocumentUpdate)) events.Unsubscribe {
	return m.documentUpdates.Subscribe(fn)
}

func (m *Manager) OnCursorMove(fn func(CursorMove)) events.Unsubscribe {
	return m.cursorMoves.Subscribe(fn)
}

func (m *Manager) OnPresenceChange(fn func(PresenceEntry)) events.Unsubscribe {
	return m.presenceChanges.Subscribe(fn)
}

func (m *Manager) OnUserJoined(fn func(PresenceEntry)) events.Unsubscribe {
	return m.userJoined.Subscribe(fn)
}

func (m *Manager) OnUserLeft(fn func(userID string)) events.Unsubscribe {
	return m.userLeft.Subscribe(fn)
}

func (m *Manager) OnConnectionStatusChange(fn func(Status)) events.Unsubscribe {
	return m.statusChanges.Subscribe(fn)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempt is the number of reconnects scheduled since the last success.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Peers returns the presence of the other participants.
func (m *Manager) Peers() []PresenceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PresenceEntry, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Presence returns this client's own presence entry.
func (m *Manager) Presence() PresenceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfLocked()
}

// Connect dials the channel and subscribes every topic. On failure it
// returns the error and keeps retrying in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.status == StatusConnected || m.status == StatusConnecting {
		m.mu.Unlock()
		return nil
	}
	gen := m.beginLocked()
	changed := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	if changed {
		m.statusChanges.Publish(StatusConnecting)
	}
	return m.attemptConnect(ctx, gen)
}

// Reconnect resets the attempt counter and connects again. It is the way
// out of the terminal disconnected state.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	m.attempt = 0
	m.dropChannelLocked()
	gen := m.beginLocked()
	changed := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	if changed {
		m.statusChanges.Publish(StatusConnecting)
	}
	return m.attemptConnect(ctx, gen)
}

// Stop closes the channel and cancels every timer. No listener is called
// after Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	if m.retryStop != nil {
		m.retryStop()
		m.retryStop = nil
	}
	m.dropChannelLocked()
	m.status = StatusDisconnected
	m.cancel()
	m.mu.Unlock()

	m.documentUpdates.Clear()
	m.cursorMoves.Clear()
	m.presenceChanges.Clear()
	m.userJoined.Clear()
	m.userLeft.Clear()
	m.statusChanges.Clear()
}

// RecordActivity marks local user activity and republishes presence when
// the derived status changes.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
	m.refreshPresence(context.Background())
}

// UpdateCursor records the local cursor and broadcasts it.
func (m *Manager) UpdateCursor(ctx context.Context, cursor *CursorRange, sectionID *string) error {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.cursor = cursor
	m.sectionID = sectionID
	m.mu.Unlock()
	m.refreshPresence(ctx)

	return m.send(ctx, TopicCursor, EventMove, CursorMove{UserID: m.userID, Cursor: cursor, SectionID: sectionID})
}

// BroadcastUpdate sends a content change to the other participants.
func (m *Manager) BroadcastUpdate(ctx context.Context, payload json.RawMessage) error {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
	m.refreshPresence(ctx)

	return m.send(ctx, TopicContent, EventUpdate, payload)
}

func (m *Manager) send(ctx context.Context, topic Topic, event string, payload interface{}) error {
	m.mu.Lock()
	ch := m.ch
	connected := m.status == StatusConnected
	m.mu.Unlock()
	if ch == nil || !connected {
		return ErrNotConnected
	}
	return ch.Send(ctx, topic, event, payload)
}

func (m *Manager) beginLocked() uint64 {
	if m.retryStop != nil {
		m.retryStop()
		m.retryStop = nil
	}
	m.gen++
	return m.gen
}

func (m *Manager) dropChannelLocked() {
	if m.ch == nil {
		return
	}
	ch := m.ch
	m.ch = nil
	go func() {
		if err := ch.Close(); err != nil {
			m.log.Debugw("Closing channel failed", "document_id", m.docID, "error", err)
		}
	}()
}

func (m *Manager) attemptConnect(ctx context.Context, gen uint64) error {
	err := m.establish(ctx, gen)
	if err != nil && !errors.Is(err, ErrStopped) {
		m.fail(gen, err)
	}
	return err
}

// establish dials and subscribes all topics. The connection only counts as
// up once every subscription is confirmed; own presence is published after.
func (m *Manager) establish(ctx context.Context, gen uint64) error {
	ch, err := m.dialer.Dial(ctx, m.docID, m.userID)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	for _, topic := range Topics {
		topic := topic
		if err := ch.Subscribe(ctx, topic, func(in Incoming) { m.handle(gen, in) }); err != nil {
			ch.Close()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		ch.Close()
		return ErrStopped
	}
	m.ch = ch
	m.attempt = 0
	startTicker := !m.tickerOn
	m.tickerOn = true
	changed := m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	if changed {
		m.statusChanges.Publish(StatusConnected)
	}
	ch.OnStatus(func(s ChannelStatus, err error) { m.onChannelStatus(gen, s, err) })
	m.log.Infow("Realtime channel connected", "document_id", m.docID, "user_id", m.userID)

	if startTicker {
		go m.presenceLoop()
	}
	m.publishPresence(ctx, true)
	return nil
}

// fail schedules the next reconnect, or gives up after MaxAttempts.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	m.dropChannelLocked()

	if m.attempt >= m.cfg.MaxAttempts {
		attempts := m.attempt
		changed := m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.log.Errorw("Giving up on realtime channel, explicit reconnect required",
			"document_id", m.docID, "attempts", attempts, "error", cause)
		if changed {
			m.statusChanges.Publish(StatusDisconnected)
		}
		m.refreshPresence(context.Background())
		return
	}

	delay := Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempt)
	m.attempt++
	attempt := m.attempt
	changed := m.setStatusLocked(StatusReconnecting)
	m.retryStop = m.afterFunc(delay, func() { m.retry(next) })
	m.mu.Unlock()

	metrics.ReconnectAttemptsTotal.Inc()
	m.log.Warnw("Realtime channel lost, reconnecting",
		"document_id", m.docID, "attempt", attempt, "delay", delay, "error", cause)
	if changed {
		m.statusChanges.Publish(StatusReconnecting)
	}
	m.refreshPresence(context.Background())
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.retryStop = nil
	m.mu.Unlock()

	_ = m.attemptConnect(m.life, gen)
}

func (m *Manager) onChannelStatus(gen uint64, s ChannelStatus, err error) {
	switch s {
	case ChannelError, ChannelTimeout, ChannelClosed:
		if err == nil {
			err = fmt.Errorf("channel %s", s)
		}
		m.fail(gen, err)
	}
}

func (m *Manager) handle(gen uint64, in Incoming) {
	m.mu.Lock()
	live := !m.stopped && gen == m.gen
	m.mu.Unlock()
	if !live || in.UserID == m.userID {
		return
	}

	switch in.Topic {
	case TopicContent:
		m.documentUpdates.Publish(DocumentUpdate{UserID: in.UserID, Event: in.Event, Timestamp: in.Timestamp, Payload: in.Payload})
	case TopicCursor:
		var move CursorMove
		if err := json.Unmarshal(in.Payload, &move); err != nil {
			m.log.Debugw("Ignoring malformed cursor event", "error", err)
			return
		}
		move.UserID = in.UserID
		m.mu.Lock()
		if p, ok := m.peers[in.UserID]; ok {
			p.Cursor = move.Cursor
			p.SectionID = move.SectionID
			m.peers[in.UserID] = p
		}
		m.mu.Unlock()
		m.cursorMoves.Publish(move)
	case TopicPresence:
		m.handlePresence(in)
	}
}

func (m *Manager) handlePresence(in Incoming) {
	switch in.Event {
	case socket.EventJoin:
		m.upsertPeer(PresenceEntry{UserID: in.UserID, Color: ColorFor(in.UserID), Status: PresenceActive, LastActivity: in.Timestamp})
	case EventUpdate:
		var entry PresenceEntry
		if err := json.Unmarshal(in.Payload, &entry); err != nil {
			m.log.Debugw("Ignoring malformed presence event", "error", err)
			return
		}
		entry.UserID = in.UserID
		m.upsertPeer(entry)
	case socket.EventLeave:
		m.removePeer(in.UserID)
	case socket.EventState:
		var roster []PresenceEntry
		if err := json.Unmarshal(in.Payload, &roster); err != nil {
			m.log.Debugw("Ignoring malformed presence state", "error", err)
			return
		}
		m.syncRoster(roster)
	}
}

func (m *Manager) upsertPeer(entry PresenceEntry) {
	if entry.UserID == "" || entry.UserID == m.userID {
		return
	}
	m.mu.Lock()
	prev, existed := m.peers[entry.UserID]
	if existed && entry.Color == "" {
		entry.Color = prev.Color
	}
	m.peers[entry.UserID] = entry
	m.mu.Unlock()

	if !existed {
		m.userJoined.Publish(entry)
	}
	if !existed || prev.Status != entry.Status || !sameSection(prev.SectionID, entry.SectionID) {
		m.presenceChanges.Publish(entry)
	}
}

func (m *Manager) removePeer(userID string) {
	m.mu.Lock()
	_, ok := m.peers[userID]
	delete(m.peers, userID)
	m.mu.Unlock()
	if ok {
		m.userLeft.Publish(userID)
	}
}

func sameSection(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// syncRoster treats a state snapshot as authoritative.
func (m *Manager) syncRoster(roster []PresenceEntry) {
	seen := make(map[string]bool, len(roster))
	for _, entry := range roster {
		if entry.UserID == m.userID {
			continue
		}
		seen[entry.UserID] = true
		m.upsertPeer(entry)
	}

	m.mu.Lock()
	var gone []string
	for id := range m.peers {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	m.mu.Unlock()
	for _, id := range gone {
		m.removePeer(id)
	}
}

func (m *Manager) selfLocked() PresenceEntry {
	return PresenceEntry{
		UserID:       m.userID,
		Color:        m.cfg.Color,
		Status:       m.presence,
		Cursor:       m.cursor,
		SectionID:    m.sectionID,
		LastActivity: m.lastActivity,
	}
}

// refreshPresence recomputes own presence and broadcasts on transitions.
func (m *Manager) refreshPresence(ctx context.Context) {
	m.publishPresence(ctx, false)
}

func (m *Manager) publishPresence(ctx context.Context, force bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	connected := m.status == StatusConnected
	next := derivePresence(connected, m.lastActivity, m.now(), m.cfg.ActiveWindow, m.cfg.IdleWindow)
	changed := next != m.presence
	m.presence = next
	self := m.selfLocked()
	ch := m.ch
	m.mu.Unlock()

	if (!changed && !force) || !connected || ch == nil {
		return
	}
	if err := ch.Send(ctx, TopicPresence, EventUpdate, self); err != nil {
		m.log.Warnw("Failed to publish presence", "document_id", m.docID, "status", self.Status, "error", err)
	}
}

func (m *Manager) presenceLoop() {
	ticker := time.NewTicker(m.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.life.Done():
			return
		case <-ticker.C:
			m.refreshPresence(m.life)
		}
	}
}

func (m *Manager) setStatusLocked(s Status) bool {
	if m.stopped || m.status == s {
		return false
	}
	m.status = s
	return true
}
