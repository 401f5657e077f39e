// Package session wires the connection manager, auto-saver and lock manager
// of one user editing one document.
//
// The realtime connection drives the saver's connectivity: while the channel
// is connected saves go straight to the save function, otherwise they are
// queued, and reconnecting flushes the queue. Section locks are kept alive in
// the background; losing one stops editing that section.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"naskahsync/internal/autosave"
	"naskahsync/internal/connection"
	"naskahsync/internal/content"
	"naskahsync/internal/events"
	"naskahsync/internal/lock"
	"naskahsync/internal/savequeue"
	"naskahsync/pkg/logger"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("session: closed")

type Config struct {
	Autosave   autosave.Config
	Connection connection.Config
	Lock       lock.Config
}

type Option func(*options)

type options struct {
	log         *zap.SugaredLogger
	autosave    []autosave.Option
	connection  []connection.Option
	lockOptions []lock.Option
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.log = l }
}

// WithAutosaveOptions passes options through to the auto-save engine.
func WithAutosaveOptions(opts ...autosave.Option) Option {
	return func(o *options) { o.autosave = append(o.autosave, opts...) }
}

func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) { o.connection = append(o.connection, opts...) }
}

func WithLockOptions(opts ...lock.Option) Option {
	return func(o *options) { o.lockOptions = append(o.lockOptions, opts...) }
}

// Deps are the external collaborators of a session.
type Deps struct {
	Dialer connection.Dialer
	Save   autosave.SaveFunc
	Queue  savequeue.Queue
	Leases lock.LeaseStore
}

type Session struct {
	docID  string
	userID string
	log    *zap.SugaredLogger

	conn  *connection.Manager
	saver *autosave.Engine
	locks *lock.Manager

	life   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	editing map[string]context.CancelFunc // sectionID -> keep-alive cancel
	unsub   []events.Unsubscribe
	closed  bool

	lockLost events.Bus[string]
}

func New(documentID, userID string, deps Deps, cfg Config, opts ...Option) (*Session, error) {
	o := options{log: logger.Named("session")}
	for _, opt := range opts {
		opt(&o)
	}

	locks, err := lock.NewManager(deps.Leases, cfg.Lock, o.lockOptions...)
	if err != nil {
		return nil, err
	}

	life, cancel := context.WithCancel(context.Background())
	s := &Session{
		docID:   documentID,
		userID:  userID,
		log:     o.log.With("document_id", documentID, "user_id", userID),
		conn:    connection.NewManager(documentID, userID, deps.Dialer, cfg.Connection, o.connection...),
		saver:   autosave.New(documentID, deps.Save, deps.Queue, cfg.Autosave, append([]autosave.Option{autosave.WithOnline(false)}, o.autosave...)...),
		locks:   locks,
		life:    life,
		cancel:  cancel,
		editing: make(map[string]context.CancelFunc),
	}
	return s, nil
}

func (s *Session) Connection() *connection.Manager { return s.conn }
func (s *Session) Saver() *autosave.Engine        { return s.saver }
func (s *Session) Locks() *lock.Manager           { return s.locks }

// OnLockLost is called with the section id when a held lock could not be
// renewed. The section must no longer be edited.
func (s *Session) OnLockLost(fn func(sectionID string)) events.Unsubscribe {
	return s.lockLost.Subscribe(fn)
}

// Start initialises the saver and connects. A failed first connect is
// returned but the manager keeps retrying, and edits are queued meanwhile.
func (s *Session) Start(ctx context.Context) error {
	if err := s.saver.Init(ctx); err != nil {
		return fmt.Errorf("init autosave: %w", err)
	}

	unsub := s.conn.OnConnectionStatusChange(func(st connection.Status) {
		s.saver.SetOnline(st == connection.StatusConnected)
	})
	s.mu.Lock()
	s.unsub = append(s.unsub, unsub)
	s.mu.Unlock()

	if err := s.conn.Connect(ctx); err != nil {
		s.log.Warnf("Initial connect failed, retrying in background: %v", err)
		return err
	}
	return nil
}

// Change records local activity and hands the content to the saver.
func (s *Session) Change(c content.Snapshot) error {
	s.conn.RecordActivity()
	return s.saver.Save(c)
}

// Flush saves c immediately, bypassing the debounce.
func (s *Session) Flush(ctx context.Context, c content.Snapshot) error {
	return s.saver.ForceSave(ctx, c)
}

// Edit takes the lock on a section and keeps it alive until StopEditing,
// Close, or a failed renewal.
func (s *Session) Edit(ctx context.Context, sectionID string) (lock.AcquireResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return lock.AcquireResult{}, ErrClosed
	}
	s.mu.Unlock()

	res, err := s.locks.Acquire(ctx, sectionID, s.userID)
	if err != nil || !res.Granted {
		return res, err
	}

	s.mu.Lock()
	if stop, ok := s.editing[sectionID]; ok {
		stop()
	}
	kctx, stop := context.WithCancel(s.life)
	s.editing[sectionID] = stop
	s.mu.Unlock()

	s.locks.KeepAlive(kctx, res.Lock, func() { s.lost(sectionID) })
	s.conn.RecordActivity()
	return res, nil
}

// StopEditing ends the keep-alive and releases the section.
func (s *Session) StopEditing(ctx context.Context, sectionID string) error {
	s.mu.Lock()
	if stop, ok := s.editing[sectionID]; ok {
		stop()
		delete(s.editing, sectionID)
	}
	s.mu.Unlock()
	return s.locks.Release(ctx, sectionID)
}

// Editing reports whether the session currently holds sectionID.
func (s *Session) Editing(sectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.editing[sectionID]
	return ok
}

func (s *Session) lost(sectionID string) {
	s.mu.Lock()
	if stop, ok := s.editing[sectionID]; ok {
		stop()
		delete(s.editing, sectionID)
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	s.log.Infof("Stopped editing section %s after losing its lock", sectionID)
	s.lockLost.Publish(sectionID)
}

// Close releases every lock, stops the connection and destroys the saver.
// Pending content that could not be saved stays in the queue.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, stop := range s.editing {
		stop()
		delete(s.editing, id)
	}
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	for _, u := range unsub {
		u()
	}
	s.cancel()
	s.lockLost.Clear()
	s.locks.ReleaseAll(ctx)
	s.conn.Stop()
	return s.saver.Destroy()
}
