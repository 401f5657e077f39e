// Package autosave debounces local edits and persists them through a
// caller-supplied save function. Failed saves are retried, then spilled into
// a durable queue that is replayed once connectivity returns.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"naskahsync/internal/content"
	"naskahsync/internal/events"
	"naskahsync/internal/savequeue"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/metrics"
	"naskahsync/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrNotInitialized = errors.New("autosave: engine not initialized")
	ErrStopped        = errors.New("autosave: engine stopped")
	// ErrQueued means the content did not reach the server but is safe in
	// the durable queue.
	ErrQueued = errors.New("autosave: content queued for replay")
)

type Status string

const (
	StatusSaved   Status = "saved"
	StatusPending Status = "pending"
	StatusSaving  Status = "saving"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// SaveFunc persists one snapshot. Any error is treated as transient.
type SaveFunc func(ctx context.Context, c content.Snapshot) error

const (
	DefaultDebounce          = 2 * time.Second
	DefaultMaxRetries        = 3
	DefaultMaxReplayAttempts = 5
)

var DefaultRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

type Config struct {
	Debounce time.Duration
	// RetryDelays[k] is the wait after the (k+1)th failed attempt. The last
	// value repeats when there are more retries than delays.
	RetryDelays []time.Duration
	// MaxRetries is the total number of save-function calls per save.
	MaxRetries int
	// MaxReplayAttempts is the number of failed replays after which a queued
	// entry is dropped.
	MaxReplayAttempts int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = DefaultRetryDelays
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxReplayAttempts <= 0 {
		c.MaxReplayAttempts = DefaultMaxReplayAttempts
	}
	return c
}

type Option func(*Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBaseline sets the content already known to be saved, typically what
// was loaded from the server.
func WithBaseline(c content.Snapshot) Option {
	return func(e *Engine) {
		e.baseline = c.Canonical()
		e.hasBaseline = true
	}
}

// WithOnline sets the initial connectivity. Engines start online.
func WithOnline(online bool) Option {
	return func(e *Engine) { e.online = online }
}

// Engine is one auto-saver for one document.
type Engine struct {
	docID string
	save  SaveFunc
	queue savequeue.Queue
	cfg   Config
	log   *zap.SugaredLogger
	now   func() time.Time

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// saveMu serializes save-function calls, both live saves and replay.
	saveMu sync.Mutex

	mu          sync.Mutex
	status      Status
	baseline    string
	hasBaseline bool
	lastSavedAt time.Time
	pending     content.Snapshot
	hasPending  bool
	inFlight    string // canonical form of the content being saved or replayed
	hasInFlight bool
	timer       *time.Timer
	gen         uint64
	online      bool
	initialized bool
	stopped     bool

	statusBus events.Bus[Status]
}

func New(documentID string, save SaveFunc, queue savequeue.Queue, cfg Config, opts ...Option) *Engine {
	life, cancel := context.WithCancel(context.Background())
	e := &Engine{
		docID:  documentID,
		save:   save,
		queue:  queue,
		cfg:    cfg.withDefaults(),
		log:    logger.Named("autosave"),
		now:    time.Now,
		life:   life,
		cancel: cancel,
		status: StatusSaved,
		online: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init checks that the queue is usable. It must be called before Save,
// ForceSave and FlushQueue.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.initialized {
		return nil
	}
	entries, err := e.queue.GetAllByDocument(e.docID)
	if err != nil {
		return fmt.Errorf("open save queue: %w", err)
	}
	if len(entries) > 0 {
		e.log.Infow("Found queued saves from a previous session", "document_id", e.docID, "count", len(entries))
	}
	e.initialized = true
	return nil
}

// Status returns the current save status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSavedAt is the time of the last successful save or replay.
func (e *Engine) LastSavedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSavedAt
}

// OnStatusChange registers fn for status transitions.
func (e *Engine) OnStatusChange(fn func(Status)) events.Unsubscribe {
	return e.statusBus.Subscribe(fn)
}

// Save records an edit and (re)starts the debounce timer.
func (e *Engine) Save(c content.Snapshot) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	canon := c.Canonical()
	if e.hasInFlight && canon == e.inFlight && !e.hasQueuedLocked() {
		// The same content is already on its way; its outcome sets the status.
		e.cancelTimerLocked()
		e.pending, e.hasPending = nil, false
		e.mu.Unlock()
		metrics.RecordSave("skipped", 0)
		return nil
	}
	if !e.hasInFlight && e.hasBaseline && canon == e.baseline && !e.hasQueuedLocked() {
		e.cancelTimerLocked()
		e.pending, e.hasPending = nil, false
		e.mu.Unlock()
		metrics.RecordSave("skipped", 0)
		e.setStatus(StatusSaved)
		return nil
	}
	e.pending, e.hasPending = c, true
	e.scheduleLocked(e.cfg.Debounce)
	e.mu.Unlock()

	e.setStatus(StatusPending)
	return nil
}

// ForceSave saves c immediately and cancels any pending debounce. It
// returns ErrQueued when the content ended up in the queue instead.
func (e *Engine) ForceSave(ctx context.Context, c content.Snapshot) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.cancelTimerLocked()
	e.pending, e.hasPending = nil, false
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return e.saveLocked(ctx, c)
}

// FlushQueue replays this document's queued saves, oldest first.
func (e *Engine) FlushQueue(ctx context.Context) error {
	e.mu.Lock()
	if err := e.usableLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	return e.replayLocked(ctx)
}

// SetOnline records connectivity. Coming back online starts a queue flush.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	flush := online && !was && e.initialized && !e.stopped
	if flush {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if !flush {
		return
	}
	go func() {
		defer e.wg.Done()
		e.saveMu.Lock()
		defer e.saveMu.Unlock()
		if err := e.replayLocked(e.life); err != nil && !errors.Is(err, ErrStopped) {
			e.log.Warnw("Queue flush after reconnect did not complete", "document_id", e.docID, "error", err)
		}
	}()
}

// Stop cancels timers and in-flight retries. No status callback fires and no
// save function call starts after Stop returns. Content whose save was
// interrupted is left in the queue.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	e.cancelTimerLocked()
	e.pending, e.hasPending = nil, false
	e.cancel()
}

// Destroy stops the engine, waits for running work and closes the queue.
func (e *Engine) Destroy() error {
	e.Stop()
	e.wg.Wait()
	e.statusBus.Clear()
	return e.queue.Close()
}

func (e *Engine) usableLocked() error {
	if e.stopped {
		return ErrStopped
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (e *Engine) scheduleLocked(d time.Duration) {
	e.cancelTimerLocked()
	gen := e.gen
	e.timer = time.AfterFunc(d, func() { e.fire(gen) })
}

func (e *Engine) cancelTimerLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) fire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	// Blocks while another save or a replay is running; the newest pending
	// content is taken only once this goroutine owns the save slot.
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.stopped || !e.hasPending {
		e.mu.Unlock()
		return
	}
	c := e.pending
	e.pending, e.hasPending = nil, false
	e.mu.Unlock()

	if err := e.saveLocked(e.life, c); err != nil && !errors.Is(err, ErrStopped) {
		e.log.Debugw("Debounced save did not reach the server", "document_id", e.docID, "error", err)
	}
}

// saveLocked runs one save with retries. Caller holds saveMu.
func (e *Engine) saveLocked(ctx context.Context, c content.Snapshot) (err error) {
	ctx, release := e.bind(ctx)
	defer release()
	ctx, span := tracing.StartSpan(ctx, "autosave.save", attribute.String("document.id", e.docID))
	defer func() { tracing.EndSpan(span, err) }()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	canon := c.Canonical()
	if e.hasBaseline && canon == e.baseline && !e.hasQueuedLocked() {
		more := e.hasPending
		e.mu.Unlock()
		metrics.RecordSave("skipped", 0)
		if !more {
			e.setStatus(StatusSaved)
		}
		return nil
	}
	online := e.online
	e.mu.Unlock()

	e.beginSave(canon)
	defer e.endSave()

	if !online {
		return e.spill(c, StatusOffline, nil)
	}

	e.setStatus(StatusSaving)
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !e.wait(ctx, e.retryDelay(attempt-1)) {
				break
			}
			if !e.isOnline() {
				return e.spill(c, StatusOffline, lastErr)
			}
		}

		if e.isStopped() {
			break
		}
		start := time.Now()
		lastErr = e.save(ctx, c)
		if lastErr == nil {
			metrics.RecordSave("ok", time.Since(start))
			e.markSaved(c)
			e.discardSuperseded()
			return nil
		}
		metrics.RecordSave("failed", time.Since(start))
		e.log.Warnw("Save attempt failed", "document_id", e.docID, "attempt", attempt+1, "max_attempts", e.cfg.MaxRetries, "error", lastErr)
	}

	status := StatusError
	if !e.isOnline() {
		status = StatusOffline
	}
	return e.spill(c, status, lastErr)
}

// spill writes c to the durable queue and reports status.
func (e *Engine) spill(c content.Snapshot, status Status, cause error) error {
	entry := savequeue.NewEntry(e.docID, c, e.now())
	if err := e.queue.Add(entry); err != nil {
		e.log.Errorw("Failed to queue unsaved content", "document_id", e.docID, "error", err)
		e.setStatus(StatusError)
		return fmt.Errorf("queue unsaved content: %w", err)
	}
	metrics.RecordQueue("enqueued")
	e.log.Warnw("Content queued for later replay", "document_id", e.docID, "entry_id", entry.ID, "status", status)
	e.setStatus(status)
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrQueued, cause)
	}
	return ErrQueued
}

// discardSuperseded drops queued entries once newer content has been saved.
// Queued entries are full snapshots, so replaying them afterwards would
// overwrite the newer save.
func (e *Engine) discardSuperseded() {
	entries, err := e.queue.GetAllByDocument(e.docID)
	if err != nil || len(entries) == 0 {
		return
	}
	for _, entry := range entries {
		if err := e.queue.Delete(entry.ID); err != nil {
			e.log.Warnw("Failed to discard superseded queued save", "document_id", e.docID, "entry_id", entry.ID, "error", err)
			continue
		}
		metrics.RecordQueue("superseded")
	}
	e.log.Infow("Discarded queued saves superseded by a newer save", "document_id", e.docID, "count", len(entries))
}

// replayLocked replays queued entries in enqueue order. Caller holds saveMu.
func (e *Engine) replayLocked(ctx context.Context) (err error) {
	ctx, release := e.bind(ctx)
	defer release()
	ctx, span := tracing.StartSpan(ctx, "autosave.replay", attribute.String("document.id", e.docID))
	defer func() { tracing.EndSpan(span, err) }()

	entries, err := e.queue.GetAllByDocument(e.docID)
	if err != nil {
		e.log.Errorw("Failed to load queued saves", "document_id", e.docID, "error", err)
		return fmt.Errorf("load queued saves: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	e.log.Infow("Replaying queued saves", "document_id", e.docID, "count", len(entries))

	for _, entry := range entries {
		if e.isStopped() {
			return ErrStopped
		}

		start := time.Now()
		e.beginSave(entry.Content.Canonical())
		saveErr := e.save(ctx, entry.Content)
		e.endSave()
		if saveErr == nil {
			metrics.RecordSave("ok", time.Since(start))
			if err := e.queue.Delete(entry.ID); err != nil {
				return fmt.Errorf("delete replayed entry %s: %w", entry.ID, err)
			}
			metrics.RecordQueue("replayed")
			e.markSaved(entry.Content)
			continue
		}
		metrics.RecordSave("failed", time.Since(start))

		at := e.now()
		entry.Attempts++
		entry.LastAttemptAt = &at
		if entry.Attempts >= e.cfg.MaxReplayAttempts {
			e.log.Errorw("Dropping queued save after repeated replay failures, content lost",
				"document_id", e.docID,
				"entry_id", entry.ID,
				"attempts", entry.Attempts,
				"enqueued_at", entry.EnqueuedAt,
				"error", saveErr,
			)
			if err := e.queue.Delete(entry.ID); err != nil {
				return fmt.Errorf("drop entry %s: %w", entry.ID, err)
			}
			metrics.RecordQueue("dropped")
			continue
		}

		if err := e.queue.Put(entry); err != nil {
			return fmt.Errorf("requeue entry %s: %w", entry.ID, err)
		}
		metrics.RecordQueue("requeued")
		if e.isOnline() {
			e.setStatus(StatusError)
		} else {
			e.setStatus(StatusOffline)
		}
		return fmt.Errorf("replay entry %s: %w", entry.ID, saveErr)
	}
	return nil
}

// hasQueuedLocked reports whether the queue holds entries for this document.
// A replay of any of them would land on top of the baseline, so content equal
// to the baseline still has to be saved. Read errors count as queued.
func (e *Engine) hasQueuedLocked() bool {
	entries, err := e.queue.GetAllByDocument(e.docID)
	return err != nil || len(entries) > 0
}

func (e *Engine) beginSave(canon string) {
	e.mu.Lock()
	e.inFlight, e.hasInFlight = canon, true
	e.mu.Unlock()
}

func (e *Engine) endSave() {
	e.mu.Lock()
	e.inFlight, e.hasInFlight = "", false
	e.mu.Unlock()
}

func (e *Engine) markSaved(c content.Snapshot) {
	e.mu.Lock()
	e.baseline = c.Canonical()
	e.hasBaseline = true
	e.lastSavedAt = e.now()
	more := e.hasPending
	e.mu.Unlock()

	if more {
		e.setStatus(StatusPending)
	} else {
		e.setStatus(StatusSaved)
	}
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	if e.stopped || e.status == s {
		e.mu.Unlock()
		return
	}
	e.status = s
	e.mu.Unlock()
	e.statusBus.Publish(s)
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Engine) retryDelay(k int) time.Duration {
	if k >= len(e.cfg.RetryDelays) {
		k = len(e.cfg.RetryDelays) - 1
	}
	return e.cfg.RetryDelays[k]
}

// wait sleeps for d unless ctx ends first.
func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// bind derives a context that also ends when the engine stops.
func (e *Engine) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
