// Package lock implements section-level exclusive editing leases.
//
// The Manager never decides liveness itself: every acquire, renew and status
// query goes to the LeaseStore, whose clock is the single source of truth.
// Failures are reported to the caller and never retried here.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"naskahsync/pkg/logger"
	"naskahsync/pkg/metrics"
	"naskahsync/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultTTL               = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Config sets lease timing. HeartbeatInterval must not exceed a third of
// TTL so a single missed heartbeat never loses the lock.
type Config struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.TTL / 3
	}
	return c
}

// Validate checks the heartbeat/TTL ratio.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.HeartbeatInterval*3 > c.TTL {
		return fmt.Errorf("%w: heartbeat interval %s exceeds a third of ttl %s", ErrInvalidConfig, c.HeartbeatInterval, c.TTL)
	}
	return nil
}

// AcquireResult reports the outcome of Acquire. Contention is not an error:
// Granted is false and HeldBy names the current holder.
type AcquireResult struct {
	Granted bool   `json:"granted"`
	Lock    *Lease `json:"lock,omitempty"`
	HeldBy  string `json:"held_by,omitempty"`
}

// Status is a read-only snapshot of a section's lock.
type Status struct {
	SectionID string     `json:"section_id"`
	Locked    bool       `json:"locked"`
	HolderID  string     `json:"holder_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	HeldByMe  bool       `json:"held_by_me"`
	// Known is false when the lease store could not be queried.
	Known bool `json:"known"`
}

// Manager acquires and tracks leases for one client process.
type Manager struct {
	store LeaseStore
	cfg   Config
	log   *zap.SugaredLogger

	mu   sync.Mutex
	held map[string]*Lease // sectionID -> lease acquired through this manager
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger overrides the component logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a Manager backed by store.
func NewManager(store LeaseStore, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   logger.Named("lock"),
		held:  make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the effective timing.
func (m *Manager) Config() Config {
	return m.cfg
}

// Acquire tries once to take the section for holderID.
func (m *Manager) Acquire(ctx context.Context, sectionID, holderID string) (AcquireResult, error) {
	if sectionID == "" {
		return AcquireResult{}, ErrEmptySection
	}
	if holderID == "" {
		return AcquireResult{}, ErrEmptyHolder
	}

	ctx, span := tracing.StartSpan(ctx, "lock.Acquire",
		attribute.String("section.id", sectionID),
		attribute.String("holder.id", holderID),
	)
	res, err := m.store.TryAcquire(ctx, sectionID, holderID, m.cfg.TTL)
	tracing.EndSpan(span, err)
	if err != nil {
		metrics.RecordLock("acquire", "error")
		m.log.Warnf("Acquire of section %s by %s failed: %v", sectionID, holderID, err)
		return AcquireResult{}, fmt.Errorf("acquire section %s: %w", sectionID, err)
	}

	if !res.OK {
		metrics.RecordLock("acquire", "contended")
		return AcquireResult{Granted: false, HeldBy: res.CurrentHolder}, nil
	}

	m.mu.Lock()
	m.held[sectionID] = res.Lease
	m.mu.Unlock()

	metrics.RecordLock("acquire", "granted")
	m.log.Debugf("Section %s locked by %s until %s", sectionID, holderID, res.Lease.ExpiresAt.Format(time.RFC3339))
	return AcquireResult{Granted: true, Lock: res.Lease}, nil
}

// Heartbeat extends the lease. A false result means the caller has lost the
// lock and must stop editing; err is set only when the store was unreachable.
func (m *Manager) Heartbeat(ctx context.Context, leaseID string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "lock.Heartbeat", attribute.String("lease.id", leaseID))
	ok, err := m.store.Renew(ctx, leaseID, m.cfg.TTL)
	tracing.EndSpan(span, err)
	if err != nil {
		metrics.RecordLock("heartbeat", "error")
		return false, fmt.Errorf("renew lease %s: %w", leaseID, err)
	}
	if !ok {
		metrics.RecordLock("heartbeat", "lost")
		m.forget(leaseID)
		return false, nil
	}

	metrics.RecordLock("heartbeat", "renewed")
	m.mu.Lock()
	for _, l := range m.held {
		if l.ID == leaseID {
			now := time.Now()
			l.LastHeartbeatAt = now
			l.ExpiresAt = now.Add(m.cfg.TTL)
		}
	}
	m.mu.Unlock()
	return true, nil
}

// Release gives up the section if this manager holds it. Releasing a section
// that is unknown, expired or held by someone else is a no-op.
func (m *Manager) Release(ctx context.Context, sectionID string) error {
	m.mu.Lock()
	l, ok := m.held[sectionID]
	delete(m.held, sectionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := m.store.Release(ctx, l.ID); err != nil {
		metrics.RecordLock("release", "error")
		m.log.Warnf("Release of section %s (lease %s) failed, expiry will reclaim it: %v", sectionID, l.ID, err)
		return fmt.Errorf("release section %s: %w", sectionID, err)
	}
	metrics.RecordLock("release", "released")
	return nil
}

// ReleaseAll releases every lease acquired through this manager.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	sections := make([]string, 0, len(m.held))
	for id := range m.held {
		sections = append(sections, id)
	}
	m.mu.Unlock()

	for _, id := range sections {
		_ = m.Release(ctx, id)
	}
}

// Status reports the live lock on a section. It never fails; if the store
// cannot be reached the snapshot has Known=false.
func (m *Manager) Status(ctx context.Context, sectionID string) Status {
	st := Status{SectionID: sectionID}

	l, err := m.store.Get(ctx, sectionID)
	if err != nil {
		m.log.Warnf("Status lookup for section %s failed: %v", sectionID, err)
		return st
	}
	st.Known = true
	if l == nil {
		return st
	}

	expires := l.ExpiresAt
	st.Locked = true
	st.HolderID = l.HolderID
	st.ExpiresAt = &expires

	m.mu.Lock()
	mine, ok := m.held[sectionID]
	st.HeldByMe = ok && mine.ID == l.ID
	m.mu.Unlock()
	return st
}

// Held returns the lease this manager holds for a section, if any.
func (m *Manager) Held(sectionID string) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.held[sectionID]
	if !ok {
		return nil, false
	}
	cp := *l
	return &cp, true
}

// KeepAlive heartbeats lease every HeartbeatInterval until ctx is done or a
// heartbeat reports the lease lost, in which case onLost runs once. Store
// errors are logged and the next tick tries again; two consecutive misses
// let the lease expire on its own. The returned channel closes when the
// loop exits.
func (m *Manager) KeepAlive(ctx context.Context, lease *Lease, onLost func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.Heartbeat(ctx, lease.ID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					m.log.Warnf("Heartbeat for section %s failed: %v", lease.SectionID, err)
					continue
				}
				if !ok {
					m.log.Infof("Lost lock on section %s", lease.SectionID)
					if onLost != nil {
						onLost()
					}
					return
				}
			}
		}
	}()
	return done
}

func (m *Manager) forget(leaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for section, l := range m.held {
		if l.ID == leaseID {
			delete(m.held, section)
		}
	}
}
