package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid lock configuration")
	ErrEmptyHolder   = errors.New("holder id is required")
	ErrEmptySection  = errors.New("section id is required")
)

// Lease is a live, time-bounded exclusive claim on a section.
type Lease struct {
	ID              string    `json:"id"`
	SectionID       string    `json:"section_id"`
	HolderID        string    `json:"holder_id"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ActiveAt reports whether the lease is still live at now.
func (l *Lease) ActiveAt(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// TryAcquireResult is what the lease primitive returns for an acquire attempt.
// When OK is false, CurrentHolder names whoever holds the live lease.
type TryAcquireResult struct {
	OK            bool   `json:"ok"`
	Lease         *Lease `json:"lease,omitempty"`
	CurrentHolder string `json:"current_holder,omitempty"`
}

// LeaseStore is the atomic lease primitive. Implementations decide liveness
// with their own clock; callers never compare timestamps themselves.
type LeaseStore interface {
	// TryAcquire grants the section to holderID if no live lease exists or
	// holderID already holds it. It must be atomic across processes.
	TryAcquire(ctx context.Context, sectionID, holderID string, ttl time.Duration) (TryAcquireResult, error)
	// Renew extends a live lease. It returns false, not an error, when the
	// lease is unknown or already expired.
	Renew(ctx context.Context, leaseID string, ttl time.Duration) (bool, error)
	// Release drops the lease. Unknown ids are not an error.
	Release(ctx context.Context, leaseID string) error
	// Get returns the live lease for a section, or nil.
	Get(ctx context.Context, sectionID string) (*Lease, error)
}
