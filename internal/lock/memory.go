package lock

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// MemoryLeaseStore is an in-process lease primitive. Its mutex is the
// atomicity guarantee, so it only serves clients sharing one process.
type MemoryLeaseStore struct {
	mu        sync.Mutex
	now       func() time.Time
	bySection map[string]*Lease
	byID      map[string]*Lease
}

// NewMemoryLeaseStore returns an empty store using time.Now.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return NewMemoryLeaseStoreWithClock(time.Now)
}

// NewMemoryLeaseStoreWithClock lets tests drive expiry.
func NewMemoryLeaseStoreWithClock(now func() time.Time) *MemoryLeaseStore {
	return &MemoryLeaseStore{
		now:       now,
		bySection: make(map[string]*Lease),
		byID:      make(map[string]*Lease),
	}
}

func (s *MemoryLeaseStore) TryAcquire(_ context.Context, sectionID, holderID string, ttl time.Duration) (TryAcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.bySection[sectionID]; ok && cur.ActiveAt(now) {
		if cur.HolderID != holderID {
			return TryAcquireResult{OK: false, CurrentHolder: cur.HolderID}, nil
		}
		cur.ExpiresAt = now.Add(ttl)
		cur.LastHeartbeatAt = now
		cp := *cur
		return TryAcquireResult{OK: true, Lease: &cp}, nil
	} else if ok {
		delete(s.byID, cur.ID)
	}

	l := &Lease{
		ID:              ksuid.New().String(),
		SectionID:       sectionID,
		HolderID:        holderID,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
		LastHeartbeatAt: now,
	}
	s.bySection[sectionID] = l
	s.byID[l.ID] = l
	cp := *l
	return TryAcquireResult{OK: true, Lease: &cp}, nil
}

func (s *MemoryLeaseStore) Renew(_ context.Context, leaseID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.byID[leaseID]
	if !ok || !l.ActiveAt(now) {
		return false, nil
	}
	l.ExpiresAt = now.Add(ttl)
	l.LastHeartbeatAt = now
	return true, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.byID[leaseID]
	if !ok {
		return nil
	}
	delete(s.byID, leaseID)
	if cur, ok := s.bySection[l.SectionID]; ok && cur.ID == leaseID {
		delete(s.bySection, l.SectionID)
	}
	return nil
}

func (s *MemoryLeaseStore) Get(_ context.Context, sectionID string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.bySection[sectionID]
	if !ok || !l.ActiveAt(s.now()) {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}
