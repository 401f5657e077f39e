package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"naskahsync/pkg/logger"

	"github.com/segmentio/ksuid"
)

// PostgresLeaseStore keeps leases in the section_locks table. Liveness is
// always compared against the database clock (NOW()), and acquisition is a
// single conditional upsert, so concurrent processes cannot both win.
type PostgresLeaseStore struct {
	DB *sql.DB
}

func NewPostgresLeaseStore(db *sql.DB) *PostgresLeaseStore {
	return &PostgresLeaseStore{DB: db}
}

const tryAcquireQuery = `
	INSERT INTO section_locks (section_id, lease_id, holder_id, acquired_at, expires_at, last_heartbeat_at)
	VALUES ($1, $2, $3, NOW(), NOW() + $4::bigint * INTERVAL '1 millisecond', NOW())
	ON CONFLICT (section_id) DO UPDATE SET
		lease_id = CASE WHEN section_locks.holder_id = EXCLUDED.holder_id AND section_locks.expires_at > NOW()
			THEN section_locks.lease_id ELSE EXCLUDED.lease_id END,
		acquired_at = CASE WHEN section_locks.holder_id = EXCLUDED.holder_id AND section_locks.expires_at > NOW()
			THEN section_locks.acquired_at ELSE EXCLUDED.acquired_at END,
		holder_id = EXCLUDED.holder_id,
		expires_at = EXCLUDED.expires_at,
		last_heartbeat_at = EXCLUDED.last_heartbeat_at
	WHERE section_locks.expires_at <= NOW() OR section_locks.holder_id = EXCLUDED.holder_id
	RETURNING lease_id, section_id, holder_id, acquired_at, expires_at, last_heartbeat_at`

func (s *PostgresLeaseStore) TryAcquire(ctx context.Context, sectionID, holderID string, ttl time.Duration) (TryAcquireResult, error) {
	var l Lease
	err := s.DB.QueryRowContext(ctx, tryAcquireQuery, sectionID, ksuid.New().String(), holderID, ttl.Milliseconds()).
		Scan(&l.ID, &l.SectionID, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt, &l.LastHeartbeatAt)
	if err == nil {
		return TryAcquireResult{OK: true, Lease: &l}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to acquire lock on section %s: %v", sectionID, err)
		return TryAcquireResult{}, fmt.Errorf("try acquire: %w", err)
	}

	// The upsert was refused, so someone else holds a live lease.
	cur, err := s.Get(ctx, sectionID)
	if err != nil {
		return TryAcquireResult{}, err
	}
	res := TryAcquireResult{OK: false}
	if cur != nil {
		res.CurrentHolder = cur.HolderID
	}
	return res, nil
}

func (s *PostgresLeaseStore) Renew(ctx context.Context, leaseID string, ttl time.Duration) (bool, error) {
	result, err := s.DB.ExecContext(ctx, `
		UPDATE section_locks
		SET expires_at = NOW() + $2::bigint * INTERVAL '1 millisecond', last_heartbeat_at = NOW()
		WHERE lease_id = $1 AND expires_at > NOW()`, leaseID, ttl.Milliseconds())
	if err != nil {
		logger.Sugar.Errorf("Failed to renew lease %s: %v", leaseID, err)
		return false, fmt.Errorf("renew: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresLeaseStore) Release(ctx context.Context, leaseID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM section_locks WHERE lease_id = $1`, leaseID); err != nil {
		logger.Sugar.Errorf("Failed to release lease %s: %v", leaseID, err)
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

func (s *PostgresLeaseStore) Get(ctx context.Context, sectionID string) (*Lease, error) {
	var l Lease
	err := s.DB.QueryRowContext(ctx, `
		SELECT lease_id, section_id, holder_id, acquired_at, expires_at, last_heartbeat_at
		FROM section_locks WHERE section_id = $1 AND expires_at > NOW()`, sectionID).
		Scan(&l.ID, &l.SectionID, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt, &l.LastHeartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get lock for section %s: %v", sectionID, err)
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return &l, nil
}
