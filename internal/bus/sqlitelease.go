package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kverlaen/crewd/internal/storage/sqlite"
)

// SQLiteLeaseStore keeps leases in the shared database so they survive a
// restart and expire on the same wall clock.
type SQLiteLeaseStore struct {
	db *sqlite.DB
}

// NewSQLiteLeaseStore wraps an opened database handle.
func NewSQLiteLeaseStore(db *sqlite.DB) *SQLiteLeaseStore {
	return &SQLiteLeaseStore{db: db}
}

func (s *SQLiteLeaseStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, string, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin lease acquire: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var (
		currentHolder string
		expiresAt     string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE path = ?`, key,
	).Scan(&currentHolder, &expiresAt)
	switch {
	case err == nil:
		expiry, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
		if parseErr != nil {
			return false, "", fmt.Errorf("lease %s expiry: %w", key, parseErr)
		}
		if expiry.After(now) && currentHolder != holder {
			return false, currentHolder, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// free
	default:
		return false, "", fmt.Errorf("read lease %s: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leases (path, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET holder = excluded.holder,
			acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		key, holder, now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano),
	); err != nil {
		return false, "", fmt.Errorf("write lease %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit lease %s: %w", key, err)
	}
	return true, holder, nil
}

func (s *SQLiteLeaseStore) Holder(ctx context.Context, key string) (string, bool, error) {
	var (
		holder    string
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE path = ?`, key,
	).Scan(&holder, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read lease %s: %w", key, err)
	}
	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return "", false, fmt.Errorf("lease %s expiry: %w", key, err)
	}
	if !expiry.After(time.Now().UTC()) {
		return "", false, nil
	}
	return holder, true, nil
}

func (s *SQLiteLeaseStore) Release(ctx context.Context, key, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE path = ? AND holder = ?`, key, holder,
	); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
