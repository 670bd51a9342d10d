package bus

import (
	"context"
	"sync"
	"time"
)

// DefaultLeaseTTL is the reservation window used when callers pass a
// non-positive TTL.
const DefaultLeaseTTL = 120 * time.Second

// LeaseStore hands out exclusive, wall-clock-expiring reservations on
// resource keys (file paths). Acquire never blocks; expiry is independent of
// holder liveness.
type LeaseStore interface {
	// Acquire reserves key for holder. It succeeds when no unexpired lease
	// exists, or when holder already owns the key (the lease is renewed).
	// On contention it returns false plus the current holder.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, string, error)
	// Holder returns the current unexpired holder, if any.
	Holder(ctx context.Context, key string) (string, bool, error)
	// Release drops the lease. No-op when the caller is not the holder.
	Release(ctx context.Context, key, holder string) error
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryLeaseStore is the in-process LeaseStore.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]lease
}

// NewMemoryLeaseStore creates an empty lease table.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]lease)}
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, string, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if current, ok := s.leases[key]; ok && current.expiresAt.After(now) && current.holder != holder {
		return false, current.holder, nil
	}
	s.leases[key] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, holder, nil
}

func (s *MemoryLeaseStore) Holder(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[key]
	if !ok || !current.expiresAt.After(time.Now()) {
		return "", false, nil
	}
	return current.holder, true, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[key]; ok && current.holder == holder {
		delete(s.leases, key)
	}
	return nil
}
