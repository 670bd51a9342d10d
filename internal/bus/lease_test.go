package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kverlaen/crewd/internal/storage/sqlite"
)

func leaseImpls(t *testing.T) map[string]LeaseStore {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "crewd.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]LeaseStore{
		"memory": NewMemoryLeaseStore(),
		"sqlite": NewSQLiteLeaseStore(db),
	}
}

func TestLeaseExclusive(t *testing.T) {
	ctx := context.Background()
	for name, store := range leaseImpls(t) {
		t.Run(name, func(t *testing.T) {
			ok, _, err := store.Acquire(ctx, "src/a.go", "agent-1", time.Minute)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if !ok {
				t.Fatal("first acquire failed")
			}

			ok, holder, err := store.Acquire(ctx, "src/a.go", "agent-2", time.Minute)
			if err != nil {
				t.Fatalf("contending Acquire: %v", err)
			}
			if ok {
				t.Fatal("second holder acquired a held lease")
			}
			if holder != "agent-1" {
				t.Errorf("holder: got %q, want %q", holder, "agent-1")
			}

			// Same holder renews.
			ok, _, err = store.Acquire(ctx, "src/a.go", "agent-1", time.Minute)
			if err != nil || !ok {
				t.Fatalf("renew: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	for name, store := range leaseImpls(t) {
		t.Run(name, func(t *testing.T) {
			if ok, _, _ := store.Acquire(ctx, "src/b.go", "agent-1", 20*time.Millisecond); !ok {
				t.Fatal("acquire failed")
			}
			time.Sleep(40 * time.Millisecond)

			if _, leased, _ := store.Holder(ctx, "src/b.go"); leased {
				t.Error("expired lease still reported held")
			}
			ok, _, err := store.Acquire(ctx, "src/b.go", "agent-2", time.Minute)
			if err != nil {
				t.Fatalf("Acquire after expiry: %v", err)
			}
			if !ok {
				t.Error("could not acquire expired lease")
			}
		})
	}
}

func TestLeaseReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	for name, store := range leaseImpls(t) {
		t.Run(name, func(t *testing.T) {
			if ok, _, _ := store.Acquire(ctx, "src/c.go", "agent-1", time.Minute); !ok {
				t.Fatal("acquire failed")
			}

			if err := store.Release(ctx, "src/c.go", "agent-2"); err != nil {
				t.Fatalf("non-holder release: %v", err)
			}
			if holder, leased, _ := store.Holder(ctx, "src/c.go"); !leased || holder != "agent-1" {
				t.Fatalf("lease disturbed by non-holder: holder=%q leased=%v", holder, leased)
			}

			if err := store.Release(ctx, "src/c.go", "agent-1"); err != nil {
				t.Fatalf("holder release: %v", err)
			}
			if _, leased, _ := store.Holder(ctx, "src/c.go"); leased {
				t.Error("lease survives holder release")
			}
		})
	}
}

func TestLeaseSingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	for name, store := range leaseImpls(t) {
		t.Run(name, func(t *testing.T) {
			const contenders = 12
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, _, err := store.Acquire(ctx, "src/hot.go", string(rune('a'+i)), time.Minute)
					if err != nil {
						t.Errorf("Acquire: %v", err)
						return
					}
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("winners: got %d, want 1", wins)
			}
		})
	}
}
