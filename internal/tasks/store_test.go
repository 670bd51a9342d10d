package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kverlaen/crewd/internal/storage/sqlite"
)

// storeImpls returns every Store implementation under test so each case runs
// against both the in-memory and the durable variant.
func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "crewd.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLiteStore(db),
	}
}

func TestCreateDefaults(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(ctx, &Task{Title: "build parser"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if !strings.HasPrefix(created.ID, "task_") {
				t.Errorf("id: got %q, want task_ prefix", created.ID)
			}
			if created.Status != StatusReady {
				t.Errorf("status: got %s, want %s (no dependencies)", created.Status, StatusReady)
			}
			if created.Priority != PriorityMedium {
				t.Errorf("priority: got %s, want %s", created.Priority, PriorityMedium)
			}
			if created.MaxRetries != DefaultMaxRetries {
				t.Errorf("maxRetries: got %d, want %d", created.MaxRetries, DefaultMaxRetries)
			}

			dependent, err := store.Create(ctx, &Task{
				Title:        "wire parser into CLI",
				Dependencies: []string{created.ID},
			})
			if err != nil {
				t.Fatalf("Create dependent: %v", err)
			}
			if dependent.Status != StatusPending {
				t.Errorf("dependent status: got %s, want %s", dependent.Status, StatusPending)
			}

			if _, err := store.Create(ctx, &Task{ID: created.ID, Title: "dup"}); !errors.Is(err, ErrExists) {
				t.Errorf("duplicate create: got %v, want ErrExists", err)
			}
			if _, err := store.Create(ctx, &Task{}); err == nil {
				t.Error("create without title: expected error")
			}
		})
	}
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(ctx, &Task{Title: "refactor store"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			claimed, err := store.Claim(ctx, created.ID, "agent-1")
			if err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if claimed.Status != StatusClaimed {
				t.Errorf("status: got %s, want %s", claimed.Status, StatusClaimed)
			}
			if claimed.AssignedAgent != "agent-1" {
				t.Errorf("assignedAgent: got %q, want %q", claimed.AssignedAgent, "agent-1")
			}
			if claimed.ClaimedAt == nil {
				t.Error("claimedAt not set")
			}

			if _, err := store.Claim(ctx, created.ID, "agent-2"); !errors.Is(err, ErrClaimConflict) {
				t.Errorf("second claim: got %v, want ErrClaimConflict", err)
			}

			inProgress := StatusInProgress
			owner := "agent-1"
			running, err := store.Update(ctx, created.ID, Patch{Status: &inProgress, IfAssignedTo: &owner})
			if err != nil {
				t.Fatalf("Update to in_progress: %v", err)
			}
			if running.StartedAt == nil {
				t.Error("startedAt not stamped on in_progress")
			}

			completed := StatusCompleted
			done, err := store.Update(ctx, created.ID, Patch{Status: &completed, IfAssignedTo: &owner})
			if err != nil {
				t.Fatalf("Update to completed: %v", err)
			}
			if done.CompletedAt == nil {
				t.Error("completedAt not stamped")
			}
			if done.AssignedAgent != "" {
				t.Errorf("completed task keeps assignment %q, want cleared", done.AssignedAgent)
			}
		})
	}
}

func TestUpdateRejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(ctx, &Task{Title: "x"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			// ready -> claimed is reserved for Claim.
			claimedStatus := StatusClaimed
			if _, err := store.Update(ctx, created.ID, Patch{Status: &claimedStatus}); !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("ready->claimed via update: got %v, want ErrIllegalTransition", err)
			}

			completed := StatusCompleted
			if _, err := store.Update(ctx, created.ID, Patch{Status: &completed}); !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("ready->completed: got %v, want ErrIllegalTransition", err)
			}

			if _, err := store.Update(ctx, "task_missing", Patch{Status: &completed}); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing task: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUpdateOwnerGuard(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(ctx, &Task{Title: "guarded"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := store.Claim(ctx, created.ID, "agent-1"); err != nil {
				t.Fatalf("Claim: %v", err)
			}

			inProgress := StatusInProgress
			intruder := "agent-2"
			if _, err := store.Update(ctx, created.ID, Patch{Status: &inProgress, IfAssignedTo: &intruder}); !errors.Is(err, ErrNotOwner) {
				t.Errorf("update by non-owner: got %v, want ErrNotOwner", err)
			}
		})
	}
}

func TestDependencyPromotion(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			first, err := store.Create(ctx, &Task{Title: "first"})
			if err != nil {
				t.Fatalf("Create first: %v", err)
			}
			second, err := store.Create(ctx, &Task{Title: "second", Dependencies: []string{first.ID}})
			if err != nil {
				t.Fatalf("Create second: %v", err)
			}

			ready, err := store.GetReady(ctx)
			if err != nil {
				t.Fatalf("GetReady: %v", err)
			}
			if len(ready) != 1 || ready[0].ID != first.ID {
				t.Fatalf("GetReady before completion: got %d tasks, want only %s", len(ready), first.ID)
			}

			if _, err := store.Claim(ctx, first.ID, "agent-1"); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			inProgress, completed := StatusInProgress, StatusCompleted
			if _, err := store.Update(ctx, first.ID, Patch{Status: &inProgress}); err != nil {
				t.Fatalf("to in_progress: %v", err)
			}
			if _, err := store.Update(ctx, first.ID, Patch{Status: &completed}); err != nil {
				t.Fatalf("to completed: %v", err)
			}

			ready, err = store.GetReady(ctx)
			if err != nil {
				t.Fatalf("GetReady after completion: %v", err)
			}
			if len(ready) != 1 || ready[0].ID != second.ID {
				t.Fatalf("promotion: got %d tasks, want only %s", len(ready), second.ID)
			}
			got, err := store.Get(ctx, second.ID)
			if err != nil {
				t.Fatalf("Get second: %v", err)
			}
			if got.Status != StatusReady {
				t.Errorf("second status: got %s, want %s", got.Status, StatusReady)
			}
		})
	}
}

func TestGetReadyOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			for _, p := range []Priority{PriorityLow, PriorityCritical, PriorityMedium, PriorityHigh} {
				if _, err := store.Create(ctx, &Task{Title: string(p), Priority: p}); err != nil {
					t.Fatalf("Create %s: %v", p, err)
				}
			}

			ready, err := store.GetReady(ctx)
			if err != nil {
				t.Fatalf("GetReady: %v", err)
			}
			want := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
			if len(ready) != len(want) {
				t.Fatalf("got %d tasks, want %d", len(ready), len(want))
			}
			for i, task := range ready {
				if task.Priority != want[i] {
					t.Errorf("position %d: got %s, want %s", i, task.Priority, want[i])
				}
			}
		})
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(ctx, &Task{Title: "contested"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			const claimants = 16
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins []string
			)
			for i := 0; i < claimants; i++ {
				wg.Add(1)
				go func(agent int) {
					defer wg.Done()
					claimed, err := store.Claim(ctx, created.ID, "agent-"+string(rune('a'+agent)))
					if err == nil {
						mu.Lock()
						wins = append(wins, claimed.AssignedAgent)
						mu.Unlock()
					} else if !errors.Is(err, ErrClaimConflict) {
						t.Errorf("unexpected claim error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if len(wins) != 1 {
				t.Fatalf("winners: got %d, want exactly 1", len(wins))
			}
			got, err := store.Get(ctx, created.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.AssignedAgent != wins[0] {
				t.Errorf("assignedAgent: got %q, want winner %q", got.AssignedAgent, wins[0])
			}
		})
	}
}

func TestRetryCountCannotExceedBudget(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			created, err := store.Create(ctx, &Task{Title: "bounded", MaxRetries: 1})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			over := 2
			if _, err := store.Update(ctx, created.ID, Patch{RetryCount: &over}); !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("retry over budget: got %v, want ErrIllegalTransition", err)
			}
		})
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := store.Create(ctx, &Task{Title: "a"})
			if _, err := store.Create(ctx, &Task{Title: "b"}); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := store.Claim(ctx, a.ID, "agent-1"); err != nil {
				t.Fatalf("Claim: %v", err)
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats.Total != 2 {
				t.Errorf("total: got %d, want 2", stats.Total)
			}
			if stats.ByStatus[StatusReady] != 1 || stats.ByStatus[StatusClaimed] != 1 {
				t.Errorf("byStatus: got %v, want 1 ready + 1 claimed", stats.ByStatus)
			}
		})
	}
}

func TestListFilter(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := store.Create(ctx, &Task{Title: "a", Tags: []string{"infra"}})
			if _, err := store.Create(ctx, &Task{Title: "b"}); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := store.Claim(ctx, a.ID, "agent-1"); err != nil {
				t.Fatalf("Claim: %v", err)
			}

			claimed, err := store.List(ctx, Filter{Status: StatusClaimed, AssignedAgent: "agent-1"})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(claimed) != 1 || claimed[0].ID != a.ID {
				t.Fatalf("claimed filter: got %d tasks", len(claimed))
			}

			tagged, err := store.List(ctx, Filter{Tag: "infra"})
			if err != nil {
				t.Fatalf("List by tag: %v", err)
			}
			if len(tagged) != 1 || tagged[0].ID != a.ID {
				t.Fatalf("tag filter: got %d tasks", len(tagged))
			}
		})
	}
}

func TestRecoverResetsOrphanedClaims(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			claimedTask, _ := store.Create(ctx, &Task{Title: "claimed"})
			runningTask, _ := store.Create(ctx, &Task{Title: "running"})
			doneTask, _ := store.Create(ctx, &Task{Title: "done"})

			if _, err := store.Claim(ctx, claimedTask.ID, "ghost"); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if _, err := store.Claim(ctx, runningTask.ID, "ghost"); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			inProgress, completed := StatusInProgress, StatusCompleted
			if _, err := store.Update(ctx, runningTask.ID, Patch{Status: &inProgress}); err != nil {
				t.Fatalf("to in_progress: %v", err)
			}
			if _, err := store.Claim(ctx, doneTask.ID, "ghost"); err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if _, err := store.Update(ctx, doneTask.ID, Patch{Status: &inProgress}); err != nil {
				t.Fatalf("to in_progress: %v", err)
			}
			if _, err := store.Update(ctx, doneTask.ID, Patch{Status: &completed}); err != nil {
				t.Fatalf("to completed: %v", err)
			}

			recovered, err := Recover(ctx, store)
			if err != nil {
				t.Fatalf("Recover: %v", err)
			}
			if recovered != 2 {
				t.Errorf("recovered: got %d, want 2", recovered)
			}

			for _, id := range []string{claimedTask.ID, runningTask.ID} {
				got, err := store.Get(ctx, id)
				if err != nil {
					t.Fatalf("Get %s: %v", id, err)
				}
				if got.Status != StatusReady || got.AssignedAgent != "" {
					t.Errorf("task %s: got %s/%q, want ready/unassigned", id, got.Status, got.AssignedAgent)
				}
			}
			done, _ := store.Get(ctx, doneTask.ID)
			if done.Status != StatusCompleted {
				t.Errorf("completed task disturbed: got %s", done.Status)
			}
		})
	}
}
