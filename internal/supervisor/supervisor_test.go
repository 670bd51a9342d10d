package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kverlaen/crewd/internal/agents"
	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/tasks"
)

func newTestBus() *bus.Bus {
	return bus.New(bus.NewMemoryJournal(64), bus.NewMemoryLeaseStore(), 64, nil)
}

func mustCreate(t *testing.T, store tasks.Store, task *tasks.Task) *tasks.Task {
	t.Helper()
	created, err := store.Create(context.Background(), task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func mustStatus(t *testing.T, store tasks.Store, id string) tasks.Status {
	t.Helper()
	task, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return task.Status
}

func TestNudgePublishesTaskAvailable(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	mustCreate(t, store, &tasks.Task{Title: "waiting"})
	mustCreate(t, store, &tasks.Task{Title: "also waiting"})

	var mu sync.Mutex
	var counts []int
	b.Subscribe(bus.TopicTaskAvailable, func(m bus.Message) {
		p, _ := bus.ExtractPayload[bus.TaskAvailablePayload](m)
		mu.Lock()
		counts = append(counts, p.Count)
		mu.Unlock()
	})

	s := New(Config{Store: store, Bus: b})
	s.Sweep(context.Background())

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(counts)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 1 || counts[0] != 2 {
		t.Errorf("task.available counts = %v, want [2]", counts)
	}
}

func TestRearmRetryableFailures(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()

	// One failure with budget left, one exhausted.
	retryable := mustCreate(t, store, &tasks.Task{Title: "retryable", MaxRetries: 3})
	exhausted := mustCreate(t, store, &tasks.Task{Title: "exhausted", MaxRetries: 1})
	for _, tc := range []struct {
		id         string
		retryCount int
	}{
		{retryable.ID, 1},
		{exhausted.ID, 2},
	} {
		if _, err := store.Claim(context.Background(), tc.id, "agent_x"); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		failed := tasks.StatusFailed
		rc := tc.retryCount
		if _, err := store.Update(context.Background(), tc.id, tasks.Patch{Status: &failed, RetryCount: &rc}); err != nil {
			t.Fatalf("fail %s: %v", tc.id, err)
		}
	}

	s := New(Config{Store: store, Bus: b})
	s.Sweep(context.Background())

	if got := mustStatus(t, store, retryable.ID); got != tasks.StatusReady {
		t.Errorf("retryable status = %q, want ready", got)
	}
	re, _ := store.Get(context.Background(), retryable.ID)
	if re.RetryCount != 2 {
		t.Errorf("retryable retryCount = %d, want 2", re.RetryCount)
	}
	if re.AssignedAgent != "" {
		t.Errorf("retryable still assigned to %q", re.AssignedAgent)
	}
	if got := mustStatus(t, store, exhausted.ID); got != tasks.StatusFailed {
		t.Errorf("exhausted status = %q, want failed", got)
	}
}

func TestRecoverStalledAgent(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()

	task := mustCreate(t, store, &tasks.Task{Title: "held"})
	stalled := agents.NewAgent("sleepy", nil)
	if _, err := store.Claim(context.Background(), task.ID, stalled.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	inProgress := tasks.StatusInProgress
	if _, err := store.Update(context.Background(), task.ID, tasks.Patch{Status: &inProgress}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	stalled.Status = agents.StatusBusy
	stalled.LastActive = time.Now().Add(-3 * time.Minute)

	healthy := agents.NewAgent("awake", nil)
	healthy.Status = agents.StatusBusy

	s := New(Config{
		Store:      store,
		Bus:        b,
		StallAfter: 2 * time.Minute,
		Agents:     func() []*agents.Agent { return []*agents.Agent{stalled, healthy} },
	})
	s.Sweep(context.Background())

	got, _ := store.Get(context.Background(), task.ID)
	if got.Status != tasks.StatusReady {
		t.Errorf("status = %q, want ready", got.Status)
	}
	if got.AssignedAgent != "" {
		t.Errorf("still assigned to %q", got.AssignedAgent)
	}
}

func TestUnblockSatisfiedDependencies(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()

	dep := mustCreate(t, store, &tasks.Task{Title: "dep"})
	blockedSatisfied := mustCreate(t, store, &tasks.Task{
		Title:        "waiting on dep",
		Status:       tasks.StatusBlocked,
		Dependencies: []string{dep.ID},
	})
	blockedWaiting := mustCreate(t, store, &tasks.Task{
		Title:        "still waiting",
		Status:       tasks.StatusBlocked,
		Dependencies: []string{blockedSatisfied.ID},
	})

	if _, err := store.Claim(context.Background(), dep.ID, "agent_x"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	inProgress := tasks.StatusInProgress
	completed := tasks.StatusCompleted
	if _, err := store.Update(context.Background(), dep.ID, tasks.Patch{Status: &inProgress}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := store.Update(context.Background(), dep.ID, tasks.Patch{Status: &completed}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	s := New(Config{Store: store, Bus: b})
	s.Sweep(context.Background())

	if got := mustStatus(t, store, blockedSatisfied.ID); got != tasks.StatusReady {
		t.Errorf("satisfied task status = %q, want ready", got)
	}
	if got := mustStatus(t, store, blockedWaiting.ID); got != tasks.StatusBlocked {
		t.Errorf("unsatisfied task status = %q, want blocked", got)
	}
}

func TestStepIsolation(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	mustCreate(t, store, &tasks.Task{Title: "claimable"})

	seen := make(chan struct{}, 1)
	b.Subscribe(bus.TopicTaskAvailable, func(bus.Message) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})

	s := New(Config{
		Store:     store,
		Bus:       b,
		Replenish: func(context.Context) { panic("planner blew up") },
	})
	// The panicking replenish step must not take the sweep loop down.
	s.Sweep(context.Background())
	s.Sweep(context.Background())

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("nudge step never ran")
	}
}
