package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/executor"
	"github.com/kverlaen/crewd/internal/memory"
	"github.com/kverlaen/crewd/internal/tasks"
)

// scriptedRunner plays back a fixed sequence of results; the last result
// repeats. A nil entry panics, exercising tick containment.
type scriptedRunner struct {
	mu      sync.Mutex
	results []*executor.Result
	delay   time.Duration
	calls   int
}

func (r *scriptedRunner) Execute(ctx context.Context, ec executor.ExecContext) (*executor.Result, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	result := r.results[i]
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &executor.Result{Err: "execution aborted"}, nil
		}
	}
	if result == nil {
		panic("scripted panic")
	}
	c := *result
	return &c, nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func succeed() *executor.Result { return &executor.Result{Success: true, Output: "done"} }

func fail(msg string) *executor.Result { return &executor.Result{Err: msg} }

type msgRecorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *msgRecorder) record(m bus.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *msgRecorder) count(topic bus.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

func (r *msgRecorder) subscribeAll(b *bus.Bus) {
	for _, topic := range []bus.Topic{
		bus.TopicTaskClaimed, bus.TopicTaskProgress, bus.TopicTaskCompleted,
		bus.TopicTaskFailed, bus.TopicTaskRetryScheduled,
		bus.TopicAgentStarted, bus.TopicAgentStopped,
		bus.TopicFileLock, bus.TopicFileUnlock,
	} {
		b.Subscribe(topic, r.record)
	}
}

func newTestBus() *bus.Bus {
	return bus.New(bus.NewMemoryJournal(256), bus.NewMemoryLeaseStore(), 256, nil)
}

func newTestController(t *testing.T, store tasks.Store, b *bus.Bus, runner Runner, skills []string, onCycle func(CycleReport)) *Controller {
	t.Helper()
	return NewController(ControllerConfig{
		Agent:             NewAgent("agent-"+t.Name(), skills),
		Store:             store,
		Bus:               b,
		Memory:            memory.NewServiceWith(memory.NewMemStore(), nil),
		Executor:          runner,
		Catalog:           NewCatalog([]config.SkillDef{{Name: "typescript", Acquirable: true}}),
		HeartbeatInterval: 50 * time.Millisecond,
		StatusInterval:    30 * time.Millisecond,
		PollInterval:      30 * time.Millisecond,
		LeaseTTL:          time.Second,
		OnCycle:           onCycle,
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func taskStatus(t *testing.T, store tasks.Store, id string) tasks.Status {
	t.Helper()
	task, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return task.Status
}

func TestHappyPath(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	rec := &msgRecorder{}
	rec.subscribeAll(b)

	task, err := store.Create(context.Background(), &tasks.Task{
		Title:            "do X",
		RequiredSkills:   []string{"typescript"},
		MaxRetries:       2,
		EstimatedMinutes: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	runner := &scriptedRunner{results: []*executor.Result{succeed()}, delay: 50 * time.Millisecond}
	c := newTestController(t, store, b, runner, []string{"typescript"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.GracefulStop(context.Background())

	waitFor(t, 3*time.Second, "task completion", func() bool {
		return taskStatus(t, store, task.ID) == tasks.StatusCompleted
	})

	got, _ := store.Get(context.Background(), task.ID)
	if got.ActualMinutes != 0 {
		t.Errorf("actualMinutes = %d, want 0", got.ActualMinutes)
	}
	if got.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if snap := c.Snapshot(); snap.Stats.TasksCompleted != 1 {
		t.Errorf("tasksCompleted = %d, want 1", snap.Stats.TasksCompleted)
	}

	waitFor(t, time.Second, "messages", func() bool {
		return rec.count(bus.TopicTaskCompleted) == 1
	})
	if rec.count(bus.TopicTaskClaimed) != 1 {
		t.Errorf("task.claimed count = %d", rec.count(bus.TopicTaskClaimed))
	}
	if rec.count(bus.TopicTaskProgress) < 2 {
		t.Errorf("task.progress count = %d, want >= 2", rec.count(bus.TopicTaskProgress))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	phases := map[string]int{}
	for _, m := range rec.msgs {
		if m.Topic == bus.TopicTaskProgress {
			p, _ := bus.ExtractPayload[bus.TaskProgressPayload](m)
			phases[p.Phase] = p.Percent
		}
	}
	if phases["analyzing"] != 10 || phases["executing"] != 30 {
		t.Errorf("progress phases = %v", phases)
	}
}

func TestClaimRaceSingleWinner(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	rec := &msgRecorder{}
	rec.subscribeAll(b)

	task, err := store.Create(context.Background(), &tasks.Task{Title: "contested"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mk := func() *Controller {
		return newTestController(t, store, b,
			&scriptedRunner{results: []*executor.Result{succeed()}, delay: 100 * time.Millisecond}, nil, nil)
	}
	a, bb := mk(), mk()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := bb.Start(context.Background()); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer a.GracefulStop(context.Background())
	defer bb.GracefulStop(context.Background())

	waitFor(t, 3*time.Second, "completion", func() bool {
		return taskStatus(t, store, task.ID) == tasks.StatusCompleted
	})

	if n := rec.count(bus.TopicTaskClaimed); n != 1 {
		t.Errorf("task.claimed count = %d, want exactly 1", n)
	}
	if n := rec.count(bus.TopicTaskCompleted); n != 1 {
		t.Errorf("task.completed count = %d, want exactly 1", n)
	}
	done := a.Snapshot().Stats.TasksCompleted + bb.Snapshot().Stats.TasksCompleted
	if done != 1 {
		t.Errorf("combined completions = %d, want 1", done)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	rec := &msgRecorder{}
	rec.subscribeAll(b)

	task, err := store.Create(context.Background(), &tasks.Task{Title: "flaky", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	runner := &scriptedRunner{results: []*executor.Result{fail("transient"), fail("transient"), succeed()}}
	c := newTestController(t, store, b, runner, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.GracefulStop(context.Background())

	waitFor(t, 10*time.Second, "eventual completion", func() bool {
		return taskStatus(t, store, task.ID) == tasks.StatusCompleted
	})

	got, _ := store.Get(context.Background(), task.ID)
	if got.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", got.RetryCount)
	}
	if runner.callCount() != 3 {
		t.Errorf("executions = %d, want 3", runner.callCount())
	}
	if n := rec.count(bus.TopicTaskRetryScheduled); n != 2 {
		t.Errorf("task.retry_scheduled count = %d, want 2", n)
	}
	if n := rec.count(bus.TopicTaskCompleted); n != 1 {
		t.Errorf("task.completed count = %d, want 1", n)
	}
}

func TestPermanentFailure(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	rec := &msgRecorder{}
	rec.subscribeAll(b)

	task, err := store.Create(context.Background(), &tasks.Task{Title: "doomed", MaxRetries: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	runner := &scriptedRunner{results: []*executor.Result{fail("execution timed out after 1s")}}
	var reports []CycleReport
	var repMu sync.Mutex
	c := newTestController(t, store, b, runner, nil, func(r CycleReport) {
		repMu.Lock()
		reports = append(reports, r)
		repMu.Unlock()
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.GracefulStop(context.Background())

	waitFor(t, 10*time.Second, "permanent failure", func() bool {
		return taskStatus(t, store, task.ID) == tasks.StatusFailed
	})

	got, _ := store.Get(context.Background(), task.ID)
	if got.FailureType != tasks.FailureTimeout {
		t.Errorf("failureType = %q, want timeout", got.FailureType)
	}
	if got.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", got.RetryCount)
	}
	if n := rec.count(bus.TopicTaskRetryScheduled); n != 1 {
		t.Errorf("task.retry_scheduled count = %d, want 1", n)
	}
	if n := rec.count(bus.TopicTaskFailed); n != 1 {
		t.Errorf("task.failed count = %d, want 1", n)
	}
	if snap := c.Snapshot(); snap.Stats.TasksFailed != 1 {
		t.Errorf("tasksFailed = %d, want 1", snap.Stats.TasksFailed)
	}

	repMu.Lock()
	defer repMu.Unlock()
	var failed bool
	for _, r := range reports {
		if r.Failed {
			failed = true
		}
	}
	if !failed {
		t.Error("no permanent-failure cycle report")
	}
}

func TestLeaseContention(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	rec := &msgRecorder{}
	rec.subscribeAll(b)

	t1, err := store.Create(context.Background(), &tasks.Task{Title: "edit src/a.ts first", Priority: tasks.PriorityHigh})
	if err != nil {
		t.Fatalf("Create t1: %v", err)
	}

	slow := &scriptedRunner{results: []*executor.Result{succeed()}, delay: 400 * time.Millisecond}
	a := newTestController(t, store, b, slow, nil, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	defer a.GracefulStop(context.Background())

	waitFor(t, 2*time.Second, "t1 in progress", func() bool {
		return taskStatus(t, store, t1.ID) == tasks.StatusInProgress
	})

	t2, err := store.Create(context.Background(), &tasks.Task{Title: "edit src/a.ts too", MaxRetries: 5})
	if err != nil {
		t.Fatalf("Create t2: %v", err)
	}
	fast := &scriptedRunner{results: []*executor.Result{succeed()}}
	bb := newTestController(t, store, b, fast, nil, nil)
	if err := bb.Start(context.Background()); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer bb.GracefulStop(context.Background())

	waitFor(t, 10*time.Second, "both tasks complete", func() bool {
		return taskStatus(t, store, t1.ID) == tasks.StatusCompleted &&
			taskStatus(t, store, t2.ID) == tasks.StatusCompleted
	})

	got, _ := store.Get(context.Background(), t2.ID)
	if got.RetryCount == 0 {
		t.Error("t2 should have retried at least once on lease contention")
	}
	if got.FailureType != tasks.FailureBlocked {
		t.Errorf("t2 failureType = %q, want blocked", got.FailureType)
	}
	if rec.count(bus.TopicTaskRetryScheduled) == 0 {
		t.Error("expected a retry_scheduled from lease contention")
	}
}

func TestSkillAcquisition(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()

	task, err := store.Create(context.Background(), &tasks.Task{
		Title:          "needs typescript",
		RequiredSkills: []string{"typescript"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c := newTestController(t, store, b, &scriptedRunner{results: []*executor.Result{succeed()}}, []string{"golang"}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.GracefulStop(context.Background())

	waitFor(t, 3*time.Second, "completion via acquisition", func() bool {
		return taskStatus(t, store, task.ID) == tasks.StatusCompleted
	})

	snap := c.Snapshot()
	if !snap.HasSkill("typescript") {
		t.Error("agent did not acquire typescript")
	}
	if len(snap.AcquiredSkills) != 1 || snap.AcquiredSkills[0] != "typescript" {
		t.Errorf("acquiredSkills = %v", snap.AcquiredSkills)
	}
}

func TestNoHandlerInvocationsAfterStop(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()
	rec := &msgRecorder{}
	rec.subscribeAll(b)

	c := newTestController(t, store, b, &scriptedRunner{results: []*executor.Result{succeed()}}, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.GracefulStop(context.Background())

	waitFor(t, time.Second, "agent.stopped", func() bool {
		return rec.count(bus.TopicAgentStopped) == 1
	})
	if c.Snapshot().Status != StatusOffline {
		t.Errorf("status = %q, want offline", c.Snapshot().Status)
	}

	// A task created after stop must not be touched.
	task, err := store.Create(context.Background(), &tasks.Task{Title: "late arrival"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b.Publish(context.Background(), bus.NewMessage("test", bus.TaskCreatedPayload{TaskID: task.ID}))
	time.Sleep(150 * time.Millisecond)
	if got := taskStatus(t, store, task.ID); got != tasks.StatusReady {
		t.Errorf("task status after stop = %q, want ready", got)
	}
}

func TestWorkPausedSuspendsClaiming(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()

	task, err := store.Create(context.Background(), &tasks.Task{Title: "held back"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	runner := &scriptedRunner{results: []*executor.Result{succeed()}}
	c := newTestController(t, store, b, runner, nil, nil)
	c.SetWorkPaused(true)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.GracefulStop(context.Background())

	// Several poll ticks pass without the ready task being claimed.
	time.Sleep(150 * time.Millisecond)
	if got := taskStatus(t, store, task.ID); got != tasks.StatusReady {
		t.Fatalf("task status while paused = %q, want ready", got)
	}
	if runner.callCount() != 0 {
		t.Fatalf("executor ran %d times while paused", runner.callCount())
	}

	// Unpausing wakes the work loop immediately.
	c.SetWorkPaused(false)
	waitFor(t, 3*time.Second, "completion after unpause", func() bool {
		return taskStatus(t, store, task.ID) == tasks.StatusCompleted
	})
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// Cutting "durée" at 4 lands inside the two-byte é; the cut backs up.
	if got := truncate("durée", 4); got != "dur…" {
		t.Errorf("truncate(durée, 4) = %q, want dur…", got)
	}
	if got := truncate("durée", 5); got != "duré…" {
		t.Errorf("truncate(durée, 5) = %q, want duré…", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate below the limit = %q, want identity", got)
	}
}

func TestPanicContainedToTick(t *testing.T) {
	store := tasks.NewMemoryStore()
	b := newTestBus()

	if _, err := store.Create(context.Background(), &tasks.Task{Title: "panicky"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// nil result = panic inside the executor on the first attempt.
	runner := &scriptedRunner{results: []*executor.Result{nil, succeed()}}
	c := newTestController(t, store, b, runner, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.GracefulStop(context.Background())

	waitFor(t, 3*time.Second, "panicked execution", func() bool {
		return runner.callCount() >= 1
	})
	waitFor(t, 3*time.Second, "return to idle", func() bool {
		return c.Snapshot().Status == StatusIdle
	})

	// The work loop must still be alive: a fresh task runs to completion.
	task2, err := store.Create(context.Background(), &tasks.Task{Title: "after the storm"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b.Publish(context.Background(), bus.NewMessage("test", bus.TaskCreatedPayload{TaskID: task2.ID}))
	waitFor(t, 5*time.Second, "post-panic completion", func() bool {
		return taskStatus(t, store, task2.ID) == tasks.StatusCompleted
	})
}
