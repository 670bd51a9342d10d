package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/executor"
	"github.com/kverlaen/crewd/internal/memory"
	"github.com/kverlaen/crewd/internal/tasks"
)

// repollDelay is how long after a finished cycle the agent looks for work
// again.
const repollDelay = time.Second

// retryBackoffBase is the advisory backoff for the first retry; it doubles
// per attempt. The store does not enforce it; any agent may claim the
// re-armed task on its next poll.
const retryBackoffBase = 30 * time.Second

// Runner abstracts the executor so tests can script outcomes. The
// *executor.Executor is the production implementation.
type Runner interface {
	Execute(ctx context.Context, ec executor.ExecContext) (*executor.Result, error)
}

// CycleReport is handed to the orchestrator after each completed cycle.
type CycleReport struct {
	AgentID   string
	TaskID    string
	Completed bool
	Failed    bool // permanent failure (retries exhausted)
	Retried   bool
	Err       string
}

// ControllerConfig wires one controller.
type ControllerConfig struct {
	Agent    *Agent
	Store    tasks.Store
	Bus      *bus.Bus
	Memory   *memory.Service
	Executor Runner
	Catalog  *Catalog
	WorkDir  string

	HeartbeatInterval time.Duration // default 30s
	StatusInterval    time.Duration // default 10s
	PollInterval      time.Duration // default 30s
	LeaseTTL          time.Duration // default 120s
	MemoryLimit       int           // default 5

	OnCycle func(CycleReport)
	Logger  *slog.Logger
}

// Controller runs one agent: subscribe, poll, match, claim, lease, execute,
// report, retry. Agent state is owned by the controller's single work
// goroutine; the mutex covers the snapshot reads from tickers and outside
// observers.
type Controller struct {
	mu          sync.Mutex
	agent       *Agent
	currentTask *tasks.Task
	taskStart   time.Time
	phase       Phase
	repoll      *time.Timer

	store   tasks.Store
	bus     *bus.Bus
	memsvc  *memory.Service
	exec    Runner
	catalog *Catalog
	workDir string

	heartbeatEvery time.Duration
	statusEvery    time.Duration
	pollEvery      time.Duration
	leaseTTL       time.Duration
	memoryLimit    int
	onCycle        func(CycleReport)
	log            *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
	unsub   []func()
	started bool
	statusFrozen bool // test hook: freeze the status ticker to simulate a stall
	workPaused   bool // heap guard throttle: stop claiming new work
}

// NewController builds a controller; Start begins its loops.
func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		agent:          cfg.Agent,
		store:          cfg.Store,
		bus:            cfg.Bus,
		memsvc:         cfg.Memory,
		exec:           cfg.Executor,
		catalog:        cfg.Catalog,
		workDir:        cfg.WorkDir,
		heartbeatEvery: cfg.HeartbeatInterval,
		statusEvery:    cfg.StatusInterval,
		pollEvery:      cfg.PollInterval,
		leaseTTL:       cfg.LeaseTTL,
		memoryLimit:    cfg.MemoryLimit,
		onCycle:        cfg.OnCycle,
		log:            cfg.Logger,
		wake:           make(chan struct{}, 1),
	}
	if c.heartbeatEvery <= 0 {
		c.heartbeatEvery = 30 * time.Second
	}
	if c.statusEvery <= 0 {
		c.statusEvery = 10 * time.Second
	}
	if c.pollEvery <= 0 {
		c.pollEvery = 30 * time.Second
	}
	if c.leaseTTL <= 0 {
		c.leaseTTL = bus.DefaultLeaseTTL
	}
	if c.memoryLimit <= 0 {
		c.memoryLimit = 5
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("agent", c.agent.Name)
	return c
}

// ID returns the agent id.
func (c *Controller) ID() string { return c.agent.ID }

// Name returns the agent name.
func (c *Controller) Name() string { return c.agent.Name }

// Snapshot returns a copy of the agent's current state.
func (c *Controller) Snapshot() *Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent.Snapshot()
}

// Start subscribes to task topics, launches the tickers, announces the
// agent, and looks for work once immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("agent %s already started", c.agent.Name)
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(context.Background())

	onTask := func(bus.Message) { c.requestWork() }
	c.unsub = append(c.unsub,
		c.bus.Subscribe(bus.TopicTaskCreated, onTask),
		c.bus.Subscribe(bus.TopicTaskUpdated, onTask),
		c.bus.Subscribe(bus.TopicTaskAssigned, onTask),
		c.bus.Subscribe(bus.TopicTaskAvailable, onTask),
	)

	c.wg.Add(4)
	go c.workLoop()
	go c.heartbeatLoop()
	go c.statusLoop()
	go c.pollLoop()

	c.publish(bus.NewMessage(c.agent.ID, bus.AgentStartedPayload{
		AgentID: c.agent.ID,
		Name:    c.agent.Name,
		Skills:  c.agent.Skills,
	}))

	c.log.Info("agent started", "skills", c.agent.Skills)
	c.requestWork()
	return nil
}

// GracefulStop persists a shutdown memory, stops the tickers, aborts any
// in-flight execution through the executor's staged termination, publishes
// agent.stopped, and marks the agent offline.
func (c *Controller) GracefulStop(ctx context.Context) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	if c.repoll != nil {
		c.repoll.Stop()
	}
	c.mu.Unlock()

	if c.memsvc != nil {
		err := c.memsvc.Remember(&memory.Entry{
			Title:      c.agent.Name + " shutdown",
			Type:       memory.TypeAgentLearning,
			AgentID:    c.agent.ID,
			Importance: 0.3,
			Metadata: map[string]string{
				"agent_name":  c.agent.Name,
				"shutdown_at": time.Now().UTC().Format(time.RFC3339),
			},
		}, fmt.Sprintf("agent %s shutdown after %d completed and %d failed tasks",
			c.agent.Name, c.agent.Stats.TasksCompleted, c.agent.Stats.TasksFailed))
		if err != nil {
			c.log.Warn("shutdown memory failed", "error", err)
		}
	}

	c.cancel()
	c.wg.Wait()

	for _, u := range c.unsub {
		u()
	}
	c.unsub = nil

	c.publish(bus.NewMessage(c.agent.ID, bus.AgentStoppedPayload{
		AgentID: c.agent.ID,
		Name:    c.agent.Name,
	}))

	c.mu.Lock()
	c.agent.Status = StatusOffline
	c.agent.CurrentTask = ""
	c.mu.Unlock()
	c.log.Info("agent stopped")
}

// requestWork nudges the work loop; duplicate nudges coalesce.
func (c *Controller) requestWork() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) workLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
			c.lookForWork()
		}
	}
}

func (c *Controller) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.bus.SendHeartbeat(c.agent.ID)
		}
	}
}

func (c *Controller) statusLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			frozen := c.statusFrozen
			c.mu.Unlock()
			if frozen {
				continue
			}
			c.broadcastStatus()
		}
	}
}

// broadcastStatus publishes the rich agent.status snapshot and refreshes
// LastActive; the supervisor treats a busy agent whose LastActive goes
// stale as stalled.
func (c *Controller) broadcastStatus() {
	c.mu.Lock()
	c.agent.LastActive = time.Now()
	payload := bus.AgentStatusPayload{
		AgentID:        c.agent.ID,
		Name:           c.agent.Name,
		Status:         string(c.agent.Status),
		Skills:         append([]string(nil), c.agent.Skills...),
		TasksCompleted: c.agent.Stats.TasksCompleted,
		TasksFailed:    c.agent.Stats.TasksFailed,
	}
	if c.currentTask != nil {
		payload.CurrentTask = c.currentTask.ID
		payload.Phase = string(c.phase)
		payload.ElapsedMs = time.Since(c.taskStart).Milliseconds()
	}
	c.mu.Unlock()
	c.publish(bus.NewMessage(c.agent.ID, payload))
}

func (c *Controller) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.requestWork()
		}
	}
}

// lookForWork scans the ready queue for the best skill match and claims
// it. Runs only on the work goroutine; a panic is contained to this tick.
func (c *Controller) lookForWork() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("lookForWork panicked", "panic", r)
		}
	}()

	c.mu.Lock()
	if c.workPaused || c.agent.Status != StatusIdle {
		c.mu.Unlock()
		return
	}
	snapshot := c.agent.Snapshot()
	c.mu.Unlock()

	ready, err := c.store.GetReady(c.ctx)
	if err != nil {
		c.log.Warn("fetch ready tasks failed", "error", err)
		return
	}
	if len(ready) == 0 {
		return
	}

	var matches []Match
	for _, t := range ready {
		m := c.catalog.ScoreTask(snapshot, t)
		if m.Eligible() {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return
	}

	sort.SliceStable(matches, func(i, j int) bool {
		pi, pj := matches[i].Task.Priority.Rank(), matches[j].Task.Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return matches[i].Score > matches[j].Score
	})

	top := matches[0]
	if len(top.Acquirable) > 0 {
		c.mu.Lock()
		for _, skill := range top.Acquirable {
			c.agent.Acquire(skill)
		}
		c.mu.Unlock()
		c.log.Info("skills acquired", "skills", top.Acquirable, "task", top.Task.ID)
	}

	c.claimAndExecute(top, len(matches)-1)
}

// claimAndExecute runs one full cycle against the claimed task. The
// deferred finally releases leases, resets state, and schedules the next
// poll no matter how the cycle ends.
func (c *Controller) claimAndExecute(m Match, alternatives int) {
	task := m.Task

	claimed, err := c.store.Claim(c.ctx, task.ID, c.agent.ID)
	if err != nil {
		if errors.Is(err, tasks.ErrClaimConflict) {
			c.log.Debug("claim lost", "task", task.ID)
		} else {
			c.log.Warn("claim failed", "task", task.ID, "error", err)
		}
		return
	}

	c.mu.Lock()
	c.currentTask = claimed
	c.taskStart = time.Now()
	c.phase = PhaseAnalyzing
	c.agent.Status = StatusBusy
	c.agent.CurrentTask = claimed.ID
	c.agent.LastActive = time.Now()
	c.mu.Unlock()

	var leased []string
	defer func() {
		c.releaseLeases(claimed.ID, leased)
		c.mu.Lock()
		c.currentTask = nil
		c.phase = ""
		if c.agent.Status != StatusOffline {
			c.agent.Status = StatusIdle
		}
		c.agent.CurrentTask = ""
		c.agent.LastActive = time.Now()
		if c.started {
			c.repoll = time.AfterFunc(repollDelay, c.requestWork)
		}
		c.mu.Unlock()
	}()

	c.publish(bus.NewMessage(c.agent.ID, bus.TaskClaimedPayload{
		TaskID:    claimed.ID,
		AgentID:   c.agent.ID,
		AgentName: c.agent.Name,
		Reasoning: bus.ClaimReasoning{
			MatchedSkills:          m.Matched,
			Score:                  m.Score,
			EstimatedMinutes:       claimed.EstimatedMinutes,
			AlternativesConsidered: alternatives,
			Priority:               string(claimed.Priority),
			TaskType:               firstTag(claimed),
		},
	}))

	memories := c.relevantMemories(claimed)
	c.progress(claimed.ID, PhaseAnalyzing, 10)

	paths := ExtractPaths(claimed.Title, claimed.Description)
	leased, err = c.acquireLeases(claimed.ID, paths)
	if err != nil {
		c.handleFailure(claimed, err.Error())
		return
	}

	c.setPhase(PhaseExecuting)
	c.progress(claimed.ID, PhaseExecuting, 30)

	inProgress := tasks.StatusInProgress
	if _, err := c.store.Update(c.ctx, claimed.ID, tasks.Patch{
		Status:       &inProgress,
		IfAssignedTo: &c.agent.ID,
	}); err != nil {
		c.log.Warn("mark in_progress failed", "task", claimed.ID, "error", err)
		c.handleFailure(claimed, fmt.Sprintf("store rejected transition: %v", err))
		return
	}

	result, err := c.exec.Execute(c.ctx, executor.ExecContext{
		Task:        claimed,
		Memories:    memories,
		WorkDir:     c.workDir,
		AgentID:     c.agent.ID,
		AgentName:   c.agent.Name,
		AgentSkills: c.agent.Skills,
	})
	switch {
	case err != nil:
		c.handleFailure(claimed, err.Error())
	case !result.Success:
		c.handleFailure(claimed, result.Err)
	default:
		c.handleSuccess(claimed, result)
	}
}

func (c *Controller) handleSuccess(task *tasks.Task, result *executor.Result) {
	c.setPhase(PhaseFinalizing)

	c.mu.Lock()
	duration := time.Since(c.taskStart)
	c.agent.Stats.TasksCompleted++
	c.agent.Stats.TotalCompletionMs += duration.Milliseconds()
	c.mu.Unlock()

	completed := tasks.StatusCompleted
	actualMinutes := int(math.Round(float64(duration.Milliseconds()) / 60000))
	now := time.Now()
	output := truncate(result.Output, 4096)
	// Terminal writes run on a fresh context: the cycle's finally must
	// finish even when shutdown cancelled the controller context.
	if _, err := c.store.Update(context.Background(), task.ID, tasks.Patch{
		Status:        &completed,
		ActualMinutes: &actualMinutes,
		CompletedAt:   &now,
		Result:        &output,
		IfAssignedTo:  &c.agent.ID,
	}); err != nil {
		c.log.Warn("mark completed failed", "task", task.ID, "error", err)
	}

	if c.memsvc != nil {
		err := c.memsvc.Remember(&memory.Entry{
			Title:      "completed: " + task.Title,
			Type:       memory.TypeAgentLearning,
			AgentID:    c.agent.ID,
			Importance: 0.6,
			Tags:       append([]string(nil), task.RequiredSkills...),
			Metadata:   map[string]string{"task_id": task.ID, "agent_name": c.agent.Name},
		}, fmt.Sprintf("task %s (%s) completed in %s\n\n%s",
			task.ID, task.Title, duration.Truncate(time.Second), truncate(result.Output, 2048)))
		if err != nil {
			c.log.Warn("store learning failed", "task", task.ID, "error", err)
		}
	}

	c.publish(bus.NewMessage(c.agent.ID, bus.TaskCompletedPayload{
		TaskID:        task.ID,
		AgentID:       c.agent.ID,
		DurationMs:    duration.Milliseconds(),
		ActualMinutes: actualMinutes,
	}))
	c.log.Info("task completed", "task", task.ID, "duration", duration.Truncate(time.Millisecond))

	c.report(CycleReport{AgentID: c.agent.ID, TaskID: task.ID, Completed: true})
}

func (c *Controller) handleFailure(task *tasks.Task, msg string) {
	failureType := ClassifyFailure(msg)
	willRetry := task.RetryCount+1 <= task.MaxRetries
	now := time.Now()
	attempt := task.RetryCount + 1

	if willRetry {
		// Back to the queue; the backoff is advisory and realized by the
		// pollers' natural delay.
		backoff := retryBackoffBase << task.RetryCount
		ready := tasks.StatusReady
		if _, err := c.store.Update(context.Background(), task.ID, tasks.Patch{
			Status:        &ready,
			RetryCount:    &attempt,
			FailureType:   &failureType,
			LastError:     &msg,
			LastAttemptAt: &now,
			IfAssignedTo:  &c.agent.ID,
		}); err != nil {
			c.log.Warn("re-arm for retry failed", "task", task.ID, "error", err)
		}
		c.publish(bus.NewMessage(c.agent.ID, bus.TaskRetryScheduledPayload{
			TaskID:        task.ID,
			AgentID:       c.agent.ID,
			RetryCount:    attempt,
			NextRetryInMs: backoff.Milliseconds(),
			FailureType:   string(failureType),
			Error:         msg,
		}))
		c.log.Info("task retry scheduled", "task", task.ID,
			"retry", attempt, "of", task.MaxRetries, "next_retry_in", backoff, "failure_type", failureType)
		c.report(CycleReport{AgentID: c.agent.ID, TaskID: task.ID, Retried: true, Err: msg})
		return
	}

	c.mu.Lock()
	c.agent.Stats.TasksFailed++
	c.mu.Unlock()

	failed := tasks.StatusFailed
	if _, err := c.store.Update(context.Background(), task.ID, tasks.Patch{
		Status:        &failed,
		RetryCount:    &attempt,
		FailureType:   &failureType,
		LastError:     &msg,
		LastAttemptAt: &now,
		IfAssignedTo:  &c.agent.ID,
	}); err != nil {
		c.log.Warn("mark failed failed", "task", task.ID, "error", err)
	}
	c.publish(bus.NewMessage(c.agent.ID, bus.TaskFailedPayload{
		TaskID:      task.ID,
		AgentID:     c.agent.ID,
		FailureType: string(failureType),
		Error:       msg,
		RetryCount:  attempt,
	}))
	c.log.Warn("task failed permanently", "task", task.ID, "failure_type", failureType, "error", msg)

	c.report(CycleReport{AgentID: c.agent.ID, TaskID: task.ID, Failed: true, Err: msg})
}

// acquireLeases takes every path or none: on contention, the ones already
// held are released and a LockedError names the conflict.
func (c *Controller) acquireLeases(taskID string, paths []string) ([]string, error) {
	var acquired []string
	for _, p := range paths {
		ok, holder, err := c.bus.AcquireLease(c.ctx, p, c.agent.ID, c.leaseTTL)
		if err != nil {
			c.releaseLeases(taskID, acquired)
			return nil, fmt.Errorf("acquire lease %s: %w", p, err)
		}
		if !ok {
			c.releaseLeases(taskID, acquired)
			return nil, &LockedError{Path: p, Holder: holder}
		}
		acquired = append(acquired, p)
	}
	if len(acquired) > 0 {
		c.publish(bus.NewMessage(c.agent.ID, bus.FileLockPayload{
			AgentID: c.agent.ID,
			TaskID:  taskID,
			Paths:   acquired,
		}))
	}
	return acquired, nil
}

func (c *Controller) releaseLeases(taskID string, paths []string) {
	if len(paths) == 0 {
		return
	}
	for _, p := range paths {
		if err := c.bus.ReleaseLease(context.Background(), p, c.agent.ID); err != nil {
			c.log.Warn("release lease failed", "path", p, "error", err)
		}
	}
	c.publish(bus.NewMessage(c.agent.ID, bus.FileUnlockPayload{
		AgentID: c.agent.ID,
		TaskID:  taskID,
		Paths:   paths,
	}))
}

// relevantMemories fetches execution context by semantic query over the
// task text. Retrieval problems never stop a cycle.
func (c *Controller) relevantMemories(task *tasks.Task) []memory.Retrieved {
	if c.memsvc == nil {
		return nil
	}
	results, err := c.memsvc.Search(task.Title+" "+task.Description, task.RequiredSkills, c.memoryLimit)
	if err != nil {
		c.log.Warn("memory retrieval failed", "task", task.ID, "error", err)
		return nil
	}
	return results
}

func (c *Controller) progress(taskID string, phase Phase, percent int) {
	c.publish(bus.NewMessage(c.agent.ID, bus.TaskProgressPayload{
		TaskID:  taskID,
		AgentID: c.agent.ID,
		Phase:   string(phase),
		Percent: percent,
	}))
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// publish sends a bus message; failures are logged and swallowed so a
// flaky bus never crashes an agent.
func (c *Controller) publish(m bus.Message) {
	if err := c.bus.Publish(context.Background(), m); err != nil {
		c.log.Warn("publish failed", "topic", m.Topic, "error", err)
	}
}

func (c *Controller) report(r CycleReport) {
	if c.onCycle != nil {
		c.onCycle(r)
	}
}

// FreezeStatus stops LastActive refreshes without stopping the agent; used
// by tests to simulate an unresponsive agent.
func (c *Controller) FreezeStatus(frozen bool) {
	c.mu.Lock()
	c.statusFrozen = frozen
	c.mu.Unlock()
}

// SetWorkPaused suspends claiming new work; a task already running finishes
// normally. The heap guard throttles the pool through this.
func (c *Controller) SetWorkPaused(paused bool) {
	c.mu.Lock()
	c.workPaused = paused
	c.mu.Unlock()
	if !paused {
		c.requestWork()
	}
}

func firstTag(t *tasks.Task) string {
	if len(t.Tags) > 0 {
		return t.Tags[0]
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so a multibyte character is never split.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
