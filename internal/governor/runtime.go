// Package governor enforces global termination and resource policy: the
// runtime governor tracks cycles, elapsed time, idleness, and consecutive
// failures against configured ceilings; the memory guard samples the
// process heap and escalates through throttle to shutdown.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/storage/dirstore"
)

// EndState names why the run ended. A persisted null end state means the
// process crashed mid-run.
type EndState string

const (
	EndMaxCycles         EndState = "max_cycles_reached"
	EndMaxRuntime        EndState = "max_runtime_reached"
	EndIdleTimeout       EndState = "idle_timeout"
	EndMaxFailures       EndState = "max_failures_reached"
	EndAllTasksComplete  EndState = "all_tasks_complete"
	EndObjectiveComplete EndState = "objective_complete"
	EndManualStop        EndState = "manual_stop"
)

// State is the runtime-state document persisted across restarts.
type State struct {
	CycleCount        int        `json:"cycle_count"`
	StartedAt         time.Time  `json:"started_at"`
	LastWorkAt        *time.Time `json:"last_work_at,omitempty"`
	TasksCompleted    int        `json:"tasks_completed"`
	TasksFailed       int        `json:"tasks_failed"`
	ActiveObjectiveID string     `json:"active_objective_id,omitempty"`
	EndState          *EndState  `json:"end_state"`
}

// Runtime watches the run against its configured limits and ends it once
// any ceiling is hit. All record operations are safe for concurrent use.
type Runtime struct {
	mu                  sync.Mutex
	cycleCount          int
	tasksCompleted      int
	tasksFailed         int
	consecutiveFailures int
	startedAt           time.Time
	lastWorkAt          *time.Time
	running             bool
	endState            *EndState
	objectiveID         string

	cfg       config.RuntimeConfig
	statePath string
	onEnd     func(EndState)
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime builds a runtime governor. onEnd fires exactly once, on its
// own goroutine, when the run ends for any reason.
func NewRuntime(cfg config.RuntimeConfig, onEnd func(EndState), log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:       cfg,
		statePath: cfg.StatePath,
		onEnd:     onEnd,
		log:       log,
	}
}

// Start loads any prior state file, resumes counters when the previous run
// crashed (persisted end state null), and launches the limit ticker. The
// state file is rewritten immediately so a crash from here on is visible.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("runtime governor already started")
	}

	r.startedAt = time.Now()
	if r.statePath != "" {
		var prior State
		err := dirstore.ReadJSON(r.statePath, &prior)
		switch {
		case err == nil && prior.EndState == nil:
			r.cycleCount = prior.CycleCount
			r.tasksCompleted = prior.TasksCompleted
			r.tasksFailed = prior.TasksFailed
			r.startedAt = prior.StartedAt
			r.lastWorkAt = prior.LastWorkAt
			r.objectiveID = prior.ActiveObjectiveID
			r.log.Info("resumed runtime state after crash",
				"cycles", prior.CycleCount, "completed", prior.TasksCompleted, "failed", prior.TasksFailed)
		case err == nil:
			r.log.Debug("previous run ended cleanly, starting fresh", "end_state", *prior.EndState)
		case errors.Is(err, os.ErrNotExist):
		default:
			r.mu.Unlock()
			return err
		}
	}
	r.running = true
	r.endState = nil
	r.persistLocked()

	interval := r.cfg.CheckInterval.Duration()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.watch(ctx, interval)
	r.mu.Unlock()
	return nil
}

func (r *Runtime) watch(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.check()
		}
	}
}

// check evaluates the time-based limits and refreshes the crash-visible
// state file.
func (r *Runtime) check() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	if max := r.cfg.MaxRuntime.Duration(); max > 0 && now.Sub(r.startedAt) >= max {
		r.endLocked(EndMaxRuntime)
		r.mu.Unlock()
		return
	}
	if idle := r.cfg.IdleTimeout.Duration(); idle > 0 && r.lastWorkAt != nil && now.Sub(*r.lastWorkAt) >= idle {
		r.endLocked(EndIdleTimeout)
		r.mu.Unlock()
		return
	}
	r.persistLocked()
	r.mu.Unlock()
}

// RecordCycle counts one agent work cycle and enforces the cycle ceiling.
func (r *Runtime) RecordCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cycleCount++
	now := time.Now()
	r.lastWorkAt = &now
	if r.cfg.MaxCycles > 0 && r.cycleCount >= r.cfg.MaxCycles {
		r.endLocked(EndMaxCycles)
	}
}

// RecordTaskComplete counts a completion. Any success resets the
// consecutive-failure streak.
func (r *Runtime) RecordTaskComplete(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.tasksCompleted++
	r.consecutiveFailures = 0
	now := time.Now()
	r.lastWorkAt = &now
}

// RecordTaskFailed counts a permanent failure and enforces the
// consecutive-failure ceiling.
func (r *Runtime) RecordTaskFailed(taskID, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.tasksFailed++
	r.consecutiveFailures++
	if r.cfg.MaxConsecutiveFailures > 0 && r.consecutiveFailures >= r.cfg.MaxConsecutiveFailures {
		r.log.Warn("consecutive failure ceiling reached",
			"failures", r.consecutiveFailures, "task", taskID, "error", errMsg)
		r.endLocked(EndMaxFailures)
	}
}

// SignalAllTasksComplete ends the run when the queue has drained. A
// non-zero minQueueSize means the caller wants the run kept alive for
// replenishment, so the signal is ignored.
func (r *Runtime) SignalAllTasksComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.cfg.MinQueueSize != 0 {
		return
	}
	r.endLocked(EndAllTasksComplete)
}

// SignalObjectiveComplete ends the run because the planner's objective is
// satisfied.
func (r *Runtime) SignalObjectiveComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.endLocked(EndObjectiveComplete)
}

// SetObjective records the objective driving this run for the state file.
func (r *Runtime) SetObjective(id string) {
	r.mu.Lock()
	r.objectiveID = id
	r.mu.Unlock()
}

// Stop ends the run manually, or with the caller's end state during an
// orchestrated shutdown.
func (r *Runtime) Stop(es EndState) {
	r.mu.Lock()
	if r.running {
		r.endLocked(es)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Snapshot returns a copy of the current counters.
func (r *Runtime) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Running reports whether the run is still live.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// EndedWith returns the end state, if the run has ended.
func (r *Runtime) EndedWith() (EndState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endState == nil {
		return "", false
	}
	return *r.endState, true
}

func (r *Runtime) snapshotLocked() State {
	s := State{
		CycleCount:        r.cycleCount,
		StartedAt:         r.startedAt,
		TasksCompleted:    r.tasksCompleted,
		TasksFailed:       r.tasksFailed,
		ActiveObjectiveID: r.objectiveID,
	}
	if r.lastWorkAt != nil {
		v := *r.lastWorkAt
		s.LastWorkAt = &v
	}
	if r.endState != nil {
		v := *r.endState
		s.EndState = &v
	}
	return s
}

// endLocked transitions to ended exactly once: persists the final state
// and fires onEnd on its own goroutine so callers holding locks of their
// own never deadlock. Caller holds r.mu.
func (r *Runtime) endLocked(es EndState) {
	r.running = false
	r.endState = &es
	r.persistLocked()
	if r.cancel != nil {
		r.cancel()
	}
	r.log.Info("run ended", "end_state", es,
		"cycles", r.cycleCount, "completed", r.tasksCompleted, "failed", r.tasksFailed)
	if r.onEnd != nil {
		go r.onEnd(es)
	}
}

func (r *Runtime) persistLocked() {
	if r.statePath == "" {
		return
	}
	if err := dirstore.WriteJSON(r.statePath, r.snapshotLocked()); err != nil {
		r.log.Warn("persist runtime state failed", "path", r.statePath, "error", err)
	}
}
