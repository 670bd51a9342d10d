package governor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/storage/dirstore"
)

func newRuntime(t *testing.T, cfg config.RuntimeConfig) (*Runtime, chan EndState) {
	t.Helper()
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(t.TempDir(), "runtime-state.json")
	}
	ended := make(chan EndState, 1)
	r := NewRuntime(cfg, func(es EndState) { ended <- es }, nil)
	return r, ended
}

func waitEnd(t *testing.T, ended chan EndState, want EndState) {
	t.Helper()
	select {
	case got := <-ended:
		if got != want {
			t.Fatalf("end state = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for end state %q", want)
	}
}

func TestCycleCeiling(t *testing.T) {
	r, ended := newRuntime(t, config.RuntimeConfig{MaxCycles: 3})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(EndManualStop)

	r.RecordCycle()
	r.RecordCycle()
	if !r.Running() {
		t.Fatal("ended before the ceiling")
	}
	r.RecordCycle()
	waitEnd(t, ended, EndMaxCycles)

	// Records after the end are ignored.
	r.RecordCycle()
	if got := r.Snapshot().CycleCount; got != 3 {
		t.Errorf("cycleCount = %d, want 3", got)
	}
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	r, ended := newRuntime(t, config.RuntimeConfig{MaxConsecutiveFailures: 2})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(EndManualStop)

	r.RecordTaskFailed("t1", "boom")
	r.RecordTaskComplete("t2")
	r.RecordTaskFailed("t3", "boom")
	if !r.Running() {
		t.Fatal("streak should have reset on success")
	}
	r.RecordTaskFailed("t4", "boom")
	waitEnd(t, ended, EndMaxFailures)

	snap := r.Snapshot()
	if snap.TasksCompleted != 1 || snap.TasksFailed != 3 {
		t.Errorf("counters = %d completed / %d failed", snap.TasksCompleted, snap.TasksFailed)
	}
}

func TestAllTasksCompleteGatedOnMinQueueSize(t *testing.T) {
	r, _ := newRuntime(t, config.RuntimeConfig{MinQueueSize: 1})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(EndManualStop)

	r.SignalAllTasksComplete()
	if !r.Running() {
		t.Fatal("drain signal must be ignored when minQueueSize > 0")
	}

	r2, ended := newRuntime(t, config.RuntimeConfig{})
	if err := r2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r2.SignalAllTasksComplete()
	waitEnd(t, ended, EndAllTasksComplete)
}

func TestIdleTimeout(t *testing.T) {
	r, ended := newRuntime(t, config.RuntimeConfig{
		IdleTimeout:   config.Duration(60 * time.Millisecond),
		CheckInterval: config.Duration(20 * time.Millisecond),
	})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(EndManualStop)

	// Idle only starts counting once some work has happened.
	r.RecordTaskComplete("t1")
	waitEnd(t, ended, EndIdleTimeout)
}

func TestResumeAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime-state.json")
	crashed := State{
		CycleCount:     7,
		StartedAt:      time.Now().Add(-time.Hour),
		TasksCompleted: 5,
		TasksFailed:    2,
		EndState:       nil,
	}
	if err := dirstore.WriteJSON(path, crashed); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	r, _ := newRuntime(t, config.RuntimeConfig{StatePath: path})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(EndManualStop)

	snap := r.Snapshot()
	if snap.CycleCount != 7 || snap.TasksCompleted != 5 || snap.TasksFailed != 2 {
		t.Errorf("resumed counters = %+v", snap)
	}
}

func TestFreshStartAfterCleanEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime-state.json")
	done := EndAllTasksComplete
	if err := dirstore.WriteJSON(path, State{CycleCount: 7, EndState: &done}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	r, _ := newRuntime(t, config.RuntimeConfig{StatePath: path})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(EndManualStop)

	if got := r.Snapshot().CycleCount; got != 0 {
		t.Errorf("cycleCount = %d, want fresh start", got)
	}
}

func TestStopPersistsEndState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime-state.json")
	r, _ := newRuntime(t, config.RuntimeConfig{StatePath: path})
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.RecordCycle()
	r.Stop(EndManualStop)

	var persisted State
	if err := dirstore.ReadJSON(path, &persisted); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if persisted.EndState == nil || *persisted.EndState != EndManualStop {
		t.Errorf("persisted end state = %v, want manual_stop", persisted.EndState)
	}
	if persisted.CycleCount != 1 {
		t.Errorf("persisted cycleCount = %d, want 1", persisted.CycleCount)
	}
}
