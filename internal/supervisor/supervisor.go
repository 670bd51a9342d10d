// Package supervisor implements the background reconciler: a periodic
// sweep that nudges idle agents toward unassigned work, re-arms retryable
// failures, frees tasks held by stalled agents, and unblocks tasks whose
// dependencies have completed.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kverlaen/crewd/internal/agents"
	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/tasks"
)

// Config wires one supervisor.
type Config struct {
	Store  tasks.Store
	Bus    *bus.Bus
	Agents func() []*agents.Agent // snapshots of the live pool

	Interval   time.Duration // default 30s
	StallAfter time.Duration // default 2m

	// Replenish, when set, runs once per sweep after the reconciliation
	// steps. The planner hangs its watermark check here.
	Replenish func(ctx context.Context)

	Logger *slog.Logger
}

// Supervisor runs the reconciliation sweep. Every step is best-effort: a
// failing or panicking step is logged and the rest of the sweep proceeds.
type Supervisor struct {
	store      tasks.Store
	bus        *bus.Bus
	agents     func() []*agents.Agent
	interval   time.Duration
	stallAfter time.Duration
	replenish  func(ctx context.Context)
	log        *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor; Start launches its loop.
func New(cfg Config) *Supervisor {
	s := &Supervisor{
		store:      cfg.Store,
		bus:        cfg.Bus,
		agents:     cfg.Agents,
		interval:   cfg.Interval,
		stallAfter: cfg.StallAfter,
		replenish:  cfg.Replenish,
		log:        cfg.Logger,
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.stallAfter <= 0 {
		s.stallAfter = 2 * time.Minute
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.agents == nil {
		s.agents = func() []*agents.Agent { return nil }
	}
	return s
}

// Start launches the periodic sweep.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop. A sweep in flight finishes first.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep runs one full reconciliation pass.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.step(ctx, "nudge", s.nudgeReady)
	s.step(ctx, "retry", s.rearmFailures)
	s.step(ctx, "stalled", s.recoverStalled)
	s.step(ctx, "unblock", s.unblock)
	if s.replenish != nil {
		s.step(ctx, "replenish", func(ctx context.Context) error {
			s.replenish(ctx)
			return nil
		})
	}
}

func (s *Supervisor) step(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		s.log.Warn("sweep step failed", "step", name, "error", err)
	}
}

// nudgeReady publishes task.available when claimable work is sitting in
// the queue, waking agents whose pollers are between ticks.
func (s *Supervisor) nudgeReady(ctx context.Context) error {
	ready, err := s.store.GetReady(ctx)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}
	s.log.Debug("nudging agents", "ready", len(ready))
	return s.bus.Publish(ctx, bus.NewMessage("supervisor", bus.TaskAvailablePayload{Count: len(ready)}))
}

// rearmFailures returns failed tasks with retry budget left to the queue.
func (s *Supervisor) rearmFailures(ctx context.Context) error {
	failed, err := s.store.List(ctx, tasks.Filter{Status: tasks.StatusFailed})
	if err != nil {
		return err
	}
	for _, t := range failed {
		if t.RetryCount >= t.MaxRetries {
			continue
		}
		ready := tasks.StatusReady
		attempt := t.RetryCount + 1
		none := ""
		if _, err := s.store.Update(ctx, t.ID, tasks.Patch{
			Status:        &ready,
			RetryCount:    &attempt,
			AssignedAgent: &none,
		}); err != nil {
			s.log.Warn("re-arm failed task", "task", t.ID, "error", err)
			continue
		}
		s.log.Info("failed task re-armed", "task", t.ID, "retry", attempt, "of", t.MaxRetries)
	}
	return nil
}

// recoverStalled frees in_progress tasks held by busy agents that have
// stopped refreshing their status.
func (s *Supervisor) recoverStalled(ctx context.Context) error {
	cutoff := time.Now().Add(-s.stallAfter)
	for _, a := range s.agents() {
		if a.Status != agents.StatusBusy || !a.LastActive.Before(cutoff) {
			continue
		}
		held, err := s.store.List(ctx, tasks.Filter{Status: tasks.StatusInProgress, AssignedAgent: a.ID})
		if err != nil {
			s.log.Warn("list stalled agent tasks", "agent", a.ID, "error", err)
			continue
		}
		for _, t := range held {
			ready := tasks.StatusReady
			none := ""
			if _, err := s.store.Update(ctx, t.ID, tasks.Patch{
				Status:        &ready,
				AssignedAgent: &none,
			}); err != nil {
				s.log.Warn("reset stalled task", "task", t.ID, "error", err)
				continue
			}
			s.log.Warn("stalled task recovered", "task", t.ID, "agent", a.ID,
				"last_active", a.LastActive.Format(time.RFC3339))
		}
	}
	return nil
}

// unblock moves blocked tasks whose dependencies have all completed back
// to the queue.
func (s *Supervisor) unblock(ctx context.Context) error {
	blocked, err := s.store.List(ctx, tasks.Filter{Status: tasks.StatusBlocked})
	if err != nil {
		return err
	}
	for _, t := range blocked {
		done := true
		for _, dep := range t.Dependencies {
			d, err := s.store.Get(ctx, dep)
			if err != nil || d.Status != tasks.StatusCompleted {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		ready := tasks.StatusReady
		if _, err := s.store.Update(ctx, t.ID, tasks.Patch{Status: &ready}); err != nil {
			s.log.Warn("unblock task", "task", t.ID, "error", err)
			continue
		}
		s.log.Info("task unblocked", "task", t.ID)
	}
	return nil
}
