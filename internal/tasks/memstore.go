package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and by deployments that
// opt out of durability. A single RWMutex serializes claims.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Create(_ context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := t.Clone()
	if err := prepareCreate(task, time.Now().UTC()); err != nil {
		return nil, err
	}
	if _, ok := s.tasks[task.ID]; ok {
		return nil, fmt.Errorf("create task %s: %w", task.ID, ErrExists)
	}
	s.tasks[task.ID] = task
	return task.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return task.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, task := range s.tasks {
		if f.matches(task) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetReady(_ context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lookup := func(id string) (Status, bool) {
		t, ok := s.tasks[id]
		if !ok {
			return "", false
		}
		return t.Status, true
	}

	now := time.Now().UTC()
	var out []*Task
	for _, task := range s.tasks {
		if task.Status == StatusPending && dependenciesDone(task, lookup) {
			task.Status = StatusReady
			task.UpdatedAt = now
		}
		if task.Status == StatusReady {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, id, agentID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("claim task %s: %w", id, ErrNotFound)
	}
	if task.Status != StatusReady || task.AssignedAgent != "" {
		return nil, fmt.Errorf("claim task %s by %s: %w", id, agentID, ErrClaimConflict)
	}

	now := time.Now().UTC()
	task.Status = StatusClaimed
	task.AssignedAgent = agentID
	task.ClaimedAt = &now
	task.UpdatedAt = now
	return task.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, p Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	updated := task.Clone()
	if err := applyPatch(updated, p, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.tasks[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByStatus: make(map[Status]int)}
	for _, task := range s.tasks {
		stats.Total++
		stats.ByStatus[task.Status]++
	}
	return stats, nil
}
