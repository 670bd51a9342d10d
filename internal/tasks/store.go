package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no task exists for the given id.
	ErrNotFound = errors.New("task not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("task already exists")
	// ErrClaimConflict is returned when an atomic claim loses the race or
	// the task is no longer ready.
	ErrClaimConflict = errors.New("task not claimable")
	// ErrIllegalTransition is returned when an update asks for a status
	// move the state machine forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrNotOwner is returned when a guarded update finds the task assigned
	// to a different agent.
	ErrNotOwner = errors.New("task not owned by caller")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status        Status
	AssignedAgent string
	Tag           string
}

func (f Filter) matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssignedAgent != "" && t.AssignedAgent != f.AssignedAgent {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range t.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Patch is a partial update of a task's mutable fields. Nil fields are left
// untouched. IfAssignedTo, when set, makes the update conditional on the
// task still being assigned to that agent.
type Patch struct {
	Status           *Status
	Priority         *Priority
	AssignedAgent    *string
	RetryCount       *int
	FailureType      *FailureType
	LastError        *string
	LastAttemptAt    *time.Time
	EstimatedMinutes *int
	ActualMinutes    *int
	Result           *string
	StartedAt        *time.Time
	CompletedAt      *time.Time

	IfAssignedTo *string
}

// Stats summarizes queue composition.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Store is the durable task queue. All operations are atomic and
// serializable with respect to a single task id; Claim is the only
// synchronization point between competing agents.
type Store interface {
	// Create inserts a new task. Missing fields are defaulted: id, priority
	// (medium), maxRetries, timestamps, and status (ready when the task has
	// no dependencies, pending otherwise).
	Create(ctx context.Context, t *Task) (*Task, error)
	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)
	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Task, error)
	// GetReady promotes pending tasks whose dependencies are all completed,
	// then returns every ready task.
	GetReady(ctx context.Context) ([]*Task, error)
	// Claim atomically moves a ready, unassigned task to claimed and binds
	// it to agentID. Returns ErrClaimConflict when another agent won.
	Claim(ctx context.Context, id, agentID string) (*Task, error)
	// Update applies a partial update, rejecting illegal status transitions
	// and ownership violations.
	Update(ctx context.Context, id string, p Patch) (*Task, error)
	// Stats counts tasks overall and per status.
	Stats(ctx context.Context) (*Stats, error)
}

// prepareCreate fills defaults and validates a task before insertion.
func prepareCreate(t *Task, now time.Time) error {
	if t.Title == "" {
		return fmt.Errorf("create task: title is required")
	}
	if t.ID == "" {
		t.ID = GenerateID()
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("create task %s: unknown priority %q", t.ID, t.Priority)
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.Status == "" {
		if len(t.Dependencies) == 0 {
			t.Status = StatusReady
		} else {
			t.Status = StatusPending
		}
	}
	switch t.Status {
	case StatusPending, StatusReady, StatusBlocked:
	default:
		return fmt.Errorf("create task %s: status %q not allowed at creation", t.ID, t.Status)
	}
	t.AssignedAgent = ""
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// applyPatch mutates t in place according to p, enforcing the status machine
// and the assignment invariants. The caller holds whatever lock makes the
// read-modify-write atomic.
func applyPatch(t *Task, p Patch, now time.Time) error {
	if p.IfAssignedTo != nil && t.AssignedAgent != *p.IfAssignedTo {
		return fmt.Errorf("update task %s: assigned to %q: %w", t.ID, t.AssignedAgent, ErrNotOwner)
	}

	if p.Status != nil && *p.Status != t.Status {
		if !CanTransition(t.Status, *p.Status) {
			return fmt.Errorf("update task %s: %s -> %s: %w", t.ID, t.Status, *p.Status, ErrIllegalTransition)
		}
		t.Status = *p.Status
		switch *p.Status {
		case StatusInProgress:
			if t.StartedAt == nil {
				started := now
				t.StartedAt = &started
			}
		case StatusCompleted:
			if t.CompletedAt == nil {
				completed := now
				t.CompletedAt = &completed
			}
		}
		// Tasks sitting in the queue, blocked, or done carry no assignment.
		// A failed task keeps its last holder for diagnostics.
		switch *p.Status {
		case StatusPending, StatusReady, StatusBlocked, StatusCompleted:
			t.AssignedAgent = ""
		}
	}

	if p.Priority != nil {
		if !ValidPriority(*p.Priority) {
			return fmt.Errorf("update task %s: unknown priority %q", t.ID, *p.Priority)
		}
		t.Priority = *p.Priority
	}
	if p.AssignedAgent != nil {
		t.AssignedAgent = *p.AssignedAgent
	}
	if p.RetryCount != nil {
		// The retry budget caps re-arms, not bookkeeping: a task may record
		// its final attempt count while moving to failed, but can never head
		// back into the queue past the budget.
		if *p.RetryCount > t.MaxRetries && t.Status != StatusFailed {
			return fmt.Errorf("update task %s: retry count %d exceeds budget %d: %w",
				t.ID, *p.RetryCount, t.MaxRetries, ErrIllegalTransition)
		}
		t.RetryCount = *p.RetryCount
	}
	if p.FailureType != nil {
		t.FailureType = *p.FailureType
	}
	if p.LastError != nil {
		t.LastError = *p.LastError
	}
	if p.LastAttemptAt != nil {
		v := *p.LastAttemptAt
		t.LastAttemptAt = &v
	}
	if p.EstimatedMinutes != nil {
		t.EstimatedMinutes = *p.EstimatedMinutes
	}
	if p.ActualMinutes != nil {
		t.ActualMinutes = *p.ActualMinutes
	}
	if p.Result != nil {
		t.Result = *p.Result
	}
	if p.StartedAt != nil {
		v := *p.StartedAt
		t.StartedAt = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		t.CompletedAt = &v
	}

	t.UpdatedAt = now
	return nil
}

// dependenciesDone reports whether every dependency of t is completed
// according to lookup.
func dependenciesDone(t *Task, lookup func(id string) (Status, bool)) bool {
	for _, dep := range t.Dependencies {
		status, ok := lookup(dep)
		if !ok || status != StatusCompleted {
			return false
		}
	}
	return true
}
