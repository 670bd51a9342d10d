// Package tasks provides the durable work queue: task model, status machine,
// and store implementations with atomic claim semantics.
package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"     // waiting on dependencies
	StatusReady      Status = "ready"       // claimable by any matching agent
	StatusClaimed    Status = "claimed"     // bound to one agent, not yet running
	StatusInProgress Status = "in_progress" // executor running
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked" // dependency failed or resource contention
)

// Terminal reports whether no further transitions are possible from s,
// other than a supervisor re-arm of a retryable failure.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders tasks for claiming. Critical outranks high outranks
// medium outranks low.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to a sortable weight; higher is more urgent.
// Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ValidPriority reports whether p is one of the four known levels.
func ValidPriority(p Priority) bool {
	return p.Rank() > 0
}

// FailureType classifies why an execution attempt failed. It drives the
// retry-versus-permanent decision and shows up in diagnostics.
type FailureType string

const (
	FailureError   FailureType = "error"
	FailureTimeout FailureType = "timeout"
	FailureStalled FailureType = "stalled"
	FailureBlocked FailureType = "blocked"
)

// DefaultMaxRetries applies when a task is created without an explicit
// retry budget.
const DefaultMaxRetries = 2

// Task is one unit of work in the queue.
type Task struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Status           Status      `json:"status"`
	Priority         Priority    `json:"priority"`
	RequiredSkills   []string    `json:"required_skills,omitempty"`
	Dependencies     []string    `json:"dependencies,omitempty"`
	Tags             []string    `json:"tags,omitempty"`
	AssignedAgent    string      `json:"assigned_agent,omitempty"`
	RetryCount       int         `json:"retry_count"`
	MaxRetries       int         `json:"max_retries"`
	FailureType      FailureType `json:"failure_type,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	LastAttemptAt    *time.Time  `json:"last_attempt_at,omitempty"`
	EstimatedMinutes int         `json:"estimated_minutes,omitempty"`
	ActualMinutes    int         `json:"actual_minutes,omitempty"`
	Result           string      `json:"result,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	ClaimedAt        *time.Time  `json:"claimed_at,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so store callers never share slices with the
// store's own state.
func (t *Task) Clone() *Task {
	c := *t
	c.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.LastAttemptAt != nil {
		v := *t.LastAttemptAt
		c.LastAttemptAt = &v
	}
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		c.ClaimedAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// GenerateID creates a unique task identifier.
func GenerateID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}

// transitions lists the legal status moves a plain update may make.
// ready→claimed is deliberately absent: that edge exists only through the
// store's atomic Claim.
var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusBlocked},
	StatusReady:      {StatusPending, StatusBlocked},
	StatusBlocked:    {StatusReady, StatusPending},
	StatusClaimed:    {StatusInProgress, StatusReady, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusReady},
	StatusFailed:     {StatusReady},
	StatusCompleted:  {},
}

// CanTransition reports whether an update may move a task from one status
// to another. Staying in place is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
