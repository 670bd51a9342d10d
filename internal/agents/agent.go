// Package agents implements the worker agents: skill matching against the
// ready queue, atomic claiming, file leasing, execution, and the retry
// state machine.
package agents

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Phase is the stage of the current task cycle, broadcast in agent.status.
type Phase string

const (
	PhaseAnalyzing  Phase = "analyzing"
	PhaseExecuting  Phase = "executing"
	PhaseTesting    Phase = "testing"
	PhaseFinalizing Phase = "finalizing"
)

// Stats accumulates an agent's lifetime counters.
type Stats struct {
	TasksCompleted    int       `json:"tasks_completed"`
	TasksFailed       int       `json:"tasks_failed"`
	TotalCompletionMs int64     `json:"total_completion_ms"`
	StartTime         time.Time `json:"start_time"`
}

// Agent is the identity and mutable state of one worker.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	Skills         []string  `json:"skills"`
	AcquiredSkills []string  `json:"acquired_skills,omitempty"`
	CurrentTask    string    `json:"current_task,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	Stats          Stats     `json:"stats"`
}

// GenerateID creates a unique agent identifier.
func GenerateID() string {
	u := uuid.New().String()
	return "agent_" + strings.ReplaceAll(u[:8], "-", "")
}

// NewAgent creates an idle agent with the given name and starting skills.
func NewAgent(name string, skills []string) *Agent {
	now := time.Now()
	return &Agent{
		ID:         GenerateID(),
		Name:       name,
		Status:     StatusIdle,
		Skills:     append([]string(nil), skills...),
		CreatedAt:  now,
		LastActive: now,
		Stats:      Stats{StartTime: now},
	}
}

// HasSkill reports whether the agent holds the skill.
func (a *Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// Acquire adds a skill to both the working set and the acquired record.
// Idempotent.
func (a *Agent) Acquire(skill string) {
	if a.HasSkill(skill) {
		return
	}
	a.Skills = append(a.Skills, skill)
	a.AcquiredSkills = append(a.AcquiredSkills, skill)
}

// Snapshot returns a deep copy for readers outside the controller.
func (a *Agent) Snapshot() *Agent {
	c := *a
	c.Skills = append([]string(nil), a.Skills...)
	c.AcquiredSkills = append([]string(nil), a.AcquiredSkills...)
	return &c
}
