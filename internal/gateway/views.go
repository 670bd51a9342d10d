package gateway

import (
	"time"

	"github.com/kverlaen/crewd/internal/agents"
	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/governor"
	"github.com/kverlaen/crewd/internal/tasks"
)

// taskSummary is the list-view shape of a task; the detail endpoint
// returns the full record.
type taskSummary struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Status        tasks.Status   `json:"status"`
	Priority      tasks.Priority `json:"priority"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Skills        []string       `json:"skills,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func summarizeTask(t *tasks.Task) taskSummary {
	return taskSummary{
		ID:            t.ID,
		Title:         t.Title,
		Status:        t.Status,
		Priority:      t.Priority,
		AssignedAgent: t.AssignedAgent,
		Skills:        t.RequiredSkills,
		Tags:          t.Tags,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// agentSummary is an agent snapshot plus its last heartbeat on the bus.
type agentSummary struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         agents.Status `json:"status"`
	Skills         []string      `json:"skills"`
	CurrentTask    string        `json:"current_task,omitempty"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	LastActive     time.Time     `json:"last_active"`
	LastHeartbeat  *time.Time    `json:"last_heartbeat,omitempty"`
}

func summarizeAgent(a *agents.Agent, mail *bus.Bus) agentSummary {
	s := agentSummary{
		ID:             a.ID,
		Name:           a.Name,
		Status:         a.Status,
		Skills:         a.Skills,
		CurrentTask:    a.CurrentTask,
		TasksCompleted: a.Stats.TasksCompleted,
		TasksFailed:    a.Stats.TasksFailed,
		LastActive:     a.LastActive,
	}
	if mail != nil {
		if t, ok := mail.LastHeartbeat(a.ID); ok {
			s.LastHeartbeat = &t
		}
	}
	return s
}

// statsView combines queue counts with governor counters when available.
type statsView struct {
	Queue tasks.Stats     `json:"queue"`
	Run   *governor.State `json:"run,omitempty"`
}
