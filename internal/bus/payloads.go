package bus

import (
	"encoding/json"
	"time"
)

// Payload is implemented by every typed message payload.
type Payload interface {
	Topic() Topic
}

// =============================================================================
// TASK LIFECYCLE
// =============================================================================

type TaskCreatedPayload struct {
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	Priority       string   `json:"priority"`
	RequiredSkills []string `json:"required_skills,omitempty"`
}

func (TaskCreatedPayload) Topic() Topic { return TopicTaskCreated }

type TaskUpdatedPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (TaskUpdatedPayload) Topic() Topic { return TopicTaskUpdated }

type TaskAssignedPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (TaskAssignedPayload) Topic() Topic { return TopicTaskAssigned }

// ClaimReasoning explains why an agent picked a task.
type ClaimReasoning struct {
	MatchedSkills          []string `json:"matched_skills"`
	Score                  float64  `json:"score"`
	EstimatedMinutes       int      `json:"estimated_minutes,omitempty"`
	AlternativesConsidered int      `json:"alternatives_considered"`
	Priority               string   `json:"priority"`
	TaskType               string   `json:"task_type,omitempty"`
}

type TaskClaimedPayload struct {
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	AgentName string         `json:"agent_name,omitempty"`
	Reasoning ClaimReasoning `json:"reasoning"`
}

func (TaskClaimedPayload) Topic() Topic { return TopicTaskClaimed }

type TaskProgressPayload struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
}

func (TaskProgressPayload) Topic() Topic { return TopicTaskProgress }

type TaskCompletedPayload struct {
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id"`
	DurationMs    int64  `json:"duration_ms"`
	ActualMinutes int    `json:"actual_minutes"`
}

func (TaskCompletedPayload) Topic() Topic { return TopicTaskCompleted }

type TaskFailedPayload struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id"`
	FailureType string `json:"failure_type"`
	Error       string `json:"error,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

func (TaskFailedPayload) Topic() Topic { return TopicTaskFailed }

type TaskRetryScheduledPayload struct {
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id"`
	RetryCount    int    `json:"retry_count"`
	NextRetryInMs int64  `json:"next_retry_in_ms"`
	FailureType   string `json:"failure_type"`
	Error         string `json:"error,omitempty"`
}

func (TaskRetryScheduledPayload) Topic() Topic { return TopicTaskRetryScheduled }

type TaskAvailablePayload struct {
	Count int `json:"count"`
}

func (TaskAvailablePayload) Topic() Topic { return TopicTaskAvailable }

// =============================================================================
// AGENT LIFECYCLE
// =============================================================================

type AgentStartedPayload struct {
	AgentID string   `json:"agent_id"`
	Name    string   `json:"name"`
	Skills  []string `json:"skills,omitempty"`
}

func (AgentStartedPayload) Topic() Topic { return TopicAgentStarted }

type AgentStoppedPayload struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

func (AgentStoppedPayload) Topic() Topic { return TopicAgentStopped }

type AgentStatusPayload struct {
	AgentID        string   `json:"agent_id"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Skills         []string `json:"skills,omitempty"`
	CurrentTask    string   `json:"current_task,omitempty"`
	Phase          string   `json:"phase,omitempty"`
	ElapsedMs      int64    `json:"elapsed_ms,omitempty"`
	TasksCompleted int      `json:"tasks_completed"`
	TasksFailed    int      `json:"tasks_failed"`
}

func (AgentStatusPayload) Topic() Topic { return TopicAgentStatus }

// =============================================================================
// FILE LEASES
// =============================================================================

type FileLockPayload struct {
	AgentID string   `json:"agent_id"`
	TaskID  string   `json:"task_id"`
	Paths   []string `json:"paths"`
}

func (FileLockPayload) Topic() Topic { return TopicFileLock }

type FileUnlockPayload struct {
	AgentID string   `json:"agent_id"`
	TaskID  string   `json:"task_id"`
	Paths   []string `json:"paths"`
}

func (FileUnlockPayload) Topic() Topic { return TopicFileUnlock }

// =============================================================================
// CONSTRUCTORS AND EXTRACTORS
// =============================================================================

// NewMessage builds a Message from a typed payload.
func NewMessage(producer string, payload Payload) Message {
	return Message{
		ID:        generateMessageID(),
		Topic:     payload.Topic(),
		Producer:  producer,
		Payload:   toMap(payload),
		Timestamp: time.Now().UTC(),
	}
}

// NewDirectMessage builds a Message addressed to a single recipient.
func NewDirectMessage(producer, recipient string, payload Payload) Message {
	m := NewMessage(producer, payload)
	m.Recipient = recipient
	return m
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes a message payload into its typed form. The second
// return is false when the payload does not decode.
func ExtractPayload[T Payload](m Message) (T, bool) {
	var result T
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
