// Package bus provides the mail bus connecting agents, the supervisor, and
// the orchestrator: topic pub/sub with per-producer ordering, a durable
// message journal with acknowledgements, agent heartbeats, and exclusive
// resource leases.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Topic is an exact-match message type in dotted notation.
type Topic string

const (
	TopicTaskCreated        Topic = "task.created"
	TopicTaskUpdated        Topic = "task.updated"
	TopicTaskAssigned       Topic = "task.assigned"
	TopicTaskClaimed        Topic = "task.claimed"
	TopicTaskProgress       Topic = "task.progress"
	TopicTaskCompleted      Topic = "task.completed"
	TopicTaskFailed         Topic = "task.failed"
	TopicTaskRetryScheduled Topic = "task.retry_scheduled"
	TopicTaskAvailable      Topic = "task.available"
	TopicAgentStarted       Topic = "agent.started"
	TopicAgentStopped       Topic = "agent.stopped"
	TopicAgentStatus        Topic = "agent.status"
	TopicFileLock           Topic = "file.lock"
	TopicFileUnlock         Topic = "file.unlock"
)

// Message is one bus message. Delivery is at-least-once; subscribers must
// tolerate duplicates and unknown payload fields.
type Message struct {
	ID          string         `json:"id"`
	Topic       Topic          `json:"topic"`
	Producer    string         `json:"producer"`
	Recipient   string         `json:"recipient,omitempty"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
	AckRequired bool           `json:"ack_required,omitempty"`
}

// messageIDCounter disambiguates messages created in the same nanosecond.
var messageIDCounter uint64

func generateMessageID() string {
	seq := atomic.AddUint64(&messageIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}
