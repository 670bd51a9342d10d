// Package memory provides long-term memory for agents: content-addressed
// entries persisted on disk, keyword retrieval with recency and confidence
// weighting, and an optional semantic layer backed by a vector store.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type categorizes a memory entry.
type Type string

const (
	TypeAgentLearning Type = "agent_learning" // written after a completed task
	TypeTaskContext   Type = "task_context"   // ambient context for a task family
	TypeProcedure     Type = "procedure"      // how to do something
	TypeFact          Type = "fact"
)

// Entry holds the metadata of a single memory. Content lives beside it in
// the store, addressed by ContentHash.
type Entry struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Type        Type              `json:"type"`
	AgentID     string            `json:"agent_id,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Importance  float64           `json:"importance"`
	Confidence  float64           `json:"confidence"`
	ContentHash string            `json:"content_hash,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastUsedAt  time.Time         `json:"last_used_at"`
}

// GenerateID creates a unique memory identifier.
func GenerateID() string {
	u := uuid.New().String()
	return "mem_" + strings.ReplaceAll(u[:8], "-", "")
}

// HashContent returns the content address for a memory body.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}
