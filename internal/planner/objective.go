// Package planner implements objective-driven task generation: an
// objective is a sequence of milestones, each with completion criteria;
// the planner keeps the queue topped up with milestone-sized task batches
// from an LLM, and the progress analyzer judges criteria and advances
// milestones once every generated task has settled.
package planner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kverlaen/crewd/internal/storage/dirstore"
)

// ObjectiveStatus is the lifecycle state of an objective.
type ObjectiveStatus string

const (
	ObjectiveActive    ObjectiveStatus = "active"
	ObjectiveCompleted ObjectiveStatus = "completed"
	ObjectiveFailed    ObjectiveStatus = "failed"
)

// MilestoneStatus is the lifecycle state of one milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
)

// Milestone is one stage of an objective with its completion criteria.
type Milestone struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Criteria    []string        `json:"criteria"`
	Status      MilestoneStatus `json:"status"`
}

// Objective drives a planning run: milestones are worked in order and the
// objective completes when the last milestone's criteria are satisfied.
type Objective struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Milestones  []Milestone `json:"milestones"`
	Current     int         `json:"current_milestone"`

	Status      ObjectiveStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// GenerateID creates a unique objective identifier.
func GenerateID() string {
	u := uuid.New().String()
	return "obj_" + strings.ReplaceAll(u[:8], "-", "")
}

// LoadObjectiveFile reads an objective definition from a JSON file.
func LoadObjectiveFile(path string) (*Objective, error) {
	var o Objective
	if err := dirstore.ReadJSON(path, &o); err != nil {
		return nil, err
	}
	if o.Title == "" {
		return nil, fmt.Errorf("objective file %s: title is required", path)
	}
	return &o, nil
}

// CurrentMilestone returns the milestone being worked, or nil once every
// milestone is done.
func (o *Objective) CurrentMilestone() *Milestone {
	if o.Current < 0 || o.Current >= len(o.Milestones) {
		return nil
	}
	return &o.Milestones[o.Current]
}

// MilestoneTag is the task tag binding a task to one milestone of an
// objective, so milestone progress can be read back from the queue.
func (o *Objective) MilestoneTag(index int) string {
	return "milestone:" + o.ID + ":" + strconv.Itoa(index)
}
