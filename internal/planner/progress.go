package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/kverlaen/crewd/internal/memory"
	"github.com/kverlaen/crewd/internal/tasks"
)

// CriterionVerdict is the model's judgement of one completion criterion.
type CriterionVerdict struct {
	Criterion string `json:"criterion"`
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason,omitempty"`
}

// milestoneVerdict is the full judgement for one milestone.
type milestoneVerdict struct {
	AllSatisfied bool               `json:"all_satisfied"`
	Criteria     []CriterionVerdict `json:"criteria"`
}

// checkProgress judges the current milestone once all of its tasks have
// settled, advancing the milestone or completing the objective. Returns
// whether the objective state changed.
func (p *Planner) checkProgress(ctx context.Context, o *Objective) (bool, error) {
	m := o.CurrentMilestone()
	if m == nil {
		return false, nil
	}

	batch, err := p.store.List(ctx, tasks.Filter{Tag: o.MilestoneTag(o.Current)})
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return false, nil // nothing generated yet
	}
	for _, t := range batch {
		if !t.Status.Terminal() {
			return false, nil
		}
	}

	verdict, err := p.judge(ctx, o, m, batch)
	if err != nil {
		return false, err
	}
	if !verdict.AllSatisfied {
		for _, c := range verdict.Criteria {
			if !c.Satisfied {
				p.log.Info("criterion not yet satisfied",
					"milestone", m.Title, "criterion", c.Criterion, "reason", c.Reason)
			}
		}
		return false, nil
	}

	m.Status = MilestoneCompleted
	p.log.Info("milestone completed", "objective", o.ID, "milestone", m.Title)
	p.rememberMilestone(o, m, batch)

	if o.Current+1 < len(o.Milestones) {
		o.Current++
		o.Milestones[o.Current].Status = MilestoneInProgress
		p.log.Info("milestone advanced", "objective", o.ID, "milestone", o.Milestones[o.Current].Title)
	} else {
		o.Status = ObjectiveCompleted
		now := time.Now()
		o.CompletedAt = &now
		p.log.Info("objective completed", "objective", o.ID, "title", o.Title)
		if p.onComplete != nil {
			p.onComplete()
		}
	}
	if err := p.objectives.Save(o); err != nil {
		return true, err
	}
	return true, nil
}

// judge asks the model whether the milestone's criteria are satisfied by
// the settled batch.
func (p *Planner) judge(ctx context.Context, o *Objective, m *Milestone, batch []*tasks.Task) (*milestoneVerdict, error) {
	chatModel, err := p.model(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	prompt := buildJudgePrompt(o, m, batch)
	result, err := chatModel.Generate(ctx, []*schema.Message{{Role: schema.User, Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("judge milestone: %w", err)
	}

	var verdict milestoneVerdict
	if err := json.Unmarshal([]byte(stripFences(result.Content)), &verdict); err != nil {
		// An unreadable judgement must not wedge the objective forever.
		p.log.Warn("unparseable milestone judgement, treating as satisfied", "error", err)
		return &milestoneVerdict{AllSatisfied: true}, nil
	}
	return &verdict, nil
}

func buildJudgePrompt(o *Objective, m *Milestone, batch []*tasks.Task) string {
	var sb strings.Builder
	sb.WriteString("You are a progress reviewer. Judge whether the milestone's completion criteria are satisfied by the finished tasks.\n\n")
	fmt.Fprintf(&sb, "## Milestone: %s\n\n### Criteria\n\n", m.Title)
	for i, c := range m.Criteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}
	sb.WriteString("\n### Finished tasks\n\n")
	for _, t := range batch {
		fmt.Fprintf(&sb, "- [%s] %s", t.Status, t.Title)
		if t.Result != "" {
			sb.WriteString(": " + firstLine(t.Result))
		}
		if t.LastError != "" && t.Status == tasks.StatusFailed {
			sb.WriteString(" (error: " + firstLine(t.LastError) + ")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n## Instructions\n\nRespond with a JSON object only:\n```json\n")
	sb.WriteString(`{"all_satisfied": true, "criteria": [{"criterion": "...", "satisfied": true, "reason": "..."}]}`)
	sb.WriteString("\n```\n")
	return sb.String()
}

// rememberMilestone records a completed milestone so future planning can
// retrieve what was achieved.
func (p *Planner) rememberMilestone(o *Objective, m *Milestone, batch []*tasks.Task) {
	if p.memsvc == nil {
		return
	}
	completed := 0
	for _, t := range batch {
		if t.Status == tasks.StatusCompleted {
			completed++
		}
	}
	err := p.memsvc.Remember(&memory.Entry{
		Title:      "milestone completed: " + m.Title,
		Type:       memory.TypeTaskContext,
		Importance: 0.7,
		Tags:       []string{"planning"},
		Metadata:   map[string]string{"objective_id": o.ID},
	}, fmt.Sprintf("milestone %q of objective %q completed with %d/%d tasks successful",
		m.Title, o.Title, completed, len(batch)))
	if err != nil {
		p.log.Warn("store milestone memory failed", "error", err)
	}
}
