package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/memory"
	"github.com/kverlaen/crewd/internal/tasks"
)

// batchCeiling caps one generation round regardless of watermark headroom.
const batchCeiling = 8

// ChatModel is the slice of the eino chat-model surface the planner uses;
// every registry model satisfies it. Tests script it directly.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Config wires one planner.
type Config struct {
	Store      tasks.Store
	Objectives *ObjectiveStore
	// Model resolves the chat model lazily so provider initialization
	// happens on first use.
	Model  func(ctx context.Context) (ChatModel, error)
	Memory *memory.Service

	Planner config.PlannerConfig

	// OnObjectiveComplete fires once when the final milestone is satisfied.
	OnObjectiveComplete func()

	Logger *slog.Logger
}

// Planner tops up the task queue from the current objective milestone and
// advances milestones as their criteria are satisfied.
type Planner struct {
	mu             sync.Mutex
	objective      *Objective
	lastGeneration time.Time

	store      tasks.Store
	objectives *ObjectiveStore
	model      func(ctx context.Context) (ChatModel, error)
	memsvc     *memory.Service

	low      int
	high     int
	max      int
	cooldown time.Duration

	onComplete func()
	log        *slog.Logger
}

// New builds a planner. Watermark zero values take the documented defaults.
func New(cfg Config) *Planner {
	p := &Planner{
		store:      cfg.Store,
		objectives: cfg.Objectives,
		model:      cfg.Model,
		memsvc:     cfg.Memory,
		low:        cfg.Planner.LowWatermark,
		high:       cfg.Planner.HighWatermark,
		max:        cfg.Planner.MaxWatermark,
		cooldown:   cfg.Planner.Cooldown.Duration(),
		onComplete: cfg.OnObjectiveComplete,
		log:        cfg.Logger,
	}
	if p.low <= 0 {
		p.low = 2
	}
	if p.high <= 0 {
		p.high = 8
	}
	if p.max <= 0 {
		p.max = 15
	}
	if p.cooldown <= 0 {
		p.cooldown = 30 * time.Second
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// SetObjective activates an objective: persists it, marks its first
// milestone in progress, and makes it the planning target.
func (p *Planner) SetObjective(o *Objective) error {
	if o.ID == "" {
		o.ID = GenerateID()
	}
	if o.Status == "" {
		o.Status = ObjectiveActive
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if len(o.Milestones) == 0 {
		return fmt.Errorf("objective %s has no milestones", o.ID)
	}
	for i := range o.Milestones {
		if o.Milestones[i].Status == "" {
			o.Milestones[i].Status = MilestonePending
		}
	}
	if o.Milestones[o.Current].Status == MilestonePending {
		o.Milestones[o.Current].Status = MilestoneInProgress
	}
	if err := p.objectives.Save(o); err != nil {
		return err
	}
	p.mu.Lock()
	p.objective = o
	p.mu.Unlock()
	p.log.Info("objective activated", "objective", o.ID, "title", o.Title, "milestones", len(o.Milestones))
	return nil
}

// Objective returns the current objective, or nil.
func (p *Planner) Objective() *Objective {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.objective
}

// Replenish is the supervisor-tick hook: check milestone progress first,
// then top the queue back up for the current milestone.
func (p *Planner) Replenish(ctx context.Context) {
	p.mu.Lock()
	o := p.objective
	p.mu.Unlock()
	if o == nil || o.Status != ObjectiveActive {
		return
	}

	advanced, err := p.checkProgress(ctx, o)
	if err != nil {
		p.log.Warn("milestone progress check failed", "objective", o.ID, "error", err)
	}
	if advanced && o.Status != ObjectiveActive {
		return
	}

	if err := p.topUp(ctx, o); err != nil {
		p.log.Warn("task generation failed", "objective", o.ID, "error", err)
	}
}

// topUp generates a batch when the claimable backlog has drained below the
// low watermark and the cooldown has passed.
func (p *Planner) topUp(ctx context.Context, o *Objective) error {
	m := o.CurrentMilestone()
	if m == nil {
		return nil
	}

	backlog, err := p.backlog(ctx)
	if err != nil {
		return err
	}
	if backlog >= p.low {
		return nil
	}
	p.mu.Lock()
	coolingDown := time.Since(p.lastGeneration) < p.cooldown
	p.mu.Unlock()
	if coolingDown {
		return nil
	}

	limit := p.high - backlog
	if headroom := p.max - backlog; headroom < limit {
		limit = headroom
	}
	if limit > batchCeiling {
		limit = batchCeiling
	}
	if limit <= 0 {
		return nil
	}

	specs, err := p.generate(ctx, o, m, limit)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}
	if len(specs) > limit {
		specs = specs[:limit]
	}

	created, err := p.createBatch(ctx, o, specs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.lastGeneration = time.Now()
	p.mu.Unlock()
	p.log.Info("task batch generated", "objective", o.ID,
		"milestone", m.Title, "tasks", created, "backlog", backlog)
	return nil
}

// backlog counts queued work: tasks still pending plus tasks ready to
// claim.
func (p *Planner) backlog(ctx context.Context) (int, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.ByStatus[tasks.StatusPending] + stats.ByStatus[tasks.StatusReady], nil
}

// generate asks the model for up to limit tasks for the milestone.
func (p *Planner) generate(ctx context.Context, o *Objective, m *Milestone, limit int) ([]TaskSpec, error) {
	chatModel, err := p.model(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	done, err := p.completedSummaries(ctx, o)
	if err != nil {
		p.log.Warn("collect completed summaries failed", "error", err)
	}

	prompt := p.buildGeneratePrompt(o, m, done, limit)
	result, err := chatModel.Generate(ctx, []*schema.Message{{Role: schema.User, Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("generate tasks: %w", err)
	}

	specs := ParseTaskBatch(result.Content)
	if specs == nil {
		p.log.Warn("model response contained no parseable tasks", "objective", o.ID)
	}
	return specs, nil
}

// createBatch inserts the specs, resolving intra-batch dependency
// positions to created task ids. Tasks with dependencies start pending.
func (p *Planner) createBatch(ctx context.Context, o *Objective, specs []TaskSpec) (int, error) {
	tag := o.MilestoneTag(o.Current)
	ids := make([]string, len(specs))
	created := 0
	for i, spec := range specs {
		var deps []string
		for _, pos := range spec.DependsOn {
			if pos >= 1 && pos <= i {
				deps = append(deps, ids[pos-1])
			}
		}
		priority := tasks.Priority(spec.Priority)
		if !tasks.ValidPriority(priority) {
			priority = tasks.PriorityMedium
		}
		t, err := p.store.Create(ctx, &tasks.Task{
			Title:            spec.Title,
			Description:      spec.Description,
			Priority:         priority,
			RequiredSkills:   spec.RequiredSkills,
			EstimatedMinutes: spec.EstimatedMinutes,
			Dependencies:     deps,
			Tags:             []string{tag},
		})
		if err != nil {
			p.log.Warn("create generated task failed", "title", spec.Title, "error", err)
			continue
		}
		ids[i] = t.ID
		created++
	}
	if created == 0 {
		return 0, fmt.Errorf("no generated task could be created")
	}
	return created, nil
}

func (p *Planner) buildGeneratePrompt(o *Objective, m *Milestone, done []string, limit int) string {
	var sb strings.Builder
	sb.WriteString("You are a planning agent generating work items for a team of autonomous developer agents.\n\n")
	fmt.Fprintf(&sb, "## Objective: %s\n\n", o.Title)
	if o.Description != "" {
		sb.WriteString(o.Description + "\n\n")
	}
	fmt.Fprintf(&sb, "## Current milestone: %s\n\n", m.Title)
	if m.Description != "" {
		sb.WriteString(m.Description + "\n\n")
	}
	sb.WriteString("### Completion criteria\n\n")
	for i, c := range m.Criteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}
	if len(done) > 0 {
		sb.WriteString("\n### Already completed in this milestone\n\n")
		for _, d := range done {
			sb.WriteString("- " + d + "\n")
		}
	}
	if p.memsvc != nil {
		if hits, err := p.memsvc.Search(o.Title+" "+m.Title, nil, 3); err == nil && len(hits) > 0 {
			sb.WriteString("\n### Relevant context from past work\n\n")
			for _, h := range hits {
				sb.WriteString("- " + h.Entry.Title + "\n")
			}
		}
	}
	fmt.Fprintf(&sb, "\n## Instructions\n\nGenerate at most %d tasks that move this milestone toward its criteria.\n", limit)
	sb.WriteString("Respond with a JSON array only:\n```json\n")
	sb.WriteString(`[{"title": "...", "description": "...", "priority": "low|medium|high|critical", "required_skills": ["..."], "estimated_minutes": 30, "depends_on": [1]}]`)
	sb.WriteString("\n```\n")
	sb.WriteString("depends_on references earlier items in this batch by position, starting at 1. Only output the JSON.")
	return sb.String()
}

// completedSummaries returns one-line summaries of the current milestone's
// completed tasks.
func (p *Planner) completedSummaries(ctx context.Context, o *Objective) ([]string, error) {
	list, err := p.store.List(ctx, tasks.Filter{
		Status: tasks.StatusCompleted,
		Tag:    o.MilestoneTag(o.Current),
	})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range list {
		line := t.Title
		if t.Result != "" {
			line += ": " + firstLine(t.Result)
		}
		out = append(out, line)
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160] + "…"
	}
	return strings.TrimSpace(s)
}
