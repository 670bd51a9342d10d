package agents

import (
	"sync"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/tasks"
)

// Catalog is the registry of skills known to the system and which of them
// an agent may pick up on demand.
type Catalog struct {
	mu     sync.RWMutex
	skills map[string]config.SkillDef
}

// NewCatalog builds a catalog from config. Skills a task requires that are
// absent from the catalog are treated as non-acquirable.
func NewCatalog(defs []config.SkillDef) *Catalog {
	c := &Catalog{skills: make(map[string]config.SkillDef, len(defs))}
	for _, def := range defs {
		c.skills[def.Name] = def
	}
	return c
}

// Acquirable reports whether an agent may learn the skill at claim time.
func (c *Catalog) Acquirable(skill string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skills[skill].Acquirable
}

// Register adds or updates a skill definition.
func (c *Catalog) Register(def config.SkillDef) {
	c.mu.Lock()
	c.skills[def.Name] = def
	c.mu.Unlock()
}

// Match is the result of scoring one agent against one task.
type Match struct {
	Task       *tasks.Task
	Score      float64  // fraction of required skills held, in [0,1]
	Matched    []string // required skills the agent holds
	Missing    []string // required skills the agent lacks
	Acquirable []string // subset of Missing the catalog marks acquirable
	CanAcquire bool     // every missing skill is acquirable
}

// ScoreTask computes the skill match between an agent and a task. A task
// with no required skills is a perfect match. Partial overlap scores the
// held fraction; zero overlap scores zero even when some skills are held
// elsewhere.
func (c *Catalog) ScoreTask(a *Agent, t *tasks.Task) Match {
	m := Match{Task: t}
	if len(t.RequiredSkills) == 0 {
		m.Score = 1.0
		return m
	}

	for _, skill := range t.RequiredSkills {
		if a.HasSkill(skill) {
			m.Matched = append(m.Matched, skill)
		} else {
			m.Missing = append(m.Missing, skill)
			if c.Acquirable(skill) {
				m.Acquirable = append(m.Acquirable, skill)
			}
		}
	}

	if len(m.Matched) > 0 {
		m.Score = float64(len(m.Matched)) / float64(len(t.RequiredSkills))
	}
	m.CanAcquire = len(m.Missing) > 0 && len(m.Acquirable) == len(m.Missing)
	return m
}

// Eligible reports whether the match allows the agent to work the task:
// some skill overlap, or every gap acquirable.
func (m Match) Eligible() bool {
	return m.Score > 0 || m.CanAcquire
}
