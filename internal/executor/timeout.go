package executor

import (
	"time"

	"github.com/kverlaen/crewd/internal/tasks"
)

// TimeoutFor computes the execution timeout for a task. With an estimate,
// the timeout is the estimate scaled by the multiplier and clamped to
// [min, max]. Without one, a heuristic scales the fallback by description
// length and skill count, still capped at max.
func (e *Executor) TimeoutFor(t *tasks.Task) time.Duration {
	minT := e.cfg.MinTimeout.Duration()
	maxT := e.cfg.MaxTimeout.Duration()

	if t.EstimatedMinutes > 0 {
		scaled := time.Duration(float64(t.EstimatedMinutes) * e.cfg.TimeoutMultiplier * float64(time.Minute))
		if scaled < minT {
			return minT
		}
		if scaled > maxT {
			return maxT
		}
		return scaled
	}

	timeout := e.cfg.FallbackTimeout.Duration()
	// Longer descriptions and more required skills suggest bigger work.
	timeout += time.Duration(len(t.Description)/200) * time.Minute
	timeout += time.Duration(len(t.RequiredSkills)) * 5 * time.Minute
	if timeout > maxT {
		return maxT
	}
	return timeout
}
