package agents

import (
	"strings"

	"github.com/kverlaen/crewd/internal/tasks"
)

// ClassifyFailure maps an execution failure message onto a failure type.
// The classification drives retry bookkeeping and supervisor diagnostics.
func ClassifyFailure(msg string) tasks.FailureType {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timed out"):
		return tasks.FailureTimeout
	case strings.Contains(lower, "stalled"), strings.Contains(lower, "no output"):
		return tasks.FailureStalled
	case strings.HasPrefix(msg, "FILE_LOCKED"), strings.Contains(lower, "blocked"):
		return tasks.FailureBlocked
	default:
		return tasks.FailureError
	}
}
