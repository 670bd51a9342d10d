package tasks

import (
	"context"
)

// Recover resets every claimed and in_progress task back to ready with no
// assignment. Called on orchestrator startup before any agent starts: a task
// in either state at that point belongs to an agent from a previous process
// that no longer exists.
func Recover(ctx context.Context, store Store) (int, error) {
	claimed, err := store.List(ctx, Filter{Status: StatusClaimed})
	if err != nil {
		return 0, err
	}
	inProgress, err := store.List(ctx, Filter{Status: StatusInProgress})
	if err != nil {
		return 0, err
	}

	ready := StatusReady
	noAgent := ""
	recovered := 0
	for _, t := range append(claimed, inProgress...) {
		if _, err := store.Update(ctx, t.ID, Patch{Status: &ready, AssignedAgent: &noAgent}); err != nil {
			continue
		}
		recovered++
	}
	return recovered, nil
}
