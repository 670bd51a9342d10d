package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/governor"
	"github.com/kverlaen/crewd/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show daemon status",
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	status, hb, err := heartbeat.Check(config.HeartbeatPath(), 2*time.Minute)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}

	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Daemon: ALIVE (PID %d, uptime %s)\n", hb.PID, hb.Uptime)
	case heartbeat.StatusStale:
		fmt.Printf("Daemon: STALE (PID %d, last heartbeat %s ago)\n",
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
	case heartbeat.StatusDead:
		fmt.Println("Daemon: NOT RUNNING")
	}

	// Last persisted run counters, if any.
	data, err := os.ReadFile(loadConfig(cmd).Runtime.StatePath)
	if err != nil {
		return nil
	}
	var state governor.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}

	fmt.Printf("Run:    %d cycles, %d completed, %d failed",
		state.CycleCount, state.TasksCompleted, state.TasksFailed)
	if state.EndState != nil {
		fmt.Printf(" (ended: %s)", *state.EndState)
	} else if status != heartbeat.StatusAlive {
		fmt.Print(" (interrupted)")
	}
	fmt.Println()
	if state.ActiveObjectiveID != "" {
		fmt.Printf("Objective: %s\n", state.ActiveObjectiveID)
	}
	return nil
}
