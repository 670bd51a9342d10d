package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kverlaen/crewd/internal/config"
)

// NewAgentsCommand returns the agents subcommand.
func NewAgentsCommand() *cli.Command {
	return &cli.Command{
		Name:   "agents",
		Usage:  "Show the agent pool from the registry snapshot",
		Action: runAgents,
	}
}

// registryDoc mirrors the agents.json snapshot the daemon maintains.
type registryDoc struct {
	Agents []struct {
		ID             string     `json:"id"`
		Name           string     `json:"name"`
		Status         string     `json:"status"`
		Skills         []string   `json:"skills"`
		CurrentTask    *string    `json:"currentTask"`
		LastHeartbeat  *time.Time `json:"lastHeartbeat"`
		TasksCompleted int        `json:"tasksCompleted"`
		StartedAt      time.Time  `json:"startedAt"`
	} `json:"agents"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func runAgents(_ context.Context, _ *cli.Command) error {
	data, err := os.ReadFile(config.RegistryPath())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No agent registry found. Is the daemon running?")
			return nil
		}
		return fmt.Errorf("read registry: %w", err)
	}

	var doc registryDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode registry: %w", err)
	}

	if len(doc.Agents) == 0 {
		fmt.Println("No agents in the pool.")
		return nil
	}

	fmt.Printf("Snapshot from %s\n\n", doc.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tSKILLS\tCURRENT TASK\tDONE\tHEARTBEAT")
	for _, a := range doc.Agents {
		task := "-"
		if a.CurrentTask != nil {
			task = *a.CurrentTask
		}
		heartbeat := "-"
		if a.LastHeartbeat != nil {
			heartbeat = time.Since(*a.LastHeartbeat).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.Name, a.Status, strings.Join(a.Skills, ","), task,
			a.TasksCompleted, heartbeat)
	}
	return w.Flush()
}
