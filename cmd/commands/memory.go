package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/kverlaen/crewd/internal/memory"
)

// NewMemoryCommand returns the memory subcommand.
func NewMemoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect the agents' long-term memory",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all memories",
				Action: runMemoryList,
			},
			{
				Name:      "search",
				Usage:     "Search memories",
				ArgsUsage: "<query>",
				Action:    runMemorySearch,
			},
			{
				Name:      "show",
				Usage:     "Show a memory entry",
				ArgsUsage: "<id>",
				Action:    runMemoryShow,
			},
			{
				Name:      "forget",
				Usage:     "Delete a memory",
				ArgsUsage: "<id>",
				Action:    runMemoryForget,
			},
		},
		DefaultCommand: "list",
	}
}

func newMemoryStore(cmd *cli.Command) *memory.FileStore {
	return memory.NewFileStore(loadConfig(cmd).Memory.Dir)
}

func runMemoryList(_ context.Context, cmd *cli.Command) error {
	store := newMemoryStore(cmd)

	entries, err := store.List()
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No memories stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTITLE\tAGENT\tCONFIDENCE")
	for _, e := range entries {
		agent := e.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\n",
			e.ID, e.Type, e.Title, agent, e.Confidence)
	}
	return w.Flush()
}

func runMemorySearch(_ context.Context, cmd *cli.Command) error {
	query := cmd.Args().First()
	if query == "" {
		return fmt.Errorf("usage: crewd memory search <query>")
	}

	store := newMemoryStore(cmd)
	retriever := memory.NewKeywordRetriever(store)

	results, err := retriever.Retrieve(query, nil, 10)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No matching memories found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tID\tTYPE\tTITLE")
	for _, r := range results {
		fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\n",
			r.Score, r.Entry.ID, r.Entry.Type, r.Entry.Title)
	}
	return w.Flush()
}

func runMemoryShow(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: crewd memory show <id>")
	}

	store := newMemoryStore(cmd)

	entry, content, err := store.Get(id)
	if err != nil {
		return fmt.Errorf("get memory: %w", err)
	}

	fmt.Printf("ID:         %s\n", entry.ID)
	fmt.Printf("Title:      %s\n", entry.Title)
	fmt.Printf("Type:       %s\n", entry.Type)
	if entry.AgentID != "" {
		fmt.Printf("Agent:      %s\n", entry.AgentID)
	}
	fmt.Printf("Confidence: %.2f\n", entry.Confidence)
	fmt.Printf("Created:    %s\n", entry.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:    %s\n", entry.UpdatedAt.Format("2006-01-02 15:04:05"))
	if len(entry.Tags) > 0 {
		fmt.Printf("Tags:       %v\n", entry.Tags)
	}
	fmt.Printf("\nContent:\n%s\n", content)

	return nil
}

func runMemoryForget(_ context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: crewd memory forget <id>")
	}

	store := newMemoryStore(cmd)

	if err := store.Delete(id); err != nil {
		return fmt.Errorf("forget: %w", err)
	}

	fmt.Printf("Memory %s deleted.\n", id)
	return nil
}
