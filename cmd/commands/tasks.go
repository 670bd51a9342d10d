package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/storage/sqlite"
	"github.com/kverlaen/crewd/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and feed the task queue",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "add",
				Usage:     "Queue a task through the intake directory",
				ArgsUsage: "<title>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "description",
						Aliases: []string{"d"},
						Usage:   "Task description",
					},
					&cli.StringFlag{
						Name:    "priority",
						Aliases: []string{"p"},
						Usage:   "Priority: low, medium, high, critical",
					},
					&cli.StringSliceFlag{
						Name:  "skill",
						Usage: "Required skill (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "dep",
						Usage: "Dependency task id (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "tag",
						Usage: "Tag (repeatable)",
					},
					&cli.IntFlag{
						Name:  "estimate",
						Usage: "Estimated minutes",
					},
				},
				Action: runTasksAdd,
			},
		},
		DefaultCommand: "list",
	}
}

// openTaskStore opens the persistent store read-side for the CLI.
func openTaskStore(ctx context.Context, cfg *config.Config) (tasks.Store, func(), error) {
	if cfg.Store.Driver != "sqlite" {
		return nil, nil, fmt.Errorf("task store driver %q is not readable offline", cfg.Store.Driver)
	}
	db, err := sqlite.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	return tasks.NewSQLiteStore(db), func() { db.Close() }, nil
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	cfg := loadConfig(cmd)
	store, closeStore, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := store.List(ctx, tasks.Filter{Status: tasks.Status(cmd.String("status"))})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tAGENT\tRETRIES\tTITLE")
	for _, t := range list {
		agent := t.AssignedAgent
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, t.Status, t.Priority, agent, t.RetryCount, t.MaxRetries, t.Title)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: crewd tasks show <task_id>")
	}

	cfg := loadConfig(cmd)
	store, closeStore, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	t, err := store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Title:       %s\n", t.Title)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %s\n", t.Priority)
	if len(t.RequiredSkills) > 0 {
		fmt.Printf("Skills:      %s\n", strings.Join(t.RequiredSkills, ", "))
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("Depends on:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.AssignedAgent != "" {
		fmt.Printf("Agent:       %s\n", t.AssignedAgent)
	}
	fmt.Printf("Retries:     %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.FailureType != "" {
		fmt.Printf("Failure:     %s\n", t.FailureType)
	}
	if t.LastError != "" {
		fmt.Printf("Last error:  %s\n", t.LastError)
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if t.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", t.Description)
	}
	if t.Result != "" {
		fmt.Printf("\nResult:\n%s\n", t.Result)
	}
	return nil
}

// runTasksAdd writes a frontmatter task file into the intake directory.
// The running daemon picks it up; without a daemon it waits there.
func runTasksAdd(_ context.Context, cmd *cli.Command) error {
	title := strings.TrimSpace(cmd.Args().First())
	if title == "" {
		return fmt.Errorf("usage: crewd tasks add <title>")
	}
	if p := cmd.String("priority"); p != "" && !tasks.ValidPriority(tasks.Priority(p)) {
		return fmt.Errorf("unknown priority %q", p)
	}

	cfg := loadConfig(cmd)
	if err := os.MkdirAll(cfg.Intake.Dir, 0o755); err != nil {
		return fmt.Errorf("create intake dir: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %q\n", title)
	if p := cmd.String("priority"); p != "" {
		fmt.Fprintf(&b, "priority: %s\n", p)
	}
	writeYAMLList(&b, "skills", cmd.StringSlice("skill"))
	writeYAMLList(&b, "dependencies", cmd.StringSlice("dep"))
	writeYAMLList(&b, "tags", cmd.StringSlice("tag"))
	if est := cmd.Int("estimate"); est > 0 {
		fmt.Fprintf(&b, "estimate: %d\n", est)
	}
	b.WriteString("---\n")
	if desc := cmd.String("description"); desc != "" {
		b.WriteString("\n" + desc + "\n")
	}

	name := fmt.Sprintf("%s-%d.md", slugify(title), time.Now().UnixMilli())
	path := filepath.Join(cfg.Intake.Dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}

	fmt.Printf("Task queued: %s\n", path)
	return nil
}

func writeYAMLList(b *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	fmt.Fprintf(b, "%s: [%s]\n", key, strings.Join(quoted, ", "))
}

// slugify reduces a title to a safe filename stem.
func slugify(s string) string {
	s = strings.ToLower(s)
	var out []rune
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
			lastDash = false
		default:
			if !lastDash && len(out) > 0 {
				out = append(out, '-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(string(out), "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}
