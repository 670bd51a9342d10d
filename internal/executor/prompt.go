package executor

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the worker's stdin: the task, the agent's skills,
// and any retrieved memory context.
func BuildPrompt(ec ExecContext) string {
	var sb strings.Builder

	sb.WriteString("# Task\n\n")
	fmt.Fprintf(&sb, "Title: %s\n", ec.Task.Title)
	fmt.Fprintf(&sb, "Priority: %s\n", ec.Task.Priority)
	if ec.Task.EstimatedMinutes > 0 {
		fmt.Fprintf(&sb, "Estimated: %d minutes\n", ec.Task.EstimatedMinutes)
	}
	if len(ec.Task.RequiredSkills) > 0 {
		fmt.Fprintf(&sb, "Required skills: %s\n", strings.Join(ec.Task.RequiredSkills, ", "))
	}
	if ec.Task.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(ec.Task.Description)
		sb.WriteString("\n")
	}

	if len(ec.AgentSkills) > 0 {
		sb.WriteString("\n# Your skills\n\n")
		sb.WriteString(strings.Join(ec.AgentSkills, ", "))
		sb.WriteString("\n")
	}

	if len(ec.Memories) > 0 {
		sb.WriteString("\n# Relevant context from previous work\n")
		for _, m := range ec.Memories {
			fmt.Fprintf(&sb, "\n## %s\n%s\n", m.Entry.Title, m.Content)
		}
	}

	if ec.Task.RetryCount > 0 && ec.Task.LastError != "" {
		sb.WriteString("\n# Previous attempt\n\n")
		fmt.Fprintf(&sb, "Attempt %d failed: %s\n", ec.Task.RetryCount, ec.Task.LastError)
	}

	return sb.String()
}
