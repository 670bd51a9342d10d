// Package intake turns task files dropped into a watched directory into
// queue tasks: markdown with a YAML frontmatter header describing the
// task, body text as the description.
package intake

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kverlaen/crewd/internal/tasks"
)

const frontmatterDelim = "---"

type frontmatter struct {
	Title            string   `yaml:"title"`
	Description      string   `yaml:"description"`
	Priority         string   `yaml:"priority"`
	Skills           []string `yaml:"skills"`
	EstimatedMinutes int      `yaml:"estimate"`
	Dependencies     []string `yaml:"dependencies"`
	Tags             []string `yaml:"tags"`
	MaxRetries       int      `yaml:"max_retries"`
}

// ParseTaskFile parses a task file into an unsaved task. The body below
// the frontmatter becomes the description unless the header sets one.
func ParseTaskFile(content []byte) (*tasks.Task, error) {
	header, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if strings.TrimSpace(fm.Title) == "" {
		return nil, fmt.Errorf("task file has no title")
	}

	desc := fm.Description
	if desc == "" {
		desc = strings.TrimSpace(body)
	}
	priority := tasks.Priority(fm.Priority)
	if fm.Priority != "" && !tasks.ValidPriority(priority) {
		return nil, fmt.Errorf("unknown priority %q", fm.Priority)
	}

	return &tasks.Task{
		Title:            strings.TrimSpace(fm.Title),
		Description:      desc,
		Priority:         priority,
		RequiredSkills:   fm.Skills,
		EstimatedMinutes: fm.EstimatedMinutes,
		Dependencies:     fm.Dependencies,
		Tags:             fm.Tags,
		MaxRetries:       fm.MaxRetries,
	}, nil
}

// splitFrontmatter separates the YAML header from the markdown body. The
// file must open with a "---" line.
func splitFrontmatter(content string) (header, body string, err error) {
	content = strings.TrimLeft(content, "\uFEFF\n\r\t ")
	if !strings.HasPrefix(content, frontmatterDelim) {
		return "", "", fmt.Errorf("missing frontmatter header")
	}
	rest := content[len(frontmatterDelim):]
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter header")
	}
	header = rest[:idx]
	body = rest[idx+len(frontmatterDelim)+1:]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return header, body, nil
}
