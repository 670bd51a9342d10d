package planner

import (
	"encoding/json"
	"regexp"
	"strings"
)

// TaskSpec is one generated task as described by the model.
type TaskSpec struct {
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	RequiredSkills   []string `json:"required_skills,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
	// DependsOn references earlier items of the same batch by their
	// 1-based position.
	DependsOn []int `json:"depends_on,omitempty"`
}

// numberedItemRe matches numbered list items like "1. Title" or "2) Title".
var numberedItemRe = regexp.MustCompile(`(?m)^(\d+)[.)]\s+(.+)`)

// ParseTaskBatch extracts task specs from a model response: a JSON array
// (optionally fenced, optionally wrapped in {"tasks": [...]}) or, failing
// that, a numbered markdown list. Returns nil when nothing usable is found.
func ParseTaskBatch(content string) []TaskSpec {
	body := stripFences(content)

	var specs []TaskSpec
	if err := json.Unmarshal([]byte(body), &specs); err == nil && len(specs) > 0 {
		return dropUntitled(specs)
	}
	var wrapped struct {
		Tasks []TaskSpec `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Tasks) > 0 {
		return dropUntitled(wrapped.Tasks)
	}

	return parseNumbered(content)
}

// stripFences removes markdown code fences, keeping only fenced content
// when any is present.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.Contains(content, "```") {
		return content
	}
	var kept []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inBlock = !inBlock
			continue
		}
		if inBlock {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// parseNumbered extracts specs from "1. Title" items; the text between an
// item and the next becomes its description.
func parseNumbered(content string) []TaskSpec {
	matches := numberedItemRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}
	var specs []TaskSpec
	for i, match := range matches {
		title := strings.TrimSpace(content[match[4]:match[5]])
		descStart := match[1]
		descEnd := len(content)
		if i+1 < len(matches) {
			descEnd = matches[i+1][0]
		}
		specs = append(specs, TaskSpec{
			Title:       title,
			Description: strings.TrimSpace(content[descStart:descEnd]),
		})
	}
	return specs
}

func dropUntitled(specs []TaskSpec) []TaskSpec {
	var out []TaskSpec
	for _, s := range specs {
		if strings.TrimSpace(s.Title) != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
