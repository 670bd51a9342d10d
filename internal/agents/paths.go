package agents

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// LockedError reports a lease that could not be acquired because another
// agent holds the file.
type LockedError struct {
	Path   string
	Holder string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("FILE_LOCKED:%s:%s", e.Path, e.Holder)
}

// pathRe conservatively matches file paths under common source roots
// mentioned in task text. It deliberately requires a known top directory
// and an extension, so prose like "a/b testing" never produces a lease.
var pathRe = regexp.MustCompile(`\b(?:src|lib|pkg|internal|cmd|app|test|tests|docs)/[\w./-]+\.\w{1,8}\b`)

// pathGlobs filters extracted candidates to source-like files.
var pathGlobs = []string{
	"**/*.{go,ts,tsx,js,jsx,py,rs,java,rb,c,h,cc,cpp,hpp,cs,sql,proto}",
	"**/*.{md,yaml,yml,json,jsonc,toml,html,css,sh}",
}

// maxLeasePaths caps how many files one task may lease.
const maxLeasePaths = 16

// ExtractPaths pulls probable file paths from task title and description,
// deduplicated and sorted. Sorting keeps acquisition order deterministic,
// which avoids lock-ordering deadlocks between agents leasing overlapping
// sets.
func ExtractPaths(text ...string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, t := range text {
		for _, p := range pathRe.FindAllString(t, -1) {
			if seen[p] || !matchesAnyGlob(p) {
				continue
			}
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	if len(paths) > maxLeasePaths {
		paths = paths[:maxLeasePaths]
	}
	return paths
}

func matchesAnyGlob(path string) bool {
	for _, g := range pathGlobs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}
