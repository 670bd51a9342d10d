package secrets

import (
	"fmt"
	"os"
	"strings"
)

// WriteDotenvEntry sets KEY=VALUE in a dotenv file, creating the file when
// missing. Comments, blank lines, and the order of existing entries are
// preserved; an existing key is replaced in place, a new one appended.
func WriteDotenvEntry(path, key, value string) error {
	if !nameRe.MatchString(key) {
		return fmt.Errorf("invalid variable name %q", key)
	}

	var lines []string
	data, err := os.ReadFile(path)
	if err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read dotenv: %w", err)
	}

	entry := key + "=" + quoteDotenvValue(value)

	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		k, _, ok := strings.Cut(trimmed, "=")
		if ok && strings.TrimSpace(k) == key {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

// quoteDotenvValue double-quotes values that would otherwise be split or
// reinterpreted by the loader.
func quoteDotenvValue(v string) string {
	if !strings.ContainsAny(v, " \t\"'\\#$") {
		return v
	}
	escaped := strings.ReplaceAll(v, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
