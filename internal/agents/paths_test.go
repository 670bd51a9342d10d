package agents

import (
	"reflect"
	"testing"
)

func TestExtractPathsFromProse(t *testing.T) {
	got := ExtractPaths(
		"Refactor src/a.ts to use the new API",
		"Touch src/a.ts and src/utils/http.ts, leave lib/vendor.min.js alone.",
	)
	want := []string{"lib/vendor.min.js", "src/a.ts", "src/utils/http.ts"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExtractPathsIgnoresLooseWords(t *testing.T) {
	got := ExtractPaths("improve a/b testing and the docs badge")
	if len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
}

func TestExtractPathsDeterministicOrder(t *testing.T) {
	a := ExtractPaths("edit src/z.go then src/a.go")
	b := ExtractPaths("edit src/a.go then src/z.go")
	if !reflect.DeepEqual(a, b) {
		t.Errorf("order differs: %v vs %v", a, b)
	}
}

func TestLockedErrorFormat(t *testing.T) {
	err := &LockedError{Path: "src/a.ts", Holder: "agent_1"}
	if err.Error() != "FILE_LOCKED:src/a.ts:agent_1" {
		t.Errorf("got %q", err.Error())
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"execution timed out after 30m0s", "timeout"},
		{"execution stalled: no output", "stalled"},
		{"FILE_LOCKED:src/a.ts:agent_2", "blocked"},
		{"task blocked on dependency", "blocked"},
		{"worker exited with error: exit status 1", "error"},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.msg); string(got) != tc.want {
			t.Errorf("ClassifyFailure(%q) = %q, want %q", tc.msg, got, tc.want)
		}
	}
}
