package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kverlaen/crewd/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := Open(filepath.Join(root, "secrets"), filepath.Join(root, ".age-key"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStore_SetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("ANTHROPIC_API_KEY", "sk-ant-test-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get("ANTHROPIC_API_KEY")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-ant-test-123" {
		t.Errorf("value: got %q, want %q", got, "sk-ant-test-123")
	}

	// The file on disk must hold ciphertext, never the value.
	data, err := os.ReadFile(filepath.Join(s.dir, "ANTHROPIC_API_KEY.age"))
	if err != nil {
		t.Fatalf("read secret file: %v", err)
	}
	if !IsEncrypted(string(data[:len(data)-1])) {
		t.Errorf("secret file is not an ENC[age:...] blob: %q", data)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("NOPE"); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestStore_InvalidName(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("../escape", "v"); err == nil {
		t.Error("expected error for path-traversal name")
	}
	if err := s.Set("has space", "v"); err == nil {
		t.Error("expected error for name with space")
	}
}

func TestStore_ListAndDelete(t *testing.T) {
	s := openTestStore(t)

	for _, name := range []string{"B_KEY", "A_KEY"} {
		if err := s.Set(name, "v"); err != nil {
			t.Fatalf("Set %s: %v", name, err)
		}
	}

	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "A_KEY" || names[1] != "B_KEY" {
		t.Errorf("names: got %v, want [A_KEY B_KEY]", names)
	}

	if err := s.Delete("A_KEY"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("A_KEY"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	names, _ = s.List()
	if len(names) != 1 || names[0] != "B_KEY" {
		t.Errorf("names after delete: got %v", names)
	}
}

func TestStore_ResolveFallsBackToEnv(t *testing.T) {
	s := openTestStore(t)

	t.Setenv("CREWD_TEST_SECRET", "from-env")
	if v, ok := s.Resolve("CREWD_TEST_SECRET"); !ok || v != "from-env" {
		t.Errorf("env fallback: got %q (%v)", v, ok)
	}

	if err := s.Set("CREWD_TEST_SECRET", "from-store"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok := s.Resolve("CREWD_TEST_SECRET"); !ok || v != "from-store" {
		t.Errorf("store wins over env: got %q (%v)", v, ok)
	}

	if _, ok := s.Resolve("CREWD_TEST_ABSENT"); ok {
		t.Error("expected no resolution for absent secret")
	}
}

func TestExpandConfig(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("PLANNER_KEY", "resolved-key"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	cfg := config.Default()
	cfg.Models.Providers = map[string]config.ProviderConfig{
		"claude": {
			Driver: "anthropic",
			Auth:   config.AuthConfig{APIKey: "${{ .Secret.PLANNER_KEY }}"},
		},
		"local": {
			Driver: "ollama",
			Auth:   config.AuthConfig{APIKey: "${{ .Secret.MISSING_KEY }}"},
		},
	}

	ExpandConfig(cfg, s)

	if got := cfg.Models.Providers["claude"].Auth.APIKey; got != "resolved-key" {
		t.Errorf("resolved: got %q, want %q", got, "resolved-key")
	}
	if got := cfg.Models.Providers["local"].Auth.APIKey; got != "${{ .Secret.MISSING_KEY }}" {
		t.Errorf("unresolved reference must stay verbatim, got %q", got)
	}
}
