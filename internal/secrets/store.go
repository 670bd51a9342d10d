package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"filippo.io/age"

	"github.com/kverlaen/crewd/internal/config"
)

var secretTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Secret\.(\w+)\s*\}\}`)

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store holds named secrets as age-encrypted files, one per secret.
type Store struct {
	dir      string
	identity *age.X25519Identity
}

// Open loads (creating if needed) the age identity and binds the store to
// its directory. Defaults: $CREWD_PATH/secrets and $CREWD_PATH/.age-key.
func Open(dir, keyPath string) (*Store, error) {
	if dir == "" {
		dir = config.SecretsPath()
	}
	if keyPath == "" {
		keyPath = KeyPath()
	}
	if err := GenerateIdentity(keyPath); err != nil {
		return nil, err
	}
	identity, err := LoadIdentity(keyPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	return &Store{dir: dir, identity: identity}, nil
}

// Set encrypts and stores a secret under name.
func (s *Store) Set(name, value string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid secret name %q", name)
	}
	blob, err := Encrypt(value, s.identity.Recipient())
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(name), []byte(blob+"\n"), 0o600)
}

// Get decrypts and returns the secret, or an error if it does not exist.
func (s *Store) Get(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret %s not found", name)
		}
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return Decrypt(strings.TrimSpace(string(data)), s.identity)
}

// Delete removes the secret; missing secrets are not an error.
func (s *Store) Delete(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid secret name %q", name)
	}
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the stored secret names, sorted. Values stay on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".age") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".age"))
	}
	sort.Strings(names)
	return names, nil
}

// Resolve returns the secret if stored, else the environment variable of
// the same name. ok reports whether either source had it.
func (s *Store) Resolve(name string) (value string, ok bool) {
	if v, err := s.Get(name); err == nil {
		return v, true
	}
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	return "", false
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".age")
}

// ExpandConfig replaces ${{ .Secret.NAME }} references in the provider
// and embedding auth fields. Unresolvable references are left verbatim so
// the provider's own auth error names them.
func ExpandConfig(cfg *config.Config, s *Store) {
	expand := func(v string) string {
		return secretTemplateRe.ReplaceAllStringFunc(v, func(match string) string {
			parts := secretTemplateRe.FindStringSubmatch(match)
			if len(parts) < 2 {
				return match
			}
			if value, ok := s.Resolve(parts[1]); ok {
				return value
			}
			return match
		})
	}

	for name, p := range cfg.Models.Providers {
		p.Auth.APIKey = expand(p.Auth.APIKey)
		p.Auth.Token = expand(p.Auth.Token)
		cfg.Models.Providers[name] = p
	}
	cfg.Memory.Embedding.Auth.APIKey = expand(cfg.Memory.Embedding.Auth.APIKey)
	cfg.Memory.Embedding.Auth.Token = expand(cfg.Memory.Embedding.Auth.Token)
}
