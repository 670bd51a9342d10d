// Package dirstore implements directory-backed persistence: each record owns
// a subdirectory holding a meta.json document plus optional JSONL journals.
// Documents are written through a temp file and rename so a crash never
// leaves a half-written file behind. The planner's objective store and the
// memory file store build on it; the governor and agent registry use the
// package-level JSON document helpers.
package dirstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store manages a directory of records, one subdirectory per record ID.
type Store struct {
	mu   sync.RWMutex
	root string
	kind string // record kind for error messages: "objective", "entry"
}

// New creates a Store rooted at root. kind names the record type in errors.
func New(root, kind string) *Store {
	return &Store{root: root, kind: kind}
}

// Lock acquires the exclusive lock. Callers compose multi-file updates
// under it so readers never observe a record mid-write.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the exclusive lock.
func (s *Store) Unlock() { s.mu.Unlock() }

// RLock acquires the shared read lock.
func (s *Store) RLock() { s.mu.RLock() }

// RUnlock releases the shared read lock.
func (s *Store) RUnlock() { s.mu.RUnlock() }

// Root returns the base directory of the store.
func (s *Store) Root() string { return s.root }

// Dir returns the directory path for a record ID.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

// Path returns the path of a named file inside a record's directory.
func (s *Store) Path(id, name string) string {
	return filepath.Join(s.root, id, name)
}

// EnsureDir creates the record directory and any missing parents.
func (s *Store) EnsureDir(id string) error {
	if err := os.MkdirAll(s.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", s.kind, err)
	}
	return nil
}

// RemoveDir deletes a record directory and everything in it.
func (s *Store) RemoveDir(id string) error {
	return os.RemoveAll(s.Dir(id))
}

// Exists reports whether a record directory is present.
func (s *Store) Exists(id string) bool {
	info, err := os.Stat(s.Dir(id))
	return err == nil && info.IsDir()
}

// List returns the IDs of all records in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s dirs: %w", s.kind, err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// WriteMeta writes the record's meta.json document atomically.
func (s *Store) WriteMeta(id string, v any) error {
	if err := WriteJSON(s.Path(id, "meta.json"), v); err != nil {
		return fmt.Errorf("write %s meta: %w", s.kind, err)
	}
	return nil
}

// ReadMeta loads the record's meta.json document into out.
func (s *Store) ReadMeta(id string, out any) error {
	data, err := os.ReadFile(s.Path(id, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s not found: %s", s.kind, id)
		}
		return fmt.Errorf("read %s meta: %w", s.kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s meta: %w", s.kind, err)
	}
	return nil
}

// AppendLine appends v as a single JSON line to a journal file inside the
// record's directory. Appends are crash-safe per line: a torn final line is
// skipped on read.
func (s *Store) AppendLine(id, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", name, err)
	}

	f, err := os.OpenFile(s.Path(id, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

// ReadLines decodes every JSON line of a record's journal file into T.
// Blank and corrupted lines are skipped. Missing files yield an empty slice.
func ReadLines[T any](s *Store, id, name string) ([]T, error) {
	f, err := os.Open(s.Path(id, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return items, nil
}

// WriteFile atomically writes raw content to a named file in the record's
// directory.
func (s *Store) WriteFile(id, name string, content []byte) error {
	return writeAtomic(s.Path(id, name), content)
}

// ReadFile reads a named file from the record's directory. A missing file
// returns nil content and no error.
func (s *Store) ReadFile(id, name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(id, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// WriteJSON atomically writes v as indented JSON to an arbitrary path,
// creating parent directories as needed.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadJSON loads a JSON document from path into out. Returns os.ErrNotExist
// (wrapped) when the file is missing so callers can treat absence as a
// first-run condition.
func ReadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
