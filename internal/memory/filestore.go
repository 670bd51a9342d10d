package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore implements Store on the filesystem.
// Layout:
//
//	<dir>/
//	  index.json       []Entry metadata
//	  entries/
//	    mem_xxx.md     content body
type FileStore struct {
	dir string

	mu    sync.RWMutex
	index []*Entry
}

// NewFileStore creates a FileStore rooted at dir and loads any existing
// index.
func NewFileStore(dir string) *FileStore {
	fs := &FileStore{dir: dir}
	_ = fs.loadIndex()
	return fs
}

func (fs *FileStore) Create(entry *Entry, content string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prepare(entry, content, time.Now())

	// Content addressing doubles as dedup: an identical body under the same
	// title refreshes the existing entry instead of growing the index.
	for _, e := range fs.index {
		if e.ContentHash == entry.ContentHash && e.Title == entry.Title {
			e.LastUsedAt = time.Now()
			e.UpdatedAt = e.LastUsedAt
			return fs.saveIndex()
		}
	}

	if err := fs.writeContent(entry.ID, content); err != nil {
		return err
	}
	fs.index = append(fs.index, entry)
	return fs.saveIndex()
}

func (fs *FileStore) Get(id string) (*Entry, string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entry := fs.findEntry(id)
	if entry == nil {
		return nil, "", fmt.Errorf("memory %q not found", id)
	}
	content, err := fs.readContent(id)
	if err != nil {
		return nil, "", err
	}
	c := *entry
	return &c, content, nil
}

func (fs *FileStore) Update(entry *Entry, content string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx := fs.findIndex(entry.ID)
	if idx < 0 {
		return fmt.Errorf("memory %q not found", entry.ID)
	}

	entry.UpdatedAt = time.Now()
	entry.ContentHash = HashContent(content)
	fs.index[idx] = entry

	if err := fs.writeContent(entry.ID, content); err != nil {
		return err
	}
	return fs.saveIndex()
}

func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx := fs.findIndex(id)
	if idx < 0 {
		return fmt.Errorf("memory %q not found", id)
	}
	fs.index = append(fs.index[:idx], fs.index[idx+1:]...)
	_ = os.Remove(fs.contentPath(id))
	return fs.saveIndex()
}

func (fs *FileStore) List() ([]*Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	result := make([]*Entry, len(fs.index))
	for i, e := range fs.index {
		c := *e
		result[i] = &c
	}
	return result, nil
}

func (fs *FileStore) findEntry(id string) *Entry {
	for _, e := range fs.index {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (fs *FileStore) findIndex(id string) int {
	for i, e := range fs.index {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (fs *FileStore) indexPath() string {
	return filepath.Join(fs.dir, "index.json")
}

func (fs *FileStore) contentPath(id string) string {
	return filepath.Join(fs.dir, "entries", id+".md")
}

func (fs *FileStore) loadIndex() error {
	data, err := os.ReadFile(fs.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			fs.index = nil
			return nil
		}
		return err
	}
	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	fs.index = entries
	return nil
}

func (fs *FileStore) saveIndex() error {
	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fs.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.indexPath())
}

func (fs *FileStore) writeContent(id, content string) error {
	dir := filepath.Join(fs.dir, "entries")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(fs.contentPath(id), []byte(content), 0o644)
}

func (fs *FileStore) readContent(id string) (string, error) {
	data, err := os.ReadFile(fs.contentPath(id))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
