package memory

import (
	"fmt"
	"sync"
	"time"
)

// Store persists memory entries and their content.
type Store interface {
	Create(entry *Entry, content string) error
	Get(id string) (*Entry, string, error)
	Update(entry *Entry, content string) error
	Delete(id string) error
	List() ([]*Entry, error)
}

// prepare fills defaults on a new entry. Returns the content hash so stores
// can deduplicate identical bodies.
func prepare(entry *Entry, content string, now time.Time) {
	if entry.ID == "" {
		entry.ID = GenerateID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = now
	}
	if entry.Confidence == 0 {
		entry.Confidence = 0.8
	}
	if entry.Importance == 0 {
		entry.Importance = 0.5
	}
	entry.ContentHash = HashContent(content)
}

// MemStore is the in-memory Store used by tests and ephemeral runs.
type MemStore struct {
	mu      sync.RWMutex
	entries []*Entry
	content map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{content: make(map[string]string)}
}

func (s *MemStore) Create(entry *Entry, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(entry, content, time.Now())
	for _, e := range s.entries {
		if e.ID == entry.ID {
			return fmt.Errorf("memory %q already exists", entry.ID)
		}
	}
	s.entries = append(s.entries, entry)
	s.content[entry.ID] = content
	return nil
}

func (s *MemStore) Get(id string) (*Entry, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.ID == id {
			c := *e
			return &c, s.content[id], nil
		}
	}
	return nil, "", fmt.Errorf("memory %q not found", id)
}

func (s *MemStore) Update(entry *Entry, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.ID == entry.ID {
			entry.UpdatedAt = time.Now()
			entry.ContentHash = HashContent(content)
			c := *entry
			s.entries[i] = &c
			s.content[entry.ID] = content
			return nil
		}
	}
	return fmt.Errorf("memory %q not found", entry.ID)
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			delete(s.content, id)
			return nil
		}
	}
	return fmt.Errorf("memory %q not found", id)
}

func (s *MemStore) List() ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		c := *e
		result[i] = &c
	}
	return result, nil
}
