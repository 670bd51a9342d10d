package planner

import (
	"fmt"
	"time"

	"github.com/kverlaen/crewd/internal/storage/dirstore"
)

// ObjectiveStore persists objectives, one directory per objective with a
// meta.json document.
type ObjectiveStore struct {
	dirs *dirstore.Store
}

// NewObjectiveStore creates a store rooted at dir.
func NewObjectiveStore(dir string) *ObjectiveStore {
	return &ObjectiveStore{dirs: dirstore.New(dir, "objective")}
}

// Save writes the objective's meta document atomically.
func (s *ObjectiveStore) Save(o *Objective) error {
	s.dirs.Lock()
	defer s.dirs.Unlock()
	o.UpdatedAt = time.Now()
	if err := s.dirs.EnsureDir(o.ID); err != nil {
		return err
	}
	return s.dirs.WriteMeta(o.ID, o)
}

// Load returns the objective by id.
func (s *ObjectiveStore) Load(id string) (*Objective, error) {
	s.dirs.RLock()
	defer s.dirs.RUnlock()
	var o Objective
	if err := s.dirs.ReadMeta(id, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// List returns every stored objective.
func (s *ObjectiveStore) List() ([]*Objective, error) {
	s.dirs.RLock()
	defer s.dirs.RUnlock()
	ids, err := s.dirs.List()
	if err != nil {
		return nil, err
	}
	var out []*Objective
	for _, id := range ids {
		var o Objective
		if err := s.dirs.ReadMeta(id, &o); err != nil {
			return nil, fmt.Errorf("load objective %s: %w", id, err)
		}
		out = append(out, &o)
	}
	return out, nil
}

// Active returns the first active objective, or nil when none is running.
func (s *ObjectiveStore) Active() (*Objective, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, o := range all {
		if o.Status == ObjectiveActive {
			return o, nil
		}
	}
	return nil, nil
}
