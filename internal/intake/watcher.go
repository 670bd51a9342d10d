package intake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/tasks"
)

// Config wires one intake watcher.
type Config struct {
	Dir          string
	ProcessedDir string        // default <dir>/processed
	Debounce     time.Duration // default 500ms

	Store  tasks.Store
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Watcher ingests task files: every *.md appearing in the intake
// directory is parsed, created as a task, and moved to the processed
// directory with the task id prefixed to its name. Files that do not
// parse are left in place with a warning.
type Watcher struct {
	dir       string
	processed string
	debounce  time.Duration
	store     tasks.Store
	bus       *bus.Bus
	log       *slog.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// New builds a watcher; Start begins ingesting.
func New(cfg Config) *Watcher {
	w := &Watcher{
		dir:       cfg.Dir,
		processed: cfg.ProcessedDir,
		debounce:  cfg.Debounce,
		store:     cfg.Store,
		bus:       cfg.Bus,
		log:       cfg.Logger,
		pending:   make(map[string]struct{}),
	}
	if w.processed == "" {
		w.processed = filepath.Join(w.dir, "processed")
	}
	if w.debounce <= 0 {
		w.debounce = 500 * time.Millisecond
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w
}

// Start creates the directories, ingests any files already waiting, and
// begins watching for new ones.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create intake dir: %w", err)
	}
	if err := os.MkdirAll(w.processed, 0o755); err != nil {
		return fmt.Errorf("create processed dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start intake watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch intake dir: %w", err)
	}
	w.fsw = fsw

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)

	w.ingestExisting(ctx)
	w.log.Info("intake watcher started", "dir", w.dir)
	return nil
}

// Stop halts the watcher. Files mid-ingest finish first.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

// ingestExisting processes files dropped while the watcher was down.
func (w *Watcher) ingestExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn("scan intake dir failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isTaskFile(e.Name()) {
			continue
		}
		w.ingest(ctx, filepath.Join(w.dir, e.Name()))
	}
}

// loop accumulates fsnotify events and ingests on the debounce tick, so a
// file still being written settles before it is read.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isTaskFile(filepath.Base(event.Name)) {
				continue
			}
			w.pendingMu.Lock()
			w.pending[event.Name] = struct{}{}
			w.pendingMu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("intake watcher error", "error", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, p := range paths {
		select {
		case <-ctx.Done():
			return
		default:
		}
		w.ingest(ctx, p)
	}
}

// ingest parses one file, creates its task, and moves the file aside.
func (w *Watcher) ingest(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("read task file failed", "file", path, "error", err)
		}
		return
	}

	task, err := ParseTaskFile(content)
	if err != nil {
		w.log.Warn("skipping invalid task file", "file", filepath.Base(path), "error", err)
		return
	}
	task.Dependencies = w.resolveDependencies(ctx, task.Dependencies)

	created, err := w.store.Create(ctx, task)
	if err != nil {
		w.log.Warn("create task from file failed", "file", filepath.Base(path), "error", err)
		return
	}

	dest := filepath.Join(w.processed, created.ID+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn("move processed task file failed", "file", path, "error", err)
	}

	if w.bus != nil {
		err := w.bus.Publish(ctx, bus.NewMessage("intake", bus.TaskCreatedPayload{
			TaskID:         created.ID,
			Title:          created.Title,
			Priority:       string(created.Priority),
			RequiredSkills: created.RequiredSkills,
		}))
		if err != nil {
			w.log.Warn("publish task.created failed", "task", created.ID, "error", err)
		}
	}
	w.log.Info("task ingested", "task", created.ID, "title", created.Title, "file", filepath.Base(path))
}

// resolveDependencies maps title-form dependency entries to task ids.
// Entries already naming a task id pass through; entries matching nothing
// stay verbatim, same as a dependency on an id that does not exist.
func (w *Watcher) resolveDependencies(ctx context.Context, deps []string) []string {
	if len(deps) == 0 {
		return deps
	}
	resolved := make([]string, len(deps))
	var all []*tasks.Task
	for i, dep := range deps {
		resolved[i] = dep
		if _, err := w.store.Get(ctx, dep); err == nil {
			continue
		}
		if all == nil {
			list, err := w.store.List(ctx, tasks.Filter{})
			if err != nil {
				w.log.Warn("list tasks for dependency resolution failed", "error", err)
				return resolved
			}
			all = list
		}
		for _, t := range all {
			if t.Title == dep {
				resolved[i] = t.ID
				break
			}
		}
		if resolved[i] == dep {
			w.log.Warn("dependency matches no known task", "dependency", dep)
		}
	}
	return resolved
}

func isTaskFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".md") && !strings.HasPrefix(name, ".")
}
