package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kverlaen/crewd/internal/agents"
	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/storage/dirstore"
)

// registryInterval is the periodic rewrite cadence; transitions between
// writes are picked up by nudges.
const registryInterval = 5 * time.Second

// registryAgent is one agents.json row: the agent snapshot flattened, with
// the bus heartbeat folded in.
type registryAgent struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	Skills         []string   `json:"skills"`
	CurrentTask    *string    `json:"currentTask"`
	LastHeartbeat  *time.Time `json:"lastHeartbeat"`
	TasksCompleted int        `json:"tasksCompleted"`
	StartedAt      time.Time  `json:"startedAt"`
}

// registrySnapshot is the agents.json document observers read.
type registrySnapshot struct {
	Agents    []registryAgent `json:"agents"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// registryWriter keeps an atomic agents.json snapshot of the pool on disk:
// rewritten every five seconds, and immediately on agent lifecycle events
// and cycle ends.
type registryWriter struct {
	path     string
	snapshot func() []*agents.Agent
	log      *slog.Logger

	nudges chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	unsub  []func()
	mail   *bus.Bus
}

func newRegistryWriter(path string, snapshot func() []*agents.Agent, mail *bus.Bus, log *slog.Logger) *registryWriter {
	return &registryWriter{
		path:     path,
		snapshot: snapshot,
		mail:     mail,
		log:      log,
		nudges:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (w *registryWriter) Start() {
	onEvent := func(bus.Message) { w.Nudge() }
	w.unsub = append(w.unsub,
		w.mail.Subscribe(bus.TopicAgentStarted, onEvent),
		w.mail.Subscribe(bus.TopicAgentStopped, onEvent),
	)

	w.write(w.snapshot())
	w.wg.Add(1)
	go w.loop()
}

func (w *registryWriter) Stop() {
	close(w.stop)
	w.wg.Wait()
	for _, u := range w.unsub {
		u()
	}
	w.unsub = nil
}

// Nudge requests an immediate rewrite; duplicates coalesce.
func (w *registryWriter) Nudge() {
	select {
	case w.nudges <- struct{}{}:
	default:
	}
}

// WriteFinal empties the registry; called after the pool has stopped so a
// stale file never shows agents that no longer exist.
func (w *registryWriter) WriteFinal() {
	w.write(nil)
}

func (w *registryWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(registryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.write(w.snapshot())
		case <-w.nudges:
			w.write(w.snapshot())
		}
	}
}

func (w *registryWriter) write(snaps []*agents.Agent) {
	rows := make([]registryAgent, 0, len(snaps))
	for _, a := range snaps {
		row := registryAgent{
			ID:             a.ID,
			Name:           a.Name,
			Status:         string(a.Status),
			Skills:         a.Skills,
			TasksCompleted: a.Stats.TasksCompleted,
			StartedAt:      a.Stats.StartTime,
		}
		if a.CurrentTask != "" {
			task := a.CurrentTask
			row.CurrentTask = &task
		}
		if ts, ok := w.mail.LastHeartbeat(a.ID); ok {
			hb := ts
			row.LastHeartbeat = &hb
		}
		rows = append(rows, row)
	}
	doc := registrySnapshot{
		Agents:    rows,
		UpdatedAt: time.Now().UTC(),
	}
	if err := dirstore.WriteJSON(w.path, doc); err != nil {
		w.log.Warn("write agent registry failed", "path", w.path, "error", err)
	}
}
