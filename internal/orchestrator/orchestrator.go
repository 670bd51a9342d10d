// Package orchestrator wires the daemon together: stores, bus, memory,
// governors, the agent pool, the supervisor, the planner, intake, and the
// maintenance schedule. It owns startup and shutdown ordering.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kverlaen/crewd/internal/agents"
	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/executor"
	"github.com/kverlaen/crewd/internal/governor"
	"github.com/kverlaen/crewd/internal/heartbeat"
	"github.com/kverlaen/crewd/internal/intake"
	"github.com/kverlaen/crewd/internal/memory"
	"github.com/kverlaen/crewd/internal/models"
	"github.com/kverlaen/crewd/internal/planner"
	"github.com/kverlaen/crewd/internal/storage/sqlite"
	"github.com/kverlaen/crewd/internal/supervisor"
	"github.com/kverlaen/crewd/internal/tasks"
)

// Config wires one orchestrator. Only Config is required; everything else
// is built from it by Start. Tests inject the in-memory parts and a
// scripted runner.
type Config struct {
	Config *config.Config
	Logger *slog.Logger

	// Optional overrides. Nil means "build from Config".
	Store  tasks.Store
	Bus    *bus.Bus
	Memory *memory.Service
	Runner agents.Runner
	Model  func(ctx context.Context) (planner.ChatModel, error)

	// Paths overridden by tests; empty means the config defaults.
	RegistryPath  string
	HeartbeatPath string
	ObjectivesDir string
}

// Orchestrator owns the component lifecycles. Start brings everything up
// in dependency order; Stop tears it down in reverse.
type Orchestrator struct {
	cfg *Config
	app *config.Config
	log *slog.Logger

	db          *sqlite.DB
	store       tasks.Store
	mail        *bus.Bus
	memsvc      *memory.Service
	ownsMemory  bool
	catalog     *agents.Catalog
	registry    *models.Registry
	controllers []*agents.Controller
	super       *supervisor.Supervisor
	plan        *planner.Planner
	runtime     *governor.Runtime
	memguard    *governor.MemGuard
	watcher     *intake.Watcher
	maint       *maintenance
	hb          *heartbeat.Writer

	regWriter *registryWriter

	done     chan struct{}
	doneOnce sync.Once
	started  bool
}

// New builds an orchestrator. Start does the heavy lifting.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	return &Orchestrator{
		cfg:  &cfg,
		app:  cfg.Config,
		log:  cfg.Logger,
		done: make(chan struct{}),
	}
}

// Done is closed when a governor ends the run. The caller shuts down on it.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// EndState reports how the runtime governor ended the run, if it has.
func (o *Orchestrator) EndState() (governor.EndState, bool) {
	if o.runtime == nil {
		return "", false
	}
	return o.runtime.EndedWith()
}

// RuntimeState reports the governor counters for the gateway stats view.
func (o *Orchestrator) RuntimeState() governor.State {
	if o.runtime == nil {
		return governor.State{}
	}
	return o.runtime.Snapshot()
}

// Store exposes the task store for the gateway and CLI surfaces.
func (o *Orchestrator) Store() tasks.Store { return o.store }

// Bus exposes the mail bus for the gateway.
func (o *Orchestrator) Bus() *bus.Bus { return o.mail }

// Agents returns snapshots of every agent in the pool.
func (o *Orchestrator) Agents() []*agents.Agent {
	snaps := make([]*agents.Agent, 0, len(o.controllers))
	for _, c := range o.controllers {
		snaps = append(snaps, c.Snapshot())
	}
	return snaps
}

// Start brings the daemon up: storage, bus, memory, governors, the agent
// pool (started in parallel when auto-start is on), the registry writer,
// intake, the supervisor, the planner, and the maintenance schedule.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.started {
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true

	if err := o.openStorage(ctx); err != nil {
		return err
	}

	// A previous run may have died mid-task.
	if n, err := tasks.Recover(ctx, o.store); err != nil {
		o.log.Warn("task recovery failed", "error", err)
	} else if n > 0 {
		o.log.Info("recovered interrupted tasks", "count", n)
	}

	if err := o.openMemory(ctx); err != nil {
		return err
	}

	hbPath := o.cfg.HeartbeatPath
	if hbPath == "" {
		hbPath = config.HeartbeatPath()
	}
	o.hb = heartbeat.NewWriter(hbPath)
	o.hb.Start()

	o.runtime = governor.NewRuntime(o.app.Runtime, o.onRuntimeEnd, o.log)
	o.memguard = governor.NewMemGuard(o.app.MemoryGuard, governor.MemGuardHooks{
		OnSeverity: func(s governor.Severity, heapMB int) {
			o.log.Warn("heap pressure changed", "severity", s, "heap_mb", heapMB)
			throttled := s != governor.SeverityNormal
			for _, c := range o.controllers {
				c.SetWorkPaused(throttled)
			}
			o.memsvc.SetEmbedPaused(throttled)
		},
		OnCritical: func(heapMB int) {
			o.log.Error("heap hard limit exceeded, shutting down", "heap_mb", heapMB)
			o.signalDone()
		},
	}, nil, o.log)

	o.catalog = agents.NewCatalog(o.app.Skills.Catalog)
	o.buildControllers()

	// The registry writer exists before any agent runs so cycle reports
	// always have somewhere to nudge.
	regPath := o.cfg.RegistryPath
	if regPath == "" {
		regPath = config.RegistryPath()
	}
	o.regWriter = newRegistryWriter(regPath, o.Agents, o.mail, o.log)
	o.regWriter.Start()

	if o.app.Agents.AutoStartEnabled() {
		var wg sync.WaitGroup
		for _, c := range o.controllers {
			wg.Add(1)
			go func(c *agents.Controller) {
				defer wg.Done()
				if err := c.Start(ctx); err != nil {
					o.log.Error("agent start failed", "agent", c.Name(), "error", err)
				}
			}(c)
		}
		wg.Wait()
	}

	o.watcher = intake.New(intake.Config{
		Dir:          o.app.Intake.Dir,
		ProcessedDir: o.app.Intake.ProcessedDir,
		Debounce:     o.app.Intake.Debounce.Duration(),
		Store:        o.store,
		Bus:          o.mail,
		Logger:       o.log,
	})
	if err := o.watcher.Start(); err != nil {
		return fmt.Errorf("start intake: %w", err)
	}

	if err := o.buildPlanner(ctx); err != nil {
		return err
	}

	var replenish func(context.Context)
	if o.plan != nil {
		replenish = o.plan.Replenish
	}
	o.super = supervisor.New(supervisor.Config{
		Store:      o.store,
		Bus:        o.mail,
		Agents:     o.Agents,
		Interval:   o.app.Supervisor.Interval.Duration(),
		StallAfter: o.app.Supervisor.StallAfter.Duration(),
		Replenish:  replenish,
		Logger:     o.log,
	})
	o.super.Start()

	o.maint = newMaintenance(o.app.Maintenance.Cron, o.log,
		job{"journal prune", func(ctx context.Context) error {
			n, err := o.mail.Journal().Prune(ctx, time.Now().Add(-o.app.Bus.Retention.Duration()))
			if n > 0 {
				o.log.Info("journal pruned", "messages", n)
			}
			return err
		}},
		job{"memory decay", func(context.Context) error {
			n, err := o.memsvc.Decay()
			if n > 0 {
				o.log.Info("memory confidence decayed", "entries", n)
			}
			return err
		}},
	)
	o.maint.Start()

	if err := o.runtime.Start(); err != nil {
		return fmt.Errorf("start runtime governor: %w", err)
	}
	o.memguard.Start()

	o.log.Info("orchestrator started",
		"agents", len(o.controllers),
		"store", o.app.Store.Driver,
		"planner", o.plan != nil)
	return nil
}

// Stop tears down in reverse order. Agents get their graceful stop; the
// final registry write leaves an empty agent list behind.
func (o *Orchestrator) Stop(ctx context.Context) {
	if !o.started {
		return
	}
	o.started = false

	if o.maint != nil {
		o.maint.Stop()
	}
	if o.super != nil {
		o.super.Stop()
	}
	if o.watcher != nil {
		o.watcher.Stop()
	}
	if o.regWriter != nil {
		o.regWriter.Stop()
	}

	var wg sync.WaitGroup
	for _, c := range o.controllers {
		wg.Add(1)
		go func(c *agents.Controller) {
			defer wg.Done()
			c.GracefulStop(ctx)
		}(c)
	}
	wg.Wait()

	if o.runtime != nil {
		o.runtime.Stop(governor.EndManualStop)
	}
	if o.memguard != nil {
		o.memguard.Stop()
	}

	if o.regWriter != nil {
		o.regWriter.WriteFinal()
	}
	if o.hb != nil {
		o.hb.Stop()
	}
	if o.ownsMemory && o.memsvc != nil {
		o.memsvc.Close()
	}
	if o.cfg.Bus == nil && o.mail != nil {
		o.mail.Close()
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil {
			o.log.Warn("close database failed", "error", err)
		}
	}
	o.log.Info("orchestrator stopped")
}

// openStorage builds the task store and the bus from the configured
// drivers, sharing one embedded database when both are sqlite.
func (o *Orchestrator) openStorage(ctx context.Context) error {
	if o.cfg.Store != nil {
		o.store = o.cfg.Store
	} else if o.app.Store.Driver == "sqlite" {
		db, err := sqlite.Open(ctx, o.app.Store.Path)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		o.db = db
		o.store = tasks.NewSQLiteStore(db)
	} else {
		o.store = tasks.NewMemoryStore()
	}

	if o.cfg.Bus != nil {
		o.mail = o.cfg.Bus
		return nil
	}

	var journal bus.Journal
	var leases bus.LeaseStore
	if o.app.Bus.Journal == "sqlite" {
		if o.db == nil {
			db, err := sqlite.Open(ctx, o.app.Store.Path)
			if err != nil {
				return fmt.Errorf("open journal store: %w", err)
			}
			o.db = db
		}
		journal = bus.NewSQLiteJournal(o.db)
		leases = bus.NewSQLiteLeaseStore(o.db)
	} else {
		journal = bus.NewMemoryJournal(o.app.Bus.BufferSize)
		leases = bus.NewMemoryLeaseStore()
	}
	o.mail = bus.New(journal, leases, o.app.Bus.BufferSize, o.log)
	return nil
}

func (o *Orchestrator) openMemory(ctx context.Context) error {
	if o.cfg.Memory != nil {
		o.memsvc = o.cfg.Memory
		return nil
	}
	svc, err := memory.NewService(ctx, o.app.Memory)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	o.memsvc = svc
	o.ownsMemory = true
	return nil
}

// buildControllers creates one controller per configured agent def. Each
// agent owns its executor: the executor allows one live process per
// instance, and one agent runs one task at a time.
func (o *Orchestrator) buildControllers() {
	for _, def := range o.app.Agents.Defs {
		agent := agents.NewAgent(def.Name, def.Skills)
		runner := o.cfg.Runner
		if runner == nil {
			runner = executor.New(o.app.Executor, o.streamOutput, o.log)
		}
		workDir := def.WorkDir
		if workDir == "" {
			workDir = o.app.Executor.WorkDir
		}
		o.controllers = append(o.controllers, agents.NewController(agents.ControllerConfig{
			Agent:             agent,
			Store:             o.store,
			Bus:               o.mail,
			Memory:            o.memsvc,
			Executor:          runner,
			Catalog:           o.catalog,
			WorkDir:           workDir,
			HeartbeatInterval: o.app.Agents.HeartbeatInterval.Duration(),
			StatusInterval:    o.app.Agents.StatusInterval.Duration(),
			PollInterval:      o.app.Agents.PollInterval.Duration(),
			LeaseTTL:          o.app.Agents.LeaseTTL.Duration(),
			MemoryLimit:       o.app.Agents.MemoryLimit,
			OnCycle:           o.onCycle,
			Logger:            o.log,
		}))
	}
}

// buildPlanner wires the objective planner when enabled: model registry,
// objective store, and the completion signal back into the governor.
func (o *Orchestrator) buildPlanner(ctx context.Context) error {
	if !o.app.Planner.Enabled {
		return nil
	}

	model := o.cfg.Model
	if model == nil {
		o.registry = models.NewRegistry(o.app.Models)
		provider := o.app.Planner.Model
		model = func(ctx context.Context) (planner.ChatModel, error) {
			if provider != "" {
				return o.registry.Get(ctx, provider)
			}
			return o.registry.Default(ctx)
		}
	}

	objDir := o.cfg.ObjectivesDir
	if objDir == "" {
		objDir = config.ObjectivesPath()
	}
	objectives := planner.NewObjectiveStore(objDir)

	o.plan = planner.New(planner.Config{
		Store:      o.store,
		Objectives: objectives,
		Model:      model,
		Memory:     o.memsvc,
		Planner:    o.app.Planner,
		OnObjectiveComplete: func() {
			o.runtime.SignalObjectiveComplete()
		},
		Logger: o.log,
	})

	// Explicit objective file wins; otherwise resume whatever was active.
	if path := o.app.Planner.ObjectivePath; path != "" {
		obj, err := planner.LoadObjectiveFile(path)
		if err != nil {
			return fmt.Errorf("load objective: %w", err)
		}
		if err := o.plan.SetObjective(obj); err != nil {
			return fmt.Errorf("set objective: %w", err)
		}
		o.runtime.SetObjective(obj.ID)
		o.log.Info("objective loaded", "objective", obj.ID, "title", obj.Title)
	} else if active, err := objectives.Active(); err == nil && active != nil {
		if err := o.plan.SetObjective(active); err != nil {
			return fmt.Errorf("resume objective: %w", err)
		}
		o.runtime.SetObjective(active.ID)
		o.log.Info("objective resumed", "objective", active.ID, "title", active.Title)
	}
	return nil
}

// onCycle feeds the runtime governor and checks for a drained queue after
// every agent cycle.
func (o *Orchestrator) onCycle(r agents.CycleReport) {
	o.runtime.RecordCycle()
	switch {
	case r.Completed:
		o.runtime.RecordTaskComplete(r.TaskID)
	case r.Failed:
		o.runtime.RecordTaskFailed(r.TaskID, r.Err)
	}
	o.regWriter.Nudge()

	stats, err := o.store.Stats(context.Background())
	if err != nil {
		o.log.Warn("queue stats failed", "error", err)
		return
	}
	open := stats.ByStatus[tasks.StatusPending] +
		stats.ByStatus[tasks.StatusReady] +
		stats.ByStatus[tasks.StatusClaimed] +
		stats.ByStatus[tasks.StatusInProgress]
	if stats.Total > 0 && open == 0 {
		o.runtime.SignalAllTasksComplete()
	}
}

func (o *Orchestrator) onRuntimeEnd(es governor.EndState) {
	o.log.Info("runtime governor ended the run", "end_state", es)
	o.signalDone()
}

func (o *Orchestrator) signalDone() {
	o.doneOnce.Do(func() { close(o.done) })
}

// streamOutput surfaces worker output in the logs at debug level.
func (o *Orchestrator) streamOutput(out executor.Output) {
	o.log.Debug("worker output",
		"agent", out.AgentName, "task", out.TaskID,
		"stream", out.Stream, "chunk", out.Chunk)
}
