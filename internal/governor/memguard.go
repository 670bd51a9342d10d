package governor

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/kverlaen/crewd/internal/config"
)

// Severity is the heap pressure level.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityThrottle Severity = "throttle"
	SeverityCritical Severity = "critical"
)

// MemGuardHooks receive pressure transitions. OnSeverity fires on every
// level change, including recovery back to normal; OnCritical fires once
// when the hard limit is crossed and the guard stops sampling afterwards.
type MemGuardHooks struct {
	OnSeverity func(s Severity, heapMB int)
	OnCritical func(heapMB int)
}

// MemGuard samples the Go heap and escalates when it crosses the
// configured soft and hard limits. Zero limits disable their level.
type MemGuard struct {
	mu       sync.Mutex
	severity Severity
	tripped  bool

	cfg    config.MemoryGuardConfig
	hooks  MemGuardHooks
	sample func() int // current heap in MB
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemGuard builds a heap guard. A nil sample function uses the Go
// runtime's heap-alloc reading.
func NewMemGuard(cfg config.MemoryGuardConfig, hooks MemGuardHooks, sample func() int, log *slog.Logger) *MemGuard {
	if sample == nil {
		sample = heapAllocMB
	}
	if log == nil {
		log = slog.Default()
	}
	return &MemGuard{
		severity: SeverityNormal,
		cfg:      cfg,
		hooks:    hooks,
		sample:   sample,
		log:      log,
	}
}

func heapAllocMB() int {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int(ms.HeapAlloc / (1 << 20))
}

// Start launches the sampling loop. A guard with both limits disabled is a
// no-op.
func (g *MemGuard) Start() {
	if g.cfg.SoftLimitMB <= 0 && g.cfg.HardLimitMB <= 0 {
		return
	}
	interval := g.cfg.CheckInterval.Duration()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if g.Check() {
					return
				}
			}
		}
	}()
}

// Check samples once and applies any transition. Returns true once the
// hard limit has tripped and sampling should stop. Exported so tests and
// the orchestrator's shutdown path can force a reading.
func (g *MemGuard) Check() bool {
	heapMB := g.sample()

	g.mu.Lock()
	if g.tripped {
		g.mu.Unlock()
		return true
	}
	next := SeverityNormal
	switch {
	case g.cfg.HardLimitMB > 0 && heapMB >= g.cfg.HardLimitMB:
		next = SeverityCritical
	case g.cfg.SoftLimitMB > 0 && heapMB >= g.cfg.SoftLimitMB:
		next = SeverityThrottle
	}
	changed := next != g.severity
	g.severity = next
	if next == SeverityCritical {
		g.tripped = true
	}
	hooks := g.hooks
	g.mu.Unlock()

	if changed {
		if next == SeverityNormal {
			g.log.Info("heap pressure recovered", "heap_mb", heapMB)
		} else {
			g.log.Warn("heap pressure", "severity", next, "heap_mb", heapMB)
		}
		if hooks.OnSeverity != nil {
			hooks.OnSeverity(next, heapMB)
		}
	}
	if next == SeverityCritical {
		if hooks.OnCritical != nil {
			hooks.OnCritical(heapMB)
		}
		return true
	}
	return false
}

// Severity returns the current pressure level.
func (g *MemGuard) Severity() Severity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.severity
}

// Stop halts the sampling loop.
func (g *MemGuard) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}
