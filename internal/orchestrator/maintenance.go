package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cron "github.com/netresearch/go-cron"
)

// job is one named maintenance task.
type job struct {
	name string
	run  func(ctx context.Context) error
}

// cronExpr wraps a parsed five-field cron schedule.
type cronExpr struct {
	raw      string
	schedule cron.Schedule
}

func parseCron(expr string) (*cronExpr, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return &cronExpr{raw: expr, schedule: schedule}, nil
}

// matches reports whether t falls in the same minute as an activation.
func (c *cronExpr) matches(t time.Time) bool {
	truncated := t.Truncate(time.Minute)
	next := c.schedule.Next(truncated.Add(-time.Minute))
	return next.Equal(truncated)
}

// maintenance runs housekeeping jobs on a cron schedule: journal pruning
// and memory decay. Jobs are best-effort; a failing job is logged and the
// rest still run.
type maintenance struct {
	expr *cronExpr
	jobs []job
	log  *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func newMaintenance(spec string, log *slog.Logger, jobs ...job) *maintenance {
	m := &maintenance{jobs: jobs, log: log, stop: make(chan struct{})}
	expr, err := parseCron(spec)
	if err != nil {
		log.Warn("invalid maintenance schedule, maintenance disabled", "cron", spec, "error", err)
		return m
	}
	m.expr = expr
	return m
}

func (m *maintenance) Start() {
	if m.expr == nil {
		return
	}
	m.wg.Add(1)
	go m.loop()
}

func (m *maintenance) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *maintenance) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			if m.expr.matches(now) {
				m.runAll()
			}
		}
	}
}

// runAll executes every job once; used by the loop and by tests.
func (m *maintenance) runAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	for _, j := range m.jobs {
		if err := j.run(ctx); err != nil {
			m.log.Warn("maintenance job failed", "job", j.name, "error", err)
		}
	}
}
