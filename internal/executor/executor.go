// Package executor runs one external worker process per task, with a
// dynamic timeout, streamed output, and three-stage termination.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/memory"
	"github.com/kverlaen/crewd/internal/tasks"
)

// ErrAlreadyExecuting is returned when a second Execute overlaps the first.
// Callers must serialize executions on one Executor instance.
var ErrAlreadyExecuting = errors.New("executor busy")

// ExecContext carries everything the worker process needs for one task.
type ExecContext struct {
	Task        *tasks.Task
	Memories    []memory.Retrieved
	WorkDir     string
	AgentID     string
	AgentName   string
	AgentSkills []string
}

// Result is the outcome of one execution.
type Result struct {
	Success    bool
	Output     string
	Err        string
	DurationMs int64
	TimedOut   bool
}

// Output is one chunk of worker stdout or stderr.
type Output struct {
	AgentID   string
	AgentName string
	TaskID    string
	Chunk     string
	Stream    string // "stdout" or "stderr"
	Timestamp time.Time
}

// OutputFunc receives streamed output chunks as they arrive.
type OutputFunc func(Output)

// Executor spawns the configured worker command. One execution in flight
// per instance.
type Executor struct {
	cfg      config.ExecutorConfig
	onOutput OutputFunc
	log      *slog.Logger

	executing atomic.Bool
}

// New creates an executor. onOutput may be nil.
func New(cfg config.ExecutorConfig, onOutput OutputFunc, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{cfg: cfg, onOutput: onOutput, log: log}
}

// IsExecuting reports whether a worker process is live.
func (e *Executor) IsExecuting() bool {
	return e.executing.Load()
}

// Execute runs the worker for one task and waits for it to finish. Abort
// via ctx cancellation or timeout goes through the three-stage termination
// path. The returned error covers setup problems only; worker failures are
// reported through the Result.
func (e *Executor) Execute(ctx context.Context, ec ExecContext) (*Result, error) {
	if !e.executing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyExecuting
	}
	defer e.executing.Store(false)

	fields, err := shell.Fields(e.cfg.Command, nil)
	if err != nil {
		return nil, fmt.Errorf("parse executor command: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("executor command is empty")
	}

	timeout := e.TimeoutFor(ec.Task)
	start := time.Now()

	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Dir = ec.WorkDir
	cmd.Env = append(os.Environ(),
		"CREWD_TASK_ID="+ec.Task.ID,
		"CREWD_TASK_TITLE="+ec.Task.Title,
		"CREWD_AGENT_ID="+ec.AgentID,
		"CREWD_AGENT_NAME="+ec.AgentName,
		"CREWD_AGENT_SKILLS="+strings.Join(ec.AgentSkills, ","),
	)
	cmd.Stdin = strings.NewReader(BuildPrompt(ec))
	// The worker gets its own process group so termination signals reach
	// its children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	e.log.Info("worker started",
		"task", ec.Task.ID, "agent", ec.AgentName, "pid", cmd.Process.Pid, "timeout", timeout)

	var outBuf strings.Builder
	var bufMu sync.Mutex
	lastOutput := &atomicTime{}
	lastOutput.Store(start)

	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go e.stream(&streamWG, stdout, "stdout", ec, &outBuf, &bufMu, lastOutput)
	go e.stream(&streamWG, stderr, "stderr", ec, &outBuf, &bufMu, lastOutput)

	waitCh := make(chan error, 1)
	go func() {
		streamWG.Wait()
		waitCh <- cmd.Wait()
	}()

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	var stallCh <-chan time.Time
	var stallTicker *time.Ticker
	if e.cfg.StallTimeout > 0 {
		stallTicker = time.NewTicker(e.cfg.StallTimeout.Duration() / 4)
		defer stallTicker.Stop()
		stallCh = stallTicker.C
	}

	var waitErr error
	var timedOut, stalled, aborted bool
wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-timeoutTimer.C:
			timedOut = true
			e.log.Warn("worker timed out", "task", ec.Task.ID, "after", timeout)
			waitErr = e.terminate(cmd, waitCh)
			break wait
		case <-ctx.Done():
			aborted = true
			e.log.Info("worker aborted", "task", ec.Task.ID)
			waitErr = e.terminate(cmd, waitCh)
			break wait
		case <-stallCh:
			if time.Since(lastOutput.Load()) >= e.cfg.StallTimeout.Duration() {
				stalled = true
				e.log.Warn("worker stalled, no output", "task", ec.Task.ID,
					"silent_for", time.Since(lastOutput.Load()).Truncate(time.Second))
				waitErr = e.terminate(cmd, waitCh)
				break wait
			}
		}
	}

	duration := time.Since(start)
	bufMu.Lock()
	output := outBuf.String()
	bufMu.Unlock()

	result := &Result{
		Output:     output,
		DurationMs: duration.Milliseconds(),
		TimedOut:   timedOut,
	}
	switch {
	case timedOut:
		result.Err = fmt.Sprintf("execution timed out after %s", timeout)
	case stalled:
		result.Err = "execution stalled: no output"
	case aborted:
		result.Err = "execution aborted"
	case waitErr != nil:
		result.Err = fmt.Sprintf("worker exited with error: %v", waitErr)
	default:
		result.Success = true
	}
	return result, nil
}

// stream copies one pipe into the shared buffer and the output callback.
func (e *Executor) stream(wg *sync.WaitGroup, r io.Reader, name string, ec ExecContext,
	buf *strings.Builder, bufMu *sync.Mutex, lastOutput *atomicTime) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lastOutput.Store(time.Now())
		bufMu.Lock()
		buf.WriteString(line)
		buf.WriteByte('\n')
		bufMu.Unlock()
		if e.onOutput != nil {
			e.onOutput(Output{
				AgentID:   ec.AgentID,
				AgentName: ec.AgentName,
				TaskID:    ec.Task.ID,
				Chunk:     line,
				Stream:    name,
				Timestamp: time.Now(),
			})
		}
	}
}

// terminate walks the three-stage kill: interrupt, wait 5 s; SIGTERM, wait
// the graceful window; SIGKILL. Each stage is cut short the moment the
// worker exits.
func (e *Executor) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	pgid := -cmd.Process.Pid // negative pid signals the whole group

	_ = syscall.Kill(pgid, syscall.SIGINT)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(e.cfg.InterruptWait.Duration()):
	}

	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(e.cfg.GracefulShutdown.Duration()):
	}

	e.log.Warn("worker ignored termination, killing", "pid", cmd.Process.Pid)
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	return <-waitCh
}

// atomicTime is a mutex-free last-output timestamp shared by the stream
// goroutines and the stall watchdog.
type atomicTime struct {
	ns atomic.Int64
}

func (a *atomicTime) Store(t time.Time) { a.ns.Store(t.UnixNano()) }
func (a *atomicTime) Load() time.Time   { return time.Unix(0, a.ns.Load()) }
