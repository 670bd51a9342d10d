package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/memory"
	"github.com/kverlaen/crewd/internal/tasks"
)

func testConfig(command string) config.ExecutorConfig {
	return config.ExecutorConfig{
		Command:           command,
		TimeoutMultiplier: 2.0,
		MinTimeout:        config.Duration(50 * time.Millisecond),
		MaxTimeout:        config.Duration(2 * time.Second),
		FallbackTimeout:   config.Duration(time.Second),
		InterruptWait:     config.Duration(50 * time.Millisecond),
		GracefulShutdown:  config.Duration(50 * time.Millisecond),
	}
}

func testTask() *tasks.Task {
	return &tasks.Task{ID: "task_exec", Title: "do something", Priority: tasks.PriorityMedium}
}

func TestExecuteSuccess(t *testing.T) {
	var mu sync.Mutex
	var chunks []Output
	e := New(testConfig("echo hello worker"), func(o Output) {
		mu.Lock()
		chunks = append(chunks, o)
		mu.Unlock()
	}, nil)

	result, err := e.Execute(context.Background(), ExecContext{
		Task: testTask(), AgentID: "agent_1", AgentName: "alpha", WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, err = %q", result.Err)
	}
	if !strings.Contains(result.Output, "hello worker") {
		t.Errorf("output = %q", result.Output)
	}
	if result.DurationMs < 0 {
		t.Errorf("duration = %d", result.DurationMs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) == 0 {
		t.Fatal("no output chunks streamed")
	}
	if chunks[0].Stream != "stdout" || chunks[0].TaskID != "task_exec" {
		t.Errorf("chunk = %+v", chunks[0])
	}
}

func TestExecuteFailure(t *testing.T) {
	e := New(testConfig("false"), nil, nil)
	result, err := e.Execute(context.Background(), ExecContext{Task: testTask()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Error("expected failure for non-zero exit")
	}
	if result.Err == "" {
		t.Error("expected error message")
	}
}

func TestExecuteTimeout(t *testing.T) {
	cfg := testConfig("sleep 30")
	cfg.FallbackTimeout = config.Duration(100 * time.Millisecond)
	e := New(cfg, nil, nil)

	start := time.Now()
	result, err := e.Execute(context.Background(), ExecContext{Task: testTask()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if !strings.Contains(result.Err, "timed out") {
		t.Errorf("err = %q", result.Err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("termination took %s, stage timers not honoured", elapsed)
	}
}

func TestExecuteAbort(t *testing.T) {
	e := New(testConfig("sleep 30"), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := e.Execute(ctx, ExecContext{Task: testTask()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Error("expected failure after abort")
	}
	if !strings.Contains(result.Err, "aborted") {
		t.Errorf("err = %q", result.Err)
	}
}

func TestExecuteSerialized(t *testing.T) {
	e := New(testConfig("sleep 0.3"), nil, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.Execute(context.Background(), ExecContext{Task: testTask()}); err != nil {
			t.Errorf("first Execute: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if !e.IsExecuting() {
		t.Fatal("IsExecuting = false during run")
	}
	if _, err := e.Execute(context.Background(), ExecContext{Task: testTask()}); err != ErrAlreadyExecuting {
		t.Errorf("overlapping Execute err = %v, want ErrAlreadyExecuting", err)
	}
	<-done
	if e.IsExecuting() {
		t.Error("IsExecuting = true after run")
	}
}

func TestTimeoutForEstimate(t *testing.T) {
	e := New(testConfig("true"), nil, nil)

	task := testTask()
	task.EstimatedMinutes = 0
	if got := e.TimeoutFor(task); got != time.Second {
		t.Errorf("fallback timeout = %s, want 1s", got)
	}

	// 1 minute estimate x2 clamps to the 2 s max.
	task.EstimatedMinutes = 1
	if got := e.TimeoutFor(task); got != 2*time.Second {
		t.Errorf("clamped timeout = %s, want 2s", got)
	}
}

func TestTimeoutForProductionDefaults(t *testing.T) {
	cfg := config.Default().Executor
	cfg.Command = "true"
	e := New(cfg, nil, nil)

	task := testTask()
	task.EstimatedMinutes = 30
	if got := e.TimeoutFor(task); got != time.Hour {
		t.Errorf("timeout = %s, want 1h (30m x 2.0)", got)
	}

	task.EstimatedMinutes = 1
	if got := e.TimeoutFor(task); got != 5*time.Minute {
		t.Errorf("timeout = %s, want 5m floor", got)
	}

	task.EstimatedMinutes = 600
	if got := e.TimeoutFor(task); got != 2*time.Hour {
		t.Errorf("timeout = %s, want 2h ceiling", got)
	}

	task.EstimatedMinutes = 0
	task.Description = strings.Repeat("x", 1000)
	task.RequiredSkills = []string{"go", "sql"}
	want := 30*time.Minute + 5*time.Minute + 10*time.Minute
	if got := e.TimeoutFor(task); got != want {
		t.Errorf("heuristic timeout = %s, want %s", got, want)
	}
}

func TestBuildPrompt(t *testing.T) {
	task := testTask()
	task.Description = "refactor the parser"
	task.RequiredSkills = []string{"go"}
	task.RetryCount = 1
	task.LastError = "tests failed"

	prompt := BuildPrompt(ExecContext{
		Task:        task,
		AgentSkills: []string{"go", "sql"},
		Memories: []memory.Retrieved{
			{Entry: &memory.Entry{Title: "parser notes"}, Content: "grammar is LL(1)"},
		},
	})

	for _, want := range []string{"do something", "refactor the parser", "go, sql", "parser notes", "grammar is LL(1)", "tests failed"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
