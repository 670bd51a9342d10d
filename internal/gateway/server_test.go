package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kverlaen/crewd/internal/agents"
	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/governor"
	"github.com/kverlaen/crewd/internal/tasks"
)

func newTestServer(t *testing.T) (*Server, tasks.Store, *bus.Bus) {
	t.Helper()
	mail := bus.New(bus.NewMemoryJournal(128), bus.NewMemoryLeaseStore(), 64, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(mail.Close)
	store := tasks.NewMemoryStore()

	pool := []*agents.Agent{agents.NewAgent("worker-1", []string{"go"})}
	srv := NewServer(Config{
		Host:   "localhost",
		Port:   0,
		Store:  store,
		Bus:    mail,
		Agents: func() []*agents.Agent { return pool },
		Runtime: func() governor.State {
			return governor.State{CycleCount: 3, TasksCompleted: 2}
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { srv.hub.Close() })
	return srv, store, mail
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := get(t, srv, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestHandleTasks(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	first, err := store.Create(ctx, &tasks.Task{Title: "add gateway tests"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Claim(ctx, first.ID, "agent-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := store.Create(ctx, &tasks.Task{Title: "second"}); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	w := get(t, srv, "/api/tasks")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(body))
	}

	w = get(t, srv, "/api/tasks?status=claimed")
	body = nil
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode filtered body: %v", err)
	}
	if len(body) != 1 || body[0]["id"] != first.ID {
		t.Fatalf("expected only the claimed task, got %v", body)
	}

	w = get(t, srv, "/api/tasks?limit=1")
	body = nil
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode limited body: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("expected 1 task with limit=1, got %d", len(body))
	}
}

func TestHandleTaskDetail(t *testing.T) {
	srv, store, _ := newTestServer(t)

	created, err := store.Create(context.Background(), &tasks.Task{Title: "detail", Description: "full record"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := get(t, srv, "/api/tasks/"+created.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["description"] != "full record" {
		t.Fatalf("expected full task record, got %v", body)
	}

	if w := get(t, srv, "/api/tasks/task_missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", w.Code)
	}
}

func TestHandleAgents(t *testing.T) {
	srv, _, mail := newTestServer(t)

	snaps := srv.agents()
	mail.SendHeartbeat(snaps[0].ID)

	w := get(t, srv, "/api/agents")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(body))
	}
	if body[0]["name"] != "worker-1" {
		t.Fatalf("expected agent worker-1, got %v", body[0]["name"])
	}
	if body[0]["last_heartbeat"] == nil {
		t.Fatal("expected last_heartbeat to be set")
	}
}

func TestHandleStats(t *testing.T) {
	srv, store, _ := newTestServer(t)

	if _, err := store.Create(context.Background(), &tasks.Task{Title: "count me"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := get(t, srv, "/api/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body struct {
		Queue tasks.Stats     `json:"queue"`
		Run   *governor.State `json:"run"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Queue.Total != 1 {
		t.Fatalf("expected total 1, got %d", body.Queue.Total)
	}
	if body.Run == nil || body.Run.CycleCount != 3 {
		t.Fatalf("expected run counters, got %+v", body.Run)
	}
}

func TestHandleMessages(t *testing.T) {
	srv, _, mail := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := mail.Publish(ctx, bus.Message{
			Topic:    bus.TopicTaskProgress,
			Producer: "test",
			Payload:  map[string]any{"i": i},
		})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	w := get(t, srv, "/api/messages?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 5 {
		t.Fatalf("expected 5 messages with limit=5, got %d", len(body))
	}
}

func TestHandleMessages_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := get(t, srv, "/api/messages")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body []any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty array, got %d items", len(body))
	}
}
