// Package gateway serves the observation API: queue contents, the agent
// pool, queue statistics, journaled bus traffic, and a websocket stream
// of live messages. It is read-only; tasks enter through intake or the
// planner.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kverlaen/crewd/internal/agents"
	"github.com/kverlaen/crewd/internal/bus"
	"github.com/kverlaen/crewd/internal/gateway/ws"
	"github.com/kverlaen/crewd/internal/governor"
	"github.com/kverlaen/crewd/internal/tasks"
)

// Config wires one gateway server.
type Config struct {
	Host string
	Port int

	Store  tasks.Store
	Bus    *bus.Bus
	Agents func() []*agents.Agent

	// Runtime reports governor counters for /api/stats; optional.
	Runtime func() governor.State

	Logger *slog.Logger
}

// Server is the crewd gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	store      tasks.Store
	mail       *bus.Bus
	agents     func() []*agents.Agent
	runtime    func() governor.State
	log        *slog.Logger
}

// NewServer creates a gateway server; Start begins listening.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		hub:     ws.NewHub(cfg.Bus, cfg.Logger),
		store:   cfg.Store,
		mail:    cfg.Bus,
		agents:  cfg.Agents,
		runtime: cfg.Runtime,
		log:     cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/tasks", s.handleTasks)
	r.Get("/api/tasks/{id}", s.handleTask)
	r.Get("/api/agents", s.handleAgents)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/messages", s.handleMessages)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tasks.Filter{
		Status:        tasks.Status(q.Get("status")),
		AssignedAgent: q.Get("agent"),
		Tag:           q.Get("tag"),
	}

	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	limit := queryLimit(q.Get("limit"), 0)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	summaries := make([]taskSummary, len(list))
	for i, t := range list {
		summaries[i] = summarizeTask(t)
	}
	writeJSON(w, summaries)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, task)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	snaps := s.agents()
	summaries := make([]agentSummary, len(snaps))
	for i, a := range snaps {
		summaries[i] = summarizeAgent(a, s.mail)
	}
	writeJSON(w, summaries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	view := statsView{Queue: *stats}
	if s.runtime != nil {
		state := s.runtime()
		view.Run = &state
	}
	writeJSON(w, view)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r.URL.Query().Get("limit"), 50)

	history, err := s.mail.History(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []bus.Message{}
	}
	writeJSON(w, history)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
