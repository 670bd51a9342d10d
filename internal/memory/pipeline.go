package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// EmbedJob is a single unit of embedding work.
type EmbedJob struct {
	ID      string
	Content string
	Meta    map[string]string
	Delete  bool
}

// Pipeline embeds memory bodies asynchronously on a single worker
// goroutine, so agent cycles never block on the embedding provider.
type Pipeline struct {
	vector *VectorStore
	jobs   chan EmbedJob
	wg     sync.WaitGroup

	mu     sync.Mutex
	paused bool
}

// NewPipeline creates a pipeline with the given queue depth (default 100).
func NewPipeline(vector *VectorStore, queueSize int) *Pipeline {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pipeline{
		vector: vector,
		jobs:   make(chan EmbedJob, queueSize),
	}
}

// Start launches the worker goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for job := range p.jobs {
			if err := ctx.Err(); err != nil {
				return
			}
			p.processJob(ctx, job)
		}
	}()
}

// SetPaused sheds embedding load: while paused, Enqueue drops every job.
// Jobs already queued still drain.
func (p *Pipeline) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

// Enqueue adds a job without blocking; the job is dropped when the queue is
// full or the pipeline is paused.
func (p *Pipeline) Enqueue(job EmbedJob) {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		slog.Debug("embedding pipeline paused, dropping job", "id", job.ID)
		return
	}
	select {
	case p.jobs <- job:
	default:
		slog.Warn("embedding pipeline queue full, dropping job", "id", job.ID)
	}
}

// Stop closes the queue, drains remaining jobs, and waits for the worker.
func (p *Pipeline) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pipeline) processJob(ctx context.Context, job EmbedJob) {
	if job.Delete {
		if err := p.vector.Delete(ctx, job.ID); err != nil {
			slog.Warn("embedding pipeline: delete failed", "id", job.ID, "error", err)
		}
		return
	}
	if err := p.vector.Upsert(ctx, job.ID, job.Content, job.Meta); err != nil {
		slog.Warn("embedding pipeline: upsert failed", "id", job.ID, "error", err)
	}
}

// BuildEmbedText formats an entry for embedding:
// "Title [tag1, tag2]\ncontent".
func BuildEmbedText(entry *Entry, content string) string {
	var sb strings.Builder
	sb.WriteString(entry.Title)
	if len(entry.Tags) > 0 {
		sb.WriteString(fmt.Sprintf(" [%s]", strings.Join(entry.Tags, ", ")))
	}
	sb.WriteString("\n")
	sb.WriteString(content)
	return sb.String()
}

// BuildEmbedMeta extracts vector-store metadata from an entry.
func BuildEmbedMeta(entry *Entry) map[string]string {
	return map[string]string{
		"type":  string(entry.Type),
		"agent": entry.AgentID,
		"title": entry.Title,
	}
}
