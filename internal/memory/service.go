package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/kverlaen/crewd/internal/config"
)

// Service bundles the store, hybrid retriever, and embedding pipeline
// behind the two operations agents actually perform: remember and search.
type Service struct {
	store     Store
	retriever *HybridRetriever
	pipeline  *Pipeline
}

// NewService wires a service from config: a file store plus, when an
// embedding driver is configured, a chromem vector store fed by an async
// pipeline.
func NewService(ctx context.Context, cfg config.MemoryConfig) (*Service, error) {
	store := NewFileStore(cfg.Dir)

	var vector *VectorStore
	var pipeline *Pipeline
	if cfg.Embedding.Driver != "" {
		embedder, err := NewEmbedder(ctx, cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("memory embedder: %w", err)
		}
		vector, err = NewVectorStore(ctx, cfg.VectorDir, embedder)
		if err != nil {
			return nil, fmt.Errorf("memory vector store: %w", err)
		}
		pipeline = NewPipeline(vector, 0)
		pipeline.Start(ctx)
	}

	return &Service{
		store:     store,
		retriever: NewHybridRetriever(store, vector),
		pipeline:  pipeline,
	}, nil
}

// NewServiceWith builds a service over explicit parts; tests use it with a
// MemStore and no vector layer.
func NewServiceWith(store Store, vector *VectorStore) *Service {
	return &Service{
		store:     store,
		retriever: NewHybridRetriever(store, vector),
	}
}

// Remember persists a memory and queues it for embedding.
func (s *Service) Remember(entry *Entry, content string) error {
	if err := s.store.Create(entry, content); err != nil {
		return err
	}
	if s.pipeline != nil {
		s.pipeline.Enqueue(EmbedJob{
			ID:      entry.ID,
			Content: BuildEmbedText(entry, content),
			Meta:    BuildEmbedMeta(entry),
		})
	}
	return nil
}

// Search returns the most relevant memories for a free-text query.
func (s *Service) Search(query string, tags []string, limit int) ([]Retrieved, error) {
	return s.retriever.Retrieve(query, tags, limit)
}

// List returns every entry's metadata.
func (s *Service) List() ([]*Entry, error) {
	return s.store.List()
}

// Get returns one entry and its content.
func (s *Service) Get(id string) (*Entry, string, error) {
	return s.store.Get(id)
}

// Decay applies confidence decay across the store; run by maintenance.
func (s *Service) Decay() (int, error) {
	return DecayAll(s.store, time.Now())
}

// SetEmbedPaused sheds embedding work while the heap guard is throttling.
// Entries keep persisting; only their vector upserts are dropped.
func (s *Service) SetEmbedPaused(paused bool) {
	if s.pipeline != nil {
		s.pipeline.SetPaused(paused)
	}
}

// Close drains the pipeline and stops background reinforcement.
func (s *Service) Close() {
	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	s.retriever.Close()
}

// Wait blocks until background reinforcement settles; for tests.
func (s *Service) Wait() {
	s.retriever.Wait()
}
