package memory

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	chromem "github.com/philippgille/chromem-go"
)

const collectionName = "crewd_memories"

// VectorResult is a single semantic search hit.
type VectorResult struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// VectorStore wraps chromem-go for persistent vector storage of memory
// bodies.
type VectorStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewVectorStore opens or creates a persistent vector store in dir. The
// embedder is bridged from Eino's [][]float64 to chromem-go's []float32.
func NewVectorStore(ctx context.Context, dir string, embedder embedding.Embedder) (*VectorStore, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, bridgeEmbedder(ctx, embedder))
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}
	return &VectorStore{db: db, collection: col}, nil
}

// Upsert adds or replaces a document. chromem's Add overwrites an existing
// id.
func (vs *VectorStore) Upsert(ctx context.Context, id, content string, meta map[string]string) error {
	return vs.collection.Add(ctx, []string{id}, nil, []map[string]string{meta}, []string{content})
}

// Delete removes a document.
func (vs *VectorStore) Delete(ctx context.Context, id string) error {
	return vs.collection.Delete(ctx, nil, nil, id)
}

// Query runs a semantic search and returns the top results.
func (vs *VectorStore) Query(ctx context.Context, queryText string, nResults int) ([]VectorResult, error) {
	if vs.collection.Count() == 0 {
		return nil, nil
	}
	if nResults > vs.collection.Count() {
		nResults = vs.collection.Count()
	}

	results, err := vs.collection.Query(ctx, queryText, nResults, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	out := make([]VectorResult, len(results))
	for i, r := range results {
		out[i] = VectorResult{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: r.Similarity,
			Metadata:   r.Metadata,
		}
	}
	return out, nil
}

// Count returns the number of stored documents.
func (vs *VectorStore) Count() int {
	return vs.collection.Count()
}

// bridgeEmbedder converts an Eino Embedder to a chromem EmbeddingFunc.
func bridgeEmbedder(ctx context.Context, embedder embedding.Embedder) chromem.EmbeddingFunc {
	return func(embedCtx context.Context, text string) ([]float32, error) {
		if embedCtx == context.Background() {
			embedCtx = ctx
		}
		vectors, err := embedder.EmbedStrings(embedCtx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("embed text: %w", err)
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			return nil, fmt.Errorf("embed text: empty result")
		}
		f64 := vectors[0]
		f32 := make([]float32, len(f64))
		for i, v := range f64 {
			f32[i] = float32(v)
		}
		return f32, nil
	}
}
