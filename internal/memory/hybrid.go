package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	keywordWeight     = 0.3
	semanticWeight    = 0.7
	minRetrievalScore = 0.25
)

// HybridRetriever combines keyword and semantic search. Without a vector
// store it degrades to keyword-only retrieval, so agents work the same with
// or without an embedding provider.
type HybridRetriever struct {
	store   Store
	keyword *KeywordRetriever
	vector  *VectorStore
	mu      sync.Mutex     // serializes reinforcement updates
	wg      sync.WaitGroup // tracks in-flight reinforcement goroutines
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHybridRetriever creates a hybrid retriever. vector may be nil.
func NewHybridRetriever(store Store, vector *VectorStore) *HybridRetriever {
	ctx, cancel := context.WithCancel(context.Background())
	return &HybridRetriever{
		store:   store,
		keyword: NewKeywordRetriever(store),
		vector:  vector,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close cancels pending reinforcement goroutines and waits for them.
func (hr *HybridRetriever) Close() {
	hr.cancel()
	hr.wg.Wait()
}

// Wait blocks until pending reinforcement goroutines complete. Tests use it
// to make reinforcement observable.
func (hr *HybridRetriever) Wait() {
	hr.wg.Wait()
}

// Retrieve finds the most relevant memories for the query. Every hit has
// its confidence reinforced in the background.
func (hr *HybridRetriever) Retrieve(query string, tags []string, limit int) ([]Retrieved, error) {
	if limit <= 0 {
		limit = 5
	}

	if hr.vector == nil {
		results, err := hr.keyword.Retrieve(query, tags, limit)
		if err != nil {
			return nil, err
		}
		return hr.finish(filterByThreshold(results)), nil
	}

	fetchLimit := limit * 2

	keywordResults, err := hr.keyword.Retrieve(query, tags, fetchLimit)
	if err != nil {
		return nil, err
	}

	semanticResults, err := hr.vector.Query(context.Background(), query, fetchLimit)
	if err != nil {
		// Graceful degradation: keyword results already in hand.
		slog.Debug("semantic retrieval failed, using keyword results", "error", err)
		if len(keywordResults) > limit {
			keywordResults = keywordResults[:limit]
		}
		return hr.finish(filterByThreshold(keywordResults)), nil
	}

	merged := hr.mergeResults(keywordResults, semanticResults, limit)
	return hr.finish(filterByThreshold(merged)), nil
}

func (hr *HybridRetriever) finish(results []Retrieved) []Retrieved {
	if len(results) > 0 {
		hr.wg.Add(1)
		go hr.reinforceResults(results)
	}
	return results
}

// mergeResults combines both sources: keyword scores normalized to [0,1],
// cosine similarity mapped from [-1,1] to [0,1], weighted 0.3/0.7.
func (hr *HybridRetriever) mergeResults(keywordResults []Retrieved, semanticResults []VectorResult, limit int) []Retrieved {
	type scored struct {
		keywordScore  float64
		semanticScore float64
	}
	merged := make(map[string]*scored)

	var maxKeyword float64
	for _, r := range keywordResults {
		if r.Score > maxKeyword {
			maxKeyword = r.Score
		}
	}
	for _, r := range keywordResults {
		norm := 0.0
		if maxKeyword > 0 {
			norm = r.Score / maxKeyword
		}
		merged[r.Entry.ID] = &scored{keywordScore: norm}
	}

	for _, r := range semanticResults {
		sim := float64(r.Similarity+1) / 2
		if s, ok := merged[r.ID]; ok {
			s.semanticScore = sim
		} else {
			merged[r.ID] = &scored{semanticScore: sim}
		}
	}

	type hybridResult struct {
		id    string
		score float64
	}
	var results []hybridResult
	for id, s := range merged {
		results = append(results, hybridResult{
			id:    id,
			score: keywordWeight*s.keywordScore + semanticWeight*s.semanticScore,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	if len(results) > limit {
		results = results[:limit]
	}

	var out []Retrieved
	for _, r := range results {
		entry, content, err := hr.store.Get(r.id)
		if err != nil {
			continue
		}
		out = append(out, Retrieved{Entry: entry, Content: content, Score: r.score})
	}
	return out
}

// reinforceResults bumps LastUsedAt and confidence for retrieved memories,
// applying decay first so stale entries do not ratchet upward. Errors are
// logged, never surfaced.
func (hr *HybridRetriever) reinforceResults(results []Retrieved) {
	defer hr.wg.Done()
	now := time.Now()
	for _, r := range results {
		if hr.ctx.Err() != nil {
			return
		}
		hr.mu.Lock()
		entry, content, err := hr.store.Get(r.Entry.ID)
		if err != nil || entry == nil {
			hr.mu.Unlock()
			continue
		}
		entry.Confidence = ApplyDecay(entry.Confidence, entry.LastUsedAt, now)
		entry.Confidence = min(entry.Confidence+0.05, 1.0)
		entry.LastUsedAt = now
		if err := hr.store.Update(entry, content); err != nil {
			slog.Debug("reinforce memory failed", "id", r.Entry.ID, "error", err)
		}
		hr.mu.Unlock()
	}
}

func filterByThreshold(results []Retrieved) []Retrieved {
	var filtered []Retrieved
	for _, r := range results {
		if r.Score >= minRetrievalScore {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
