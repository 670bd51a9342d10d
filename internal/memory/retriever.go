package memory

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Retrieved wraps an entry with its retrieval score.
type Retrieved struct {
	Entry   *Entry
	Content string
	Score   float64
}

// KeywordRetriever scores entries against a query without any model in the
// loop. Scoring: tag match × 3 + title word match × 2 + recency bonus, all
// multiplied by confidence and importance.
type KeywordRetriever struct {
	store Store
}

// NewKeywordRetriever creates a keyword retriever over the store.
func NewKeywordRetriever(store Store) *KeywordRetriever {
	return &KeywordRetriever{store: store}
}

// Retrieve returns the best-scoring entries for the query, highest first.
func (r *KeywordRetriever) Retrieve(query string, tags []string, limit int) ([]Retrieved, error) {
	entries, err := r.store.List()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	queryWords := tokenize(query)
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[strings.ToLower(t)] = true
	}

	var results []Retrieved
	for _, entry := range entries {
		score := scoreEntry(entry, queryWords, tagSet)
		if score <= 0 {
			continue
		}
		_, content, err := r.store.Get(entry.ID)
		if err != nil {
			continue
		}
		results = append(results, Retrieved{Entry: entry, Content: content, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func scoreEntry(entry *Entry, queryWords []string, filterTags map[string]bool) float64 {
	var score float64

	for _, tag := range entry.Tags {
		lower := strings.ToLower(tag)
		if filterTags[lower] {
			score += 3.0
		}
		for _, qw := range queryWords {
			if lower == qw {
				score += 3.0
			}
		}
	}

	titleWords := tokenize(entry.Title)
	for _, tw := range titleWords {
		for _, qw := range queryWords {
			if tw == qw {
				score += 2.0
			}
		}
	}

	score += recencyBonus(entry.LastUsedAt)
	score *= math.Max(entry.Confidence, 0.1)
	score *= math.Max(entry.Importance, 0.1) + 0.5
	return score
}

// recencyBonus rewards recently used memories.
func recencyBonus(lastUsed time.Time) float64 {
	days := time.Since(lastUsed).Hours() / 24
	switch {
	case days < 7:
		return 1.0
	case days < 30:
		return 0.5
	default:
		return 0.1
	}
}

// tokenize splits a string into lowercase words, stripping punctuation.
func tokenize(s string) []string {
	words := strings.Fields(strings.ToLower(s))
	result := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}
