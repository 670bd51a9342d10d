package bus

import (
	"context"
	"sync"
	"time"
)

// Journal is the message retention layer behind the bus. A subscriber that
// restarts inside the retention window replays what it missed.
type Journal interface {
	Append(ctx context.Context, m Message) error
	// Ack records that consumer received the message. Idempotent.
	Ack(ctx context.Context, messageID, consumer string) error
	// Acked reports whether consumer already acknowledged the message.
	Acked(ctx context.Context, messageID, consumer string) (bool, error)
	// Since returns messages on topic with Timestamp >= since, oldest first,
	// capped at limit (0 means no cap).
	Since(ctx context.Context, topic Topic, since time.Time, limit int) ([]Message, error)
	// Tail returns the most recent messages across all topics, oldest first.
	Tail(ctx context.Context, limit int) ([]Message, error)
	// Prune drops messages older than cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryJournal keeps the last capacity messages in a ring. Used by tests
// and by deployments that opt out of durability.
type MemoryJournal struct {
	mu       sync.RWMutex
	messages []Message
	pos      int
	count    int
	acks     map[string]map[string]struct{}
}

// NewMemoryJournal creates a ring of the given capacity.
func NewMemoryJournal(capacity int) *MemoryJournal {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryJournal{
		messages: make([]Message, capacity),
		acks:     make(map[string]map[string]struct{}),
	}
}

func (j *MemoryJournal) Append(_ context.Context, m Message) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.messages[j.pos] = m
	j.pos = (j.pos + 1) % len(j.messages)
	if j.count < len(j.messages) {
		j.count++
	}
	return nil
}

func (j *MemoryJournal) Ack(_ context.Context, messageID, consumer string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.acks[messageID] == nil {
		j.acks[messageID] = make(map[string]struct{})
	}
	j.acks[messageID][consumer] = struct{}{}
	return nil
}

func (j *MemoryJournal) Acked(_ context.Context, messageID, consumer string) (bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	_, ok := j.acks[messageID][consumer]
	return ok, nil
}

// snapshot returns the ring contents oldest first. Caller holds j.mu.
func (j *MemoryJournal) snapshot() []Message {
	out := make([]Message, 0, j.count)
	start := (j.pos - j.count + len(j.messages)) % len(j.messages)
	for i := 0; i < j.count; i++ {
		out = append(out, j.messages[(start+i)%len(j.messages)])
	}
	return out
}

func (j *MemoryJournal) Since(_ context.Context, topic Topic, since time.Time, limit int) ([]Message, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Message
	for _, m := range j.snapshot() {
		if m.Topic != topic || m.Timestamp.Before(since) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (j *MemoryJournal) Tail(_ context.Context, limit int) ([]Message, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	all := j.snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (j *MemoryJournal) Prune(_ context.Context, cutoff time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	kept := make([]Message, 0, j.count)
	dropped := 0
	for _, m := range j.snapshot() {
		if m.Timestamp.Before(cutoff) {
			dropped++
			delete(j.acks, m.ID)
			continue
		}
		kept = append(kept, m)
	}

	capacity := len(j.messages)
	j.messages = make([]Message, capacity)
	copy(j.messages, kept)
	j.pos = len(kept) % capacity
	j.count = len(kept)
	return dropped, nil
}
