package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kverlaen/crewd/internal/storage/sqlite"
)

func journalImpls(t *testing.T) map[string]Journal {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "crewd.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Journal{
		"memory": NewMemoryJournal(64),
		"sqlite": NewSQLiteJournal(db),
	}
}

func journalMessage(topic Topic, producer string, ts time.Time) Message {
	return Message{
		ID:        generateMessageID(),
		Topic:     topic,
		Producer:  producer,
		Payload:   map[string]any{"k": "v"},
		Timestamp: ts,
	}
}

func TestJournalSinceFiltersTopicAndTime(t *testing.T) {
	ctx := context.Background()
	for name, j := range journalImpls(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-time.Hour)
			old := journalMessage(TopicTaskCreated, "a", base)
			recent := journalMessage(TopicTaskCreated, "a", base.Add(30*time.Minute))
			offTopic := journalMessage(TopicTaskFailed, "a", base.Add(30*time.Minute))

			for _, m := range []Message{old, recent, offTopic} {
				if err := j.Append(ctx, m); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := j.Since(ctx, TopicTaskCreated, base.Add(10*time.Minute), 0)
			if err != nil {
				t.Fatalf("Since: %v", err)
			}
			if len(got) != 1 || got[0].ID != recent.ID {
				t.Fatalf("Since: got %d messages, want just the recent one", len(got))
			}
		})
	}
}

func TestJournalPrune(t *testing.T) {
	ctx := context.Background()
	for name, j := range journalImpls(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-2 * time.Hour)
			for i := 0; i < 4; i++ {
				m := journalMessage(TopicTaskUpdated, "a", base.Add(time.Duration(i)*time.Hour))
				if err := j.Append(ctx, m); err != nil {
					t.Fatalf("Append: %v", err)
				}
				if err := j.Ack(ctx, m.ID, "agent-1"); err != nil {
					t.Fatalf("Ack: %v", err)
				}
			}

			dropped, err := j.Prune(ctx, base.Add(90*time.Minute))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if dropped != 2 {
				t.Errorf("dropped: got %d, want 2", dropped)
			}

			rest, err := j.Tail(ctx, 0)
			if err != nil {
				t.Fatalf("Tail: %v", err)
			}
			if len(rest) != 2 {
				t.Errorf("remaining: got %d, want 2", len(rest))
			}
		})
	}
}

func TestMemoryJournalRingEviction(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal(4)
	for i := 0; i < 10; i++ {
		m := journalMessage(TopicTaskProgress, "a", time.Now().UTC())
		m.Payload = map[string]any{"seq": i}
		if err := j.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tail, err := j.Tail(ctx, 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(tail) != 4 {
		t.Fatalf("ring size: got %d, want 4", len(tail))
	}
	if seq := tail[len(tail)-1].Payload["seq"]; fmt.Sprintf("%v", seq) != "9" {
		t.Errorf("newest seq: got %v, want 9", seq)
	}
}
