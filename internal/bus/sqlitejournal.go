package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kverlaen/crewd/internal/storage/sqlite"
)

// SQLiteJournal persists messages and acknowledgements to the shared
// database so replay survives a process restart.
type SQLiteJournal struct {
	db *sqlite.DB
}

// NewSQLiteJournal wraps an opened database handle.
func NewSQLiteJournal(db *sqlite.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db}
}

func (j *SQLiteJournal) Append(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	ack := 0
	if m.AckRequired {
		ack = 1
	}
	if _, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, topic, producer, recipient, payload, ack_required, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Topic), m.Producer, m.Recipient, string(payload), ack,
		m.Timestamp.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("journal message %s: %w", m.ID, err)
	}
	return nil
}

func (j *SQLiteJournal) Ack(ctx context.Context, messageID, consumer string) error {
	if _, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_acks (message_id, consumer, acked_at) VALUES (?, ?, ?)`,
		messageID, consumer, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("ack message %s: %w", messageID, err)
	}
	return nil
}

func (j *SQLiteJournal) Acked(ctx context.Context, messageID, consumer string) (bool, error) {
	var count int
	if err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_acks WHERE message_id = ? AND consumer = ?`,
		messageID, consumer,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("check ack %s: %w", messageID, err)
	}
	return count > 0, nil
}

func (j *SQLiteJournal) Since(ctx context.Context, topic Topic, since time.Time, limit int) ([]Message, error) {
	query := `SELECT id, topic, producer, recipient, payload, ack_required, created_at
		FROM messages WHERE topic = ? AND created_at >= ? ORDER BY created_at ASC`
	args := []any{string(topic), since.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return j.query(ctx, query, args...)
}

func (j *SQLiteJournal) Tail(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	// Newest N, then flipped to oldest-first.
	messages, err := j.query(ctx,
		`SELECT id, topic, producer, recipient, payload, ack_required, created_at
		 FROM messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(messages)-1; i < k; i, k = i+1, k-1 {
		messages[i], messages[k] = messages[k], messages[i]
	}
	return messages, nil
}

func (j *SQLiteJournal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	boundary := cutoff.UTC().Format(time.RFC3339Nano)
	if _, err := j.db.ExecContext(ctx,
		`DELETE FROM message_acks WHERE message_id IN (SELECT id FROM messages WHERE created_at < ?)`,
		boundary,
	); err != nil {
		return 0, fmt.Errorf("prune acks: %w", err)
	}
	res, err := j.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, boundary)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return int(affected), nil
}

func (j *SQLiteJournal) query(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			topic     string
			recipient sql.NullString
			payload   string
			ack       int
			createdAt string
		)
		if err := rows.Scan(&m.ID, &topic, &m.Producer, &recipient, &payload, &ack, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		m.Topic = Topic(topic)
		m.Recipient = recipient.String
		m.AckRequired = ack != 0
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			m.Payload = nil
		}
		if m.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("journal row %s timestamp: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
