package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kverlaen/crewd/internal/storage/sqlite"
)

// SQLiteStore is the durable Store. The atomic claim is a single UPDATE
// guarded by status and assignment, decided by the affected-row count; every
// other operation is a read-modify-write inside a transaction.
type SQLiteStore struct {
	db *sqlite.DB
}

// NewSQLiteStore wraps an opened database handle.
func NewSQLiteStore(db *sqlite.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const taskColumns = `id, title, description, status, priority, required_skills, dependencies, tags,
	assigned_agent, retry_count, max_retries, failure_type, last_error, last_attempt_at,
	estimated_minutes, actual_minutes, result, created_at, updated_at, claimed_at, started_at, completed_at`

func (s *SQLiteStore) Create(ctx context.Context, t *Task) (*Task, error) {
	task := t.Clone()
	if err := prepareCreate(task, time.Now().UTC()); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE id = ?`, task.ID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check task %s: %w", task.ID, err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("create task %s: %w", task.ID, ErrExists)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskArgs(task)...,
	); err != nil {
		return nil, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, string(f.Status))
	}
	if f.AssignedAgent != "" {
		clauses = append(clauses, `assigned_agent = ?`)
		args = append(args, f.AssignedAgent)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += ` WHERE ` + clause
		} else {
			query += ` AND ` + clause
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		// Tag containment is cheaper to decide on the decoded slice than in SQL.
		if f.Tag != "" && !f.matches(task) {
			continue
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

const readyOrder = ` ORDER BY CASE priority
		WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0
	END DESC, created_at ASC`

func (s *SQLiteStore) GetReady(ctx context.Context) ([]*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ready scan: %w", err)
	}
	defer tx.Rollback()

	statuses, err := statusIndex(ctx, tx)
	if err != nil {
		return nil, err
	}
	lookup := func(id string) (Status, bool) {
		st, ok := statuses[id]
		return st, ok
	}

	pending, err := queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'pending'`)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, task := range pending {
		if !dependenciesDone(task, lookup) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'ready', updated_at = ? WHERE id = ? AND status = 'pending'`,
			now, task.ID,
		); err != nil {
			return nil, fmt.Errorf("promote task %s: %w", task.ID, err)
		}
	}

	ready, err := queryTasks(ctx, tx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'ready'`+readyOrder)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ready scan: %w", err)
	}
	return ready, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, id, agentID string) (*Task, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = 'claimed', assigned_agent = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'ready' AND (assigned_agent IS NULL OR assigned_agent = '')`,
		agentID, now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("claim task %s by %s: %w", id, agentID, ErrClaimConflict)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	if err := applyPatch(task, p, time.Now().UTC()); err != nil {
		return nil, err
	}

	args := taskArgs(task)
	// Shift id from first insert position to the trailing WHERE argument.
	args = append(args[1:], task.ID)
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, required_skills = ?,
			dependencies = ?, tags = ?, assigned_agent = ?, retry_count = ?, max_retries = ?,
			failure_type = ?, last_error = ?, last_attempt_at = ?, estimated_minutes = ?,
			actual_minutes = ?, result = ?, created_at = ?, updated_at = ?, claimed_at = ?,
			started_at = ?, completed_at = ?
		 WHERE id = ?`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("write task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[Status]int)}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("task stats: %w", err)
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]*Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func statusIndex(ctx context.Context, tx *sql.Tx) (map[string]Status, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("status index: %w", err)
	}
	defer rows.Close()

	index := make(map[string]Status)
	for rows.Next() {
		var (
			id     string
			status string
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("status index: %w", err)
		}
		index[id] = Status(status)
	}
	return index, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var (
		t                                 Task
		skills, deps, tags                string
		agent, ftype, lastErr, result     sql.NullString
		createdAt, updatedAt              string
		lastAttemptAt                     sql.NullString
		claimedAt, startedAt, completedAt sql.NullString
	)
	err := sc.Scan(
		&t.ID, &t.Title, &t.Description, (*string)(&t.Status), (*string)(&t.Priority),
		&skills, &deps, &tags, &agent, &t.RetryCount, &t.MaxRetries, &ftype, &lastErr,
		&lastAttemptAt, &t.EstimatedMinutes, &t.ActualMinutes, &result,
		&createdAt, &updatedAt, &claimedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.RequiredSkills = decodeList(skills)
	t.Dependencies = decodeList(deps)
	t.Tags = decodeList(tags)
	t.AssignedAgent = agent.String
	t.FailureType = FailureType(ftype.String)
	t.LastError = lastErr.String
	t.Result = result.String

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	if t.LastAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
		return nil, fmt.Errorf("task %s last_attempt_at: %w", t.ID, err)
	}
	if t.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, fmt.Errorf("task %s claimed_at: %w", t.ID, err)
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("task %s started_at: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("task %s completed_at: %w", t.ID, err)
	}
	return &t, nil
}

func taskArgs(t *Task) []any {
	return []any{
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
		encodeList(t.RequiredSkills), encodeList(t.Dependencies), encodeList(t.Tags),
		nullString(t.AssignedAgent), t.RetryCount, t.MaxRetries,
		nullString(string(t.FailureType)), nullString(t.LastError), nullTime(t.LastAttemptAt),
		t.EstimatedMinutes, t.ActualMinutes, nullString(t.Result),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		nullTime(t.ClaimedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	}
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
