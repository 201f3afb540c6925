package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

type Option func(*Queue)

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue inserts a trigger outside of any store transaction.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, bool, error) {
	return EnqueueIn(ctx, q.db, req)
}

// EnqueueIn inserts a pending trigger using ex, which is normally the store's
// commit transaction. It reports coalesced=true, and returns no id, when an
// equivalent trigger is already pending.
func EnqueueIn(ctx context.Context, ex Execer, req EnqueueRequest) (id string, coalesced bool, err error) {
	if req.CellID == "" {
		return "", false, fmt.Errorf("cell_id is empty")
	}
	if req.Kind == "" {
		return "", false, fmt.Errorf("kind is empty")
	}
	if req.Subject == "" {
		return "", false, fmt.Errorf("subject is empty")
	}

	id = uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	res, err := ex.ExecContext(ctx, `
INSERT INTO trigger_queue(id, cell_id, kind, subject, payload, status, attempt, commit_seq, created_at)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT DO NOTHING;
`, id, req.CellID, req.Kind, req.Subject, payload, StatusPending, int64(req.CommitSeq), now)
	if err != nil {
		return "", false, fmt.Errorf("enqueue trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("enqueue trigger: %w", err)
	}
	if n == 0 {
		return "", true, nil
	}
	return id, false, nil
}

const triggerColumns = `id, cell_id, kind, subject, payload, status, attempt, commit_seq,
  created_at, started_at, completed_at, last_error`

// Dequeue claims the oldest pending trigger of a cell that has no trigger
// running, and marks it running. Returns (nil, nil) if nothing is claimable.
func (q *Queue) Dequeue(ctx context.Context) (*Trigger, error) {
	nowS := time.Now().UTC().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT t.id
  FROM trigger_queue t
  WHERE t.status = ?
    AND NOT EXISTS (
      SELECT 1 FROM trigger_queue r WHERE r.cell_id = t.cell_id AND r.status = ?
    )
  ORDER BY t.rowid ASC
  LIMIT 1
)
UPDATE trigger_queue
SET status = ?, started_at = ?, attempt = attempt + 1
WHERE id IN (SELECT id FROM next)
RETURNING `+triggerColumns+`;
`, StatusPending, StatusRunning, StatusRunning, nowS)

	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue trigger: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var (
		t            Trigger
		payload      sql.NullString
		statusS      string
		commitSeq    int64
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.CellID, &t.Kind, &t.Subject, &payload, &statusS, &t.Attempt, &commitSeq,
		&createdAtS, &startedAtS, &completedAtS, &lastError,
	); err != nil {
		return nil, err
	}

	t.Status = Status(statusS)
	t.CommitSeq = uint64(commitSeq)
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		t.CreatedAt = ts
	}
	if startedAtS.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			t.StartedAt = &ts
		}
	}
	if completedAtS.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			t.CompletedAt = &ts
		}
	}
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	return &t, nil
}

// Complete marks a trigger terminal and appends a row to trigger_log.
func (q *Queue) Complete(ctx context.Context, id string, status Status, lastError *string) error {
	if id == "" {
		return fmt.Errorf("trigger id is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusSuperseded {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		cellID, kind, subject, createdAt string
		attempt                          int
	)
	err = tx.QueryRowContext(ctx, `
SELECT cell_id, kind, subject, attempt, created_at FROM trigger_queue WHERE id = ?;
`, id).Scan(&cellID, &kind, &subject, &attempt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTriggerNotFound
	}
	if err != nil {
		return fmt.Errorf("load trigger for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
UPDATE trigger_queue SET status = ?, completed_at = ?, last_error = ? WHERE id = ?;
`, status, completedAt, lastError, id); err != nil {
		return fmt.Errorf("update trigger completion: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO trigger_log(id, cell_id, kind, subject, status, attempt, created_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, fmt.Sprintf("%s-%d", id, attempt), cellID, kind, subject, status, attempt, createdAt, completedAt, lastError); err != nil {
		return fmt.Errorf("insert trigger_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecoverRunning returns triggers claimed more than lease ago to pending. A
// zero lease takes every running trigger, which is right at startup when no
// other process can hold a claim. A trigger whose subject already has a
// pending twin is superseded.
func (q *Queue) RecoverRunning(ctx context.Context, lease time.Duration) (int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, started_at FROM trigger_queue WHERE status = ?;`, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running triggers: %w", err)
	}
	cutoff := time.Now().UTC().Add(-lease)
	var ids []string
	for rows.Next() {
		var (
			id        string
			startedAt sql.NullString
		)
		if err := rows.Scan(&id, &startedAt); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan running trigger: %w", err)
		}
		// RFC3339Nano strings do not sort, so the lease is checked here.
		if lease > 0 && startedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil && ts.After(cutoff) {
				continue
			}
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		ok, err := q.requeue(ctx, id)
		if err != nil {
			return recovered, err
		}
		if !ok {
			msg := "superseded during recovery"
			if err := q.Complete(ctx, id, StatusSuperseded, &msg); err != nil {
				return recovered, err
			}
			continue
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("recovered running triggers", "count", recovered)
	}
	return recovered, nil
}

func (q *Queue) requeue(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE trigger_queue SET status = ?, started_at = NULL
WHERE id = ?
  AND NOT EXISTS (
    SELECT 1 FROM trigger_queue p
    WHERE p.status = ? AND p.cell_id = trigger_queue.cell_id
      AND p.kind = trigger_queue.kind AND p.subject = trigger_queue.subject
  );
`, StatusPending, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("requeue trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Depth returns the number of pending triggers.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trigger_queue WHERE status = ?;`, StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// List returns a cell's triggers in enqueue order, optionally filtered by status.
func (q *Queue) List(ctx context.Context, cellID string, status Status) ([]*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM trigger_queue WHERE cell_id = ?`
	args := []any{cellID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	rows, err := q.db.QueryContext(ctx, query+` ORDER BY rowid ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
