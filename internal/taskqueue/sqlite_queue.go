package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SQLiteQueue is a persistent task queue backed by SQLite.
//
// Claims are recorded as (lease_owner, lease_expires) on the row; a row is
// deliverable when its not_before has passed and it is unleased or its
// lease has expired. FIFO order follows (not_before, rowid).
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			handler TEXT NOT NULL,
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	payloadBytes, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}

	now := time.Now()
	enqueuedAt := now.UnixNano()

	var notBefore int64
	if t.NotBefore.IsZero() {
		notBefore = enqueuedAt
	} else {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, handler, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Handler,
		payloadBytes,
		enqueuedAt,
		notBefore,
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var (
			id          string
			handler     string
			payload     []byte
			enqueuedInt int64
			notBefore   int64
			attempts    int
		)

		row := tx.QueryRowContext(ctx, `
			SELECT id, handler, payload, enqueued_at, not_before, attempts
			FROM tasks
			WHERE not_before <= ? AND (lease_owner = '' OR lease_expires <= ?)
			ORDER BY not_before, rowid
			LIMIT 1`, now, now)
		err = row.Scan(&id, &handler, &payload, &enqueuedInt, &notBefore, &attempts)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing available: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		// Claim the row we just selected.
		expires := time.Now().Add(leaseTTL).UnixNano()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_owner = ?, lease_expires = ? WHERE id = ?`,
			owner, expires, id,
		); err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		decoded, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}

		task := &Task{
			ID:         id,
			Handler:    handler,
			Payload:    decoded,
			EnqueuedAt: time.Unix(0, enqueuedInt),
			NotBefore:  time.Unix(0, notBefore),
			Attempts:   attempts,
		}

		return task, nil
	}
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID string, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = ? AND lease_owner = ?`,
		taskID, owner,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Idempotent when the task is gone; an error only when someone else
	// holds it.
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = '', lease_expires = 0, not_before = ?, attempts = ?
		WHERE id = ? AND lease_owner = ?`,
		notBefore.UnixNano(),
		attempts,
		taskID,
		owner,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires = ? WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(leaseTTL).UnixNano(),
		taskID,
		owner,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
