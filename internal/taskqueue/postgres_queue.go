package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresQueue is a persistent task queue backed by Postgres. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never race for
// the same row.
//
// Like the Postgres journal store, it takes a caller-provided *sql.DB; the
// driver choice belongs to the embedding application.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue initializes the tasks table and returns a new queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			handler TEXT NOT NULL,
			payload BYTEA,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			attempts INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	payloadBytes, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}

	enqueuedAt := time.Now().UnixNano()
	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, handler, payload, enqueued_at, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID,
		t.Handler,
		payloadBytes,
		enqueuedAt,
		notBefore,
		t.Attempts,
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
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
			WHERE not_before <= $1 AND (lease_owner = '' OR lease_expires <= $1)
			ORDER BY not_before, enqueued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, now)
		err = row.Scan(&id, &handler, &payload, &enqueuedInt, &notBefore, &attempts)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		expires := time.Now().Add(leaseTTL).UnixNano()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lease_owner = $1, lease_expires = $2 WHERE id = $3`,
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

		return &Task{
			ID:         id,
			Handler:    handler,
			Payload:    decoded,
			EnqueuedAt: time.Unix(0, enqueuedInt),
			NotBefore:  time.Unix(0, notBefore),
			Attempts:   attempts,
		}, nil
	}
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID string, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = $1 AND lease_owner = $2`,
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

	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = $1`, taskID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = '', lease_expires = 0, not_before = $1, attempts = $2
		WHERE id = $3 AND lease_owner = $4`,
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

func (q *PostgresQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires = $1 WHERE id = $2 AND lease_owner = $3`,
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

func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
