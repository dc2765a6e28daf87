package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/offload/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			handler TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BYTEA,
			output BYTEA,
			error TEXT,
			enqueued_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) SaveJob(job *api.Job) error {
	payload, err := EncodeValue(job.Payload)
	if err != nil {
		return err
	}

	output, err := EncodeValue(job.Output)
	if err != nil {
		return err
	}

	errStr := ""
	if job.Err != nil {
		errStr = job.Err.Error()
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, handler, status, payload, output, error, enqueued_at, started_at, completed_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		job.ID,
		job.Handler,
		string(job.Status),
		payload,
		output,
		errStr,
		nanoOrZero(job.EnqueuedAt),
		nanoOrZero(job.StartedAt),
		nanoOrZero(job.CompletedAt),
		job.Attempts,
	)
	return err
}

func (s *PostgresStore) UpdateJob(job *api.Job) error {
	payload, err := EncodeValue(job.Payload)
	if err != nil {
		return err
	}

	output, err := EncodeValue(job.Output)
	if err != nil {
		return err
	}

	errStr := ""
	if job.Err != nil {
		errStr = job.Err.Error()
	}

	res, err := s.db.Exec(`
		UPDATE jobs
		SET handler      = $1,
		    status       = $2,
		    payload      = $3,
		    output       = $4,
		    error        = $5,
		    enqueued_at  = $6,
		    started_at   = $7,
		    completed_at = $8,
		    attempts     = $9
		WHERE id = $10
	`,
		job.Handler,
		string(job.Status),
		payload,
		output,
		errStr,
		nanoOrZero(job.EnqueuedAt),
		nanoOrZero(job.StartedAt),
		nanoOrZero(job.CompletedAt),
		job.Attempts,
		job.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrJobNotFound
	}

	return nil
}

func (s *PostgresStore) GetJob(id string) (*api.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, handler, status, payload, output, error, enqueued_at, started_at, completed_at, attempts
		FROM jobs
		WHERE id = $1
	`,
		id,
	)

	job, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(filter Filter) ([]*api.Job, error) {
	query := `
		SELECT id, handler, status, payload, output, error, enqueued_at, started_at, completed_at, attempts
		FROM jobs`
	var args []any
	var clauses []string

	if filter.Handler != "" {
		clauses = append(clauses, fmt.Sprintf("handler = $%d", len(args)+1))
		args = append(args, filter.Handler)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*api.Job

	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, error = $2
		WHERE id = $3 AND status = $4
	`,
		string(api.StatusCancelled),
		api.ErrJobCancelled.Error(),
		id,
		string(api.StatusPending),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = $1`, id).Scan(&n); err != nil {
		return false, err
	}
	if n == 0 {
		return false, api.ErrJobNotFound
	}
	return false, nil
}

func (s *PostgresStore) RecoverRunning(ctx context.Context, msg string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, error = $2
		WHERE status = $3
	`,
		string(api.StatusFailed),
		msg,
		string(api.StatusRunning),
	)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
