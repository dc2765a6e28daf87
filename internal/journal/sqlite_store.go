package journal

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/offload/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			handler TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB,
			output BLOB,
			error TEXT,
			enqueued_at INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL
		);`,
	)
	return err
}

func nanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *SQLiteStore) SaveJob(job *api.Job) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) UpdateJob(job *api.Job) error {
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
		SET handler = ?, status = ?, payload = ?, output = ?, error = ?, enqueued_at = ?, started_at = ?, completed_at = ?, attempts = ?
		WHERE id = ?`,
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

func (s *SQLiteStore) GetJob(id string) (*api.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, handler, status, payload, output, error, enqueued_at, started_at, completed_at, attempts
		FROM jobs
		WHERE id = ?`,
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

func (s *SQLiteStore) ListJobs(filter Filter) ([]*api.Job, error) {
	query := `
		SELECT id, handler, status, payload, output, error, enqueued_at, started_at, completed_at, attempts
		FROM jobs`
	var args []any
	var clauses []string

	if filter.Handler != "" {
		clauses = append(clauses, "handler = ?")
		args = append(args, filter.Handler)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
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

func scanJob(scan func(dest ...any) error) (*api.Job, error) {
	var job api.Job
	var statusStr string
	var payload, output []byte
	var errStr sql.NullString
	var enqueued, started, completed int64

	if err := scan(&job.ID, &job.Handler, &statusStr, &payload, &output, &errStr, &enqueued, &started, &completed, &job.Attempts); err != nil {
		return nil, err
	}

	job.Status = api.Status(statusStr)
	job.EnqueuedAt = timeOrZero(enqueued)
	job.StartedAt = timeOrZero(started)
	job.CompletedAt = timeOrZero(completed)

	payloadVal, err := DecodeValue[any](payload)
	if err != nil {
		return nil, err
	}
	job.Payload = payloadVal

	outputVal, err := DecodeValue[any](output)
	if err != nil {
		return nil, err
	}
	job.Output = outputVal

	if errStr.Valid && errStr.String != "" {
		job.Err = errors.New(errStr.String)
	}

	return &job, nil
}

func (s *SQLiteStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = ?
		WHERE id = ? AND status = ?`,
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

	// Distinguish "not PENDING" from "does not exist".
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	if n == 0 {
		return false, api.ErrJobNotFound
	}
	return false, nil
}

func (s *SQLiteStore) RecoverRunning(ctx context.Context, msg string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = ?
		WHERE status = ?`,
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
