// Rebooter is a remote hardware-recovery controller for a fleet of
// continuous-integration worker machines.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for job
// records and their attempt logs, including schema migration and
// leasing-free CRUD (the Job Worker pool never contends over a single
// job's ownership the way a provisioning controller does).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"rebooter/pkg/models"
)

const defaultBusyTimeout = 5 * time.Second

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection and provides typed
// accessors for Job records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies
// connection pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction, rolling back on error or
// panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  task_id       TEXT PRIMARY KEY,
  task_name     TEXT NOT NULL,
  client_id     TEXT NOT NULL,
  worker_id     TEXT NOT NULL,
  worker_group  TEXT NOT NULL,
  fqdn          TEXT NULL,
  ip            TEXT NULL,
  status        TEXT NOT NULL CHECK (status IN ('PENDING','STARTED','SUCCESS','FAILURE')),
  date_done     TIMESTAMP NULL,
  result        TEXT NULL,
  created_at    TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE TABLE IF NOT EXISTS attempt_log (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id       TEXT NOT NULL REFERENCES jobs(task_id) ON DELETE CASCADE,
  seq           INTEGER NOT NULL,
  time          TIMESTAMP NOT NULL,
  mechanism     TEXT NOT NULL,
  args_redacted TEXT NOT NULL,
  error_class   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_attempt_log_task ON attempt_log(task_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// InsertJob inserts a new PENDING job row.
func (s *Store) InsertJob(ctx context.Context, job models.Job) error {
	const ins = `
INSERT INTO jobs (task_id, task_name, client_id, worker_id, worker_group, fqdn, ip, status, date_done, result, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, ins,
		job.TaskID, job.TaskName, job.ClientID, job.WorkerID, job.WorkerGroup,
		nullIfEmpty(job.FQDN), nullIfEmpty(job.IP), string(job.Status),
		nullTime(job.DateDone), nullIfEmpty(job.Result), job.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// MarkStarted transitions a job to STARTED.
func (s *Store) MarkStarted(ctx context.Context, taskID string) error {
	return s.updateStatus(ctx, taskID, models.JobStatusStarted, nil, "")
}

// Complete transitions a job to SUCCESS or FAILURE, sets its result
// string and done timestamp, and persists its accumulated attempt log
// in one transaction.
func (s *Store) Complete(ctx context.Context, taskID string, status models.JobStatus, result string, attemptLog []models.AttemptLogEntry) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status=?, result=?, date_done=? WHERE task_id=?`,
			string(status), result, now.UTC(), taskID); err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		for i, entry := range attemptLog {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO attempt_log (task_id, seq, time, mechanism, args_redacted, error_class) VALUES (?, ?, ?, ?, ?, ?)`,
				taskID, i, entry.Time.UTC(), entry.Mechanism, entry.ArgsRedacted, entry.ErrorClass); err != nil {
				return fmt.Errorf("insert attempt log entry %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *Store) updateStatus(ctx context.Context, taskID string, status models.JobStatus, dateDone *time.Time, result string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, date_done=COALESCE(?, date_done), result=COALESCE(NULLIF(?, ''), result) WHERE task_id=?`,
		string(status), nullTime(dateDone), result, taskID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// GetJob retrieves a job by task id, including its attempt log.
func (s *Store) GetJob(ctx context.Context, taskID string) (models.Job, error) {
	const q = `SELECT task_id, task_name, client_id, worker_id, worker_group, fqdn, ip, status, date_done, result, created_at FROM jobs WHERE task_id=?`
	var row struct {
		taskID, taskName, clientID, workerID, workerGroup, status string
		fqdn, ip, result                                          sql.NullString
		dateDone                                                  sql.NullTime
		createdAt                                                 time.Time
	}
	err := s.db.QueryRowContext(ctx, q, taskID).Scan(
		&row.taskID, &row.taskName, &row.clientID, &row.workerID, &row.workerGroup,
		&row.fqdn, &row.ip, &row.status, &row.dateDone, &row.result, &row.createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}

	log, err := s.listAttemptLog(ctx, taskID)
	if err != nil {
		return models.Job{}, err
	}

	job := models.Job{
		TaskID:      row.taskID,
		TaskName:    row.taskName,
		ClientID:    row.clientID,
		WorkerID:    row.workerID,
		WorkerGroup: row.workerGroup,
		FQDN:        row.fqdn.String,
		IP:          row.ip.String,
		Status:      models.JobStatus(row.status),
		Result:      row.result.String,
		CreatedAt:   row.createdAt.UTC(),
		AttemptLog:  log,
	}
	if row.dateDone.Valid {
		t := row.dateDone.Time.UTC()
		job.DateDone = &t
	}
	return job, nil
}

func (s *Store) listAttemptLog(ctx context.Context, taskID string) ([]models.AttemptLogEntry, error) {
	const q = `SELECT time, mechanism, args_redacted, error_class FROM attempt_log WHERE task_id=? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempt log: %w", err)
	}
	defer rows.Close()

	var out []models.AttemptLogEntry
	for rows.Next() {
		var e models.AttemptLogEntry
		if err := rows.Scan(&e.Time, &e.Mechanism, &e.ArgsRedacted, &e.ErrorClass); err != nil {
			return nil, fmt.Errorf("scan attempt log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
