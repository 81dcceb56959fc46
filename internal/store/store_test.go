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

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"rebooter/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetJobRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := models.Job{
		TaskID:      "11111111-1111-1111-1111-111111111111",
		TaskName:    "reboot",
		ClientID:    "mozilla-ldap/jdoe",
		WorkerID:    "t-w1",
		WorkerGroup: "releng-hardware",
		Status:      models.JobStatusPending,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.TaskID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.TaskID != job.TaskID || got.Status != models.JobStatusPending {
		t.Fatalf("unexpected job: %+v", got)
	}
	if len(got.AttemptLog) != 0 {
		t.Fatalf("expected no attempt log entries yet, got %v", got.AttemptLog)
	}
}

func TestCompletePersistsResultAndAttemptLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := models.Job{
		TaskID:    "22222222-2222-2222-2222-222222222222",
		TaskName:  "reboot",
		WorkerID:  "t-w2",
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if err := s.MarkStarted(ctx, job.TaskID); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	log := []models.AttemptLogEntry{
		{Time: time.Now().UTC(), Mechanism: "ssh_reboot", ArgsRedacted: "ssh -i secret user@host", ErrorClass: "non_zero_exit"},
		{Time: time.Now().UTC(), Mechanism: "ipmi_reset", ArgsRedacted: "ipmitool ... -P secret ...", ErrorClass: "timeout"},
	}
	if err := s.Complete(ctx, job.TaskID, models.JobStatusFailure, "failed. bug 42", log); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := s.GetJob(ctx, job.TaskID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != models.JobStatusFailure || got.Result != "failed. bug 42" {
		t.Fatalf("unexpected completed job: %+v", got)
	}
	if got.DateDone == nil {
		t.Fatal("expected DateDone to be set")
	}
	if len(got.AttemptLog) != 2 {
		t.Fatalf("expected 2 attempt log entries, got %d", len(got.AttemptLog))
	}
	if got.AttemptLog[0].Mechanism != "ssh_reboot" || got.AttemptLog[1].Mechanism != "ipmi_reset" {
		t.Fatalf("unexpected attempt log order: %+v", got.AttemptLog)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, `INSERT INTO jobs (task_id, task_name, client_id, worker_id, worker_group, status, created_at) VALUES ('x','reboot','c','w','g','PENDING', datetime('now'))`); execErr != nil {
			return execErr
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped sentinel error, got %v", err)
	}

	if _, getErr := s.GetJob(ctx, "x"); !errors.Is(getErr, ErrNotFound) {
		t.Fatalf("expected the inserted row to be rolled back, got %v", getErr)
	}
}
