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

// Package jobs implements the worker pool that dequeues job
// descriptors, dispatches them to the recovery orchestrator or the
// ping/ticket-only handlers, sends initiation/completion
// notifications, and persists the terminal result.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rebooter/internal/ctxkeys"
	"rebooter/internal/mechanism"
	"rebooter/internal/metrics"
	"rebooter/internal/notify"
	"rebooter/internal/secretset"
	"rebooter/internal/store"
	"rebooter/pkg/models"
)

// Orchestrator runs a reboot recovery to completion.
type Orchestrator interface {
	Reboot(ctx context.Context, workerID string, job models.Job) (string, []models.AttemptLogEntry, error)
}

// TicketFiler is invoked directly for the file_bugzilla_bug task,
// bypassing the mechanism list entirely.
type TicketFiler interface {
	FileOrUpdate(ctx context.Context, job models.Job, attemptLogSoFar string) (string, error)
}

// Pinger probes liveness directly for the ping task.
type Pinger interface {
	IsUp(ctx context.Context, host string) bool
}

// Resolver annotates a job descriptor with FQDN/IP before dispatch.
type Resolver interface {
	Resolve(ctx context.Context, workerID string) (fqdn, ip string)
}

// Dequeuer hands the worker pool one pending job at a time; it blocks
// (respecting ctx) until a job is available or the context ends.
type Dequeuer interface {
	Dequeue(ctx context.Context) (models.Job, error)
}

// ErrNoJob is returned by a Dequeuer when no job is currently queued
// and the caller should poll again after PollInterval.
var ErrNoJob = errors.New("no job queued")

// Config controls worker-pool behavior.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	Redact       *secretset.Set
}

// Worker is one slot in the pool: it dequeues, dispatches, notifies,
// and persists exactly one job at a time, to completion, before
// dequeuing the next.
type Worker struct {
	id           string
	dequeue      Dequeuer
	orchestrator Orchestrator
	ticket       TicketFiler
	pinger       Pinger
	notifier     *notify.Notifier
	store        *store.Store
	cfg          Config
}

// NewWorker builds one worker-pool slot.
func NewWorker(id string, dequeue Dequeuer, orch Orchestrator, ticket TicketFiler, pinger Pinger, notifier *notify.Notifier, st *store.Store, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{id: id, dequeue: dequeue, orchestrator: orch, ticket: ticket, pinger: pinger, notifier: notifier, store: st, cfg: cfg}
}

// Run polls for jobs until ctx is canceled, processing each to
// completion before dequeuing the next; no job is processed
// concurrently with another on the same Worker.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("worker starting", "worker", w.id)
	defer slog.Info("worker stopped", "worker", w.id)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := w.dequeue.Dequeue(ctx)
		if err == nil {
			w.processJob(ctx, job)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, ErrNoJob) {
			slog.Warn("dequeue error", "worker", w.id, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job models.Job) {
	ctx, _ = ctxkeys.EnsureCorrelationID(ctx)
	log := slog.With("worker", w.id, "task_id", job.TaskID, "task_name", job.TaskName, "worker_id", job.WorkerID)
	start := time.Now()

	if w.store != nil {
		if err := w.store.MarkStarted(ctx, job.TaskID); err != nil {
			log.Error("mark started failed", "error", err)
		}
	}

	if job.TaskName == models.TaskReboot {
		w.notifyInitiation(ctx, job)
	}

	result, attemptLog, status := w.dispatch(ctx, job)
	job.Result = w.cfg.Redact.Redact(result)
	job.AttemptLog = attemptLog
	job.Status = status

	w.notifyCompletion(ctx, job)

	if w.store != nil {
		if err := w.store.Complete(ctx, job.TaskID, status, job.Result, attemptLog); err != nil {
			log.Error("persist completion failed", "error", err)
		}
	}

	metrics.ObserveJobCompletion(job.TaskName, string(status))
	log.Info("job finished", "status", status, "duration", time.Since(start))
}

// dispatch routes the job to its mechanism family and classifies the
// terminal condition into one of a fixed set of message forms: a
// timeout, a non-zero-exit's captured output, a missing-configuration
// key error, any other exception stringified, or success's buffered
// output.
func (w *Worker) dispatch(ctx context.Context, job models.Job) (string, []models.AttemptLogEntry, models.JobStatus) {
	switch {
	case strings.HasPrefix(job.TaskName, "ipmi_"):
		return w.dispatchOrchestrated(ctx, job)
	case job.TaskName == models.TaskPing:
		return w.dispatchPing(ctx, job)
	case job.TaskName == models.TaskFileBugzillaBug:
		return w.dispatchTicketOnly(ctx, job)
	case job.TaskName == models.TaskReboot, job.TaskName == models.TaskIPMIReset, job.TaskName == models.TaskIPMICycle:
		return w.dispatchOrchestrated(ctx, job)
	default:
		return fmt.Sprintf("unsupported task %q", job.TaskName), nil, models.JobStatusFailure
	}
}

func (w *Worker) dispatchOrchestrated(ctx context.Context, job models.Job) (string, []models.AttemptLogEntry, models.JobStatus) {
	result, attemptLog, err := w.orchestrator.Reboot(ctx, job.WorkerID, job)
	if err != nil {
		return classifyError(err), attemptLog, models.JobStatusFailure
	}
	return result, attemptLog, models.JobStatusSuccess
}

func (w *Worker) dispatchPing(ctx context.Context, job models.Job) (string, []models.AttemptLogEntry, models.JobStatus) {
	host := job.FQDN
	if host == "" {
		host = job.WorkerID
	}
	if w.pinger.IsUp(ctx, host) {
		return "up", nil, models.JobStatusSuccess
	}
	return "down", nil, models.JobStatusFailure
}

func (w *Worker) dispatchTicketOnly(ctx context.Context, job models.Job) (string, []models.AttemptLogEntry, models.JobStatus) {
	bugID, err := w.ticket.FileOrUpdate(ctx, job, "")
	if err != nil {
		return classifyError(err), nil, models.JobStatusFailure
	}
	return "failed. bug " + bugID, nil, models.JobStatusSuccess
}

// classifyError renders the terminal message form for a dispatch
// failure: timeout, captured non-zero-exit output, a missing
// configuration key, or the stringified error as a last resort.
func classifyError(err error) string {
	var merr *mechanism.Error
	if errors.As(err, &merr) {
		switch merr.Kind {
		case mechanism.KindTimeout:
			return "timed out"
		case mechanism.KindNonZeroExit:
			return merr.Error()
		case mechanism.KindMissingConfig:
			return fmt.Sprintf("Key error: %v", merr.Err)
		}
	}
	return err.Error()
}

func (w *Worker) notifyInitiation(ctx context.Context, job models.Job) {
	if w.notifier == nil {
		return
	}
	subject := fmt.Sprintf("%s[%s] %s", job.WorkerID, job.IP, job.TaskName)
	notice := notify.Notice{
		Subject:  subject,
		Message:  fmt.Sprintf("initiated by %s", job.ClientID),
		ClientID: job.ClientID,
		Email:    false,
	}
	if err := w.notifier.Send(ctx, notice); err != nil {
		slog.Warn("initiation notification failed", "task_id", job.TaskID, "error", err)
	}
}

func (w *Worker) notifyCompletion(ctx context.Context, job models.Job) {
	if w.notifier == nil {
		return
	}
	subject := fmt.Sprintf("%s[%s] %s", job.WorkerID, job.IP, job.TaskName)
	notice := notify.Notice{
		Subject:  subject,
		Message:  job.Result,
		ClientID: job.ClientID,
		Email:    true,
	}
	if err := w.notifier.Send(ctx, notice); err != nil {
		slog.Warn("completion notification failed", "task_id", job.TaskID, "error", err)
	}
}
