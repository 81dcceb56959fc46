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

// Package httpfront implements the single public HTTP surface: job
// submission (authenticated, authorized, enqueued) and job-status
// lookup. It never waits on job completion.
package httpfront

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"rebooter/internal/authverifier"
	"rebooter/internal/ctxkeys"
	"rebooter/internal/store"
	"rebooter/pkg/models"
)

// Enqueuer accepts a job for asynchronous processing. Returns false if
// the queue is full.
type Enqueuer interface {
	Enqueue(job models.Job) bool
}

// JobStore is the subset of the job-result store the front needs for
// persistence-on-submit and status lookups.
type JobStore interface {
	InsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, taskID string) (models.Job, error)
}

// Verifier authenticates an inbound request against the external HAWK verifier.
type Verifier interface {
	Verify(ctx context.Context, req authverifier.Request) (authverifier.Result, error)
}

// Config carries the HTTP-Front-relevant slice of process configuration.
type Config struct {
	CORSOrigin         string
	ValidWorkerIDRegex string
	TaskNames          []string
	RequiredScopeSets  map[string][][]string
}

// Front is the HTTP handler set for job submission and status lookup.
type Front struct {
	cfg      Config
	verifier Verifier
	queue    Enqueuer
	store    JobStore

	workerIDRegex *regexp.Regexp
	taskNames     map[string]bool
}

// New builds a Front. cfg.ValidWorkerIDRegex must be a valid regexp;
// New panics if it is not, since it is process configuration checked
// once at startup.
func New(cfg Config, verifier Verifier, queue Enqueuer, st JobStore) *Front {
	re := regexp.MustCompile(cfg.ValidWorkerIDRegex)
	names := make(map[string]bool, len(cfg.TaskNames))
	for _, n := range cfg.TaskNames {
		names[n] = true
	}
	return &Front{cfg: cfg, verifier: verifier, queue: queue, store: st, workerIDRegex: re, taskNames: names}
}

// Register attaches the front's handlers to mux.
func (f *Front) Register(mux *http.ServeMux) {
	mux.HandleFunc("/workers/", f.handleWorkerJobs)
	mux.HandleFunc("/jobs/", f.handleJobStatus)
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *Front) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", f.cfg.CORSOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "OPTIONS,POST")
}

// handleWorkerJobs serves POST and OPTIONS /workers/{worker_id}/jobs.
func (f *Front) handleWorkerJobs(w http.ResponseWriter, r *http.Request) {
	workerID, ok := parseWorkerPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodOptions {
		f.setCORSHeaders(w)
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		f.setCORSHeaders(w)
		w.Header().Set("Allow", "OPTIONS, POST")
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}

	f.setCORSHeaders(w)
	f.handleCreateJob(w, r, workerID)
}

func (f *Front) handleCreateJob(w http.ResponseWriter, r *http.Request, workerID string) {
	ctx, correlationID := ctxkeys.EnsureCorrelationID(r.Context())
	r = r.WithContext(ctx)

	taskName := r.URL.Query().Get("task_name")

	if !f.workerIDRegex.MatchString(workerID) {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_worker_id", Message: "worker id does not match the configured pattern"})
		return
	}
	if !f.taskNames[taskName] {
		writeJSON(w, http.StatusBadRequest, jsonError{Error: "invalid_task_name", Message: "task_name is not in the configured action list"})
		return
	}

	verifyReq := authverifier.BuildRequest(r)
	result, err := f.verifier.Verify(ctx, verifyReq)
	if err != nil {
		slog.Error("auth verifier call failed", "correlation_id", correlationID, "error", err)
		writeJSON(w, http.StatusForbidden, jsonError{Error: "auth_unavailable", Message: "authentication could not be completed"})
		return
	}
	if !result.Authenticated {
		message := result.Message
		if message == "" {
			message = "authentication failed"
		}
		writeJSON(w, http.StatusForbidden, jsonError{Error: "auth_failed", Message: message})
		return
	}

	caller := models.Caller{ClientID: result.ClientID, Scopes: result.Scopes}
	requiredSets := f.cfg.RequiredScopeSets[taskName]
	if len(requiredSets) == 0 {
		requiredSets = [][]string{{"project:relops-hardware-controller:" + taskName}}
	}
	if !caller.SatisfiesAny(requiredSets) {
		writeJSON(w, http.StatusForbidden, jsonError{Error: "forbidden", Message: "caller lacks a required scope set for this action"})
		return
	}

	job := models.Job{
		TaskID:    uuid.New().String(),
		TaskName:  taskName,
		ClientID:  caller.ClientID,
		WorkerID:  workerID,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := f.store.InsertJob(ctx, job); err != nil {
		slog.Error("failed to persist submitted job", "correlation_id", correlationID, "task_id", job.TaskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "failed to record job"})
		return
	}

	if !f.queue.Enqueue(job) {
		slog.Error("job queue is full", "correlation_id", correlationID, "task_id", job.TaskID)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "job queue is full"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"task_id":   job.TaskID,
		"task_name": job.TaskName,
		"worker_id": job.WorkerID,
	})
}

// handleJobStatus serves GET /jobs/{uuid}.
func (f *Front) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.NotFound(w, r)
		return
	}

	job, err := f.store.GetJob(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, jsonError{Error: "not_found", Message: "no job with that id"})
			return
		}
		slog.Error("failed to load job", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":   job.TaskID,
		"status":    job.Status,
		"date_done": job.DateDone,
		"result":    job.Result,
	})
}

// parseWorkerPath extracts worker_id from "/workers/{worker_id}/jobs".
func parseWorkerPath(path string) (workerID string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/workers/")
	if trimmed == path {
		return "", false
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) != 2 || segments[1] != "jobs" || segments[0] == "" {
		return "", false
	}
	return segments[0], true
}
