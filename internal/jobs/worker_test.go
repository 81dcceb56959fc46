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

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rebooter/internal/notify"
	"rebooter/internal/secretset"
	"rebooter/pkg/models"
)

type fakeDequeuer struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (f *fakeDequeuer) Dequeue(ctx context.Context) (models.Job, error) {
	f.mu.Lock()
	if len(f.jobs) > 0 {
		job := f.jobs[0]
		f.jobs = f.jobs[1:]
		f.mu.Unlock()
		return job, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return models.Job{}, ctx.Err()
}

type fakeOrchestrator struct {
	result string
	log    []models.AttemptLogEntry
	err    error
}

func (f fakeOrchestrator) Reboot(context.Context, string, models.Job) (string, []models.AttemptLogEntry, error) {
	return f.result, f.log, f.err
}

type fakeTicketFiler struct {
	bugID string
	err   error
}

func (f fakeTicketFiler) FileOrUpdate(context.Context, models.Job, string) (string, error) {
	return f.bugID, f.err
}

type fakePinger struct{ up bool }

func (f fakePinger) IsUp(context.Context, string) bool { return f.up }

type fakeChatPoster struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakeChatPoster) PostMessage(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, text)
	return nil
}

func (f *fakeChatPoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func runOneJob(t *testing.T, job models.Job, orch Orchestrator, ticket TicketFiler, pinger Pinger) *fakeChatPoster {
	t.Helper()
	dq := &fakeDequeuer{jobs: []models.Job{job}}
	chat := &fakeChatPoster{}
	notifier := &notify.Notifier{Chat: chat, ChatChannel: "#relops"}

	w := NewWorker("w1", dq, orch, ticket, pinger, notifier, nil, Config{Redact: secretset.New()})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(150 * time.Millisecond)
	for {
		if chat.count() >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to process")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	return chat
}

func TestProcessJobRebootSuccessSendsInitiationAndCompletion(t *testing.T) {
	job := models.Job{TaskID: "t1", TaskName: models.TaskReboot, WorkerID: "t-w1", ClientID: "mozilla-ldap/jdoe"}
	orch := fakeOrchestrator{result: "ssh_reboot: ok. Completed in 1.000 seconds"}

	chat := runOneJob(t, job, orch, fakeTicketFiler{}, fakePinger{up: true})

	if chat.count() < 2 {
		t.Fatalf("expected initiation + completion chat posts, got %d: %+v", chat.count(), chat.posts)
	}
}

func TestProcessJobPingDispatchesDirectlyWithoutOrchestrator(t *testing.T) {
	job := models.Job{TaskID: "t2", TaskName: models.TaskPing, WorkerID: "t-w2"}
	chat := runOneJob(t, job, fakeOrchestrator{}, fakeTicketFiler{}, fakePinger{up: true})

	if chat.count() < 1 {
		t.Fatal("expected at least a completion chat post for a ping task")
	}
}

func TestProcessJobFileBugzillaBugDispatchesDirectly(t *testing.T) {
	job := models.Job{TaskID: "t3", TaskName: models.TaskFileBugzillaBug, WorkerID: "t-w3"}
	chat := runOneJob(t, job, fakeOrchestrator{}, fakeTicketFiler{bugID: "99"}, fakePinger{})

	if chat.count() < 1 {
		t.Fatal("expected a completion chat post for a ticket-only task")
	}
}

func TestClassifyErrorFallsBackToStringifiedError(t *testing.T) {
	err := errors.New("boom")
	if got := classifyError(err); got != "boom" {
		t.Fatalf("expected stringified error, got %q", got)
	}
}

func TestIPMIPrefixedTaskNameDispatchesOrchestrated(t *testing.T) {
	job := models.Job{TaskID: "t4", TaskName: "ipmi_cycle", WorkerID: "t-w4"}
	orch := fakeOrchestrator{result: "ipmi_cycle: ok. Completed in 2.000 seconds"}
	chat := runOneJob(t, job, orch, fakeTicketFiler{}, fakePinger{})

	if chat.count() < 1 {
		t.Fatal("expected a completion chat post for an ipmi_-prefixed task")
	}
}
