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

	"rebooter/pkg/models"
)

// Queue is an in-process FIFO broker shared by the HTTP Front (which
// enqueues) and the worker pool (which dequeues). REDIS_URL is
// accepted by configuration for parity with the reference deployment
// but only a single process's in-memory queue backs this controller;
// nothing here talks to Redis.
type Queue struct {
	ch chan models.Job
}

// NewQueue builds a Queue buffered to depth.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	return &Queue{ch: make(chan models.Job, depth)}
}

// Enqueue submits a job for a worker to pick up, returning false if
// the queue is full.
func (q *Queue) Enqueue(job models.Job) bool {
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

// Dequeue implements Dequeuer: it blocks until a job is available or
// ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (models.Job, error) {
	select {
	case job := <-q.ch:
		return job, nil
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	}
}
