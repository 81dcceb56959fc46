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

package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoWithRetrySucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	fn := func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}
	err := doWithRetry(context.Background(), retryConfig{maxAttempts: 5, baseDelay: 5 * time.Millisecond, maxDelay: 10 * time.Millisecond, jitterFrac: 0.1, opLabel: "test"}, fn)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	fn := func(context.Context) error {
		attempts++
		return errors.New("permanent")
	}
	err := doWithRetry(context.Background(), retryConfig{maxAttempts: 3, baseDelay: 1 * time.Millisecond, maxDelay: 2 * time.Millisecond, jitterFrac: 0.1, opLabel: "test"}, fn)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	fn := func(context.Context) error {
		attempts++
		return errors.New("fail")
	}
	err := doWithRetry(ctx, retryConfig{maxAttempts: 5, baseDelay: 50 * time.Millisecond, maxDelay: 100 * time.Millisecond, jitterFrac: 0.1, opLabel: "test"}, fn)
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt before the cancellation check, got %d", attempts)
	}
}
