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
	"log/slog"
	"math/rand"
	"time"

	"rebooter/internal/ctxkeys"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
	defaultJitterFrac  = 0.25
)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterFrac  float64
	opLabel     string
}

func newDefaultRetryConfig(opLabel string) retryConfig {
	return retryConfig{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		jitterFrac:  defaultJitterFrac,
		opLabel:     opLabel,
	}
}

// doWithRetry runs fn with exponential backoff and jitter on error,
// generalized from the BMC service's *http.Response retry helper to a
// bare func(context.Context) error for the resolver's DNS lookups.
func doWithRetry(ctx context.Context, cfg retryConfig, fn func(context.Context) error) error {
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt < cfg.maxAttempts {
			exp := attempt - 1
			if exp > 10 {
				exp = 10
			}
			backoff := cfg.baseDelay * (1 << exp)
			if backoff > cfg.maxDelay {
				backoff = cfg.maxDelay
			}
			jitter := time.Duration(rand.Float64() * cfg.jitterFrac * float64(backoff) * 2)
			sleep := backoff - time.Duration(cfg.jitterFrac*float64(backoff)) + jitter

			cid := ctxkeys.GetCorrelationID(ctx)
			slog.Debug("orchestrator retry", "op", cfg.opLabel, "attempt", attempt, "sleep", sleep, "err", lastErr, "correlation_id", cid)

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}
