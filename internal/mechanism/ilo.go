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

package mechanism

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"rebooter/pkg/models"
)

// ILODriver resets a server's lights-out-management controller via
// ilorest, the last hardware-level mechanism tried before
// falling back to filing a ticket.
type ILODriver struct {
	username, password string
	cfg                models.ILOConfig
	exec               ExecFunc
	breaker            *gobreaker.CircuitBreaker
}

// NewILODriver builds a driver for one server's iLO; username/password
// are deployment-wide fallbacks, cfg carries the per-server host.
func NewILODriver(username, password string, cfg models.ILOConfig, exec ExecFunc) *ILODriver {
	if exec == nil {
		exec = DefaultExec
	}
	st := gobreaker.Settings{
		Name:     "ilo:" + cfg.Host,
		Timeout:  30 * time.Second,
		Interval: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &ILODriver{username: username, password: password, cfg: cfg, exec: exec, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (d *ILODriver) Name() string { return "ilo_reboot" }

func (d *ILODriver) Run(ctx context.Context, target Target) Result {
	if d.cfg.Host == "" {
		return Result{Mechanism: d.Name(), Err: &Error{
			Kind: KindMissingConfig, Mechanism: d.Name(),
			Err: fmt.Errorf("no ilo host configured for %s", target.WorkerID),
		}}
	}

	args := append([]string{
		"--url", d.cfg.Host,
		"--user", d.username,
		"--password", d.password,
		"reboot",
	}, d.cfg.Args...)

	out, err := d.breaker.Execute(func() (interface{}, error) {
		return d.exec(ctx, "ilorest", args...)
	})

	res := Result{Mechanism: d.Name(), Args: args}
	if err != nil {
		kind := classify(err)
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			kind = KindOther
		}
		res.Err = &Error{Kind: kind, Mechanism: d.Name(), Err: err}
		return res
	}
	if b, ok := out.([]byte); ok {
		res.Output = string(b)
	}
	return res
}
