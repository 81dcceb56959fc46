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

// XenDriver reboots a VM-backed worker through the hypervisor pool's
// xe CLI rather than its own guest agent, so it still works when the
// guest is unresponsive.
type XenDriver struct {
	poolURL, username, password string
	cfg                         models.XenConfig
	exec                        ExecFunc
	breaker                     *gobreaker.CircuitBreaker
}

// NewXenDriver builds a driver for one VM against a shared hypervisor
// pool endpoint; poolURL/username/password are deployment-wide and
// cfg supplies only the VM uuid and extra reboot arguments.
func NewXenDriver(poolURL, username, password string, cfg models.XenConfig, exec ExecFunc) *XenDriver {
	if exec == nil {
		exec = DefaultExec
	}
	st := gobreaker.Settings{
		Name:     "xenapi:" + poolURL,
		Timeout:  30 * time.Second,
		Interval: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &XenDriver{poolURL: poolURL, username: username, password: password, cfg: cfg, exec: exec, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (d *XenDriver) Name() string { return "xenapi_reboot" }

func (d *XenDriver) Run(ctx context.Context, target Target) Result {
	if d.cfg.UUID == "" || d.poolURL == "" {
		return Result{Mechanism: d.Name(), Err: &Error{
			Kind: KindMissingConfig, Mechanism: d.Name(),
			Err: fmt.Errorf("no xenapi vm uuid configured for %s", target.WorkerID),
		}}
	}

	args := append([]string{
		"-s", d.poolURL,
		"-u", d.username,
		"-pw", d.password,
		"vm-reboot",
		"uuid=" + d.cfg.UUID,
		"force=true",
	}, d.cfg.RebootArgs...)

	out, err := d.breaker.Execute(func() (interface{}, error) {
		return d.exec(ctx, "xe", args...)
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
