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
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"rebooter/pkg/models"
)

// IPMIAction selects which ipmitool chassis power subcommand to run.
type IPMIAction string

const (
	IPMIActionReset IPMIAction = "reset" // ipmi_reset: single immediate chassis power reset
	IPMIActionCycle IPMIAction = "cycle" // ipmi_cycle: the full soft/off-poll-delay-on procedure
)

// Defaults for the ipmi_cycle state machine, matching the reference
// deployment's ipmi_reboot command defaults.
const (
	ipmiPowerStatusWait         = 120 * time.Second
	ipmiPowerStatusWaitInterval = 15 * time.Second
	ipmiPowerOnDelay            = 5 * time.Second
)

// IPMIDriver drives a BMC over lanplus via ipmitool. Each driver owns
// its own breaker, so failures are counted only across the ipmitool
// calls made through that one instance; Build returns a new driver,
// and so a new breaker, on every call.
type IPMIDriver struct {
	action  IPMIAction
	cfg     models.IPMIConfig
	addr    string
	extra   []string // TypeRemap.ExtraIPMIArgs
	exec    ExecFunc
	breaker *gobreaker.CircuitBreaker

	// powerStatusWait/powerStatusWaitInterval/powerOnDelay drive the
	// ipmi_cycle poll loop; defaulted in NewIPMIDriver, overridable by
	// tests to keep the state machine fast to exercise.
	powerStatusWait         time.Duration
	powerStatusWaitInterval time.Duration
	powerOnDelay            time.Duration
}

// NewIPMIDriver builds a driver for one action against one server,
// wrapped in a circuit breaker named after the BMC address that opens
// after three consecutive ipmitool failures through this driver.
func NewIPMIDriver(action IPMIAction, addr string, cfg models.IPMIConfig, extraArgs []string, exec ExecFunc) *IPMIDriver {
	if exec == nil {
		exec = DefaultExec
	}
	st := gobreaker.Settings{
		Name:        "ipmi:" + addr,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &IPMIDriver{
		action: action, cfg: cfg, addr: addr, extra: extraArgs, exec: exec,
		breaker:                 gobreaker.NewCircuitBreaker(st),
		powerStatusWait:         ipmiPowerStatusWait,
		powerStatusWaitInterval: ipmiPowerStatusWaitInterval,
		powerOnDelay:            ipmiPowerOnDelay,
	}
}

func (d *IPMIDriver) Name() string {
	if d.action == IPMIActionCycle {
		return "ipmi_cycle"
	}
	return "ipmi_reset"
}

// baseArgs builds a fresh connection-option argument slice; callers
// append their own subcommand so no two calls ever share a backing
// array.
func (d *IPMIDriver) baseArgs() []string {
	port := d.cfg.Port
	if port == 0 {
		port = 623
	}
	privLvl := d.cfg.PrivLvl
	if privLvl == "" {
		privLvl = "OPERATOR"
	}
	args := []string{
		"-I", "lanplus",
		"-H", d.addr,
		"-p", strconv.Itoa(port),
		"-U", d.cfg.User,
		"-P", d.cfg.Password,
		"-L", privLvl,
	}
	return append(args, d.extra...)
}

// runSubcommand runs one ipmitool subcommand through the breaker,
// returning its output and the exact argument list used.
func (d *IPMIDriver) runSubcommand(ctx context.Context, subcommand ...string) ([]byte, []string, error) {
	args := append(d.baseArgs(), subcommand...)
	out, err := d.breaker.Execute(func() (interface{}, error) {
		return d.exec(ctx, "ipmitool", args...)
	})
	b, _ := out.([]byte)
	return b, args, err
}

func (d *IPMIDriver) errorResult(args []string, transcript string, err error) Result {
	kind := classify(err)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		kind = KindOther
	}
	return Result{
		Mechanism: d.Name(), Args: args, Output: transcript,
		Err: &Error{Kind: kind, Mechanism: d.Name(), Err: err},
	}
}

func (d *IPMIDriver) Run(ctx context.Context, target Target) Result {
	if d.cfg.User == "" || d.cfg.Password == "" || d.addr == "" {
		return Result{Mechanism: d.Name(), Err: &Error{
			Kind: KindMissingConfig, Mechanism: d.Name(),
			Err: fmt.Errorf("no ipmi credentials configured for %s", target.WorkerID),
		}}
	}

	if d.action == IPMIActionReset {
		out, args, err := d.runSubcommand(ctx, "chassis", "power", "reset")
		if err != nil {
			return d.errorResult(args, string(out), err)
		}
		return Result{Mechanism: d.Name(), Args: args, Output: string(out)}
	}

	return d.runCycle(ctx)
}

// runCycle implements the ipmi_reboot procedure: probe the BMC, try a
// soft power-down, fall back to a hard power-off on failure, poll
// power status until it reports off (or the wait budget elapses),
// sleep the configured delay, then power back on.
func (d *IPMIDriver) runCycle(ctx context.Context) Result {
	var transcript strings.Builder
	appendOutput := func(out []byte) {
		if len(out) > 0 {
			if transcript.Len() > 0 {
				transcript.WriteByte('\n')
			}
			transcript.Write(out)
		}
	}

	probeOut, probeArgs, err := d.runSubcommand(ctx, "mc", "info")
	appendOutput(probeOut)
	if err != nil {
		return d.errorResult(probeArgs, transcript.String(), err)
	}

	softOut, softArgs, err := d.runSubcommand(ctx, "power", "soft")
	appendOutput(softOut)
	if err != nil {
		offOut, offArgs, offErr := d.runSubcommand(ctx, "power", "off")
		appendOutput(offOut)
		if offErr != nil {
			return d.errorResult(offArgs, transcript.String(), offErr)
		}
	}

	lastArgs := softArgs
	deadline := time.Now().Add(d.powerStatusWait)
	for {
		statusOut, statusArgs, statusErr := d.runSubcommand(ctx, "power", "status")
		appendOutput(statusOut)
		lastArgs = statusArgs
		if statusErr == nil && strings.Contains(strings.ToLower(string(statusOut)), "off") {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-time.After(d.powerStatusWaitInterval):
		case <-ctx.Done():
			return d.errorResult(lastArgs, transcript.String(), ctx.Err())
		}
	}

	select {
	case <-time.After(d.powerOnDelay):
	case <-ctx.Done():
		return d.errorResult(lastArgs, transcript.String(), ctx.Err())
	}

	onOut, onArgs, err := d.runSubcommand(ctx, "power", "on")
	appendOutput(onOut)
	if err != nil {
		return d.errorResult(onArgs, transcript.String(), err)
	}
	return Result{Mechanism: d.Name(), Args: onArgs, Output: transcript.String()}
}
