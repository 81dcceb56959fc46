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
	"errors"
	"strings"
	"testing"
	"time"

	"rebooter/pkg/models"
)

// newFastCycleDriver builds an ipmi_cycle driver with the poll/delay
// windows shrunk so tests don't wait on the production defaults.
func newFastCycleDriver(cfg models.IPMIConfig, exec ExecFunc) *IPMIDriver {
	d := NewIPMIDriver(IPMIActionCycle, "10.0.0.1", cfg, nil, exec)
	d.powerStatusWait = 20 * time.Millisecond
	d.powerStatusWaitInterval = 5 * time.Millisecond
	d.powerOnDelay = time.Millisecond
	return d
}

func TestIPMIDriverNames(t *testing.T) {
	reset := NewIPMIDriver(IPMIActionReset, "10.0.0.1", models.IPMIConfig{User: "a", Password: "b"}, nil, nil)
	cycle := NewIPMIDriver(IPMIActionCycle, "10.0.0.1", models.IPMIConfig{User: "a", Password: "b"}, nil, nil)
	if reset.Name() != "ipmi_reset" || cycle.Name() != "ipmi_cycle" {
		t.Fatalf("unexpected names: %s %s", reset.Name(), cycle.Name())
	}
}

func TestIPMIDriverMissingConfig(t *testing.T) {
	d := NewIPMIDriver(IPMIActionReset, "", models.IPMIConfig{}, nil, nil)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	var merr *Error
	if !errors.As(res.Err, &merr) || merr.Kind != KindMissingConfig {
		t.Fatalf("expected KindMissingConfig, got %v", res.Err)
	}
}

func TestIPMIDriverBuildsArgsWithExtras(t *testing.T) {
	var gotArgs []string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte("Chassis Power Control: Reset"), nil
	}
	d := NewIPMIDriver(IPMIActionReset, "10.0.0.1",
		models.IPMIConfig{User: "ADMIN", Password: "secret", PrivLvl: "OPERATOR"},
		[]string{"-b", "0", "-t", "0x20"}, exec)

	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-b 0 -t 0x20") {
		t.Fatalf("expected extra args appended, got: %s", joined)
	}
	if !strings.Contains(joined, "chassis power reset") {
		t.Fatalf("expected reset subcommand, got: %s", joined)
	}
}

func TestIPMIDriverOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return nil, errors.New("exit status 1")
	}
	d := NewIPMIDriver(IPMIActionReset, "10.0.0.1", models.IPMIConfig{User: "a", Password: "b"}, nil, exec)

	for i := 0; i < 3; i++ {
		res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
		if res.Err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 underlying exec calls before trip, got %d", calls)
	}

	// Breaker should now be open; a further call must not reach exec.
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err == nil {
		t.Fatal("expected breaker-open error")
	}
	if calls != 3 {
		t.Fatalf("expected breaker to short-circuit exec, calls=%d", calls)
	}
}

func TestIPMIDriverCycleAbortsWhenProbeFails(t *testing.T) {
	var subcommands []string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		subcommands = append(subcommands, strings.Join(args[len(args)-2:], " "))
		return nil, errors.New("exit status 1")
	}
	d := newFastCycleDriver(models.IPMIConfig{User: "a", Password: "b"}, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err == nil {
		t.Fatal("expected error when the mc info probe fails")
	}
	if len(subcommands) != 1 || subcommands[0] != "mc info" {
		t.Fatalf("expected to stop after the probe, got: %v", subcommands)
	}
}

func TestIPMIDriverCycleFallsBackToHardOffOnSoftFailure(t *testing.T) {
	var subcommands []string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		sub := strings.Join(args[len(args)-2:], " ")
		subcommands = append(subcommands, sub)
		switch sub {
		case "mc info":
			return []byte("Device ID : 32"), nil
		case "power soft":
			return nil, errors.New("exit status 1")
		case "power off":
			return []byte("Chassis Power Control: Down/Off"), nil
		case "power status":
			return []byte("Chassis Power is off"), nil
		case "power on":
			return []byte("Chassis Power Control: Up/On"), nil
		default:
			return nil, errors.New("unexpected subcommand")
		}
	}
	d := newFastCycleDriver(models.IPMIConfig{User: "a", Password: "b"}, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want := []string{"mc info", "power soft", "power off", "power status", "power on"}
	if strings.Join(subcommands, ",") != strings.Join(want, ",") {
		t.Fatalf("expected subcommand sequence %v, got %v", want, subcommands)
	}
}

func TestIPMIDriverCyclePollsUntilOffThenPowersOn(t *testing.T) {
	var subcommands []string
	statusCalls := 0
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		sub := strings.Join(args[len(args)-2:], " ")
		subcommands = append(subcommands, sub)
		switch sub {
		case "mc info":
			return []byte("Device ID : 32"), nil
		case "power soft":
			return []byte("Chassis Power Control: Soft"), nil
		case "power status":
			statusCalls++
			if statusCalls < 2 {
				return []byte("Chassis Power is on"), nil
			}
			return []byte("Chassis Power is off"), nil
		case "power on":
			return []byte("Chassis Power Control: Up/On"), nil
		default:
			return nil, errors.New("unexpected subcommand")
		}
	}
	d := newFastCycleDriver(models.IPMIConfig{User: "a", Password: "b"}, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if statusCalls < 2 {
		t.Fatalf("expected polling to retry power status, got %d calls", statusCalls)
	}
	if subcommands[len(subcommands)-1] != "power on" {
		t.Fatalf("expected the procedure to end with power on, got: %v", subcommands)
	}
}
