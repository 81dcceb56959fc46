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
)

func TestSNMPDriverMissingConfig(t *testing.T) {
	d := NewSNMPDriver("", "", 0, nil)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	var merr *Error
	if !errors.As(res.Err, &merr) || merr.Kind != KindMissingConfig {
		t.Fatalf("expected KindMissingConfig, got %v", res.Err)
	}
}

// TestSNMPDriverTogglesOutletOffThenOn reproduces the port A1, delay=2,
// pdu1/private worked example exactly: off then on against
// 1.3.6.1.4.1.1718.3.2.3.1.11.1.1.1.
func TestSNMPDriverTogglesOutletOffThenOn(t *testing.T) {
	var calls [][]string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, args)
		return []byte("ok"), nil
	}
	d := NewSNMPDriver("pdu1:A1", "private", 2*time.Millisecond, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected off then on, got %d calls", len(calls))
	}

	wantOff := []string{"-v", "2c", "-c", "private", "pdu1", "1.3.6.1.4.1.1718.3.2.3.1.11.1.1.1", "i", "2"}
	wantOn := []string{"-v", "2c", "-c", "private", "pdu1", "1.3.6.1.4.1.1718.3.2.3.1.11.1.1.1", "i", "1"}
	if strings.Join(calls[0], " ") != strings.Join(wantOff, " ") {
		t.Fatalf("expected off call %v, got %v", wantOff, calls[0])
	}
	if strings.Join(calls[1], " ") != strings.Join(wantOn, " ") {
		t.Fatalf("expected on call %v, got %v", wantOn, calls[1])
	}
}

func TestSNMPDriverSingleRebootWhenNoDelay(t *testing.T) {
	var calls [][]string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, args)
		return []byte("ok"), nil
	}
	d := NewSNMPDriver("pdu1:A1", "private", 0, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected a single reboot call, got %d calls", len(calls))
	}
	want := []string{"-v", "2c", "-c", "private", "pdu1", "1.3.6.1.4.1.1718.3.2.3.1.11.1.1.1", "i", "3"}
	if strings.Join(calls[0], " ") != strings.Join(want, " ") {
		t.Fatalf("expected reboot call %v, got %v", want, calls[0])
	}
}

func TestSNMPDriverAbortsOnOffFailure(t *testing.T) {
	calls := 0
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return nil, errors.New("timeout")
	}
	d := NewSNMPDriver("pdu1:A1", "public", time.Second, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected to abort after the failing off-set, calls=%d", calls)
	}
}

func TestParsePortSpecLetterMapping(t *testing.T) {
	cases := []struct {
		port                          string
		tower, infeed, outlet, expErr string
	}{
		{port: "A1", tower: "1", infeed: "1", outlet: "1"},
		{port: "b12", tower: "2", infeed: "1", outlet: "2"},
		{port: "c3", tower: "3", infeed: "3", outlet: "3"},
		{port: "x", expErr: "too short"},
	}
	for _, c := range cases {
		tower, infeed, outlet, err := parsePortSpec(c.port)
		if c.expErr != "" {
			if err == nil || !strings.Contains(err.Error(), c.expErr) {
				t.Fatalf("port %q: expected error containing %q, got %v", c.port, c.expErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("port %q: unexpected error: %v", c.port, err)
		}
		if tower != c.tower || infeed != c.infeed || outlet != c.outlet {
			t.Fatalf("port %q: got (%s,%s,%s), want (%s,%s,%s)", c.port, tower, infeed, outlet, c.tower, c.infeed, c.outlet)
		}
	}
}
