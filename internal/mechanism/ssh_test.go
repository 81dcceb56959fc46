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

	"rebooter/pkg/models"
)

func TestSSHDriverMissingConfig(t *testing.T) {
	d := NewSSHDriver(models.SSHConfig{}, nil)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1"})
	if res.Err == nil {
		t.Fatal("expected missing-config error")
	}
	var merr *Error
	if !errors.As(res.Err, &merr) || merr.Kind != KindMissingConfig {
		t.Fatalf("expected KindMissingConfig, got %v", res.Err)
	}
}

func TestSSHDriverBuildsExpectedArgs(t *testing.T) {
	var gotArgs []string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "ssh" {
			t.Fatalf("unexpected binary: %s", name)
		}
		gotArgs = args
		return []byte("ok"), nil
	}
	d := NewSSHDriver(models.SSHConfig{User: "cltbld", KeyFile: "/etc/rebooter/id_rsa"}, exec)

	res := d.Run(context.Background(), Target{WorkerID: "t-w1", FQDN: "t-w1.test.releng.mdc1.mozilla.com"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{
		"-o PasswordAuthentication=no",
		"-o StrictHostKeyChecking=no",
		"-o UserKnownHostsFile=/dev/null",
		"-i /etc/rebooter/id_rsa",
		"-l cltbld",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in args, got: %s", want, joined)
		}
	}
	if !strings.Contains(joined, "t-w1.test.releng.mdc1.mozilla.com reboot") {
		t.Fatalf("expected fqdn target followed by first reboot command, got: %s", joined)
	}
	if strings.Contains(joined, "cltbld@") {
		t.Fatalf("expected -l addressing, not user@host, got: %s", joined)
	}
}

func TestSSHDriverTriesNextRebootCommandOnFailure(t *testing.T) {
	var tried []string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		cmd := args[len(args)-1]
		tried = append(tried, cmd)
		if cmd == "reboot" {
			return []byte("permission denied"), errors.New("exit status 1")
		}
		return []byte("ok"), nil
	}
	d := NewSSHDriver(models.SSHConfig{User: "cltbld", KeyFile: "/etc/rebooter/id_rsa"}, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1", FQDN: "t-w1"})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(tried) != 2 || tried[0] != "reboot" || tried[1] != "shutdown -f -t 3 -r" {
		t.Fatalf("expected both reboot commands tried in order, got: %v", tried)
	}
}

func TestSSHDriverFallsBackToIPWhenNoFQDN(t *testing.T) {
	var gotArgs []string
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, nil
	}
	d := NewSSHDriver(models.SSHConfig{User: "cltbld", KeyFile: "/etc/rebooter/id_rsa"}, exec)
	d.Run(context.Background(), Target{WorkerID: "t-w1", IP: "10.0.0.9"})
	if !strings.Contains(strings.Join(gotArgs, " "), "-l cltbld 10.0.0.9 reboot") {
		t.Fatalf("expected ip fallback in args, got: %v", gotArgs)
	}
}

func TestSSHDriverAllCommandsFailingIsTerminal(t *testing.T) {
	calls := 0
	exec := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("connection refused"), errors.New("exit status 255")
	}
	d := NewSSHDriver(models.SSHConfig{User: "cltbld", KeyFile: "/k"}, exec)
	res := d.Run(context.Background(), Target{WorkerID: "t-w1", FQDN: "t-w1"})
	if res.Err == nil {
		t.Fatal("expected propagated error")
	}
	if calls != len(sshRebootCommands) {
		t.Fatalf("expected every reboot command tried, got %d calls", calls)
	}
}
