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

	"rebooter/pkg/models"
)

// SSHDriver issues a reboot command over SSH while the host still
// answers; it is the first, least-disruptive mechanism tried.
type SSHDriver struct {
	Config SSHDriverConfig
	Exec   ExecFunc
}

// sshRebootCommands are tried in order against the remote host; the
// first to exit zero wins. "shutdown" covers hosts whose reboot
// account only has a Windows-style ForceCommand.
var sshRebootCommands = []string{"reboot", "shutdown -f -t 3 -r"}

// SSHDriverConfig carries the per-server SSH credentials this driver
// needs; the orchestrator builds one from a models.ServerConfig.
type SSHDriverConfig struct {
	models.SSHConfig
	Commands []string // defaults to sshRebootCommands
}

// NewSSHDriver builds a driver bound to one server's SSH config.
func NewSSHDriver(cfg models.SSHConfig, exec ExecFunc) *SSHDriver {
	if exec == nil {
		exec = DefaultExec
	}
	return &SSHDriver{Config: SSHDriverConfig{SSHConfig: cfg}, Exec: exec}
}

func (d *SSHDriver) Name() string { return "ssh_reboot" }

func (d *SSHDriver) Run(ctx context.Context, target Target) Result {
	if d.Config.User == "" || d.Config.KeyFile == "" {
		return Result{Mechanism: d.Name(), Err: &Error{
			Kind: KindMissingConfig, Mechanism: d.Name(),
			Err: fmt.Errorf("no ssh credentials configured for %s", target.WorkerID),
		}}
	}

	remote := target.FQDN
	if remote == "" {
		remote = target.IP
	}

	commands := d.Config.Commands
	if len(commands) == 0 {
		commands = sshRebootCommands
	}

	baseArgs := []string{
		"-o", "PasswordAuthentication=no",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-i", d.Config.KeyFile,
		"-l", d.Config.User,
	}

	var lastArgs []string
	var lastOut []byte
	var lastErr error
	for _, cmd := range commands {
		args := append(append([]string{}, baseArgs...), remote, cmd)
		out, err := d.Exec(ctx, "ssh", args...)
		lastArgs, lastOut, lastErr = args, out, err
		if err == nil {
			return Result{Mechanism: d.Name(), Args: args, Output: string(out)}
		}
	}

	return Result{
		Mechanism: d.Name(), Args: lastArgs, Output: string(lastOut),
		Err: &Error{Kind: classify(lastErr), Mechanism: d.Name(), Err: lastErr},
	}
}
