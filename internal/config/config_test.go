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

package config

import (
	"testing"
	"time"
)

func TestDefaultRebootMethodsOrder(t *testing.T) {
	cfg := Default()
	want := []string{"ssh_reboot", "ipmi_reset", "ipmi_cycle", "snmp_reboot", "xenapi_reboot", "ilo_reboot", "file_bugzilla_bug"}
	if len(cfg.RebootMethods) != len(want) {
		t.Fatalf("got %d methods, want %d", len(cfg.RebootMethods), len(want))
	}
	for i, m := range want {
		if cfg.RebootMethods[i] != m {
			t.Fatalf("index %d: got %s want %s", i, cfg.RebootMethods[i], m)
		}
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("REBOOT_METHODS", "ssh_reboot,file_bugzilla_bug")
	t.Setenv("DOWN_TIMEOUT", "30s")
	t.Setenv("UP_TIMEOUT", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.RebootMethods) != 2 || cfg.RebootMethods[1] != "file_bugzilla_bug" {
		t.Fatalf("unexpected reboot methods: %v", cfg.RebootMethods)
	}
	if cfg.DownTimeout != 30*time.Second {
		t.Fatalf("unexpected down timeout: %v", cfg.DownTimeout)
	}
	if cfg.UpTimeout != 120*time.Second {
		t.Fatalf("expected bare-integer seconds to parse, got %v", cfg.UpTimeout)
	}
}

func TestDefaultScopeSets(t *testing.T) {
	cfg := Default()
	dnf, ok := cfg.RequiredScopeSets["ping"]
	if !ok {
		t.Fatal("expected default scope set for ping")
	}
	if len(dnf) != 1 || len(dnf[0]) != 1 || dnf[0][0] != "project:relops-hardware-controller:ping" {
		t.Fatalf("unexpected default scope set: %v", dnf)
	}
}

func TestParseScopeSetsOverride(t *testing.T) {
	t.Setenv("REQUIRED_TASKCLUSTER_SCOPE_SETS", "reboot=project:x:reboot&project:x:admin|project:x:superuser")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dnf := cfg.RequiredScopeSets["reboot"]
	if len(dnf) != 2 {
		t.Fatalf("expected two conjunctions, got %d", len(dnf))
	}
	if len(dnf[0]) != 2 {
		t.Fatalf("expected first conjunction to have two scopes, got %v", dnf[0])
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("DOWN_TIMEOUT", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
